package sbndiscover

import "net"

func fakeTCPAddr(ip string) (net.Addr, error) {
	return net.ResolveTCPAddr("tcp", ip+":33333")
}
