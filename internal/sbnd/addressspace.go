package sbnd

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/igankevich/sbnd/internal/sbntree"
)

// buildAddressSpace turns one IPv4 interface address into the
// AddressSpace sbntree.Iterator needs: rank is the address's zero-based
// position within its subnet, and ToAddr inverts that mapping back to a
// dotted-quad (spec §4.1 "rank is the zero-based index of the address
// within the subnet").
func buildAddressSpace(ifaceIP net.IP, ipNet *net.IPNet, fanout uint64) (sbntree.AddressSpace, uint64, error) {
	ip4 := ifaceIP.To4()
	mask4 := ipNet.Mask
	if ip4 == nil || len(mask4) != 4 {
		return sbntree.AddressSpace{}, 0, fmt.Errorf("sbnd: only IPv4 subnets are supported, got %s", ifaceIP)
	}
	network := ip4.Mask(mask4)
	base := binary.BigEndian.Uint32(network)
	ones, bits := ipNet.Mask.Size()
	subnetSize := uint64(1) << uint(bits-ones)
	self := binary.BigEndian.Uint32(ip4)
	selfRank := uint64(self - base)

	space := sbntree.AddressSpace{
		Fanout:     fanout,
		Offset:     0,
		Stride:     1,
		SubnetSize: subnetSize,
		SelfRank:   selfRank,
		ToAddr: func(rank uint64) (string, bool) {
			if rank >= subnetSize {
				return "", false
			}
			addr := base + uint32(rank)
			b := make(net.IP, 4)
			binary.BigEndian.PutUint32(b, addr)
			return b.String(), true
		},
	}
	return space, selfRank, nil
}
