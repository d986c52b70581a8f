package sbnkernel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
)

// Header carries the routing and lifecycle metadata that travels ahead
// of a kernel's serialised payload on the wire (spec §6).
//
// Field order on the wire, little-endian throughout: flags (u16),
// application-id (u64, always present), source and destination socket
// addresses (present only when FlagPrependSourceAndDestination is set),
// type-id (u16), kernel-id (u64), principal-id (u64), return-code (u16),
// phase (u8).
type Header struct {
	Flags         Flag
	ApplicationID uint64
	Source        net.Addr
	Destination   net.Addr
	Type          TypeID
	KernelID      ID
	PrincipalID   ID
	ReturnCode    ReturnCode
	Phase         Phase
}

// HasSourceAndDestination reports whether this header carries socket
// addresses (spec §4.3 receive path: "if present, its destination as
// recorded in the header").
func (h *Header) HasSourceAndDestination() bool {
	return h.Flags&FlagPrependSourceAndDestination != 0
}

// family tags for socket address encoding (spec §6).
const (
	familyIPv4  = 1
	familyIPv6  = 2
	familyLocal = 3
)

// WriteHeader writes h to w in the wire format described in spec §6.
func WriteHeader(w *bufio.Writer, h *Header) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(h.Flags)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.ApplicationID); err != nil {
		return err
	}
	if h.HasSourceAndDestination() {
		if err := writeSocketAddr(w, h.Source); err != nil {
			return err
		}
		if err := writeSocketAddr(w, h.Destination); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(h.Type)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(h.KernelID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(h.PrincipalID)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(h.ReturnCode)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint8(h.Phase))
}

// ReadHeader reads a Header from r, matching WriteHeader's format. The
// flags field is read first, and the address section is read only when
// those flags include FlagPrependSourceAndDestination.
func ReadHeader(r *bufio.Reader) (*Header, error) {
	h := &Header{}
	var flags, typ, rc uint16
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, err
	}
	h.Flags = Flag(flags)
	if err := binary.Read(r, binary.LittleEndian, &h.ApplicationID); err != nil {
		return nil, err
	}
	if h.HasSourceAndDestination() {
		src, err := readSocketAddr(r)
		if err != nil {
			return nil, err
		}
		dst, err := readSocketAddr(r)
		if err != nil {
			return nil, err
		}
		h.Source, h.Destination = src, dst
	}
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return nil, err
	}
	h.Type = TypeID(typ)
	var kid, pid uint64
	if err := binary.Read(r, binary.LittleEndian, &kid); err != nil {
		return nil, err
	}
	h.KernelID = ID(kid)
	if err := binary.Read(r, binary.LittleEndian, &pid); err != nil {
		return nil, err
	}
	h.PrincipalID = ID(pid)
	if err := binary.Read(r, binary.LittleEndian, &rc); err != nil {
		return nil, err
	}
	h.ReturnCode = ReturnCode(rc)
	var phase uint8
	if err := binary.Read(r, binary.LittleEndian, &phase); err != nil {
		return nil, err
	}
	h.Phase = Phase(phase)
	return h, nil
}

// PrependSourceAndDestination sets the flag that causes Source and
// Destination to be written to the wire (spec §4.3 send path).
func (h *Header) PrependSourceAndDestination() {
	h.Flags |= FlagPrependSourceAndDestination
}

func writeSocketAddr(w *bufio.Writer, a net.Addr) error {
	if a == nil {
		return binary.Write(w, binary.LittleEndian, uint16(0))
	}
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("sbnkernel: unsupported address type %T", a)
	}
	if ip4 := tcp.IP.To4(); ip4 != nil {
		if err := binary.Write(w, binary.LittleEndian, uint16(familyIPv4)); err != nil {
			return err
		}
		if _, err := w.Write(ip4); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, uint16(tcp.Port))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(familyIPv6)); err != nil {
		return err
	}
	ip16 := tcp.IP.To16()
	if _, err := w.Write(ip16); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint16(tcp.Port))
}

func readSocketAddr(r *bufio.Reader) (net.Addr, error) {
	var family uint16
	if err := binary.Read(r, binary.LittleEndian, &family); err != nil {
		return nil, err
	}
	switch family {
	case 0:
		return nil, nil
	case familyIPv4:
		buf := make([]byte, 4)
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
		var port uint16
		if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
			return nil, err
		}
		return &net.TCPAddr{IP: net.IP(buf), Port: int(port)}, nil
	case familyIPv6:
		buf := make([]byte, 16)
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
		var port uint16
		if err := binary.Read(r, binary.LittleEndian, &port); err != nil {
			return nil, err
		}
		return &net.TCPAddr{IP: net.IP(buf), Port: int(port)}, nil
	case familyLocal:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
		return &net.UnixAddr{Name: string(buf), Net: "unix"}, nil
	default:
		return nil, fmt.Errorf("sbnkernel: unknown address family %d", family)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
