package sbndiscover

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"

	"github.com/igankevich/sbnd/internal/sbnkernel"
)

// TypeProbe and TypeHierarchy are this package's registry type IDs
// (spec §6 "type-id").
const (
	TypeProbe     sbnkernel.TypeID = 1
	TypeHierarchy sbnkernel.TypeID = 2
)

// Probe is the point-to-point kernel discoverer.cc sends to a
// candidate superior and that candidate answers, carrying
// (interface-address, old-superior, new-superior) (spec §4.2 "Probe
// kernel").
type Probe struct {
	InterfaceAddr net.Addr
	OldSuperior   net.Addr
	NewSuperior   net.Addr
	Superior      Resources // total resources of the answering subtree
}

func (p *Probe) TypeID() sbnkernel.TypeID { return TypeProbe }

// Act and React are never invoked: the main daemon kernel inspects
// InterfaceAddr before generic dispatch and calls the matching
// Discoverer's HandleProbe directly (spec §4.7 "route to the
// Discoverer of the matching interface"), bypassing the local worker
// pool's Act/React split entirely. Both exist only to satisfy
// sbnkernel.Payload.
func (p *Probe) Act(k *sbnkernel.Kernel) error                            { return nil }
func (p *Probe) React(k *sbnkernel.Kernel, child *sbnkernel.Kernel) error { return nil }

// MarshalBinary implements encoding.BinaryMarshaler (spec §6 payload
// serialisation contract).
func (p *Probe) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = appendAddr(buf, p.InterfaceAddr)
	buf = appendAddr(buf, p.OldSuperior)
	buf = appendAddr(buf, p.NewSuperior)
	buf = appendFloat(buf, p.Superior[0])
	buf = appendFloat(buf, p.Superior[1])
	return buf, nil
}

func (p *Probe) UnmarshalBinary(b []byte) error {
	var err error
	p.InterfaceAddr, b, err = readAddr(b)
	if err != nil {
		return err
	}
	p.OldSuperior, b, err = readAddr(b)
	if err != nil {
		return err
	}
	p.NewSuperior, b, err = readAddr(b)
	if err != nil {
		return err
	}
	p.Superior[0], b, err = readFloat(b)
	if err != nil {
		return err
	}
	p.Superior[1], _, err = readFloat(b)
	return err
}

// HierarchyKernel carries one resources vector between neighbours
// (spec §4.2 "Weight broadcast").
type HierarchyKernel struct {
	InterfaceAddr net.Addr
	Resources     Resources
}

func (h *HierarchyKernel) TypeID() sbnkernel.TypeID { return TypeHierarchy }

// Act and React are never invoked, for the same reason as Probe's:
// routing happens in the main daemon kernel before generic dispatch.
func (h *HierarchyKernel) Act(k *sbnkernel.Kernel) error                            { return nil }
func (h *HierarchyKernel) React(k *sbnkernel.Kernel, child *sbnkernel.Kernel) error { return nil }

func (h *HierarchyKernel) MarshalBinary() ([]byte, error) {
	var buf []byte
	buf = appendAddr(buf, h.InterfaceAddr)
	buf = appendFloat(buf, h.Resources[0])
	buf = appendFloat(buf, h.Resources[1])
	return buf, nil
}

func (h *HierarchyKernel) UnmarshalBinary(b []byte) error {
	var err error
	h.InterfaceAddr, b, err = readAddr(b)
	if err != nil {
		return err
	}
	h.Resources[0], b, err = readFloat(b)
	if err != nil {
		return err
	}
	h.Resources[1], _, err = readFloat(b)
	return err
}

func appendAddr(buf []byte, a net.Addr) []byte {
	if a == nil {
		return binary.LittleEndian.AppendUint16(buf, 0)
	}
	s := a.String()
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readAddr(b []byte) (net.Addr, []byte, error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("sbndiscover: short address")
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if n == 0 {
		return nil, b, nil
	}
	if len(b) < n {
		return nil, nil, fmt.Errorf("sbndiscover: truncated address")
	}
	s := string(b[:n])
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return nil, nil, err
	}
	return addr, b[n:], nil
}

func appendFloat(buf []byte, f float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
}

func readFloat(b []byte) (float64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("sbndiscover: short float")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), b[8:], nil
}
