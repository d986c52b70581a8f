// Package sbnkernel defines the mobile unit of work ("kernel") that the
// runtime routes between threads, processes and hosts, along with the
// wire header, the type registry used to rehydrate kernels received from
// a peer, and the instance registry used to reattach returning children
// to their parents.
package sbnkernel

import (
	"net"
	"sync/atomic"
)

// Phase describes the direction a kernel is travelling.
type Phase uint8

const (
	PhaseUndefined Phase = iota
	PhaseUpstream
	PhaseDownstream
	PhasePointToPoint
	PhaseBroadcast
)

func (p Phase) String() string {
	switch p {
	case PhaseUpstream:
		return "upstream"
	case PhaseDownstream:
		return "downstream"
	case PhasePointToPoint:
		return "point-to-point"
	case PhaseBroadcast:
		return "broadcast"
	default:
		return "undefined"
	}
}

// ReturnCode is the outcome a kernel carries back to its parent.
type ReturnCode uint16

const (
	RCUndefined ReturnCode = iota
	RCSuccess
	RCError
	RCNoUpstreamServersAvailable
	RCEndpointNotConnected
	RCNoPrincipalFound
)

// Flag is a bit in the kernel's lifecycle/routing flag set.
type Flag uint16

const (
	FlagCarriesParent Flag = 1 << iota
	FlagParentIsID
	FlagDoNotDelete
	FlagPrependSourceAndDestination
)

// ID is the 64-bit kernel identifier, unique within its source node's
// address range (see sbnsocket's ID-range allocator).
type ID uint64

// TypeID is the stable numeric type code used to rehydrate a kernel from
// the wire (see Registry).
type TypeID uint16

// Payload is implemented by application-specific kernel state. Act is
// invoked when the kernel arrives fresh at its destination; React is
// invoked on the parent when a child kernel returns. Both run to
// completion on a single local-pipeline worker (spec §4.5/§5).
type Payload interface {
	TypeID() TypeID
	Act(k *Kernel) error
	React(k *Kernel, child *Kernel) error
}

// Kernel is the central entity of the runtime: a serialisable unit of
// work with a parent pointer, a payload and a return code.
type Kernel struct {
	id                  ID
	hasID               bool
	typeID              TypeID
	source, destination net.Addr
	applicationID       uint64
	parent              *Kernel
	principal           *Kernel
	principalID         ID
	phase               Phase
	returnCode          ReturnCode
	flags               Flag
	Payload             Payload
}

// New constructs a fresh kernel with no ID; one is assigned on first
// transmission (spec §3 Lifecycle).
func New(p Payload) *Kernel {
	k := &Kernel{Payload: p}
	if p != nil {
		k.typeID = p.TypeID()
	}
	return k
}

func (k *Kernel) ID() ID          { return k.id }
func (k *Kernel) HasID() bool     { return k.hasID }
func (k *Kernel) TypeID() TypeID  { return k.typeID }
func (k *Kernel) Phase() Phase    { return k.phase }
func (k *Kernel) SetPhase(p Phase) { k.phase = p }

func (k *Kernel) SetID(id ID) {
	k.id = id
	k.hasID = true
}

// ApplicationID reports the destination application ID this kernel is
// addressed to, zero meaning "this daemon's own kernels" (spec §4.6 "a
// kernel whose application id does not match the receiving process is
// forwarded rather than executed locally").
func (k *Kernel) ApplicationID() uint64      { return k.applicationID }
func (k *Kernel) SetApplicationID(id uint64) { k.applicationID = id }

func (k *Kernel) Source() net.Addr             { return k.source }
func (k *Kernel) Destination() net.Addr        { return k.destination }
func (k *Kernel) SetSource(a net.Addr)         { k.source = a }
func (k *Kernel) SetDestination(a net.Addr)    { k.destination = a }

func (k *Kernel) Parent() *Kernel    { return k.parent }
func (k *Kernel) SetParent(p *Kernel) {
	k.parent = p
	if p != nil {
		k.flags |= FlagCarriesParent
	}
}

func (k *Kernel) Principal() *Kernel { return k.principal }
func (k *Kernel) SetPrincipal(p *Kernel) {
	k.principal = p
	k.principalID = 0
}

func (k *Kernel) PrincipalID() ID { return k.principalID }
func (k *Kernel) SetPrincipalID(id ID) {
	k.principalID = id
	k.principal = nil
}

func (k *Kernel) ReturnCode() ReturnCode     { return k.returnCode }
func (k *Kernel) SetReturnCode(rc ReturnCode) { k.returnCode = rc }

func (k *Kernel) Isset(f Flag) bool { return k.flags&f != 0 }
func (k *Kernel) Set(f Flag)        { k.flags |= f }
func (k *Kernel) Unset(f Flag)      { k.flags &^= f }
func (k *Kernel) Flags() Flag       { return k.flags }

func (k *Kernel) CarriesParent() bool { return k.Isset(FlagCarriesParent) && k.parent != nil }

// MovesUpstream reports whether this kernel travels towards its
// computation site.
func (k *Kernel) MovesUpstream() bool { return k.phase == PhaseUpstream }

// MovesDownstream reports whether this kernel travels back to its
// parent.
func (k *Kernel) MovesDownstream() bool { return k.phase == PhaseDownstream }

// MovesSomewhere reports a point-to-point kernel (has an explicit
// destination but is neither strictly upstream nor downstream).
func (k *Kernel) MovesSomewhere() bool { return k.phase == PhasePointToPoint }

// MovesEverywhere reports a broadcast kernel.
func (k *Kernel) MovesEverywhere() bool { return k.phase == PhaseBroadcast }

// MarkDeleted clears references that would otherwise keep an entire
// parent chain alive, so a connection or pipeline shutdown can release
// buffered kernels without a double free (spec §4.5, §9 "two-phase
// barrier"). It is idempotent.
func (k *Kernel) MarkDeleted() {
	k.parent = nil
	k.principal = nil
	k.flags &^= FlagCarriesParent
}

var idCounter uint64

// GenerateLocalID returns a process-local monotonically increasing ID.
// Used by components that do not own a socket-derived ID range (see
// sbnsocket.IDRange for the networked case, spec §4.4).
func GenerateLocalID() ID {
	return ID(atomic.AddUint64(&idCounter, 1))
}
