package sbnproto

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
)

// ProtoFlag mirrors kernel_proto_flag: governs whether a connection
// prepends source/destination addresses to every header, and whether it
// buffers upstream/downstream kernels for recovery.
type ProtoFlag uint8

const (
	FlagPrependSourceAndDestination ProtoFlag = 1 << iota
	FlagSaveUpstreamKernels
	FlagSaveDownstreamKernels
)

// State is the connection's lifecycle state (spec §4.3).
type State int

const (
	StateStarting State = iota
	StateStarted
	StateStopping
	StateStopped
)

// Connection is a per-peer state machine: it frames kernels onto a
// net.Conn, keeps upstream/downstream buffers of in-flight kernels, and
// recovers them on disconnect. Grounded directly on connection.cc's
// send/write_kernel/receive_kernels/read_kernel/receive_kernel/
// plug_parent/save_kernel/recover_kernels/recover_kernel.
type Connection struct {
	conn       net.Conn
	r          *bufio.Reader
	w          *bufio.Writer
	flags      ProtoFlag
	thisApp    uint64
	reg        *sbnkernel.Registry
	instances  *sbnkernel.Instances
	pipelines  Pipelines
	log        *sbnlog.Logger
	peerAddr   net.Addr
	localAddr  net.Addr

	mu         sync.Mutex
	state      State
	upstream   []*sbnkernel.Kernel
	downstream []*sbnkernel.Kernel

	cancel context.CancelFunc
	done   chan struct{}
}

// Config bundles the construction-time parameters of a Connection.
type Config struct {
	ThisApplicationID uint64
	Registry          *sbnkernel.Registry
	Instances         *sbnkernel.Instances
	Pipelines         Pipelines
	Log               *sbnlog.Logger
	Flags             ProtoFlag
}

// NewConnection wraps conn in a Connection in state Starting.
func NewConnection(conn net.Conn, cfg Config) *Connection {
	c := &Connection{
		conn:      conn,
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		flags:     cfg.Flags,
		thisApp:   cfg.ThisApplicationID,
		reg:       cfg.Registry,
		instances: cfg.Instances,
		pipelines: cfg.Pipelines,
		log:       cfg.Log,
		peerAddr:  conn.RemoteAddr(),
		localAddr: conn.LocalAddr(),
		state:     StateStarting,
		done:      make(chan struct{}),
	}
	return c
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start begins the receive loop in a new goroutine. Done() is closed
// when the loop exits, after recovery has run.
func (c *Connection) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.receiveLoop(ctx)
}

// Done reports a channel that closes once the connection has stopped
// and recovered its buffered kernels.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close transitions the connection to stopping and closes the
// underlying socket, unblocking any pending read (spec §4.5
// Cancellation: "blocking reads on connections unblock via the event
// poller's wake pipe" — here, via closing the socket under a
// context.Context cancellation).
func (c *Connection) Close() error {
	c.setState(StateStopping)
	if c.cancel != nil {
		c.cancel()
	}
	return c.conn.Close()
}

// Send implements the send path of spec §4.3.
func (c *Connection) Send(k *sbnkernel.Kernel) {
	if k.MovesDownstream() && k.Destination() == nil {
		if k.Isset(sbnkernel.FlagParentIsID) || k.CarriesParent() {
			c.plugParent(k)
		}
		c.pipelines.Native.Send(k)
		return
	}
	deleteAfter := c.saveKernel(k)
	c.writeKernel(k)
	if deleteAfter {
		k.MarkDeleted()
	}
}

// Forward sends an opaque foreign kernel's raw header+payload straight
// to the wire without touching its buffering decision beyond save_kernel
// (spec §4.3/§4.6: "The forwarder ... merely preserves the original
// header and payload bytes").
func (c *Connection) Forward(k *sbnkernel.Kernel, rawPayload []byte) {
	deleteAfter := c.saveKernel(k)
	h := c.headerFor(k)
	if err := writePacket(c.w, h, rawPayload); err != nil {
		c.log.Warn("forward write failed", sbnlog.KVErr(err))
	}
	if deleteAfter {
		k.MarkDeleted()
	}
}

func (c *Connection) headerFor(k *sbnkernel.Kernel) *sbnkernel.Header {
	h := &sbnkernel.Header{
		Flags:         k.Flags(),
		ApplicationID: k.ApplicationID(),
		Type:          k.TypeID(),
		KernelID:      k.ID(),
		PrincipalID:   k.PrincipalID(),
		ReturnCode:    k.ReturnCode(),
		Phase:         k.Phase(),
	}
	if c.flags&FlagPrependSourceAndDestination != 0 {
		h.PrependSourceAndDestination()
		h.Source = k.Source()
		h.Destination = k.Destination()
	}
	return h
}

func (c *Connection) writeKernel(k *sbnkernel.Kernel) {
	h := c.headerFor(k)
	payload, err := marshalPayload(k.Payload)
	if err != nil {
		c.log.Warn("write error", sbnlog.KVErr(err))
		return
	}
	if err := writePacket(c.w, h, payload); err != nil {
		c.log.Warn("write error", sbnlog.KVErr(err))
	}
}

func (c *Connection) receiveLoop(ctx context.Context) {
	defer close(c.done)
	for {
		h, payload, err := readPacket(c.r)
		if err != nil {
			orderly := errors.Is(err, io.EOF)
			c.setState(StateStopping)
			c.recoverKernels(!orderly)
			c.setState(StateStopped)
			return
		}
		c.setState(StateStarted)
		k, foreign, err := c.readKernel(h, payload)
		if err != nil {
			c.log.Warn("read error", sbnlog.KVErr(err))
			continue
		}
		if foreign {
			if c.pipelines.Foreign != nil {
				c.pipelines.Foreign.Forward(k)
			}
			continue
		}
		ok := c.receiveKernel(k)
		if !ok {
			dest := k.Source()
			k.SetReturnCode(sbnkernel.RCNoPrincipalFound)
			k.SetPhase(sbnkernel.PhaseDownstream)
			k.SetDestination(dest)
			c.Send(k)
			continue
		}
		c.pipelines.Native.Send(k)
	}
}

// readKernel decodes one packet's header+payload into a Kernel. The
// second return value reports whether the packet belongs to a foreign
// application (spec §4.3 receive path).
func (c *Connection) readKernel(h *sbnkernel.Header, payload []byte) (*sbnkernel.Kernel, bool, error) {
	if h.ApplicationID != 0 && h.ApplicationID != c.thisApp {
		k := sbnkernel.New(nil)
		k.SetID(h.KernelID)
		k.SetPrincipalID(h.PrincipalID)
		k.SetReturnCode(h.ReturnCode)
		k.SetPhase(h.Phase)
		k.SetApplicationID(h.ApplicationID)
		k.SetSource(c.peerAddr)
		return k, true, nil
	}
	p, err := unmarshalPayload(c.reg, h.Type, payload)
	if err != nil {
		return nil, false, err
	}
	k := sbnkernel.New(p)
	k.SetID(h.KernelID)
	k.SetPrincipalID(h.PrincipalID)
	k.SetReturnCode(h.ReturnCode)
	k.SetPhase(h.Phase)
	k.SetSource(c.peerAddr)
	if h.HasSourceAndDestination() {
		k.SetDestination(h.Destination)
	}
	return k, false, nil
}

// receiveKernel implements connection.cc's receive_kernel: downstream
// kernels are plugged to their buffered parent; others resolve their
// principal through the instance registry when a principal ID is
// present (spec §4.3 "Otherwise, if principal_id is set, resolve it
// through the instance registry; if resolution fails, bounce back with
// no-principal-found").
func (c *Connection) receiveKernel(k *sbnkernel.Kernel) bool {
	if k.MovesDownstream() {
		return c.plugParent(k)
	}
	if k.PrincipalID() != 0 && c.instances != nil {
		pr, ok := c.instances.Find(k.PrincipalID())
		if !ok {
			return false
		}
		k.SetPrincipal(pr)
	}
	return true
}

// plugParent is the critical parent-reattachment algorithm of spec
// §4.3/§8 ("idempotence of plug-parent"). It returns false when no
// parent could be found and the kernel could not carry its own.
func (c *Connection) plugParent(k *sbnkernel.Kernel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, orig := range c.upstream {
		if orig.ID() == k.ID() {
			k.SetParent(orig.Parent())
			k.SetPrincipal(k.Parent())
			c.upstream = append(c.upstream[:i], c.upstream[i+1:]...)
			return true
		}
	}
	if k.CarriesParent() {
		k.SetPrincipal(k.Parent())
		for i, old := range c.downstream {
			if old.ID() == k.ID() {
				old.MarkDeleted()
				c.downstream = append(c.downstream[:i], c.downstream[i+1:]...)
				break
			}
		}
		return true
	}
	c.log.Warn("parent not found", sbnlog.KV("kernel_id", uint64(k.ID())))
	return false
}

// saveKernel decides which buffer (if any) k should be parked in while
// it is in flight, per spec §4.3 Send path / §9 ownership rules.
func (c *Connection) saveKernel(k *sbnkernel.Kernel) (deleteAfter bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.flags&FlagSaveUpstreamKernels != 0 && (k.MovesUpstream() || k.MovesSomewhere()):
		if !k.HasID() {
			k.SetID(sbnkernel.GenerateLocalID())
		}
		if k.Parent() != nil && !k.Parent().HasID() {
			k.Parent().SetID(sbnkernel.GenerateLocalID())
		}
		c.upstream = append(c.upstream, k)
		return false
	case c.flags&FlagSaveDownstreamKernels != 0 && k.MovesDownstream() && k.CarriesParent():
		c.downstream = append(c.downstream, k)
		return false
	case !k.MovesEverywhere():
		return true
	default:
		return false
	}
}

// recoverKernels re-routes buffered kernels after the connection has
// stopped (spec §4.3 Recovery on disconnect). down selects whether the
// downstream buffer is also recovered — only on a non-orderly close.
func (c *Connection) recoverKernels(down bool) {
	c.mu.Lock()
	up := c.upstream
	c.upstream = nil
	var dn []*sbnkernel.Kernel
	if down {
		dn = c.downstream
		c.downstream = nil
	}
	c.mu.Unlock()

	for _, k := range up {
		c.recoverKernel(k)
	}
	for _, k := range dn {
		c.recoverKernel(k)
	}
}

// recoverKernel applies the exact four-way rule set of connection.cc's
// recover_kernel (spec §4.3 Recovery, verbatim in structure).
func (c *Connection) recoverKernel(k *sbnkernel.Kernel) {
	switch {
	case k.MovesUpstream() && k.Destination() == nil:
		if c.pipelines.Remote != nil {
			c.pipelines.Remote.Send(k)
		}
	case k.MovesSomewhere() || (k.MovesUpstream() && k.Destination() != nil):
		k.SetSource(k.Destination())
		k.SetReturnCode(sbnkernel.RCEndpointNotConnected)
		k.SetPrincipal(k.Parent())
		if c.pipelines.Native != nil {
			c.pipelines.Native.Send(k)
		}
	case k.MovesDownstream() && k.CarriesParent():
		if c.pipelines.Native != nil {
			c.pipelines.Native.Send(k)
		}
	default:
		k.MarkDeleted()
	}
}

// Clear marks every buffered kernel as deleted without attempting
// recovery, used during full pipeline teardown (spec §9 "two-phase
// barrier" — the sack step).
func (c *Connection) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.upstream {
		k.MarkDeleted()
	}
	for _, k := range c.downstream {
		k.MarkDeleted()
	}
	c.upstream = nil
	c.downstream = nil
}

// PeerAddr reports the remote address of the wrapped connection.
func (c *Connection) PeerAddr() net.Addr { return c.peerAddr }

// LocalAddr reports the local address of the wrapped connection.
func (c *Connection) LocalAddr() net.Addr { return c.localAddr }
