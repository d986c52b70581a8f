// Package sbnsocket owns all TCP connections to peer daemons: it
// accepts inbound connections, dials outbound ones, and schedules
// upstream kernels across peers by weighted round robin (spec §4.4).
// Grounded directly on the third core iteration's socket_pipeline.cc
// (find_next_client, process_kernel, ensure_identity) and, for the
// reconnect-with-backoff goroutine shape, on
// gravwell-gravwell/ingest/muxer.go's connRoutine/getConnection.
package sbnsocket

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/igankevich/sbnd/internal/sbnproto"
)

// Client is one outbound or inbound peer connection plus the weight the
// scheduler uses for it (spec: "Each connection has an integer weight
// representing the number of nodes behind it in the hierarchy").
type Client struct {
	addr    string
	conn    *sbnproto.Connection
	weight  int
	started bool
}

// Pipeline is the per-daemon socket pipeline: it owns the map of peer
// address to Client and the weighted round-robin iterator over that
// map. Listening sockets belong to the daemon, which hands accepted
// connections to AcceptInbound.
type Pipeline struct {
	cfg    Config
	log    *sbnlog.Logger
	ids    *IDRange
	limiter *sbnproto.RateLimiter

	mu      sync.Mutex
	clients map[string]*Client
	order   []string // deterministic iteration order over clients' keys
	rrIdx   int
	rrCnt   int

	queue  chan *sbnkernel.Kernel
	dieCh  chan struct{}
	wg     sync.WaitGroup
}

// Config bundles the pipeline's construction-time parameters.
type Config struct {
	ThisApplicationID uint64
	Registry          *sbnkernel.Registry
	Instances         *sbnkernel.Instances
	Native            sbnproto.Pipeline // local pipeline, for downstream-with-empty-source and bounces
	Foreign           sbnproto.ForeignForwarder
	UseLocalhost      bool
	SelfRank          uint64
	RateLimitBPS      int64
	OnDisconnect      func(addr string) // notified after a client is unregistered, see sbnd
}

// New builds a Pipeline in the stopped state; call Start to begin
// dispatching.
func New(cfg Config, log *sbnlog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		log:     log,
		ids:     NewIDRange(cfg.SelfRank),
		limiter: sbnproto.NewRateLimiter(cfg.RateLimitBPS, 0),
		clients: make(map[string]*Client),
		queue:   make(chan *sbnkernel.Kernel, 1024),
		dieCh:   make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.dispatchLoop(ctx)
}

// Stop closes every client connection and waits for the dispatch loop to
// exit.
func (p *Pipeline) Stop() {
	close(p.dieCh)
	p.mu.Lock()
	for _, c := range p.clients {
		c.conn.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Send enqueues a kernel for dispatch (spec §4.4 Dispatch).
func (p *Pipeline) Send(k *sbnkernel.Kernel) {
	select {
	case p.queue <- k:
	case <-p.dieCh:
	}
}

// AddOutbound dials addr and registers it as a client with the given
// initial weight, retrying with exponential backoff until it connects
// or the pipeline is stopped — the Go analogue of ingest/muxer.go's
// connRoutine/getConnection.
func (p *Pipeline) AddOutbound(ctx context.Context, addr string, weight int) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		backoff := time.Second
		const maxBackoff = 60 * time.Second
		for {
			conn, err := p.dial(ctx, addr)
			if err != nil {
				p.log.Warn("dial failed", sbnlog.KV("addr", addr), sbnlog.KVErr(err))
				if !quitableSleep(p.dieCh, jitter(backoff)) {
					return
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = time.Second
			c := p.register(addr, conn, weight)
			<-c.conn.Done()
			p.unregister(addr)
			select {
			case <-p.dieCh:
				return
			default:
			}
		}
	}()
}

func (p *Pipeline) dial(ctx context.Context, addr string) (*sbnproto.Connection, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	wrapped := p.limiter.WrapConn(raw)
	conn := sbnproto.NewConnection(wrapped, sbnproto.Config{
		ThisApplicationID: p.cfg.ThisApplicationID,
		Registry:          p.cfg.Registry,
		Instances:         p.cfg.Instances,
		Flags:             sbnproto.FlagPrependSourceAndDestination | sbnproto.FlagSaveUpstreamKernels | sbnproto.FlagSaveDownstreamKernels,
		Log:               p.log,
		Pipelines: sbnproto.Pipelines{
			Native:  p.cfg.Native,
			Remote:  p,
			Foreign: p.cfg.Foreign,
		},
	})
	conn.Start(ctx)
	return conn, nil
}

// AcceptInbound registers an already-accepted connection as a client
// with the given weight (used by the listener goroutine owned by the
// daemon, see sbnd).
func (p *Pipeline) AcceptInbound(ctx context.Context, raw net.Conn, weight int) {
	conn := sbnproto.NewConnection(raw, sbnproto.Config{
		ThisApplicationID: p.cfg.ThisApplicationID,
		Registry:          p.cfg.Registry,
		Instances:         p.cfg.Instances,
		Flags:             sbnproto.FlagPrependSourceAndDestination | sbnproto.FlagSaveUpstreamKernels | sbnproto.FlagSaveDownstreamKernels,
		Log:               p.log,
		Pipelines: sbnproto.Pipelines{
			Native:  p.cfg.Native,
			Remote:  p,
			Foreign: p.cfg.Foreign,
		},
	})
	conn.Start(ctx)
	addr := raw.RemoteAddr().String()
	p.register(addr, conn, weight)
}

func (p *Pipeline) register(addr string, conn *sbnproto.Connection, weight int) *Client {
	c := &Client{addr: addr, conn: conn, weight: weight, started: true}
	p.mu.Lock()
	if _, exists := p.clients[addr]; !exists {
		p.order = append(p.order, addr)
	}
	p.clients[addr] = c
	p.mu.Unlock()
	return c
}

func (p *Pipeline) unregister(addr string) {
	p.mu.Lock()
	delete(p.clients, addr)
	for i, a := range p.order {
		if a == addr {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.rrIdx >= len(p.order) {
		p.rrIdx = 0
	}
	p.mu.Unlock()
	if p.cfg.OnDisconnect != nil {
		p.cfg.OnDisconnect(addr)
	}
}

// StopClient closes the connection to addr, if any is registered,
// mirroring the original's factory.remote().stop_client (spec §4.2
// "close any previous client connection on the old superior").
func (p *Pipeline) StopClient(addr string) {
	p.mu.Lock()
	c, ok := p.clients[addr]
	p.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// SetWeight updates a client's scheduling weight, called by the
// Discoverer whenever subtree weight changes (spec §4.4 "kept fresh by
// §4.2").
func (p *Pipeline) SetWeight(addr string, weight int) {
	p.mu.Lock()
	if c, ok := p.clients[addr]; ok {
		c.weight = weight
	}
	p.mu.Unlock()
}

// nextClient implements socket_pipeline.cc's find_next_client: advance
// weight times per client before moving to the next, skipping stopped
// or not-yet-started connections.
func (p *Pipeline) nextClient() (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.order)
	if n == 0 {
		return nil, false
	}
	for tries := 0; tries < n; tries++ {
		addr := p.order[p.rrIdx%n]
		c := p.clients[addr]
		if c != nil && c.started && c.conn.State() == sbnproto.StateStarted {
			p.rrCnt++
			if p.rrCnt >= max(c.weight, 1) {
				p.rrCnt = 0
				p.rrIdx = (p.rrIdx + 1) % n
			}
			return c, true
		}
		p.rrIdx = (p.rrIdx + 1) % n
		p.rrCnt = 0
	}
	return nil, false
}

// ConnectedPeers reports every currently-registered client address and
// its scheduling weight, for the `pipeline-status` control query (spec
// §6 "returns per-connection kernel buffers" — the externally
// observable part of that is which peers are connected and how they're
// weighted).
func (p *Pipeline) ConnectedPeers() []PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PeerStatus, 0, len(p.order))
	for _, addr := range p.order {
		c := p.clients[addr]
		if c == nil {
			continue
		}
		out = append(out, PeerStatus{Addr: addr, Weight: c.weight, State: int(c.conn.State())})
	}
	return out
}

// PeerStatus is one connected peer's address, scheduling weight and
// connection state.
type PeerStatus struct {
	Addr   string `json:"addr"`
	Weight int    `json:"weight"`
	State  int    `json:"state"`
}

func (p *Pipeline) hasClients() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order) > 0
}

// dispatchLoop implements spec §4.4's Dispatch rules.
func (p *Pipeline) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.dieCh:
			return
		case <-ctx.Done():
			return
		case k := <-p.queue:
			p.dispatch(ctx, k)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, k *sbnkernel.Kernel) {
	switch {
	case k.MovesEverywhere():
		p.mu.Lock()
		addrs := append([]string(nil), p.order...)
		p.mu.Unlock()
		for _, addr := range addrs {
			p.mu.Lock()
			c := p.clients[addr]
			p.mu.Unlock()
			if c != nil {
				c.conn.Send(k)
			}
		}
		k.MarkDeleted()
	case k.MovesUpstream() && k.Destination() == nil:
		c, ok := p.nextClient()
		if !ok {
			if p.cfg.UseLocalhost && !k.CarriesParent() {
				p.cfg.Native.Send(k)
				return
			}
			k.SetReturnCode(sbnkernel.RCNoUpstreamServersAvailable)
			k.SetPrincipal(k.Parent())
			p.cfg.Native.Send(k)
			return
		}
		p.ensureIdentity(k)
		c.conn.Send(k)
	case k.MovesDownstream() && k.Source() == nil:
		p.cfg.Native.Send(k)
	default:
		c, ok := p.findOrCreateClient(ctx, k.Destination())
		if !ok {
			k.SetReturnCode(sbnkernel.RCEndpointNotConnected)
			k.SetPrincipal(k.Parent())
			p.cfg.Native.Send(k)
			return
		}
		c.conn.Send(k)
	}
}

// findOrCreateClient mirrors socket_pipeline.cc's find_or_create_client:
// reuse the registered client for addr if one exists, otherwise dial it
// on the spot (a single attempt, not AddOutbound's reconnect-with-backoff
// loop) and register the result for subsequent sends.
func (p *Pipeline) findOrCreateClient(ctx context.Context, destination net.Addr) (*Client, bool) {
	addr := destination.String()
	p.mu.Lock()
	c, ok := p.clients[addr]
	p.mu.Unlock()
	if ok {
		return c, true
	}
	conn, err := p.dial(ctx, addr)
	if err != nil {
		p.log.Warn("on-demand dial failed", sbnlog.KV("addr", addr), sbnlog.KVErr(err))
		return nil, false
	}
	return p.register(addr, conn, 1), true
}

// ensureIdentity assigns IDs from this server's ID range to k and its
// parent if absent (spec §4.4 "assign IDs to k and its parent").
func (p *Pipeline) ensureIdentity(k *sbnkernel.Kernel) {
	if !k.HasID() {
		k.SetID(sbnkernel.ID(p.ids.Next()))
	}
	if parent := k.Parent(); parent != nil && !parent.HasID() {
		parent.SetID(sbnkernel.ID(p.ids.Next()))
	}
}

// Forward implements the foreign-kernel entry point of spec §4.4
// "Forwarding foreign kernels".
func (p *Pipeline) Forward(k *sbnkernel.Kernel) {
	if k.Destination() != nil {
		p.mu.Lock()
		c, ok := p.clients[k.Destination().String()]
		p.mu.Unlock()
		if ok {
			c.conn.Forward(k, nil)
		}
		return
	}
	c, ok := p.nextClient()
	if !ok {
		if k.CarriesParent() && p.cfg.Foreign != nil {
			p.cfg.Foreign.Forward(k)
		}
		return
	}
	c.conn.Forward(k, nil)
}

func quitableSleep(die chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-die:
		return false
	}
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
