package sbndiscover

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/igankevich/sbnd/internal/sbnsocket"
	"github.com/igankevich/sbnd/internal/sbntree"
)

// state mirrors discoverer.cc's states enum.
type state int

const (
	stateInitial state = iota
	stateWaiting
	stateProbing
)

// Config bundles one interface's construction-time parameters (spec
// §4.2 "one per interface address").
type Config struct {
	Self         net.Addr
	Port         int
	Fanout       uint64
	MaxAttempts  int
	ScanInterval time.Duration
	CacheDir     string
	AddressSpace sbntree.AddressSpace
	Registry     *sbnkernel.Registry
	Instances    *sbnkernel.Instances
	Remote       *sbnsocket.Pipeline
	Log          *sbnlog.Logger
}

// Discoverer owns one interface's hierarchy view and probing state
// machine, grounded on discoverer.cc.
type Discoverer struct {
	cfg Config
	log *sbnlog.Logger

	mu       sync.Mutex
	hier     *hierarchy
	it       *sbntree.Iterator
	attempts int
	st       state

	principalID sbnkernel.ID
	timer       *time.Timer
	die         chan struct{}
}

// New builds a Discoverer in state initial, with its instance already
// registered so incoming probes can resolve it as their principal
// (spec §4.3 "resolve it through the instance registry").
func New(cfg Config) *Discoverer {
	d := &Discoverer{
		cfg:  cfg,
		log:  cfg.Log,
		hier: newHierarchy(cfg.Self, cfg.Port),
		it:   sbntree.NewIterator(cfg.AddressSpace),
		die:  make(chan struct{}),
	}
	self := sbnkernel.New(nil)
	if cfg.Instances != nil {
		d.principalID = cfg.Instances.Add(self)
	}
	return d
}

// PrincipalID is the ID under which this Discoverer's kernel is
// registered in the instance registry. Probes do not carry it: they
// carry principal ID 1.
func (d *Discoverer) PrincipalID() sbnkernel.ID { return d.principalID }

// Start runs the initial discovery round and reads the persisted
// hierarchy cache, reconnecting to the cached superior if one is
// recorded (spec §4.2 "On startup, read the cache if present and
// immediately reconnect to the superior listed there").
func (d *Discoverer) Start() {
	if rec, err := readCache(d.cfg.CacheDir, d.hier); err != nil {
		d.log.Warn("failed to read cache", sbnlog.KVErr(err))
	} else if rec != nil {
		d.hier.SetResources(rec.Resources)
		if rec.HasSuperior {
			addr, err := net.ResolveTCPAddr("tcp", rec.SuperiorAddr)
			if err == nil {
				d.hier.AddSuperior(addr, rec.SuperiorRes)
				d.cfg.Remote.AddOutbound(context.Background(), addr.String(), 1)
			}
		}
	}
	d.discover()
}

// Stop cancels any armed timer and drops this Discoverer's instance
// registration.
func (d *Discoverer) Stop() {
	close(d.die)
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	if d.cfg.Instances != nil {
		d.cfg.Instances.Remove(d.principalID)
	}
}

// discover sends one probe to the current iterator candidate, matching
// discoverer.cc's discover().
func (d *Discoverer) discover() {
	d.mu.Lock()
	if d.it.Done() {
		d.it.Reset()
		d.mu.Unlock()
		d.log.Debug("all addresses probed", sbnlog.KV("iface", d.cfg.Self.String()))
		d.discoverLater()
		return
	}
	addrStr, ok := d.it.Next()
	if !ok {
		d.mu.Unlock()
		d.discoverLater()
		return
	}
	newSuperior, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", addrStr, d.cfg.Port))
	if err != nil {
		d.mu.Unlock()
		d.log.Warn("bad candidate address", sbnlog.KV("addr", addrStr), sbnlog.KVErr(err))
		return
	}
	oldSuperior := d.hier.SuperiorSocketAddress()
	d.attempts++
	attempts := d.attempts
	if attempts >= d.maxAttempts() {
		d.attempts = 0
		d.it.AdvanceFromParent()
	}
	d.st = stateProbing
	d.mu.Unlock()

	d.log.Debug("probe", sbnlog.KV("iface", d.cfg.Self.String()), sbnlog.KV("candidate", newSuperior.String()), sbnlog.KV("attempts", attempts))

	p := &Probe{InterfaceAddr: d.cfg.Self, OldSuperior: oldSuperior, NewSuperior: newSuperior}
	k := sbnkernel.New(p)
	k.SetDestination(newSuperior)
	k.SetPrincipalID(1) // well-known slot: every probe targets its receiver's discoverer
	k.SetPhase(sbnkernel.PhaseUpstream)
	d.cfg.Remote.Send(k)
}

func (d *Discoverer) maxAttempts() int {
	if d.cfg.MaxAttempts <= 0 {
		return 1
	}
	return d.cfg.MaxAttempts
}

// discoverLater arms the scan-interval timer (spec §4.2 "transition to
// waiting and arm the timer"). The kernel-scheduled alarm of the
// original is replaced by a plain time.AfterFunc — there is no
// analogue of a delayed local kernel in this runtime's worker pool,
// and a timer goroutine is the idiomatic Go equivalent.
func (d *Discoverer) discoverLater() {
	d.mu.Lock()
	d.st = stateWaiting
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.cfg.ScanInterval, d.onTimer)
	d.mu.Unlock()
}

// onTimer implements discoverer.cc's on_timer().
func (d *Discoverer) onTimer() {
	select {
	case <-d.die:
		return
	default:
	}
	d.mu.Lock()
	if d.st != stateWaiting {
		d.mu.Unlock()
		return
	}
	if d.hier.HasSuperior() {
		d.it.Reset()
	}
	candidate, ok := d.peekCandidate()
	old := d.hier.SuperiorSocketAddress()
	d.mu.Unlock()
	if !ok {
		d.discoverLater()
		return
	}
	if !sameAddr(old, candidate) {
		d.discover()
	} else {
		d.discoverLater()
	}
}

// peekCandidate resolves the iterator's next candidate without
// consuming it, mirroring on_timer()'s read of *_iterator without
// calling discover() unless the candidate changed.
func (d *Discoverer) peekCandidate() (net.Addr, bool) {
	snapshot := *d.it
	addrStr, ok := snapshot.Next()
	if !ok {
		return nil, false
	}
	addr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", addrStr, d.cfg.Port))
	if err != nil {
		return nil, false
	}
	return addr, true
}

// receiveProbe is called by HandleProbe when a fresh probe lands here
// (spec §4.2 "Receiving a probe (subordinate side)").
func (d *Discoverer) receiveProbe(k *sbnkernel.Kernel, p *Probe) {
	d.mu.Lock()
	src := k.Source()
	result, total := d.processProbe(src, p)
	d.mu.Unlock()

	p.Superior = total
	if result == "reject" {
		k.SetReturnCode(sbnkernel.RCError)
	} else {
		k.SetReturnCode(sbnkernel.RCSuccess)
	}
	k.SetPhase(sbnkernel.PhaseDownstream)
	k.SetDestination(src)
	d.cfg.Remote.Send(k)
	d.log.Debug("subordinate probe", sbnlog.KV("iface", d.cfg.Self.String()), sbnlog.KV("result", result), sbnlog.KV("src", fmt.Sprint(src)))
}

// processProbe applies discoverer.cc's process_probe + the
// add/remove-subordinate branches of update_subordinates, returning a
// human-readable result tag for logging.
func (d *Discoverer) processProbe(src net.Addr, p *Probe) (result string, total Resources) {
	if sameAddr(src, d.hier.SuperiorSocketAddress()) {
		// superior tries to become subordinate: prohibited (spec §4.2
		// "if source == current superior -> reject, return error")
		return "reject", d.hier.TotalResources()
	}
	changed := !sameAddr(p.OldSuperior, p.NewSuperior)
	switch {
	case changed && sameAddr(p.NewSuperior, d.hier.SocketAddress()):
		total = d.hier.TotalResources()
		if d.hier.AddSubordinate(src) {
			d.broadcastHierarchyLocked(src)
		}
		return "add", total
	case changed && sameAddr(p.OldSuperior, d.hier.SocketAddress()):
		if d.hier.RemoveSubordinate(src) {
			d.broadcastHierarchyLocked(src)
		}
		return "remove", d.hier.TotalResources()
	default:
		return "retain", d.hier.TotalResources()
	}
}

// updateSuperior is called when a probe this Discoverer sent comes
// back downstream (spec §4.2 "Receiving a probe reply (superior
// side)"). The daemon routes it here after matching the reply's
// InterfaceAddr to this Discoverer.
func (d *Discoverer) updateSuperior(k *sbnkernel.Kernel, p *Probe) {
	if k.ReturnCode() != sbnkernel.RCSuccess {
		d.log.Warn("probe failed", sbnlog.KV("iface", d.cfg.Self.String()), sbnlog.KV("candidate", p.NewSuperior.String()), sbnlog.KV("code", k.ReturnCode()))
		d.discover()
		return
	}
	old, newS := p.OldSuperior, p.NewSuperior
	if !sameAddr(old, newS) {
		if old != nil {
			d.cfg.Remote.StopClient(old.String())
		}
		d.mu.Lock()
		d.hier.AddSuperior(newS, p.Superior)
		d.mu.Unlock()
		d.cfg.Remote.SetWeight(newS.String(), int(p.Superior.NodeCount()))
		d.broadcastHierarchy(newS)
	}
	if old != nil && !sameAddr(old, newS) {
		// courtesy probe so the old superior drops us (spec §4.2
		// "send it a courtesy probe so it drops this node").
		courtesy := &Probe{InterfaceAddr: d.cfg.Self, OldSuperior: old, NewSuperior: newS}
		ck := sbnkernel.New(courtesy)
		ck.SetDestination(old)
		ck.SetPrincipalID(1)
		ck.SetPhase(sbnkernel.PhaseUpstream)
		d.cfg.Remote.Send(ck)
	}
	d.discoverLater()
}

// updateWeights is called by HandleHierarchy (spec §4.2 "Weight
// broadcast").
func (d *Discoverer) updateWeights(k *sbnkernel.Kernel, h *HierarchyKernel) {
	if k.Phase() == sbnkernel.PhaseDownstream && k.ReturnCode() != sbnkernel.RCSuccess {
		d.log.Warn("failed to propagate hierarchy", sbnlog.KV("iface", d.cfg.Self.String()), sbnlog.KV("peer", fmt.Sprint(k.Source())), sbnlog.KV("code", k.ReturnCode()))
		return
	}
	src := k.Source()
	d.mu.Lock()
	var changed bool
	if d.hier.HasSuperiorAddr(src) {
		changed = d.hier.SetSuperior(h.Resources)
	} else if d.hier.HasSubordinate(src) {
		changed = d.hier.SetSubordinate(src, h.Resources)
	}
	d.mu.Unlock()
	if changed {
		d.cfg.Remote.SetWeight(src.String(), int(h.Resources.NodeCount()))
		d.broadcastHierarchy(src)
	}
}

// OnClientRemove is called by the daemon on socket pipeline disconnect
// events (spec §4.7 "forward to the matching Discoverer so it updates
// its view"). There is no counterpart for connect events.
func (d *Discoverer) OnClientRemove(addr net.Addr) {
	d.mu.Lock()
	isSuperior := d.hier.HasSuperiorAddr(addr)
	d.mu.Unlock()
	if isSuperior {
		d.mu.Lock()
		d.hier.RemoveSuperior()
		d.mu.Unlock()
		d.broadcastHierarchy(nil)
		d.discover()
		return
	}
	d.mu.Lock()
	removed := d.hier.RemoveSubordinate(addr)
	d.mu.Unlock()
	if removed {
		d.broadcastHierarchy(nil)
	}
}

// broadcastHierarchy sends every neighbour (superior + subordinates)
// except ignored its freshly recomputed share of the subtree total,
// then persists the cache (spec §4.2 "Weight broadcast" / "Cache").
func (d *Discoverer) broadcastHierarchy(ignored net.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcastHierarchyLocked(ignored)
}

func (d *Discoverer) broadcastHierarchyLocked(ignored net.Addr) {
	total := d.hier.TotalResources()
	for _, sub := range d.hier.Subordinates() {
		if sameAddr(sub.addr, ignored) {
			continue
		}
		d.sendWeight(sub.addr, total.Sub(sub.resources))
	}
	if d.hier.HasSuperior() {
		supAddr := d.hier.SuperiorSocketAddress()
		if !sameAddr(supAddr, ignored) {
			d.sendWeight(supAddr, total.Sub(d.hier.Superior()))
		}
	}
	if err := writeCache(d.cfg.CacheDir, d.hier); err != nil {
		d.log.Warn("failed to write cache", sbnlog.KVErr(err))
	}
}

func (d *Discoverer) sendWeight(dest net.Addr, r Resources) {
	h := &HierarchyKernel{InterfaceAddr: d.cfg.Self, Resources: r}
	k := sbnkernel.New(h)
	k.SetDestination(dest)
	k.SetPhase(sbnkernel.PhaseUpstream)
	d.cfg.Remote.Send(k)
}

// UpdateResources sets this node's own resource vector (spec §4.7 "On
// start: call update-resources").
func (d *Discoverer) UpdateResources(r Resources) {
	d.mu.Lock()
	d.hier.SetResources(r)
	d.mu.Unlock()
}

// InterfaceAddress reports the interface address this Discoverer owns,
// used by the daemon to route incoming probe/hierarchy kernels to the
// matching Discoverer (spec §4.7).
func (d *Discoverer) InterfaceAddress() net.Addr { return d.cfg.Self }

// HandleProbe routes a probe kernel that the daemon has matched to
// this Discoverer by interface address, distinguishing a fresh
// point-to-point arrival from a downstream reply to one of this
// Discoverer's own probes.
func (d *Discoverer) HandleProbe(k *sbnkernel.Kernel, p *Probe) {
	if k.MovesDownstream() {
		d.updateSuperior(k, p)
		return
	}
	d.receiveProbe(k, p)
}

// HandleHierarchy routes a hierarchy kernel the daemon has matched to
// this Discoverer by interface address (spec §4.7), the hierarchy-kernel
// counterpart of HandleProbe.
func (d *Discoverer) HandleHierarchy(k *sbnkernel.Kernel, h *HierarchyKernel) {
	d.updateWeights(k, h)
}

// SubordinateView is one subordinate's address and advertised subtree
// resources, for a status snapshot.
type SubordinateView struct {
	Addr      string
	Resources Resources
}

// Snapshot reports this Discoverer's current hierarchy view for the
// `status` control query (spec §6 "returns a hierarchy snapshot per
// interface").
type Snapshot struct {
	Interface     string
	Superior      string
	HasSuperior   bool
	TotalWeight   float64
	Subordinates  []SubordinateView
}

func (d *Discoverer) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{
		Interface:   d.cfg.Self.String(),
		HasSuperior: d.hier.HasSuperior(),
		TotalWeight: d.hier.TotalResources().NodeCount(),
	}
	if s.HasSuperior {
		s.Superior = d.hier.SuperiorSocketAddress().String()
	}
	for _, sub := range d.hier.Subordinates() {
		s.Subordinates = append(s.Subordinates, SubordinateView{Addr: sub.addr.String(), Resources: sub.resources})
	}
	return s
}
