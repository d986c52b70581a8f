// Package sbnd is the main daemon kernel: it owns the set of
// per-interface Discoverers, the three kernel pipelines (local, socket,
// process), the persisted job table, and the control/status socket
// (spec §4.7). It is the "Native" pipeline every connection hands
// locally-destined kernels to, and the router that matches incoming
// probe/hierarchy kernels to the Discoverer that owns their interface.
package sbnd

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igankevich/sbnd/internal/sbnconfig"
	"github.com/igankevich/sbnd/internal/sbndiscover"
	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlocal"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/igankevich/sbnd/internal/sbnproc"
	"github.com/igankevich/sbnd/internal/sbnproto"
	"github.com/igankevich/sbnd/internal/sbnsocket"
)

// Exit-code bits, spec §6 "non-zero surfaces the union of the daemon's
// own errors".
const (
	ExitConfigError     = 1 << 0
	ExitBindFailure     = 1 << 1
	ExitChildSpawnError = 1 << 2
)

const defaultPort = 33333

// Daemon is the process-wide main kernel: it has no parent, and its
// React is never called.
type Daemon struct {
	cfg *sbnconfig.Config
	log *sbnlog.Logger

	registry  *sbnkernel.Registry
	instances *sbnkernel.Instances

	local  *sbnlocal.Pool
	socket *sbnsocket.Pipeline
	proc   *sbnproc.Pipeline
	jobs   *JobTable

	mu          sync.Mutex
	discoverers map[string]*sbndiscover.Discoverer // keyed by InterfaceAddress().String()
	listeners   []net.Listener

	die  chan struct{}
	wg   sync.WaitGroup
	code int
}

// New builds every collaborator the daemon needs but starts nothing.
func New(cfg *sbnconfig.Config, log *sbnlog.Logger) *Daemon {
	reg := sbnkernel.NewRegistry()
	reg.Register(sbndiscover.TypeProbe, func() sbnkernel.Payload { return &sbndiscover.Probe{} })
	reg.Register(sbndiscover.TypeHierarchy, func() sbnkernel.Payload { return &sbndiscover.HierarchyKernel{} })

	d := &Daemon{
		cfg:         cfg,
		log:         log,
		registry:    reg,
		instances:   sbnkernel.NewInstances(),
		local:       sbnlocal.New(0, log),
		discoverers: make(map[string]*sbndiscover.Discoverer),
		die:         make(chan struct{}),
	}
	d.proc = sbnproc.New(log, sbnproc.Config{
		ThisApplicationID: 0,
		Registry:          reg,
		Native:            d,
		Remote:            socketSender{d},
		OnTerminate:       d.onApplicationTerminated,
	})
	d.socket = sbnsocket.New(sbnsocket.Config{
		ThisApplicationID: 0,
		Registry:          reg,
		Instances:         d.instances,
		Native:            d,
		Foreign:           d.proc,
		UseLocalhost:      true,
		SelfRank:          d.primarySelfRank(),
		RateLimitBPS:      cfg.Global.RateLimitBPS,
		OnDisconnect:      d.onClientDisconnect,
	}, log)
	return d
}

// primarySelfRank picks the node's first allowed, non-loopback IPv4
// interface address and returns its subnet rank from buildAddressSpace,
// the value sbnsocket.Config.SelfRank needs to derive a kernel-ID range
// that doesn't collide with every other node's (spec §4.4 "ID
// generation"). Interfaces are revisited (and Discoverers created) later
// in updateDiscoverers; this only needs a single stable rank up front,
// since the ID range is fixed for the socket pipeline's lifetime.
func (d *Daemon) primarySelfRank() uint64 {
	fanout := d.cfg.Global.Fanout
	if fanout == 0 {
		fanout = 2
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		d.log.Warn("failed to enumerate interfaces for self rank", sbnlog.KVErr(err))
		return 0
	}
	for _, iface := range ifaces {
		if !d.interfaceAllowed(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			_, selfRank, err := buildAddressSpace(ipNet.IP, ipNet, fanout)
			if err != nil {
				continue
			}
			return selfRank
		}
	}
	d.log.Warn("no eligible interface found for self rank, kernel IDs may collide with other nodes")
	return 0
}

// ExitCode reports the union of bind/spawn failures accumulated during
// Start, for cmd/sbnd to surface on process exit (spec §6).
func (d *Daemon) ExitCode() int { return d.code }

// Start brings up every collaborator: worker pool, listeners, per-
// interface discoverers, configured applications, and the control
// socket. It returns the first fatal error (cache directory or job
// table unusable); bind
// and spawn failures are accumulated into ExitCode and logged instead
// of aborting startup, matching spec §6's "surfaces the union of
// errors" rather than an all-or-nothing start.
func (d *Daemon) Start(ctx context.Context) error {
	if d.cfg.Global.CacheDir != "" {
		if err := os.MkdirAll(d.cfg.Global.CacheDir, 0700); err != nil {
			d.code |= ExitConfigError
			return fmt.Errorf("sbnd: cannot create cache dir: %w", err)
		}
	}
	jobs, err := OpenJobTable(filepath.Join(d.cfg.Global.CacheDir, "jobs.db"))
	if err != nil {
		d.code |= ExitConfigError
		return fmt.Errorf("sbnd: cannot open job table: %w", err)
	}
	d.jobs = jobs

	d.local.Start()
	d.socket.Start(ctx)

	d.listen(ctx)
	d.updateDiscoverers(ctx)
	d.seedResources()
	d.restoreApplications(ctx)
	d.startControlSocket(ctx)

	d.wg.Add(1)
	go d.rescanLoop(ctx)

	return nil
}

// Stop tears every collaborator down in the reverse order of Start.
func (d *Daemon) Stop() {
	close(d.die)
	d.mu.Lock()
	for _, l := range d.listeners {
		l.Close()
	}
	for _, disc := range d.discoverers {
		disc.Stop()
	}
	d.mu.Unlock()
	d.socket.Stop()
	d.local.Stop()
	if d.jobs != nil {
		d.jobs.Close()
	}
	d.wg.Wait()
}

// listen opens the configured listen addresses (default one on
// defaultPort across all interfaces), accumulating ExitBindFailure on
// any error instead of aborting the rest (spec §6 "bind failure").
func (d *Daemon) listen(ctx context.Context) {
	addrs := d.cfg.Global.ListenAddresses
	port := int(d.cfg.Global.ListenPort)
	if port == 0 {
		port = defaultPort
	}
	if len(addrs) == 0 {
		addrs = []string{fmt.Sprintf(":%d", port)}
	}
	for _, a := range addrs {
		addr := a
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = fmt.Sprintf("%s:%d", addr, port)
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			d.log.Error("failed to bind listener", sbnlog.KV("addr", addr), sbnlog.KVErr(err))
			d.code |= ExitBindFailure
			continue
		}
		d.mu.Lock()
		d.listeners = append(d.listeners, l)
		d.mu.Unlock()
		d.wg.Add(1)
		go d.acceptLoop(ctx, l)
	}
}

func (d *Daemon) acceptLoop(ctx context.Context, l net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-d.die:
				return
			default:
			}
			d.log.Warn("accept failed", sbnlog.KVErr(err))
			return
		}
		d.socket.AcceptInbound(ctx, conn, 1)
	}
}

// updateDiscoverers enumerates host interfaces, filters them against
// the configured allow-list, and creates one Discoverer + AddressSpace
// per surviving IPv4 address that doesn't already have one (spec §4.7
// "On start: enumerate interfaces, filter by allow-list, one Discoverer
// per survivor").
func (d *Daemon) updateDiscoverers(ctx context.Context) {
	ifaces, err := net.Interfaces()
	if err != nil {
		d.log.Warn("failed to enumerate interfaces", sbnlog.KVErr(err))
		return
	}
	port := int(d.cfg.Global.ListenPort)
	if port == 0 {
		port = defaultPort
	}
	fanout := d.cfg.Global.Fanout
	if fanout == 0 {
		fanout = 2
	}
	scan := time.Duration(d.cfg.Global.ScanInterval) * time.Second
	if scan <= 0 {
		scan = 30 * time.Second
	}

	seen := make(map[string]bool)
	for _, iface := range ifaces {
		if !d.interfaceAllowed(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			self := &net.TCPAddr{IP: ipNet.IP, Port: port}
			key := self.String()
			seen[key] = true
			d.mu.Lock()
			_, exists := d.discoverers[key]
			d.mu.Unlock()
			if exists {
				continue
			}
			space, selfRank, err := buildAddressSpace(ipNet.IP, ipNet, fanout)
			if err != nil {
				d.log.Debug("skipping interface address", sbnlog.KV("addr", key), sbnlog.KVErr(err))
				continue
			}
			space.SelfRank = selfRank
			disc := sbndiscover.New(sbndiscover.Config{
				Self:         self,
				Port:         port,
				Fanout:       fanout,
				MaxAttempts:  3,
				ScanInterval: scan,
				CacheDir:     d.cfg.Global.CacheDir,
				AddressSpace: space,
				Registry:     d.registry,
				Instances:    d.instances,
				Remote:       d.socket,
				Log:          d.log,
			})
			d.mu.Lock()
			d.discoverers[key] = disc
			d.mu.Unlock()
			disc.Start()
			d.log.Info("discoverer started", sbnlog.KV("iface", iface.Name), sbnlog.KV("addr", key))
		}
	}

	d.mu.Lock()
	for key, disc := range d.discoverers {
		if !seen[key] {
			disc.Stop()
			delete(d.discoverers, key)
			d.log.Info("discoverer stopped, interface gone", sbnlog.KV("addr", key))
		}
	}
	d.mu.Unlock()
}

// interfaceAllowed applies spec §6's interface allow-list: an empty
// list allows every (non-loopback) interface.
func (d *Daemon) interfaceAllowed(name string) bool {
	allow := d.cfg.Global.Interfaces
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == name {
			return true
		}
	}
	return false
}

// rescanLoop re-runs updateDiscoverers periodically so interfaces that
// come up or down after startup are picked up (spec §4.7 "repeat on a
// timer").
func (d *Daemon) rescanLoop(ctx context.Context) {
	defer d.wg.Done()
	interval := time.Duration(d.cfg.Global.ScanInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval * 4)
	defer t.Stop()
	for {
		select {
		case <-d.die:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			d.updateDiscoverers(ctx)
		}
	}
}

// discovererFor matches a probe or hierarchy kernel's InterfaceAddr to
// the owning Discoverer, the routing decision spec §4.7 assigns to the
// main daemon kernel instead of generic per-type dispatch.
func (d *Daemon) discovererFor(addr net.Addr) (*sbndiscover.Discoverer, bool) {
	if addr == nil {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	disc, ok := d.discoverers[addr.String()]
	return disc, ok
}

// Send implements sbnproto.Pipeline: this is the "Native" collaborator
// every Connection, the socket pipeline and the process pipeline hand
// locally-destined kernels to. Probe and hierarchy kernels are routed
// to their owning Discoverer; everything else goes to the local worker
// pool (spec §4.7).
func (d *Daemon) Send(k *sbnkernel.Kernel) {
	switch p := k.Payload.(type) {
	case *sbndiscover.Probe:
		if disc, ok := d.discovererFor(p.InterfaceAddr); ok {
			disc.HandleProbe(k, p)
			return
		}
		d.log.Warn("probe for unknown interface", sbnlog.KV("iface", fmt.Sprint(p.InterfaceAddr)))
	case *sbndiscover.HierarchyKernel:
		if disc, ok := d.discovererFor(p.InterfaceAddr); ok {
			disc.HandleHierarchy(k, p)
			return
		}
		d.log.Warn("hierarchy kernel for unknown interface", sbnlog.KV("iface", fmt.Sprint(p.InterfaceAddr)))
	default:
		d.local.Send(k)
	}
}

// onClientDisconnect forwards a socket-pipeline disconnect event to
// every Discoverer in case the departing peer was one of its
// neighbours (spec §4.7 "forward to the matching Discoverer").
func (d *Daemon) onClientDisconnect(addr string) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return
	}
	d.mu.Lock()
	discs := make([]*sbndiscover.Discoverer, 0, len(d.discoverers))
	for _, disc := range d.discoverers {
		discs = append(discs, disc)
	}
	d.mu.Unlock()
	for _, disc := range discs {
		disc.OnClientRemove(tcpAddr)
	}
}

// onApplicationTerminated runs once an application's handler stops for
// good: after RemoveApplication, or when its exec line is empty or its
// pipes cannot be created (spec §4.6 "Child-exit handling"). A child
// that merely exits is restarted and does not reach here. It logs the event and
// removes the application from the persisted job table. No terminate
// kernel is sent to peer daemons.
func (d *Daemon) onApplicationTerminated(appID uint64) {
	d.log.Warn("application terminated permanently", sbnlog.KV("app_id", appID))
	if d.jobs != nil {
		if err := d.jobs.Delete(appID); err != nil {
			d.log.Warn("failed to remove job table entry", sbnlog.KVErr(err))
		}
	}
}

// restoreApplications spawns every application declared in the config
// file, accumulating ExitChildSpawnError on failure (spec §6 "bit 2 =
// child spawn failure"). Applications persisted in the job table from
// earlier control-socket submits are not respawned.
func (d *Daemon) restoreApplications(ctx context.Context) {
	for name, app := range d.cfg.Applications {
		id := appIDForName(name)
		cfg := sbnproc.ApplicationConfig{
			ID:             id,
			Name:           name,
			Exec:           app.Exec,
			UID:            app.UID,
			GID:            app.GID,
			MaxRestarts:    app.MaxRestarts,
			RestartPeriod:  time.Duration(app.RestartPeriod) * time.Second,
			CooldownPeriod: time.Duration(app.CooldownPeriod) * time.Second,
			ErrHandler:     app.ErrHandler,
		}
		if err := d.SubmitApplication(ctx, cfg); err != nil {
			d.log.Error("failed to spawn application", sbnlog.KV("name", name), sbnlog.KVErr(err))
			d.code |= ExitChildSpawnError
		}
	}
}

// SubmitApplication registers and spawns one application (spec §6
// "submit <app-spec>"), persisting it to the job table so it survives
// a daemon restart.
func (d *Daemon) SubmitApplication(ctx context.Context, cfg sbnproc.ApplicationConfig) error {
	if cfg.Exec == "" {
		return fmt.Errorf("sbnd: application %q has no exec", cfg.Name)
	}
	if d.jobs != nil {
		if err := d.jobs.Put(cfg); err != nil {
			return err
		}
	}
	d.proc.AddApplication(ctx, cfg)
	return nil
}

// TerminateApplications removes every given ID from the local process
// pipeline (spec §6 "terminate <id...>"). It acts on this daemon only;
// no terminate kernel is sent to peer daemons.
func (d *Daemon) TerminateApplications(ids []uint64) {
	for _, id := range ids {
		d.proc.RemoveApplication(id)
	}
}

// assignAppID mints a cluster-wide application ID from a fresh UUID
// (spec §3 "Application. Identified by a cluster-wide ID"), for
// applications submitted ad hoc through the control socket, where no
// stable name exists to derive a deterministic ID from across restarts.
func (d *Daemon) assignAppID() uint64 {
	u := uuid.New()
	h := fnv.New64a()
	h.Write(u[:])
	return h.Sum64()
}

// appIDForName derives a stable application ID from its config-file
// section name, so a restarted daemon assigns the exact same ID to the
// same declared application and the persisted job table entry is
// reused rather than duplicated.
func appIDForName(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// resourcesSelf computes this node's own resource vector: node count 0,
// since the hierarchy's TotalResources already counts the node itself,
// and thread count = the local pool's hardware concurrency (spec §4.7
// "On start: call update-resources").
func resourcesSelf() sbndiscover.Resources {
	return sbndiscover.Resources{0, float64(runtime.NumCPU())}
}

// seedResources pushes the self resource vector into every Discoverer,
// used right after updateDiscoverers creates them.
func (d *Daemon) seedResources() {
	r := resourcesSelf()
	d.mu.Lock()
	discs := make([]*sbndiscover.Discoverer, 0, len(d.discoverers))
	for _, disc := range d.discoverers {
		discs = append(discs, disc)
	}
	d.mu.Unlock()
	for _, disc := range discs {
		disc.UpdateResources(r)
	}
}

// socketSender defers to d.socket at call time rather than capturing it
// at construction, breaking the construction-order cycle between the
// socket pipeline (needs the process pipeline as its Foreign forwarder)
// and the process pipeline (needs the socket pipeline as its Remote).
type socketSender struct{ d *Daemon }

func (s socketSender) Send(k *sbnkernel.Kernel) { s.d.socket.Send(k) }

var _ sbnproto.Pipeline = (*Daemon)(nil)
