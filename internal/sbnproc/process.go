// Package sbnproc is the child-process pipeline: it spawns and
// supervises per-application worker processes and bridges foreign
// kernels between the socket pipeline and those processes (spec §4.6).
// Grounded almost directly on gravwell-gravwell/manager/process.go
// (processManager/restarter/requestKill), generalised from "one managed
// process" to "one process per registered application ID".
package sbnproc

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/igankevich/sbnd/internal/sbnproto"
)

var killTimeout = 10 * time.Second

// ApplicationConfig describes one child application (spec §3
// Application).
type ApplicationConfig struct {
	ID             uint64
	Name           string
	Exec           string
	WorkingDir     string
	UID, GID       int
	StartDelay     int
	MaxRestarts    int
	RestartPeriod  time.Duration
	CooldownPeriod time.Duration
	ErrHandler     string
}

// Handler supervises one application's subprocess and its two-way pipe.
// conn is rebuilt on every (re)spawn since a fresh process gets fresh
// pipe file descriptors.
type Handler struct {
	cfg ApplicationConfig
	log *sbnlog.Logger
	die chan struct{}
	wg  sync.WaitGroup

	pcfg sbnproto.Config

	mu   sync.Mutex
	conn *sbnproto.Connection
}

// Pipeline maintains application-id -> Handler and implements
// sbnproto.ForeignForwarder: a foreign kernel arriving from a peer
// daemon is delivered to the matching handler; a kernel originating in
// a worker process with a non-local destination is handed to Remote
// (normally the socket pipeline).
type Pipeline struct {
	log    *sbnlog.Logger
	remote interface{ Send(k *sbnkernel.Kernel) }
	native sbnproto.Pipeline
	reg    *sbnkernel.Registry
	thisID uint64

	mu       sync.Mutex
	handlers map[uint64]*Handler

	onTerminate func(appID uint64)
}

// Config bundles the construction-time parameters shared by every
// handler's pipe connection.
type Config struct {
	ThisApplicationID uint64
	Registry          *sbnkernel.Registry
	Native            sbnproto.Pipeline // delivers kernels destined for this daemon's own worker pool
	Remote            interface{ Send(k *sbnkernel.Kernel) }
	OnTerminate       func(appID uint64)
}

// New builds an empty Pipeline. onTerminate is invoked (spec §4.6
// "Child-exit handling") when a handler's routine ends: after
// RemoveApplication, or when the exec line is empty or the pipes cannot
// be created. A process that exits is otherwise restarted, subject to
// the restarter's cooldown, and onTerminate is not called.
func New(log *sbnlog.Logger, cfg Config) *Pipeline {
	return &Pipeline{
		log:         log,
		remote:      cfg.Remote,
		native:      cfg.Native,
		reg:         cfg.Registry,
		thisID:      cfg.ThisApplicationID,
		handlers:    make(map[uint64]*Handler),
		onTerminate: cfg.OnTerminate,
	}
}

// AddApplication forks the application's process and registers its
// handler (spec §4.6 "Add application").
func (p *Pipeline) AddApplication(ctx context.Context, cfg ApplicationConfig) {
	h := &Handler{
		cfg: cfg,
		log: p.log,
		die: make(chan struct{}),
		pcfg: sbnproto.Config{
			ThisApplicationID: p.thisID,
			Registry:          p.reg,
			Log:               p.log,
			Flags:             sbnproto.FlagSaveUpstreamKernels | sbnproto.FlagSaveDownstreamKernels,
			Pipelines: sbnproto.Pipelines{
				Native:  p.native,
				Remote:  wrapRemote(p.remote),
				Foreign: toRemoteForwarder{p.remote},
			},
		},
	}
	p.mu.Lock()
	p.handlers[cfg.ID] = h
	p.mu.Unlock()
	h.wg.Add(1)
	go h.routine(ctx, func() {
		p.mu.Lock()
		delete(p.handlers, cfg.ID)
		p.mu.Unlock()
		if p.onTerminate != nil {
			p.onTerminate(cfg.ID)
		}
	})
}

// wrapRemote adapts the loosely-typed Send-only remote pipeline into
// sbnproto.Pipeline.
func wrapRemote(r interface{ Send(k *sbnkernel.Kernel) }) sbnproto.Pipeline {
	if r == nil {
		return nil
	}
	if pp, ok := r.(sbnproto.Pipeline); ok {
		return pp
	}
	return remoteAdapter{r}
}

type remoteAdapter struct {
	r interface{ Send(k *sbnkernel.Kernel) }
}

func (a remoteAdapter) Send(k *sbnkernel.Kernel) { a.r.Send(k) }

// toRemoteForwarder is a handler's Foreign collaborator: any kernel its
// connection reads with a non-local ApplicationID goes straight to the
// socket pipeline. It must not be Pipeline itself — thisID is shared by
// every handler's connection, so routing a "foreign" kernel through
// Pipeline.SendTo would match it back to the handler it just arrived
// from instead of leaving the process (spec §4.6 "a kernel originating
// in a worker process with a non-local destination is handed to the
// socket pipeline").
type toRemoteForwarder struct {
	remote interface{ Send(k *sbnkernel.Kernel) }
}

func (f toRemoteForwarder) Forward(k *sbnkernel.Kernel) {
	if f.remote == nil {
		return
	}
	f.remote.Send(k)
}

// RemoveApplication stops the handler for appID, if any.
func (p *Pipeline) RemoveApplication(appID uint64) {
	p.mu.Lock()
	h, ok := p.handlers[appID]
	p.mu.Unlock()
	if !ok {
		return
	}
	close(h.die)
	h.wg.Wait()
}

// Send implements sbnproto.Pipeline: a broadcast kernel is sent to
// every handler, a point-to-point kernel is routed by its
// ApplicationID (spec §4.6 "A broadcast sends to every handler. An
// unknown ID is an error.").
func (p *Pipeline) Send(k *sbnkernel.Kernel) {
	if k.MovesEverywhere() {
		p.mu.Lock()
		hs := make([]*Handler, 0, len(p.handlers))
		for _, h := range p.handlers {
			hs = append(hs, h)
		}
		p.mu.Unlock()
		for _, h := range hs {
			h.deliver(k)
		}
		return
	}
	if err := p.SendTo(k.ApplicationID(), k); err != nil {
		p.log.Warn("process pipeline: no handler for kernel", sbnlog.KV("app_id", k.ApplicationID()), sbnlog.KVErr(err))
	}
}

// SendTo delivers k to the handler for appID, per spec §4.6's explicit
// application-id routing.
func (p *Pipeline) SendTo(appID uint64, k *sbnkernel.Kernel) error {
	p.mu.Lock()
	h, ok := p.handlers[appID]
	p.mu.Unlock()
	if !ok {
		return errors.New("sbnproc: unknown application id")
	}
	h.deliver(k)
	return nil
}

// Forward implements sbnproto.ForeignForwarder: a kernel arriving from a
// peer daemon is delivered to the handler matching its ApplicationID,
// or handed to Remote if no local handler owns it (spec §4.6 "bridges
// socket <-> process pipelines for non-local application ids").
func (p *Pipeline) Forward(k *sbnkernel.Kernel) {
	if err := p.SendTo(k.ApplicationID(), k); err != nil {
		if p.remote != nil {
			p.remote.Send(k)
			return
		}
		p.log.Debug("process pipeline: dropping foreign kernel, no route", sbnlog.KV("app_id", k.ApplicationID()))
	}
}

func (h *Handler) deliver(k *sbnkernel.Kernel) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		h.log.Warn("application not connected, dropping kernel", sbnlog.KV("app", h.cfg.Name))
		return
	}
	conn.Send(k)
}

func (h *Handler) routine(ctx context.Context, onExit func()) {
	defer h.wg.Done()
	defer onExit()
	args := strings.Fields(h.cfg.Exec)
	if len(args) == 0 {
		h.log.Error("empty exec line", sbnlog.KV("app", h.cfg.Name))
		return
	}
	rs := newRestarter(h.cfg, h.log)
	exitCh := make(chan exitStatus, 1)

	if h.cfg.StartDelay > 0 {
		if interruptSleep(h.die, time.Duration(h.cfg.StartDelay)*time.Second) {
			return
		}
	}

	for {
		if rs.requestStart(h.die) {
			return
		}
		attr := &syscall.SysProcAttr{Setpgid: true}
		if h.cfg.UID > 0 || h.cfg.GID > 0 {
			attr.Credential = &syscall.Credential{Uid: uint32(h.cfg.UID), Gid: uint32(h.cfg.GID)}
		}
		cmd := &exec.Cmd{Path: args[0], Args: args, Dir: h.cfg.WorkingDir, SysProcAttr: attr}

		// Two pipes dup'd onto the child's stdin/stdout (spec §3
		// Application "a two-way pipe"); the parent-side ends are
		// wrapped as a net.Conn and framed exactly like a peer socket.
		childIn, parentOut, err := os.Pipe()
		if err != nil {
			h.log.Error("pipe failed", sbnlog.KVErr(err))
			return
		}
		parentIn, childOut, err := os.Pipe()
		if err != nil {
			h.log.Error("pipe failed", sbnlog.KVErr(err))
			childIn.Close()
			parentOut.Close()
			return
		}
		cmd.Stdin = childIn
		cmd.Stdout = childOut

		h.log.Info("starting application", sbnlog.KV("name", h.cfg.Name), sbnlog.KV("binary", args[0]))

		go func(c *exec.Cmd, ec chan exitStatus) {
			var x exitStatus
			if x.err = c.Start(); x.err == nil {
				x.err = c.Wait()
				if exitErr, ok := x.err.(*exec.ExitError); ok {
					if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
						x.code = status.ExitStatus()
					}
				}
			}
			ec <- x
		}(cmd, exitCh)

		// The child owns childIn/childOut once forked; the parent's
		// copies must be closed so EOF propagates correctly on exit.
		childIn.Close()
		childOut.Close()

		conn := sbnproto.NewConnection(newPipeConn(parentIn, parentOut), h.pcfg)
		conn.Start(ctx)
		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()

		select {
		case <-h.die:
			if cmd.Process != nil {
				h.log.Info("shutting down application", sbnlog.KV("name", h.cfg.Name))
				if err := requestKill(cmd, exitCh); err != nil {
					h.log.Error("failed to kill on exit", sbnlog.KV("name", h.cfg.Name), sbnlog.KVErr(err))
				}
			}
			conn.Close()
			h.mu.Lock()
			h.conn = nil
			h.mu.Unlock()
			return
		case status := <-exitCh:
			conn.Close()
			h.mu.Lock()
			h.conn = nil
			h.mu.Unlock()
			h.log.Info("application exited", sbnlog.KV("name", h.cfg.Name), sbnlog.KV("code", status.code), sbnlog.KVErr(status.err))
			if status.code != 0 && h.cfg.ErrHandler != "" {
				flds := strings.Fields(h.cfg.ErrHandler)
				crash := &exec.Cmd{Path: flds[0], Args: append(flds, h.cfg.Name), Dir: h.cfg.WorkingDir}
				if err := crash.Run(); err != nil {
					h.log.Warn("crash handler failed", sbnlog.KV("name", h.cfg.Name), sbnlog.KVErr(err))
				}
			}
		}
	}
}

type exitStatus struct {
	code int
	err  error
}

func requestKill(cmd *exec.Cmd, exitCh chan exitStatus) error {
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		return err
	}
	timeout := time.After(killTimeout)
	select {
	case <-timeout:
		err := cmd.Process.Kill()
		<-exitCh
		if err == nil {
			err = errors.New("timed out, process killed")
		}
		return err
	case status := <-exitCh:
		return status.err
	}
}

// restarter tracks the last MaxRestarts spawn timestamps in a ring and
// enforces a cooldown sleep if restarts are happening too fast,
// verbatim the algorithm of manager/process.go's restarter.
type restarter struct {
	cfg ApplicationConfig
	rs  []time.Time
	log *sbnlog.Logger
}

func newRestarter(cfg ApplicationConfig, log *sbnlog.Logger) *restarter {
	n := cfg.MaxRestarts
	if n <= 0 {
		n = 1
	}
	return &restarter{cfg: cfg, rs: make([]time.Time, n), log: log}
}

func (r *restarter) requestStart(die chan struct{}) (shouldExit bool) {
	if d := r.shouldSleep(); d > 0 {
		if interruptSleep(die, d) {
			return true
		}
	}
	r.shift()
	return false
}

func (r *restarter) shift() {
	for i := len(r.rs) - 1; i > 0; i-- {
		r.rs[i] = r.rs[i-1]
	}
	r.rs[0] = time.Now()
}

func (r *restarter) shouldSleep() time.Duration {
	if r.rs[0].IsZero() {
		return 0
	}
	oldest := r.rs[len(r.rs)-1]
	if oldest.IsZero() {
		return 0
	}
	if time.Since(oldest) < r.cfg.RestartPeriod {
		r.log.Info("restart cooldown", sbnlog.KV("elapsed", time.Since(oldest)))
		return r.cfg.CooldownPeriod
	}
	return 0
}

func interruptSleep(die chan struct{}, d time.Duration) (interrupted bool) {
	if d <= 0 {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-die:
		return true
	}
}
