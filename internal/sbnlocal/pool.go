// Package sbnlocal implements the local pipeline: a fixed-size worker
// pool that executes kernels whose destination is this process (spec
// §4.5). The condition-variable wake-on-enqueue idiom is grounded on
// gravwell-gravwell/ingest/muxer.go's sync.Cond-guarded dispatch loop;
// the two-phase shutdown barrier (stop accepting, then drain) is
// grounded on gravwell-gravwell/manager/process.go's
// close(die)-then-WaitGroup.Wait idiom.
package sbnlocal

import (
	"runtime"
	"sync"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
)

// Pool is the local worker pool. Each worker pops one kernel at a time
// and invokes Act (for a fresh kernel) or React (on the kernel's
// parent, for a returning child).
type Pool struct {
	log     *sbnlog.Logger
	size    int
	queue   []*sbnkernel.Kernel
	mu      sync.Mutex
	cond    *sync.Cond
	closing bool
	wg      sync.WaitGroup
}

// New builds a Pool with n workers; n <= 0 selects runtime.NumCPU(),
// matching spec §4.5 "default = hardware concurrency".
func New(n int, log *sbnlog.Logger) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{log: log, size: n}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Send enqueues a kernel for local execution (implements
// sbnproto.Pipeline).
func (p *Pool) Send(k *sbnkernel.Kernel) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, k)
	p.mu.Unlock()
	p.cond.Signal()
}

// Stop implements spec §4.5's two-phase shutdown barrier: (a) stop
// accepting new kernels and wake every worker, (b) mark the remaining
// queue as deleted so parent chains release safely, (c) wait for
// workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closing = true
	remaining := p.queue
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()
	for _, k := range remaining {
		k.MarkDeleted()
	}
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closing {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closing {
			p.mu.Unlock()
			return
		}
		k := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(k)
	}
}

// run invokes a kernel's Act if it is arriving fresh (no principal set,
// i.e. it is not itself a return), or React on its principal if it is a
// returning child (spec §4.5 "invoke its act ... or react").
func (p *Pool) run(k *sbnkernel.Kernel) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in kernel handler", sbnlog.KV("panic", r))
			k.SetReturnCode(sbnkernel.RCError)
		}
	}()
	if principal := k.Principal(); principal != nil && principal != k {
		if principal.Payload != nil {
			if err := principal.Payload.React(principal, k); err != nil {
				p.log.Warn("react error", sbnlog.KVErr(err))
			}
		}
		return
	}
	if k.Payload == nil {
		return
	}
	if err := k.Payload.Act(k); err != nil {
		p.log.Warn("act error", sbnlog.KVErr(err))
		k.SetReturnCode(sbnkernel.RCError)
	}
}
