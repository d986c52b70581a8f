package sbnlocal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/stretchr/testify/require"
)

type recordingPayload struct {
	mu       sync.Mutex
	acted    []int
	reacted  []int
	actErr   error
	children []*sbnkernel.Kernel
}

func (p *recordingPayload) TypeID() sbnkernel.TypeID { return 1 }

func (p *recordingPayload) Act(k *sbnkernel.Kernel) error {
	p.mu.Lock()
	p.acted = append(p.acted, 1)
	p.mu.Unlock()
	if p.actErr != nil {
		return p.actErr
	}
	for _, child := range p.children {
		child.SetPrincipal(k)
	}
	return nil
}

func (p *recordingPayload) React(k *sbnkernel.Kernel, child *sbnkernel.Kernel) error {
	p.mu.Lock()
	p.reacted = append(p.reacted, 1)
	p.mu.Unlock()
	return nil
}

func (p *recordingPayload) count() (acted, reacted int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acted), len(p.reacted)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func TestPoolActsOnFreshKernel(t *testing.T) {
	p := New(2, sbnlog.NewDiscardLogger())
	p.Start()
	defer p.Stop()

	payload := &recordingPayload{}
	k := sbnkernel.New(payload)
	p.Send(k)

	waitFor(t, func() bool {
		acted, _ := payload.count()
		return acted == 1
	})
}

func TestPoolReactsOnReturningChild(t *testing.T) {
	p := New(2, sbnlog.NewDiscardLogger())
	p.Start()
	defer p.Stop()

	parentPayload := &recordingPayload{}
	parent := sbnkernel.New(parentPayload)
	child := sbnkernel.New(nil)
	child.SetPrincipal(parent)

	p.Send(child)

	waitFor(t, func() bool {
		_, reacted := parentPayload.count()
		return reacted == 1
	})
	acted, _ := parentPayload.count()
	require.Equal(t, 0, acted)
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := New(1, sbnlog.NewDiscardLogger())
	p.Start()
	defer p.Stop()

	k := sbnkernel.New(&panickingPayload{})
	p.Send(k)

	waitFor(t, func() bool { return k.ReturnCode() == sbnkernel.RCError })
}

type panickingPayload struct{}

func (panickingPayload) TypeID() sbnkernel.TypeID { return 2 }
func (panickingPayload) Act(k *sbnkernel.Kernel) error {
	panic("boom")
}
func (panickingPayload) React(k *sbnkernel.Kernel, child *sbnkernel.Kernel) error { return nil }

func TestPoolSurfacesActError(t *testing.T) {
	p := New(1, sbnlog.NewDiscardLogger())
	p.Start()
	defer p.Stop()

	payload := &recordingPayload{actErr: errors.New("fail")}
	k := sbnkernel.New(payload)
	p.Send(k)

	waitFor(t, func() bool { return k.ReturnCode() == sbnkernel.RCError })
}

func TestPoolStopMarksRemainingQueueDeleted(t *testing.T) {
	p := New(0, sbnlog.NewDiscardLogger())
	// Don't Start: kernels queue up without being drained by workers.
	parent := sbnkernel.New(&recordingPayload{})
	k := sbnkernel.New(&recordingPayload{})
	k.SetParent(parent)
	p.Send(k)
	p.Stop()
	require.Nil(t, k.Parent())
	require.False(t, k.CarriesParent())
}

func TestPoolSendAfterStopIsNoop(t *testing.T) {
	p := New(1, sbnlog.NewDiscardLogger())
	p.Start()
	p.Stop()

	payload := &recordingPayload{}
	k := sbnkernel.New(payload)
	p.Send(k)
	time.Sleep(20 * time.Millisecond)
	acted, _ := payload.count()
	require.Equal(t, 0, acted)
}
