package sbnproc

import (
	"testing"
	"time"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/stretchr/testify/require"
)

func TestRestarterNoSleepOnFirstStarts(t *testing.T) {
	cfg := ApplicationConfig{MaxRestarts: 3, RestartPeriod: time.Hour, CooldownPeriod: time.Minute}
	r := newRestarter(cfg, sbnlog.NewDiscardLogger())

	for i := 0; i < 3; i++ {
		require.Equal(t, time.Duration(0), r.shouldSleep())
		r.shift()
	}
}

func TestRestarterSleepsAfterRestartsExceedPeriod(t *testing.T) {
	cfg := ApplicationConfig{MaxRestarts: 2, RestartPeriod: time.Hour, CooldownPeriod: 5 * time.Second}
	r := newRestarter(cfg, sbnlog.NewDiscardLogger())

	r.shift()
	r.shift()
	// Both recorded starts are well within RestartPeriod of each other,
	// so the ring is "full and fast" and a cooldown is due.
	require.Equal(t, 5*time.Second, r.shouldSleep())
}

func TestRestarterRequestStartHonorsDie(t *testing.T) {
	cfg := ApplicationConfig{MaxRestarts: 1, RestartPeriod: time.Hour, CooldownPeriod: time.Hour}
	r := newRestarter(cfg, sbnlog.NewDiscardLogger())
	r.shift()

	die := make(chan struct{})
	close(die)
	require.True(t, r.requestStart(die))
}

func TestInterruptSleepReturnsFalseOnTimerFire(t *testing.T) {
	die := make(chan struct{})
	require.False(t, interruptSleep(die, time.Millisecond))
}

func TestInterruptSleepReturnsTrueOnDieClose(t *testing.T) {
	die := make(chan struct{})
	close(die)
	require.True(t, interruptSleep(die, time.Hour))
}

func TestInterruptSleepZeroDurationIsNotInterrupted(t *testing.T) {
	die := make(chan struct{})
	require.False(t, interruptSleep(die, 0))
}

type fakeSender struct {
	sent []*sbnkernel.Kernel
}

func (f *fakeSender) Send(k *sbnkernel.Kernel) { f.sent = append(f.sent, k) }

func TestWrapRemotePassesThroughExistingPipeline(t *testing.T) {
	remote := &fakeSender{}
	wrapped := wrapRemote(remote)
	require.NotNil(t, wrapped)

	k := sbnkernel.New(nil)
	wrapped.Send(k)
	require.Len(t, remote.sent, 1)
}

func TestWrapRemoteNilIsNil(t *testing.T) {
	require.Nil(t, wrapRemote(nil))
}

func TestPipelineSendToUnknownApplicationErrors(t *testing.T) {
	p := New(sbnlog.NewDiscardLogger(), Config{})
	err := p.SendTo(42, sbnkernel.New(nil))
	require.Error(t, err)
}

func TestPipelineForwardFallsBackToRemote(t *testing.T) {
	remote := &fakeSender{}
	p := New(sbnlog.NewDiscardLogger(), Config{Remote: remote})

	k := sbnkernel.New(nil)
	k.SetApplicationID(7)
	p.Forward(k)
	require.Len(t, remote.sent, 1)
}
