package sbnsocket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/igankevich/sbnd/internal/sbnproto"
	"github.com/stretchr/testify/require"
)

type nopPayload struct{}

func (nopPayload) TypeID() sbnkernel.TypeID                                  { return 1 }
func (nopPayload) Act(k *sbnkernel.Kernel) error                             { return nil }
func (nopPayload) React(k *sbnkernel.Kernel, child *sbnkernel.Kernel) error   { return nil }
func (nopPayload) MarshalBinary() ([]byte, error)                            { return nil, nil }
func (p *nopPayload) UnmarshalBinary(b []byte) error                         { return nil }

type discardPipeline struct{}

func (discardPipeline) Send(k *sbnkernel.Kernel) {}

// startedConnection builds a *sbnproto.Connection whose counterpart has
// already sent it one packet, so State() reports StateStarted the way a
// live, just-handshaked peer connection would.
func startedConnection(t *testing.T) *sbnproto.Connection {
	t.Helper()
	reg := sbnkernel.NewRegistry()
	reg.Register(1, func() sbnkernel.Payload { return &nopPayload{} })

	a, b := net.Pipe()
	pipelines := sbnproto.Pipelines{Native: discardPipeline{}}
	local := sbnproto.NewConnection(a, sbnproto.Config{Registry: reg, Log: sbnlog.NewDiscardLogger(), Pipelines: pipelines})
	remote := sbnproto.NewConnection(b, sbnproto.Config{Registry: reg, Log: sbnlog.NewDiscardLogger(), Pipelines: pipelines})
	ctx := context.Background()
	local.Start(ctx)
	remote.Start(ctx)

	k := sbnkernel.New(&nopPayload{})
	k.SetPhase(sbnkernel.PhaseUpstream)
	remote.Send(k)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && local.State() != sbnproto.StateStarted {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, sbnproto.StateStarted, local.State())
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local
}

func TestNextClientWeightedRoundRobin(t *testing.T) {
	p := New(Config{}, sbnlog.NewDiscardLogger())

	p.register("a", startedConnection(t), 2)
	p.register("b", startedConnection(t), 1)

	var picks []string
	for i := 0; i < 6; i++ {
		c, ok := p.nextClient()
		require.True(t, ok)
		picks = append(picks, c.addr)
	}
	require.Equal(t, []string{"a", "a", "b", "a", "a", "b"}, picks)
}

func TestNextClientEmptyPipelineReturnsFalse(t *testing.T) {
	p := New(Config{}, sbnlog.NewDiscardLogger())
	_, ok := p.nextClient()
	require.False(t, ok)
}

func TestSetWeightUpdatesScheduling(t *testing.T) {
	p := New(Config{}, sbnlog.NewDiscardLogger())
	p.register("a", startedConnection(t), 1)
	p.SetWeight("a", 5)

	p.mu.Lock()
	w := p.clients["a"].weight
	p.mu.Unlock()
	require.Equal(t, 5, w)
}

func TestUnregisterRemovesFromOrderAndNotifies(t *testing.T) {
	var notified string
	p := New(Config{OnDisconnect: func(addr string) { notified = addr }}, sbnlog.NewDiscardLogger())
	p.register("a", startedConnection(t), 1)
	p.unregister("a")

	require.Equal(t, "a", notified)
	p.mu.Lock()
	_, ok := p.clients["a"]
	p.mu.Unlock()
	require.False(t, ok)
}

func TestConnectedPeersReportsWeightAndAddr(t *testing.T) {
	p := New(Config{}, sbnlog.NewDiscardLogger())
	p.register("a", startedConnection(t), 3)

	peers := p.ConnectedPeers()
	require.Len(t, peers, 1)
	require.Equal(t, "a", peers[0].Addr)
	require.Equal(t, 3, peers[0].Weight)
}
