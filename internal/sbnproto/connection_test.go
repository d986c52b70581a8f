package sbnproto

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/igankevich/sbnd/internal/sbnlog"
	"github.com/stretchr/testify/require"
)

type recordingPipeline struct {
	received chan *sbnkernel.Kernel
}

func newRecordingPipeline() *recordingPipeline {
	return &recordingPipeline{received: make(chan *sbnkernel.Kernel, 16)}
}

func (p *recordingPipeline) Send(k *sbnkernel.Kernel) { p.received <- k }

func (p *recordingPipeline) receive(t *testing.T) *sbnkernel.Kernel {
	t.Helper()
	select {
	case k := <-p.received:
		return k
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for kernel")
		return nil
	}
}

func newPairedConnections(t *testing.T, flags ProtoFlag) (*Connection, *recordingPipeline, *Connection, *recordingPipeline) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	reg := sbnkernel.NewRegistry()
	reg.Register(5, func() sbnkernel.Payload { return &textPayload{} })

	clientNative := newRecordingPipeline()
	serverNative := newRecordingPipeline()

	client := NewConnection(clientConn, Config{
		Registry:  reg,
		Pipelines: Pipelines{Native: clientNative},
		Log:       sbnlog.NewDiscardLogger(),
		Flags:     flags,
	})
	server := NewConnection(serverConn, Config{
		Registry:  reg,
		Pipelines: Pipelines{Native: serverNative},
		Log:       sbnlog.NewDiscardLogger(),
		Flags:     flags,
	})
	ctx := context.Background()
	client.Start(ctx)
	server.Start(ctx)
	return client, clientNative, server, serverNative
}

func TestConnectionDeliversUpstreamKernelToPeerNative(t *testing.T) {
	client, _, server, serverNative := newPairedConnections(t, 0)
	defer client.Close()
	defer server.Close()

	k := sbnkernel.New(&textPayload{Text: "payload"})
	k.SetID(42)
	k.SetPhase(sbnkernel.PhaseUpstream)
	client.Send(k)

	got := serverNative.receive(t)
	require.Equal(t, k.ID(), got.ID())
}

func TestConnectionPlugParentReattachesOnReply(t *testing.T) {
	client, clientNative, server, serverNative := newPairedConnections(t, FlagSaveUpstreamKernels|FlagSaveDownstreamKernels)
	defer client.Close()
	defer server.Close()

	parent := sbnkernel.New(&textPayload{Text: "parent"})
	child := sbnkernel.New(&textPayload{Text: "child"})
	child.SetParent(parent)
	child.SetPhase(sbnkernel.PhaseUpstream)

	client.Send(child)
	onServer := serverNative.receive(t)
	require.Equal(t, child.ID(), onServer.ID())

	// Server replies downstream over the wire; an explicit destination
	// keeps Send from treating this as a local delivery (Send's
	// no-destination branch is for kernels already at their endpoint).
	reply := sbnkernel.New(&textPayload{Text: "reply"})
	reply.SetID(onServer.ID())
	reply.SetPhase(sbnkernel.PhaseDownstream)
	reply.SetDestination(&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	server.Send(reply)

	back := clientNative.receive(t)
	require.Equal(t, parent, back.Principal())
}

func TestConnectionCloseTransitionsToStopped(t *testing.T) {
	client, _, server, _ := newPairedConnections(t, 0)
	defer server.Close()

	require.NoError(t, client.Close())
	<-client.Done()
	require.Equal(t, StateStopped, client.State())
}

func TestConnectionClearMarksBuffersDeleted(t *testing.T) {
	client, _, server, _ := newPairedConnections(t, FlagSaveUpstreamKernels)
	defer client.Close()
	defer server.Close()

	k := sbnkernel.New(&textPayload{Text: "x"})
	k.SetPhase(sbnkernel.PhaseUpstream)
	client.Send(k)

	client.Clear()
	require.Empty(t, client.upstream)
}
