package sbnproto

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/igankevich/sbnd/internal/sbnkernel"
	"github.com/stretchr/testify/require"
)

type textPayload struct {
	Text string
}

func (textPayload) TypeID() sbnkernel.TypeID { return 5 }
func (textPayload) Act(k *sbnkernel.Kernel) error { return nil }
func (textPayload) React(k *sbnkernel.Kernel, child *sbnkernel.Kernel) error { return nil }
func (p *textPayload) MarshalBinary() ([]byte, error) { return []byte(p.Text), nil }
func (p *textPayload) UnmarshalBinary(b []byte) error { p.Text = string(b); return nil }

func TestWriteReadPacketRoundTrip(t *testing.T) {
	h := &sbnkernel.Header{Type: 5, KernelID: 3, Phase: sbnkernel.PhaseUpstream}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writePacket(w, h, []byte("hello")))

	got, payload, err := readPacket(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, h.KernelID, got.KernelID)
	require.Equal(t, "hello", string(payload))
}

func TestMarshalPayloadNilIsEmpty(t *testing.T) {
	b, err := marshalPayload(nil)
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestMarshalPayloadRejectsNonMarshaler(t *testing.T) {
	_, err := marshalPayload(plainPayload{})
	require.Error(t, err)
}

type plainPayload struct{}

func (plainPayload) TypeID() sbnkernel.TypeID                           { return 9 }
func (plainPayload) Act(k *sbnkernel.Kernel) error                      { return nil }
func (plainPayload) React(k *sbnkernel.Kernel, child *sbnkernel.Kernel) error { return nil }

func TestUnmarshalPayloadRoundTrip(t *testing.T) {
	reg := sbnkernel.NewRegistry()
	reg.Register(5, func() sbnkernel.Payload { return &textPayload{} })

	p, err := unmarshalPayload(reg, 5, []byte("world"))
	require.NoError(t, err)
	tp, ok := p.(*textPayload)
	require.True(t, ok)
	require.Equal(t, "world", tp.Text)
}

func TestUnmarshalPayloadUnknownTypeErrors(t *testing.T) {
	reg := sbnkernel.NewRegistry()
	_, err := unmarshalPayload(reg, 99, nil)
	require.Error(t, err)
}
