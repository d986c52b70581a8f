package sbnproto

import (
	"bufio"
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/igankevich/sbnd/internal/sbnkernel"
)

// writePacket frames one header+payload packet: reserve a uint32 length
// prefix, write header and payload into a scratch buffer, then backfill
// the length — the Go equivalent of the original's begin-packet/
// end-packet pair (spec §4.3 Framing), since bufio.Writer has no seek.
func writePacket(w *bufio.Writer, h *sbnkernel.Header, payload []byte) error {
	body := new(bytes.Buffer)
	bw := bufio.NewWriter(body)
	if err := sbnkernel.WriteHeader(bw, h); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(body.Len())); err != nil {
		return err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	return w.Flush()
}

// readPacket reads one length-prefixed packet and returns its header and
// raw payload bytes. io.EOF (or a wrapped variant) propagates unchanged
// so the caller's receive loop can distinguish "peer closed cleanly"
// from a mid-packet error.
func readPacket(r *bufio.Reader) (*sbnkernel.Header, []byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}
	limited := io.LimitReader(r, int64(n))
	br := bufio.NewReader(limited)
	h, err := sbnkernel.ReadHeader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("sbnproto: read header: %w", err)
	}
	payload, err := io.ReadAll(br)
	if err != nil {
		return nil, nil, fmt.Errorf("sbnproto: read payload: %w", err)
	}
	return h, payload, nil
}

// marshalPayload encodes a kernel's Payload via encoding.BinaryMarshaler.
// A nil Payload (a kernel whose state lives entirely in the header)
// marshals to zero bytes.
func marshalPayload(p sbnkernel.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	m, ok := p.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("sbnproto: payload type %T does not implement encoding.BinaryMarshaler", p)
	}
	return m.MarshalBinary()
}

// unmarshalPayload constructs a payload of the given type via reg and
// fills it from b.
func unmarshalPayload(reg *sbnkernel.Registry, typ sbnkernel.TypeID, b []byte) (sbnkernel.Payload, error) {
	p, ok := reg.New(typ)
	if !ok {
		return nil, fmt.Errorf("sbnproto: unknown type id %d", typ)
	}
	if u, ok := p.(encoding.BinaryUnmarshaler); ok {
		if err := u.UnmarshalBinary(b); err != nil {
			return nil, err
		}
	}
	return p, nil
}
