// Package sbnproto implements the connection state machine: packet
// framing, the upstream/downstream kernel buffers, the send/receive
// paths, and kernel recovery on disconnect (spec §4.3). It is grounded
// directly on the third core iteration's connection.cc/kernel_protocol.hh.
package sbnproto

import "github.com/igankevich/sbnd/internal/sbnkernel"

// Pipeline is the minimum surface a connection needs from whatever owns
// it, to hand off a kernel for local execution, foreign forwarding, or
// re-routing to another remote peer. The three concrete pipelines
// (sbnlocal, sbnproc's foreign forwarder, sbnsocket) all satisfy this.
type Pipeline interface {
	Send(k *sbnkernel.Kernel)
}

// ForeignForwarder additionally accepts kernels whose application ID is
// not this process's own (spec §4.6).
type ForeignForwarder interface {
	Forward(k *sbnkernel.Kernel)
}

// Pipelines bundles the three collaborators a connection needs to route
// kernels per spec §4.3/§4.5's send and recovery paths: the local
// worker pool, the socket pipeline (for re-sending kernels upstream to a
// different peer on recovery), and the foreign-kernel forwarder.
type Pipelines struct {
	Native  Pipeline
	Remote  Pipeline
	Foreign ForeignForwarder
}
