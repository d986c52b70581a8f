package sbnproto

import (
	"context"
	"net"

	"golang.org/x/time/rate"
)

// Adapted from gravwell-gravwell/throttle.go: a token-bucket write
// limiter (spec §4.4 "Bandwidth shaping"). Every net.Conn wrapped by
// one RateLimiter draws from the same token bucket. The socket pipeline
// builds a single RateLimiter and wraps every outbound connection with
// it, so the limit caps their combined write rate, not each peer's.
type RateLimiter struct {
	burst int
	lm    *rate.Limiter
}

// NewRateLimiter builds a limiter at bps bytes/sec with burst capacity
// bps*burstMult (burstMult <= 0 defaults to 1, matching throttle.go's
// defaultBurstMultiplier). bps <= 0 means unthrottled; use WrapConn,
// which returns the raw conn unchanged in that case.
func NewRateLimiter(bps int64, burstMult int) *RateLimiter {
	if bps <= 0 {
		return nil
	}
	if burstMult <= 0 {
		burstMult = 1
	}
	burst := int(bps) * burstMult
	return &RateLimiter{burst: burst, lm: rate.NewLimiter(rate.Limit(bps), burst)}
}

// WrapConn returns c wrapped in the rate limit, or c unchanged if rl is
// nil (unthrottled).
func (rl *RateLimiter) WrapConn(c net.Conn) net.Conn {
	if rl == nil {
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &throttledConn{Conn: c, burst: rl.burst, lm: rl.lm, ctx: ctx, cancel: cancel}
}

type throttledConn struct {
	net.Conn
	burst  int
	lm     *rate.Limiter
	ctx    context.Context
	cancel context.CancelFunc
}

func (w *throttledConn) Close() error {
	w.cancel()
	return w.Conn.Close()
}

func (w *throttledConn) Write(b []byte) (n int, err error) {
	for n < len(b) {
		sz := len(b) - n
		if sz > w.burst {
			sz = w.burst
		}
		var r int
		if r, err = w.Conn.Write(b[n : n+sz]); err != nil {
			return
		}
		if err = w.lm.WaitN(w.ctx, r); err != nil {
			return
		}
		n += r
	}
	return
}
