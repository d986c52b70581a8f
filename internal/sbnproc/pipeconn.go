package sbnproc

import (
	"net"
	"os"
	"time"
)

// pipeConn adapts a pair of *os.File (the parent-side ends of the two
// pipes dup'd onto the child's stdin/stdout, spec §3 Application "a
// two-way pipe ... dup'd to fixed file descriptors") into a net.Conn so
// sbnproto.Connection can frame kernels over it exactly as it does over
// a TCP socket.
type pipeConn struct {
	r *os.File
	w *os.File
}

func newPipeConn(r, w *os.File) *pipeConn { return &pipeConn{r: r, w: w} }

func (c *pipeConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *pipeConn) Write(b []byte) (int, error) { return c.w.Write(b) }

func (c *pipeConn) Close() error {
	err1 := c.r.Close()
	err2 := c.w.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (c *pipeConn) LocalAddr() net.Addr  { return pipeAddr("local") }
func (c *pipeConn) RemoteAddr() net.Addr { return pipeAddr("child") }

func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error  { return nil }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
