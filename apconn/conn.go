// Package apconn is the framed TCP byte pipe the AP session is built on:
// buffered writes flushed as a single syscall, blocking reads with optional
// timeouts, and idempotent close.
package apconn

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rivergate-audio/ap-go/apcore"
)

// MaxFrameLen caps any single length-prefixed read this package will buffer
// for, guarding against a malicious or confused peer driving unbounded
// allocation.
const MaxFrameLen = 1 << 20

// Conn is a buffered, framed connection to an access point.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a TCP connection to addr ("host:port").
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "dial "+addr, err)
	}
	return newConn(nc), nil
}

// New wraps an already-established net.Conn (used in tests against an
// in-process mock AP listener).
func New(nc net.Conn) *Conn {
	return newConn(nc)
}

func newConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		r:  bufio.NewReader(nc),
		// Sized for the largest encrypted packet (cmd, u16 length, payload,
		// MAC) so one frame never spills out before Flush.
		w: bufio.NewWriterSize(nc, 1+2+0xFFFF+4),
	}
}

// ReadExact reads exactly n bytes, blocking until they arrive or the
// connection's deadline fires.
func (c *Conn) ReadExact(n int) ([]byte, error) {
	if n < 0 || n > MaxFrameLen {
		return nil, apcore.New(apcore.KindProtocolError, fmt.Sprintf("frame length %d out of range", n))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "read", err)
	}
	return buf, nil
}

// ReadUint32BE reads a 4-byte big-endian length or count field.
func (c *Conn) ReadUint32BE() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, apcore.Wrap(apcore.KindSocketError, "read u32", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Write appends p to the internal write buffer. It is not sent until Flush.
func (c *Conn) Write(p []byte) error {
	if _, err := c.w.Write(p); err != nil {
		return apcore.Wrap(apcore.KindSocketError, "buffer write", err)
	}
	return nil
}

// WriteUint32BE appends a big-endian uint32 to the internal write buffer.
func (c *Conn) WriteUint32BE(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return c.Write(b[:])
}

// Flush transmits everything buffered since the last Flush as one logical
// message (ideally one send(2) syscall).
func (c *Conn) Flush() error {
	if err := c.w.Flush(); err != nil {
		return apcore.Wrap(apcore.KindSocketError, "flush", err)
	}
	return nil
}

// SetTimeout sets a read/write deadline d from now. Zero means no
// deadline (blocking reads/writes).
func (c *Conn) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return c.nc.SetDeadline(time.Time{})
	}
	return c.nc.SetDeadline(time.Now().Add(d))
}

// Close shuts down the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
