// Package conn wraps a device connection with a buffered reader and byte counters.
package conn

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
)

var ErrLineTooLong = errors.New("line too long")

type Conn struct {
	cid      uint64
	tuple    []string
	r        *bufio.Reader
	created  time.Time
	byte_in  int64
	byte_out int64
	closed   uint32
	net.Conn
}

func NewConn(c net.Conn, cid uint64) *Conn {
	sourceip, sourceport, _ := net.SplitHostPort(c.RemoteAddr().String())
	targetip, targetport, _ := net.SplitHostPort(c.LocalAddr().String())

	return &Conn{
		cid:     cid,
		tuple:   []string{sourceip, sourceport, targetip, targetport},
		r:       bufio.NewReader(c),
		created: time.Now(),
		Conn:    c,
	}
}

// Peek returns the next n bytes without consuming them.
func (c *Conn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&c.byte_in, int64(n))
	return n, err
}

func (c *Conn) ReadFull(buf []byte) (int, error) {
	n, err := io.ReadFull(c.r, buf)
	atomic.AddInt64(&c.byte_in, int64(n))
	return n, err
}

// ReadLine reads up to and including the next CR or LF. Line ends left over from a previous
// CRLF are skipped. A line longer than max fails with ErrLineTooLong.
func (c *Conn) ReadLine(max int) ([]byte, error) {
	line := make([]byte, 0, 64)
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return line, err
		}
		atomic.AddInt64(&c.byte_in, 1)
		if b == '\r' || b == '\n' {
			if len(line) == 0 {
				continue
			}
			return append(line, b), nil
		}
		if len(line) >= max {
			return line, ErrLineTooLong
		}
		line = append(line, b)
	}
}

func (c *Conn) Write(d []byte) (int, error) {
	n, err := c.Conn.Write(d)
	atomic.AddInt64(&c.byte_out, int64(n))
	return n, err
}

func (c *Conn) Close() error {
	atomic.StoreUint32(&c.closed, 1)
	return c.Conn.Close()
}

// Stat returns the bytes read and written so far.
func (c *Conn) Stat() (byte_in int64, byte_out int64) {
	return atomic.LoadInt64(&c.byte_in), atomic.LoadInt64(&c.byte_out)
}

func (c *Conn) Cid() uint64 {
	return c.cid
}

func (c *Conn) Closed() bool {
	return atomic.LoadUint32(&c.closed) == 1
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) MarshalObject(e *log.Entry) {
	e.Uint64("cid", c.cid).Strs("socket", c.tuple)
}
