package transport

import (
	"io"
	"sync"
	"time"
)

// Pipe returns two connected in-memory Conns with serial-like read
// semantics: a timed-out Read returns (0, nil). It stands in for a
// physical RS-485 link in tests and loopback diagnostics.
func Pipe() (Conn, Conn) {
	a := newPipeBuf()
	b := newPipeBuf()
	return &pipeConn{rd: a, wr: b}, &pipeConn{rd: b, wr: a}
}

// pipeBuf is one direction of a Pipe.
type pipeBuf struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	notify chan struct{}
}

func newPipeBuf() *pipeBuf {
	return &pipeBuf{notify: make(chan struct{}, 1)}
}

func (b *pipeBuf) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *pipeBuf) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.wake()
	return len(p), nil
}

func (b *pipeBuf) read(p []byte, timeout time.Duration) (int, error) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		expired = timer.C
		defer timer.Stop()
	}
	for {
		b.mu.Lock()
		if len(b.data) > 0 {
			n := copy(p, b.data)
			b.data = b.data[n:]
			b.mu.Unlock()
			return n, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		select {
		case <-b.notify:
		case <-expired:
			return 0, nil
		}
	}
}

func (b *pipeBuf) reset() {
	b.mu.Lock()
	b.data = b.data[:0]
	b.mu.Unlock()
}

func (b *pipeBuf) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

type pipeConn struct {
	rd *pipeBuf
	wr *pipeBuf

	mu      sync.Mutex
	timeout time.Duration
}

func (c *pipeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()
	return c.rd.read(p, timeout)
}

func (c *pipeConn) Write(p []byte) (int, error) {
	return c.wr.write(p)
}

func (c *pipeConn) Close() error {
	c.rd.close()
	c.wr.close()
	return nil
}

func (c *pipeConn) SetReadTimeout(t time.Duration) error {
	c.mu.Lock()
	c.timeout = t
	c.mu.Unlock()
	return nil
}

func (c *pipeConn) ResetInputBuffer() error {
	c.rd.reset()
	return nil
}

func (c *pipeConn) Drain() error { return nil }
