// Package transport moves bytes between sockets and the forwarding core.
package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/svcfields"
)

// ErrClosed is returned by Send once the connection is shut down or closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn implements core.Transport over a net.Conn. Send only queues; a
// writer goroutine flushes the queue with vectored writes.
type Conn struct {
	nc           net.Conn
	writeTimeout time.Duration
	logger       pslog.Logger

	mu       sync.Mutex
	queue    [][]byte
	draining bool
	closed   bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewConn starts the writer for nc. A zero writeTimeout never times out.
func NewConn(nc net.Conn, writeTimeout time.Duration, logger pslog.Logger) *Conn {
	c := &Conn{
		nc:           nc,
		writeTimeout: writeTimeout,
		logger:       svcfields.EnsureLogger(logger),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues frags for writing.
func (c *Conn) Send(frags [][]byte) error {
	if len(frags) == 0 {
		return nil
	}
	c.mu.Lock()
	if c.closed || c.draining {
		c.mu.Unlock()
		return ErrClosed
	}
	for _, f := range frags {
		if len(f) > 0 {
			c.queue = append(c.queue, f)
		}
	}
	c.mu.Unlock()
	c.signal()
	return nil
}

// Shutdown closes the connection after the queue is written.
func (c *Conn) Shutdown() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
	c.signal()
}

// Close closes the connection immediately, discarding queued data.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Raw returns the underlying connection.
func (c *Conn) Raw() net.Conn { return c.nc }

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			batch := c.queue
			c.queue = nil
			draining := c.draining
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			if len(batch) == 0 {
				if draining {
					_ = c.Close()
					return
				}
				break
			}
			if c.writeTimeout > 0 {
				_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			bufs := net.Buffers(batch)
			if _, err := bufs.WriteTo(c.nc); err != nil {
				c.logger.Debug("relayd.transport.write_failed", "remote", remoteOf(c.nc), "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

func remoteOf(nc net.Conn) string {
	if addr := nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
