package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/svcfields"
)

// DefaultReadBuffer is the per-connection read size.
const DefaultReadBuffer = 16 << 10

const drainPoll = 100 * time.Millisecond

// ClientConfig tunes accepted connections.
type ClientConfig struct {
	ReadBuffer int
	// IdleTimeout closes connections with nothing pending that stay silent
	// this long; zero disables it.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
}

// Clients accepts client connections and feeds them to the proxy.
type Clients struct {
	proxy  *core.Proxy
	cfg    ClientConfig
	logger pslog.Logger

	wg       sync.WaitGroup
	draining atomic.Bool
	mu       sync.Mutex
	active   map[*Conn]struct{}
}

// NewClients returns an acceptor for p.
func NewClients(p *core.Proxy, cfg ClientConfig, logger pslog.Logger) *Clients {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	return &Clients{
		proxy:  p,
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "transport.client"),
		active: make(map[*Conn]struct{}),
	}
}

// Serve accepts on ln until ctx ends or ln fails. It closes ln on return
// but leaves accepted connections running; see Drain, Wait and CloseAll.
func (s *Clients) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()
	s.logger.Info("relayd.listener.serving", "addr", ln.Addr().String())
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				s.logger.Warn("relayd.listener.accept_retry", "error", err, "delay", delay)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			return err
		}
		delay = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(nc)
		}()
	}
}

// Active returns the number of open client connections.
func (s *Clients) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until every accepted connection has finished or ctx ends.
func (s *Clients) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain makes every connection close as soon as it has nothing pending.
// Connections with outstanding requests keep running until answered.
func (s *Clients) Drain() {
	s.draining.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.active {
		_ = c.Raw().SetReadDeadline(time.Now())
	}
}

// CloseAll closes every active connection immediately.
func (s *Clients) CloseAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.active))
	for c := range s.active {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Clients) track(c *Conn, on bool) {
	s.mu.Lock()
	if on {
		s.active[c] = struct{}{}
	} else {
		delete(s.active, c)
	}
	s.mu.Unlock()
}

func (s *Clients) handle(nc net.Conn) {
	tr := NewConn(nc, s.cfg.WriteTimeout, s.logger)
	s.track(tr, true)
	defer s.track(tr, false)

	cc := s.proxy.NewClientConn(remoteOf(nc), tr)
	s.logger.Debug("relayd.client.accepted", "conn", cc.ID(), "remote", cc.Remote())
	buf := make([]byte, s.cfg.ReadBuffer)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = nc.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		// Checked after the idle deadline so a concurrent Drain is not undone.
		if s.draining.Load() {
			_ = nc.SetReadDeadline(time.Now().Add(drainPoll))
		}
		n, err := nc.Read(buf)
		if n > 0 {
			if perr := cc.Process(buf[:n]); perr != nil {
				_ = tr.Close()
				break
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if cc.Pending() > 0 {
					continue
				}
				// Idle or draining: queued answers still go out.
				tr.Shutdown()
				<-tr.Done()
			}
			break
		}
		if cc.Stopped() {
			// Input is over; wait for the answers to be flushed.
			<-tr.Done()
			break
		}
	}
	cc.Drop()
	_ = tr.Close()
	s.logger.Debug("relayd.client.closed", "conn", cc.ID())
}
