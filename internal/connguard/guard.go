// Package connguard blocks client addresses that keep sending malformed
// requests or open connections without ever speaking.
package connguard

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/svcfields"
)

// Config controls the guard.
type Config struct {
	// Enabled toggles enforcement.
	Enabled bool
	// FailureThreshold is the number of reports within FailureWindow that
	// blocks an address. Zero disables blocking.
	FailureThreshold int
	// FailureWindow is the period reports are counted over.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked address stays blocked.
	BlockDuration time.Duration
	// ProbeTimeout bounds the wait for the first byte of a new connection.
	// Zero skips the probe.
	ProbeTimeout time.Duration
}

// Default values applied by New.
const (
	DefaultFailureWindow = time.Second
	DefaultBlockDuration = 5 * time.Minute
)

var errBlocked = errors.New("connguard: address blocked")

type record struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard keeps per-address failure history. It implements core.AbuseReporter.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	records map[string]*record
}

// New constructs a guard. A nil clock uses wall time.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "transport.connguard"),
		clock:   clk,
		records: make(map[string]*record),
	}
}

// Report counts one failure against remote.
func (g *Guard) Report(remote, reason string) {
	if g == nil || !g.cfg.Enabled {
		return
	}
	g.fail(remote, reason)
}

// fail records a failure and reports whether remote is now blocked.
func (g *Guard) fail(remote, reason string) bool {
	if g.cfg.FailureThreshold <= 0 {
		return false
	}
	remote = hostOf(remote)
	if remote == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.records[remote]
	if rec == nil {
		rec = &record{}
		g.records[remote] = rec
	}
	if rec.blockedUntil.After(now) {
		return true
	}
	rec.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(rec.failures) > 0 && rec.failures[0].Before(cutoff) {
		rec.failures = rec.failures[1:]
	}
	rec.failures = append(rec.failures, now)
	if len(rec.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("relayd.connguard.suspicious",
			"remote", remote,
			"reason", reason,
			"count", len(rec.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}
	rec.blockedUntil = now.Add(g.cfg.BlockDuration)
	rec.failures = nil
	g.logger.Warn("relayd.connguard.blocked",
		"remote", remote,
		"reason", reason,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration)
	return true
}

// Blocked reports whether remote is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	remote = hostOf(remote)
	if remote == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.records[remote]
	if rec == nil || rec.blockedUntil.IsZero() {
		return false
	}
	if rec.blockedUntil.After(now) {
		return true
	}
	rec.blockedUntil = time.Time{}
	g.logger.Info("relayd.connguard.released", "remote", remote)
	if len(rec.failures) == 0 {
		delete(g.records, remote)
	}
	return false
}

// Tracked reports how many addresses have history.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

// WrapListener returns ln with blocked addresses refused at accept time.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &listener{Listener: ln, guard: g}
}

type listener struct {
	net.Listener
	guard *Guard
}

// Accept skips connections from blocked addresses and connections that send
// nothing within the probe timeout.
func (l *listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, err := l.admit(conn)
		if err == nil {
			return accepted, nil
		}
		_ = conn.Close()
	}
}

func (l *listener) admit(conn net.Conn) (net.Conn, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if l.guard.Blocked(remote) {
		l.guard.logger.Debug("relayd.connguard.refused", "remote", remote)
		return nil, errBlocked
	}
	timeout := l.guard.cfg.ProbeTimeout
	if timeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		l.guard.logger.Warn("relayd.connguard.deadline", "remote", remote, "error", err)
		return conn, nil
	}
	first := make([]byte, 1)
	n, err := conn.Read(first)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		reason := "zero_connect"
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			reason = "probe_timeout"
		}
		l.guard.fail(remote, reason)
		if err == nil {
			err = errBlocked
		}
		return nil, err
	}
	return &prefixedConn{Conn: conn, prefix: first[:n]}, nil
}

// prefixedConn replays the probe byte before reading from the connection.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	return n, nil
}
