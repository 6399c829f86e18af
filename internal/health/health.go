// Package health suspends backend servers that keep failing and brings them
// back once a probe succeeds.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/svcfields"
)

// Defaults applied by New.
const (
	DefaultThreshold = 5
	DefaultInterval  = 5 * time.Second
	DefaultURI       = "/"
)

// Config controls failure accounting and probing.
type Config struct {
	// Threshold is the number of consecutive bad responses that suspends a
	// server.
	Threshold int
	// Interval is the probe cadence.
	Interval time.Duration
	// URI and Host form the probe request.
	URI  string
	Host string
	// GoodStatuses lists probe statuses counted as healthy; empty means
	// any status below 500.
	GoodStatuses []int
}

// Prober sends pinned health-check requests.
type Prober interface {
	SendHealthCheck(srv *core.Server, raw []byte) error
}

type serverState struct {
	failures  int
	lastProbe time.Time
	lastCode  int
}

// Monitor implements core.HealthMonitor.
type Monitor struct {
	cfg    Config
	good   map[int]bool
	probe  []byte
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.Mutex
	state map[*core.Server]*serverState
}

// New returns a monitor. A nil clock uses wall time.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.URI == "" {
		cfg.URI = DefaultURI
	}
	if clk == nil {
		clk = clock.Real{}
	}
	m := &Monitor{
		cfg:    cfg,
		good:   make(map[int]bool, len(cfg.GoodStatuses)),
		clock:  clk,
		logger: svcfields.WithSubsystem(logger, "relay.health"),
		state:  make(map[*core.Server]*serverState),
	}
	for _, code := range cfg.GoodStatuses {
		m.good[code] = true
	}
	return m
}

// ProbeRequest returns the wire form of the probe sent to srv.
func (m *Monitor) ProbeRequest(srv *core.Server) []byte {
	host := m.cfg.Host
	if host == "" {
		host = srv.Addr()
	}
	return fmt.Appendf(nil, "GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: relayd-health\r\n\r\n", m.cfg.URI, host)
}

func (m *Monitor) healthy(status int) bool {
	if len(m.good) > 0 {
		return m.good[status]
	}
	return status > 0 && status < 500
}

func (m *Monitor) stateOf(srv *core.Server) *serverState {
	st := m.state[srv]
	if st == nil {
		st = &serverState{}
		m.state[srv] = st
	}
	return st
}

// Observe implements core.HealthMonitor.
func (m *Monitor) Observe(srv *core.Server, resp *core.Response) {
	if srv == nil || resp == nil {
		return
	}
	probe := false
	if req := resp.Request(); req != nil {
		probe = req.HealthCheck()
	}
	ok := m.healthy(resp.Status)

	m.mu.Lock()
	st := m.stateOf(srv)
	if probe {
		st.lastProbe = m.clock.Now()
		st.lastCode = resp.Status
	}
	if ok {
		st.failures = 0
	} else {
		st.failures++
	}
	failures := st.failures
	m.mu.Unlock()

	switch {
	case ok && probe:
		if srv.Resume() {
			m.logger.Info("relayd.health.resumed", "server", srv.Addr(), "status", resp.Status)
		}
	case !ok && failures >= m.cfg.Threshold:
		if srv.Suspend() {
			m.logger.Warn("relayd.health.suspended", "server", srv.Addr(), "status", resp.Status, "failures", failures)
		}
	}
}

// Status is a point-in-time view of a server's health.
type Status struct {
	Server    string    `json:"server"`
	Suspended bool      `json:"suspended"`
	Failures  int       `json:"failures"`
	LastProbe time.Time `json:"last_probe,omitzero"`
	LastCode  int       `json:"last_code,omitempty"`
}

// Status reports the health bookkeeping for srv.
func (m *Monitor) Status(srv *core.Server) Status {
	out := Status{Server: srv.Addr(), Suspended: srv.Suspended()}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.state[srv]; st != nil {
		out.Failures = st.failures
		out.LastProbe = st.lastProbe
		out.LastCode = st.lastCode
	}
	return out
}

// ProbeAll sends one probe to every server.
func (m *Monitor) ProbeAll(p Prober, servers []*core.Server) {
	for _, srv := range servers {
		err := p.SendHealthCheck(srv, m.ProbeRequest(srv))
		switch {
		case err == nil:
		case errors.Is(err, core.ErrNoConnection):
			m.logger.Debug("relayd.health.probe_skipped", "server", srv.Addr())
		default:
			m.logger.Warn("relayd.health.probe_failed", "server", srv.Addr(), "error", err)
		}
	}
}

// Run probes servers every interval until ctx ends. servers is called each
// round so added servers are picked up.
func (m *Monitor) Run(ctx context.Context, p Prober, servers func() []*core.Server) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(m.cfg.Interval):
			m.ProbeAll(p, servers())
		}
	}
}
