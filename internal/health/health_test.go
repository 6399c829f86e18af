package health

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/h1"
	"pkt.systems/relayd/internal/sched"
)

type recTransport struct {
	mu   sync.Mutex
	sent bytes.Buffer
}

func (t *recTransport) Send(frags [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range frags {
		t.sent.Write(f)
	}
	return nil
}

func (t *recTransport) Shutdown()    {}
func (t *recTransport) Close() error { return nil }

func (t *recTransport) output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent.String()
}

func response(status int) *core.Response {
	resp := core.NewResponse(&core.Request{Method: "GET"})
	resp.Status = status
	return resp
}

func TestObserveSuspendsAfterThreshold(t *testing.T) {
	t.Parallel()
	m := New(Config{Threshold: 3}, nil, nil)
	srv := core.NewServerGroup("web", core.GroupPolicy{}).AddServer("10.0.0.1:80")

	m.Observe(srv, response(502))
	m.Observe(srv, response(503))
	if srv.Suspended() {
		t.Fatalf("suspended before threshold")
	}
	m.Observe(srv, response(200))
	if got := m.Status(srv).Failures; got != 0 {
		t.Fatalf("good response kept failures at %d", got)
	}
	for i := 0; i < 3; i++ {
		m.Observe(srv, response(500))
	}
	if !srv.Suspended() {
		t.Fatalf("expected suspension")
	}
	m.Observe(srv, response(200))
	if !srv.Suspended() {
		t.Fatalf("regular traffic must not resume a server")
	}
}

func TestGoodStatuses(t *testing.T) {
	t.Parallel()
	m := New(Config{Threshold: 1, GoodStatuses: []int{200, 204}}, nil, nil)
	srv := core.NewServerGroup("web", core.GroupPolicy{}).AddServer("10.0.0.1:80")
	m.Observe(srv, response(404))
	if !srv.Suspended() {
		t.Fatalf("404 should count as failure with an explicit good list")
	}
}

func TestProbeResumesServer(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(Config{Threshold: 1, URI: "/healthz", Host: "backend.local"}, nil, clk)
	s := sched.New(sched.RoundRobin)
	p, err := core.New(h1.NewParser(), core.Settings{},
		core.WithScheduler(s), core.WithHealthMonitor(m), core.WithClock(clk))
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	g := core.NewServerGroup("web", core.GroupPolicy{})
	s.AddGroup(g)
	srv := g.AddServer("10.0.0.1:80")
	sc := p.NewServerConn(srv)
	tr := &recTransport{}
	sc.Attach(tr)
	srv.Suspend()

	m.ProbeAll(p, []*core.Server{srv})
	if got, want := tr.output(), "GET /healthz HTTP/1.1\r\nHost: backend.local\r\nUser-Agent: relayd-health\r\n\r\n"; got != want {
		t.Fatalf("probe sent %q, want %q", got, want)
	}
	if err := sc.Process([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if srv.Suspended() {
		t.Fatalf("successful probe did not resume the server")
	}
	st := m.Status(srv)
	if st.LastCode != 200 || !st.LastProbe.Equal(clk.Now()) {
		t.Fatalf("status = %+v", st)
	}
}

type countingProber struct {
	mu    sync.Mutex
	calls int
}

func (c *countingProber) SendHealthCheck(*core.Server, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return core.ErrNoConnection
}

func (c *countingProber) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunProbesEachInterval(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(Config{Interval: time.Second}, nil, clk)
	srv := core.NewServerGroup("web", core.GroupPolicy{}).AddServer("10.0.0.1:80")
	prober := &countingProber{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, prober, func() []*core.Server { return []*core.Server{srv} }) }()

	for round := 1; round <= 2; round++ {
		waitFor(t, func() bool { return clk.Pending() == 1 })
		clk.Advance(time.Second)
		waitFor(t, func() bool { return prober.count() == round })
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
