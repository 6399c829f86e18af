package sched

import (
	"testing"

	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/h1"
)

type nullTransport struct{}

func (nullTransport) Send([][]byte) error { return nil }
func (nullTransport) Shutdown()           {}
func (nullTransport) Close() error        { return nil }

type fixture struct {
	s     *Scheduler
	p     *core.Proxy
	group *core.ServerGroup
}

func newFixture(t *testing.T, mode Mode) *fixture {
	t.Helper()
	s := New(mode)
	p, err := core.New(h1.NewParser(), core.Settings{}, core.WithScheduler(s))
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	g := core.NewServerGroup("web", core.GroupPolicy{})
	s.AddGroup(g)
	return &fixture{s: s, p: p, group: g}
}

func (f *fixture) conn(srv *core.Server) *core.ServerConn {
	sc := f.p.NewServerConn(srv)
	sc.Attach(nullTransport{})
	return sc
}

func TestRoundRobinRotates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RoundRobin)
	a := f.group.AddServer("10.0.0.1:80")
	b := f.group.AddServer("10.0.0.2:80")
	conns := []*core.ServerConn{f.conn(a), f.conn(a), f.conn(b)}

	req := &core.Request{Host: "example.com", URI: "/"}
	for round := 0; round < 2; round++ {
		for i, want := range conns {
			if got := f.s.PickConnection(req); got != want {
				t.Fatalf("round %d pick %d = %v, want %v", round, i, idOf(got), idOf(want))
			}
		}
	}
}

func TestSkipsUnschedulable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RoundRobin)
	a := f.group.AddServer("10.0.0.1:80")
	b := f.group.AddServer("10.0.0.2:80")
	f.conn(a)
	dead := f.p.NewServerConn(b)
	live := f.conn(b)
	a.Suspend()

	req := &core.Request{URI: "/"}
	for i := 0; i < 4; i++ {
		if got := f.s.PickConnection(req); got != live {
			t.Fatalf("pick %d chose %s", i, idOf(got))
		}
	}
	if dead.Connected() {
		t.Fatalf("detached slot reported connected")
	}

	b.Suspend()
	if got := f.s.PickConnection(req); got != nil {
		t.Fatalf("expected no connection, got %s", idOf(got))
	}
}

func TestAvoidsConnectionWithPendingNonIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RoundRobin)
	a := f.group.AddServer("10.0.0.1:80")
	b := f.group.AddServer("10.0.0.2:80")
	busy := f.conn(a)
	idle := f.conn(b)

	cc := f.p.NewClientConn("192.0.2.1:5000", nullTransport{})
	if err := cc.Process([]byte("POST /form HTTP/1.1\r\nHost: example.com\r\nContent-Length: 0\r\n\r\n")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !busy.HasNIP() || idle.HasNIP() {
		t.Fatalf("busy has nip=%v, idle has nip=%v", busy.HasNIP(), idle.HasNIP())
	}

	req := &core.Request{Host: "example.com", URI: "/"}
	for i := 0; i < 4; i++ {
		if got := f.s.PickConnection(req); got != idle {
			t.Fatalf("pick %d chose %s", i, idOf(got))
		}
	}
	b.Suspend()
	if got := f.s.PickConnection(req); got != busy {
		t.Fatalf("fallback pick = %s", idOf(got))
	}
}

func TestHashIsSticky(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Hash)
	srv := f.group.AddServer("10.0.0.1:80")
	for i := 0; i < 4; i++ {
		f.conn(srv)
	}
	req := &core.Request{Host: "example.com", URI: "/cart"}
	first := f.s.PickConnection(req)
	if first == nil {
		t.Fatalf("no connection")
	}
	for i := 0; i < 8; i++ {
		if got := f.s.PickConnection(req); got != first {
			t.Fatalf("hash pick moved to %s", idOf(got))
		}
	}
}

func TestPickInGroupIgnoresSuspension(t *testing.T) {
	t.Parallel()
	f := newFixture(t, RoundRobin)
	srv := f.group.AddServer("10.0.0.1:80")
	sc := f.conn(srv)
	srv.Suspend()
	if got := f.s.PickConnection(&core.Request{}); got != nil {
		t.Fatalf("suspended server scheduled")
	}
	if got := f.s.PickConnectionInGroup(&core.Request{}, srv); got != sc {
		t.Fatalf("pinned pick = %s", idOf(got))
	}
	other := core.NewServerGroup("other", core.GroupPolicy{}).AddServer("10.9.9.9:80")
	if got := f.s.PickConnectionInGroup(&core.Request{}, other); got != nil {
		t.Fatalf("server without connections returned %s", idOf(got))
	}
}

func TestUnknownGroup(t *testing.T) {
	t.Parallel()
	s := New(RoundRobin)
	if got := s.PickConnection(&core.Request{}); got != nil {
		t.Fatalf("empty scheduler returned %s", idOf(got))
	}
	if _, ok := s.Group("web"); ok {
		t.Fatalf("unexpected group")
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Mode{"": RoundRobin, "rr": RoundRobin, "Hash": Hash} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("random"); err == nil {
		t.Fatalf("expected error")
	}
}

func idOf(sc *core.ServerConn) string {
	if sc == nil {
		return "<nil>"
	}
	return sc.ID()
}
