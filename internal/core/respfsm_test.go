package core

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
)

type recordingMonitor struct {
	mu       sync.Mutex
	statuses []int
}

func (m *recordingMonitor) Observe(_ *Server, resp *Response) {
	m.mu.Lock()
	m.statuses = append(m.statuses, resp.Status)
	m.mu.Unlock()
}

type capturingRewriter struct {
	err   error
	dates []string
}

func (r *capturingRewriter) AdjustRequest(*Request) error { return nil }
func (r *capturingRewriter) AdjustResponse(resp *Response) error {
	r.dates = append(r.dates, resp.Header.Get("Date"))
	return r.err
}

func TestUnpairedResponseIsPairingFailure(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, _ := h.backend()
	err := sc.Process([]byte("200 0\n"))
	if KindOf(err) != KindPairing {
		t.Fatalf("expected pairing failure, got %v", err)
	}
	entry, ok := h.log.find("relayd.backend.unpaired_response")
	if !ok || entry.level != "error" {
		t.Fatalf("expected error-level pairing log, got %+v", entry)
	}
}

func TestMalformedResponseAnswers502(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")

	err := sc.Process([]byte("garbage\n"))
	if KindOf(err) != KindParse {
		t.Fatalf("expected parse failure, got %v", err)
	}
	if !strings.HasPrefix(client.output(), "HTTP/1.1 502 ") {
		t.Fatalf("client output = %q", client.output())
	}
	if sc.Depth() != 0 {
		t.Fatalf("depth = %d", sc.Depth())
	}
}

func TestHealthCheckResponseObservedAndDiscarded(t *testing.T) {
	monitor := &recordingMonitor{}
	h := newHarness(t, defaultPolicy(), Settings{}, WithHealthMonitor(monitor))
	sc, backend := h.backend()

	if err := h.p.SendHealthCheck(h.srv, []byte("GET /health 0\n")); err != nil {
		t.Fatalf("send health check: %v", err)
	}
	if got := backend.output(); got != "GET /health 0\n" {
		t.Fatalf("backend output = %q", got)
	}
	h.reply(sc, "503 0\n")
	if len(monitor.statuses) != 1 || monitor.statuses[0] != 503 {
		t.Fatalf("monitor saw %v", monitor.statuses)
	}
	if sc.Depth() != 0 {
		t.Fatalf("depth = %d", sc.Depth())
	}
}

func TestHealthCheckPinnedToSuspendedServer(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, backend := h.backend()
	h.srv.Suspend()
	if sc.Schedulable() {
		t.Fatalf("suspended server must not take regular traffic")
	}
	if err := h.p.SendHealthCheck(h.srv, []byte("GET /health 0\n")); err != nil {
		t.Fatalf("send health check: %v", err)
	}
	if backend.count() != 1 {
		t.Fatalf("health check not sent to suspended server")
	}
}

func TestHealthCheckErrors(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	if err := h.p.SendHealthCheck(h.srv, []byte("GET /health 0\n")); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected ErrNoConnection, got %v", err)
	}
	h.backend()
	if err := h.p.SendHealthCheck(h.srv, []byte("nope")); !errors.Is(err, ErrMalformedProbe) {
		t.Fatalf("expected ErrMalformedProbe, got %v", err)
	}
}

func TestUnknownLengthResponseIsChunked(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")

	h.reply(sc, "200 -1\nhello")
	if client.count() != 0 {
		t.Fatalf("close-delimited body forwarded early: %q", client.output())
	}
	sc.Detach()
	if got := client.output(); got != "200 -1\n5\r\nhello\r\n0\r\n\r\n" {
		t.Fatalf("client output = %q", got)
	}
	if shutdown, _ := client.state(); shutdown {
		t.Fatalf("chunked transform keeps the client connection open")
	}
}

func TestUnknownLengthResponseClosesLegacyClient(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0 v10 keep-alive\n")

	h.reply(sc, "200 -1\nhello")
	sc.Detach()
	if got := client.output(); got != "200 -1\nhello" {
		t.Fatalf("client output = %q", got)
	}
	if shutdown, _ := client.state(); !shutdown {
		t.Fatalf("legacy client must be closed to delimit the body")
	}
}

func TestResponseGetsDateHeader(t *testing.T) {
	rw := &capturingRewriter{}
	h := newHarness(t, defaultPolicy(), Settings{}, WithRewriter(rw))
	sc, _ := h.backend()
	cc, _ := h.client()
	h.process(cc, "GET /a 0\n")
	h.reply(sc, "200 0\n")
	want := h.clk.Now().Format(http.TimeFormat)
	if len(rw.dates) != 1 || rw.dates[0] != want {
		t.Fatalf("date headers = %v, want %q", rw.dates, want)
	}
}

func TestResponseRewriteFailureAnswers500(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{}, WithRewriter(&capturingRewriter{err: errors.New("bad header")}))
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")
	h.reply(sc, "200 1\nA")
	if !strings.HasPrefix(client.output(), "HTTP/1.1 500 ") {
		t.Fatalf("client output = %q", client.output())
	}
}

func TestDetachMidResponseReplaysRequest(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")

	h.reply(sc, "200 5\nab")
	sc.Detach()
	fresh := newRecTransport()
	sc.Attach(fresh)
	if got := fresh.output(); got != "GET /a 0\n" {
		t.Fatalf("replay output = %q", got)
	}
	h.reply(sc, "200 1\nA")
	if got := client.output(); got != "200 1\nA" {
		t.Fatalf("client output = %q", got)
	}
}
