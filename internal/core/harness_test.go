package core

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
)

// lineParser speaks a minimal framing used by the tests:
//
//	request:  "<METHOD> <URI> <body-len> [close|keep-alive|v10]\n" <body>
//	response: "<status> <body-len>\n" <body>
//
// A response body length of -1 runs until the connection closes.
type lineParser struct{}

type lineState struct {
	remaining int64
}

func (lineParser) head(m *Message, data []byte) ([]string, int, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, 0, false
	}
	m.SetHead(append([]byte(nil), data[:i+1]...))
	m.Size += int64(i + 1)
	m.Stage = StageBody
	return strings.Fields(string(data[:i])), i + 1, true
}

func (lineParser) body(m *Message, data []byte) (int, ParseResult) {
	st := m.ParserState.(*lineState)
	if st.remaining < 0 {
		m.AppendBody(data)
		m.Size += int64(len(data))
		return len(data), ParseMore
	}
	take := min(st.remaining, int64(len(data)))
	m.AppendBody(data[:take])
	m.Size += take
	st.remaining -= take
	if st.remaining == 0 {
		m.Stage = StageDone
		return int(take), ParseDone
	}
	return int(take), ParseMore
}

func (lp lineParser) ParseRequest(req *Request, data []byte) (int, ParseResult) {
	consumed := 0
	if !req.HeadersDone() {
		fields, n, ok := lp.head(&req.Message, data)
		if !ok || len(fields) < 3 {
			return 0, ParseMalformed
		}
		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return 0, ParseMalformed
		}
		req.Method, req.URI, req.Host = fields[0], fields[1], "test"
		req.Version = Version11
		for _, opt := range fields[3:] {
			switch opt {
			case "close":
				req.Conn = ConnClose
			case "keep-alive":
				req.Conn = ConnKeepAlive
			case "v10":
				req.Version = Version10
			}
		}
		req.ContentLength = size
		req.ParserState = &lineState{remaining: size}
		consumed = n
	}
	n, res := lp.body(&req.Message, data[consumed:])
	return consumed + n, res
}

func (lp lineParser) ParseResponse(resp *Response, data []byte) (int, ParseResult) {
	consumed := 0
	if !resp.HeadersDone() {
		fields, n, ok := lp.head(&resp.Message, data)
		if !ok || len(fields) != 2 {
			return 0, ParseMalformed
		}
		status, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, ParseMalformed
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, ParseMalformed
		}
		resp.Status = status
		resp.Version = Version11
		resp.ContentLength = size
		resp.LengthUnknown = size < 0
		resp.Header = make(map[string][]string)
		resp.ParserState = &lineState{remaining: size}
		consumed = n
	}
	n, res := lp.body(&resp.Message, data[consumed:])
	return consumed + n, res
}

var errSendFailed = errors.New("send failed")

type recTransport struct {
	mu       sync.Mutex
	sends    []string
	attempts int
	failFrom int
	shutdown bool
	closed   bool
}

func newRecTransport() *recTransport { return &recTransport{failFrom: -1} }

func (t *recTransport) Send(frags [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.closed || t.shutdown {
		return errSendFailed
	}
	if t.failFrom >= 0 && len(t.sends) >= t.failFrom {
		return errSendFailed
	}
	t.sends = append(t.sends, string(bytes.Join(frags, nil)))
	return nil
}

func (t *recTransport) Shutdown() {
	t.mu.Lock()
	t.shutdown = true
	t.mu.Unlock()
}

func (t *recTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *recTransport) output() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.sends, "")
}

func (t *recTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sends)
}

func (t *recTransport) tries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

func (t *recTransport) state() (shutdown, closed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdown, t.closed
}

// rrScheduler hands out schedulable connections in round-robin order.
type rrScheduler struct {
	mu    sync.Mutex
	conns []*ServerConn
	next  int
}

func (s *rrScheduler) add(sc *ServerConn) {
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
}

func (s *rrScheduler) PickConnection(*Request) *ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conns {
		sc := s.conns[(s.next+i)%len(s.conns)]
		if sc.Schedulable() {
			s.next = (s.next + i + 1) % len(s.conns)
			return sc
		}
	}
	return nil
}

func (s *rrScheduler) PickConnectionInGroup(_ *Request, srv *Server) *ServerConn {
	for _, sc := range srv.Conns() {
		if sc.Usable() {
			return sc
		}
	}
	return nil
}

type harness struct {
	t     *testing.T
	p     *Proxy
	clk   *clock.Manual
	sched *rrScheduler
	group *ServerGroup
	srv   *Server
	log   *captureLogger
}

func newHarness(t *testing.T, policy GroupPolicy, settings Settings, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clk:   clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		sched: &rrScheduler{},
		group: NewServerGroup("default", policy),
		log:   newCaptureLogger(),
	}
	h.srv = h.group.AddServer("10.0.0.1:8080")
	base := []Option{WithScheduler(h.sched), WithClock(h.clk), WithLogger(h.log)}
	p, err := New(lineParser{}, settings, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	h.p = p
	return h
}

func (h *harness) backend() (*ServerConn, *recTransport) {
	sc := h.p.NewServerConn(h.srv)
	h.sched.add(sc)
	tr := newRecTransport()
	sc.Attach(tr)
	return sc, tr
}

func (h *harness) client() (*ClientConn, *recTransport) {
	tr := newRecTransport()
	return h.p.NewClientConn("192.0.2.10:4000", tr), tr
}

func (h *harness) process(cc *ClientConn, data string) {
	h.t.Helper()
	if err := cc.Process([]byte(data)); err != nil {
		h.t.Fatalf("client process %q: %v", data, err)
	}
}

func (h *harness) reply(sc *ServerConn, data string) {
	h.t.Helper()
	if err := sc.Process([]byte(data)); err != nil {
		h.t.Fatalf("backend process %q: %v", data, err)
	}
}

func defaultPolicy() GroupPolicy {
	return GroupPolicy{MaxAge: time.Minute, MaxRetries: 3}
}

func queued(sc *ServerConn) []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var out []string
	for e := sc.fwdq.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Request).URI)
	}
	return out
}

type captureEntry struct {
	level  string
	msg    string
	fields []any
}

type captureLogger struct {
	mu      *sync.Mutex
	fields  []any
	entries *[]captureEntry
}

func newCaptureLogger() *captureLogger {
	entries := make([]captureEntry, 0, 8)
	return &captureLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *captureLogger) cloneWith(args ...any) *captureLogger {
	combined := append([]any{}, l.fields...)
	combined = append(combined, args...)
	return &captureLogger{mu: l.mu, fields: combined, entries: l.entries}
}

func (l *captureLogger) find(msg string) (captureEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range *l.entries {
		if entry.msg == msg {
			return entry, true
		}
	}
	return captureEntry{}, false
}

func (l *captureLogger) record(level, msg string, args ...any) {
	fields := append([]any{}, l.fields...)
	fields = append(fields, args...)
	l.mu.Lock()
	*l.entries = append(*l.entries, captureEntry{level: level, msg: msg, fields: fields})
	l.mu.Unlock()
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *captureLogger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *captureLogger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *captureLogger) With(args ...any) pslog.Logger { return l.cloneWith(args...) }
func (l *captureLogger) WithLogLevel() pslog.Logger    { return l }
func (l *captureLogger) LogLevel(pslog.Level) pslog.Logger {
	return l
}
func (l *captureLogger) LogLevelFromEnv(string) pslog.Logger { return l }
