package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/ids"
	"pkt.systems/relayd/internal/svcfields"
)

// BlockAction decides whether a failed request is answered or silently
// dropped together with its connection.
type BlockAction uint8

const (
	BlockReply BlockAction = iota
	BlockDrop
)

func (a BlockAction) String() string {
	if a == BlockDrop {
		return "drop"
	}
	return "reply"
}

// ParseBlockAction parses "reply" or "drop".
func ParseBlockAction(s string) (BlockAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reply":
		return BlockReply, nil
	case "drop":
		return BlockDrop, nil
	default:
		return BlockReply, fmt.Errorf("core: unknown block action %q", s)
	}
}

// Settings is the runtime snapshot consulted on every failure and buffering
// decision. It is replaced atomically by SetSettings.
type Settings struct {
	OnError     BlockAction
	OnErrorLog  bool
	OnAttack    BlockAction
	OnAttackLog bool
	// BufferThreshold switches a message to streaming once this many bytes
	// have been consumed; zero buffers whole messages.
	BufferThreshold int64
	// MaxPipeline bounds the requests awaiting responses on one client
	// connection; zero is unlimited.
	MaxPipeline int
}

// Proxy wires the collaborators shared by every connection.
type Proxy struct {
	parser   Parser
	sched    Scheduler
	cache    Cache
	policy   Policy
	locator  Locator
	rewriter Rewriter
	pages    ErrorRenderer
	health   HealthMonitor
	abuse    AbuseReporter
	clock    clock.Clock
	base     pslog.Logger
	logger   pslog.Logger
	tracer   trace.Tracer
	metrics  *proxyMetrics

	settings atomic.Pointer[Settings]
}

// Option customises a Proxy.
type Option func(*Proxy)

func WithScheduler(s Scheduler) Option         { return func(p *Proxy) { p.sched = s } }
func WithCache(c Cache) Option                 { return func(p *Proxy) { p.cache = c } }
func WithPolicy(pol Policy) Option             { return func(p *Proxy) { p.policy = pol } }
func WithLocator(l Locator) Option             { return func(p *Proxy) { p.locator = l } }
func WithRewriter(r Rewriter) Option           { return func(p *Proxy) { p.rewriter = r } }
func WithErrorRenderer(r ErrorRenderer) Option { return func(p *Proxy) { p.pages = r } }
func WithHealthMonitor(h HealthMonitor) Option { return func(p *Proxy) { p.health = h } }
func WithAbuseReporter(r AbuseReporter) Option { return func(p *Proxy) { p.abuse = r } }
func WithClock(c clock.Clock) Option           { return func(p *Proxy) { p.clock = c } }
func WithLogger(l pslog.Logger) Option         { return func(p *Proxy) { p.logger = l } }

// New constructs a Proxy. The parser and a scheduler are required.
func New(parser Parser, settings Settings, opts ...Option) (*Proxy, error) {
	if parser == nil {
		return nil, errors.New("core: parser is required")
	}
	p := &Proxy{parser: parser}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.sched == nil {
		return nil, errors.New("core: scheduler is required")
	}
	if p.cache == nil {
		p.cache = passCache{}
	}
	if p.policy == nil {
		p.policy = acceptAll{}
	}
	if p.locator == nil {
		p.locator = defaultLocator{}
	}
	if p.rewriter == nil {
		p.rewriter = nopRewriter{}
	}
	if p.pages == nil {
		p.pages = plainErrors{}
	}
	if p.health == nil {
		p.health = nopHealth{}
	}
	if p.clock == nil {
		p.clock = clock.Real{}
	}
	p.base = svcfields.EnsureLogger(p.logger)
	p.logger = svcfields.WithSubsystem(p.base, "core")
	p.tracer = otel.Tracer("pkt.systems/relayd/core")
	p.metrics = newProxyMetrics(p.logger)
	p.SetSettings(settings)
	return p, nil
}

// Settings returns the current settings snapshot.
func (p *Proxy) Settings() Settings {
	return *p.settings.Load()
}

// SetSettings publishes a new settings snapshot.
func (p *Proxy) SetSettings(s Settings) {
	p.settings.Store(&s)
}

// Logger returns the proxy's base logger.
func (p *Proxy) Logger() pslog.Logger { return p.logger }

// NewClientConn registers an accepted client connection.
func (p *Proxy) NewClientConn(remote string, t Transport) *ClientConn {
	cc := &ClientConn{
		id:     ids.NewConnID(),
		remote: remote,
		p:      p,
		t:      t,
	}
	cc.logger = svcfields.WithConn(svcfields.WithSubsystem(p.base, "core.seqq"), "client", cc.id).With("remote", remote)
	return cc
}

// NewServerConn adds a backend connection slot to srv. It starts detached;
// call Attach once a transport is established.
func (p *Proxy) NewServerConn(srv *Server) *ServerConn {
	sc := &ServerConn{
		id:  ids.NewConnID(),
		srv: srv,
		p:   p,
	}
	sc.logger = svcfields.WithConn(svcfields.WithSubsystem(p.base, "core.fwdq"), "backend", sc.id).With("server", srv.addr)
	srv.addConn(sc)
	return sc
}

// SendHealthCheck parses raw as a request and pins it to a connection of srv.
// The backend's response is observed by the HealthMonitor and discarded.
func (p *Proxy) SendHealthCheck(srv *Server, raw []byte) error {
	req := p.newRequest(nil)
	req.set(reqHealthCheck)
	n, res := p.parser.ParseRequest(req, raw)
	if res != ParseDone || n != len(raw) {
		p.finish(req)
		return ErrMalformedProbe
	}
	req.received = p.clock.Now()
	req.finishBody()
	sc := p.sched.PickConnectionInGroup(req, srv)
	if sc == nil {
		p.logger.Warn("relayd.health.no_connection", "server", srv.addr, "request_id", req.id)
		p.finish(req)
		return ErrNoConnection
	}
	sc.Forward(req)
	return nil
}

func (p *Proxy) newRequest(cc *ClientConn) *Request {
	req := &Request{id: ids.NewRequestID(), conn: cc}
	req.ContentLength = -1
	req.keepBody = true
	_, req.span = p.tracer.Start(context.Background(), "relayd.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("relayd.request_id", req.id)))
	return req
}

func (p *Proxy) newResponse(sc *ServerConn, req *Request) *Response {
	resp := &Response{req: req, conn: sc}
	resp.ContentLength = -1
	return resp
}

// synthesize builds a complete local response for req.
func (p *Proxy) synthesize(req *Request, status int, wire []byte) *Response {
	resp := &Response{Status: status, req: req, received: p.clock.Now()}
	resp.Version = Version11
	resp.Stage = StageDone
	resp.head = wire
	resp.bodyDone = true
	resp.set(respSynthetic)
	if req.ConnClose() || req.has(reqSuspected) {
		resp.set(respConnClose)
	}
	return resp
}

// sendError answers req with the configured error page for status.
func (p *Proxy) sendError(req *Request, status int, reason string) {
	req.status, req.reason = status, reason
	closeConn := req.ConnClose() || req.has(reqSuspected)
	p.respFwd(p.synthesize(req, status, p.pages.Render(status, closeConn)))
}

// zap answers every request of an error batch. It runs with no locks held.
func (p *Proxy) zap(eq errBatch) {
	for _, req := range eq {
		switch {
		case req.HealthCheck():
			p.logger.Warn("relayd.health.request_dropped", "request_id", req.id, "status", req.status, "reason", req.reason)
			p.finish(req)
		case req.Dropped() || req.conn == nil:
			p.finish(req)
		default:
			if s := p.Settings(); s.OnErrorLog {
				req.conn.logger.Warn("relayd.request.failed", "request_id", req.id, "status", req.status, "reason", req.reason)
			}
			p.sendError(req, req.status, req.reason)
		}
	}
}

// finish ends the request's span. Later calls are no-ops.
func (p *Proxy) finish(req *Request) {
	if req == nil || !req.finished.CompareAndSwap(false, true) {
		return
	}
	if req.span == nil {
		return
	}
	if req.status >= http.StatusBadRequest {
		req.span.SetStatus(codes.Error, req.reason)
		req.span.SetAttributes(attribute.Int("http.response.status_code", req.status))
	}
	req.span.End()
}
