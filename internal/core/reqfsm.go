package core

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
)

// Process feeds bytes read from the client into the request state machine.
// Pipelined requests in one buffer are handled in order. A non-nil error
// means the connection must be closed immediately.
func (cc *ClientConn) Process(data []byte) error {
	for len(data) > 0 {
		if cc.stop.Load() {
			return nil
		}
		req := cc.msg
		if req == nil {
			req = cc.p.newRequest(cc)
			cc.msg = req
		}
		n, res := cc.p.parser.ParseRequest(req, data)
		if n < 0 || n > len(data) {
			n = len(data)
		}
		data = data[n:]
		if res == ParseMalformed {
			return cc.fail(req, Failure{Kind: KindParse, HTTPStatus: http.StatusBadRequest, Detail: reasonBadRequest})
		}
		if err := cc.advance(req, res == ParseDone, len(data) > 0); err != nil {
			return err
		}
		if res == ParseMore {
			return nil
		}
	}
	return nil
}

func (cc *ClientConn) advance(req *Request, complete, more bool) error {
	p := cc.p
	for {
		switch req.state {
		case StateNew:
			req.received = p.clock.Now()
			req.state = StateBuffering
		case StateBuffering:
			if !req.HeadersDone() {
				return nil
			}
			if !complete && !req.Streamed() {
				if !p.overThreshold(&req.Message) {
					return nil
				}
				req.set(reqStreamed)
				req.releaseBody()
			}
			req.state = StateHeaderPolicy
		case StateHeaderPolicy:
			if f := p.requestPolicy(req); f != nil {
				return cc.fail(req, *f)
			}
			if req.Streamed() {
				req.state = StateForward
			} else {
				req.state = StateDone
			}
		case StateForward:
			if f := p.forwardRequest(cc, req); f != nil {
				return cc.fail(req, *f)
			}
			if !req.Streamed() {
				return nil
			}
			req.state = StateStream
		case StateStream:
			if complete {
				req.finishBody()
			}
			p.streamRequest(req)
			if !complete {
				return nil
			}
			req.state = StateDone
		case StateDone:
			if complete {
				req.finishBody()
			}
			if f := cc.finishRequest(req, more); f != nil {
				return cc.fail(req, *f)
			}
			if req.Streamed() {
				return nil
			}
			req.state = StateForward
		default:
			return nil
		}
	}
}

// requestPolicy runs once headers are parsed: connection persistence,
// location and the session/filter policy.
func (p *Proxy) requestPolicy(req *Request) *Failure {
	switch {
	case req.Conn == ConnClose:
		req.set(reqConnClose)
	case req.Version == Version09:
		req.set(reqConnClose)
	case req.Version == Version10 && req.Conn != ConnKeepAlive:
		req.set(reqConnClose)
	}
	req.span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.URI),
		attribute.String("server.address", req.Host),
	)
	loc, err := p.locator.Locate(req)
	if err != nil || loc == nil {
		return &Failure{Kind: KindProcessing, HTTPStatus: http.StatusInternalServerError, Detail: reasonNoLocation, Err: err}
	}
	req.loc = loc
	v := p.policy.Evaluate(req)
	switch v.Kind {
	case VerdictRedirect:
		status := v.Status
		if status == 0 {
			status = http.StatusFound
		}
		req.redirect = p.synthesize(req, status, v.Response)
	case VerdictReject:
		status := v.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		return &Failure{Kind: KindPolicy, HTTPStatus: status, Detail: reasonOr(v.Reason, reasonBlocked)}
	case VerdictUnsupported:
		return &Failure{Kind: KindPolicy, HTTPStatus: http.StatusServiceUnavailable, Detail: reasonOr(v.Reason, reasonUnsupported)}
	}
	return nil
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// forwardRequest registers req and hands it to the cache, or answers it
// with the redirect chosen by the policy.
func (p *Proxy) forwardRequest(cc *ClientConn, req *Request) *Failure {
	cc.register(req)
	if resp := req.redirect; resp != nil {
		req.redirect = nil
		p.respFwd(resp)
		return nil
	}
	if err := p.cache.LookupOrRegister(req, p.cacheDone); err != nil {
		return &Failure{Kind: KindProcessing, HTTPStatus: http.StatusInternalServerError, Detail: reasonProcessing, Err: err}
	}
	return nil
}

// cacheDone continues a request after the cache lookup, possibly on a
// cache worker goroutine.
func (p *Proxy) cacheDone(req *Request, cached *Response) {
	if cached != nil {
		cached.req = req
		cached.received = p.clock.Now()
		p.respFwd(cached)
		return
	}
	if err := p.rewriter.AdjustRequest(req); err != nil {
		p.metrics.recordFailure(KindProcessing)
		p.sendError(req, http.StatusInternalServerError, reasonProcessing)
		return
	}
	sc := p.sched.PickConnection(req)
	if sc == nil {
		p.metrics.recordFailure(KindProcessing)
		p.sendError(req, http.StatusBadGateway, reasonNoBackend)
		return
	}
	sc.Forward(req)
}

// finishRequest unlinks a fully received request from the reader and
// checks whether the connection may carry more.
func (cc *ClientConn) finishRequest(req *Request, more bool) *Failure {
	cc.msg = nil
	if req.ConnClose() {
		cc.stop.Store(true)
		return nil
	}
	if limit := cc.p.Settings().MaxPipeline; more && limit > 0 && cc.Pending() >= limit {
		return &Failure{Kind: KindResource, HTTPStatus: http.StatusInternalServerError, Detail: reasonPipeline}
	}
	return nil
}

// fail moves req to the error state and applies the configured block
// action. It returns a non-nil error when the connection must be closed
// without an answer.
func (cc *ClientConn) fail(req *Request, f Failure) error {
	p := cc.p
	req.state = StateErrorDrop
	req.redirect = nil
	if cc.msg == req {
		cc.msg = nil
	}
	cc.stop.Store(true)
	p.metrics.recordFailure(f.Kind)

	s := p.Settings()
	action, logIt := s.OnError, s.OnErrorLog
	if f.Kind.attack() {
		action, logIt = s.OnAttack, s.OnAttackLog
		if p.abuse != nil {
			p.abuse.Report(cc.remote, f.Detail)
		}
	}
	if logIt {
		cc.logger.Warn("relayd.request.rejected",
			"request_id", req.id,
			"kind", f.Kind.String(),
			"status", f.HTTPStatus,
			"reason", f.Detail,
			"action", action.String(),
			"error", f.Err,
		)
	}
	req.status, req.reason = f.HTTPStatus, f.Detail

	if action == BlockDrop {
		req.set(reqDropped)
		cc.unlink(req)
		if sc := req.owner.Load(); sc != nil {
			sc.abortPartial(req)
		} else {
			p.finish(req)
		}
		return f
	}
	req.set(reqSuspected)
	cc.enlist(req)
	p.sendError(req, f.HTTPStatus, f.Detail)
	if sc := req.owner.Load(); sc != nil {
		sc.abortPartial(req)
	}
	cc.closeWhenFlushed()
	return nil
}
