package core

import (
	"net/http"
)

// Process feeds bytes read from the backend into the response state
// machine. Each response is paired with the oldest sent request that has no
// response yet. A non-nil error means the backend connection must be closed.
func (sc *ServerConn) Process(data []byte) error {
	for len(data) > 0 {
		resp := sc.msg
		if resp == nil {
			req := sc.pair()
			if req == nil {
				return sc.pairingFailed(len(data))
			}
			resp = sc.p.newResponse(sc, req)
			sc.msg = resp
		}
		n, res := sc.p.parser.ParseResponse(resp, data)
		if n < 0 || n > len(data) {
			n = len(data)
		}
		data = data[n:]
		if res == ParseMalformed {
			return sc.badResponse(resp)
		}
		sc.advance(resp, res == ParseDone)
		if res == ParseMore {
			return nil
		}
	}
	return nil
}

func (sc *ServerConn) pairingFailed(n int) error {
	sc.logger.Error("relayd.backend.unpaired_response",
		"bytes", n,
		"reason", "paired request missing, HTTP response splitting attack?",
	)
	sc.p.metrics.recordFailure(KindPairing)
	return Failure{Kind: KindPairing, Detail: "paired request missing"}
}

func (sc *ServerConn) advance(resp *Response, complete bool) {
	p := sc.p
	for {
		switch resp.state {
		case StateNew:
			resp.received = p.clock.Now()
			resp.state = StateBuffering
		case StateBuffering:
			if !resp.HeadersDone() {
				return
			}
			if !complete && !resp.Streamed() {
				if !p.overThreshold(&resp.Message) {
					return
				}
				resp.set(respStreamed)
			}
			resp.state = StateHeaderPolicy
		case StateHeaderPolicy:
			p.responsePolicy(sc, resp)
			if resp.Streamed() {
				resp.state = StateForward
			} else {
				resp.state = StateDone
			}
		case StateForward:
			p.forwardResponse(sc, resp)
			if !resp.Streamed() {
				return
			}
			resp.state = StateStream
		case StateStream:
			if complete {
				resp.finishBody()
			}
			p.streamResponse(resp)
			if !complete {
				return
			}
			resp.state = StateDone
		case StateDone:
			if complete {
				resp.finishBody()
			}
			sc.msg = nil
			if resp.Streamed() {
				return
			}
			resp.state = StateForward
		default:
			return
		}
	}
}

// responsePolicy runs once response headers are parsed.
func (p *Proxy) responsePolicy(sc *ServerConn, resp *Response) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Header.Get("Date") == "" {
		resp.Header.Set("Date", p.clock.Now().Format(http.TimeFormat))
	}
	p.health.Observe(sc.srv, resp)
	req := resp.req
	if resp.LengthUnknown && !resp.NoBody {
		if req.Version >= Version11 && !req.ConnClose() {
			resp.set(respChunked)
			resp.encodeChunked()
		} else {
			resp.set(respConnClose)
		}
	}
}

// forwardResponse pops the paired request and hands the response to the
// client side.
func (p *Proxy) forwardResponse(sc *ServerConn, resp *Response) {
	req := resp.req
	eq := sc.popReq(req)
	defer p.zap(eq)
	if req.HealthCheck() {
		sc.logger.Debug("relayd.health.response", "request_id", req.id, "status", resp.Status)
		p.finish(req)
		return
	}
	if req.orphaned() {
		p.finish(req)
		return
	}
	if err := p.rewriter.AdjustResponse(resp); err != nil {
		sc.logger.Warn("relayd.response.adjust_failed", "request_id", req.id, "error", err)
		p.metrics.recordFailure(KindProcessing)
		p.sendError(req, http.StatusInternalServerError, reasonRespProcessing)
		return
	}
	p.respFwd(resp)
}

// badResponse handles a malformed backend response. The paired request is
// answered with 502 unless part of the response already went out.
func (sc *ServerConn) badResponse(resp *Response) error {
	req := resp.req
	sc.msg = nil
	f := Failure{Kind: KindParse, HTTPStatus: http.StatusBadGateway, Detail: reasonBadResponse}
	sc.p.metrics.recordFailure(KindParse)
	sc.logger.Warn("relayd.backend.malformed_response", "request_id", req.id, "state", resp.state.String())
	if resp.state >= StateForward {
		if cc := req.conn; cc != nil && resp.has(respQueued) {
			cc.closeNow()
		}
		return f
	}
	var eq errBatch
	sc.mu.Lock()
	if req.owner.Load() == sc {
		sc.delist(req)
		eq.add(req, http.StatusBadGateway, reasonBadResponse)
	}
	sc.mu.Unlock()
	sc.p.zap(eq)
	return f
}

// abandon settles the response being parsed when the transport goes away.
// A close-delimited body ends here; any other partial response is thrown
// away and its request left for repair.
func (sc *ServerConn) abandon(resp *Response) {
	if resp.LengthUnknown && resp.HeadersDone() {
		resp.Stage = StageDone
		sc.advance(resp, true)
		return
	}
	req := resp.req
	if resp.state >= StateForward {
		if cc := req.conn; cc != nil && resp.has(respQueued) {
			cc.closeNow()
		}
		return
	}
	sc.mu.Lock()
	if req.owner.Load() == sc {
		req.paired = false
	}
	sc.mu.Unlock()
}
