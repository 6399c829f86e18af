package core

import (
	"container/list"
	"net/http"

	"pkt.systems/relayd/internal/clock"
)

// errBatch collects requests to be answered with an error once the queue
// lock is released.
type errBatch []*Request

func (b *errBatch) add(req *Request, status int, reason string) {
	req.status, req.reason = status, reason
	*b = append(*b, req)
}

// Forward appends req to the forwarding queue and transmits whatever the
// queue allows.
func (sc *ServerConn) Forward(req *Request) {
	var eq errBatch
	sc.forward(req, &eq)
	sc.p.zap(eq)
}

func (sc *ServerConn) forward(req *Request, eq *errBatch) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.destroyed.Load() {
		eq.add(req, http.StatusBadGateway, reasonBackendGone)
		return
	}
	sc.push(req)
	if sc.canDrain() {
		sc.fwdUnsent(eq)
	}
}

func (sc *ServerConn) push(req *Request) {
	req.owner.Store(sc)
	req.paired = false
	req.fwdElem = sc.fwdq.PushBack(req)
	if req.NonIdempotent() {
		req.nipElem = sc.nipq.PushBack(req)
		sc.nips.Add(1)
	}
	sc.depth.Add(1)
	sc.p.metrics.addDepth(1)
}

// delist unlinks req from both queues. lastSent steps back when it pointed
// at req.
func (sc *ServerConn) delist(req *Request) {
	if req.fwdElem == nil {
		return
	}
	if sc.lastSent == req.fwdElem {
		sc.lastSent = req.fwdElem.Prev()
	}
	sc.fwdq.Remove(req.fwdElem)
	req.fwdElem = nil
	sc.nipDelist(req)
	req.owner.Store(nil)
	sc.depth.Add(-1)
	sc.p.metrics.addDepth(-1)
}

func (sc *ServerConn) nipDelist(req *Request) {
	if req.nipElem != nil {
		sc.nipq.Remove(req.nipElem)
		req.nipElem = nil
		sc.nips.Add(-1)
	}
}

// reclassified drops req from the non-idempotent index after its client
// pipelined another request behind it, and sends whatever the cleared hold
// let through.
func (sc *ServerConn) reclassified(req *Request) {
	var eq errBatch
	sc.mu.Lock()
	if req.owner.Load() == sc {
		sc.nipDelist(req)
		if sc.canDrain() {
			sc.fwdUnsent(&eq)
		}
	}
	sc.mu.Unlock()
	sc.p.zap(eq)
}

// nipAdjust drops requests that were reclassified idempotent from the
// non-idempotent index.
func (sc *ServerConn) nipAdjust() {
	for e := sc.nipq.Front(); e != nil; {
		next := e.Next()
		if req := e.Value.(*Request); !req.NonIdempotent() {
			sc.nipDelist(req)
		}
		e = next
	}
}

// onHold reports whether nothing may be sent past lastSent: the last sent
// request is non-idempotent, or its body is still being streamed.
func (sc *ServerConn) onHold() bool {
	if sc.lastSent == nil {
		return false
	}
	req := sc.lastSent.Value.(*Request)
	return req.NonIdempotent() || (req.Streamed() && !req.bodyFinished())
}

func (sc *ServerConn) unsent() *list.Element {
	if sc.lastSent == nil {
		return sc.fwdq.Front()
	}
	return sc.lastSent.Next()
}

// canDrain reports whether fwdUnsent may run. A restricted connection only
// drains new requests after its replay has caught up.
func (sc *ServerConn) canDrain() bool {
	if !sc.connected.Load() || sc.onHold() || sc.unsent() == nil {
		return false
	}
	return !sc.restricted.Load() || sc.needQueueForward
}

func (sc *ServerConn) send(req *Request) error {
	if sc.t == nil {
		return ErrNotConnected
	}
	frags, _ := req.takeWire()
	if len(frags) == 0 {
		return nil
	}
	return sc.t.Send(frags)
}

func (sc *ServerConn) sendFailed(req *Request, eq *errBatch, err error) {
	sc.delist(req)
	sc.logger.Debug("relayd.backend.send_failed", "request_id", req.id, "error", err)
	sc.p.metrics.recordFailure(KindTransmit)
	eq.add(req, http.StatusInternalServerError, reasonForwardFailed)
}

// fwdUnsent transmits queued requests after lastSent until the queue ends
// or the connection goes on hold.
func (sc *ServerConn) fwdUnsent(eq *errBatch) {
	for e := sc.unsent(); e != nil; {
		next := e.Next()
		req := e.Value.(*Request)
		if sc.evictStale(req, eq) {
			e = next
			continue
		}
		if err := sc.send(req); err != nil {
			sc.sendFailed(req, eq, err)
			e = next
			continue
		}
		sc.lastSent = e
		sc.p.metrics.recordForwarded()
		if sc.onHold() {
			break
		}
		sc.nipDelist(req)
		e = next
	}
}

// streamRequest relays newly arrived body bytes of a streamed request that
// is the last one sent, and resumes draining once its body is complete.
func (p *Proxy) streamRequest(req *Request) {
	sc := req.owner.Load()
	if sc == nil {
		return
	}
	var eq errBatch
	sc.mu.Lock()
	if req.owner.Load() == sc && sc.lastSent != nil && sc.lastSent == req.fwdElem && sc.connected.Load() {
		if err := sc.send(req); err != nil {
			sc.sendFailed(req, &eq, err)
		} else if sc.canDrain() {
			sc.fwdUnsent(&eq)
		}
	}
	sc.mu.Unlock()
	p.zap(eq)
}

// abortPartial closes the backend transport when req was cut short while its
// body was being relayed; the backend stream cannot be resynchronised.
func (sc *ServerConn) abortPartial(req *Request) {
	if req.bodyFinished() {
		return
	}
	sc.mu.Lock()
	t := sc.t
	partial := req.owner.Load() == sc && sc.lastSent != nil && sc.lastSent == req.fwdElem
	sc.mu.Unlock()
	if partial && t != nil {
		sc.logger.Warn("relayd.backend.aborted", "request_id", req.id, "reason", "streamed request cut short")
		_ = t.Close()
	}
}

func (sc *ServerConn) timedOut(req *Request) bool {
	maxAge := sc.srv.policy().MaxAge
	return maxAge > 0 && clock.Age(sc.p.clock, req.received) > maxAge
}

// evictOrphan silently drops a request whose client is gone or which has
// already been answered.
func (sc *ServerConn) evictOrphan(req *Request) bool {
	if !req.orphaned() {
		return false
	}
	sc.delist(req)
	if req.Dropped() {
		sc.p.metrics.recordEvicted("dropped")
	}
	sc.p.finish(req)
	return true
}

func (sc *ServerConn) evictTimeout(req *Request, eq *errBatch) bool {
	if !sc.timedOut(req) {
		return false
	}
	sc.delist(req)
	sc.p.metrics.recordEvicted("timeout")
	sc.p.metrics.recordFailure(KindEviction)
	eq.add(req, http.StatusGatewayTimeout, reasonTimedOut)
	return true
}

// evictRetries consumes one retry or evicts the request once its budget is
// spent. Streamed requests get a single retry.
func (sc *ServerConn) evictRetries(req *Request, eq *errBatch) bool {
	limit := sc.srv.policy().MaxRetries
	if req.Streamed() {
		limit = 1
	}
	if req.retries < limit {
		req.retries++
		return false
	}
	sc.delist(req)
	sc.p.metrics.recordEvicted("retries")
	sc.p.metrics.recordFailure(KindEviction)
	eq.add(req, http.StatusGatewayTimeout, reasonRetries)
	return true
}

func (sc *ServerConn) evictStale(req *Request, eq *errBatch) bool {
	return sc.evictOrphan(req) || sc.evictTimeout(req, eq)
}

func (sc *ServerConn) evict(req *Request, eq *errBatch) bool {
	return sc.evictStale(req, eq) || sc.evictRetries(req, eq)
}

// pair binds the first unanswered sent request to an incoming response.
func (sc *ServerConn) pair() *Request {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.lastSent == nil {
		return nil
	}
	for e := sc.fwdq.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if !req.paired {
			req.paired = true
			return req
		}
		if e == sc.lastSent {
			break
		}
	}
	return nil
}

// popReq removes an answered request and moves the queue along.
func (sc *ServerConn) popReq(req *Request) errBatch {
	var eq errBatch
	sc.mu.Lock()
	sc.delist(req)
	sc.nipAdjust()
	if sc.connected.Load() {
		if sc.restricted.Load() {
			sc.fwdRepair(&eq)
		} else if sc.canDrain() {
			sc.fwdUnsent(&eq)
		}
	}
	sc.mu.Unlock()
	return eq
}

// Maintain sweeps the queue for requests that can no longer be served. On a
// live connection, a sent request past its age keeps its slot so the
// backend's late response still pairs, but the client is answered now.
func (sc *ServerConn) Maintain() {
	if !sc.connected.Load() {
		sc.Repair()
		return
	}
	var eq errBatch
	sc.mu.Lock()
	if sc.connected.Load() && !sc.destroyed.Load() {
		sc.sweep(&eq)
		if sc.restricted.Load() {
			sc.reenableIfDone()
		}
	}
	sc.mu.Unlock()
	sc.p.zap(eq)
}

func (sc *ServerConn) sweep(eq *errBatch) {
	sent := sc.lastSent != nil
	for e := sc.fwdq.Front(); e != nil; {
		next := e.Next()
		req := e.Value.(*Request)
		if sent {
			if e == sc.lastSent {
				sent = false
			}
			if !req.paired && !req.orphaned() && !req.has(reqExpired) && sc.timedOut(req) {
				req.set(reqExpired)
				sc.p.metrics.recordEvicted("timeout")
				sc.p.metrics.recordFailure(KindEviction)
				eq.add(req, http.StatusGatewayTimeout, reasonTimedOut)
			}
		} else {
			sc.evictStale(req, eq)
		}
		e = next
	}
}
