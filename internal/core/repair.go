package core

import "net/http"

// Repair runs after the connection changes state. On a live connection the
// queue is replayed one request at a time until the backend answers, then
// in full. On a dead connection stale requests are shed, and a removed
// connection hands its queue to the scheduler.
func (sc *ServerConn) Repair() {
	var eq errBatch
	var moved []*Request
	var nsent int
	sc.mu.Lock()
	switch {
	case sc.destroyed.Load():
	case !sc.connected.Load():
		if sc.removed.Load() {
			moved, nsent = sc.detachAll()
		} else {
			sc.shrink(&eq)
		}
	default:
		// A fresh transport starts the replay over, even when the previous
		// one died halfway through it.
		sc.needQueueForward = false
		if sc.fwdq.Len() > 0 {
			sc.treatNIP(&eq)
		}
		if sc.resend(true, &eq) == 0 {
			sc.lastSent = nil
			sc.needQueueForward = true
			if sc.canDrain() {
				sc.fwdUnsent(&eq)
			}
			sc.reenableIfDone()
		}
	}
	sc.mu.Unlock()
	if len(moved) > 0 {
		sc.logger.Info("relayd.backend.rescheduling", "requests", len(moved))
		sc.p.reschedule(sc, moved, nsent, &eq)
	}
	sc.p.zap(eq)
}

// treatNIP evicts the non-idempotent request that was last sent, unless the
// group allows replaying it.
func (sc *ServerConn) treatNIP(eq *errBatch) {
	if sc.lastSent == nil || sc.srv.policy().RetryNonIdempotent {
		return
	}
	req := sc.lastSent.Value.(*Request)
	if !req.NonIdempotent() {
		return
	}
	sc.delist(req)
	sc.p.metrics.recordEvicted("non_idempotent")
	sc.p.metrics.recordFailure(KindEviction)
	eq.add(req, http.StatusGatewayTimeout, reasonNonIdempotent)
}

// resend replays requests from the head up to lastSent. With first set it
// stops after one successful send. It returns how many were sent.
func (sc *ServerConn) resend(first bool, eq *errBatch) int {
	if sc.lastSent == nil {
		return 0
	}
	end := sc.lastSent.Next()
	count := 0
	for e := sc.fwdq.Front(); e != nil && e != end; {
		next := e.Next()
		req := e.Value.(*Request)
		if sc.evictUnreplayable(req, eq) || sc.evict(req, eq) {
			e = next
			continue
		}
		req.rewind()
		req.paired = false
		if err := sc.send(req); err != nil {
			sc.sendFailed(req, eq, err)
			e = next
			continue
		}
		count++
		if first {
			break
		}
		e = next
	}
	if count > 0 {
		sc.logger.Debug("relayd.backend.resent", "requests", count, "first_only", first)
	}
	return count
}

// evictUnreplayable evicts a streamed request whose body was already relayed
// and released; it cannot be sent again.
func (sc *ServerConn) evictUnreplayable(req *Request, eq *errBatch) bool {
	if req.replayable() {
		return false
	}
	sc.delist(req)
	sc.p.metrics.recordEvicted("streamed")
	sc.p.metrics.recordFailure(KindEviction)
	eq.add(req, http.StatusGatewayTimeout, reasonStreamResend)
	return true
}

// fwdRepair advances the replay of a restricted connection after a response.
func (sc *ServerConn) fwdRepair(eq *errBatch) {
	if !sc.needQueueForward {
		sc.resend(false, eq)
		sc.needQueueForward = true
	}
	if sc.canDrain() {
		sc.fwdUnsent(eq)
	}
	sc.reenableIfDone()
}

// shrink sheds dropped, answered and expired requests from a dead
// connection regardless of their position.
func (sc *ServerConn) shrink(eq *errBatch) {
	for e := sc.fwdq.Front(); e != nil; {
		next := e.Next()
		sc.evictStale(e.Value.(*Request), eq)
		e = next
	}
	sc.reenableIfDone()
}

// detachAll empties the queue and returns its requests together with how
// many of them, from the front, had been sent.
func (sc *ServerConn) detachAll() ([]*Request, int) {
	reqs := make([]*Request, 0, sc.fwdq.Len())
	nsent := 0
	sent := sc.lastSent != nil
	for e := sc.fwdq.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		req.fwdElem, req.nipElem = nil, nil
		req.owner.Store(nil)
		req.paired = false
		reqs = append(reqs, req)
		if sent {
			nsent++
			if e == sc.lastSent {
				sent = false
			}
		}
	}
	sc.p.metrics.addDepth(-int64(len(reqs)))
	sc.fwdq.Init()
	sc.nipq.Init()
	sc.nips.Store(0)
	sc.lastSent = nil
	sc.depth.Store(0)
	sc.clearRestricted()
	return reqs, nsent
}

// reschedule moves requests of a removed connection elsewhere. The first
// nsent of them had already reached the old backend.
func (p *Proxy) reschedule(from *ServerConn, reqs []*Request, nsent int, eq *errBatch) {
	pol := from.srv.policy()
	for i, req := range reqs {
		if from.evict(req, eq) {
			continue
		}
		switch {
		case i < nsent && req.NonIdempotent() && !pol.RetryNonIdempotent:
			p.metrics.recordEvicted("non_idempotent")
			eq.add(req, http.StatusGatewayTimeout, reasonNonIdempotent)
		case req.Streamed():
			p.metrics.recordEvicted("streamed")
			eq.add(req, http.StatusGatewayTimeout, reasonStreamResched)
		default:
			p.resched(req, from.srv, eq)
		}
	}
}

func (p *Proxy) resched(req *Request, srv *Server, eq *errBatch) {
	req.rewind()
	if req.HealthCheck() {
		sc := p.sched.PickConnectionInGroup(req, srv)
		if sc == nil {
			p.logger.Warn("relayd.health.request_dropped", "request_id", req.id, "server", srv.addr, "reason", "no connection to re-schedule on")
			p.finish(req)
			return
		}
		sc.forward(req, eq)
		return
	}
	sc := p.sched.PickConnection(req)
	if sc == nil {
		p.metrics.recordFailure(KindProcessing)
		eq.add(req, http.StatusBadGateway, reasonNoBackend)
		return
	}
	sc.forward(req, eq)
}
