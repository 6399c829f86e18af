package core

// Lock order on a client connection: seqMu, then retMu. Nothing takes seqMu
// while holding retMu.

func (cc *ClientConn) seqPush(req *Request) {
	req.seqElem = cc.seq.PushBack(req)
	cc.pending.Add(1)
}

func (cc *ClientConn) seqRemove(req *Request) {
	if req.seqElem == nil {
		return
	}
	cc.seqDetach(req)
	cc.pending.Add(-1)
}

// seqDetach unlinks req but leaves it counted as pending until its
// response has been handed to the transport.
func (cc *ClientConn) seqDetach(req *Request) {
	cc.seq.Remove(req.seqElem)
	req.seqElem = nil
}

// register classifies req and appends it to the sequencing queue. A request
// followed by another one on the same connection is no longer treated as
// non-idempotent: the client did not wait for its response.
func (cc *ClientConn) register(req *Request) {
	cc.p.classify(req)
	var relaxed *Request
	cc.seqMu.Lock()
	if back := cc.seq.Back(); back != nil {
		if prev := back.Value.(*Request); prev.NonIdempotent() {
			prev.clear(reqNonIdempotent)
			relaxed = prev
		}
	}
	cc.seqPush(req)
	cc.seqMu.Unlock()
	if relaxed != nil {
		if sc := relaxed.owner.Load(); sc != nil {
			sc.reclassified(relaxed)
		}
	}
}

// enlist appends req without reclassification; used for requests answered
// with an error before they were registered.
func (cc *ClientConn) enlist(req *Request) {
	cc.seqMu.Lock()
	if req.seqElem == nil {
		cc.seqPush(req)
	}
	cc.seqMu.Unlock()
}

func (cc *ClientConn) registered(req *Request) bool {
	cc.seqMu.Lock()
	defer cc.seqMu.Unlock()
	return req.seqElem != nil
}

func (cc *ClientConn) unlink(req *Request) {
	cc.seqMu.Lock()
	cc.seqRemove(req)
	cc.seqMu.Unlock()
}

// respFwd marks resp ready and transmits every response at the head of the
// sequencing queue that is ready, in order. The first answer committed for
// a request wins; later ones are discarded.
func (p *Proxy) respFwd(resp *Response) {
	req := resp.req
	cc := req.conn
	if cc == nil {
		p.finish(req)
		return
	}
	if !req.commit() {
		cc.logger.Debug("relayd.response.discarded", "request_id", req.id, "reason", "already answered")
		return
	}
	cc.seqMu.Lock()
	if req.seqElem == nil {
		empty := cc.seq.Len() == 0
		cc.seqMu.Unlock()
		cc.logger.Debug("relayd.response.discarded", "request_id", req.id, "reason", "client gone")
		if empty {
			cc.closeNow()
		}
		p.finish(req)
		return
	}
	req.resp = resp
	resp.ready = true
	resp.set(respQueued)
	cc.flush()
}

// flush is called with seqMu held and returns with it released. The ready
// prefix is cut under seqMu, retMu is taken before seqMu is let go, and the
// batch is written under retMu alone so a later batch cannot overtake it.
func (cc *ClientConn) flush() {
	for {
		batch := cc.cutReady()
		cc.retMu.Lock()
		cc.seqMu.Unlock()
		held := cc.transmit(batch)
		cc.retMu.Unlock()
		if held == nil {
			return
		}
		cc.delivered(held, held.resp)
		cc.seqMu.Lock()
		cc.seqRemove(held)
	}
}

// cutReady detaches the ready prefix of the sequencing queue. A streamed
// response whose body is still arriving is claimed but stays at the head so
// nothing behind it can overtake. Called with seqMu held.
func (cc *ClientConn) cutReady() []*Request {
	var batch []*Request
	for e := cc.seq.Front(); e != nil; {
		req := e.Value.(*Request)
		resp := req.resp
		if resp == nil || !resp.ready || resp.has(respClaimed) {
			break
		}
		resp.set(respClaimed)
		batch = append(batch, req)
		if resp.Streamed() && !resp.bodyFinished() {
			resp.set(respHeld)
			break
		}
		e = e.Next()
		cc.seqDetach(req)
	}
	return batch
}

// transmit writes a detached batch with retMu held. It returns the held
// streamed request when its body was written out completely.
func (cc *ClientConn) transmit(batch []*Request) *Request {
	for i, req := range batch {
		resp := req.resp
		frags, done := resp.takeWire()
		if err := cc.t.Send(frags); err != nil {
			for _, r := range batch[i:] {
				if !r.resp.has(respHeld) {
					cc.pending.Add(-1)
				}
			}
			cc.sendFailed(err, batch[i:])
			return nil
		}
		if resp.has(respHeld) {
			if done {
				return req
			}
			return nil
		}
		cc.delivered(req, resp)
		cc.pending.Add(-1)
	}
	if cc.closing.Load() && cc.pending.Load() == 0 {
		cc.t.Shutdown()
	}
	return nil
}

func (cc *ClientConn) delivered(req *Request, resp *Response) {
	cc.p.metrics.recordDelivered()
	if req.ConnClose() || req.has(reqSuspected) || resp.ConnClose() {
		cc.stop.Store(true)
		cc.t.Shutdown()
	}
	cc.p.finish(req)
}

// sendFailed closes the connection. Requests still linked in the sequencing
// queue are released by Drop once the reader notices the close.
func (cc *ClientConn) sendFailed(err error, reqs []*Request) {
	cc.logger.Warn("relayd.client.send_failed", "request_id", reqs[0].id, "error", err)
	cc.p.metrics.recordFailure(KindTransmit)
	cc.closeNow()
	for _, req := range reqs {
		cc.p.finish(req)
	}
}

// streamResponse relays newly arrived body bytes of a held response and
// releases it once complete.
func (p *Proxy) streamResponse(resp *Response) {
	cc := resp.req.conn
	if cc == nil {
		return
	}
	cc.retMu.Lock()
	if !resp.has(respHeld) || !resp.headTransmitted() || cc.closed.Load() {
		cc.retMu.Unlock()
		return
	}
	frags, done := resp.takeWire()
	if len(frags) > 0 {
		if err := cc.t.Send(frags); err != nil {
			cc.sendFailed(err, []*Request{resp.req})
			cc.retMu.Unlock()
			return
		}
	}
	cc.retMu.Unlock()
	if done {
		cc.delivered(resp.req, resp)
		cc.seqMu.Lock()
		cc.seqRemove(resp.req)
		cc.flush()
	}
}

// closeWhenFlushed shuts the connection down once every registered request
// has been answered.
func (cc *ClientConn) closeWhenFlushed() {
	cc.closing.Store(true)
	cc.retMu.Lock()
	if cc.pending.Load() == 0 {
		cc.t.Shutdown()
	}
	cc.retMu.Unlock()
}

// Drop is called when the client goes away. Every queued request is marked
// dropped so backend queues evict it lazily.
func (cc *ClientConn) Drop() {
	cc.stop.Store(true)
	cc.closed.Store(true)
	cc.seqMu.Lock()
	reqs := make([]*Request, 0, cc.seq.Len())
	for e := cc.seq.Front(); e != nil; {
		req := e.Value.(*Request)
		e = e.Next()
		req.set(reqDropped)
		cc.seqRemove(req)
		reqs = append(reqs, req)
	}
	cc.seqMu.Unlock()
	if req := cc.msg; req != nil {
		cc.msg = nil
		req.set(reqDropped)
		if sc := req.owner.Load(); sc != nil {
			sc.abortPartial(req)
		}
		reqs = append(reqs, req)
	}
	for _, req := range reqs {
		if req.owner.Load() == nil {
			cc.p.finish(req)
		}
	}
	if len(reqs) > 0 {
		cc.logger.Debug("relayd.client.dropped", "pending", len(reqs))
	}
}
