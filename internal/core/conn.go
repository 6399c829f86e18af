package core

import (
	"container/list"
	"sync"
	"sync/atomic"

	"pkt.systems/pslog"
)

// ClientConn is one accepted client connection. Process must be called from
// a single reader goroutine; responses may be released from any goroutine.
type ClientConn struct {
	id     string
	remote string
	p      *Proxy
	t      Transport
	logger pslog.Logger

	// seqMu guards the sequencing queue and each queued request's resp.
	seqMu sync.Mutex
	seq   list.List
	// retMu serialises transmission so responses leave in request order.
	retMu sync.Mutex

	pending atomic.Int64

	msg     *Request
	stop    atomic.Bool
	closing atomic.Bool
	closed  atomic.Bool
}

func (cc *ClientConn) ID() string     { return cc.id }
func (cc *ClientConn) Remote() string { return cc.remote }

// Stopped reports whether further input on the connection is ignored.
func (cc *ClientConn) Stopped() bool { return cc.stop.Load() }

// Pending returns the number of requests awaiting their responses.
func (cc *ClientConn) Pending() int {
	return int(cc.pending.Load())
}

func (cc *ClientConn) closeNow() {
	cc.stop.Store(true)
	if cc.closed.CompareAndSwap(false, true) {
		if err := cc.t.Close(); err != nil {
			cc.logger.Debug("relayd.client.close_error", "error", err)
		}
	}
}

// ConnSnapshot is a point-in-time view of a backend connection.
type ConnSnapshot struct {
	ID         string `json:"id"`
	Server     string `json:"server"`
	Depth      int64  `json:"depth"`
	Connected  bool   `json:"connected"`
	Restricted bool   `json:"restricted"`
	Removed    bool   `json:"removed"`
}

// ServerConn is one backend connection slot and its forwarding queue. It
// outlives individual transports: Detach and Attach move it across
// reconnects while queued requests are repaired in place.
type ServerConn struct {
	id     string
	srv    *Server
	p      *Proxy
	logger pslog.Logger

	mu               sync.Mutex
	t                Transport
	fwdq             list.List
	nipq             list.List
	lastSent         *list.Element
	needQueueForward bool
	resendCredit     bool

	depth      atomic.Int64
	nips       atomic.Int64
	restricted atomic.Bool
	connected  atomic.Bool
	removed    atomic.Bool
	destroyed  atomic.Bool

	// reader goroutine only
	msg *Response
}

func (sc *ServerConn) ID() string       { return sc.id }
func (sc *ServerConn) Server() *Server  { return sc.srv }
func (sc *ServerConn) Depth() int64     { return sc.depth.Load() }
func (sc *ServerConn) Restricted() bool { return sc.restricted.Load() }
func (sc *ServerConn) Connected() bool  { return sc.connected.Load() }
func (sc *ServerConn) Destroyed() bool  { return sc.destroyed.Load() }

// HasNIP reports whether a non-idempotent request is queued on the
// connection and has not been answered yet.
func (sc *ServerConn) HasNIP() bool { return sc.nips.Load() > 0 }

// Usable reports whether the connection can carry requests at all.
func (sc *ServerConn) Usable() bool {
	return sc.connected.Load() && !sc.restricted.Load() && !sc.removed.Load() && !sc.destroyed.Load()
}

// Schedulable reports whether regular traffic may be scheduled here.
func (sc *ServerConn) Schedulable() bool {
	if !sc.Usable() || sc.srv.Suspended() {
		return false
	}
	if limit := sc.srv.policy().QueueSize; limit > 0 && sc.depth.Load() >= int64(limit) {
		return false
	}
	return true
}

// Snapshot reports the connection's counters.
func (sc *ServerConn) Snapshot() ConnSnapshot {
	return ConnSnapshot{
		ID:         sc.id,
		Server:     sc.srv.addr,
		Depth:      sc.depth.Load(),
		Connected:  sc.connected.Load(),
		Restricted: sc.restricted.Load(),
		Removed:    sc.removed.Load(),
	}
}

// Attach binds a freshly established transport and replays the queue.
func (sc *ServerConn) Attach(t Transport) {
	sc.mu.Lock()
	if sc.destroyed.Load() {
		sc.mu.Unlock()
		_ = t.Close()
		return
	}
	sc.t = t
	sc.removed.Store(false)
	sc.connected.Store(true)
	if sc.fwdq.Len() > 0 {
		sc.setRestricted()
	}
	sc.mu.Unlock()
	sc.logger.Info("relayd.backend.attached", "depth", sc.depth.Load())
	sc.Repair()
}

// Detach records the loss of the transport. Queued requests stay in place
// until Repair or Remove.
func (sc *ServerConn) Detach() {
	sc.mu.Lock()
	sc.t = nil
	wasConnected := sc.connected.Swap(false)
	if sc.fwdq.Len() > 0 {
		sc.setRestricted()
	}
	sc.mu.Unlock()
	if resp := sc.msg; resp != nil {
		sc.msg = nil
		sc.abandon(resp)
	}
	if wasConnected {
		sc.logger.Info("relayd.backend.detached", "depth", sc.depth.Load())
	}
}

// Remove marks the connection as permanently gone. Once it is detached its
// queue is rescheduled to other connections.
func (sc *ServerConn) Remove() {
	sc.removed.Store(true)
	if !sc.connected.Load() {
		sc.Repair()
	}
}

// Destroy tears the connection down for good. Queued requests are released
// and their clients closed.
func (sc *ServerConn) Destroy() {
	sc.mu.Lock()
	if sc.destroyed.Swap(true) {
		sc.mu.Unlock()
		return
	}
	reqs, _ := sc.detachAll()
	t := sc.t
	sc.t = nil
	sc.connected.Store(false)
	sc.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	for _, req := range reqs {
		if cc := req.conn; cc != nil {
			cc.unlink(req)
			cc.closeNow()
		}
		sc.p.finish(req)
	}
	sc.logger.Info("relayd.backend.destroyed", "released", len(reqs))
}

func (sc *ServerConn) setRestricted() {
	if sc.restricted.Swap(true) {
		return
	}
	sc.resendCredit = true
	sc.p.metrics.addRestricted(1)
}

func (sc *ServerConn) clearRestricted() {
	sc.needQueueForward = false
	if !sc.restricted.Swap(false) {
		return
	}
	if sc.resendCredit {
		sc.resendCredit = false
		sc.p.metrics.addRestricted(-1)
	}
	sc.logger.Debug("relayd.backend.reenabled")
}

// reenableIfDone lifts the restriction once the replayed queue has drained.
func (sc *ServerConn) reenableIfDone() {
	if sc.fwdq.Len() == 0 {
		sc.clearRestricted()
	}
}
