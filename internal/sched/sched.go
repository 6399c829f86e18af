// Package sched picks backend connections for requests.
package sched

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"pkt.systems/relayd/internal/core"
)

// Mode selects how a connection is chosen among the schedulable ones.
type Mode uint8

const (
	// RoundRobin rotates over every connection of the group.
	RoundRobin Mode = iota
	// Hash keeps requests for the same host and URI on the same connection
	// while it stays schedulable.
	Hash
)

func (m Mode) String() string {
	if m == Hash {
		return "hash"
	}
	return "round-robin"
}

// ParseMode parses "round-robin" (or "rr") and "hash".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round-robin", "rr":
		return RoundRobin, nil
	case "hash":
		return Hash, nil
	default:
		return RoundRobin, fmt.Errorf("sched: unknown mode %q", s)
	}
}

// Scheduler implements core.Scheduler over named server groups.
type Scheduler struct {
	mode Mode
	next atomic.Uint64

	mu       sync.RWMutex
	groups   map[string]*core.ServerGroup
	fallback string
}

// New returns a scheduler. Requests whose location names no group go to the
// first group added.
func New(mode Mode) *Scheduler {
	return &Scheduler{mode: mode, groups: make(map[string]*core.ServerGroup)}
}

// AddGroup makes g available to PickConnection.
func (s *Scheduler) AddGroup(g *core.ServerGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback == "" {
		s.fallback = g.Name()
	}
	s.groups[g.Name()] = g
}

// Group returns the group called name.
func (s *Scheduler) Group(name string) (*core.ServerGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	return g, ok
}

func (s *Scheduler) groupFor(req *core.Request) *core.ServerGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if loc := req.Location(); loc != nil && loc.Group != "" {
		return s.groups[loc.Group]
	}
	return s.groups[s.fallback]
}

// PickConnection implements core.Scheduler. Connections with a pending
// non-idempotent request are used only when nothing else is schedulable.
func (s *Scheduler) PickConnection(req *core.Request) *core.ServerConn {
	g := s.groupFor(req)
	if g == nil {
		return nil
	}
	var conns []*core.ServerConn
	for _, srv := range g.Servers() {
		conns = append(conns, srv.Conns()...)
	}
	if len(conns) == 0 {
		return nil
	}
	var start uint64
	if s.mode == Hash {
		start = xxhash.Sum64String(req.Host + req.URI)
	} else {
		start = s.next.Add(1) - 1
	}
	n := uint64(len(conns))
	var held *core.ServerConn
	for i := uint64(0); i < n; i++ {
		sc := conns[(start+i)%n]
		if !sc.Schedulable() {
			continue
		}
		if !sc.HasNIP() {
			return sc
		}
		if held == nil {
			held = sc
		}
	}
	// Only connections waiting on a non-idempotent request are left.
	return held
}

// PickConnectionInGroup implements core.Scheduler. Suspension and queue
// limits are ignored so health checks still reach the server.
func (s *Scheduler) PickConnectionInGroup(_ *core.Request, srv *core.Server) *core.ServerConn {
	var best *core.ServerConn
	for _, sc := range srv.Conns() {
		if !sc.Usable() {
			continue
		}
		if best == nil || sc.Depth() < best.Depth() {
			best = sc
		}
	}
	return best
}
