package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// GroupPolicy holds the forwarding limits of a server group.
type GroupPolicy struct {
	// MaxAge evicts requests older than this; zero disables the check.
	MaxAge time.Duration
	// MaxRetries bounds re-forwards of an idempotent request.
	MaxRetries int
	// RetryNonIdempotent allows re-forwarding non-idempotent requests.
	RetryNonIdempotent bool
	// QueueSize is the forwarding-queue depth at which a connection stops
	// being schedulable; zero is unlimited.
	QueueSize int
}

// ServerGroup is a named set of backend servers sharing a GroupPolicy.
type ServerGroup struct {
	name   string
	policy GroupPolicy

	mu      sync.RWMutex
	servers []*Server
}

// NewServerGroup creates an empty group.
func NewServerGroup(name string, policy GroupPolicy) *ServerGroup {
	return &ServerGroup{name: name, policy: policy}
}

func (g *ServerGroup) Name() string        { return g.name }
func (g *ServerGroup) Policy() GroupPolicy { return g.policy }

// AddServer registers a backend address with the group.
func (g *ServerGroup) AddServer(addr string) *Server {
	srv := &Server{addr: addr, group: g}
	g.mu.Lock()
	g.servers = append(g.servers, srv)
	g.mu.Unlock()
	return srv
}

// Servers returns a snapshot of the group's servers.
func (g *ServerGroup) Servers() []*Server {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Server(nil), g.servers...)
}

// Server is one backend address with its pool of connections.
type Server struct {
	addr  string
	group *ServerGroup

	mu        sync.RWMutex
	conns     []*ServerConn
	suspended atomic.Bool
}

func (s *Server) Addr() string         { return s.addr }
func (s *Server) Group() *ServerGroup  { return s.group }
func (s *Server) Suspended() bool      { return s.suspended.Load() }
func (s *Server) policy() *GroupPolicy { return &s.group.policy }

// Suspend takes the server out of regular scheduling. It reports whether the
// state changed.
func (s *Server) Suspend() bool { return !s.suspended.Swap(true) }

// Resume returns the server to regular scheduling. It reports whether the
// state changed.
func (s *Server) Resume() bool { return s.suspended.Swap(false) }

// Conns returns a snapshot of the server's connections.
func (s *Server) Conns() []*ServerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*ServerConn(nil), s.conns...)
}

func (s *Server) addConn(sc *ServerConn) {
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
}
