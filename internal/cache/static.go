package cache

import (
	"strings"
	"sync/atomic"

	"pkt.systems/relayd/internal/core"
)

// Entry is a fixed response. Wire must be a complete HTTP/1.1 response.
type Entry struct {
	Status int
	Wire   []byte
}

// Static serves fixed responses keyed by method, host and path. Entries are
// replaced as a whole.
type Static struct {
	entries atomic.Pointer[map[string]Entry]
}

// StaticKey builds the lookup key; an empty host matches any host.
func StaticKey(method, host, path string) string {
	return strings.ToUpper(method) + " " + strings.ToLower(host) + " " + path
}

// Set replaces every entry.
func (s *Static) Set(entries map[string]Entry) {
	m := make(map[string]Entry, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	s.entries.Store(&m)
}

// Lookup implements Store.
func (s *Static) Lookup(req *core.Request) *core.Response {
	m := s.entries.Load()
	if m == nil {
		return nil
	}
	path, _, _ := strings.Cut(req.URI, "?")
	for _, host := range []string{req.Host, ""} {
		if e, ok := (*m)[StaticKey(req.Method, host, path)]; ok {
			return core.NewCachedResponse(e.Status, e.Wire)
		}
	}
	return nil
}
