// Package location maps requests to the server group that serves them.
package location

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"pkt.systems/relayd/internal/core"
)

// ErrNoMatch is returned when no location covers a request.
var ErrNoMatch = errors.New("location: no match")

// Spec describes one location.
type Spec struct {
	Name string `yaml:"name" mapstructure:"name"`
	// Host restricts the location to one virtual host; empty matches all.
	Host string `yaml:"host,omitempty" mapstructure:"host"`
	// Prefix is matched against the request URI.
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
	Group  string `yaml:"group" mapstructure:"group"`
	// NonIdempotent holds "<METHOD> <prefix>" rules, "*" for any method.
	NonIdempotent []string `yaml:"nonidempotent,omitempty" mapstructure:"nonidempotent"`
}

// ParseRule parses "<METHOD> <prefix>" into a core.NIPRule.
func ParseRule(s string) (core.NIPRule, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 || !strings.HasPrefix(fields[1], "/") {
		return core.NIPRule{}, fmt.Errorf("location: invalid nonidempotent rule %q", s)
	}
	method := strings.ToUpper(fields[0])
	if method == "*" {
		method = ""
	}
	return core.NIPRule{Method: method, Prefix: fields[1]}, nil
}

type entry struct {
	host   string
	prefix string
	loc    *core.Location
}

// Table implements core.Locator with longest-prefix matching.
type Table struct {
	entries []entry
}

// NewTable compiles specs. Locations without a prefix match "/".
func NewTable(specs []Spec) (*Table, error) {
	t := &Table{}
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("location-%d", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("location: duplicate name %q", name)
		}
		seen[name] = true
		prefix := spec.Prefix
		if prefix == "" {
			prefix = "/"
		}
		if !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("location %s: prefix %q must start with /", name, prefix)
		}
		loc := &core.Location{Name: name, Group: spec.Group}
		for _, raw := range spec.NonIdempotent {
			rule, err := ParseRule(raw)
			if err != nil {
				return nil, fmt.Errorf("location %s: %w", name, err)
			}
			loc.NonIdempotent = append(loc.NonIdempotent, rule)
		}
		t.entries = append(t.entries, entry{host: strings.ToLower(spec.Host), prefix: prefix, loc: loc})
	}
	// Longer prefixes first; host-bound before wildcard at equal length.
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if len(a.prefix) != len(b.prefix) {
			return len(a.prefix) > len(b.prefix)
		}
		return a.host != "" && b.host == ""
	})
	return t, nil
}

// Locate implements core.Locator.
func (t *Table) Locate(req *core.Request) (*core.Location, error) {
	host := strings.ToLower(req.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	uri := req.URI
	if i := strings.Index(uri, "://"); i >= 0 {
		// Absolute-form request target.
		rest := uri[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			if host == "" {
				host = strings.ToLower(rest[:j])
			}
			uri = rest[j:]
		} else {
			uri = "/"
		}
	}
	for _, e := range t.entries {
		if e.host != "" && e.host != host {
			continue
		}
		if strings.HasPrefix(uri, e.prefix) {
			return e.loc, nil
		}
	}
	return nil, ErrNoMatch
}
