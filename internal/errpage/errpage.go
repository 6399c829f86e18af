// Package errpage renders the responses the proxy generates itself.
//
// A Set is immutable once built. Pages holds the current Set behind an
// atomic pointer so reloads never race with rendering.
package errpage

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/svcfields"
	"pkt.systems/relayd/internal/version"
)

// Predefined lists the statuses a Set always carries.
var Predefined = []int{
	http.StatusOK,
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusPreconditionFailed,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

type page struct {
	status int
	body   []byte
	ctype  string
}

// Set maps statuses to bodies.
type Set struct {
	pages map[int]page
	// sources keeps the file each custom key was read from.
	sources map[string]string
}

// NewSet builds a set from custom bodies keyed by status code ("404") or
// class wildcard ("4*", "5*"). Exact codes win over wildcards. Exact codes
// outside Predefined are rejected.
func NewSet(bodies map[string][]byte) (*Set, error) {
	s := &Set{pages: make(map[int]page, len(Predefined))}
	for _, code := range Predefined {
		s.pages[code] = page{status: code}
	}
	keys := make([]string, 0, len(bodies))
	for k := range bodies {
		keys = append(keys, k)
	}
	// Wildcards sort before digits of the same class, so exact codes land last.
	sort.Slice(keys, func(i, j int) bool {
		wi, wj := strings.HasSuffix(keys[i], "*"), strings.HasSuffix(keys[j], "*")
		if wi != wj {
			return wi
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys {
		codes, err := expand(key)
		if err != nil {
			return nil, err
		}
		for _, code := range codes {
			s.pages[code] = page{status: code, body: bodies[key], ctype: sniff(bodies[key])}
		}
	}
	return s, nil
}

func expand(key string) ([]int, error) {
	key = strings.TrimSpace(key)
	if len(key) == 2 && key[1] == '*' && (key[0] == '4' || key[0] == '5') {
		class := int(key[0]-'0') * 100
		var codes []int
		for _, code := range Predefined {
			if code/100*100 == class {
				codes = append(codes, code)
			}
		}
		return codes, nil
	}
	code, err := strconv.Atoi(key)
	if err != nil {
		return nil, fmt.Errorf("errpage: invalid status key %q", key)
	}
	for _, known := range Predefined {
		if known == code {
			return []int{code}, nil
		}
	}
	return nil, fmt.Errorf("errpage: status %d has no predefined response", code)
}

func sniff(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return http.DetectContentType(body)
}

// Load reads custom bodies from files keyed as in NewSet.
func Load(files map[string]string) (*Set, error) {
	bodies := make(map[string][]byte, len(files))
	for key, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("errpage: read %s for %s: %w", path, key, err)
		}
		bodies[key] = b
	}
	s, err := NewSet(bodies)
	if err != nil {
		return nil, err
	}
	s.sources = files
	return s, nil
}

// Has reports whether status has a predefined response.
func (s *Set) Has(status int) bool {
	_, ok := s.pages[status]
	return ok
}

// Pages is a core.ErrorRenderer serving the current Set.
type Pages struct {
	set    atomic.Pointer[Set]
	files  map[string]string
	clock  clock.Clock
	logger pslog.Logger
}

// New returns renderer for set. A nil set uses bodiless defaults.
func New(set *Set, logger pslog.Logger, clk clock.Clock) *Pages {
	if set == nil {
		set, _ = NewSet(nil)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	p := &Pages{
		files:  set.sources,
		clock:  clk,
		logger: svcfields.WithSubsystem(logger, "errpage"),
	}
	p.set.Store(set)
	return p
}

// Current returns the active set.
func (p *Pages) Current() *Set {
	return p.set.Load()
}

// Swap installs set.
func (p *Pages) Swap(set *Set) {
	if set != nil {
		p.set.Store(set)
	}
}

// Reload re-reads the files the current set was loaded from. On error the
// current set stays active.
func (p *Pages) Reload() error {
	if len(p.files) == 0 {
		return nil
	}
	set, err := Load(p.files)
	if err != nil {
		p.logger.Warn("relayd.errpage.reload_failed", "error", err)
		return err
	}
	p.Swap(set)
	p.logger.Info("relayd.errpage.reloaded", "pages", len(p.files))
	return nil
}

// Render returns the complete wire response for status. Statuses without a
// predefined response render as 500.
func (p *Pages) Render(status int, closeConn bool) []byte {
	set := p.set.Load()
	pg, ok := set.pages[status]
	if !ok {
		p.logger.Warn("relayd.errpage.unknown_status", "status", status)
		pg = set.pages[http.StatusInternalServerError]
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", pg.status, http.StatusText(pg.status))
	fmt.Fprintf(&buf, "Date: %s\r\n", p.clock.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&buf, "Server: %s\r\n", version.Product())
	if pg.ctype != "" {
		fmt.Fprintf(&buf, "Content-Type: %s\r\n", pg.ctype)
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(pg.body))
	if closeConn {
		buf.WriteString("Connection: close\r\n")
	} else {
		buf.WriteString("Connection: keep-alive\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(pg.body)
	return buf.Bytes()
}
