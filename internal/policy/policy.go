// Package policy decides, once request headers are parsed, whether a request
// is forwarded, redirected or refused.
package policy

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/net/http/httpguts"

	"pkt.systems/pslog"

	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/svcfields"
)

// DefaultStickyCookie is the session cookie name when none is configured.
const DefaultStickyCookie = "__relayd"

// StickyConfig makes clients carry a session cookie before their requests
// are forwarded.
type StickyConfig struct {
	Enabled bool
	Name    string
	MaxAge  time.Duration
	// Except lists path prefixes exempt from enforcement.
	Except []string
}

// Config holds the filter rules.
type Config struct {
	// DenyMethods are rejected with 403.
	DenyMethods []string
	// AllowUpgrade lets Upgrade requests through; otherwise they are
	// refused as unsupported.
	AllowUpgrade bool
	Sticky       StickyConfig
}

// Engine implements core.Policy.
type Engine struct {
	deny    map[string]struct{}
	upgrade bool
	sticky  StickyConfig
	logger  pslog.Logger
}

// New compiles cfg.
func New(cfg Config, logger pslog.Logger) (*Engine, error) {
	e := &Engine{
		deny:    make(map[string]struct{}, len(cfg.DenyMethods)),
		upgrade: cfg.AllowUpgrade,
		sticky:  cfg.Sticky,
		logger:  svcfields.WithSubsystem(logger, "relay.policy"),
	}
	for _, m := range cfg.DenyMethods {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !httpguts.ValidHeaderFieldName(m) {
			return nil, fmt.Errorf("policy: invalid method %q", m)
		}
		e.deny[m] = struct{}{}
	}
	if e.sticky.Enabled {
		if e.sticky.Name == "" {
			e.sticky.Name = DefaultStickyCookie
		}
		if !httpguts.ValidHeaderFieldName(e.sticky.Name) {
			return nil, fmt.Errorf("policy: invalid cookie name %q", e.sticky.Name)
		}
	}
	return e, nil
}

// Evaluate implements core.Policy.
func (e *Engine) Evaluate(req *core.Request) core.Verdict {
	if _, denied := e.deny[req.Method]; denied {
		return core.Verdict{Kind: core.VerdictReject, Status: http.StatusForbidden, Reason: "request blocked: method " + req.Method}
	}
	if req.Method == http.MethodConnect {
		return core.Verdict{Kind: core.VerdictUnsupported, Reason: "request blocked: tunnelling unsupported"}
	}
	if !e.upgrade && req.Header.Get("Upgrade") != "" {
		return core.Verdict{Kind: core.VerdictUnsupported, Reason: "request blocked: protocol upgrade unsupported"}
	}
	if e.sticky.Enabled && !e.exempt(req.URI) && !e.hasCookie(req) {
		return e.redirect(req)
	}
	return core.Verdict{Kind: core.VerdictAccept}
}

func (e *Engine) exempt(uri string) bool {
	for _, prefix := range e.sticky.Except {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

func (e *Engine) hasCookie(req *core.Request) bool {
	for _, line := range req.Header.Values("Cookie") {
		cookies, err := http.ParseCookie(line)
		if err != nil {
			continue
		}
		for _, c := range cookies {
			if c.Name == e.sticky.Name && c.Value != "" {
				return true
			}
		}
	}
	return false
}

// redirect sends the client back to the same URI with a fresh cookie.
func (e *Engine) redirect(req *core.Request) core.Verdict {
	cookie := &http.Cookie{
		Name:     e.sticky.Name,
		Value:    xid.New().String(),
		Path:     "/",
		HttpOnly: true,
	}
	if e.sticky.MaxAge > 0 {
		cookie.MaxAge = int(e.sticky.MaxAge / time.Second)
	}
	conn := "keep-alive"
	if req.ConnClose() {
		conn = "close"
	}
	wire := fmt.Appendf(nil,
		"HTTP/1.1 302 Found\r\nLocation: %s\r\nSet-Cookie: %s\r\nContent-Length: 0\r\nConnection: %s\r\n\r\n",
		req.URI, cookie.String(), conn)
	e.logger.Debug("relayd.policy.sticky_redirect", "request_id", req.ID(), "uri", req.URI)
	return core.Verdict{Kind: core.VerdictRedirect, Status: http.StatusFound, Response: wire}
}
