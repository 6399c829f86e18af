package core

import (
	"fmt"
	"net/http"
	"strings"
)

// ParseResult is the outcome of feeding bytes to a Parser.
type ParseResult uint8

const (
	// ParseMore means every byte was consumed and the message is incomplete.
	ParseMore ParseResult = iota
	// ParseDone means the message is complete. Unconsumed bytes belong to the
	// next pipelined message.
	ParseDone
	// ParseMalformed means the bytes are not valid HTTP.
	ParseMalformed
)

// Parser is the incremental HTTP/1.x parser. It fills the exported Message
// fields, stores the wire head with SetHead and body bytes with AppendBody,
// and returns how many bytes of data it consumed.
type Parser interface {
	ParseRequest(req *Request, data []byte) (int, ParseResult)
	ParseResponse(resp *Response, data []byte) (int, ParseResult)
}

// Scheduler selects backend connections.
type Scheduler interface {
	PickConnection(req *Request) *ServerConn
	// PickConnectionInGroup pins the choice to srv; used for health checks.
	PickConnectionInGroup(req *Request, srv *Server) *ServerConn
}

// CacheCallback receives the cached response, or nil on a miss. It may be
// invoked synchronously or from another goroutine.
type CacheCallback func(req *Request, cached *Response)

// Cache is consulted before a request is scheduled.
type Cache interface {
	LookupOrRegister(req *Request, done CacheCallback) error
}

// VerdictKind is the decision of a Policy.
type VerdictKind uint8

const (
	VerdictAccept VerdictKind = iota
	VerdictRedirect
	VerdictReject
	VerdictUnsupported
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAccept:
		return "accept"
	case VerdictRedirect:
		return "redirect"
	case VerdictReject:
		return "reject"
	case VerdictUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Verdict carries a Policy decision. Response holds the complete wire
// response for VerdictRedirect.
type Verdict struct {
	Kind     VerdictKind
	Status   int
	Response []byte
	Reason   string
}

// Policy runs session and filter checks once request headers are parsed.
type Policy interface {
	Evaluate(req *Request) Verdict
}

// NIPRule marks requests matching Method and URI Prefix non-idempotent.
type NIPRule struct {
	Method string
	Prefix string
}

// Location is the resolved routing target of a request.
type Location struct {
	Name          string
	Group         string
	NonIdempotent []NIPRule
}

func (l *Location) marksNonIdempotent(req *Request) bool {
	if l == nil {
		return false
	}
	for _, rule := range l.NonIdempotent {
		if rule.Method != "" && !strings.EqualFold(rule.Method, req.Method) {
			continue
		}
		if strings.HasPrefix(req.URI, rule.Prefix) {
			return true
		}
	}
	return false
}

// Locator resolves the Location of a request.
type Locator interface {
	Locate(req *Request) (*Location, error)
}

// Rewriter adjusts headers before a message leaves the proxy.
type Rewriter interface {
	AdjustRequest(req *Request) error
	AdjustResponse(resp *Response) error
}

// ErrorRenderer produces the complete wire form of an error response.
type ErrorRenderer interface {
	Render(status int, closeConn bool) []byte
}

// HealthMonitor observes backend responses.
type HealthMonitor interface {
	Observe(srv *Server, resp *Response)
}

// AbuseReporter is told about clients whose requests were rejected as
// malformed or blocked.
type AbuseReporter interface {
	Report(remote string, reason string)
}

// Transport is a connection's outbound byte stream. Send queues fragments in
// call order and must not block on the network. Shutdown closes the
// connection once queued data is written; Close closes it immediately.
type Transport interface {
	Send(frags [][]byte) error
	Shutdown()
	Close() error
}

type passCache struct{}

func (passCache) LookupOrRegister(req *Request, done CacheCallback) error {
	done(req, nil)
	return nil
}

type acceptAll struct{}

func (acceptAll) Evaluate(*Request) Verdict { return Verdict{Kind: VerdictAccept} }

type defaultLocator struct{}

func (defaultLocator) Locate(*Request) (*Location, error) { return &Location{Name: "default"}, nil }

type nopRewriter struct{}

func (nopRewriter) AdjustRequest(*Request) error   { return nil }
func (nopRewriter) AdjustResponse(*Response) error { return nil }

type nopHealth struct{}

func (nopHealth) Observe(*Server, *Response) {}

type plainErrors struct{}

func (plainErrors) Render(status int, closeConn bool) []byte {
	text := http.StatusText(status)
	if text == "" {
		status, text = http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
	}
	conn := "keep-alive"
	if closeConn {
		conn = "close"
	}
	return fmt.Appendf(nil, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: %s\r\n\r\n", status, text, conn)
}
