package core

// State is the lifecycle position of a request or response.
type State uint8

const (
	StateNew State = iota
	StateBuffering
	StateHeaderPolicy
	StateForward
	StateStream
	StateErrorDrop
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateBuffering:
		return "buffering"
	case StateHeaderPolicy:
		return "header_policy"
	case StateForward:
		return "forward"
	case StateStream:
		return "stream"
	case StateErrorDrop:
		return "error_drop"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// safeMethods never enter the forwarding queue's non-idempotent index.
var safeMethods = map[string]struct{}{
	"GET":      {},
	"HEAD":     {},
	"OPTIONS":  {},
	"PROPFIND": {},
	"TRACE":    {},
}

func (p *Proxy) classify(req *Request) {
	_, safe := safeMethods[req.Method]
	if !safe || req.loc.marksNonIdempotent(req) {
		req.set(reqNonIdempotent)
	}
}

func (p *Proxy) overThreshold(m *Message) bool {
	limit := p.Settings().BufferThreshold
	return limit > 0 && m.Size >= limit
}
