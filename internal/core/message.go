package core

import (
	"bytes"
	"container/list"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Version is the HTTP protocol version of a message.
type Version uint8

const (
	VersionUnknown Version = iota
	Version09
	Version10
	Version11
)

func (v Version) String() string {
	switch v {
	case Version09:
		return "HTTP/0.9"
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	default:
		return "unknown"
	}
}

// Stage is the parse progress reported by the Parser.
type Stage uint8

const (
	StageHeaders Stage = iota
	StageBody
	StageTrailer
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageHeaders:
		return "headers"
	case StageBody:
		return "body"
	case StageTrailer:
		return "trailer"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// ConnToken is the persistence token carried in the Connection header.
type ConnToken uint8

const (
	ConnDefault ConnToken = iota
	ConnClose
	ConnKeepAlive
)

// Idempotency classifies whether a request is safe to replay.
type Idempotency uint8

const (
	Idempotent Idempotency = iota
	NonIdempotent
)

func (i Idempotency) String() string {
	if i == NonIdempotent {
		return "non-idempotent"
	}
	return "idempotent"
}

// Message holds the state shared by requests and responses. Exported fields
// are written by the Parser on the goroutine reading the connection.
type Message struct {
	Version       Version
	Header        http.Header
	Stage         Stage
	Conn          ConnToken
	Chunked       bool
	LengthUnknown bool
	NoBody        bool
	ContentLength int64
	// Size counts every byte consumed for this message so far.
	Size int64
	// ParserState is private to the Parser implementation.
	ParserState any

	mu        sync.Mutex
	head      []byte
	body      [][]byte
	relayed   int
	keepBody  bool
	bodyShed  bool
	chunkOut  bool
	headSent  bool
	bodyDone  bool
	doneTaken bool
}

// HeadersDone reports whether the start line and headers are parsed.
func (m *Message) HeadersDone() bool {
	return m.Stage > StageHeaders
}

// SetHead replaces the wire form of the start line and header block.
func (m *Message) SetHead(b []byte) {
	m.mu.Lock()
	m.head = b
	m.mu.Unlock()
}

// Head returns the wire form of the start line and header block.
func (m *Message) Head() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head
}

// AppendBody copies b to the end of the body.
func (m *Message) AppendBody(b []byte) {
	if len(b) == 0 {
		return
	}
	chunk := append([]byte(nil), b...)
	m.mu.Lock()
	m.body = append(m.body, chunk)
	m.mu.Unlock()
}

// Body returns a copy of the body bytes still held by the message.
func (m *Message) Body() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bytes.Join(m.body, nil)
}

func (m *Message) finishBody() {
	m.mu.Lock()
	m.bodyDone = true
	m.mu.Unlock()
}

func (m *Message) bodyFinished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bodyDone
}

func (m *Message) headTransmitted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headSent
}

func (m *Message) encodeChunked() {
	m.mu.Lock()
	m.chunkOut = true
	m.mu.Unlock()
}

// takeWire returns the fragments that have not been transmitted yet. done is
// reported exactly once, by the call that hands out the end of a finished body.
func (m *Message) takeWire() (frags [][]byte, done bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.headSent {
		frags = append(frags, m.head)
		m.headSent = true
	}
	for i := m.relayed; i < len(m.body); i++ {
		chunk := m.body[i]
		if m.chunkOut {
			frags = append(frags, []byte(strconv.FormatInt(int64(len(chunk)), 16)+"\r\n"), chunk, []byte("\r\n"))
		} else {
			frags = append(frags, chunk)
		}
	}
	m.relayed = len(m.body)
	if !m.keepBody && m.relayed > 0 {
		m.body = nil
		m.relayed = 0
		m.bodyShed = true
	}
	if m.bodyDone && !m.doneTaken {
		m.doneTaken = true
		done = true
		if m.chunkOut {
			frags = append(frags, []byte("0\r\n\r\n"))
		}
	}
	return frags, done
}

// releaseBody stops retaining body bytes once they have been transmitted.
func (m *Message) releaseBody() {
	m.mu.Lock()
	m.keepBody = false
	m.mu.Unlock()
}

// replayable reports whether the whole message can still be transmitted
// again from the start.
func (m *Message) replayable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.bodyShed
}

// rewind makes a retained message eligible for transmission from the start.
func (m *Message) rewind() {
	m.mu.Lock()
	m.headSent = false
	m.relayed = 0
	m.doneTaken = false
	m.mu.Unlock()
}

const (
	reqNonIdempotent uint32 = 1 << iota
	reqStreamed
	reqConnClose
	reqHealthCheck
	reqDropped
	reqCommitted
	reqExpired
	reqSuspected
)

// Request is one parsed client request.
type Request struct {
	Message
	Method string
	URI    string
	Host   string

	id       string
	conn     *ClientConn
	loc      *Location
	flags    atomic.Uint32
	received time.Time
	state    State
	redirect *Response
	span     trace.Span
	finished atomic.Bool

	// Forwarding queue linkage, guarded by the owning ServerConn.mu.
	owner   atomic.Pointer[ServerConn]
	fwdElem *list.Element
	nipElem *list.Element
	retries int
	paired  bool

	// Sequencing linkage, guarded by conn.seqMu.
	seqElem *list.Element
	resp    *Response

	// Error state, written by whoever moves the request into an error batch.
	status int
	reason string
}

func (r *Request) set(f uint32)      { r.flags.Or(f) }
func (r *Request) clear(f uint32)    { r.flags.And(^f) }
func (r *Request) has(f uint32) bool { return r.flags.Load()&f != 0 }

// commit claims the right to answer the request. Only the first caller wins.
func (r *Request) commit() bool {
	for {
		old := r.flags.Load()
		if old&reqCommitted != 0 {
			return false
		}
		if r.flags.CompareAndSwap(old, old|reqCommitted) {
			return true
		}
	}
}

// orphaned reports whether nobody is waiting for the backend's answer.
func (r *Request) orphaned() bool {
	return r.has(reqDropped | reqCommitted)
}

// ID returns the request identifier used in logs and spans.
func (r *Request) ID() string { return r.id }

// Client returns the client connection the request arrived on. It is nil
// for health-check requests.
func (r *Request) Client() *ClientConn { return r.conn }

// Location returns the resolved location, if any.
func (r *Request) Location() *Location { return r.loc }

// Received returns the receipt timestamp.
func (r *Request) Received() time.Time { return r.received }

// Idempotency returns the current classification.
func (r *Request) Idempotency() Idempotency {
	if r.has(reqNonIdempotent) {
		return NonIdempotent
	}
	return Idempotent
}

// NonIdempotent reports whether the request is still idempotency-pending.
func (r *Request) NonIdempotent() bool { return r.has(reqNonIdempotent) }

// Streamed reports whether the body is relayed while it arrives.
func (r *Request) Streamed() bool { return r.has(reqStreamed) }

// ConnClose reports whether the client connection closes after this request.
func (r *Request) ConnClose() bool { return r.has(reqConnClose) }

// HealthCheck reports whether the request is pinned health-check traffic.
func (r *Request) HealthCheck() bool { return r.has(reqHealthCheck) }

// Dropped reports whether the owning client disconnected.
func (r *Request) Dropped() bool { return r.has(reqDropped) }

// ErrorStatus returns the status and reason set when the request failed.
func (r *Request) ErrorStatus() (int, string) { return r.status, r.reason }

const (
	respStreamed uint32 = 1 << iota
	respConnClose
	respChunked
	respSynthetic
	respQueued
	respClaimed
	respHeld
)

// Response is a backend reply or a locally synthesized one.
type Response struct {
	Message
	Status int

	req      *Request
	conn     *ServerConn
	received time.Time
	flags    atomic.Uint32
	state    State

	// guarded by the client's seqMu
	ready bool
}

func (r *Response) set(f uint32)      { r.flags.Or(f) }
func (r *Response) has(f uint32) bool { return r.flags.Load()&f != 0 }

// Request returns the paired request.
func (r *Response) Request() *Request { return r.req }

// Backend returns the backend connection the response arrived on; nil for
// cached and synthesized responses.
func (r *Response) Backend() *ServerConn { return r.conn }

// Received returns the receipt timestamp.
func (r *Response) Received() time.Time { return r.received }

// Streamed reports whether the body is relayed while it arrives.
func (r *Response) Streamed() bool { return r.has(respStreamed) }

// Synthetic reports whether the response was generated locally.
func (r *Response) Synthetic() bool { return r.has(respSynthetic) }

// ChunkedTransform reports whether an unknown-length body is re-encoded as
// chunked on the way to the client.
func (r *Response) ChunkedTransform() bool { return r.has(respChunked) }

// ConnClose reports whether the client connection closes after the response.
func (r *Response) ConnClose() bool { return r.has(respConnClose) }

// NewCachedResponse builds a complete response for a cache hit.
func NewCachedResponse(status int, wire []byte) *Response {
	resp := &Response{Status: status}
	resp.Version = Version11
	resp.Stage = StageDone
	resp.head = wire
	resp.bodyDone = true
	return resp
}

// NewResponse returns an empty response paired with req, ready for a Parser.
func NewResponse(req *Request) *Response {
	resp := &Response{req: req}
	resp.ContentLength = -1
	return resp
}
