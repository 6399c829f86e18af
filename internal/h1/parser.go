// Package h1 implements the incremental HTTP/1.x parser and header rewriter
// used by the forwarding core.
package h1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"pkt.systems/relayd/internal/core"
)

// DefaultMaxHeaderBytes bounds the start line plus header block.
const DefaultMaxHeaderBytes = 64 << 10

var (
	errHeaderTooLarge = errors.New("h1: header block too large")
	errBadStartLine   = errors.New("h1: malformed start line")
	errBadHeader      = errors.New("h1: malformed header field")
	errBadLength      = errors.New("h1: invalid Content-Length")
	errBadChunk       = errors.New("h1: malformed chunk")
)

type bodyMode uint8

const (
	bodyNone bodyMode = iota
	bodyLength
	bodyChunked
	bodyUntilClose
)

type chunkPhase uint8

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkDataEnd
	chunkTrailer
)

// state is kept in Message.ParserState between calls.
type state struct {
	head      []byte
	mode      bodyMode
	remaining int64
	phase     chunkPhase
	line      []byte
	err       error
}

func stateOf(m *core.Message) *state {
	if st, ok := m.ParserState.(*state); ok {
		return st
	}
	st := &state{}
	m.ParserState = st
	return st
}

// Parser is a core.Parser for HTTP/1.0 and HTTP/1.1, with HTTP/0.9 simple
// requests accepted on the request side.
type Parser struct {
	MaxHeaderBytes int
}

// NewParser returns a parser with default limits.
func NewParser() *Parser {
	return &Parser{MaxHeaderBytes: DefaultMaxHeaderBytes}
}

func (p *Parser) maxHeader() int {
	if p == nil || p.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return p.MaxHeaderBytes
}

// LastError returns the reason the message was rejected, if it was.
func LastError(m *core.Message) error {
	if st, ok := m.ParserState.(*state); ok {
		return st.err
	}
	return nil
}

// ParseRequest implements core.Parser.
func (p *Parser) ParseRequest(req *core.Request, data []byte) (int, core.ParseResult) {
	st := stateOf(&req.Message)
	consumed := 0
	if !req.HeadersDone() {
		n, head, done, err := p.collectHead(st, data, true)
		consumed += n
		req.Size += int64(n)
		if err != nil {
			st.err = err
			return consumed, core.ParseMalformed
		}
		if !done {
			return consumed, core.ParseMore
		}
		if err := parseRequestHead(req, st, head); err != nil {
			st.err = err
			return consumed, core.ParseMalformed
		}
	}
	return p.parseBody(&req.Message, st, data, consumed)
}

// ParseResponse implements core.Parser.
func (p *Parser) ParseResponse(resp *core.Response, data []byte) (int, core.ParseResult) {
	st := stateOf(&resp.Message)
	consumed := 0
	if !resp.HeadersDone() {
		n, head, done, err := p.collectHead(st, data, false)
		consumed += n
		resp.Size += int64(n)
		if err != nil {
			st.err = err
			return consumed, core.ParseMalformed
		}
		if !done {
			return consumed, core.ParseMore
		}
		if err := parseResponseHead(resp, st, head); err != nil {
			st.err = err
			return consumed, core.ParseMalformed
		}
	}
	return p.parseBody(&resp.Message, st, data, consumed)
}

// collectHead accumulates bytes until the blank line ending the header
// block. Simple HTTP/0.9 requests end at their first line.
func (p *Parser) collectHead(st *state, data []byte, request bool) (int, []byte, bool, error) {
	start := len(st.head)
	st.head = append(st.head, data...)
	// Leading empty lines before a request line are ignored.
	if request {
		trimmed := bytes.TrimLeft(st.head, "\r\n")
		if len(trimmed) == 0 {
			st.head = st.head[:0]
			return len(data), nil, false, nil
		}
		if skipped := len(st.head) - len(trimmed); skipped > 0 {
			st.head = trimmed
			start -= skipped
		}
	}
	end := headEnd(st.head, request)
	if end < 0 {
		if len(st.head) > p.maxHeader() {
			return len(data), nil, false, errHeaderTooLarge
		}
		return len(data), nil, false, nil
	}
	if end > p.maxHeader() {
		return len(data), nil, false, errHeaderTooLarge
	}
	head := st.head[:end]
	st.head = nil
	used := end - start
	if used < 0 {
		used = 0
	}
	return used, head, true, nil
}

// headEnd returns the offset just past the header block terminator.
func headEnd(b []byte, request bool) int {
	if request {
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			line := strings.TrimRight(string(b[:i]), "\r")
			if len(strings.Fields(line)) == 2 {
				return i + 1
			}
		}
	}
	if i := bytes.Index(b, []byte("\r\n\r\n")); i >= 0 {
		if j := bytes.Index(b, []byte("\n\n")); j >= 0 && j < i {
			return j + 2
		}
		return i + 4
	}
	if j := bytes.Index(b, []byte("\n\n")); j >= 0 {
		return j + 2
	}
	return -1
}

func readHeader(head []byte) (string, http.Header, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := r.ReadLine()
	if err != nil {
		return "", nil, errBadStartLine
	}
	mime, err := r.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return "", nil, fmt.Errorf("%w: %v", errBadHeader, err)
	}
	h := http.Header(mime)
	if h == nil {
		h = make(http.Header)
	}
	for name, values := range h {
		if !httpguts.ValidHeaderFieldName(name) {
			return "", nil, fmt.Errorf("%w: %q", errBadHeader, name)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return "", nil, fmt.Errorf("%w: value of %q", errBadHeader, name)
			}
		}
	}
	return line, h, nil
}

func parseRequestHead(req *core.Request, st *state, head []byte) error {
	line, h, err := readHeader(head)
	if err != nil {
		return err
	}
	fields := strings.Fields(line)
	switch len(fields) {
	case 2:
		if fields[0] != http.MethodGet {
			return errBadStartLine
		}
		req.Version = core.Version09
	case 3:
		major, minor, ok := http.ParseHTTPVersion(fields[2])
		if !ok || major != 1 {
			return errBadStartLine
		}
		req.Version = core.Version10
		if minor >= 1 {
			req.Version = core.Version11
		}
	default:
		return errBadStartLine
	}
	if !httpguts.ValidHeaderFieldName(fields[0]) {
		return errBadStartLine
	}
	req.Method, req.URI = fields[0], fields[1]
	req.Header = h
	req.Host = h.Get("Host")
	if req.Version == core.Version11 && req.Host == "" {
		return fmt.Errorf("%w: missing Host", errBadHeader)
	}
	req.Conn = connToken(h)
	req.SetHead(append([]byte(nil), head...))
	req.Stage = core.StageBody

	switch {
	case req.Version == core.Version09:
		st.mode = bodyNone
	case isChunked(h):
		if len(h["Content-Length"]) > 0 {
			return fmt.Errorf("%w: both Transfer-Encoding and Content-Length", errBadLength)
		}
		st.mode = bodyChunked
		req.Chunked = true
	default:
		n, ok, err := contentLength(h)
		if err != nil {
			return err
		}
		if ok && n > 0 {
			st.mode, st.remaining = bodyLength, n
			req.ContentLength = n
		} else {
			st.mode = bodyNone
			req.ContentLength = 0
		}
	}
	if st.mode == bodyNone {
		req.NoBody = true
	}
	return nil
}

func parseResponseHead(resp *core.Response, st *state, head []byte) error {
	line, h, err := readHeader(head)
	if err != nil {
		return err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return errBadStartLine
	}
	major, minor, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return errBadStartLine
	}
	code, _, _ := strings.Cut(strings.TrimSpace(rest), " ")
	status, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || status < 100 {
		return errBadStartLine
	}
	resp.Status = status
	resp.Version = core.Version10
	if minor >= 1 {
		resp.Version = core.Version11
	}
	resp.Header = h
	resp.Conn = connToken(h)
	resp.SetHead(append([]byte(nil), head...))
	resp.Stage = core.StageBody

	method := ""
	if req := resp.Request(); req != nil {
		method = req.Method
	}
	switch {
	case method == http.MethodHead, status < 200, status == http.StatusNoContent, status == http.StatusNotModified:
		st.mode = bodyNone
	case isChunked(h):
		st.mode = bodyChunked
		resp.Chunked = true
	default:
		n, ok, err := contentLength(h)
		if err != nil {
			return err
		}
		switch {
		case !ok:
			st.mode = bodyUntilClose
			resp.LengthUnknown = true
		case n > 0:
			st.mode, st.remaining = bodyLength, n
			resp.ContentLength = n
		default:
			st.mode = bodyNone
			resp.ContentLength = 0
		}
	}
	if st.mode == bodyNone {
		resp.NoBody = true
	}
	return nil
}

func connToken(h http.Header) core.ConnToken {
	switch {
	case httpguts.HeaderValuesContainsToken(h["Connection"], "close"):
		return core.ConnClose
	case httpguts.HeaderValuesContainsToken(h["Connection"], "keep-alive"):
		return core.ConnKeepAlive
	default:
		return core.ConnDefault
	}
}

func isChunked(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h["Transfer-Encoding"], "chunked")
}

// contentLength rejects conflicting or non-numeric values.
func contentLength(h http.Header) (int64, bool, error) {
	values := h["Content-Length"]
	if len(values) == 0 {
		return 0, false, nil
	}
	var n int64 = -1
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = textproto.TrimString(part)
			parsed, err := strconv.ParseInt(part, 10, 64)
			if err != nil || parsed < 0 {
				return 0, false, errBadLength
			}
			if n >= 0 && parsed != n {
				return 0, false, errBadLength
			}
			n = parsed
		}
	}
	return n, true, nil
}

func (p *Parser) parseBody(m *core.Message, st *state, data []byte, consumed int) (int, core.ParseResult) {
	data = data[consumed:]
	switch st.mode {
	case bodyNone:
		m.Stage = core.StageDone
		return consumed, core.ParseDone
	case bodyLength:
		take := min(st.remaining, int64(len(data)))
		m.AppendBody(data[:take])
		m.Size += take
		st.remaining -= take
		if st.remaining == 0 {
			m.Stage = core.StageDone
			return consumed + int(take), core.ParseDone
		}
		return consumed + int(take), core.ParseMore
	case bodyUntilClose:
		m.AppendBody(data)
		m.Size += int64(len(data))
		return consumed + len(data), core.ParseMore
	case bodyChunked:
		n, done, err := st.chunks(m, data)
		m.Size += int64(n)
		if err != nil {
			st.err = err
			return consumed + n, core.ParseMalformed
		}
		if done {
			m.Stage = core.StageDone
			return consumed + n, core.ParseDone
		}
		return consumed + n, core.ParseMore
	}
	return consumed, core.ParseMalformed
}

// chunks walks chunked framing and appends the raw bytes, framing
// included, to the body.
func (st *state) chunks(m *core.Message, data []byte) (int, bool, error) {
	pos := 0
	emit := func(end int) {
		if end > pos {
			m.AppendBody(data[pos:end])
			pos = end
		}
	}
	i := 0
	for i < len(data) {
		switch st.phase {
		case chunkSize, chunkTrailer:
			j := bytes.IndexByte(data[i:], '\n')
			if j < 0 {
				st.line = append(st.line, data[i:]...)
				if len(st.line) > 4096 {
					return i, false, errBadChunk
				}
				i = len(data)
				continue
			}
			line := append(st.line, data[i:i+j]...)
			st.line = nil
			i += j + 1
			text := strings.TrimRight(string(line), "\r")
			if st.phase == chunkTrailer {
				if text == "" {
					emit(i)
					return i, true, nil
				}
				continue
			}
			sizeText, _, _ := strings.Cut(text, ";")
			size, err := strconv.ParseInt(strings.TrimSpace(sizeText), 16, 64)
			if err != nil || size < 0 {
				return i, false, errBadChunk
			}
			if size == 0 {
				st.phase = chunkTrailer
				m.Stage = core.StageTrailer
				continue
			}
			st.remaining = size
			st.phase = chunkData
		case chunkData:
			take := min(st.remaining, int64(len(data)-i))
			i += int(take)
			st.remaining -= take
			if st.remaining == 0 {
				st.phase = chunkDataEnd
			}
		case chunkDataEnd:
			j := bytes.IndexByte(data[i:], '\n')
			if j < 0 {
				st.line = append(st.line, data[i:]...)
				i = len(data)
				continue
			}
			if rest := strings.TrimRight(string(append(st.line, data[i:i+j]...)), "\r"); rest != "" {
				return i, false, errBadChunk
			}
			st.line = nil
			i += j + 1
			st.phase = chunkSize
		}
	}
	emit(i)
	return i, false, nil
}
