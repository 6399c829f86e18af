package h1

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"

	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/version"
)

// hopHeaders apply to a single connection and are not forwarded.
// Transfer-Encoding stays: bodies are relayed with their framing intact.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Upgrade",
	"Expect",
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" && !strings.EqualFold(sf, "Transfer-Encoding") {
				h.Del(sf)
			}
		}
	}
	for _, f := range hopHeaders {
		h.Del(f)
	}
}

// Rewriter regenerates the wire head of forwarded messages.
type Rewriter struct {
	// Via is the pseudonym added to the Via header.
	Via string
	// ForwardedFor appends the client address to X-Forwarded-For.
	ForwardedFor bool
}

// NewRewriter returns a rewriter announcing this build in Via.
func NewRewriter() *Rewriter {
	return &Rewriter{Via: version.Product(), ForwardedFor: true}
}

// AdjustRequest implements core.Rewriter. Backend connections are always
// persistent HTTP/1.1.
func (rw *Rewriter) AdjustRequest(req *core.Request) error {
	h := req.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopByHopHeaders(h)
	if req.Host != "" && h.Get("Host") == "" {
		h.Set("Host", req.Host)
	}
	if rw.ForwardedFor {
		if cc := req.Client(); cc != nil {
			if host, _, err := net.SplitHostPort(cc.Remote()); err == nil {
				if prior := h.Values("X-Forwarded-For"); len(prior) > 0 {
					host = strings.Join(prior, ", ") + ", " + host
				}
				h.Set("X-Forwarded-For", host)
			}
		}
	}
	rw.addVia(h, req.Version)
	h.Set("Connection", "keep-alive")
	if req.NoBody && req.Method != http.MethodGet && req.Method != http.MethodHead && h.Get("Content-Length") == "" {
		h.Set("Content-Length", "0")
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, req.URI)
	if err := h.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	req.SetHead(buf.Bytes())
	return nil
}

// AdjustResponse implements core.Rewriter.
func (rw *Rewriter) AdjustResponse(resp *core.Response) error {
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopByHopHeaders(h)
	rw.addVia(h, resp.Version)
	if resp.ChunkedTransform() {
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
	}
	req := resp.Request()
	switch {
	case resp.ConnClose() || (req != nil && req.ConnClose()):
		h.Set("Connection", "close")
	case req != nil && req.Version == core.Version10:
		h.Set("Connection", "keep-alive")
	}
	proto := "HTTP/1.1"
	if req != nil && req.Version == core.Version10 {
		proto = "HTTP/1.0"
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", proto, resp.Status, statusText(resp.Status))
	if err := h.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	resp.SetHead(buf.Bytes())
	return nil
}

func (rw *Rewriter) addVia(h http.Header, v core.Version) {
	if rw.Via == "" {
		return
	}
	proto := "1.1"
	if v == core.Version10 {
		proto = "1.0"
	}
	h.Add("Via", proto+" "+rw.Via)
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
