package core

import (
	"errors"
	"fmt"
)

// Kind classifies why a message could not be forwarded.
type Kind uint8

const (
	// KindParse is a malformed client or backend message.
	KindParse Kind = iota + 1
	// KindPolicy is a request blocked or redirected by a policy filter.
	KindPolicy
	// KindTransmit is a socket write that failed.
	KindTransmit
	// KindEviction is a request removed by age or retry budget.
	KindEviction
	// KindPairing is a backend response with no request to pair with.
	KindPairing
	// KindResource covers allocation failures and pipeline limits.
	KindResource
	// KindProcessing covers location, cache and rewrite failures.
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindPolicy:
		return "policy"
	case KindTransmit:
		return "transmit"
	case KindEviction:
		return "eviction"
	case KindPairing:
		return "pairing"
	case KindResource:
		return "resource"
	case KindProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// attack reports whether failures of this kind follow the on-attack settings.
func (k Kind) attack() bool {
	return k == KindParse || k == KindPolicy
}

// Failure captures why a message was dropped together with the HTTP status
// the client is answered with.
type Failure struct {
	Kind       Kind
	Detail     string
	HTTPStatus int
	Err        error
}

func (f Failure) Error() string {
	msg := f.Kind.String()
	if f.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, f.Detail)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

func (f Failure) Unwrap() error { return f.Err }

// KindOf returns the failure kind carried by err, or zero.
func KindOf(err error) Kind {
	var f Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

var (
	// ErrNotConnected is returned when a backend connection has no transport.
	ErrNotConnected = errors.New("core: backend connection is not connected")
	// ErrNoConnection is returned when no backend connection can be picked.
	ErrNoConnection = errors.New("core: no schedulable backend connection")
	// ErrMalformedProbe is returned for health-check bytes that do not parse.
	ErrMalformedProbe = errors.New("core: malformed health-check request")
)

const (
	reasonTimedOut       = "request evicted: timed out"
	reasonRetries        = "request evicted: the number of retries exceeded"
	reasonNonIdempotent  = "request evicted: non-idempotent requests aren't re-forwarded or re-scheduled"
	reasonStreamResched  = "request evicted: streamed requests aren't re-scheduled"
	reasonStreamResend   = "request evicted: streamed request body is no longer held"
	reasonForwardFailed  = "request dropped: forwarding error"
	reasonNoBackend      = "request dropped: unable to find an available back end server"
	reasonProcessing     = "request dropped: processing error"
	reasonBadRequest     = "failed to parse request"
	reasonPipeline       = "request dropped: pipeline limit reached"
	reasonNoLocation     = "request dropped: cannot find a location"
	reasonBlocked        = "request blocked by policy"
	reasonUnsupported    = "request dropped: unsupported request"
	reasonBadResponse    = "response dropped: malformed response"
	reasonRespProcessing = "response dropped: processing error"
	reasonBackendGone    = "request dropped: back end connection is gone"
)
