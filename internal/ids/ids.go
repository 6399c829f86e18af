// Package ids generates identifiers for requests and connections.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewRequestID returns a time-ordered UUIDv7 string used to correlate a
// request across log entries and spans.
func NewRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewConnID returns a short sortable identifier for a connection.
func NewConnID() string {
	return xid.New().String()
}
