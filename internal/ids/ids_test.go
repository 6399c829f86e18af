package ids_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/relayd/internal/ids"
)

func TestNewRequestIDIsUUIDv7(t *testing.T) {
	t.Parallel()

	raw := ids.NewRequestID()
	parsed, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if raw == ids.NewRequestID() {
		t.Fatal("expected unique request ids")
	}
}

func TestNewConnIDParses(t *testing.T) {
	t.Parallel()

	raw := ids.NewConnID()
	if _, err := xid.FromString(raw); err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
}
