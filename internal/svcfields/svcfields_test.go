package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		parts []string
		want  string
	}{
		{nil, ""},
		{[]string{"core"}, "core"},
		{[]string{"core", "", " fwdq. "}, "core.fwdq"},
		{[]string{".", "transport", "client"}, "transport.client"},
	}
	for _, tc := range cases {
		if got := Subsystem(tc.parts...); got != tc.want {
			t.Fatalf("Subsystem(%q) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}

func TestEnsureLoggerNeverNil(t *testing.T) {
	t.Parallel()

	if EnsureLogger(nil) == nil {
		t.Fatal("expected noop logger")
	}
	if WithSubsystem(nil, "core") == nil {
		t.Fatal("expected logger from WithSubsystem(nil)")
	}
	if WithConn(nil, "client", "") == nil {
		t.Fatal("expected logger from WithConn(nil)")
	}
}
