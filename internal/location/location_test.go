package location

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/relayd/internal/core"
)

func TestLocateLongestPrefix(t *testing.T) {
	t.Parallel()
	table, err := NewTable([]Spec{
		{Name: "root", Group: "web"},
		{Name: "api", Prefix: "/api", Group: "api"},
		{Name: "api-v2", Prefix: "/api/v2", Group: "api2"},
		{Name: "shop-api", Host: "shop.example", Prefix: "/api", Group: "shop"},
	})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	cases := map[string]struct{ host, uri string }{
		"root":     {"example.com", "/index.html"},
		"api":      {"example.com", "/api/users"},
		"api-v2":   {"example.com", "/api/v2/users"},
		"shop-api": {"Shop.Example:8080", "/api/cart"},
	}
	for want, tc := range cases {
		loc, err := table.Locate(&core.Request{Host: tc.host, URI: tc.uri})
		if err != nil {
			t.Fatalf("%s: %v", want, err)
		}
		if loc.Name != want {
			t.Fatalf("%s%s matched %s, want %s", tc.host, tc.uri, loc.Name, want)
		}
	}

	loc, err := table.Locate(&core.Request{URI: "http://shop.example/api/x"})
	if err != nil || loc.Name != "shop-api" {
		t.Fatalf("absolute form matched %v, %v", loc, err)
	}
}

func TestLocateNoMatch(t *testing.T) {
	t.Parallel()
	table, err := NewTable([]Spec{{Name: "api", Prefix: "/api", Group: "api"}})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if _, err := table.Locate(&core.Request{URI: "/other"}); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestNonIdempotentRules(t *testing.T) {
	t.Parallel()
	table, err := NewTable([]Spec{{
		Name:          "app",
		Group:         "web",
		NonIdempotent: []string{"get /checkout", "* /rpc"},
	}})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	loc, err := table.Locate(&core.Request{URI: "/"})
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	want := []core.NIPRule{{Method: "GET", Prefix: "/checkout"}, {Prefix: "/rpc"}}
	if diff := cmp.Diff(want, loc.NonIdempotent); diff != "" {
		t.Fatalf("rules mismatch (-want +got):\n%s", diff)
	}
}

func TestNewTableRejects(t *testing.T) {
	t.Parallel()
	bad := [][]Spec{
		{{Name: "a"}, {Name: "a"}},
		{{Name: "a", Prefix: "api"}},
		{{Name: "a", NonIdempotent: []string{"POST"}}},
		{{Name: "a", NonIdempotent: []string{"POST api"}}},
	}
	for i, specs := range bad {
		if _, err := NewTable(specs); err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}
}
