package errpage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/relayd/internal/clock"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRenderDefaults(t *testing.T) {
	t.Parallel()
	p := New(nil, nil, clock.NewManual(epoch))
	got := string(p.Render(502, false))
	for _, want := range []string{
		"HTTP/1.1 502 Bad Gateway\r\n",
		"Date: Fri, 01 Mar 2024 12:00:00 GMT\r\n",
		"Content-Length: 0\r\n",
		"Connection: keep-alive\r\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
	if !strings.HasSuffix(got, "\r\n\r\n") {
		t.Fatalf("response not terminated: %q", got)
	}
	if !strings.Contains(string(p.Render(400, true)), "Connection: close\r\n") {
		t.Fatalf("close flag ignored")
	}
}

func TestRenderUnknownStatusFallsBack(t *testing.T) {
	t.Parallel()
	p := New(nil, nil, clock.NewManual(epoch))
	got := string(p.Render(418, false))
	if !strings.HasPrefix(got, "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Fatalf("unexpected %q", got)
	}
}

func TestCustomBodiesAndWildcards(t *testing.T) {
	t.Parallel()
	set, err := NewSet(map[string][]byte{
		"5*":  []byte("<html>down</html>"),
		"503": []byte("maintenance"),
	})
	if err != nil {
		t.Fatalf("new set: %v", err)
	}
	p := New(set, nil, clock.NewManual(epoch))

	gateway := p.Render(504, false)
	if !bytes.HasSuffix(gateway, []byte("\r\n\r\n<html>down</html>")) {
		t.Fatalf("wildcard body missing: %q", gateway)
	}
	if !bytes.Contains(gateway, []byte("Content-Type: text/html")) {
		t.Fatalf("content type missing: %q", gateway)
	}
	maint := string(p.Render(503, false))
	if !strings.HasSuffix(maint, "maintenance") || !strings.Contains(maint, "Content-Length: 11\r\n") {
		t.Fatalf("exact body should beat wildcard: %q", maint)
	}
	if !bytes.Contains(p.Render(404, false), []byte("Content-Length: 0\r\n")) {
		t.Fatalf("4xx should stay bodiless")
	}
}

func TestNewSetRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"418", "3*", "abc"} {
		if _, err := NewSet(map[string][]byte{key: []byte("x")}); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}
}

func TestReloadKeepsCurrentOnError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "502.html")
	if err := os.WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}
	set, err := Load(map[string]string{"502": path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := New(set, nil, nil)

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.HasSuffix(p.Render(502, false), []byte("second")) {
		t.Fatalf("reload not applied")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(); err == nil {
		t.Fatalf("expected reload error for missing file")
	}
	if !bytes.HasSuffix(p.Render(502, false), []byte("second")) {
		t.Fatalf("failed reload replaced the active set")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "503.html")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}
	set, err := Load(map[string]string{"503": path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p := New(set, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("watch: %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(path, []byte("new"), 0o600); err != nil {
			t.Fatal(err)
		}
		if bytes.HasSuffix(p.Render(503, false), []byte("new")) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("watcher never reloaded the page")
}
