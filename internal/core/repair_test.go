package core

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRepairResendsFirstThenRest(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\nGET /b 0\nGET /c 0\n")

	sc.Detach()
	if !sc.Restricted() || sc.Schedulable() {
		t.Fatalf("detached connection with a queue must be restricted")
	}
	fresh := newRecTransport()
	sc.Attach(fresh)
	if diff := cmp.Diff([]string{"GET /a 0\n"}, fresh.sends); diff != "" {
		t.Fatalf("only the head is replayed first (-want +got):\n%s", diff)
	}

	h.reply(sc, "200 1\nA")
	want := []string{"GET /a 0\n", "GET /b 0\n", "GET /c 0\n"}
	if diff := cmp.Diff(want, fresh.sends); diff != "" {
		t.Fatalf("rest of the queue replayed after first response (-want +got):\n%s", diff)
	}
	if !sc.Restricted() {
		t.Fatalf("restriction lifts only when the queue drains")
	}
	h.reply(sc, "200 1\nB200 1\nC")
	if sc.Restricted() {
		t.Fatalf("restriction must lift once the queue is empty")
	}
	if got := client.output(); got != "200 1\nA200 1\nB200 1\nC" {
		t.Fatalf("client output = %q", got)
	}
}

func TestRepairEvictsNonIdempotentAndSendsNext(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, tr := h.backend()
	writer, writerOut := h.client()
	reader, readerOut := h.client()
	h.process(writer, "POST /x 0\n")
	h.process(reader, "GET /y 0\n")
	if diff := cmp.Diff([]string{"POST /x 0\n"}, tr.sends); diff != "" {
		t.Fatalf("request behind a non-idempotent one must wait (-want +got):\n%s", diff)
	}

	sc.Detach()
	fresh := newRecTransport()
	sc.Attach(fresh)

	if diff := cmp.Diff([]string{"GET /y 0\n"}, fresh.sends); diff != "" {
		t.Fatalf("only the queued request goes out on reconnect (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(writerOut.output(), "HTTP/1.1 504 ") {
		t.Fatalf("writer output = %q", writerOut.output())
	}
	if entry, ok := h.log.find("relayd.request.failed"); ok {
		t.Fatalf("error logging disabled, got %v", entry)
	}

	h.reply(sc, "200 1\nY")
	if got := readerOut.output(); got != "200 1\nY" {
		t.Fatalf("reader output = %q", got)
	}
	if sc.Restricted() || sc.Depth() != 0 {
		t.Fatalf("restricted=%v depth=%d", sc.Restricted(), sc.Depth())
	}
}

func TestRepeatedDisconnectDuringRepair(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\nGET /b 0\nGET /c 0\n")

	sc.Detach()
	first := newRecTransport()
	sc.Attach(first)
	h.reply(sc, "200 1\nA")
	want := []string{"GET /a 0\n", "GET /b 0\n", "GET /c 0\n"}
	if diff := cmp.Diff(want, first.sends); diff != "" {
		t.Fatalf("first replay (-want +got):\n%s", diff)
	}

	sc.Detach()
	second := newRecTransport()
	sc.Attach(second)
	if diff := cmp.Diff([]string{"GET /b 0\n"}, second.sends); diff != "" {
		t.Fatalf("second reconnect replays the head first (-want +got):\n%s", diff)
	}
	h.reply(sc, "200 1\nB")
	if diff := cmp.Diff([]string{"GET /b 0\n", "GET /c 0\n"}, second.sends); diff != "" {
		t.Fatalf("rest of the queue after the second reconnect (-want +got):\n%s", diff)
	}
	h.reply(sc, "200 1\nC")
	if sc.Restricted() || !sc.Schedulable() || sc.Depth() != 0 {
		t.Fatalf("restricted=%v schedulable=%v depth=%d", sc.Restricted(), sc.Schedulable(), sc.Depth())
	}
	if got := client.output(); got != "200 1\nA200 1\nB200 1\nC" {
		t.Fatalf("client output = %q", got)
	}
}

func TestRepairReplaysNonIdempotentWhenAllowed(t *testing.T) {
	h := newHarness(t, GroupPolicy{MaxAge: time.Minute, MaxRetries: 3, RetryNonIdempotent: true}, Settings{})
	sc, _ := h.backend()
	cc, _ := h.client()
	h.process(cc, "POST /x 0\n")

	sc.Detach()
	fresh := newRecTransport()
	sc.Attach(fresh)
	if got := fresh.output(); got != "POST /x 0\n" {
		t.Fatalf("replay output = %q", got)
	}
}

func TestRetryBudgetEvicts(t *testing.T) {
	h := newHarness(t, GroupPolicy{MaxAge: time.Minute, MaxRetries: 1}, Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")

	sc.Detach()
	first := newRecTransport()
	sc.Attach(first)
	if first.count() != 1 {
		t.Fatalf("expected one replay, got %d", first.count())
	}
	sc.Detach()
	second := newRecTransport()
	sc.Attach(second)
	if second.count() != 0 {
		t.Fatalf("retry budget exhausted, got replay %q", second.output())
	}
	if !strings.HasPrefix(client.output(), "HTTP/1.1 504 ") {
		t.Fatalf("client output = %q", client.output())
	}
	if sc.Depth() != 0 {
		t.Fatalf("depth = %d", sc.Depth())
	}
}

func TestStreamedRequestIsNotReplayed(t *testing.T) {
	h := newHarness(t, GroupPolicy{MaxAge: time.Minute, MaxRetries: 5}, Settings{BufferThreshold: 8})
	sc, tr := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /s 4\nab")
	h.process(cc, "cd")
	if got := tr.output(); got != "GET /s 4\nabcd" {
		t.Fatalf("streamed output = %q", got)
	}

	sc.Detach()
	fresh := newRecTransport()
	sc.Attach(fresh)
	if fresh.count() != 0 {
		t.Fatalf("streamed request replayed without its body: %q", fresh.output())
	}
	if !strings.HasPrefix(client.output(), "HTTP/1.1 504 ") {
		t.Fatalf("client output = %q", client.output())
	}
	if sc.Depth() != 0 || sc.Restricted() {
		t.Fatalf("depth=%d restricted=%v", sc.Depth(), sc.Restricted())
	}
}

func TestDeadConnectionShedsExpiredRequests(t *testing.T) {
	h := newHarness(t, GroupPolicy{MaxAge: time.Second, MaxRetries: 3}, Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")

	sc.Detach()
	h.clk.Advance(5 * time.Second)
	sc.Maintain()
	if !strings.HasPrefix(client.output(), "HTTP/1.1 504 ") {
		t.Fatalf("client output = %q", client.output())
	}
	if sc.Depth() != 0 || sc.Restricted() {
		t.Fatalf("depth=%d restricted=%v", sc.Depth(), sc.Restricted())
	}
}

func TestRemoveReschedulesToOtherConnection(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc1, _ := h.backend()
	sc2, t2 := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")
	if sc1.Depth() != 1 {
		t.Fatalf("expected request on first connection")
	}

	sc1.Detach()
	sc1.Remove()
	if got := t2.output(); got != "GET /a 0\n" {
		t.Fatalf("rescheduled output = %q", got)
	}
	if sc1.Depth() != 0 || sc2.Depth() != 1 {
		t.Fatalf("request must live in exactly one queue: %d %d", sc1.Depth(), sc2.Depth())
	}
	h.reply(sc2, "200 1\nA")
	if got := client.output(); got != "200 1\nA" {
		t.Fatalf("client output = %q", got)
	}
}

func TestRemoveWithoutAlternativeAnswers502(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, _ := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")

	sc.Detach()
	sc.Remove()
	if !strings.HasPrefix(client.output(), "HTTP/1.1 502 ") {
		t.Fatalf("client output = %q", client.output())
	}
}

func TestRemoveEvictsStreamedRequests(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{BufferThreshold: 8})
	sc, _ := h.backend()
	_, t2 := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /s 4\nab")
	if sc.Depth() != 1 {
		t.Fatalf("expected streamed request on first connection")
	}

	sc.Detach()
	sc.Remove()
	if t2.count() != 0 {
		t.Fatalf("streamed request rescheduled: %q", t2.output())
	}
	if !strings.HasPrefix(client.output(), "HTTP/1.1 504 ") {
		t.Fatalf("client output = %q", client.output())
	}
}

func TestDestroyReleasesQueue(t *testing.T) {
	h := newHarness(t, defaultPolicy(), Settings{})
	sc, backend := h.backend()
	cc, client := h.client()
	h.process(cc, "GET /a 0\n")

	sc.Destroy()
	if _, closed := backend.state(); !closed {
		t.Fatalf("transport not closed")
	}
	if _, closed := client.state(); !closed {
		t.Fatalf("client with a released request must be closed")
	}
	if sc.Depth() != 0 || cc.Pending() != 0 {
		t.Fatalf("depth=%d pending=%d", sc.Depth(), cc.Pending())
	}
	sc.Attach(newRecTransport())
	if sc.Connected() {
		t.Fatalf("destroyed connection accepted a transport")
	}
}
