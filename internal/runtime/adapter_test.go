package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/clawerr"
)

func TestIsFallbackWorthy(t *testing.T) {
	cases := []struct {
		kind, msg string
		want      bool
	}{
		{"", "HTTP 429 too many requests", true},
		{"", "ECONNRESET: connection reset", true},
		{"", "invalid request format", false},
		{"aborted", "HTTP 429", false},
		{"", "authentication failed", true},
	}
	for _, c := range cases {
		if got := IsFallbackWorthy(c.kind, c.msg); got != c.want {
			t.Errorf("IsFallbackWorthy(%q, %q) = %v, want %v", c.kind, c.msg, got, c.want)
		}
	}
}

func TestRunWithFallbackAdvancesOnFallbackWorthyError(t *testing.T) {
	candidates := []ModelCandidate{
		{Provider: "anthropic", Model: "claude-opus"},
		{Provider: "anthropic", Model: "claude-sonnet"},
	}
	var attempted []string
	ev, err := RunWithFallback(context.Background(), candidates, func(ctx context.Context, c ModelCandidate) (*Event, error) {
		attempted = append(attempted, c.key())
		if c.Model == "claude-opus" {
			return nil, clawerr.New(clawerr.KindTimeout, "test", errors.New("ETIMEDOUT"))
		}
		return &Event{Type: EventFinal, Text: "ok"}, nil
	})
	if err != nil {
		t.Fatalf("expected success after fallback, got %v", err)
	}
	if ev.Text != "ok" {
		t.Fatalf("unexpected result: %+v", ev)
	}
	if len(attempted) != 2 {
		t.Fatalf("expected 2 attempts, got %v", attempted)
	}
}

func TestRunWithFallbackExhausted(t *testing.T) {
	candidates := []ModelCandidate{{Provider: "a", Model: "x"}, {Provider: "a", Model: "x"}}
	_, err := RunWithFallback(context.Background(), candidates, func(ctx context.Context, c ModelCandidate) (*Event, error) {
		return nil, clawerr.New(clawerr.KindTimeout, "test", errors.New("ETIMEDOUT"))
	})
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if !clawerr.Is(err, clawerr.KindFallbackExhausted) {
		t.Fatalf("expected KindFallbackExhausted, got %v", err)
	}
}

func TestVerboseCoalescerBatchesWithinWindow(t *testing.T) {
	lines := make(chan string, 10)
	c := NewVerboseCoalescer(VerboseOn, func(line string) { lines <- line })

	c.Handle(Event{Type: EventToolStart, Tool: "bash", Arg: "ls"})
	c.Handle(Event{Type: EventToolStart, Tool: "bash", Arg: "pwd"})

	select {
	case line := <-lines:
		t.Fatalf("expected no emission before window closes, got %q", line)
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case line := <-lines:
		if line != "[🛠️ bash] ls, pwd" {
			t.Fatalf("unexpected coalesced line: %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected coalesced emission after window")
	}
}
