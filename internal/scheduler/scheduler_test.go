package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestForcedRequestsCollapseBehindInFlight(t *testing.T) {
	var runs int32
	release := make(chan struct{})
	first := make(chan struct{})

	runner := func(ctx context.Context, req Request) (*RunRecord, error) {
		n := atomic.AddInt32(&runs, 1)
		if n == 1 {
			close(first)
			<-release
		}
		return &RunRecord{RunID: req.RunID, SessionKey: req.SessionKey, State: StateFinal}, nil
	}

	s := New(4, runner)
	s.Submit(Request{SessionKey: "agent:a:whatsapp:direct:main", RunID: "r1", Forced: true})
	<-first

	s.Submit(Request{SessionKey: "agent:a:whatsapp:direct:main", RunID: "r2", Forced: true, Reason: "first"})
	s.Submit(Request{SessionKey: "agent:a:whatsapp:direct:main", RunID: "r3", Forced: true, Reason: "second"})

	sq := s.sessionFor("agent:a:whatsapp:direct:main")
	sq.mu.Lock()
	if sq.forced == nil || sq.forced.Reason != "second" {
		sq.mu.Unlock()
		t.Fatalf("expected collapsed forced slot to carry latest reason")
	}
	sq.mu.Unlock()

	close(release)
	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Fatalf("expected exactly 2 runs (initial + collapsed), got %d", got)
	}
}

func TestQueueModeMergesPendingBodies(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	release := make(chan struct{})
	first := make(chan struct{})

	runner := func(ctx context.Context, req Request) (*RunRecord, error) {
		mu.Lock()
		bodies = append(bodies, req.Body)
		mu.Unlock()
		if req.RunID == "r1" {
			close(first)
			<-release
		}
		return &RunRecord{RunID: req.RunID, State: StateFinal}, nil
	}

	s := New(4, runner)
	s.SetMode("k", ModeQueue)
	s.Submit(Request{SessionKey: "k", RunID: "r1", Body: "hello"})
	<-first

	s.Submit(Request{SessionKey: "k", RunID: "r2", Body: "world", Sender: "alice"})
	close(release)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 runs, got %d: %v", len(bodies), bodies)
	}
	if bodies[1] != "alice: world" {
		t.Fatalf("expected merged body with sender attribution, got %q", bodies[1])
	}
}

func TestInterruptModeCancelsInFlightRun(t *testing.T) {
	var cancelled int32
	started := make(chan struct{})

	runner := func(ctx context.Context, req Request) (*RunRecord, error) {
		if req.RunID == "r1" {
			close(started)
			<-ctx.Done()
			atomic.StoreInt32(&cancelled, 1)
			return &RunRecord{RunID: req.RunID, State: StateCancelled}, nil
		}
		return &RunRecord{RunID: req.RunID, State: StateFinal}, nil
	}

	s := New(4, runner)
	s.SetMode("k", ModeInterrupt)
	s.Submit(Request{SessionKey: "k", RunID: "r1", Body: "first"})
	<-started

	s.Submit(Request{SessionKey: "k", RunID: "r2", Body: "second"})
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&cancelled) != 1 {
		t.Fatalf("expected in-flight run to be cancelled")
	}
}

// TestHandoffNeverOverlapsRuns stresses the forced-collapse handoff path in
// afterRun: a successor run must never start until the prior run's slot is
// genuinely free, so at most one run per sessionKey ever executes at once.
func TestHandoffNeverOverlapsRuns(t *testing.T) {
	const key = "agent:a:whatsapp:direct:main"
	var active, maxActive int32

	runner := func(ctx context.Context, req Request) (*RunRecord, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&maxActive)
			if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return &RunRecord{RunID: req.RunID, SessionKey: req.SessionKey, State: StateFinal}, nil
	}

	s := New(8, runner)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Submit(Request{SessionKey: key, RunID: fmt.Sprintf("r%d", i), Forced: true})
		}(i)
	}
	wg.Wait()
	time.Sleep(300 * time.Millisecond)

	if got := atomic.LoadInt32(&maxActive); got > 1 {
		t.Fatalf("expected at most one run in flight per sessionKey at a time, got %d concurrent", got)
	}
}
