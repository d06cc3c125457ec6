package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/session"
)

type fakeStore struct {
	sess    *session.Session
	touched int32
}

func (f *fakeStore) GetOrLoad(key string) *session.Session { return f.sess }

func (f *fakeStore) TouchUpdatedAt(ctx context.Context, sessionKey string, intended time.Time) error {
	atomic.AddInt32(&f.touched, 1)
	return nil
}

func TestTickSkipsWithNoPriorDeliveryTarget(t *testing.T) {
	sess := session.NewSession("k")
	store := &fakeStore{sess: sess}
	var runs int32
	sched := scheduler.New(4, func(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
		atomic.AddInt32(&runs, 1)
		return &scheduler.RunRecord{RunID: req.RunID, State: scheduler.StateFinal}, nil
	})

	hb := New(sched, store, nil, nil)
	hb.tick(context.Background(), "k", ChannelConfig{Channel: "whatsapp", Every: time.Minute})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatalf("expected no heartbeat run without a prior delivery target")
	}
}

func TestTickSkipsWhenProviderNotLinked(t *testing.T) {
	sess := session.NewSession("k")
	sess.SetLastDelivery("whatsapp", "wa", "owner@s.whatsapp.net")
	store := &fakeStore{sess: sess}
	var runs int32
	sched := scheduler.New(4, func(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
		atomic.AddInt32(&runs, 1)
		return &scheduler.RunRecord{RunID: req.RunID, State: scheduler.StateFinal}, nil
	})

	hb := New(sched, store, func(channel string) bool { return false }, nil)
	hb.tick(context.Background(), "k", ChannelConfig{Channel: "whatsapp", Every: time.Minute})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatalf("expected no heartbeat run when provider probe reports unlinked")
	}
}

func TestTickSkipsWhenAllOutputsDisabled(t *testing.T) {
	sess := session.NewSession("k")
	sess.SetLastDelivery("whatsapp", "wa", "owner@s.whatsapp.net")
	store := &fakeStore{sess: sess}
	var runs int32
	sched := scheduler.New(4, func(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
		atomic.AddInt32(&runs, 1)
		return &scheduler.RunRecord{RunID: req.RunID, State: scheduler.StateFinal}, nil
	})

	hb := New(sched, store, func(channel string) bool { return true }, nil)
	hb.tick(context.Background(), "k", ChannelConfig{Channel: "whatsapp", Every: time.Minute})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&runs) != 0 {
		t.Fatalf("expected no heartbeat run when visibility disables all outputs")
	}
}

func TestTickSkipsWhenUserRunInFlightOnQueueModeChannel(t *testing.T) {
	sess := session.NewSession("k")
	sess.SetLastDelivery("whatsapp", "wa", "owner@s.whatsapp.net")
	store := &fakeStore{sess: sess}

	release := make(chan struct{})
	var runs int32
	sched := scheduler.New(4, func(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
		atomic.AddInt32(&runs, 1)
		<-release
		return &scheduler.RunRecord{RunID: req.RunID, State: scheduler.StateFinal}, nil
	})

	// A fresh session defaults to queue mode (scheduler.sessionFor).
	sched.Submit(scheduler.Request{SessionKey: "k", RunID: "user-1", Body: "hi"})
	for i := 0; i < 200 && !sched.InFlight("k"); i++ {
		time.Sleep(time.Millisecond)
	}
	if !sched.InFlight("k") {
		t.Fatal("expected the user-driven run to be in flight")
	}

	hb := New(sched, store, func(channel string) bool { return true }, nil)
	hb.tick(context.Background(), "k", ChannelConfig{
		Channel:    "whatsapp",
		Every:      time.Minute,
		Visibility: Visibility{ShowAlerts: true},
	})

	close(release)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("expected heartbeat to be skipped outright (not queued) while a queue-mode channel's user run is in flight, got %d runs", runs)
	}
}

func TestTickStillSubmitsWhenChannelIsInInterruptMode(t *testing.T) {
	sess := session.NewSession("k")
	sess.SetLastDelivery("whatsapp", "wa", "owner@s.whatsapp.net")
	store := &fakeStore{sess: sess}

	release := make(chan struct{})
	var runs int32
	sched := scheduler.New(4, func(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
		n := atomic.AddInt32(&runs, 1)
		if n == 1 {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return &scheduler.RunRecord{RunID: req.RunID, State: scheduler.StateFinal}, nil
	})
	sched.SetMode("k", scheduler.ModeInterrupt)

	sched.Submit(scheduler.Request{SessionKey: "k", RunID: "user-1", Body: "hi"})
	for i := 0; i < 200 && !sched.InFlight("k"); i++ {
		time.Sleep(time.Millisecond)
	}

	hb := New(sched, store, func(channel string) bool { return true }, nil)
	hb.tick(context.Background(), "k", ChannelConfig{
		Channel:    "whatsapp",
		Every:      time.Minute,
		Visibility: Visibility{ShowAlerts: true},
	})
	close(release)

	var got int32
	for i := 0; i < 200; i++ {
		if got = atomic.LoadInt32(&runs); got >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got < 2 {
		t.Fatalf("expected the forced heartbeat to still run behind an interrupt-mode channel's in-flight run, got %d runs", got)
	}
}

func TestTickSubmitsForcedHeartbeatAndBumpsUpdatedAt(t *testing.T) {
	sess := session.NewSession("k")
	sess.SetLastDelivery("whatsapp", "wa", "owner@s.whatsapp.net")
	store := &fakeStore{sess: sess}

	bodies := make(chan string, 1)
	sched := scheduler.New(4, func(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
		bodies <- req.Body
		return &scheduler.RunRecord{RunID: req.RunID, State: scheduler.StateFinal}, nil
	})

	hb := New(sched, store, func(channel string) bool { return true }, nil)
	hb.tick(context.Background(), "k", ChannelConfig{
		Channel:    "whatsapp",
		Every:      time.Minute,
		ThinkLevel: "low",
		Visibility: Visibility{ShowAlerts: true},
	})

	select {
	case body := <-bodies:
		if body != "/think:low HEARTBEAT" {
			t.Fatalf("expected thinking-prefixed HEARTBEAT body, got %q", body)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a forced heartbeat run to be submitted")
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&store.touched) != 1 {
		t.Fatalf("expected TouchUpdatedAt to be called once")
	}
}

func TestHandleReplySuppressesOKWhenShowOKDisabled(t *testing.T) {
	hb := New(nil, nil, nil, nil)
	var delivered bool
	hb.deliver = func(ctx context.Context, channel, to, text string) error {
		delivered = true
		return nil
	}

	err := hb.HandleReply(context.Background(), ChannelConfig{
		Visibility: Visibility{ShowOK: false, ShowAlerts: true},
	}, "whatsapp", "owner@s.whatsapp.net", "all systems nominal HEARTBEAT_OK")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered {
		t.Fatalf("expected HEARTBEAT_OK reply to be suppressed when ShowOK is false")
	}
}

func TestHandleReplyCollapsesRepeatedOKTails(t *testing.T) {
	hb := New(nil, nil, nil, nil)
	var got string
	hb.deliver = func(ctx context.Context, channel, to, text string) error {
		got = text
		return nil
	}

	err := hb.HandleReply(context.Background(), ChannelConfig{
		Visibility: Visibility{ShowOK: true},
	}, "whatsapp", "owner@s.whatsapp.net", "checked in HEARTBEAT_OK HEARTBEAT_OK HEARTBEAT_OK")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "checked in HEARTBEAT_OK" {
		t.Fatalf("expected repeated HEARTBEAT_OK tails collapsed to one, got %q", got)
	}
}

func TestHandleReplyRespectsAckMaxChars(t *testing.T) {
	hb := New(nil, nil, nil, nil)
	var got string
	hb.deliver = func(ctx context.Context, channel, to, text string) error {
		got = text
		return nil
	}

	err := hb.HandleReply(context.Background(), ChannelConfig{
		Visibility:  Visibility{ShowAlerts: true},
		AckMaxChars: 5,
	}, "whatsapp", "owner@s.whatsapp.net", "disk usage critical on /var")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected ackMaxChars to truncate to 5 chars, got %q", got)
	}
}

func TestHandleReplyHonorsTargetAndToOverrides(t *testing.T) {
	hb := New(nil, nil, nil, nil)
	var gotChannel, gotTo string
	hb.deliver = func(ctx context.Context, channel, to, text string) error {
		gotChannel, gotTo = channel, to
		return nil
	}

	err := hb.HandleReply(context.Background(), ChannelConfig{
		Visibility: Visibility{ShowAlerts: true},
		Target:     "telegram",
		To:         "operator-chat",
	}, "whatsapp", "owner@s.whatsapp.net", "disk usage critical")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotChannel != "telegram" || gotTo != "operator-chat" {
		t.Fatalf("expected override target telegram/operator-chat, got %s/%s", gotChannel, gotTo)
	}
}
