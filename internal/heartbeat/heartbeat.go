// Package heartbeat runs the per-channel periodic probe described in the
// Gateway's component design: a forced-sync "HEARTBEAT" turn whose reply is
// filtered and delivered (or suppressed) according to channel visibility.
package heartbeat

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/session"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Visibility controls what a heartbeat turn is allowed to surface.
type Visibility struct {
	ShowAlerts   bool
	ShowOK       bool
	UseIndicator bool
}

// allOutputsDisabled reports whether every output channel for a heartbeat is off.
func (v Visibility) allOutputsDisabled() bool {
	return !v.ShowAlerts && !v.ShowOK && !v.UseIndicator
}

// ChannelConfig is one channel's heartbeat configuration.
type ChannelConfig struct {
	Channel     string
	Every       time.Duration
	ThinkLevel  string // optional /think:<level> directive prefix
	Visibility  Visibility
	AckMaxChars int    // 0 disables the size cap
	Target      string // override for delivery channel, "" = lastChannel
	To          string // override for delivery target, "" = lastTo
}

// ProviderProbe reports whether a channel's provider is linked and has an
// active listener (e.g. webAuthExists && hasActiveWebListener for WhatsApp).
type ProviderProbe func(channel string) bool

// Deliverer sends the (possibly filtered) heartbeat reply to a transport.
type Deliverer func(ctx context.Context, channel, to, text string) error

// SessionStore is the subset of session.Manager heartbeat needs: looking up
// the main session per channel and merging the updatedAt watermark on write.
type SessionStore interface {
	GetOrLoad(key string) *session.Session
	TouchUpdatedAt(ctx context.Context, sessionKey string, intended time.Time) error
}

var heartbeatOKTail = regexp.MustCompile(`(?:HEARTBEAT_OK\s*)+$`)

// stripMarkup removes a permissive set of markdown/HTML-ish wrapping before
// scanning for the HEARTBEAT_OK sentinel, matching how a chat transport's
// reply is cleaned before being compared to plain text.
var markupPattern = regexp.MustCompile(`[*~\x60]|<[^>]+>`)

func stripMarkup(s string) string {
	return markupPattern.ReplaceAllString(s, "")
}

// Scheduler runs per-channel heartbeats on their configured interval.
type Scheduler struct {
	sched   *scheduler.Scheduler
	store   SessionStore
	probe   ProviderProbe
	deliver Deliverer
}

// New creates a heartbeat Scheduler.
func New(sched *scheduler.Scheduler, store SessionStore, probe ProviderProbe, deliver Deliverer) *Scheduler {
	return &Scheduler{sched: sched, store: store, probe: probe, deliver: deliver}
}

// Run starts the periodic loop for one channel's config until ctx is done.
func (s *Scheduler) Run(ctx context.Context, sessionKey string, cfg ChannelConfig) {
	if cfg.Every <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, sessionKey, cfg)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, sessionKey string, cfg ChannelConfig) {
	sess := s.store.GetOrLoad(sessionKey)
	_, _, lastTo := sess.GetLastDelivery()

	if lastTo == "" {
		L_debug("heartbeat: skipped, no prior delivery target", "channel", cfg.Channel)
		return
	}
	if s.probe != nil && !s.probe(cfg.Channel) {
		L_debug("heartbeat: skipped, provider not linked", "channel", cfg.Channel)
		return
	}
	if cfg.Visibility.allOutputsDisabled() {
		L_debug("heartbeat: skipped, all outputs disabled", "channel", cfg.Channel)
		return
	}
	if s.sched.ModeFor(sessionKey) == scheduler.ModeQueue && s.sched.InFlight(sessionKey) {
		// A queue-mode channel holds user-driven work in strict order; a
		// heartbeat is low-value background noise, so it's dropped outright
		// rather than queued behind the user's run.
		L_debug("heartbeat: skipped, user-driven run in flight on a queue-mode channel", "channel", cfg.Channel)
		return
	}

	body := "HEARTBEAT"
	if cfg.ThinkLevel != "" {
		body = "/think:" + cfg.ThinkLevel + " " + body
	}

	s.sched.Submit(scheduler.Request{
		SessionKey: sessionKey,
		RunID:      "heartbeat-" + time.Now().Format("150405.000"),
		Body:       body,
		Forced:     true,
		Reason:     "heartbeat:" + cfg.Channel,
	})

	if err := s.store.TouchUpdatedAt(ctx, sessionKey, time.Now()); err != nil {
		L_warn("heartbeat: failed to bump session updatedAt", "channel", cfg.Channel, "error", err)
	}
}

// HandleReply filters a completed heartbeat run's text per visibility rules
// and, if it should be delivered, hands it to Deliverer. Call this from the
// run completion path for runs tagged as heartbeat.
func (s *Scheduler) HandleReply(ctx context.Context, cfg ChannelConfig, target, to, text string) error {
	stripped := stripMarkup(text)
	collapsed := heartbeatOKTail.ReplaceAllString(stripped, "HEARTBEAT_OK")

	isOK := strings.Contains(collapsed, "HEARTBEAT_OK")
	if isOK && !cfg.Visibility.ShowOK {
		return nil
	}
	if !isOK && !cfg.Visibility.ShowAlerts {
		return nil
	}

	deliverTo := to
	if cfg.To != "" {
		deliverTo = cfg.To
	}
	deliverChannel := target
	if cfg.Target != "" {
		deliverChannel = cfg.Target
	}

	out := collapsed
	if cfg.AckMaxChars > 0 && len(out) > cfg.AckMaxChars {
		out = out[:cfg.AckMaxChars]
	}

	if s.deliver == nil {
		return nil
	}
	return s.deliver(ctx, deliverChannel, deliverTo, out)
}
