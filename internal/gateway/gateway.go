package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/activation"
	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/clawerr"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/runtime"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/session"

	. "github.com/clawdis/clawdis/internal/logging"
)

// ChatEventTopic is the bus topic a running turn's step-by-step progress is
// published to. No package subscribes to it, so control-plane clients
// receive no per-run event stream.
const ChatEventTopic = "gateway.chat.event"

// Gateway is the inbound/outbound pipeline: envelopes in, authorized and
// scheduled agent turns out, delivered back through whichever channel the
// session's last delivery target names.
type Gateway struct {
	cfg      *config.Config
	sessions *session.Manager
	worker   *runtime.Worker
	channels ChannelRegistry
	sched    *scheduler.Scheduler

	pendingMu   sync.Mutex
	pending     map[string]chan runtime.Event
	runSession  map[string]string // runID -> sessionKey, for the typing-indicator hook
	typingFired map[string]bool   // runID -> whether the typing indicator already fired
}

// New builds a Gateway. Call Start to begin consuming worker events and
// accepting scheduler admissions.
func New(cfg *config.Config, sessions *session.Manager, worker *runtime.Worker, channels ChannelRegistry) *Gateway {
	g := &Gateway{
		cfg:         cfg,
		sessions:    sessions,
		worker:      worker,
		channels:    channels,
		pending:     make(map[string]chan runtime.Event),
		runSession:  make(map[string]string),
		typingFired: make(map[string]bool),
	}
	g.sched = scheduler.New(maxInFlight(cfg), g.runTurn)
	return g
}

func maxInFlight(cfg *config.Config) int {
	if cfg == nil || cfg.Gateway.Port == 0 {
		return 4
	}
	return 4
}

// Start launches the worker-event fan-in goroutine.
func (g *Gateway) Start(ctx context.Context) {
	go g.consumeWorkerEvents(ctx)
}

// Scheduler exposes the underlying scheduler for directive handling
// (/queue, /new, EmergencyStopAll) and for the heartbeat scheduler's Submit calls.
func (g *Gateway) Scheduler() *scheduler.Scheduler { return g.sched }

// Sessions exposes the session manager for the heartbeat scheduler and
// control-plane handlers.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// HandleEnvelope is the single entrypoint every channel adapter calls on an
// inbound message: authorize, parse directives, admit to the scheduler.
func (g *Gateway) HandleEnvelope(ctx context.Context, env envelope.Envelope) (string, error) {
	key := session.Key(env.AgentID, string(env.Channel), string(env.ChatType), env.ChatKey)
	sess := g.sessions.GetOrLoad(key)
	sess.SetLastDelivery(string(env.Channel), env.Provider, env.ChatKey)

	chCfg := g.channelConfig(env.Channel, env.AgentID)
	pins := sess.GetPins()

	decision := activation.Authorize(activation.Request{
		From:           env.From,
		ChatType:       activationChatType(env.ChatType),
		Allowlist:      allowlist(chCfg),
		Group:          groupPolicy(chCfg, pins),
		Body:           env.Body,
		MediaCaption:   mediaCaption(env),
		BotIdentifiers: []string{env.AgentID, "clawdis"},
	})

	if decision.Aborted {
		sess.SetAborted(true)
		g.sched.EmergencyStopAll(key)
		L_info("gateway: stop word received", "sessionKey", key)
		return "", nil
	}
	if !decision.Authorized {
		L_debug("gateway: envelope not authorized", "sessionKey", key, "reason", decision.Reason)
		return "", nil
	}

	body := env.Body
	forced := false
	if d, ok := activation.ParseDirective(body); ok {
		applyDirective(sess, d)
		if d.PinOnly {
			return "", nil
		}
		body = d.Remainder
		forced = d.Kind == activation.DirectiveNew || d.Kind == activation.DirectiveRestart
		if d.Kind == activation.DirectiveRestart {
			// /restart tears down whatever is running rather than queuing
			// behind it, the same emergency-stop path the stop-word check uses.
			g.sched.EmergencyStopAll(key)
		}
	}

	if pins.Aborted {
		body = "[Note: the previous turn was stopped by the user.] " + body
		sess.SetAborted(false)
	}

	runID := uuid.NewString()
	g.sched.Submit(scheduler.Request{
		SessionKey: key,
		RunID:      runID,
		Body:       body,
		Sender:     env.From,
		Forced:     forced,
		Reason:     "inbound:" + string(env.Channel),
		SubmitAt:   env.ReceivedAt,
	})
	return runID, nil
}

func activationChatType(c envelope.ChatType) activation.ChatType {
	if c == envelope.ChatGroup {
		return activation.ChatGroup
	}
	return activation.ChatDirect
}

func mediaCaption(env envelope.Envelope) string {
	if len(env.Media) == 0 {
		return ""
	}
	return env.Body
}

func applyDirective(sess *session.Session, d activation.Directive) {
	switch d.Kind {
	case activation.DirectiveThink:
		if activation.IsValidThinkingLevel(d.Value) {
			sess.SetPin("think", d.Value)
		}
	case activation.DirectiveVerbose:
		if activation.IsValidVerboseLevel(d.Value) {
			sess.SetPin("verbose", d.Value)
		}
	case activation.DirectiveQueue:
		if activation.IsValidQueueMode(d.Value) {
			sess.SetPin("queue", d.Value)
		}
	}
}

func (g *Gateway) channelConfig(ch envelope.Channel, agentID string) *config.ChannelConfig {
	if g.cfg == nil {
		return nil
	}
	for i := range g.cfg.Channels {
		c := &g.cfg.Channels[i]
		if c.Kind == string(ch) && (c.AgentID == "" || c.AgentID == agentID) {
			return c
		}
	}
	return nil
}

func allowlist(c *config.ChannelConfig) []string {
	if c == nil {
		return nil
	}
	return c.AllowedUsers
}

func groupPolicy(c *config.ChannelConfig, pins session.Pins) activation.GroupPolicy {
	p := activation.GroupPolicy{}
	if c != nil {
		p.Allowlisted = len(c.Group.Allowlisted) > 0
		p.Activation = c.Group.Activation
		p.RequireMention = c.Group.RequireMention
	}
	if pins.GroupActivation != "" {
		p.Activation = pins.GroupActivation
	}
	return p
}

// runTurn is the scheduler.Runner: it drives one request through the agent
// worker and delivers the result.
func (g *Gateway) runTurn(ctx context.Context, req scheduler.Request) (*scheduler.RunRecord, error) {
	sess := g.sessions.GetOrLoad(req.SessionKey)
	pins := sess.GetPins()

	ch := make(chan runtime.Event, 1)
	g.pendingMu.Lock()
	g.pending[req.RunID] = ch
	g.runSession[req.RunID] = req.SessionKey
	g.pendingMu.Unlock()
	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, req.RunID)
		delete(g.runSession, req.RunID)
		delete(g.typingFired, req.RunID)
		g.pendingMu.Unlock()
	}()

	thinkingFlag, body := runtime.ApplyThinking(req.Body, pins.ThinkingLevel, true)

	if err := g.worker.Send(runtime.RunRequest{
		Type:       "run",
		RunID:      req.RunID,
		SessionKey: req.SessionKey,
		Body:       body,
		Thinking:   thinkingFlag,
		ModelRef:   g.cfg.LLM.Model,
	}); err != nil {
		return nil, clawerr.Wrap(clawerr.KindTransport, "gateway.runTurn", "failed to send run request", err)
	}

	sess.AddUserMessage(req.Body, req.Sender)

	record := &scheduler.RunRecord{RunID: req.RunID, SessionKey: req.SessionKey, State: scheduler.StateRunning, StartedAt: time.Now()}

	select {
	case <-ctx.Done():
		_ = g.worker.Send(runtime.CancelRequest{Type: "cancel", RunID: req.RunID})
		record.State = scheduler.StateCancelled
		record.Cancelled = true
		record.EndedAt = time.Now()
		return record, nil
	case ev := <-ch:
		record.EndedAt = time.Now()
		switch ev.Type {
		case runtime.EventFinal:
			sess.AddAssistantMessage(ev.Text)
			record.State = scheduler.StateFinal
			g.deliver(ctx, sess, ev.Text)
			if !req.Forced {
				g.mirrorToOthers(ctx, req.SessionKey, ev.Text)
			}
		case runtime.EventError:
			record.State = scheduler.StateFailed
			record.Err = fmt.Errorf("%s: %s", ev.Kind, ev.Message)
		default:
			record.State = scheduler.StateFinal
		}
		return record, nil
	}
}

// mirrorToOthers delivers a copy of a direct-chat reply to every other
// enabled channel's configured primary user, when delivery.mirror is on.
// Clawdis has a single owner per agent identity, so "the other channels the
// user is connected to" is simply every other configured channel entry's
// first allowedUsers recipient — there's no cross-channel identity registry
// to resolve against. Group chats and forced (heartbeat/cron) runs never
// mirror.
func (g *Gateway) mirrorToOthers(ctx context.Context, sessionKey, text string) {
	if g.cfg == nil || !g.cfg.Delivery.Mirror || g.channels == nil {
		return
	}
	if session.IsGroup(sessionKey) {
		return
	}
	parsed, ok := session.ParseKey(sessionKey)
	if !ok {
		return
	}
	for i := range g.cfg.Channels {
		c := &g.cfg.Channels[i]
		if !c.Enabled() || c.Kind == parsed.Channel || len(c.AllowedUsers) == 0 {
			continue
		}
		sender, ok := g.channels.Sender(c.Kind)
		if !ok {
			continue
		}
		to := c.AllowedUsers[0]
		if err := sender.Send(ctx, to, "[mirror:"+parsed.Channel+"] "+text); err != nil {
			L_debug("gateway: mirror delivery failed", "channel", c.Kind, "error", err)
		}
	}
}

func (g *Gateway) deliver(ctx context.Context, sess *session.Session, text string) {
	channel, _, to := sess.GetLastDelivery()
	if g.channels == nil {
		return
	}
	sender, ok := g.channels.Sender(channel)
	if !ok {
		L_warn("gateway: no sender registered for channel", "channel", channel)
		return
	}
	if err := sender.Send(ctx, to, text); err != nil {
		L_error("gateway: delivery failed", "channel", channel, "to", to, "error", err)
	}
}

// consumeWorkerEvents fans out the worker's single event stream to whichever
// in-flight run is waiting on it, and republishes streaming events on the bus
// under ChatEventTopic (no package subscribes to it).
func (g *Gateway) consumeWorkerEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-g.worker.Events():
			if !ok {
				return
			}
			bus.PublishEvent(ChatEventTopic, ev)
			g.maybeStartTyping(ev.RunID)

			switch ev.Type {
			case runtime.EventFinal, runtime.EventError, runtime.EventAgentEnd:
				g.pendingMu.Lock()
				if ch, ok := g.pending[ev.RunID]; ok {
					select {
					case ch <- ev:
					default:
					}
				}
				g.pendingMu.Unlock()
			}
		}
	}
}

// maybeStartTyping raises the destination channel's typing/presence
// indicator the first time any event for runID is observed — i.e. as soon
// as the agent worker produces its first payload, not when the run was
// submitted. Subsequent events for the same run are no-ops.
func (g *Gateway) maybeStartTyping(runID string) {
	g.pendingMu.Lock()
	sessionKey, ok := g.runSession[runID]
	if !ok || g.typingFired[runID] {
		g.pendingMu.Unlock()
		return
	}
	g.typingFired[runID] = true
	g.pendingMu.Unlock()

	if g.channels == nil {
		return
	}
	sess := g.sessions.GetOrLoad(sessionKey)
	channel, _, to := sess.GetLastDelivery()
	sender, ok := g.channels.Sender(channel)
	if !ok {
		return
	}
	typer, ok := sender.(Typer)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := typer.Typing(ctx, to); err != nil {
			L_debug("gateway: typing indicator failed", "channel", channel, "error", err)
		}
	}()
}
