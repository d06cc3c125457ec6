// Package node provides the paired-node channel adapter: it turns
// internal/bridge's low-level invoke/event protocol into envelope.Envelope
// values for the gateway, and implements gateway.Sender by invoking a
// "deliver" command on the node's live bridge connection.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawdis/clawdis/internal/bridge"
	chtypes "github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/gateway"
	. "github.com/clawdis/clawdis/internal/logging"
)

// Bot is the paired-node channel adapter.
type Bot struct {
	cfg      *Config
	source   gateway.EnvelopeSource
	registry *bridge.Registry
	server   *bridge.Server

	startedAt time.Time
	running   bool
	lastError error

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new node bridge bot. prompt governs pairing approval; pass
// nil to reject every pairing request. This package provides two
// bridge.OperatorPrompt sources: CLIPrompt (terminal QR code) and
// QueuedPrompt (remote approval, used by channels.Manager).
func New(cfg *Config, source gateway.EnvelopeSource, prompt bridge.OperatorPrompt) (*Bot, error) {
	registry, err := bridge.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("node: loading paired-node registry failed: %w", err)
	}

	b := &Bot{cfg: cfg, source: source, registry: registry}
	b.server = bridge.NewServer(registry, prompt, b.handleEvent)
	return b, nil
}

// Start begins listening for node connections (implements ManagedChannel).
func (b *Bot) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go func() {
		if err := b.server.ListenAndServe(b.ctx, b.cfg.Port); err != nil {
			L_error("node: listener failed", "error", err)
			b.lastError = err
		}
	}()
	b.running = true
	b.startedAt = time.Now()
	return nil
}

// Stop shuts down the node listener (implements ManagedChannel).
func (b *Bot) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	return nil
}

// Reload applies new configuration (implements ManagedChannel).
func (b *Bot) Reload(cfg any) error {
	newCfg, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("expected *node.Config, got %T", cfg)
	}
	wasRunning := b.running
	if wasRunning {
		if err := b.Stop(); err != nil {
			return err
		}
	}
	b.cfg = newCfg
	if wasRunning {
		return b.Start(b.ctx)
	}
	return nil
}

// Status returns current channel status (implements ManagedChannel).
func (b *Bot) Status() chtypes.ChannelStatus {
	return chtypes.ChannelStatus{
		Running:   b.running,
		Connected: b.running,
		Error:     b.lastError,
		StartedAt: b.startedAt,
		Info:      fmt.Sprintf("%d paired", len(b.registry.List())),
	}
}

// Name returns the channel name.
func (b *Bot) Name() string {
	return string(envelope.ChannelNode)
}

// Registry exposes the paired-node store for control-plane nodes.list.
func (b *Bot) Registry() *bridge.Registry {
	return b.registry
}

// Invoke runs an arbitrary command on a paired node, for control-plane
// nodes.invoke (unlike Send, the command isn't fixed to "deliver").
func (b *Bot) Invoke(ctx context.Context, nodeID, command string, paramsJSON json.RawMessage, timeout time.Duration) (bridge.Frame, error) {
	return b.server.Invoke(ctx, nodeID, command, paramsJSON, timeout)
}

// handleEvent is the bridge.EventSink: every "event" frame from an
// authenticated node connection is routed here.
func (b *Bot) handleEvent(nodeID string, f bridge.Frame) {
	switch f.Event {
	case "message":
		var payload bridge.MessagePayload
		if err := json.Unmarshal(f.PayloadJSON, &payload); err != nil {
			L_warn("node: malformed message event", "nodeId", nodeID, "error", err)
			return
		}
		if payload.Text == "" {
			return
		}

		env := envelope.Envelope{
			Channel:    envelope.ChannelNode,
			Provider:   "bridge",
			From:       nodeID,
			ChatType:   envelope.ChatDirect,
			ChatKey:    nodeID,
			Body:       payload.Text,
			RawBody:    payload.Text,
			ReceivedAt: time.Now(),
			MessageID:  fmt.Sprintf("%s-%d", nodeID, time.Now().UnixNano()),
		}

		if b.ctx == nil {
			return
		}
		if _, err := b.source.HandleEnvelope(b.ctx, env); err != nil {
			L_error("node: handle envelope failed", "error", err)
		}
	case "voice.transcript":
		var payload bridge.VoiceTranscriptPayload
		if err := json.Unmarshal(f.PayloadJSON, &payload); err != nil {
			L_warn("node: malformed voice.transcript event", "nodeId", nodeID, "error", err)
			return
		}
		if !payload.Deliver || payload.Text == "" {
			return
		}

		env := envelope.Envelope{
			Channel:    envelope.ChannelNode,
			Provider:   "bridge",
			From:       nodeID,
			ChatType:   envelope.ChatDirect,
			ChatKey:    nodeID,
			Body:       payload.Text,
			RawBody:    payload.Text,
			ReceivedAt: time.Now(),
			MessageID:  fmt.Sprintf("%s-voice-%d", nodeID, time.Now().UnixNano()),
		}
		if b.ctx == nil {
			return
		}
		if _, err := b.source.HandleEnvelope(b.ctx, env); err != nil {
			L_error("node: handle envelope failed", "error", err)
		}
	default:
		L_debug("node: unhandled event", "nodeId", nodeID, "event", f.Event)
	}
}

// Send delivers a reply to a paired node (implements gateway.Sender). `to`
// is the node ID, as recorded in the inbound envelope's ChatKey.
func (b *Bot) Send(ctx context.Context, to, text string) error {
	params, err := json.Marshal(bridge.DeliverParams{Text: text})
	if err != nil {
		return err
	}

	result, err := b.server.Invoke(ctx, to, "deliver", params, 10*time.Second)
	if err != nil {
		return fmt.Errorf("node: deliver to %q failed: %w", to, err)
	}
	if !result.OK {
		return fmt.Errorf("node: deliver to %q rejected: %s", to, result.Error)
	}
	return nil
}
