// Package gateway wires activation, the session scheduler, the agent
// runtime adapter, the heartbeat scheduler, and the channel adapters into
// one inbound/outbound pipeline.
package gateway

import (
	"context"

	"github.com/clawdis/clawdis/internal/envelope"
)

// Sender is implemented by every channel adapter: it delivers outbound text
// (and, via media refs embedded in text, attachments) to one chat.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Typer is an optional capability a Sender can implement to raise a
// typing/presence indicator. The gateway calls it once a run's worker
// produces its first event, not when the inbound message arrives, so the
// indicator reflects actual in-flight work rather than scheduler admission
// latency. The discord, webchat and node adapters don't implement it
// (webchat's Typing(to, on) has a different signature and is never called
// by the gateway).
type Typer interface {
	Typing(ctx context.Context, to string) error
}

// ChannelRegistry resolves a channel name to its Sender, so the gateway can
// deliver a reply on whichever transport a session's lastChannel names.
type ChannelRegistry interface {
	Sender(channel string) (Sender, bool)
}

// EnvelopeSource is what every channel adapter calls on an inbound message.
// It returns the scheduler RunID assigned to the resulting turn, or ""
// alongside a nil error when the envelope produced no run (a pin-only
// directive, an unauthorized sender, a stop word).
type EnvelopeSource interface {
	HandleEnvelope(ctx context.Context, env envelope.Envelope) (runID string, err error)
}
