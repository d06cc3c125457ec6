package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels/discord"
	"github.com/clawdis/clawdis/internal/channels/node"
	"github.com/clawdis/clawdis/internal/channels/telegram"
	"github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/channels/webchat"
	"github.com/clawdis/clawdis/internal/channels/whatsapp"
	whatsappconfig "github.com/clawdis/clawdis/internal/channels/whatsapp/config"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/gateway"
	"github.com/clawdis/clawdis/internal/media"

	. "github.com/clawdis/clawdis/internal/logging"
)

// ManagedChannel is re-exported from types for convenience.
type ManagedChannel = types.ManagedChannel

// ChannelStatus is re-exported from types for convenience.
type ChannelStatus = types.ChannelStatus

// Manager owns the lifecycle of every transport adapter (whatsapp, telegram,
// discord, webchat, node) and implements gateway.ChannelRegistry so the
// Gateway can resolve a channel name back to its Sender for delivery.
//
// Construction order is: build a Manager, build the Gateway with the Manager
// as its ChannelRegistry, then call SetSource(gw) and StartAll(ctx, cfg) —
// the Manager cannot hand adapters a gateway.EnvelopeSource until the
// Gateway holding this Manager as its registry exists.
type Manager struct {
	source     gateway.EnvelopeSource
	media      *media.MediaStore
	nodePrompt *node.QueuedPrompt

	mu       sync.RWMutex
	channels map[string]ManagedChannel
	senders  map[string]gateway.Sender
	cancels  map[string]context.CancelFunc

	ctx context.Context
}

// NewManager creates a channel manager. Paired-node approval is always
// remote (QueuedPrompt): the gateway normally runs headless/daemonized, so
// pairing requests park until an operator resolves them via the control
// plane's nodes.pending/approve/reject methods, not a blocking terminal
// read. NodePrompt exposes the queue for that wiring.
func NewManager(mediaStore *media.MediaStore) *Manager {
	return &Manager{
		media:      mediaStore,
		nodePrompt: node.NewQueuedPrompt(),
		channels:   make(map[string]ManagedChannel),
		senders:    make(map[string]gateway.Sender),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// NodePrompt exposes the paired-node pairing queue for control-plane wiring
// (nodes.pending/approve/reject).
func (m *Manager) NodePrompt() *node.QueuedPrompt {
	return m.nodePrompt
}

// SetSource wires the envelope sink (the Gateway) every adapter calls on an
// inbound message. Must be called before StartAll.
func (m *Manager) SetSource(source gateway.EnvelopeSource) {
	m.source = source
}

// Sender implements gateway.ChannelRegistry.
func (m *Manager) Sender(channel string) (gateway.Sender, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.senders[channel]
	return s, ok
}

// channelConfig returns the first configured entry of the given kind, or nil.
func channelConfig(cfg *config.Config, kind string) *config.ChannelConfig {
	for i := range cfg.Channels {
		if cfg.Channels[i].Kind == kind {
			return &cfg.Channels[i]
		}
	}
	return nil
}

// StartAll starts every enabled channel named in cfg.Channels, plus the
// paired-node bridge if cfg.Bridge.Enabled.
func (m *Manager) StartAll(ctx context.Context, cfg *config.Config) error {
	m.ctx = ctx

	if c := channelConfig(cfg, "whatsapp"); c != nil && c.Enabled() {
		m.startWithRetry(ctx, "whatsapp", func(ctx context.Context) (ManagedChannel, gateway.Sender, error) {
			bot, err := whatsapp.New(&whatsappconfig.Config{Enabled: true}, m.source, m.media)
			if err != nil {
				return nil, nil, err
			}
			if err := bot.Start(ctx); err != nil {
				return nil, nil, err
			}
			return bot, bot, nil
		})
	} else {
		L_info("whatsapp: disabled by configuration")
	}

	if c := channelConfig(cfg, "telegram"); c != nil && c.Enabled() && c.BotToken != "" {
		token := c.BotToken
		m.startWithRetry(ctx, "telegram", func(ctx context.Context) (ManagedChannel, gateway.Sender, error) {
			bot, err := telegram.New(&telegram.Config{Enabled: true, BotToken: token}, m.source, m.media)
			if err != nil {
				return nil, nil, err
			}
			if err := bot.Start(ctx); err != nil {
				return nil, nil, err
			}
			return bot, bot, nil
		})
	} else {
		L_info("telegram: disabled by configuration")
	}

	if c := channelConfig(cfg, "discord"); c != nil && c.Enabled() && c.BotToken != "" {
		token := c.BotToken
		m.startWithRetry(ctx, "discord", func(ctx context.Context) (ManagedChannel, gateway.Sender, error) {
			bot, err := discord.New(&discord.Config{Enabled: true, BotToken: token}, m.source, m.media)
			if err != nil {
				return nil, nil, err
			}
			if err := bot.Start(ctx); err != nil {
				return nil, nil, err
			}
			return bot, bot, nil
		})
	} else {
		L_info("discord: disabled by configuration")
	}

	if c := channelConfig(cfg, "webchat"); c != nil && c.Enabled() {
		port := c.Port
		if port == 0 {
			port = 7382
		}
		m.startWithRetry(ctx, "webchat", func(ctx context.Context) (ManagedChannel, gateway.Sender, error) {
			bot, err := webchat.New(&webchat.Config{Enabled: true, Port: port}, m.source, m.media)
			if err != nil {
				return nil, nil, err
			}
			if err := bot.Start(ctx); err != nil {
				return nil, nil, err
			}
			return bot, bot, nil
		})
	} else {
		L_info("webchat: disabled by configuration")
	}

	if cfg.Bridge.Enabled {
		bridgeCfg := cfg.Bridge
		m.startWithRetry(ctx, "node", func(ctx context.Context) (ManagedChannel, gateway.Sender, error) {
			bot, err := node.New(&node.Config{
				Enabled:   true,
				Port:      bridgeCfg.Port,
				Advertise: bridgeCfg.Advertise,
			}, m.source, m.nodePrompt.Prompt())
			if err != nil {
				return nil, nil, err
			}
			if err := bot.Start(ctx); err != nil {
				return nil, nil, err
			}
			return bot, bot, nil
		})
	} else {
		L_info("node: disabled by configuration")
	}

	m.subscribeConfigEvents()

	return nil
}

// startWithRetry starts one channel, retrying with exponential backoff in
// the background if the initial start fails (e.g. WhatsApp waiting on a QR
// scan, or a transient Telegram/Discord API outage).
func (m *Manager) startWithRetry(ctx context.Context, name string, start func(context.Context) (ManagedChannel, gateway.Sender, error)) {
	ch, sender, err := start(ctx)
	if err == nil {
		m.register(name, ch, sender)
		return
	}
	L_warn(name+": initial start failed, will retry in background", "error", err)

	retryCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[name] = cancel
	m.mu.Unlock()

	go func() {
		backoff := 5 * time.Second
		maxBackoff := 5 * time.Minute
		attempt := 1

		for {
			select {
			case <-retryCtx.Done():
				L_info(name + ": shutdown requested, stopping retry")
				return
			case <-time.After(backoff):
			}

			L_info(name+": retrying connection", "attempt", attempt, "backoff", backoff)
			ch, sender, err := start(retryCtx)
			if err != nil {
				L_warn(name+": connection failed", "error", err, "nextRetry", backoff)
				attempt++
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}

			m.register(name, ch, sender)
			L_info(name+": ready after retry", "attempts", attempt)
			return
		}
	}()
}

func (m *Manager) register(name string, ch ManagedChannel, sender gateway.Sender) {
	m.mu.Lock()
	m.channels[name] = ch
	m.senders[name] = sender
	m.mu.Unlock()
	bus.PublishEvent("channels."+name+".started", nil)
	L_info(name + ": channel ready and listening")
}

func (m *Manager) unregister(name string) {
	m.mu.Lock()
	if cancel, ok := m.cancels[name]; ok {
		cancel()
		delete(m.cancels, name)
	}
	delete(m.channels, name)
	delete(m.senders, name)
	m.mu.Unlock()
	bus.PublishEvent("channels."+name+".stopped", nil)
}

// subscribeConfigEvents reloads a channel whenever its
// "channels.<name>.config.applied" bus event fires. config.set publishes
// only the plain "config.applied" topic, so it does not trigger a reload.
func (m *Manager) subscribeConfigEvents() {
	for _, name := range []string{"whatsapp", "telegram", "discord", "webchat", "node"} {
		name := name
		bus.SubscribeEvent("channels."+name+".config.applied", func(event bus.Event) {
			cfg, ok := event.Data.(*config.Config)
			if !ok {
				L_error(name + ": invalid config event data")
				return
			}
			m.reload(name, cfg)
		})
	}
}

func (m *Manager) reload(name string, cfg *config.Config) {
	m.mu.RLock()
	ch := m.channels[name]
	m.mu.RUnlock()

	if ch != nil {
		L_info(name + ": stopping for config reload")
		if err := ch.Stop(); err != nil {
			L_error(name+": stop failed", "error", err)
		}
		m.unregister(name)
	}

	if err := m.StartAll(m.ctx, cfg); err != nil {
		L_error(name+": failed to restart with new config", "error", err)
	}
}

// StopAll gracefully shuts down every running channel.
func (m *Manager) StopAll() {
	m.mu.Lock()
	cancels := m.cancels
	channels := m.channels
	m.cancels = make(map[string]context.CancelFunc)
	m.channels = make(map[string]ManagedChannel)
	m.senders = make(map[string]gateway.Sender)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for name, ch := range channels {
		L_debug("channels: stopping", "channel", name)
		if err := ch.Stop(); err != nil {
			L_error("channels: stop failed", "channel", name, "error", err)
		}
		bus.PublishEvent("channels."+name+".stopped", nil)
	}
}

// NodeBot returns the running node-bridge adapter, or nil if it isn't
// enabled/running. Used by control-plane nodes.* handlers.
func (m *Manager) NodeBot() *node.Bot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bot, _ := m.channels["node"].(*node.Bot)
	return bot
}

// Reload applies new configuration to a running channel by name.
func (m *Manager) Reload(name string, cfg any) error {
	m.mu.RLock()
	ch, exists := m.channels[name]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %q not running", name)
	}
	return ch.Reload(cfg)
}

// Get returns a channel by name, or nil if not found.
func (m *Manager) Get(name string) ManagedChannel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}

// Status returns the status of every running channel.
func (m *Manager) Status() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]ChannelStatus, len(m.channels))
	for name, ch := range m.channels {
		result[name] = ch.Status()
	}
	return result
}
