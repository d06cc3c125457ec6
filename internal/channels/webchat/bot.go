// Package webchat serves the built-in browser chat channel: a loopback-only
// (127.0.0.1) WebSocket endpoint a user connects to directly, without any
// external chat provider in the middle.
package webchat

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	chtypes "github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/gateway"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/media"
)

// inboundMessage is what a browser client sends over the socket.
type inboundMessage struct {
	Type string `json:"type"` // "message"
	Text string `json:"text"`
}

// outboundMessage is what the Gateway pushes back to a browser client.
type outboundMessage struct {
	Type string `json:"type"` // "message" | "typing"
	Text string `json:"text,omitempty"`
}

// client is one connected browser tab. Each client is its own chat session
// (webchat has no group concept, and no cross-tab identity to merge on).
type client struct {
	id   string
	conn *websocket.Conn
	send chan outboundMessage
	mu   sync.Mutex
}

func (c *client) writeLoop() {
	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteJSON(msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// Bot is the WebChat channel adapter.
type Bot struct {
	cfg    *Config
	source gateway.EnvelopeSource
	media  *media.MediaStore

	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.RWMutex
	clients map[string]*client

	startedAt time.Time
	running   bool
	lastError error

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WebChat bot.
func New(cfg *Config, source gateway.EnvelopeSource, store *media.MediaStore) (*Bot, error) {
	return &Bot{
		cfg:    cfg,
		source: source,
		media:  store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}, nil
}

// Start launches the WebChat HTTP/WebSocket listener (implements ManagedChannel).
func (b *Bot) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleConnect)

	addr := fmt.Sprintf("127.0.0.1:%d", b.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webchat: listen failed: %w", err)
	}

	b.server = &http.Server{Handler: mux}
	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			L_error("webchat: serve failed", "error", err)
			b.lastError = err
		}
	}()

	b.running = true
	b.startedAt = time.Now()
	L_info("webchat: listening", "addr", addr)
	return nil
}

// Stop shuts down the listener and disconnects all clients (implements ManagedChannel).
func (b *Bot) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.running = false
	if b.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.server.Shutdown(ctx)
}

// Reload applies new configuration (implements ManagedChannel).
func (b *Bot) Reload(cfg any) error {
	newCfg, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("expected *webchat.Config, got %T", cfg)
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
	b.mu.RLock()
	count := len(b.clients)
	b.mu.RUnlock()
	return chtypes.ChannelStatus{
		Running:   b.running,
		Connected: b.running,
		Error:     b.lastError,
		StartedAt: b.startedAt,
		Info:      fmt.Sprintf("%d connected", count),
	}
}

// Name returns the channel name.
func (b *Bot) Name() string {
	return string(envelope.ChannelWebChat)
}

func (b *Bot) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("webchat: upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan outboundMessage, 32)}
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()

	L_debug("webchat: client connected", "id", c.id)

	go c.writeLoop()
	b.readLoop(c)

	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
	close(c.send)
}

func (b *Bot) readLoop(c *client) {
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "message" || msg.Text == "" {
			continue
		}

		env := envelope.Envelope{
			Channel:    envelope.ChannelWebChat,
			Provider:   "websocket",
			From:       c.id,
			ChatType:   envelope.ChatDirect,
			ChatKey:    c.id,
			Body:       msg.Text,
			RawBody:    msg.Text,
			ReceivedAt: time.Now(),
			MessageID:  uuid.NewString(),
		}

		if _, err := b.source.HandleEnvelope(b.ctx, env); err != nil {
			L_error("webchat: handle envelope failed", "error", err)
		}
	}
}

// Send delivers a reply to a connected browser client (implements
// gateway.Sender). `to` is the client's connection id, as recorded in the
// inbound envelope's ChatKey.
func (b *Bot) Send(ctx context.Context, to, text string) error {
	b.mu.RLock()
	c, ok := b.clients[to]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("webchat: client %q not connected", to)
	}

	if media.ContainsMediaRefs(text) {
		text = stripMediaRefsToCaption(text)
	}

	select {
	case c.send <- outboundMessage{Type: "message", Text: text}:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("webchat: send to %q timed out", to)
	}
}

// Typing pushes a typing-indicator event to a connected client, per the
// typing indicators supplemented feature.
func (b *Bot) Typing(to string, on bool) {
	b.mu.RLock()
	c, ok := b.clients[to]
	b.mu.RUnlock()
	if !ok {
		return
	}
	text := "stop"
	if on {
		text = "start"
	}
	select {
	case c.send <- outboundMessage{Type: "typing", Text: text}:
	default:
	}
}

// stripMediaRefsToCaption replaces media refs with a plain-text placeholder:
// WebChat has no native attachment transport over this minimal JSON protocol,
// so media payloads degrade to a caption line naming the attachment, matching
// spec.md §4.7's "failed media sends degrade to caption-only" rule.
func stripMediaRefsToCaption(text string) string {
	segments := media.SplitMediaSegments(text)
	var out string
	for _, seg := range segments {
		if seg.IsMedia {
			out += fmt.Sprintf("[attachment: %s]", seg.Path)
		} else {
			out += seg.Text
		}
	}
	return out
}
