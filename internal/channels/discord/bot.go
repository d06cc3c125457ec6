// Package discord provides the Discord channel adapter for Clawdis.
//
// Unlike the whatsapp and telegram adapters, there is no high-level client
// library wired in here: the Discord Gateway (the websocket event stream)
// and REST API are spoken directly over gorilla/websocket and net/http,
// the same libraries internal/controlplane and internal/channels/webchat
// already use for their own websocket/HTTP surfaces.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	chtypes "github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/gateway"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/media"
)

const (
	gatewayURL   = "wss://gateway.discord.gg/?v=10&encoding=json"
	apiBase      = "https://discord.com/api/v10"
	maxDiscordMessage = 2000

	minBackoff    = 250 * time.Millisecond
	maxBackoff    = 30 * time.Second
	healthyWindow = 60 * time.Second

	// intentGuilds|intentGuildMessages|intentMessageContent|intentDirectMessages
	gatewayIntents = 1<<0 | 1<<9 | 1<<12 | 1<<15
)

// gateway opcodes (Discord Gateway v10).
const (
	opDispatch           = 0
	opHeartbeat          = 1
	opIdentify           = 2
	opReconnect          = 7
	opInvalidSession     = 9
	opHello              = 10
	opHeartbeatAck       = 11
)

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int            `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyData struct {
	Token      string           `json:"token"`
	Intents    int              `json:"intents"`
	Properties identifyProps    `json:"properties"`
}

type identifyProps struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

type messageCreateData struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
	Mentions []struct {
		ID string `json:"id"`
	} `json:"mentions"`
}

// Bot is the Discord channel adapter: it speaks the Discord Gateway
// protocol to receive messages, and the REST API to send them.
type Bot struct {
	cfg    *Config
	source gateway.EnvelopeSource
	media  *media.MediaStore

	httpClient *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	seq       *int
	sessionID string
	selfID    string
	backoff   time.Duration
	startedAt time.Time
	running   bool
	lastError error

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord bot.
func New(cfg *Config, source gateway.EnvelopeSource, store *media.MediaStore) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord bot token not configured")
	}
	return &Bot{
		cfg:        cfg,
		source:     source,
		media:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		backoff:    minBackoff,
	}, nil
}

// Start connects to the Discord Gateway and begins receiving events
// (implements ManagedChannel).
func (b *Bot) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	if err := b.connect(); err != nil {
		return err
	}
	b.running = true
	b.startedAt = time.Now()
	go b.supervise()
	return nil
}

// Stop closes the gateway connection (implements ManagedChannel).
func (b *Bot) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	b.running = false
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Reload applies new configuration (implements ManagedChannel).
func (b *Bot) Reload(cfg any) error {
	newCfg, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("expected *discord.Config, got %T", cfg)
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
	info := ""
	if b.selfID != "" {
		info = "bot:" + b.selfID
	}
	return chtypes.ChannelStatus{
		Running:   b.running,
		Connected: b.running,
		Error:     b.lastError,
		StartedAt: b.startedAt,
		Info:      info,
	}
}

// Name returns the channel name.
func (b *Bot) Name() string {
	return string(envelope.ChannelDiscord)
}

func (b *Bot) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("discord: gateway dial failed: %w", err)
	}

	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return fmt.Errorf("discord: reading hello failed: %w", err)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		conn.Close()
		return fmt.Errorf("discord: malformed hello: %w", err)
	}

	ident := identifyData{
		Token:   b.cfg.BotToken,
		Intents: gatewayIntents,
		Properties: identifyProps{
			OS:      "linux",
			Browser: "clawdis",
			Device:  "clawdis",
		},
	}
	identD, _ := json.Marshal(ident)
	if err := conn.WriteJSON(gatewayPayload{Op: opIdentify, D: identD}); err != nil {
		conn.Close()
		return fmt.Errorf("discord: identify failed: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	go b.heartbeatLoop(conn, time.Duration(hd.HeartbeatInterval)*time.Millisecond)
	go b.readLoop(conn)

	L_info("discord: gateway connected")
	return nil
}

func (b *Bot) heartbeatLoop(conn *websocket.Conn, interval time.Duration) {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			seq := b.seq
			current := b.conn
			b.mu.Unlock()
			if current != conn {
				return
			}
			var seqJSON json.RawMessage
			if seq != nil {
				seqJSON, _ = json.Marshal(*seq)
			} else {
				seqJSON = json.RawMessage("null")
			}
			if err := conn.WriteJSON(gatewayPayload{Op: opHeartbeat, D: seqJSON}); err != nil {
				L_warn("discord: heartbeat failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (b *Bot) readLoop(conn *websocket.Conn) {
	for {
		var payload gatewayPayload
		if err := conn.ReadJSON(&payload); err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
			}
			L_warn("discord: gateway read failed", "error", err)
			b.lastError = err
			b.mu.Lock()
			if b.conn == conn {
				b.conn = nil
			}
			b.mu.Unlock()
			return
		}

		if payload.S != nil {
			b.mu.Lock()
			b.seq = payload.S
			b.mu.Unlock()
		}

		switch payload.Op {
		case opDispatch:
			b.handleDispatch(payload.T, payload.D)
		case opReconnect, opInvalidSession:
			L_info("discord: gateway requested reconnect", "op", payload.Op)
			conn.Close()
			return
		case opHeartbeatAck:
			// no-op: liveness confirmed
		}
	}
}

func (b *Bot) handleDispatch(eventType string, data json.RawMessage) {
	switch eventType {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(data, &ready); err == nil {
			b.mu.Lock()
			b.sessionID = ready.SessionID
			b.selfID = ready.User.ID
			b.mu.Unlock()
			L_info("discord: ready", "user", ready.User.Username, "id", ready.User.ID)
		}
	case "MESSAGE_CREATE":
		var msg messageCreateData
		if err := json.Unmarshal(data, &msg); err != nil {
			L_warn("discord: malformed MESSAGE_CREATE", "error", err)
			return
		}
		b.handleMessage(msg)
	}
}

func (b *Bot) handleMessage(msg messageCreateData) {
	if msg.Author.Bot || msg.Author.ID == b.selfID {
		return
	}

	chatType := envelope.ChatDirect
	if msg.GuildID != "" {
		chatType = envelope.ChatGroup
	}

	env := envelope.Envelope{
		Channel:    envelope.ChannelDiscord,
		Provider:   "gateway-v10",
		From:       msg.Author.ID,
		ChatType:   chatType,
		ChatKey:    msg.ChannelID,
		Body:       msg.Content,
		RawBody:    msg.Content,
		ReceivedAt: time.Now(),
		MessageID:  msg.ID,
	}

	if b.ctx == nil {
		return
	}
	if _, err := b.source.HandleEnvelope(b.ctx, env); err != nil {
		L_error("discord: handle envelope failed", "error", err)
	}
}

func (b *Bot) supervise() {
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()

		if conn != nil {
			time.Sleep(time.Second)
			continue
		}

		select {
		case <-b.ctx.Done():
			return
		default:
		}

		uptime := time.Since(b.startedAt)
		if uptime >= healthyWindow {
			b.backoff = minBackoff
		} else {
			b.backoff *= 2
			if b.backoff > maxBackoff {
				b.backoff = maxBackoff
			}
		}

		L_warn("discord: gateway disconnected, reconnecting", "backoff", b.backoff)
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(b.backoff):
		}

		if err := b.connect(); err != nil {
			L_error("discord: reconnect failed", "error", err)
			continue
		}
		b.startedAt = time.Now()
	}
}

// Send delivers a reply to a Discord channel (implements gateway.Sender).
// `to` is the channel ID, as recorded in the inbound envelope's ChatKey.
func (b *Bot) Send(ctx context.Context, to, text string) error {
	if _, err := strconv.ParseUint(to, 10, 64); err != nil {
		return fmt.Errorf("discord: invalid channel id %q: %w", to, err)
	}

	if media.ContainsMediaRefs(text) {
		return b.sendWithMediaRefs(ctx, to, text)
	}

	for _, chunk := range splitMessage(text, maxDiscordMessage) {
		if err := b.sendText(ctx, to, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) sendText(ctx context.Context, channelID, content string) error {
	body, _ := json.Marshal(map[string]string{"content": content})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/channels/%s/messages", apiBase, channelID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+b.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord: send failed: %s: %s", resp.Status, string(respBody))
	}
	return nil
}

func (b *Bot) sendWithMediaRefs(ctx context.Context, channelID, text string) error {
	segments := media.SplitMediaSegments(text)

	var mediaRoot string
	if b.media != nil {
		mediaRoot = b.media.BaseDir()
	}

	for _, seg := range segments {
		if !seg.IsMedia {
			if seg.Text != "" {
				if err := b.sendText(ctx, channelID, seg.Text); err != nil {
					return err
				}
			}
			continue
		}
		if strings.HasPrefix(seg.Mime, "error/") {
			errType := strings.TrimPrefix(seg.Mime, "error/")
			_ = b.sendText(ctx, channelID, fmt.Sprintf("[Media %s: %s]", errType, seg.Path))
			continue
		}

		absPath, err := media.ResolveMediaPath(mediaRoot, seg.Path)
		if err != nil {
			L_warn("discord: failed to resolve media path", "path", seg.Path, "error", err)
			continue
		}
		if err := b.sendAttachment(ctx, channelID, absPath); err != nil {
			L_warn("discord: failed to send attachment", "path", absPath, "error", err)
		}
	}
	return nil
}

func (b *Bot) sendAttachment(ctx context.Context, channelID, absPath string) error {
	f, err := os.Open(absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files[0]", filepath.Base(absPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/channels/%s/messages", apiBase, channelID), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+b.cfg.BotToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord: attachment send failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord: attachment send failed: %s: %s", resp.Status, string(respBody))
	}
	return nil
}

// splitMessage splits text into chunks within Discord's 2000-char limit,
// preferring paragraph/word boundaries.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	remaining := text
	for len(remaining) > maxLen {
		splitAt := strings.LastIndex(remaining[:maxLen], "\n")
		if splitAt < maxLen/2 {
			splitAt = strings.LastIndex(remaining[:maxLen], " ")
		}
		if splitAt < maxLen/2 {
			splitAt = maxLen
		}
		chunks = append(chunks, strings.TrimSpace(remaining[:splitAt]))
		remaining = strings.TrimSpace(remaining[splitAt:])
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
