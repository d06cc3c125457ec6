// Package whatsapp provides the WhatsApp channel adapter for Clawdis.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	chtypes "github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/channels/whatsapp/config"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/gateway"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/paths"
)

const maxWhatsAppMessage = 65536

// Bot is the WhatsApp channel adapter: it turns whatsmeow events into
// envelope.Envelope values for the gateway, and implements gateway.Sender
// so the gateway can deliver replies back onto this transport.
type Bot struct {
	client *whatsmeow.Client
	source gateway.EnvelopeSource
	media  *media.MediaStore
	config *config.Config
	store  *sqlstore.Container

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	lastError error
}

// goclawLogger bridges whatsmeow's waLog.Logger to our L_* functions.
type goclawLogger struct {
	module string
}

func (l *goclawLogger) Debugf(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *goclawLogger) Infof(msg string, args ...interface{}) {
	L_info(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *goclawLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *goclawLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *goclawLogger) Sub(module string) waLog.Logger {
	return &goclawLogger{module: l.module + "/" + module}
}

// New creates a new WhatsApp bot.
func New(cfg *config.Config, source gateway.EnvelopeSource, store *media.MediaStore) (*Bot, error) {
	dbPath, err := paths.DataPath("whatsapp.db")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve whatsapp db path: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open whatsapp db: %w", err)
	}

	storeLog := &goclawLogger{module: "store"}
	container := sqlstore.NewWithDB(db, "sqlite3", storeLog)

	if err := container.Upgrade(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to upgrade whatsapp store: %w", err)
	}

	device, err := container.GetFirstDevice(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get whatsapp device: %w", err)
	}
	if device == nil {
		return nil, fmt.Errorf("no whatsapp device paired — run 'clawdis whatsapp link' first")
	}

	clientLog := &goclawLogger{module: "client"}
	client := whatsmeow.NewClient(device, clientLog)

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		client: client,
		source: source,
		media:  store,
		config: cfg,
		store:  container,
		ctx:    ctx,
		cancel: cancel,
	}

	return b, nil
}

// Start connects to WhatsApp and starts listening (implements ManagedChannel).
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	b.client.AddEventHandler(b.handleEvent)

	if err := b.client.Connect(); err != nil {
		b.lastError = err
		return fmt.Errorf("whatsapp: failed to connect: %w", err)
	}

	b.running = true
	b.startedAt = time.Now()
	b.lastError = nil

	L_info("whatsapp: connected", "jid", b.client.Store.ID)
	return nil
}

// Stop disconnects from WhatsApp (implements ManagedChannel).
func (b *Bot) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil
	}

	L_info("whatsapp: disconnecting")
	b.cancel()
	b.client.Disconnect()
	b.running = false
	return nil
}

// Reload applies new configuration (implements ManagedChannel).
func (b *Bot) Reload(cfg any) error {
	newCfg, ok := cfg.(*config.Config)
	if !ok {
		return fmt.Errorf("expected *whatsapp/config.Config, got %T", cfg)
	}

	b.mu.Lock()
	wasRunning := b.running
	b.mu.Unlock()

	if wasRunning {
		if err := b.Stop(); err != nil {
			return fmt.Errorf("failed to stop for reload: %w", err)
		}
	}

	b.config = newCfg

	if wasRunning {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		return b.Start(b.ctx)
	}
	return nil
}

// Status returns current channel status (implements ManagedChannel).
func (b *Bot) Status() chtypes.ChannelStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	info := ""
	if b.client.Store.ID != nil {
		info = b.client.Store.ID.User
	}

	return chtypes.ChannelStatus{
		Running:   b.running,
		Connected: b.client.IsConnected(),
		Error:     b.lastError,
		StartedAt: b.startedAt,
		Info:      info,
	}
}

// Name returns the channel name (implements gateway.Sender via ChannelRegistry lookup).
func (b *Bot) Name() string {
	return string(envelope.ChannelWhatsApp)
}

// Send delivers a reply to a WhatsApp chat (implements gateway.Sender). `to`
// is the full chat JID string, as recorded in the inbound envelope's ChatKey;
// a bare phone number is also accepted.
func (b *Bot) Send(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		jid = phoneToJID(to)
	}

	if media.ContainsMediaRefs(text) {
		b.sendWithMediaRefs(jid, text)
		return nil
	}

	formatted := FormatMessage(text)
	for _, chunk := range splitMessage(formatted, maxWhatsAppMessage) {
		if _, err := b.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(chunk)}); err != nil {
			return fmt.Errorf("whatsapp: send failed: %w", err)
		}
	}
	return nil
}

// Typing raises the "composing" presence for to. Called by the gateway as
// soon as the agent worker produces the first event of a run, not at
// message receipt, so the indicator tracks actual work rather than the
// time it takes the scheduler to admit the request. It auto-clears on
// whatsmeow's own presence timeout, so there's no matching "paused" call.
func (b *Bot) Typing(ctx context.Context, to string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		jid = phoneToJID(to)
	}
	return b.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// handleEvent is the whatsmeow event handler.
func (b *Bot) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		b.handleMessage(v)
	case *events.Connected:
		L_info("whatsapp: connected to server")
	case *events.Disconnected:
		L_warn("whatsapp: disconnected from server")
	case *events.LoggedOut:
		L_error("whatsapp: logged out — re-pair with 'clawdis whatsapp link'", "reason", v.Reason)
		b.mu.Lock()
		b.lastError = fmt.Errorf("logged out: %v", v.Reason)
		b.mu.Unlock()
	}
}

// handleMessage processes an incoming WhatsApp message into an envelope and
// hands it to the gateway.
func (b *Bot) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}

	// WhatsApp may deliver messages with LID addressing, where Sender is a
	// LID (e.g. 249786758348836@lid) and SenderAlt carries the phone number,
	// or vice versa. Only one is recorded: Sender, or SenderAlt when Sender
	// is empty.
	senderJID := evt.Info.Sender.User
	senderAlt := evt.Info.SenderAlt.User
	from := senderJID
	if from == "" {
		from = senderAlt
	}

	chatType := envelope.ChatDirect
	if evt.Info.IsGroup {
		chatType = envelope.ChatGroup
	}

	msg := evt.Message
	text := ""
	var medias []envelope.Media

	switch {
	case msg.GetConversation() != "":
		text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		text = msg.GetExtendedTextMessage().GetText()
	case msg.GetAudioMessage() != nil && msg.GetAudioMessage().GetPTT():
		audioMsg := msg.GetAudioMessage()
		m, err := b.downloadMedia(audioMsg, "voice", ".ogg", audioMsg.GetMimetype(), envelope.MediaAudio)
		if err != nil {
			L_error("whatsapp: failed to download voice", "error", err)
			return
		}
		medias = append(medias, *m)
		text = "[Voice note received]"
	case msg.GetImageMessage() != nil:
		imageMsg := msg.GetImageMessage()
		m, err := b.downloadMedia(imageMsg, "image", mimeToExt(imageMsg.GetMimetype()), imageMsg.GetMimetype(), envelope.MediaImage)
		if err != nil {
			L_error("whatsapp: failed to download image", "error", err)
			return
		}
		medias = append(medias, *m)
		if caption := imageMsg.GetCaption(); caption != "" {
			text = caption
		} else {
			text = "<media:image>"
		}
	default:
		L_debug("whatsapp: unsupported message type, ignoring")
		return
	}

	chatJID := evt.Info.Chat

	env := envelope.Envelope{
		Channel:    envelope.ChannelWhatsApp,
		Provider:   "whatsmeow",
		From:       from,
		ChatType:   chatType,
		ChatKey:    chatJID.String(),
		Body:       text,
		RawBody:    text,
		Media:      medias,
		ReceivedAt: time.Now(),
		MessageID:  evt.Info.ID,
	}

	if _, err := b.source.HandleEnvelope(b.ctx, env); err != nil {
		L_error("whatsapp: handle envelope failed", "error", err)
	}
}

// downloadMedia downloads a whatsmeow media message, saves it to the shared
// media store, and returns an envelope.Media referencing the saved file.
func (b *Bot) downloadMedia(msg whatsmeow.DownloadableMessage, category, ext, mimeType string, kind envelope.MediaKind) (*envelope.Media, error) {
	data, err := b.client.Download(b.ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}

	L_debug("whatsapp: media downloaded", "category", category, "size", len(data), "mime", mimeType)

	if b.media == nil {
		return &envelope.Media{Kind: kind, Bytes: data, MimeType: mimeType, SizeBytes: int64(len(data))}, nil
	}

	absPath, _, err := b.media.Save(data, category, ext)
	if err != nil {
		return nil, fmt.Errorf("save failed: %w", err)
	}

	return &envelope.Media{Kind: kind, URL: absPath, MimeType: mimeType, SizeBytes: int64(len(data))}, nil
}

// sendMediaFile uploads and sends a media file to a WhatsApp chat.
func (b *Bot) sendMediaFile(jid types.JID, filePath, caption string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	mimeType, _ := media.DetectMimeType(filePath)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	mediaType := mimeToMediaType(mimeType)
	resp, err := b.client.Upload(b.ctx, data, mediaType)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	msg := buildMediaMessage(mimeType, &resp, caption, uint64(len(data)))
	_, err = b.client.SendMessage(b.ctx, jid, msg)
	return err
}

// sendWithMediaRefs parses and sends text with inline media references.
func (b *Bot) sendWithMediaRefs(jid types.JID, text string) {
	segments := media.SplitMediaSegments(text)

	var mediaRoot string
	if b.media != nil {
		mediaRoot = b.media.BaseDir()
	}

	for _, seg := range segments {
		if !seg.IsMedia {
			if seg.Text != "" {
				formatted := FormatMessage(seg.Text)
				_, _ = b.client.SendMessage(b.ctx, jid, &waE2E.Message{Conversation: proto.String(formatted)})
			}
			continue
		}

		if strings.HasPrefix(seg.Mime, "error/") {
			errType := strings.TrimPrefix(seg.Mime, "error/")
			errMsg := fmt.Sprintf("[Media %s: %s]", errType, seg.Path)
			_, _ = b.client.SendMessage(b.ctx, jid, &waE2E.Message{Conversation: proto.String(errMsg)})
			continue
		}

		absPath, err := media.ResolveMediaPath(mediaRoot, seg.Path)
		if err != nil {
			L_warn("whatsapp: failed to resolve media path", "path", seg.Path, "error", err)
			continue
		}

		if err := b.sendMediaFile(jid, absPath, ""); err != nil {
			L_warn("whatsapp: failed to send media", "path", absPath, "error", err)
		}
	}
}

// buildMediaMessage creates the proto message for a media upload.
func buildMediaMessage(mimeType string, resp *whatsmeow.UploadResponse, caption string, fileLength uint64) *waE2E.Message {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption: proto.String(caption), Mimetype: proto.String(mimeType),
				URL: &resp.URL, DirectPath: &resp.DirectPath, MediaKey: resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256, FileSHA256: resp.FileSHA256, FileLength: &fileLength,
			},
		}
	case strings.HasPrefix(mimeType, "video/"):
		return &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				Caption: proto.String(caption), Mimetype: proto.String(mimeType),
				URL: &resp.URL, DirectPath: &resp.DirectPath, MediaKey: resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256, FileSHA256: resp.FileSHA256, FileLength: &fileLength,
			},
		}
	case strings.HasPrefix(mimeType, "audio/"):
		return &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				Mimetype: proto.String(mimeType),
				URL:      &resp.URL, DirectPath: &resp.DirectPath, MediaKey: resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256, FileSHA256: resp.FileSHA256, FileLength: &fileLength,
			},
		}
	default:
		return &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				Caption: proto.String(caption), Mimetype: proto.String(mimeType),
				URL: &resp.URL, DirectPath: &resp.DirectPath, MediaKey: resp.MediaKey,
				FileEncSHA256: resp.FileEncSHA256, FileSHA256: resp.FileSHA256, FileLength: &fileLength,
			},
		}
	}
}

// mimeToMediaType maps a MIME type to whatsmeow's MediaType for upload.
func mimeToMediaType(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// mimeToExt returns a file extension for common MIME types.
func mimeToExt(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	default:
		return ".bin"
	}
}

// phoneToJID converts a phone number string to a WhatsApp JID.
func phoneToJID(phone string) types.JID {
	return types.NewJID(phone, types.DefaultUserServer)
}

// splitMessage splits a message into chunks that fit the WhatsApp limit.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		end := maxLen
		if end > len(text) {
			end = len(text)
		}
		if end < len(text) {
			if idx := strings.LastIndex(text[:end], "\n"); idx > end/2 {
				end = idx + 1
			}
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}
