// Package telegram provides the Telegram channel adapter for Clawdis.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	chtypes "github.com/clawdis/clawdis/internal/channels/types"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/gateway"
	. "github.com/clawdis/clawdis/internal/logging"
	"github.com/clawdis/clawdis/internal/media"
)

// Bot is the Telegram channel adapter: it turns telebot updates into
// envelope.Envelope values for the gateway, and implements gateway.Sender
// so the gateway can deliver replies back onto this transport.
type Bot struct {
	bot    *tele.Bot
	source gateway.EnvelopeSource
	media  *media.MediaStore
	config *Config

	ctx    context.Context
	cancel context.CancelFunc

	running   bool
	startedAt time.Time
	lastError error
}

// New creates a new Telegram bot.
func New(cfg *Config, source gateway.EnvelopeSource, store *media.MediaStore) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}

	pref := tele.Settings{
		Token:  cfg.BotToken,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	bot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	L_info("telegram: connected",
		"bot", "@"+bot.Me.Username,
		"name", bot.Me.FirstName,
		"id", bot.Me.ID,
		"canJoinGroups", bot.Me.CanJoinGroups,
	)

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		bot:    bot,
		source: source,
		media:  store,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	b.setupHandlers()
	return b, nil
}

// setupHandlers registers telebot message handlers.
func (b *Bot) setupHandlers() {
	b.bot.Handle(tele.OnText, b.handleMessage)
	b.bot.Handle(tele.OnPhoto, b.handlePhoto)
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send("Hello! I'm Clawdis, your AI assistant. Send me a message to get started.")
	})
}

// handleMessage turns an incoming text message into an envelope.
func (b *Bot) handleMessage(c tele.Context) error {
	sender := c.Sender()
	userID := fmt.Sprintf("%d", sender.ID)
	chatID := c.Chat().ID
	isGroup := c.Chat().Type != tele.ChatPrivate

	L_debug("telegram: message received", "userID", userID, "chatID", chatID, "isGroup", isGroup)

	chatType := envelope.ChatDirect
	if isGroup {
		chatType = envelope.ChatGroup
	}

	env := envelope.Envelope{
		Channel:    envelope.ChannelTelegram,
		Provider:   "telebot",
		From:       userID,
		ChatType:   chatType,
		ChatKey:    fmt.Sprintf("%d", chatID),
		Body:       c.Text(),
		RawBody:    c.Text(),
		ReceivedAt: time.Now(),
		MessageID:  fmt.Sprintf("%d", c.Message().ID),
	}

	if _, err := b.source.HandleEnvelope(b.ctx, env); err != nil {
		L_error("telegram: handle envelope failed", "error", err)
	}
	return nil
}

// handlePhoto turns an incoming photo message into an envelope carrying an
// image attachment.
func (b *Bot) handlePhoto(c tele.Context) error {
	sender := c.Sender()
	userID := fmt.Sprintf("%d", sender.ID)
	chatID := c.Chat().ID
	isGroup := c.Chat().Type != tele.ChatPrivate

	photo := c.Message().Photo
	if photo == nil {
		L_warn("telegram: photo message but no photo found")
		return nil
	}

	imageData, err := media.DownloadAndOptimize(b.bot, photo)
	if err != nil {
		L_error("telegram: failed to download/optimize photo", "error", err)
		return c.Send("Sorry, I couldn't process that image.")
	}

	caption := c.Message().Caption
	if caption == "" {
		caption = "<media:image>"
	}

	chatType := envelope.ChatDirect
	if isGroup {
		chatType = envelope.ChatGroup
	}

	env := envelope.Envelope{
		Channel:  envelope.ChannelTelegram,
		Provider: "telebot",
		From:     userID,
		ChatType: chatType,
		ChatKey:  fmt.Sprintf("%d", chatID),
		Body:     caption,
		RawBody:  caption,
		Media: []envelope.Media{{
			Kind:      envelope.MediaImage,
			Bytes:     imageData.Data,
			MimeType:  imageData.MimeType,
			SizeBytes: int64(len(imageData.Data)),
		}},
		ReceivedAt: time.Now(),
		MessageID:  fmt.Sprintf("%d", c.Message().ID),
	}

	if _, err := b.source.HandleEnvelope(b.ctx, env); err != nil {
		L_error("telegram: handle envelope failed", "error", err)
	}
	return nil
}

// Start begins long-polling for updates (implements ManagedChannel).
func (b *Bot) Start(ctx context.Context) error {
	L_info("telegram: starting polling", "bot", "@"+b.bot.Me.Username)
	go b.bot.Start()
	b.running = true
	b.startedAt = time.Now()
	return nil
}

// Stop stops the bot (implements ManagedChannel).
func (b *Bot) Stop() error {
	L_info("telegram: stopping")
	b.cancel()
	b.bot.Stop()
	b.running = false
	return nil
}

// Reload applies new configuration (implements ManagedChannel).
func (b *Bot) Reload(cfg any) error {
	newCfg, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("expected *telegram.Config, got %T", cfg)
	}
	wasRunning := b.running
	if wasRunning {
		if err := b.Stop(); err != nil {
			return err
		}
	}
	b.config = newCfg
	if wasRunning {
		fresh, err := New(newCfg, b.source, b.media)
		if err != nil {
			return err
		}
		*b = *fresh
		return b.Start(b.ctx)
	}
	return nil
}

// Status returns current channel status (implements ManagedChannel).
func (b *Bot) Status() chtypes.ChannelStatus {
	info := ""
	if b.bot != nil && b.bot.Me != nil {
		info = "@" + b.bot.Me.Username
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
	return string(envelope.ChannelTelegram)
}

// Send delivers a reply to a Telegram chat (implements gateway.Sender). `to`
// is the chat ID, as recorded in the inbound envelope's ChatKey.
func (b *Bot) Send(ctx context.Context, to, text string) error {
	var chatID int64
	if _, err := fmt.Sscanf(to, "%d", &chatID); err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", to, err)
	}

	if media.ContainsMediaRefs(text) {
		chat := &tele.Chat{ID: chatID}
		return b.sendWithMediaRefs(chat, text)
	}

	_, err := b.SendText(chatID, text)
	return err
}

// Typing raises the "typing..." indicator for to. Called by the gateway as
// soon as the agent worker produces the first event of a run, not at
// message receipt, so the indicator tracks actual work rather than the
// time it takes the scheduler to admit the request.
func (b *Bot) Typing(ctx context.Context, to string) error {
	var chatID int64
	if _, err := fmt.Sscanf(to, "%d", &chatID); err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", to, err)
	}
	return b.bot.Notify(&tele.Chat{ID: chatID}, tele.Typing)
}

// sendWithHTMLFallback sends a message with HTML formatting, falling back to plain text.
func (b *Bot) sendWithHTMLFallback(chat *tele.Chat, text string) (*tele.Message, error) {
	formatted := FormatMessage(text)
	msg, err := b.bot.Send(chat, formatted, &tele.SendOptions{ParseMode: tele.ModeHTML})
	if err != nil {
		L_debug("telegram: HTML send failed, falling back to plain text", "error", err)
		return b.bot.Send(chat, text)
	}
	return msg, nil
}

// sendWithMediaRefs parses and sends text with inline media references,
// supporting captions and albums of consecutive images.
func (b *Bot) sendWithMediaRefs(chat *tele.Chat, text string) error {
	segments := media.SplitMediaSegments(text)

	var mediaRoot string
	if b.media != nil {
		mediaRoot = b.media.BaseDir()
	}

	i := 0
	for i < len(segments) {
		seg := segments[i]

		if !seg.IsMedia {
			if i+1 < len(segments) && segments[i+1].IsMedia && !strings.HasPrefix(segments[i+1].Mime, "error/") {
				if len(seg.Text) <= TelegramCaptionLimit {
					imageSegments := b.collectConsecutiveImages(segments, i+1)
					if len(imageSegments) > 1 {
						b.sendAlbum(chat, mediaRoot, imageSegments, seg.Text)
						i += 1 + len(imageSegments)
						continue
					}

					nextSeg := segments[i+1]
					absPath, err := media.ResolveMediaPath(mediaRoot, nextSeg.Path)
					if err != nil {
						_, _ = b.sendWithHTMLFallback(chat, seg.Text)
						i++
						continue
					}

					b.sendMediaByMime(chat.ID, absPath, nextSeg.Mime, seg.Text)
					i += 2
					continue
				}
			}

			if seg.Text != "" {
				_, _ = b.sendWithHTMLFallback(chat, seg.Text)
			}
			i++
			continue
		}

		if strings.HasPrefix(seg.Mime, "error/") {
			errType := strings.TrimPrefix(seg.Mime, "error/")
			_, _ = b.sendWithHTMLFallback(chat, fmt.Sprintf("[Media %s: %s]", errType, seg.Path))
			i++
			continue
		}

		imageSegments := b.collectConsecutiveImages(segments, i)
		if len(imageSegments) > 1 {
			b.sendAlbum(chat, mediaRoot, imageSegments, "")
			i += len(imageSegments)
			continue
		}

		absPath, err := media.ResolveMediaPath(mediaRoot, seg.Path)
		if err != nil {
			L_warn("telegram: failed to resolve media path", "path", seg.Path, "error", err)
			i++
			continue
		}

		b.sendMediaByMime(chat.ID, absPath, seg.Mime, "")
		i++
	}

	return nil
}

func (b *Bot) collectConsecutiveImages(segments []media.MediaSegment, startIdx int) []media.MediaSegment {
	var images []media.MediaSegment
	for j := startIdx; j < len(segments); j++ {
		seg := segments[j]
		if !seg.IsMedia || strings.HasPrefix(seg.Mime, "error/") || !strings.HasPrefix(seg.Mime, "image/") {
			break
		}
		images = append(images, seg)
	}
	return images
}

func (b *Bot) sendAlbum(chat *tele.Chat, mediaRoot string, segments []media.MediaSegment, caption string) {
	if len(segments) == 0 {
		return
	}

	maxItems := 10
	if len(segments) > maxItems {
		segments = segments[:maxItems]
	}

	var album tele.Album
	for i, seg := range segments {
		absPath, err := media.ResolveMediaPath(mediaRoot, seg.Path)
		if err != nil {
			L_warn("telegram: failed to resolve album item path", "path", seg.Path, "error", err)
			continue
		}

		photo := &tele.Photo{File: tele.FromDisk(absPath)}
		if i == 0 && caption != "" {
			photo.Caption = FormatMessage(caption)
		}
		album = append(album, photo)
	}

	if len(album) == 0 {
		return
	}

	if _, err := b.bot.SendAlbum(chat, album, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
		L_warn("telegram: failed to send album, falling back to individual sends", "count", len(album), "error", err)
		for i, seg := range segments {
			absPath, _ := media.ResolveMediaPath(mediaRoot, seg.Path)
			cap := ""
			if i == 0 {
				cap = caption
			}
			b.sendMediaByMime(chat.ID, absPath, seg.Mime, cap)
		}
	}
}

func (b *Bot) sendMediaByMime(chatID int64, absPath, mime, caption string) {
	switch {
	case strings.HasPrefix(mime, "image/"):
		if err := b.SendPhoto(chatID, absPath, caption); err != nil {
			L_warn("telegram: failed to send photo", "path", absPath, "error", err)
		}
	case strings.HasPrefix(mime, "video/"):
		if err := b.SendVideo(chatID, absPath, caption); err != nil {
			L_warn("telegram: failed to send video", "path", absPath, "error", err)
		}
	case strings.HasPrefix(mime, "audio/"):
		if err := b.SendAudio(chatID, absPath, caption); err != nil {
			L_warn("telegram: failed to send audio", "path", absPath, "error", err)
		}
	default:
		if err := b.SendDocument(chatID, absPath, caption); err != nil {
			L_warn("telegram: failed to send document", "path", absPath, "error", err)
		}
	}
}

// TelegramCaptionLimit is Telegram's maximum caption length.
const TelegramCaptionLimit = 1024

// SendPhoto sends a photo to a chat with optional caption, following up with a
// separate message when the caption exceeds Telegram's limit.
func (b *Bot) SendPhoto(chatID int64, path string, caption string) error {
	chat := &tele.Chat{ID: chatID}
	photo := &tele.Photo{File: tele.FromDisk(path)}

	formattedCaption := ""
	if caption != "" {
		formattedCaption = FormatMessage(caption)
	}

	if len(formattedCaption) <= TelegramCaptionLimit {
		photo.Caption = formattedCaption
		_, err := b.bot.Send(chat, photo, &tele.SendOptions{ParseMode: tele.ModeHTML})
		if err != nil {
			photo.Caption = caption
			_, err = b.bot.Send(chat, photo)
		}
		return err
	}

	if _, err := b.bot.Send(chat, photo); err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	_, err := b.sendWithHTMLFallback(chat, caption)
	return err
}

// SendText sends a text message to a chat, splitting it if necessary.
func (b *Bot) SendText(chatID int64, text string) (*tele.Message, error) {
	chat := &tele.Chat{ID: chatID}

	chunks := splitMessage(text, maxTelegramMessage)
	var lastMsg *tele.Message

	for i, chunk := range chunks {
		formatted := FormatMessage(chunk)
		msg, err := b.bot.Send(chat, formatted, &tele.SendOptions{ParseMode: tele.ModeHTML})
		if err != nil {
			L_debug("telegram: HTML send failed, falling back to plain text", "error", err, "chunk", i+1)
			msg, err = b.bot.Send(chat, chunk)
		}
		if err != nil {
			return lastMsg, fmt.Errorf("failed to send text chunk %d: %w", i+1, err)
		}
		lastMsg = msg
	}

	return lastMsg, nil
}

// EditMessage edits an existing message.
func (b *Bot) EditMessage(chatID int64, messageID int, text string) error {
	msg := &tele.Message{ID: messageID, Chat: &tele.Chat{ID: chatID}}
	formatted := FormatMessage(text)
	if _, err := b.bot.Edit(msg, formatted, &tele.SendOptions{ParseMode: tele.ModeHTML}); err != nil {
		if _, err := b.bot.Edit(msg, text); err != nil {
			return fmt.Errorf("failed to edit message: %w", err)
		}
	}
	return nil
}

// DeleteMessage deletes a message from a chat.
func (b *Bot) DeleteMessage(chatID int64, messageID int) error {
	msg := &tele.Message{ID: messageID, Chat: &tele.Chat{ID: chatID}}
	if err := b.bot.Delete(msg); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// React adds a reaction emoji to a message.
func (b *Bot) React(chatID int64, messageID int, emoji string) error {
	chat := &tele.Chat{ID: chatID}
	msg := &tele.Message{ID: messageID, Chat: chat}
	reactions := tele.Reactions{Reactions: []tele.Reaction{{Type: tele.ReactionTypeEmoji, Emoji: emoji}}}
	if err := b.bot.React(chat, msg, reactions); err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}

// SendVideo sends a video file to a chat.
func (b *Bot) SendVideo(chatID int64, path string, caption string) error {
	chat := &tele.Chat{ID: chatID}
	video := &tele.Video{File: tele.FromDisk(path)}

	formattedCaption := ""
	if caption != "" {
		formattedCaption = FormatMessage(caption)
	}

	if len(formattedCaption) <= TelegramCaptionLimit {
		video.Caption = formattedCaption
		_, err := b.bot.Send(chat, video, &tele.SendOptions{ParseMode: tele.ModeHTML})
		if err != nil {
			video.Caption = caption
			_, err = b.bot.Send(chat, video)
		}
		return err
	}

	if _, err := b.bot.Send(chat, video); err != nil {
		return fmt.Errorf("failed to send video: %w", err)
	}
	_, err := b.sendWithHTMLFallback(chat, caption)
	return err
}

// SendDocument sends a document file to a chat.
func (b *Bot) SendDocument(chatID int64, path string, caption string) error {
	chat := &tele.Chat{ID: chatID}
	doc := &tele.Document{File: tele.FromDisk(path)}

	formattedCaption := ""
	if caption != "" {
		formattedCaption = FormatMessage(caption)
	}

	if len(formattedCaption) <= TelegramCaptionLimit {
		doc.Caption = formattedCaption
		_, err := b.bot.Send(chat, doc, &tele.SendOptions{ParseMode: tele.ModeHTML})
		if err != nil {
			doc.Caption = caption
			_, err = b.bot.Send(chat, doc)
		}
		return err
	}

	if _, err := b.bot.Send(chat, doc); err != nil {
		return fmt.Errorf("failed to send document: %w", err)
	}
	_, err := b.sendWithHTMLFallback(chat, caption)
	return err
}

// SendAudio sends an audio file to a chat.
func (b *Bot) SendAudio(chatID int64, path string, caption string) error {
	chat := &tele.Chat{ID: chatID}
	audio := &tele.Audio{File: tele.FromDisk(path)}

	formattedCaption := ""
	if caption != "" {
		formattedCaption = FormatMessage(caption)
	}

	if len(formattedCaption) <= TelegramCaptionLimit {
		audio.Caption = formattedCaption
		_, err := b.bot.Send(chat, audio, &tele.SendOptions{ParseMode: tele.ModeHTML})
		if err != nil {
			audio.Caption = caption
			_, err = b.bot.Send(chat, audio)
		}
		return err
	}

	if _, err := b.bot.Send(chat, audio); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	_, err := b.sendWithHTMLFallback(chat, caption)
	return err
}

// maxTelegramMessage is the maximum message length for Telegram (4096 chars);
// 4000 leaves room for formatting overhead.
const maxTelegramMessage = 4000

// splitMessage splits a long message into chunks at natural boundaries:
// paragraphs, then sentences, then words.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	remaining := text

	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := findSplitPoint(remaining, maxLen)
		chunks = append(chunks, strings.TrimSpace(remaining[:splitAt]))
		remaining = strings.TrimSpace(remaining[splitAt:])
	}

	return chunks
}

func findSplitPoint(text string, maxLen int) int {
	if len(text) <= maxLen {
		return len(text)
	}

	searchArea := text[:maxLen]

	if idx := strings.LastIndex(searchArea, "\n\n"); idx > maxLen/2 {
		return idx + 2
	}
	if idx := strings.LastIndex(searchArea, "\n"); idx > maxLen/2 {
		return idx + 1
	}
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.LastIndex(searchArea, sep); idx > maxLen/2 {
			return idx + len(sep)
		}
	}
	if idx := strings.LastIndex(searchArea, " "); idx > maxLen/2 {
		return idx + 1
	}
	return maxLen
}
