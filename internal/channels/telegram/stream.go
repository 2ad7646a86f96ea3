package telegram

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/haasonsaas/memoh/internal/channels"
	"github.com/haasonsaas/memoh/pkg/models"
	"log/slog"
)

const (
	// pendingSuffix marks a message still being generated.
	pendingSuffix = "\n……"

	// editThrottle is the minimum interval between streaming edits. Final
	// edits ignore it.
	editThrottle = 5 * time.Second

	// maxMessageRunes is Telegram's message length ceiling.
	maxMessageRunes = 4096

	finalEditRetries = 3
)

// Stream renders one agent response as a single Telegram message that is
// edited in place as text arrives. Tool-call boundaries commit the current
// message and start a fresh one; the final edit re-renders the text as
// HTML.
type Stream struct {
	client  BotClient
	limiter *channels.RateLimiter
	logger  *slog.Logger
	chatID  int64
	replyTo int

	mu         sync.Mutex
	msgID      int
	buffer     strings.Builder
	lastSent   string
	nextEditAt time.Time
	closed     bool
}

// NewStream builds a stream for one response in one chat.
func NewStream(client BotClient, limiter *channels.RateLimiter, logger *slog.Logger, chatID int64, replyTo int) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		client:  client,
		limiter: limiter,
		logger:  logger,
		chatID:  chatID,
		replyTo: replyTo,
	}
}

// Push consumes one stream event. Events after Close are ignored.
func (s *Stream) Push(ctx context.Context, ev models.StreamEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	switch ev.Type {
	case models.EventTextDelta:
		s.mu.Lock()
		s.buffer.WriteString(ev.Delta)
		s.mu.Unlock()
		return s.maybeEdit(ctx)

	case models.EventToolCallStart, models.EventToolCallEnd:
		// Both tool-call boundaries commit the text so far and start a
		// fresh message, so tool-phase output never bleeds into the reply.
		if err := s.finalize(ctx); err != nil {
			s.logger.Warn("segment commit failed",
				slog.Int64("chat_id", s.chatID),
				slog.Any("error", err))
		}
		s.reset()
		return nil

	case models.EventAttachmentDelta:
		s.sendAttachments(ctx, ev.Attachments)
		return nil

	case models.EventError:
		text := ev.Message
		if text == "" {
			text = "unknown error"
		}
		s.mu.Lock()
		s.buffer.Reset()
		s.buffer.WriteString("Error: " + text)
		s.mu.Unlock()
		return s.finalize(ctx)

	case models.EventAgentEnd, models.EventDone:
		// The terminal transcript backfills text when no deltas arrived.
		s.mu.Lock()
		if s.buffer.Len() == 0 {
			if text := lastAssistantText(ev.Messages); text != "" {
				s.buffer.WriteString(text)
			}
		}
		s.mu.Unlock()
		return nil

	default:
		return nil
	}
}

// Close commits the buffered text as the final rendering.
func (s *Stream) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.finalize(ctx)
}

// maybeEdit sends or edits the streaming message with the pending suffix,
// honoring the edit throttle.
func (s *Stream) maybeEdit(ctx context.Context) error {
	s.mu.Lock()
	now := time.Now()
	if s.msgID != 0 && now.Before(s.nextEditAt) {
		s.mu.Unlock()
		return nil
	}
	text := clampMessage(sanitizeText(s.buffer.String()))
	if text == "" || normalized(text) == normalized(s.lastSent) {
		s.mu.Unlock()
		return nil
	}
	msgID := s.msgID
	s.mu.Unlock()

	display := text + pendingSuffix
	if msgID == 0 {
		s.refreshTyping(ctx)
		sent, err := s.send(ctx, display)
		if err != nil {
			return s.handleEditError(err)
		}
		s.mu.Lock()
		s.msgID = sent.ID
		s.lastSent = text
		s.nextEditAt = time.Now().Add(editThrottle)
		s.mu.Unlock()
		return nil
	}

	_, err := s.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    s.chatID,
		MessageID: msgID,
		Text:      display,
	})
	if err != nil && !isNotModified(err) {
		return s.handleEditError(err)
	}
	s.mu.Lock()
	s.lastSent = text
	s.nextEditAt = time.Now().Add(editThrottle)
	s.mu.Unlock()
	return nil
}

// finalize replaces the streaming rendering with the finished text: HTML
// formatting, no pending suffix, no throttle, a few retries.
func (s *Stream) finalize(ctx context.Context) error {
	s.mu.Lock()
	text := clampMessage(sanitizeText(s.buffer.String()))
	msgID := s.msgID
	s.mu.Unlock()

	if text == "" {
		return nil
	}

	html := clampMessage(MarkdownToHTML(text))
	var lastErr error
	for attempt := 0; attempt < finalEditRetries; attempt++ {
		err := s.deliverFinal(ctx, msgID, html, tgmodels.ParseModeHTML)
		if err == nil || isNotModified(err) {
			return nil
		}
		if isParseError(err) {
			// Malformed HTML entities; fall back to plain text.
			err = s.deliverFinal(ctx, msgID, text, "")
			if err == nil || isNotModified(err) {
				return nil
			}
		}
		lastErr = err
		if wait, ok := retryAfterOf(err); ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		s.logger.Warn("final edit failed",
			slog.Int64("chat_id", s.chatID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}
	return channels.ErrConnection("final edit failed", lastErr)
}

func (s *Stream) deliverFinal(ctx context.Context, msgID int, text string, parseMode tgmodels.ParseMode) error {
	if msgID == 0 {
		sent, err := s.sendWithParseMode(ctx, text, parseMode)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.msgID = sent.ID
		s.lastSent = text
		s.mu.Unlock()
		return nil
	}
	_, err := s.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    s.chatID,
		MessageID: msgID,
		Text:      text,
		ParseMode: parseMode,
	})
	return err
}

func (s *Stream) send(ctx context.Context, text string) (*tgmodels.Message, error) {
	return s.sendWithParseMode(ctx, text, "")
}

func (s *Stream) sendWithParseMode(ctx context.Context, text string, parseMode tgmodels.ParseMode) (*tgmodels.Message, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	params := &bot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      text,
		ParseMode: parseMode,
	}
	if s.replyTo != 0 {
		params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: s.replyTo}
	}
	return s.client.SendMessage(ctx, params)
}

// refreshTyping re-arms the typing indicator before a new message opens;
// Telegram drops the indicator after a few seconds on its own.
func (s *Stream) refreshTyping(ctx context.Context) {
	go func() {
		_, err := s.client.SendChatAction(ctx, &bot.SendChatActionParams{
			ChatID: s.chatID,
			Action: tgmodels.ChatActionTyping,
		})
		if err != nil {
			s.logger.Debug("typing refresh failed",
				slog.Int64("chat_id", s.chatID),
				slog.Any("error", err))
		}
	}()
}

// handleEditError absorbs rate limiting by deferring the next edit; the
// buffered text goes out on a later delta or the final edit.
func (s *Stream) handleEditError(err error) error {
	if wait, ok := retryAfterOf(err); ok {
		s.mu.Lock()
		s.nextEditAt = time.Now().Add(wait)
		s.mu.Unlock()
		s.logger.Debug("edit rate limited",
			slog.Int64("chat_id", s.chatID),
			slog.Duration("retry_after", wait))
		return nil
	}
	return channels.ErrConnection("message edit failed", err)
}

// reset clears per-message state so the next delta opens a new message.
func (s *Stream) reset() {
	s.mu.Lock()
	s.msgID = 0
	s.buffer.Reset()
	s.lastSent = ""
	s.nextEditAt = time.Time{}
	s.mu.Unlock()
}

// sendAttachments delivers artifacts as separate messages. Best-effort:
// failures are logged and the stream carries on.
func (s *Stream) sendAttachments(ctx context.Context, atts []models.ChatAttachment) {
	for _, att := range atts {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := s.sendAttachment(ctx, att); err != nil {
			s.logger.Warn("attachment send failed",
				slog.Int64("chat_id", s.chatID),
				slog.String("type", att.Type),
				slog.Any("error", err))
		}
	}
}

func (s *Stream) sendAttachment(ctx context.Context, att models.ChatAttachment) error {
	var input tgmodels.InputFile
	switch {
	case att.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(att.Base64)
		if err != nil {
			return err
		}
		name := att.Name
		if name == "" {
			name = "attachment"
		}
		input = &tgmodels.InputFileUpload{Filename: name, Data: bytes.NewReader(data)}
	case att.URL != "":
		input = &tgmodels.InputFileString{Data: att.URL}
	default:
		return errors.New("attachment has no payload")
	}

	if att.Type == models.AttachmentImage {
		_, err := s.client.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: s.chatID, Photo: input})
		return err
	}
	_, err := s.client.SendDocument(ctx, &bot.SendDocumentParams{ChatID: s.chatID, Document: input})
	return err
}

// lastAssistantText pulls the trailing assistant text out of a terminal
// transcript.
func lastAssistantText(msgs []models.ModelMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			if text := strings.TrimSpace(msgs[i].TextContent()); text != "" {
				return text
			}
		}
	}
	return ""
}

// sanitizeText strips invalid UTF-8; the Bot API rejects it outright.
func sanitizeText(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// clampMessage bounds text to Telegram's message length.
func clampMessage(s string) string {
	runes := []rune(s)
	if len(runes) <= maxMessageRunes {
		return s
	}
	return string(runes[:maxMessageRunes-3]) + "..."
}

// normalized is the comparison form for edit dedupe: pending suffix and
// surrounding whitespace do not count as changes.
func normalized(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(s, pendingSuffix))
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}

// retryAfterOf extracts the platform-mandated wait from a rate limit
// error.
func retryAfterOf(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var tooMany *bot.TooManyRequestsError
	if errors.As(err, &tooMany) {
		wait := time.Duration(tooMany.RetryAfter) * time.Second
		if wait <= 0 {
			wait = editThrottle
		}
		return wait, true
	}
	msg := err.Error()
	if idx := strings.Index(msg, "retry_after "); idx >= 0 {
		rest := msg[idx+len("retry_after "):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end > 0 {
			if secs, convErr := strconv.Atoi(rest[:end]); convErr == nil {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	if strings.Contains(strings.ToLower(msg), "too many requests") {
		return editThrottle, true
	}
	return 0, false
}
