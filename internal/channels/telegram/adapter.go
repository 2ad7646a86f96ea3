// Package telegram is the Telegram channel adapter: long-polling inbound
// conversion and single-message edit streaming outbound.
package telegram

import (
	"context"
	"fmt"
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

// Platform is the channel identifier this adapter registers under.
const Platform = "telegram"

// Handler receives one normalized inbound message per platform update.
type Handler func(ctx context.Context, in channels.Inbound)

// Config holds the adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// BotID is the conversation core bot this adapter serves. It doubles
	// as the flow chat id: each bot owns one rolling conversation.
	BotID string

	// AuthToken is forwarded to the agent gateway on each round.
	AuthToken string

	// RateLimit is outbound operations per second; RateBurst the burst
	// capacity. Zero values take Telegram-friendly defaults.
	RateLimit float64
	RateBurst int

	// Clients optionally shares bot clients across adapters by token.
	Clients *ClientRegistry

	Logger *slog.Logger
}

// Validate applies defaults and rejects unusable configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if strings.TrimSpace(c.BotID) == "" {
		return channels.ErrConfig("bot_id is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 25 // Telegram allows ~30 messages per second
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	cfg     Config
	handler Handler
	client  BotClient
	raw     *bot.Bot
	limiter *channels.RateLimiter
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter builds the adapter. The handler is invoked once per inbound
// message, each on its own goroutine.
func NewAdapter(cfg Config, handler Handler) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:     cfg,
		handler: handler,
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  cfg.Logger.With(slog.String("adapter", Platform)),
	}, nil
}

// Platform implements channels.Adapter.
func (a *Adapter) Platform() string { return Platform }

// Start connects the bot and begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	var (
		b   *bot.Bot
		err error
	)
	if a.cfg.Clients != nil {
		b, err = a.cfg.Clients.GetOrCreate(a.cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	} else {
		b, err = bot.New(a.cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	}
	if err != nil {
		return channels.NewError(channels.ErrCodeAuthentication, "bot init failed", err)
	}
	a.raw = b
	a.client = newRealBotClient(b)

	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("telegram adapter started", slog.String("bot_id", a.cfg.BotID))
		b.Start(ctx)
		a.logger.Info("telegram adapter stopped")
	}()
	return nil
}

// Stop ends long polling and waits for in-flight handlers.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return channels.NewError(channels.ErrCodeTimeout, "stop timed out", ctx.Err())
	}
}

// OpenStream implements channels.Adapter.
func (a *Adapter) OpenStream(_ context.Context, target channels.Target, opts channels.StreamOptions) (channels.OutboundStream, error) {
	chatID, err := strconv.ParseInt(target.ChatID, 10, 64)
	if err != nil {
		return nil, channels.ErrInvalidInput("bad chat id", err)
	}
	replyTo := 0
	if opts.ReplyToMessageID != "" {
		replyTo, _ = strconv.Atoi(opts.ReplyToMessageID)
	}
	return NewStream(a.client, a.limiter, a.logger, chatID, replyTo), nil
}

// ProcessingStarted shows a typing indicator. Fire-and-forget.
func (a *Adapter) ProcessingStarted(ctx context.Context, target channels.Target) {
	chatID, err := strconv.ParseInt(target.ChatID, 10, 64)
	if err != nil || a.client == nil {
		return
	}
	go func() {
		_, err := a.client.SendChatAction(ctx, &bot.SendChatActionParams{
			ChatID: chatID,
			Action: tgmodels.ChatActionTyping,
		})
		if err != nil {
			a.logger.Debug("typing indicator failed",
				slog.Int64("chat_id", chatID),
				slog.Any("error", err))
		}
	}()
}

// ProcessingCompleted is a no-op: Telegram drops the typing indicator on
// its own once the response message lands.
func (a *Adapter) ProcessingCompleted(_ context.Context, _ channels.Target) {}

// ProcessingFailed tells the user the round died.
func (a *Adapter) ProcessingFailed(ctx context.Context, target channels.Target, roundErr error) {
	chatID, err := strconv.ParseInt(target.ChatID, 10, 64)
	if err != nil || a.client == nil {
		return
	}
	text := "Error: " + roundErr.Error()
	_, err = a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   clampMessage(sanitizeText(text)),
	})
	if err != nil {
		a.logger.Warn("failure notice not delivered",
			slog.Int64("chat_id", chatID),
			slog.Any("error", err))
	}
}

// handleUpdate converts one Telegram update and hands it to the handler.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || a.handler == nil {
		return
	}
	query := msg.Text
	if query == "" {
		query = msg.Caption
	}
	atts := a.convertAttachments(ctx, msg)
	if strings.TrimSpace(query) == "" && len(atts) == 0 {
		return
	}

	in := channels.Inbound{
		Request: models.ChatRequest{
			BotID:             a.cfg.BotID,
			ChatID:            a.cfg.BotID,
			Query:             query,
			Attachments:       atts,
			Channels:          []string{Platform},
			CurrentChannel:    Platform,
			ConversationType:  conversationType(msg.Chat.Type),
			DisplayName:       displayName(msg.From),
			ExternalMessageID: strconv.Itoa(msg.ID),
			RouteID:           fmt.Sprintf("%s:%d", Platform, msg.Chat.ID),
			Token:             a.cfg.AuthToken,
		},
		Target: channels.Target{ChatID: strconv.FormatInt(msg.Chat.ID, 10)},
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		start := time.Now()
		a.handler(ctx, in)
		a.logger.Debug("inbound handled",
			slog.Int64("chat_id", msg.Chat.ID),
			slog.Duration("took", time.Since(start)))
	}()
}

// convertAttachments maps the largest photo size and any document onto
// chat attachments referencing the Bot API file URL.
func (a *Adapter) convertAttachments(ctx context.Context, msg *tgmodels.Message) []models.ChatAttachment {
	var out []models.ChatAttachment
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		if url := a.fileURL(ctx, photo.FileID); url != "" {
			out = append(out, models.ChatAttachment{
				Type: models.AttachmentImage,
				URL:  url,
				Mime: "image/jpeg",
			})
		}
	}
	if msg.Document != nil {
		if url := a.fileURL(ctx, msg.Document.FileID); url != "" {
			out = append(out, models.ChatAttachment{
				Type: models.AttachmentFile,
				URL:  url,
				Mime: msg.Document.MimeType,
				Name: msg.Document.FileName,
			})
		}
	}
	return out
}

func (a *Adapter) fileURL(ctx context.Context, fileID string) string {
	file, err := a.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		a.logger.Warn("file lookup failed", slog.String("file_id", fileID), slog.Any("error", err))
		return ""
	}
	return fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
}

func conversationType(chatType tgmodels.ChatType) string {
	if chatType == tgmodels.ChatTypePrivate {
		return models.ConversationDirect
	}
	return models.ConversationGroup
}

func displayName(user *tgmodels.User) string {
	if user == nil {
		return ""
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.Username
	}
	return name
}
