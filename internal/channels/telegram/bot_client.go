package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient is the slice of the Telegram Bot API the adapter uses. The
// indirection exists so streams and adapters can be tested against a fake.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	GetMe(ctx context.Context) (*models.User, error)
}

// realBotClient wraps *bot.Bot.
type realBotClient struct {
	bot *bot.Bot
}

func newRealBotClient(b *bot.Bot) BotClient {
	return &realBotClient{bot: b}
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error) {
	return r.bot.EditMessageText(ctx, params)
}

func (r *realBotClient) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error) {
	return r.bot.SendPhoto(ctx, params)
}

func (r *realBotClient) SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error) {
	return r.bot.SendDocument(ctx, params)
}

func (r *realBotClient) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return r.bot.SendChatAction(ctx, params)
}

func (r *realBotClient) GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error) {
	return r.bot.GetFile(ctx, params)
}

func (r *realBotClient) GetMe(ctx context.Context) (*models.User, error) {
	return r.bot.GetMe(ctx)
}
