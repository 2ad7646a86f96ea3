// Package settings reads bot-level and chat-level conversation settings.
package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Bot holds bot-level defaults consulted by the flow resolver.
type Bot struct {
	ChatModelID        string
	MaxContextLoadTime int // minutes; 0 means unset
}

// Chat holds per-chat overrides.
type Chat struct {
	ModelID            string
	MaxContextLoadTime int
}

// Reader is the settings lookup surface. Missing rows yield zero values,
// not errors; the resolver falls back through its priority chain.
type Reader interface {
	GetBot(ctx context.Context, botID string) (Bot, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
}

// Postgres implements Reader on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// GetBot returns the bot's settings, zero-valued when absent.
func (p *Postgres) GetBot(ctx context.Context, botID string) (Bot, error) {
	var s Bot
	err := p.pool.QueryRow(ctx, `
		SELECT coalesce(chat_model_id,''), coalesce(max_context_load_time, 0)
		FROM bot_settings WHERE bot_id = $1`, botID,
	).Scan(&s.ChatModelID, &s.MaxContextLoadTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Bot{}, nil
	}
	if err != nil {
		return Bot{}, err
	}
	return s, nil
}

// GetChat returns the chat's settings, zero-valued when absent.
func (p *Postgres) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var s Chat
	err := p.pool.QueryRow(ctx, `
		SELECT coalesce(model_id,''), coalesce(max_context_load_time, 0)
		FROM chat_settings WHERE chat_id = $1`, chatID,
	).Scan(&s.ModelID, &s.MaxContextLoadTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, nil
	}
	if err != nil {
		return Chat{}, err
	}
	return s, nil
}
