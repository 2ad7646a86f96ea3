package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("store: not found")

// Postgres implements Service and Directory on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Persist writes one message and its asset references.
func (p *Postgres) Persist(ctx context.Context, in PersistInput) (Message, error) {
	msg := Message{
		ID:                      uuid.NewString(),
		BotID:                   in.BotID,
		ChatID:                  in.ChatID,
		RouteID:                 in.RouteID,
		SenderChannelIdentityID: in.SenderChannelIdentityID,
		SenderUserID:            in.SenderUserID,
		Platform:                in.Platform,
		ExternalMessageID:       in.ExternalMessageID,
		SourceReplyToMessageID:  in.SourceReplyToMessageID,
		Role:                    in.Role,
		Content:                 in.Content,
		Metadata:                in.Metadata,
		CreatedAt:               time.Now().UTC(),
	}
	if msg.ChatID == "" {
		msg.ChatID = in.BotID
	}

	metadata, err := json.Marshal(in.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO messages (
			id, bot_id, chat_id, route_id,
			sender_channel_identity_id, sender_user_id,
			platform, external_message_id, source_reply_to_message_id,
			role, content, metadata, created_at
		) VALUES ($1,$2,$3,$4,nullif($5,''),nullif($6,''),$7,$8,$9,$10,$11,$12,$13)`,
		msg.ID, msg.BotID, msg.ChatID, msg.RouteID,
		msg.SenderChannelIdentityID, msg.SenderUserID,
		msg.Platform, msg.ExternalMessageID, msg.SourceReplyToMessageID,
		msg.Role, []byte(msg.Content), metadata, msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	for _, ref := range in.Assets {
		if _, err := p.pool.Exec(ctx, `
			INSERT INTO message_assets (message_id, content_hash, role, ordinal)
			VALUES ($1,$2,$3,$4)`,
			msg.ID, ref.ContentHash, ref.Role, ref.Ordinal,
		); err != nil {
			return Message{}, fmt.Errorf("insert asset ref: %w", err)
		}
	}
	return msg, nil
}

// ListSince returns messages for a chat created in [since, now], oldest
// first.
func (p *Postgres) ListSince(ctx context.Context, chatID string, since time.Time) ([]Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, bot_id, chat_id, coalesce(route_id,''),
		       coalesce(sender_channel_identity_id::text,''), coalesce(sender_user_id::text,''),
		       coalesce(platform,''), coalesce(external_message_id,''),
		       coalesce(source_reply_to_message_id,''),
		       role, content, metadata, created_at
		FROM messages
		WHERE chat_id = $1 AND created_at >= $2
		ORDER BY created_at ASC`,
		chatID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// List returns up to limit messages for a bot created before the cursor,
// newest first.
func (p *Postgres) List(ctx context.Context, botID string, limit int, before time.Time) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, bot_id, chat_id, coalesce(route_id,''),
		       coalesce(sender_channel_identity_id::text,''), coalesce(sender_user_id::text,''),
		       coalesce(platform,''), coalesce(external_message_id,''),
		       coalesce(source_reply_to_message_id,''),
		       role, content, metadata, created_at
		FROM messages
		WHERE bot_id = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3`,
		botID, before, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Clear deletes a bot's messages.
func (p *Postgres) Clear(ctx context.Context, botID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM messages WHERE bot_id = $1`, botID)
	return err
}

// ChannelIdentityByID looks up a channel identity.
func (p *Postgres) ChannelIdentityByID(ctx context.Context, id string) (ChannelIdentity, error) {
	var ci ChannelIdentity
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, coalesce(display_name,''), coalesce(user_id::text,'')
		FROM channel_identities WHERE id = $1`, id,
	).Scan(&ci.ID, &ci.DisplayName, &ci.UserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelIdentity{}, ErrNotFound
	}
	if err != nil {
		return ChannelIdentity{}, err
	}
	return ci, nil
}

// UserByID looks up a user.
func (p *Postgres) UserByID(ctx context.Context, id string) (User, error) {
	var u User
	err := p.pool.QueryRow(ctx, `
		SELECT id::text, coalesce(display_name,'')
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var content, metadata []byte
		if err := rows.Scan(
			&m.ID, &m.BotID, &m.ChatID, &m.RouteID,
			&m.SenderChannelIdentityID, &m.SenderUserID,
			&m.Platform, &m.ExternalMessageID, &m.SourceReplyToMessageID,
			&m.Role, &content, &metadata, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.Content = json.RawMessage(content)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
