// Package store persists conversation messages and resolves identities
// against the directory. The interfaces are the exact operation surface
// the flow resolver invokes; the Postgres implementations live alongside.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Message is a persisted transcript entry. Content is the marshaled
// ModelMessage; Role is duplicated for cheap filtering.
type Message struct {
	ID                      string          `json:"id"`
	BotID                   string          `json:"botId"`
	ChatID                  string          `json:"chatId"`
	RouteID                 string          `json:"routeId,omitempty"`
	SenderChannelIdentityID string          `json:"senderChannelIdentityId,omitempty"`
	SenderUserID            string          `json:"senderUserId,omitempty"`
	Platform                string          `json:"platform,omitempty"`
	ExternalMessageID       string          `json:"externalMessageId,omitempty"`
	SourceReplyToMessageID  string          `json:"sourceReplyToMessageId,omitempty"`
	Role                    string          `json:"role"`
	Content                 json.RawMessage `json:"content"`
	Metadata                map[string]any  `json:"metadata,omitempty"`
	CreatedAt               time.Time       `json:"createdAt"`
}

// AssetRef links a message to a stored asset by content hash.
type AssetRef struct {
	ContentHash string `json:"contentHash"`
	Role        string `json:"role"`
	Ordinal     int    `json:"ordinal"`
}

// PersistInput is the write operation for one message.
type PersistInput struct {
	BotID                   string
	ChatID                  string
	RouteID                 string
	SenderChannelIdentityID string
	SenderUserID            string
	Platform                string
	ExternalMessageID       string
	SourceReplyToMessageID  string
	Role                    string
	Content                 json.RawMessage
	Metadata                map[string]any
	Assets                  []AssetRef
}

// Service is the message persistence surface.
type Service interface {
	Persist(ctx context.Context, in PersistInput) (Message, error)
	ListSince(ctx context.Context, chatID string, since time.Time) ([]Message, error)
	List(ctx context.Context, botID string, limit int, before time.Time) ([]Message, error)
	Clear(ctx context.Context, botID string) error
}

// ChannelIdentity is a directory record for a platform identity.
type ChannelIdentity struct {
	ID          string
	DisplayName string
	UserID      string
}

// User is a directory record for an account.
type User struct {
	ID          string
	DisplayName string
}

// Directory resolves caller-supplied identifiers at persistence time.
// Lookups for unknown IDs return ErrNotFound so callers can demote the
// reference instead of violating foreign keys.
type Directory interface {
	ChannelIdentityByID(ctx context.Context, id string) (ChannelIdentity, error)
	UserByID(ctx context.Context, id string) (User, error)
}
