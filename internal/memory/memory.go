// Package memory is the client for the external memory service consumed by
// the flow resolver: semantic search for context assembly and message
// ingestion for extraction.
package memory

import (
	"context"
)

// Item is one retrieved memory.
type Item struct {
	ID        string  `json:"id"`
	Memory    string  `json:"memory"`
	Score     float64 `json:"score"`
	Namespace string  `json:"namespace,omitempty"`
	ScopeID   string  `json:"scopeId,omitempty"`
}

// Message is one transcript entry submitted for extraction.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SearchRequest queries memories for a bot.
type SearchRequest struct {
	Query   string         `json:"query"`
	BotID   string         `json:"botId"`
	Limit   int            `json:"limit,omitempty"`
	Filters map[string]any `json:"filters,omitempty"`
	NoStats bool           `json:"noStats,omitempty"`
}

// SearchResponse carries scored results.
type SearchResponse struct {
	Results []Item `json:"results"`
}

// AddRequest submits round messages for extraction.
type AddRequest struct {
	Messages []Message      `json:"messages"`
	BotID    string         `json:"botId"`
	Filters  map[string]any `json:"filters,omitempty"`
}

// AddResponse acknowledges an extraction submission.
type AddResponse struct {
	Accepted int `json:"accepted,omitempty"`
}

// Service is the memory operations surface the core invokes.
type Service interface {
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
	Add(ctx context.Context, req AddRequest) (AddResponse, error)
}
