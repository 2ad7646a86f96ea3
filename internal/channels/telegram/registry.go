package telegram

import (
	"sync"

	"github.com/go-telegram/bot"
)

// ClientRegistry shares one bot client per token. Adapters and outbound
// senders constructed for the same token reuse the underlying client, so
// Telegram sees one session per bot.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*bot.Bot
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*bot.Bot)}
}

// GetOrCreate returns the client for token, building it with opts on first
// use. Options are ignored when a client already exists for the token.
func (r *ClientRegistry) GetOrCreate(token string, opts ...bot.Option) (*bot.Bot, error) {
	r.mu.RLock()
	b, ok := r.clients[token]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock; another goroutine may have built it.
	if b, ok := r.clients[token]; ok {
		return b, nil
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, err
	}
	r.clients[token] = b
	return b, nil
}

// Remove drops the client for a token.
func (r *ClientRegistry) Remove(token string) {
	r.mu.Lock()
	delete(r.clients, token)
	r.mu.Unlock()
}
