package httpapi

import (
	"context"
	"sync"

	"github.com/haasonsaas/memoh/internal/store"
)

// NotifyingStore decorates a message store with a broadcast of newly
// persisted messages, feeding the live events endpoint. Slow subscribers
// drop messages rather than block persistence.
type NotifyingStore struct {
	store.Service

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	botID string
	ch    chan store.Message
}

// NewNotifyingStore wraps an existing store.
func NewNotifyingStore(inner store.Service) *NotifyingStore {
	return &NotifyingStore{
		Service: inner,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Persist writes through and then broadcasts.
func (n *NotifyingStore) Persist(ctx context.Context, in store.PersistInput) (store.Message, error) {
	msg, err := n.Service.Persist(ctx, in)
	if err != nil {
		return msg, err
	}
	n.mu.RLock()
	for sub := range n.subs {
		if sub.botID != "" && sub.botID != msg.BotID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	n.mu.RUnlock()
	return msg, nil
}

// Subscribe returns a channel of messages persisted for the bot and a
// cancel function that must be called when done.
func (n *NotifyingStore) Subscribe(botID string) (<-chan store.Message, func()) {
	sub := &subscriber{botID: botID, ch: make(chan store.Message, 32)}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		delete(n.subs, sub)
		n.mu.Unlock()
	}
	return sub.ch, cancel
}
