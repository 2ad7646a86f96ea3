// Package channels defines the contract between the conversation core and
// platform adapters, and the orchestrator that drives a round across it.
package channels

import (
	"context"

	"github.com/haasonsaas/memoh/pkg/models"
)

// Target addresses one platform conversation.
type Target struct {
	// ChatID is the platform conversation identifier.
	ChatID string

	// ThreadID optionally narrows to a thread inside the conversation.
	ThreadID string
}

// Inbound is a platform message normalized for the conversation core.
type Inbound struct {
	// Request is the assembled flow request, token and identity included.
	Request models.ChatRequest

	// Target is where responses go back.
	Target Target
}

// StreamOptions tunes an outbound stream.
type StreamOptions struct {
	// ReplyToMessageID threads the response onto the triggering message,
	// on platforms that support it.
	ReplyToMessageID string
}

// OutboundStream renders a live agent response on the platform. Push is
// called once per stream event in order; Close finalizes the rendering.
// Implementations are safe for use from a single goroutine only.
type OutboundStream interface {
	Push(ctx context.Context, ev models.StreamEvent) error
	Close(ctx context.Context) error
}

// Adapter is one platform integration. Start begins consuming platform
// updates and feeds them to the handler the adapter was built with; Stop
// drains and disconnects.
type Adapter interface {
	// Platform returns the channel identifier, e.g. "telegram".
	Platform() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// OpenStream begins an outbound response rendering on the target.
	OpenStream(ctx context.Context, target Target, opts StreamOptions) (OutboundStream, error)

	// ProcessingStarted signals that a round began for the target, e.g. a
	// typing indicator. Best-effort.
	ProcessingStarted(ctx context.Context, target Target)

	// ProcessingCompleted signals that the round finished cleanly.
	// Best-effort; platforms with nothing to tear down may no-op.
	ProcessingCompleted(ctx context.Context, target Target)

	// ProcessingFailed surfaces a fatal round failure to the user.
	ProcessingFailed(ctx context.Context, target Target, err error)
}

// Registry holds the active adapters keyed by platform.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any previous one for the platform.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Platform()] = adapter
}

// Get returns the adapter for a platform.
func (r *Registry) Get(platform string) (Adapter, bool) {
	adapter, ok := r.adapters[platform]
	return adapter, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	return adapters
}

// StartAll starts every adapter, failing fast on the first error.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, adapter := range r.adapters {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.adapters {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
