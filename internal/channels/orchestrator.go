package channels

import (
	"context"
	"time"

	"github.com/haasonsaas/memoh/pkg/models"
	"log/slog"
)

// Streamer is the conversation core surface the orchestrator drives.
type Streamer interface {
	StreamChat(ctx context.Context, req models.ChatRequest) (<-chan models.StreamEvent, <-chan error)
}

// Orchestrator runs one round per inbound message: it opens an outbound
// stream on the adapter, drives the flow resolver, and forwards every
// event. Event forwarding is best-effort; a failed push never kills the
// round, only the final outcome notification depends on the flow result.
type Orchestrator struct {
	flow    Streamer
	logger  *slog.Logger
	metrics map[string]*Metrics
}

// NewOrchestrator wires the conversation core to adapters.
func NewOrchestrator(flow Streamer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		flow:    flow,
		logger:  logger.With(slog.String("component", "orchestrator")),
		metrics: make(map[string]*Metrics),
	}
}

// Metrics returns the metrics bucket for a platform, creating it on first
// use. Not safe for concurrent first-touch; call during wiring.
func (o *Orchestrator) Metrics(platform string) *Metrics {
	m, ok := o.metrics[platform]
	if !ok {
		m = NewMetrics(platform)
		o.metrics[platform] = m
	}
	return m
}

// HandleInbound drives one round for an inbound message.
func (o *Orchestrator) HandleInbound(ctx context.Context, adapter Adapter, in Inbound) error {
	metrics := o.Metrics(adapter.Platform())
	metrics.RecordInbound()
	metrics.RecordRoundStarted()

	adapter.ProcessingStarted(ctx, in.Target)

	events, errs := o.flow.StreamChat(ctx, in.Request)

	stream, err := adapter.OpenStream(ctx, in.Target, StreamOptions{
		ReplyToMessageID: in.Request.ExternalMessageID,
	})
	if err != nil {
		// The round already started upstream; drain it so persistence
		// still happens, then report.
		for range events {
		}
		<-errs
		metrics.RecordRoundFailed()
		metrics.RecordError(GetErrorCode(err))
		adapter.ProcessingFailed(ctx, in.Target, err)
		return err
	}

	for ev := range events {
		start := time.Now()
		if pushErr := stream.Push(ctx, ev); pushErr != nil {
			metrics.RecordPushFailure()
			o.logger.Warn("stream push failed",
				slog.String("platform", adapter.Platform()),
				slog.String("chat_id", in.Target.ChatID),
				slog.String("event_type", string(ev.Type)),
				slog.Any("error", pushErr))
			continue
		}
		metrics.RecordStreamPush()
		metrics.RecordPushLatency(time.Since(start))
	}

	flowErr := <-errs

	// The round outcome reaches the adapter before the stream finalizes.
	if flowErr != nil {
		metrics.RecordRoundFailed()
		metrics.RecordError(GetErrorCode(flowErr))
		adapter.ProcessingFailed(ctx, in.Target, flowErr)
	} else {
		adapter.ProcessingCompleted(ctx, in.Target)
	}

	if closeErr := stream.Close(ctx); closeErr != nil {
		o.logger.Warn("stream close failed",
			slog.String("platform", adapter.Platform()),
			slog.String("chat_id", in.Target.ChatID),
			slog.Any("error", closeErr))
	}

	if flowErr != nil {
		return flowErr
	}
	metrics.RecordRoundCompleted()
	return nil
}
