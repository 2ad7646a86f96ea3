package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/memoh/internal/attachments"
	"github.com/haasonsaas/memoh/internal/sse"
	"github.com/haasonsaas/memoh/pkg/models"
	"log/slog"
)

// gatewayErrorBodyLimit bounds how much of an error body is carried in the
// failure and the log line.
const gatewayErrorBodyLimit = 300

// gatewayModelConfig is the model block of the gateway request.
type gatewayModelConfig struct {
	ModelID    string   `json:"modelId"`
	ClientType string   `json:"clientType"`
	Input      []string `json:"input"`
	APIKey     string   `json:"apiKey"`
	BaseURL    string   `json:"baseUrl"`
}

type gatewayIdentity struct {
	BotID             string `json:"botId"`
	ContainerID       string `json:"containerId"`
	ChannelIdentityID string `json:"channelIdentityId"`
	DisplayName       string `json:"displayName"`
	CurrentPlatform   string `json:"currentPlatform,omitempty"`
	ConversationType  string `json:"conversationType,omitempty"`
	SessionToken      string `json:"sessionToken,omitempty"`
}

type gatewaySkill struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type gatewayRequest struct {
	Model             gatewayModelConfig              `json:"model"`
	ActiveContextTime int                             `json:"activeContextTime"`
	Channels          []string                        `json:"channels"`
	CurrentChannel    string                          `json:"currentChannel"`
	AllowedActions    []string                        `json:"allowedActions,omitempty"`
	Messages          []models.ModelMessage           `json:"messages"`
	Skills            []string                        `json:"skills"`
	UsableSkills      []gatewaySkill                  `json:"usableSkills"`
	Query             string                          `json:"query,omitempty"`
	Identity          gatewayIdentity                 `json:"identity"`
	Attachments       []attachments.GatewayAttachment `json:"attachments"`
}

type gatewayResponse struct {
	Messages []models.ModelMessage `json:"messages"`
	Skills   []string              `json:"skills"`
}

// gatewaySchedule is the schedule sub-object for /chat/trigger-schedule.
type gatewaySchedule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
	MaxCalls    *int   `json:"maxCalls,omitempty"`
	Command     string `json:"command"`
}

type triggerScheduleRequest struct {
	gatewayRequest
	Schedule gatewaySchedule `json:"schedule"`
}

func (r *Resolver) postChat(ctx context.Context, payload gatewayRequest, token string) (gatewayResponse, error) {
	return r.postJSON(ctx, "/chat/", payload, token)
}

func (r *Resolver) postTriggerSchedule(ctx context.Context, payload triggerScheduleRequest, token string) (gatewayResponse, error) {
	// The query field is omitted on the schedule endpoint.
	payload.Query = ""
	return r.postJSON(ctx, "/chat/trigger-schedule", payload, token)
}

func (r *Resolver) postJSON(ctx context.Context, path string, payload any, token string) (gatewayResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return gatewayResponse{}, err
	}
	url := r.gatewayBaseURL + path
	r.logger.Debug("gateway request", slog.String("url", url))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gatewayResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(token) != "" {
		httpReq.Header.Set("Authorization", token)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		gatewayErrorsTotal.Inc()
		return gatewayResponse{}, wrap(KindTransient, "gateway request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayResponse{}, wrap(KindTransient, "gateway response read failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gatewayErrorsTotal.Inc()
		snippet := truncate(strings.TrimSpace(string(respBody)), gatewayErrorBodyLimit)
		r.logger.Error("gateway error",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", snippet))
		return gatewayResponse{}, failf(KindGateway, "agent gateway error: %s", snippet)
	}

	var parsed gatewayResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		r.logger.Error("gateway response parse failed",
			slog.String("body_prefix", truncate(string(respBody), gatewayErrorBodyLimit)),
			slog.Any("error", err))
		return gatewayResponse{}, wrap(KindGatewayParse, "failed to parse gateway response", err)
	}
	return parsed, nil
}

// streamGateway opens the SSE stream and forwards every data payload as a
// normalized event. Persistence of the terminal round happens before the
// terminal chunk is forwarded downstream.
func (r *Resolver) streamGateway(ctx context.Context, payload gatewayRequest, req models.ChatRequest, events chan<- models.StreamEvent) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := r.gatewayBaseURL + "/chat/stream"
	r.logger.Debug("gateway stream request", slog.String("url", url))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if strings.TrimSpace(req.Token) != "" {
		httpReq.Header.Set("Authorization", req.Token)
	}

	resp, err := r.streamingClient.Do(httpReq)
	if err != nil {
		gatewayErrorsTotal.Inc()
		return wrap(KindTransient, "gateway stream connect failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		gatewayErrorsTotal.Inc()
		snippet := truncate(strings.TrimSpace(string(errBody)), gatewayErrorBodyLimit)
		r.logger.Error("gateway stream error",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.String("body_prefix", snippet))
		return failf(KindGateway, "agent gateway error: %s", snippet)
	}

	decoder := sse.NewDecoder(resp.Body)
	stored := false
	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, sse.ErrLineTooLong) {
				return wrap(KindStreamDecode, "gateway stream frame too large", err)
			}
			return err
		}
		data := bytes.TrimSpace(frame.Data)
		if len(data) == 0 || string(data) == "[DONE]" {
			continue
		}

		ev := models.ParseStreamEvent(data)
		streamEventsTotal.WithLabelValues(string(ev.Type)).Inc()

		// Persist the round before the terminal chunk reaches the caller.
		// Storage trouble is logged, never fatal: decoded events keep
		// flowing so the terminal chunk still lands.
		if !stored {
			handled, storeErr := r.tryStoreStream(ctx, req, frame.Type, data)
			if storeErr != nil {
				r.logger.Error("round persist failed",
					slog.String("bot_id", req.BotID),
					slog.String("chat_id", req.ChatID),
					slog.Any("error", storeErr))
			}
			stored = handled
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryStoreStream detects the terminal round in one of the accepted
// envelope shapes and persists it. Envelopes are never interpreted
// partially: a shape either fully decodes or the next one is tried.
func (r *Resolver) tryStoreStream(ctx context.Context, req models.ChatRequest, eventType string, data []byte) (bool, error) {
	// Shape 1: event: done + data: {messages: [...]}
	if eventType == "done" {
		var resp gatewayResponse
		if err := json.Unmarshal(data, &resp); err == nil && len(resp.Messages) > 0 {
			return true, r.storeRound(ctx, req, resp.Messages)
		}
	}

	// Shape 2: data: {"type":"agent_end"|"done", messages: [...]}
	var envelope struct {
		Type     string                `json:"type"`
		Data     json.RawMessage       `json:"data"`
		Messages []models.ModelMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		if (envelope.Type == "agent_end" || envelope.Type == "done") && len(envelope.Messages) > 0 {
			return true, r.storeRound(ctx, req, envelope.Messages)
		}
		if envelope.Type == "done" && len(envelope.Data) > 0 {
			var resp gatewayResponse
			if err := json.Unmarshal(envelope.Data, &resp); err == nil && len(resp.Messages) > 0 {
				return true, r.storeRound(ctx, req, resp.Messages)
			}
		}
		if envelope.Type != "" {
			return false, nil
		}
	}

	// Shape 3: bare data: {messages: [...]}
	var resp gatewayResponse
	if err := json.Unmarshal(data, &resp); err == nil && len(resp.Messages) > 0 {
		return true, r.storeRound(ctx, req, resp.Messages)
	}
	return false, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
