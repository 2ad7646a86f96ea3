// Package httpapi exposes the conversation core over HTTP: blocking chat,
// SSE streaming, transcript reads, and a live message feed.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/memoh/internal/flow"
	"github.com/haasonsaas/memoh/internal/sse"
	"github.com/haasonsaas/memoh/internal/store"
	"github.com/haasonsaas/memoh/pkg/models"
	"log/slog"
)

const webChannel = "web"

// Flow is the conversation surface the API drives.
type Flow interface {
	Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error)
	StreamChat(ctx context.Context, req models.ChatRequest) (<-chan models.StreamEvent, <-chan error)
}

// API is the HTTP surface.
type API struct {
	flow   Flow
	store  *NotifyingStore
	logger *slog.Logger
}

// New builds the API.
func New(flowSvc Flow, messages *NotifyingStore, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		flow:   flowSvc,
		store:  messages,
		logger: logger.With(slog.String("component", "httpapi")),
	}
}

// Routes returns the route table.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bots/{bot_id}/messages", a.handleChat)
	mux.HandleFunc("POST /bots/{bot_id}/messages/stream", a.handleStream)
	mux.HandleFunc("GET /bots/{bot_id}/messages", a.handleList)
	mux.HandleFunc("GET /bots/{bot_id}/messages/events", a.handleEvents)
	mux.HandleFunc("DELETE /bots/{bot_id}/messages", a.handleClear)
	return mux
}

func (a *API) decodeChatRequest(r *http.Request) (models.ChatRequest, error) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return models.ChatRequest{}, err
	}
	botID := r.PathValue("bot_id")
	req.BotID = botID
	if req.ChatID == "" {
		req.ChatID = botID
	}
	if req.CurrentChannel == "" {
		req.CurrentChannel = webChannel
	}
	req.Token = r.Header.Get("Authorization")
	return req, nil
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := a.decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := a.flow.Chat(r.Context(), req)
	if err != nil {
		a.writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := a.decodeChatRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	events, errs := a.flow.StreamChat(r.Context(), req)

	out := sse.Flusher{W: w}
	started := false
	for ev := range events {
		if !started {
			startSSE(w)
			started = true
		}
		if err := out.WriteEvent(string(ev.Type), string(ev.Raw)); err != nil {
			a.logger.Debug("stream write failed", slog.Any("error", err))
			return
		}
	}
	if flowErr := <-errs; flowErr != nil {
		if !started {
			a.writeFlowError(w, flowErr)
			return
		}
		data, _ := json.Marshal(map[string]string{"message": flowErr.Error()})
		_ = out.WriteEvent("error", string(data))
		return
	}
	if !started {
		startSSE(w)
	}
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	before := time.Now()
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before timestamp")
			return
		}
		before = parsed
	}

	msgs, err := a.store.List(r.Context(), botID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "message load failed")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleEvents streams newly persisted messages as SSE. A since parameter
// backfills the recent transcript first.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("bot_id")

	feed, cancel := a.store.Subscribe(botID)
	defer cancel()

	startSSE(w)
	out := sse.Flusher{W: w}

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			_ = out.WriteEvent("error", `{"message":"invalid since timestamp"}`)
			return
		}
		backfill, err := a.store.ListSince(r.Context(), botID, since)
		if err == nil {
			for _, msg := range backfill {
				a.writeMessageEvent(out, msg)
			}
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-feed:
			if !ok {
				return
			}
			a.writeMessageEvent(out, msg)
		}
	}
}

func (a *API) writeMessageEvent(out sse.Flusher, msg store.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = out.WriteEvent("message_created", string(data))
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Clear(r.Context(), r.PathValue("bot_id")); err != nil {
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) writeFlowError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if flow.IsValidation(err) {
		status = http.StatusBadRequest
	}
	a.logger.Warn("chat request failed",
		slog.String("kind", string(flow.KindOf(err))),
		slog.Any("error", err))
	writeError(w, status, err.Error())
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
