package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/memoh/internal/memory"
	"github.com/haasonsaas/memoh/pkg/models"
	"log/slog"
)

// Memory context assembly limits.
const (
	memoryContextMaxItems     = 8
	memoryContextItemMaxChars = 220
	sharedMemoryNamespace     = "bot"
)

// sharedMemoryFilters scopes memory search and extraction to the bot's
// shared namespace.
func sharedMemoryFilters(botID string) map[string]any {
	return map[string]any{
		"namespace": sharedMemoryNamespace,
		"scopeId":   botID,
		"bot_id":    botID,
	}
}

// memoryContextMessage searches the bot's shared memories for the query
// and folds the strongest hits into one system message. Memory failures
// never fail the round; the message is simply absent.
func (r *Resolver) memoryContextMessage(ctx context.Context, req models.ChatRequest) (models.ModelMessage, bool) {
	if r.memory == nil ||
		strings.TrimSpace(req.Query) == "" ||
		strings.TrimSpace(req.BotID) == "" ||
		strings.TrimSpace(req.ChatID) == "" {
		return models.ModelMessage{}, false
	}

	resp, err := r.memory.Search(ctx, memory.SearchRequest{
		Query:   req.Query,
		BotID:   req.BotID,
		Limit:   memoryContextMaxItems,
		Filters: sharedMemoryFilters(req.BotID),
		NoStats: true,
	})
	if err != nil {
		r.logger.Warn("memory search failed",
			slog.String("bot_id", req.BotID),
			slog.Any("error", err))
		return models.ModelMessage{}, false
	}

	var items []memory.Item
	seen := make(map[string]struct{})
	for _, item := range resp.Results {
		text := strings.TrimSpace(item.Memory)
		if text == "" {
			continue
		}
		key := strings.TrimSpace(item.ID)
		if key == "" {
			key = sharedMemoryNamespace + ":" + text
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		items = append(items, item)
	}
	if len(items) == 0 {
		return models.ModelMessage{}, false
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > memoryContextMaxItems {
		items = items[:memoryContextMaxItems]
	}

	var b strings.Builder
	b.WriteString("Relevant memories about this conversation:\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- %s\n", clampRunes(strings.TrimSpace(item.Memory), memoryContextItemMaxChars))
	}
	return models.ModelMessage{
		Role:    models.RoleSystem,
		Content: models.NewTextContent(strings.TrimRight(b.String(), "\n")),
	}, true
}

// storeMemory submits the round transcript for extraction. Detached from
// the request lifecycle: runs after cancellation and never blocks delivery.
func (r *Resolver) storeMemory(ctx context.Context, req models.ChatRequest, msgs []models.ModelMessage) {
	if r.memory == nil {
		return
	}
	converted := make([]memory.Message, 0, len(msgs))
	for _, m := range msgs {
		text := strings.TrimSpace(m.TextContent())
		if text == "" {
			continue
		}
		role := m.Role
		if role == "" {
			role = models.RoleAssistant
		}
		converted = append(converted, memory.Message{Role: role, Content: text})
	}
	if len(converted) == 0 {
		return
	}

	if _, err := r.memory.Add(ctx, memory.AddRequest{
		Messages: converted,
		BotID:    req.BotID,
		Filters:  sharedMemoryFilters(req.BotID),
	}); err != nil {
		memoryExtractionsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("memory extraction failed",
			slog.String("bot_id", req.BotID),
			slog.Any("error", err))
		return
	}
	memoryExtractionsTotal.WithLabelValues("ok").Inc()
}

// clampRunes bounds s to max runes, appending an ellipsis on cut.
func clampRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
