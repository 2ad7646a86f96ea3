// Package flow is the conversation flow resolver: it assembles the full
// gateway request for a bot round (model selection, bounded history, memory
// context, skills, routed attachments), invokes the agent gateway in
// blocking or streaming mode, and persists the resulting round.
package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/memoh/internal/attachments"
	"github.com/haasonsaas/memoh/internal/catalog"
	"github.com/haasonsaas/memoh/internal/memory"
	"github.com/haasonsaas/memoh/internal/prune"
	"github.com/haasonsaas/memoh/internal/settings"
	"github.com/haasonsaas/memoh/internal/skills"
	"github.com/haasonsaas/memoh/internal/store"
	"github.com/haasonsaas/memoh/pkg/models"
	"log/slog"
)

const (
	defaultGatewayTimeout     = 60 * time.Second
	defaultMaxContextMinutes  = 24 * 60
	schedulerDisplayName      = "Scheduler"
	scheduleChannelID         = "schedule"
	streamEventBufferCapacity = 64
)

// supportedClientTypes is the allowlist of gateway client types. Lookup
// keys are lowercase.
var supportedClientTypes = map[string]struct{}{
	"openai":        {},
	"openai-compat": {},
	"anthropic":     {},
	"google":        {},
	"azure":         {},
	"bedrock":       {},
	"mistral":       {},
	"xai":           {},
	"ollama":        {},
	"dashscope":     {},
}

// AssetStore resolves stored attachment payloads by content hash.
type AssetStore interface {
	Open(ctx context.Context, botID, contentHash string) ([]byte, string, error)
}

// Config wires a Resolver.
type Config struct {
	Catalog   catalog.Service
	Store     store.Service
	Directory store.Directory
	Settings  settings.Reader
	Memory    memory.Service
	Skills    skills.Loader
	Assets    AssetStore // optional

	GatewayBaseURL string
	GatewayTimeout time.Duration
	Logger         *slog.Logger
}

// Resolver orchestrates one conversation round end to end.
type Resolver struct {
	catalog  catalog.Service
	store    store.Service
	dir      store.Directory
	settings settings.Reader
	memory   memory.Service
	skills   skills.Loader
	assets   AssetStore

	gatewayBaseURL string
	logger         *slog.Logger

	// httpClient carries the request timeout; streamingClient must not,
	// streams outlive any fixed deadline.
	httpClient      *http.Client
	streamingClient *http.Client
}

// New builds a Resolver. Zero-valued timeout defaults to 60s.
func New(cfg Config) *Resolver {
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		catalog:         cfg.Catalog,
		store:           cfg.Store,
		dir:             cfg.Directory,
		settings:        cfg.Settings,
		memory:          cfg.Memory,
		skills:          cfg.Skills,
		assets:          cfg.Assets,
		gatewayBaseURL:  strings.TrimRight(cfg.GatewayBaseURL, "/"),
		logger:          logger.With(slog.String("component", "flow")),
		httpClient:      &http.Client{Timeout: timeout},
		streamingClient: &http.Client{},
	}
}

// resolved is the prepared gateway call.
type resolved struct {
	payload  gatewayRequest
	model    catalog.Model
	provider catalog.Provider
}

// Chat runs one blocking round: resolve, invoke the gateway, persist the
// round, return the transcript.
func (r *Resolver) Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	res, err := r.resolve(ctx, req)
	if err != nil {
		return models.ChatResponse{}, err
	}
	roundsTotal.WithLabelValues("chat").Inc()

	resp, err := r.postChat(ctx, res.payload, req.Token)
	if err != nil {
		return models.ChatResponse{}, err
	}
	if err := r.storeRound(ctx, req, resp.Messages); err != nil {
		// Persistence failure does not void a completed round.
		r.logger.Error("round persistence failed",
			slog.String("bot_id", req.BotID),
			slog.Any("error", err))
	}
	return models.ChatResponse{
		Messages: resp.Messages,
		Skills:   resp.Skills,
		Model:    res.model.ModelID,
		Provider: res.provider.ClientType,
	}, nil
}

// StreamChat runs one streaming round. Events arrive on the returned
// channel; the channel closes when the stream ends. A non-nil value on the
// error channel reports a fatal failure after which no further events come.
// The user message is persisted before the stream opens.
func (r *Resolver) StreamChat(ctx context.Context, req models.ChatRequest) (<-chan models.StreamEvent, <-chan error) {
	events := make(chan models.StreamEvent, streamEventBufferCapacity)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		res, err := r.resolve(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		roundsTotal.WithLabelValues("stream").Inc()

		if !req.UserMessagePersisted {
			if err := r.persistUserMessage(ctx, req); err != nil {
				r.logger.Error("user message persistence failed",
					slog.String("bot_id", req.BotID),
					slog.Any("error", err))
			}
			req.UserMessagePersisted = true
		}

		if err := r.streamGateway(ctx, res.payload, req, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// TriggerSchedule runs one scheduled round. The schedule command is the
// query; the round is attributed to the bot owner and persisted like an
// ordinary chat round.
func (r *Resolver) TriggerSchedule(ctx context.Context, req models.ScheduleRequest) (models.ChatResponse, error) {
	if strings.TrimSpace(req.BotID) == "" {
		return models.ChatResponse{}, failf(KindValidation, "bot_id is required")
	}
	if strings.TrimSpace(req.Command) == "" {
		return models.ChatResponse{}, failf(KindValidation, "schedule command is required")
	}

	chatReq := models.ChatRequest{
		BotID:          req.BotID,
		ChatID:         firstNonEmpty(req.ChatID, req.BotID),
		Query:          req.Command,
		CurrentChannel: scheduleChannelID,
		DisplayName:    schedulerDisplayName,
		UserID:         req.OwnerUserID,
		ContainerID:    req.ContainerID,
		Token:          req.Token,
	}
	res, err := r.resolve(ctx, chatReq)
	if err != nil {
		return models.ChatResponse{}, err
	}
	roundsTotal.WithLabelValues("schedule").Inc()

	payload := triggerScheduleRequest{
		gatewayRequest: res.payload,
		Schedule: gatewaySchedule{
			ID:          req.ScheduleID,
			Name:        req.Name,
			Description: req.Description,
			Pattern:     req.Pattern,
			MaxCalls:    req.MaxCalls,
			Command:     req.Command,
		},
	}
	payload.Identity.ChannelIdentityID = req.OwnerUserID

	resp, err := r.postTriggerSchedule(ctx, payload, req.Token)
	if err != nil {
		return models.ChatResponse{}, err
	}
	if err := r.storeRound(ctx, chatReq, resp.Messages); err != nil {
		r.logger.Error("schedule round persistence failed",
			slog.String("bot_id", req.BotID),
			slog.Any("error", err))
	}
	return models.ChatResponse{
		Messages: resp.Messages,
		Skills:   resp.Skills,
		Model:    res.model.ModelID,
		Provider: res.provider.ClientType,
	}, nil
}

// resolve validates the request and assembles the gateway payload.
func (r *Resolver) resolve(ctx context.Context, req models.ChatRequest) (resolved, error) {
	if strings.TrimSpace(req.BotID) == "" {
		return resolved{}, failf(KindValidation, "bot_id is required")
	}
	if strings.TrimSpace(req.ChatID) == "" {
		return resolved{}, failf(KindValidation, "chat_id is required")
	}
	if strings.TrimSpace(req.Query) == "" && len(req.Attachments) == 0 {
		return resolved{}, failf(KindValidation, "query is required")
	}

	botSettings, err := r.settings.GetBot(ctx, req.BotID)
	if err != nil {
		return resolved{}, wrap(KindStorage, "bot settings lookup failed", err)
	}
	chatSettings, err := r.settings.GetChat(ctx, req.ChatID)
	if err != nil {
		return resolved{}, wrap(KindStorage, "chat settings lookup failed", err)
	}

	model, provider, err := r.selectModel(ctx, req, chatSettings.ModelID, botSettings.ChatModelID)
	if err != nil {
		return resolved{}, err
	}
	clientType, err := normalizeClientType(provider.ClientType)
	if err != nil {
		return resolved{}, err
	}

	history, err := r.loadHistory(ctx, req, chatSettings.MaxContextLoadTime, botSettings.MaxContextLoadTime)
	if err != nil {
		return resolved{}, err
	}

	msgs := make([]models.ModelMessage, 0, len(history)+len(req.Messages)+1)
	msgs = append(msgs, history...)
	if memCtx, ok := r.memoryContextMessage(ctx, req); ok {
		msgs = append(msgs, memCtx)
	}
	msgs = append(msgs, req.Messages...)
	msgs = prune.History(sanitizeMessages(msgs))

	skillNames, usable := r.resolveSkills(ctx, req)

	atts := r.inlineAssets(ctx, req.BotID, req.Attachments)
	gatewayAtts := attachments.RouteForGateway(model.InputModalities, atts)

	activeMinutes := contextMinutes(req.MaxContextLoadTime, chatSettings.MaxContextLoadTime, botSettings.MaxContextLoadTime)
	payload := gatewayRequest{
		Model: gatewayModelConfig{
			ModelID:    model.ModelID,
			ClientType: clientType,
			Input:      model.InputModalities,
			APIKey:     provider.APIKey,
			BaseURL:    provider.BaseURL,
		},
		ActiveContextTime: activeMinutes,
		Channels:          req.Channels,
		CurrentChannel:    req.CurrentChannel,
		AllowedActions:    req.AllowedActions,
		Messages:          msgs,
		Skills:            skillNames,
		UsableSkills:      usable,
		Query:             req.Query,
		Identity: gatewayIdentity{
			BotID:             req.BotID,
			ContainerID:       req.ContainerID,
			ChannelIdentityID: req.SourceChannelIdentityID,
			DisplayName:       r.resolveDisplayName(ctx, req),
			CurrentPlatform:   req.CurrentChannel,
			ConversationType:  req.ConversationType,
			SessionToken:      req.Token,
		},
		Attachments: gatewayAtts,
	}
	if payload.Channels == nil {
		payload.Channels = []string{}
	}
	if payload.Skills == nil {
		payload.Skills = []string{}
	}
	if payload.UsableSkills == nil {
		payload.UsableSkills = []gatewaySkill{}
	}
	if payload.Attachments == nil {
		payload.Attachments = []attachments.GatewayAttachment{}
	}

	return resolved{payload: payload, model: model, provider: provider}, nil
}

// selectModel applies the override priority: request model, chat setting,
// bot setting. A provider override narrows the fallback search instead.
func (r *Resolver) selectModel(ctx context.Context, req models.ChatRequest, chatModelID, botModelID string) (catalog.Model, catalog.Provider, error) {
	wantClientType := ""
	if strings.TrimSpace(req.Provider) != "" {
		normalized, err := normalizeClientType(req.Provider)
		if err != nil {
			return catalog.Model{}, catalog.Provider{}, err
		}
		wantClientType = normalized
	}

	for _, candidate := range []string{req.Model, chatModelID, botModelID} {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		model, err := r.catalog.GetByModelID(ctx, candidate)
		if err != nil {
			continue
		}
		if model.Type != catalog.TypeChat {
			continue
		}
		provider, err := r.catalog.ProviderByID(ctx, model.ProviderID)
		if err != nil {
			continue
		}
		if wantClientType != "" && !strings.EqualFold(provider.ClientType, wantClientType) {
			continue
		}
		return model, provider, nil
	}

	if wantClientType != "" {
		list, err := r.catalog.ListByClientType(ctx, wantClientType)
		if err == nil {
			for _, model := range list {
				if model.Type != catalog.TypeChat {
					continue
				}
				provider, err := r.catalog.ProviderByID(ctx, model.ProviderID)
				if err != nil {
					continue
				}
				return model, provider, nil
			}
		}
	}
	return catalog.Model{}, catalog.Provider{}, failf(KindValidation, "no chat model configured for bot %s", req.BotID)
}

// loadHistory returns the stored transcript inside the context window, in
// chronological order. A negative request override skips history entirely.
func (r *Resolver) loadHistory(ctx context.Context, req models.ChatRequest, chatMinutes, botMinutes int) ([]models.ModelMessage, error) {
	if req.MaxContextLoadTime < 0 {
		return nil, nil
	}
	minutes := contextMinutes(req.MaxContextLoadTime, chatMinutes, botMinutes)
	since := time.Now().Add(-time.Duration(minutes) * time.Minute)
	stored, err := r.store.ListSince(ctx, req.ChatID, since)
	if err != nil {
		return nil, wrap(KindStorage, "history load failed", err)
	}

	out := make([]models.ModelMessage, 0, len(stored))
	for _, msg := range stored {
		var mm models.ModelMessage
		if err := json.Unmarshal(msg.Content, &mm); err != nil {
			// Legacy rows hold bare text.
			mm = models.ModelMessage{Role: msg.Role, Content: msg.Content}
		}
		if mm.Role == "" {
			mm.Role = msg.Role
		}
		out = append(out, mm)
	}
	return out, nil
}

// resolveSkills returns the requested skill names and the loaded skill
// definitions shipped alongside. With no explicit request every loaded
// skill is usable.
func (r *Resolver) resolveSkills(ctx context.Context, req models.ChatRequest) ([]string, []gatewaySkill) {
	if r.skills == nil {
		return req.Skills, nil
	}
	entries, err := r.skills.LoadSkills(ctx, req.BotID)
	if err != nil {
		r.logger.Warn("skill load failed",
			slog.String("bot_id", req.BotID),
			slog.Any("error", err))
		return req.Skills, nil
	}

	usable := make([]gatewaySkill, 0, len(entries))
	loadedNames := make([]string, 0, len(entries))
	for _, entry := range entries {
		skill, ok := normalizeGatewaySkill(entry)
		if !ok {
			continue
		}
		usable = append(usable, skill)
		loadedNames = append(loadedNames, skill.Name)
	}

	names := req.Skills
	if len(names) == 0 {
		names = loadedNames
	}
	return names, usable
}

// normalizeGatewaySkill fills optional skill fields from the ones present:
// a missing description falls back to the name, missing content to the
// description. Entries without a name are unusable and dropped.
func normalizeGatewaySkill(entry skills.Entry) (gatewaySkill, bool) {
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		return gatewaySkill{}, false
	}
	description := strings.TrimSpace(entry.Description)
	if description == "" {
		description = name
	}
	content := strings.TrimSpace(entry.Content)
	if content == "" {
		content = description
	}
	return gatewaySkill{
		Name:        name,
		Description: description,
		Content:     content,
		Metadata:    entry.Metadata,
	}, true
}

// sanitizeMessages drops entries with nothing to say: no content, no tool
// calls, no tool linkage. The gateway rejects empty messages.
func sanitizeMessages(msgs []models.ModelMessage) []models.ModelMessage {
	out := make([]models.ModelMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "" {
			continue
		}
		if !m.HasContent() && len(m.ToolCalls) == 0 && m.ToolCallID == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}

func contextMinutes(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return defaultMaxContextMinutes
}

// normalizeClientType maps a provider label onto a supported gateway
// client type.
func normalizeClientType(clientType string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(clientType))
	switch normalized {
	case "openai-compatible", "openai_compat", "openaicompat":
		normalized = "openai-compat"
	case "claude":
		normalized = "anthropic"
	case "gemini":
		normalized = "google"
	case "grok":
		normalized = "xai"
	}
	if _, ok := supportedClientTypes[normalized]; !ok {
		return "", failf(KindValidation, "unsupported client type %q", clientType)
	}
	return normalized, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
