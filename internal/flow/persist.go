package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/haasonsaas/memoh/internal/store"
	"github.com/haasonsaas/memoh/pkg/models"
	"log/slog"
)

// persistUserMessage stores the inbound user message ahead of streaming, so
// a round interrupted mid-stream still has its prompt on record.
func (r *Resolver) persistUserMessage(ctx context.Context, req models.ChatRequest) error {
	msg := userMessageFromRequest(req)
	if msg == nil {
		return nil
	}
	content, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	identityID, userID := r.resolvePersistSenderIDs(ctx, req)
	_, err = r.store.Persist(ctx, store.PersistInput{
		BotID:                   req.BotID,
		ChatID:                  req.ChatID,
		RouteID:                 req.RouteID,
		SenderChannelIdentityID: identityID,
		SenderUserID:            userID,
		Platform:                req.CurrentChannel,
		ExternalMessageID:       req.ExternalMessageID,
		Role:                    models.RoleUser,
		Content:                 content,
		Metadata:                routeMetadata(req),
		Assets:                  assetRefs(req),
	})
	if err != nil {
		return wrap(KindStorage, "user message persist failed", err)
	}
	return nil
}

// storeRound persists a completed round transcript. Runs on a context
// detached from request cancellation: messages already produced are kept
// even when the caller has gone away. Memory extraction is kicked off on
// the same detached context.
func (r *Resolver) storeRound(ctx context.Context, req models.ChatRequest, msgs []models.ModelMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	persistCtx := context.WithoutCancel(ctx)
	identityID, userID := r.resolvePersistSenderIDs(persistCtx, req)

	userAttributed := req.UserMessagePersisted
	var firstErr error
	for _, m := range msgs {
		if m.Role == "" || (!m.HasContent() && len(m.ToolCalls) == 0 && m.ToolCallID == "") {
			continue
		}

		in := store.PersistInput{
			BotID:    req.BotID,
			ChatID:   req.ChatID,
			RouteID:  req.RouteID,
			Platform: req.CurrentChannel,
			Role:     m.Role,
			Metadata: routeMetadata(req),
		}
		if m.Role == models.RoleUser {
			if userAttributed {
				// Already stored up front; the gateway echoes it back.
				continue
			}
			in.SenderChannelIdentityID = identityID
			in.SenderUserID = userID
			in.ExternalMessageID = req.ExternalMessageID
			if matchesRequestQuery(m, req) {
				in.Assets = assetRefs(req)
			}
			userAttributed = true
		} else {
			// Thread agent output back to the triggering platform message.
			in.SourceReplyToMessageID = req.ExternalMessageID
		}

		content, err := json.Marshal(m)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		in.Content = content

		if _, err := r.store.Persist(persistCtx, in); err != nil {
			if firstErr == nil {
				firstErr = wrap(KindStorage, "round persist failed", err)
			}
			r.logger.Error("message persist failed",
				slog.String("bot_id", req.BotID),
				slog.String("role", m.Role),
				slog.Any("error", err))
		}
	}

	// Round persisted before synthesis: a missing user echo still needs the
	// prompt on record.
	if !userAttributed {
		if err := r.persistUserMessage(persistCtx, req); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	go r.storeMemory(persistCtx, req, msgs)
	return firstErr
}

// resolvePersistSenderIDs verifies caller-supplied identity references
// against the directory. Unknown references are silently demoted to empty
// so persistence never trips a foreign key.
func (r *Resolver) resolvePersistSenderIDs(ctx context.Context, req models.ChatRequest) (identityID, userID string) {
	if r.dir == nil {
		return "", ""
	}
	if id := strings.TrimSpace(req.SourceChannelIdentityID); id != "" {
		if _, err := r.dir.ChannelIdentityByID(ctx, id); err == nil {
			identityID = id
		} else if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("channel identity lookup failed",
				slog.String("channel_identity_id", id),
				slog.Any("error", err))
		}
	}
	if id := strings.TrimSpace(req.UserID); id != "" {
		if _, err := r.dir.UserByID(ctx, id); err == nil {
			userID = id
		} else if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("user lookup failed",
				slog.String("user_id", id),
				slog.Any("error", err))
		}
	}
	return identityID, userID
}

// resolveDisplayName picks the name the agent sees for the requester:
// request value, then directory records, then a plain fallback.
func (r *Resolver) resolveDisplayName(ctx context.Context, req models.ChatRequest) string {
	if name := strings.TrimSpace(req.DisplayName); name != "" {
		return name
	}
	if r.dir != nil {
		if id := strings.TrimSpace(req.SourceChannelIdentityID); id != "" {
			if identity, err := r.dir.ChannelIdentityByID(ctx, id); err == nil && strings.TrimSpace(identity.DisplayName) != "" {
				return identity.DisplayName
			}
		}
		if id := strings.TrimSpace(req.UserID); id != "" {
			if user, err := r.dir.UserByID(ctx, id); err == nil && strings.TrimSpace(user.DisplayName) != "" {
				return user.DisplayName
			}
		}
	}
	return "User"
}

// userMessageFromRequest synthesizes the user turn from the raw request.
// Returns nil when the request carries nothing persistable.
func userMessageFromRequest(req models.ChatRequest) *models.ModelMessage {
	query := strings.TrimSpace(req.Query)
	if query == "" && len(req.Attachments) == 0 {
		return nil
	}
	if query == "" {
		query = "(attachment)"
	}
	return &models.ModelMessage{
		Role:    models.RoleUser,
		Content: models.NewTextContent(query),
	}
}

// matchesRequestQuery reports whether a round user message is the echo of
// the request prompt, so attachment refs land on the right row.
func matchesRequestQuery(m models.ModelMessage, req models.ChatRequest) bool {
	return strings.TrimSpace(m.TextContent()) == strings.TrimSpace(req.Query)
}

func routeMetadata(req models.ChatRequest) map[string]any {
	meta := map[string]any{}
	if req.RouteID != "" {
		meta["route_id"] = req.RouteID
	}
	if req.CurrentChannel != "" {
		meta["platform"] = req.CurrentChannel
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// assetRefs builds content-hash references for the request attachments, in
// input order.
func assetRefs(req models.ChatRequest) []store.AssetRef {
	var refs []store.AssetRef
	for i, att := range req.Attachments {
		if strings.TrimSpace(att.ContentHash) == "" {
			continue
		}
		refs = append(refs, store.AssetRef{
			ContentHash: att.ContentHash,
			Role:        att.Type,
			Ordinal:     i,
		})
	}
	return refs
}
