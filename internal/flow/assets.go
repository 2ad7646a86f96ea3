package flow

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/haasonsaas/memoh/internal/attachments"
	"github.com/haasonsaas/memoh/pkg/models"
	"log/slog"
)

// inlineAssets loads stored payloads for attachments that arrive as bare
// content-hash references, so routing sees an inline form. Load failures
// leave the attachment untouched; routing then treats it as inline-only
// without payload and applies its drop policy.
func (r *Resolver) inlineAssets(ctx context.Context, botID string, atts []models.ChatAttachment) []models.ChatAttachment {
	if r.assets == nil || len(atts) == 0 {
		return atts
	}
	out := make([]models.ChatAttachment, len(atts))
	copy(out, atts)

	for i := range out {
		att := &out[i]
		if att.ContentHash == "" || att.Base64 != "" || att.URL != "" || att.Path != "" {
			continue
		}
		data, mime, err := r.assets.Open(ctx, botID, att.ContentHash)
		if err != nil {
			r.logger.Warn("asset load failed",
				slog.String("bot_id", botID),
				slog.String("content_hash", att.ContentHash),
				slog.Any("error", err))
			continue
		}
		att.Base64 = base64.StdEncoding.EncodeToString(data)
		if att.Mime == "" {
			att.Mime = mime
		}
		if att.Mime == "" || strings.EqualFold(att.Mime, "application/octet-stream") {
			if sniffed := attachments.SniffImageMime(data); sniffed != "" {
				att.Mime = sniffed
			}
		}
	}
	return out
}
