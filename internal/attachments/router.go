// Package attachments classifies request attachments against a model's
// declared input modalities and prepares the gateway-facing forms.
package attachments

import (
	"strings"

	"github.com/haasonsaas/memoh/pkg/models"
)

// Routed holds the two capability groups. Input order is preserved within
// each group; Merge concatenates native-first.
type Routed struct {
	Native   []models.ChatAttachment
	Fallback []models.ChatAttachment
}

// Route splits attachments by the model's input modalities. An attachment
// whose type maps to a present modality is native; everything else,
// including unknown types, is fallback.
func Route(modalities []string, atts []models.ChatAttachment) Routed {
	supported := make(map[string]struct{}, len(modalities))
	for _, m := range modalities {
		supported[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	var routed Routed
	for _, att := range atts {
		if _, ok := supported[modality(att.Type)]; ok {
			routed.Native = append(routed.Native, att)
		} else {
			routed.Fallback = append(routed.Fallback, att)
		}
	}
	return routed
}

// Merge returns native ⊕ fallback in a single ordered slice.
func (r Routed) Merge() []models.ChatAttachment {
	merged := make([]models.ChatAttachment, 0, len(r.Native)+len(r.Fallback))
	merged = append(merged, r.Native...)
	merged = append(merged, r.Fallback...)
	return merged
}

func modality(attachmentType string) string {
	switch strings.ToLower(strings.TrimSpace(attachmentType)) {
	case models.AttachmentImage:
		return "image"
	case models.AttachmentAudio:
		return "audio"
	case models.AttachmentVideo:
		return "video"
	case models.AttachmentFile:
		return "file"
	default:
		return ""
	}
}
