package attachments

import (
	"strings"

	"github.com/haasonsaas/memoh/pkg/models"
)

// GatewayAttachment is the wire form shipped to the agent gateway: an
// inline data URL for native images, a public URL, or a tool-accessible
// file path reference.
type GatewayAttachment struct {
	Type     string         `json:"type"`
	Data     string         `json:"data,omitempty"`
	URL      string         `json:"url,omitempty"`
	Path     string         `json:"path,omitempty"`
	Mime     string         `json:"mime,omitempty"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RouteForGateway routes attachments by capability and applies the
// dispatch policy:
//
//   - fallback attachments with a container path are rewritten to
//     type "file" and kept as path references;
//   - fallback attachments carrying only an inline payload with no path
//     are dropped — unless the inline form is the native encoding the
//     model accepts, in which case they return to the native group;
//   - native attachments become data URLs (inline payload), public URLs,
//     or path references.
//
// Output order is native-first, input order preserved within each group.
func RouteForGateway(modalities []string, atts []models.ChatAttachment) []GatewayAttachment {
	routed := Route(modalities, atts)

	native := routed.Native
	fallback := make([]models.ChatAttachment, 0, len(routed.Fallback))
	for _, att := range routed.Fallback {
		if att.Path != "" {
			att.Type = models.AttachmentFile
			fallback = append(fallback, att)
			continue
		}
		if (att.Base64 != "" || att.ContentHash != "") && acceptsInline(modalities, att) {
			native = append(native, att)
			continue
		}
		// Inline-only payload the model cannot take: nothing to reference.
	}

	out := make([]GatewayAttachment, 0, len(native)+len(fallback))
	for _, att := range native {
		out = append(out, toGatewayForm(att))
	}
	for _, att := range fallback {
		out = append(out, GatewayAttachment{
			Type:     models.AttachmentFile,
			Path:     att.Path,
			Mime:     att.Mime,
			Name:     att.Name,
			Metadata: att.Metadata,
		})
	}
	return out
}

func toGatewayForm(att models.ChatAttachment) GatewayAttachment {
	ga := GatewayAttachment{
		Type:     att.Type,
		Mime:     att.Mime,
		Name:     att.Name,
		Metadata: att.Metadata,
	}
	switch {
	case att.Base64 != "":
		ga.Data = DataURL(att.Mime, att.Base64)
	case strings.HasPrefix(strings.ToLower(att.URL), "https://"):
		ga.URL = att.URL
	case att.Path != "":
		ga.Path = att.Path
		ga.Type = models.AttachmentFile
	case att.URL != "":
		ga.URL = att.URL
	}
	return ga
}

// acceptsInline reports whether the model natively takes the attachment's
// inline encoding even though the declared type was routed to fallback.
// In practice this covers inline images offered to image-capable models
// under a non-image type label.
func acceptsInline(modalities []string, att models.ChatAttachment) bool {
	mime := strings.ToLower(att.Mime)
	for _, m := range modalities {
		if strings.EqualFold(strings.TrimSpace(m), "image") && strings.HasPrefix(mime, "image/") {
			return true
		}
	}
	return false
}

// DataURL builds an inline data URL, defaulting the MIME type when absent.
func DataURL(mime, base64Payload string) string {
	if strings.TrimSpace(mime) == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64Payload
}
