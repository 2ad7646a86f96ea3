package models

// Attachment types accepted on a ChatRequest. Anything else is treated as
// an unknown type and routed to the fallback group.
const (
	AttachmentImage = "image"
	AttachmentAudio = "audio"
	AttachmentVideo = "video"
	AttachmentFile  = "file"
)

// ChatAttachment is an inbound attachment reference. At most one of
// Base64, Path, URL, or ContentHash is set: inline payload, a
// container-visible path, a public URL, or an indirection into the asset
// store keyed by content hash.
type ChatAttachment struct {
	Type        string         `json:"type"`
	Base64      string         `json:"base64,omitempty"`
	Path        string         `json:"path,omitempty"`
	URL         string         `json:"url,omitempty"`
	ContentHash string         `json:"contentHash,omitempty"`
	Mime        string         `json:"mime,omitempty"`
	Name        string         `json:"name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
