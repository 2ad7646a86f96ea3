package attachments

import "bytes"

// SniffImageMime classifies an image payload by magic bytes. It is the
// fallback used when the storage layer reports application/octet-stream.
// Returns "" when the bytes match no known image signature.
func SniffImageMime(data []byte) string {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return "image/png"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("GIF8")):
		return "image/gif"
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "image/webp"
	default:
		return ""
	}
}
