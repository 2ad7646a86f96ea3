package attachments

import (
	"testing"

	"github.com/haasonsaas/memoh/pkg/models"
)

func TestRouteOrderPreserved(t *testing.T) {
	atts := []models.ChatAttachment{
		{Type: "audio", Name: "a"},
		{Type: "image", Name: "b"},
		{Type: "audio", Name: "c"},
		{Type: "image", Name: "d"},
		{Type: "sticker", Name: "e"},
	}
	routed := Route([]string{"text", "image"}, atts)

	wantNative := []string{"b", "d"}
	wantFallback := []string{"a", "c", "e"}
	if len(routed.Native) != len(wantNative) {
		t.Fatalf("native: got %d, want %d", len(routed.Native), len(wantNative))
	}
	for i, name := range wantNative {
		if routed.Native[i].Name != name {
			t.Errorf("native[%d] = %q, want %q", i, routed.Native[i].Name, name)
		}
	}
	for i, name := range wantFallback {
		if routed.Fallback[i].Name != name {
			t.Errorf("fallback[%d] = %q, want %q", i, routed.Fallback[i].Name, name)
		}
	}

	merged := routed.Merge()
	wantOrder := []string{"b", "d", "a", "c", "e"}
	for i, name := range wantOrder {
		if merged[i].Name != name {
			t.Errorf("merged[%d] = %q, want %q", i, merged[i].Name, name)
		}
	}
}

func TestRouteUnknownTypeIsFallback(t *testing.T) {
	routed := Route([]string{"text", "image", "audio", "video", "file"},
		[]models.ChatAttachment{{Type: "hologram"}})
	if len(routed.Native) != 0 || len(routed.Fallback) != 1 {
		t.Errorf("unknown type should be fallback: %+v", routed)
	}
}

func TestRouteForGatewayDropsInlineOnlyFallback(t *testing.T) {
	// Image with only base64 against a text-only model: dropped (S4).
	out := RouteForGateway([]string{"text"}, []models.ChatAttachment{
		{Type: "image", Base64: "aGk=", Mime: "image/png"},
	})
	if len(out) != 0 {
		t.Errorf("expected empty attachments, got %+v", out)
	}
}

func TestRouteForGatewayPathFallbackBecomesFile(t *testing.T) {
	out := RouteForGateway([]string{"text"}, []models.ChatAttachment{
		{Type: "video", Path: "/data/clip.mp4", Mime: "video/mp4"},
	})
	if len(out) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(out))
	}
	if out[0].Type != "file" || out[0].Path != "/data/clip.mp4" {
		t.Errorf("expected file path reference, got %+v", out[0])
	}
}

func TestRouteForGatewayInlineNativeEncodingReturns(t *testing.T) {
	// A non-image label carrying an inline image the model accepts.
	out := RouteForGateway([]string{"text", "image"}, []models.ChatAttachment{
		{Type: "sticker", Base64: "aGk=", Mime: "image/webp"},
	})
	if len(out) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(out))
	}
	if out[0].Data == "" {
		t.Errorf("expected inline data URL, got %+v", out[0])
	}
}

func TestRouteForGatewayNativeForms(t *testing.T) {
	out := RouteForGateway([]string{"image", "file"}, []models.ChatAttachment{
		{Type: "image", Base64: "aGk=", Mime: "image/png"},
		{Type: "image", URL: "https://example.com/pic.png"},
		{Type: "file", Path: "/data/doc.pdf"},
	})
	if len(out) != 3 {
		t.Fatalf("expected 3 attachments, got %d", len(out))
	}
	if out[0].Data != "data:image/png;base64,aGk=" {
		t.Errorf("inline image: %+v", out[0])
	}
	if out[1].URL != "https://example.com/pic.png" {
		t.Errorf("url image: %+v", out[1])
	}
	if out[2].Path != "/data/doc.pdf" {
		t.Errorf("file path: %+v", out[2])
	}
}

func TestSniffImageMime(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0}, "image/png"},
		{"gif", []byte("GIF89a"), "image/gif"},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00"), []byte("WEBP")...), "image/webp"},
		{"unknown", []byte("plain text"), ""},
		{"short", []byte{0xFF}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SniffImageMime(tt.data); got != tt.want {
				t.Errorf("SniffImageMime() = %q, want %q", got, tt.want)
			}
		})
	}
}
