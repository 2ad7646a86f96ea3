package models

import (
	"encoding/json"
	"testing"
)

func TestTextContentPlainString(t *testing.T) {
	m := ModelMessage{Role: RoleUser, Content: json.RawMessage(`"hello"`)}
	if got := m.TextContent(); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestTextContentParts(t *testing.T) {
	m := ModelMessage{
		Role:    RoleAssistant,
		Content: json.RawMessage(`[{"type":"reasoning","text":"hmm"},{"type":"text","text":"hi"},{"type":"text","text":"there"}]`),
	}
	if got := m.TextContent(); got != "hi\nthere" {
		t.Errorf("expected %q, got %q", "hi\nthere", got)
	}
}

func TestNewTextContentRoundTrip(t *testing.T) {
	m := ModelMessage{Role: RoleUser, Content: NewTextContent("hello")}
	if got := m.TextContent(); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
}

func TestHasContent(t *testing.T) {
	tests := []struct {
		name string
		msg  ModelMessage
		want bool
	}{
		{"empty", ModelMessage{}, false},
		{"null content", ModelMessage{Content: json.RawMessage(`null`)}, false},
		{"empty string", ModelMessage{Content: json.RawMessage(`""`)}, false},
		{"empty array", ModelMessage{Content: json.RawMessage(`[]`)}, false},
		{"text", ModelMessage{Content: NewTextContent("x")}, true},
		{"tool calls only", ModelMessage{ToolCalls: []json.RawMessage{json.RawMessage(`{}`)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.HasContent(); got != tt.want {
				t.Errorf("HasContent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseStreamEvent(t *testing.T) {
	ev := ParseStreamEvent([]byte(`{"type":"tool_call_start","toolCallId":"t1","toolName":"search"}`))
	if ev.Type != EventToolCallStart {
		t.Errorf("expected tool_call_start, got %s", ev.Type)
	}
	if ev.ToolCallID != "t1" || ev.ToolName != "search" {
		t.Errorf("unexpected tool fields: %+v", ev)
	}
	if string(ev.Raw) != `{"type":"tool_call_start","toolCallId":"t1","toolName":"search"}` {
		t.Error("Raw should preserve the payload verbatim")
	}
}

func TestStreamEventTerminal(t *testing.T) {
	if !(StreamEvent{Type: EventAgentEnd}).Terminal() {
		t.Error("agent_end should be terminal")
	}
	if !(StreamEvent{Type: EventError}).Terminal() {
		t.Error("error should be terminal")
	}
	if (StreamEvent{Type: EventTextDelta}).Terminal() {
		t.Error("text_delta should not be terminal")
	}
}
