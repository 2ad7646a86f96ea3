// Package models provides the domain types shared by the Memoh core:
// conversation requests, transcript messages, attachments, and the
// normalized stream event union emitted by the flow resolver.
package models

import (
	"encoding/json"
	"strings"
)

// Message roles used across the transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Content part types carried inside a ModelMessage content array.
const (
	PartText       = "text"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
	PartReasoning  = "reasoning"
	PartImage      = "image"
)

// ModelMessage is a single transcript entry in the agent gateway wire
// format. Content is a JSON value that is either a plain string or an
// ordered array of typed parts (text, tool-call, tool-result, reasoning,
// image). A Role="tool" message carries an array of tool-result parts whose
// toolCallId matches a prior tool-call part from the same round.
//
// ToolCalls entries are kept as raw JSON so that unknown provider fields
// survive persistence and pruning byte-for-byte.
type ModelMessage struct {
	Role             string            `json:"role"`
	Content          json.RawMessage   `json:"content,omitempty"`
	ToolCallID       string            `json:"toolCallId,omitempty"`
	ToolCalls        []json.RawMessage `json:"toolCalls,omitempty"`
	UsageInputTokens *int64            `json:"usageInputTokens,omitempty"`
}

// TextPart is the typed form of a "text" content part.
type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewTextContent builds a content array holding a single text part.
func NewTextContent(text string) json.RawMessage {
	raw, err := json.Marshal([]TextPart{{Type: PartText, Text: text}})
	if err != nil {
		return nil
	}
	return raw
}

// TextContent extracts the visible text of the message: the string itself
// for plain-string content, or the concatenated text parts for array
// content. Non-text parts are skipped.
func (m ModelMessage) TextContent() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasContent reports whether the message carries any content payload.
func (m ModelMessage) HasContent() bool {
	if len(m.ToolCalls) > 0 {
		return true
	}
	trimmed := strings.TrimSpace(string(m.Content))
	switch trimmed {
	case "", "null", `""`, "[]":
		return false
	}
	return true
}
