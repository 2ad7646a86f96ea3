package models

import (
	"encoding/json"
)

// StreamEventType identifies an event in the resolver's normalized stream.
type StreamEventType string

// Stream event types, in gateway emission order. *_start and *_end are
// balanced per type within one stream; agent_end and error are mutually
// exclusive terminals.
const (
	EventAgentStart      StreamEventType = "agent_start"
	EventReasoningStart  StreamEventType = "reasoning_start"
	EventReasoningDelta  StreamEventType = "reasoning_delta"
	EventReasoningEnd    StreamEventType = "reasoning_end"
	EventTextStart       StreamEventType = "text_start"
	EventTextDelta       StreamEventType = "text_delta"
	EventTextEnd         StreamEventType = "text_end"
	EventToolCallStart   StreamEventType = "tool_call_start"
	EventToolCallEnd     StreamEventType = "tool_call_end"
	EventAttachmentDelta StreamEventType = "attachment_delta"
	EventAgentEnd        StreamEventType = "agent_end"
	EventDone            StreamEventType = "done"
	EventError           StreamEventType = "error"
)

// StreamEvent is the normalized event forwarded from the flow resolver to
// channel adapters. Exactly the fields relevant to Type are populated; Raw
// holds the gateway's data payload verbatim so transports can forward the
// chunk untouched.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Delta text for reasoning_delta / text_delta.
	Delta string `json:"delta,omitempty"`

	// Tool invocation boundaries.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// Artifact references produced mid-stream.
	Attachments []ChatAttachment `json:"attachments,omitempty"`

	// Terminal round transcript (agent_end).
	Messages  []ModelMessage  `json:"messages,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	Skills    []string        `json:"skills,omitempty"`

	// Message is the error text on a fatal error event.
	Message string `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseStreamEvent decodes a gateway data payload into a StreamEvent,
// preserving the original bytes in Raw. Payloads without a recognizable
// type still parse; the caller decides how to treat them.
func ParseStreamEvent(data []byte) StreamEvent {
	var ev StreamEvent
	_ = json.Unmarshal(data, &ev)
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventAgentEnd || e.Type == EventError || e.Type == EventDone
}
