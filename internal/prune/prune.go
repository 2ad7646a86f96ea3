// Package prune bounds tool-result and tool-argument payload sizes in a
// message history before it is shipped to the agent gateway. Oversized
// string values are replaced by a head…tail envelope carrying the
// "[memoh pruned]" marker; everything else in the JSON structure is
// preserved.
package prune

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/haasonsaas/memoh/pkg/models"
)

// Size budgets, in bytes of the UTF-8 serialization.
const (
	ToolResultMax  = 64 * 1024
	ToolResultHead = 32 * 1024
	ToolResultTail = 8 * 1024

	ToolArgsMax  = 16 * 1024
	ToolArgsHead = 8 * 1024
	ToolArgsTail = 2 * 1024
)

// Marker is the literal included in every pruned value.
const Marker = "[memoh pruned]"

// History prunes oversized tool results and tool-call arguments in msgs,
// leaving order and structure untouched. If any message was altered,
// usageInputTokens is cleared on that message and all subsequent entries:
// upstream token counts are no longer accurate.
func History(msgs []models.ModelMessage) []models.ModelMessage {
	out := make([]models.ModelMessage, len(msgs))
	copy(out, msgs)

	firstAltered := -1
	for i := range out {
		altered := false
		if out[i].Role == models.RoleTool {
			if content, changed := pruneToolContent(out[i].Content); changed {
				out[i].Content = content
				altered = true
			}
		}
		if content, changed := pruneLegacyString(out[i].Content); changed {
			out[i].Content = content
			altered = true
		}
		if calls, changed := pruneToolCalls(out[i].ToolCalls); changed {
			out[i].ToolCalls = calls
			altered = true
		}
		if altered && firstAltered < 0 {
			firstAltered = i
		}
	}

	if firstAltered >= 0 {
		for i := firstAltered; i < len(out); i++ {
			out[i].UsageInputTokens = nil
		}
	}
	return out
}

// pruneLegacyString handles the legacy plain-string content form.
func pruneLegacyString(content json.RawMessage) (json.RawMessage, bool) {
	if len(content) == 0 {
		return content, false
	}
	var s string
	if err := json.Unmarshal(content, &s); err != nil {
		return content, false
	}
	if len(s) <= ToolResultMax {
		return content, false
	}
	pruned, err := json.Marshal(envelope(s, ToolResultHead, ToolResultTail))
	if err != nil {
		return content, false
	}
	return pruned, true
}

// pruneToolContent walks a tool message's content array and bounds each
// tool-result part's output. Parts of other types and unknown output types
// pass through untouched.
func pruneToolContent(content json.RawMessage) (json.RawMessage, bool) {
	var parts []json.RawMessage
	if err := json.Unmarshal(content, &parts); err != nil {
		return content, false
	}
	changed := false
	for i, raw := range parts {
		part, err := decodeObject(raw)
		if err != nil {
			continue
		}
		if stringField(part, "type") != models.PartToolResult {
			continue
		}
		outputRaw, ok := part["output"]
		if !ok {
			continue
		}
		output, err := decodeObject(outputRaw)
		if err != nil {
			continue
		}
		newOutput, outChanged := pruneOutput(output)
		if !outChanged {
			continue
		}
		part["output"] = newOutput
		if encoded, err := json.Marshal(part); err == nil {
			parts[i] = encoded
			changed = true
		}
	}
	if !changed {
		return content, false
	}
	encoded, err := json.Marshal(parts)
	if err != nil {
		return content, false
	}
	return encoded, true
}

func pruneOutput(output map[string]json.RawMessage) (json.RawMessage, bool) {
	changed := false
	switch stringField(output, "type") {
	case "text", "error-text":
		var value string
		if err := json.Unmarshal(output["value"], &value); err != nil {
			break
		}
		if len(value) > ToolResultMax {
			if raw, err := json.Marshal(envelope(value, ToolResultHead, ToolResultTail)); err == nil {
				output["value"] = raw
				changed = true
			}
		}
	case "json", "error-json":
		// Prune the serialized form; the value slot becomes a string.
		serialized := string(output["value"])
		if len(serialized) > ToolResultMax {
			if raw, err := json.Marshal(envelope(serialized, ToolResultHead, ToolResultTail)); err == nil {
				output["value"] = raw
				changed = true
			}
		}
	case "content":
		var elems []json.RawMessage
		if err := json.Unmarshal(output["value"], &elems); err != nil {
			break
		}
		elemsChanged := false
		for i, rawElem := range elems {
			elem, err := decodeObject(rawElem)
			if err != nil || stringField(elem, "type") != "text" {
				continue
			}
			var text string
			if err := json.Unmarshal(elem["text"], &text); err != nil {
				continue
			}
			if len(text) <= ToolResultMax {
				continue
			}
			raw, err := json.Marshal(envelope(text, ToolResultHead, ToolResultTail))
			if err != nil {
				continue
			}
			elem["text"] = raw
			if encoded, err := json.Marshal(elem); err == nil {
				elems[i] = encoded
				elemsChanged = true
			}
		}
		if elemsChanged {
			if encoded, err := json.Marshal(elems); err == nil {
				output["value"] = encoded
				changed = true
			}
		}
	}
	if !changed {
		return nil, false
	}
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, false
	}
	return encoded, true
}

// pruneToolCalls bounds each call's function.arguments string.
func pruneToolCalls(calls []json.RawMessage) ([]json.RawMessage, bool) {
	changed := false
	out := calls
	for i, raw := range calls {
		call, err := decodeObject(raw)
		if err != nil {
			continue
		}
		fnRaw, ok := call["function"]
		if !ok {
			continue
		}
		fn, err := decodeObject(fnRaw)
		if err != nil {
			continue
		}
		var args string
		if err := json.Unmarshal(fn["arguments"], &args); err != nil {
			continue
		}
		if len(args) <= ToolArgsMax {
			continue
		}
		pruned, err := json.Marshal(envelope(args, ToolArgsHead, ToolArgsTail))
		if err != nil {
			continue
		}
		fn["arguments"] = pruned
		fnEncoded, err := json.Marshal(fn)
		if err != nil {
			continue
		}
		call["function"] = fnEncoded
		encoded, err := json.Marshal(call)
		if err != nil {
			continue
		}
		if !changed {
			out = make([]json.RawMessage, len(calls))
			copy(out, calls)
			changed = true
		}
		out[i] = encoded
	}
	return out, changed
}

// envelope keeps head and tail bytes of s around a snip marker. Cut points
// back off to rune boundaries so multi-byte characters stay intact.
func envelope(s string, head, tail int) string {
	headPart := cutHead(s, head)
	tailPart := cutTail(s, tail)
	return fmt.Sprintf("%s\n\n[...snip...]\n%s original length: %d bytes\n\n%s",
		headPart, Marker, len(s), tailPart)
}

func cutHead(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func cutTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("not an object")
	}
	return m, nil
}

func stringField(m map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := m[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}
