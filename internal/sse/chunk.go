// Package sse frames and unframes Server-Sent-Events for the agent gateway
// protocol: multi-byte-safe chunking on the write side and bounded line
// length on the read side.
package sse

// ChunkString splits s into pieces of at most n UTF-16 code units without
// cutting inside a surrogate pair. Concatenating the result yields s, and
// every chunk is individually valid UTF-16. A chunk may reach n+1 code
// units only when a surrogate pair cannot fit otherwise.
func ChunkString(s string, n int) []string {
	if n <= 0 || s == "" {
		if s == "" {
			return nil
		}
		n = 1
	}
	var chunks []string
	start := 0
	units := 0
	for i, r := range s {
		cost := 1
		if r > 0xFFFF {
			// Encodes as a surrogate pair on the wire.
			cost = 2
		}
		if units+cost > n && units > 0 {
			chunks = append(chunks, s[start:i])
			start = i
			units = 0
		}
		units += cost
	}
	if start < len(s) {
		chunks = append(chunks, s[start:])
	}
	return chunks
}
