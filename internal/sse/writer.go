package sse

import (
	"io"
	"net/http"
)

// ChunkSize is the maximum data-line payload per SSE line, in UTF-16 code
// units. Large payloads are split across consecutive data: lines of one
// event; the decoder concatenates them back byte-wise.
const ChunkSize = 16 * 1024

// WriteEvent frames one event onto w: an optional event: line, one data:
// line per chunk of data, and a terminating blank line.
func WriteEvent(w io.Writer, event, data string) error {
	if event != "" {
		if _, err := io.WriteString(w, "event:"+event+"\n"); err != nil {
			return err
		}
	}
	chunks := ChunkString(data, ChunkSize)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	for _, c := range chunks {
		if _, err := io.WriteString(w, "data:"+c+"\n"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Flusher flushes after every event when the writer supports it.
type Flusher struct {
	W io.Writer
}

// WriteEvent frames the event and flushes the underlying writer.
func (f Flusher) WriteEvent(event, data string) error {
	if err := WriteEvent(f.W, event, data); err != nil {
		return err
	}
	if fl, ok := f.W.(http.Flusher); ok {
		fl.Flush()
	}
	return nil
}
