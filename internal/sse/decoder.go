package sse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxLineBytes is the single-line ceiling on decode. A longer line is a
// fatal decode error; the scanner buffer grows up to this size.
const MaxLineBytes = 2 * 1024 * 1024

const initialBufBytes = 64 * 1024

// ErrLineTooLong reports a frame line exceeding MaxLineBytes.
var ErrLineTooLong = errors.New("sse: line exceeds maximum length")

// Event is one decoded SSE event. Data is the byte-wise concatenation of
// the event's data: payloads.
type Event struct {
	Type string
	Data []byte
}

// Decoder reads SSE events from a stream. It recognizes event: and data:
// lines, treats a blank line as event end, and ignores everything else.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r with the bounded buffer.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, initialBufBytes), MaxLineBytes)
	return &Decoder{scanner: s}
}

// Next returns the next event. It returns io.EOF when the stream ends, and
// ErrLineTooLong when a line exceeds MaxLineBytes.
func (d *Decoder) Next() (Event, error) {
	var ev Event
	seen := false
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		switch {
		case len(bytes.TrimSpace(line)) == 0:
			if seen {
				return ev, nil
			}
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Type = string(bytes.TrimSpace(line[len("event:"):]))
			seen = true
		case bytes.HasPrefix(line, []byte("data:")):
			payload := line[len("data:"):]
			if len(payload) > 0 && payload[0] == ' ' {
				payload = payload[1:]
			}
			ev.Data = append(ev.Data, payload...)
			seen = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Event{}, ErrLineTooLong
		}
		return Event{}, err
	}
	if seen {
		return ev, nil
	}
	return Event{}, io.EOF
}
