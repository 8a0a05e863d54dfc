package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const maxLineSize = 4 * 1024 * 1024

// Decoder reads protocol records from a text stream, with or without SSE
// framing.
type Decoder struct {
	scanner *bufio.Scanner
	sse     bool
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithSSEFraming treats the stream as server-sent events from the first
// line. Without it SSE framing is assumed once a "data:" line is seen.
func WithSSEFraming() DecoderOption {
	return func(d *Decoder) {
		d.sse = true
	}
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	d := &Decoder{scanner: scanner}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next event, skipping blank lines. Lines starting with ':'
// are dropped as SSE comments only on SSE-framed streams; on a plain stream
// they come back as Raw events. It returns io.EOF at the end of the stream.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if line == "" || (d.sse && strings.HasPrefix(line, ":")) {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			d.sse = true
			line = strings.TrimPrefix(rest, " ")
			if line == "" {
				continue
			}
		}
		return ParseLine(line), nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// ParseLine decodes one record with transport framing already removed. It
// never fails; uninterpretable input yields a Raw event.
func ParseLine(line string) Event {
	raw := Event{Type: EventRaw, Text: line}
	if len(line) < 2 || line[1] != ':' || !Code(line[0]).valid() {
		return raw
	}

	payload := []byte(line[2:])
	switch Code(line[0]) {
	case CodeText:
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return raw
		}
		return TextEvent(text)
	case CodeToolCall:
		var p ToolCallPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return raw
		}
		return Event{Type: EventToolCall, ToolCall: &p}
	case CodeToolResult:
		var p ToolResultPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return raw
		}
		return Event{Type: EventToolResult, ToolResult: &p}
	case CodeFinish:
		var p FinishPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return raw
		}
		return FinishEvent(p.FinishReason)
	case CodeError:
		var p ErrorPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return raw
		}
		return ErrorEvent(p.Error)
	}
	return raw
}
