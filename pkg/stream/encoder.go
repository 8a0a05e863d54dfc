package stream

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrEncoderClosed is returned after a write failed or Close was called.
var ErrEncoderClosed = errors.New("stream encoder closed")

// EncoderOption configures an Encoder.
type EncoderOption func(*Encoder)

// WithSSE frames each record as a server-sent event ("data: <record>\n\n").
func WithSSE() EncoderOption {
	return func(e *Encoder) {
		e.sse = true
	}
}

// Encoder writes protocol records to a writer. It is safe for concurrent use
// and flushes after every record when the writer is an http.Flusher.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	sse     bool
	err     error
}

// NewEncoder creates an encoder over w.
func NewEncoder(w io.Writer, opts ...EncoderOption) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit writes one event. After the first write error every call returns that
// error without touching the writer.
func (e *Encoder) Emit(ev Event) error {
	record, err := MarshalRecord(ev)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return e.err
	}

	if e.sse {
		var buf bytes.Buffer
		buf.Grow(len(record) + 8)
		buf.WriteString("data: ")
		buf.Write(record[:len(record)-1])
		buf.WriteString("\n\n")
		record = buf.Bytes()
	}

	if _, err := e.w.Write(record); err != nil {
		e.err = err
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Text writes a 0 record.
func (e *Encoder) Text(text string) error {
	return e.Emit(TextEvent(text))
}

// ToolCall writes a 9 record.
func (e *Encoder) ToolCall(id, name string, args []byte) error {
	return e.Emit(ToolCallEvent(id, name, args))
}

// ToolResult writes an a record.
func (e *Encoder) ToolResult(id, name, result string) error {
	return e.Emit(ToolResultEvent(id, name, result))
}

// Finish writes a d record.
func (e *Encoder) Finish(reason FinishReason) error {
	return e.Emit(FinishEvent(reason))
}

// Error writes an e record.
func (e *Encoder) Error(msg string) error {
	return e.Emit(ErrorEvent(msg))
}

// Close marks the encoder closed; later writes fail with ErrEncoderClosed.
func (e *Encoder) Close() {
	e.mu.Lock()
	if e.err == nil {
		e.err = ErrEncoderClosed
	}
	e.mu.Unlock()
}

// ChunkText splits text into pieces of at most size runes.
func ChunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
