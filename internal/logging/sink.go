// Package logging provides the operator console status sink: a bounded,
// append-only buffer of human-readable status lines that the UI log panel
// tails or subscribes to.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// StatusLine is a single immutable log record. Ordering is emission order.
type StatusLine struct {
	Seq       uint64                 `json:"seq"`
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// Sink stores the most recent status lines in a ring buffer and fans them
// out to live subscribers. Append never fails; slow subscribers are skipped.
type Sink struct {
	entries []StatusLine
	size    int
	head    int
	count   int
	seq     atomic.Uint64
	mu      sync.RWMutex

	subscribers map[chan StatusLine]bool
	subMu       sync.RWMutex
}

// NewSink creates a sink retaining the most recent size lines.
func NewSink(size int) *Sink {
	if size <= 0 {
		size = 500
	}
	return &Sink{
		entries:     make([]StatusLine, size),
		size:        size,
		subscribers: make(map[chan StatusLine]bool),
	}
}

// Append adds a status line and notifies subscribers.
func (s *Sink) Append(line StatusLine) {
	line.Seq = s.seq.Add(1)
	if line.Time.IsZero() {
		line.Time = time.Now()
	}

	s.mu.Lock()
	s.entries[s.head] = line
	s.head = (s.head + 1) % s.size
	if s.count < s.size {
		s.count++
	}
	s.mu.Unlock()

	s.subMu.RLock()
	for ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// Subscriber can't keep up, skip
		}
	}
	s.subMu.RUnlock()
}

// Emit appends a plain informational line from a component.
func (s *Sink) Emit(component, message string) {
	s.Append(StatusLine{
		Level:     slog.LevelInfo.String(),
		Message:   message,
		Component: component,
	})
}

// Recent returns the most recent n lines, oldest first.
func (s *Sink) Recent(n int) []StatusLine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > s.count {
		n = s.count
	}

	result := make([]StatusLine, n)
	start := (s.head - n + s.size) % s.size
	for i := 0; i < n; i++ {
		result[i] = s.entries[(start+i)%s.size]
	}
	return result
}

// Tail returns all retained lines with a sequence number greater than after,
// oldest first. Used by polling consumers.
func (s *Sink) Tail(after uint64) []StatusLine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []StatusLine
	start := (s.head - s.count + s.size) % s.size
	for i := 0; i < s.count; i++ {
		line := s.entries[(start+i)%s.size]
		if line.Seq > after {
			result = append(result, line)
		}
	}
	return result
}

// Len returns the number of retained lines.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Subscribe creates a channel that receives new lines as they are appended.
func (s *Sink) Subscribe() chan StatusLine {
	ch := make(chan StatusLine, 100)
	s.subMu.Lock()
	s.subscribers[ch] = true
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (s *Sink) Unsubscribe(ch chan StatusLine) {
	s.subMu.Lock()
	if _, ok := s.subscribers[ch]; ok {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

// Close drops all subscribers. Retained lines stay readable.
func (s *Sink) Close() {
	s.subMu.Lock()
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
	s.subMu.Unlock()
}

// SinkHandler is a slog handler that tees records into the sink so every
// component log line also reaches the operator's log panel.
type SinkHandler struct {
	sink     *Sink
	fallback slog.Handler
	level    slog.Level
	attrs    []slog.Attr
	groups   []string
}

// NewSinkHandler creates a handler that captures records to the sink and
// forwards them to a JSON handler writing to fallback.
func NewSinkHandler(sink *Sink, fallback io.Writer, level slog.Level) *SinkHandler {
	return &SinkHandler{
		sink:     sink,
		fallback: slog.NewJSONHandler(fallback, &slog.HandlerOptions{Level: level}),
		level:    level,
	}
}

// Enabled implements slog.Handler
func (h *SinkHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler
func (h *SinkHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]interface{})
	var component string

	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
		} else {
			attrs[a.Key] = a.Value.Any()
		}
		return true
	})

	for _, a := range h.attrs {
		if a.Key == "component" {
			component = a.Value.String()
		} else {
			attrs[a.Key] = a.Value.Any()
		}
	}

	h.sink.Append(StatusLine{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
		Attrs:     attrs,
	})

	return h.fallback.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *SinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SinkHandler{
		sink:     h.sink,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    append(h.attrs, attrs...),
		groups:   h.groups,
	}
}

// WithGroup implements slog.Handler
func (h *SinkHandler) WithGroup(name string) slog.Handler {
	return &SinkHandler{
		sink:     h.sink,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
		groups:   append(h.groups, name),
	}
}

// StatusLineToJSON converts a status line to a JSON string.
func StatusLineToJSON(line StatusLine) string {
	data, _ := json.Marshal(line)
	return string(data)
}
