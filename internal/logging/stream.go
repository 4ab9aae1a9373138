package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize is how many entries the in-memory log keeps
const DefaultBufferSize = 1000

// Entry is one captured log record
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Camera    string         `json:"camera,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// RingBuffer keeps the most recent log entries and fans new ones out to
// live subscribers. Slow subscribers miss entries rather than block logging.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int

	subMu       sync.Mutex
	subscribers map[chan Entry]struct{}
}

// NewRingBuffer creates a buffer holding size entries
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = DefaultBufferSize
	}
	return &RingBuffer{
		entries:     make([]Entry, size),
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add stores an entry, overwriting the oldest when full
func (rb *RingBuffer) Add(e Entry) {
	rb.mu.Lock()
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.Lock()
	for ch := range rb.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
	rb.subMu.Unlock()
}

// Recent returns up to n entries, oldest first. n <= 0 returns everything.
func (rb *RingBuffer) Recent(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	size := len(rb.entries)
	out := make([]Entry, n)
	start := (rb.head - n + size) % size
	for i := range out {
		out[i] = rb.entries[(start+i)%size]
	}
	return out
}

// Len returns the number of stored entries
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Subscribe returns a channel receiving every new entry
func (rb *RingBuffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = struct{}{}
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan Entry) {
	rb.subMu.Lock()
	defer rb.subMu.Unlock()
	if _, ok := rb.subscribers[ch]; ok {
		delete(rb.subscribers, ch)
		close(ch)
	}
}

// BufferHandler copies every record it handles into a RingBuffer before
// passing it on to the next handler.
type BufferHandler struct {
	buffer *RingBuffer
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

// NewBufferHandler wraps next
func NewBufferHandler(buffer *RingBuffer, next slog.Handler) *BufferHandler {
	return &BufferHandler{buffer: buffer, next: next}
}

// Enabled implements slog.Handler
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   make(map[string]any),
	}

	collect := func(a slog.Attr) {
		switch a.Key {
		case "component":
			e.Component = a.Value.String()
		case "camera":
			e.Camera = a.Value.String()
		default:
			key := a.Key
			if len(h.groups) > 0 {
				key = strings.Join(h.groups, ".") + "." + key
			}
			e.Attrs[key] = a.Value.Resolve().Any()
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})
	if len(e.Attrs) == 0 {
		e.Attrs = nil
	}

	h.buffer.Add(e)
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BufferHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &BufferHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}
