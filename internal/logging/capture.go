package logging

import (
	"context"
	"sync"
)

// Entry is one record held by a Capture logger.
type Entry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// Field returns the value stored under key, or nil.
func (e Entry) Field(key string) any {
	return e.Fields[key]
}

// Capture is an in-memory Logger for tests. Children created with With
// share the parent's entry list.
type Capture struct {
	store *captureStore
	base  []Field
}

type captureStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCapture returns an empty Capture logger.
func NewCapture() *Capture {
	return &Capture{store: &captureStore{}}
}

func (c *Capture) With(fields ...Field) Logger {
	base := make([]Field, 0, len(c.base)+len(fields))
	base = append(base, c.base...)
	base = append(base, fields...)
	return &Capture{store: c.store, base: base}
}

func (c *Capture) Debug(_ context.Context, msg string, fields ...Field) {
	c.record("debug", msg, fields)
}

func (c *Capture) Info(_ context.Context, msg string, fields ...Field) {
	c.record("info", msg, fields)
}

func (c *Capture) Warn(_ context.Context, msg string, fields ...Field) {
	c.record("warn", msg, fields)
}

func (c *Capture) Error(_ context.Context, msg string, fields ...Field) {
	c.record("error", msg, fields)
}

func (c *Capture) record(level, msg string, fields []Field) {
	values := make(map[string]any, len(c.base)+len(fields))
	for _, f := range c.base {
		values[f.Key] = f.Value
	}
	for _, f := range fields {
		values[f.Key] = f.Value
	}
	c.store.mu.Lock()
	c.store.entries = append(c.store.entries, Entry{Level: level, Message: msg, Fields: values})
	c.store.mu.Unlock()
}

// Entries returns a copy of everything logged so far, in order.
func (c *Capture) Entries() []Entry {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	return append([]Entry(nil), c.store.entries...)
}

// Messages returns the logged messages in order.
func (c *Capture) Messages() []string {
	entries := c.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Count returns how many entries carry msg.
func (c *Capture) Count(msg string) int {
	n := 0
	for _, e := range c.Entries() {
		if e.Message == msg {
			n++
		}
	}
	return n
}

// Find returns entries carrying msg.
func (c *Capture) Find(msg string) []Entry {
	var out []Entry
	for _, e := range c.Entries() {
		if e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}
