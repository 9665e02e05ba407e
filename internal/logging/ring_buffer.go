package logging

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the capacity of the global log ring.
const DefaultBufferSize = 1000

// subscriberBuffer bounds a live subscriber's channel; a slow consumer
// misses entries rather than blocking the logger.
const subscriberBuffer = 64

// LogEntry is one captured log line, shaped for the admin stream.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// RingBuffer keeps the most recent log entries and fans new ones out to
// live subscribers. It implements logrus.Hook.
type RingBuffer struct {
	mu          sync.RWMutex
	entries     []LogEntry
	capacity    int
	head        int
	count       int
	full        bool
	subscribers map[int]chan LogEntry
	nextSub     int
}

// Buffer is the global ring every log line lands in once Setup has run.
var Buffer = NewRingBuffer(DefaultBufferSize)

// NewRingBuffer returns an empty ring of the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{
		entries:     make([]LogEntry, capacity),
		capacity:    capacity,
		subscribers: make(map[int]chan LogEntry),
	}
}

// Levels implements logrus.Hook; every level is captured.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	converted := LogEntry{
		Timestamp: entry.Time,
		Level:     normalizeLevel(entry.Level.String()),
		Message:   entry.Message,
	}
	if entry.Caller != nil {
		converted.Source = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	if len(entry.Data) > 0 {
		fields := make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			fields[k] = v
		}
		converted.Fields = fields
	}
	rb.Write(converted)
	return nil
}

// Write appends one entry and notifies subscribers without blocking.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	} else {
		rb.full = true
	}
	subs := make([]chan LogEntry, 0, len(rb.subscribers))
	for _, ch := range rb.subscribers {
		subs = append(subs, ch)
	}
	rb.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Subscribe registers a live tail. The returned cancel must be called when
// the consumer goes away; the channel is never closed.
func (rb *RingBuffer) Subscribe() (<-chan LogEntry, func()) {
	ch := make(chan LogEntry, subscriberBuffer)
	rb.mu.Lock()
	id := rb.nextSub
	rb.nextSub++
	rb.subscribers[id] = ch
	rb.mu.Unlock()

	cancel := func() {
		rb.mu.Lock()
		delete(rb.subscribers, id)
		rb.mu.Unlock()
	}
	return ch, cancel
}

// GetEntries returns a copy of the buffered entries, oldest first.
func (rb *RingBuffer) GetEntries() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return nil
	}
	result := make([]LogEntry, rb.count)
	if rb.full {
		copied := copy(result, rb.entries[rb.head:])
		copy(result[copied:], rb.entries[:rb.head])
	} else {
		copy(result, rb.entries[:rb.count])
	}
	for i := range result {
		if result[i].Fields == nil {
			continue
		}
		fields := make(map[string]any, len(result[i].Fields))
		for k, v := range result[i].Fields {
			fields[k] = v
		}
		result[i].Fields = fields
	}
	return result
}

// GetRecentEntries returns the n most recent entries, oldest first.
func (rb *RingBuffer) GetRecentEntries(n int) []LogEntry {
	entries := rb.GetEntries()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Len returns the current number of buffered entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
