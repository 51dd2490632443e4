package logger

import (
	"sync"
	"time"
)

// StreamLogEntry represents a single log entry for streaming
type StreamLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogStream keeps a bounded ring of recent entries and fans new ones out to subscribers
type LogStream struct {
	mu          sync.RWMutex
	entries     []StreamLogEntry
	maxSize     int
	subscribers map[chan StreamLogEntry]struct{}
	closed      bool
}

// NewLogStream creates a new log stream
func NewLogStream(maxSize int) *LogStream {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &LogStream{
		entries:     make([]StreamLogEntry, 0, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[chan StreamLogEntry]struct{}),
	}
}

// Add adds a log entry to the stream
func (ls *LogStream) Add(entry StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}

	ls.entries = append(ls.entries, entry)
	if len(ls.entries) > ls.maxSize {
		ls.entries = ls.entries[len(ls.entries)-ls.maxSize:]
	}

	for ch := range ls.subscribers {
		select {
		case ch <- entry:
		default:
			// Slow subscriber, drop
		}
	}
}

// Subscribe returns a channel receiving every entry added from now on
func (ls *LogStream) Subscribe() chan StreamLogEntry {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	ch := make(chan StreamLogEntry, 100)
	if ls.closed {
		close(ch)
		return ch
	}
	ls.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel
func (ls *LogStream) Unsubscribe(ch chan StreamLogEntry) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if _, ok := ls.subscribers[ch]; !ok {
		return
	}
	delete(ls.subscribers, ch)
	close(ch)
}

// GetEntries returns up to limit of the most recent entries, oldest first
func (ls *LogStream) GetEntries(limit int) []StreamLogEntry {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	if limit <= 0 || limit > len(ls.entries) {
		limit = len(ls.entries)
	}

	result := make([]StreamLogEntry, limit)
	copy(result, ls.entries[len(ls.entries)-limit:])
	return result
}

// Query selects entries from the stream. Zero values match everything.
type Query struct {
	Level string // minimum level
	Task  string // value of the "task" field
	Limit int    // newest entries kept
}

func (q Query) match(e StreamLogEntry, min LogLevel) bool {
	if parseLevel(e.Level) < min {
		return false
	}
	if q.Task != "" {
		id, _ := e.Fields["task"].(string)
		return id == q.Task
	}
	return true
}

// Find returns matching entries, oldest first
func (ls *LogStream) Find(q Query) []StreamLogEntry {
	min := DEBUG
	if q.Level != "" {
		min = parseLevel(q.Level)
	}

	ls.mu.RLock()
	matched := make([]StreamLogEntry, 0, len(ls.entries))
	for _, e := range ls.entries {
		if q.match(e, min) {
			matched = append(matched, e)
		}
	}
	ls.mu.RUnlock()

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched
}

// Filter returns recent entries at or above level, newest limit only
func (ls *LogStream) Filter(level string, limit int) []StreamLogEntry {
	return ls.Find(Query{Level: level, Limit: limit})
}

// Close closes the log stream and all subscriber channels
func (ls *LogStream) Close() {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return
	}
	ls.closed = true
	for ch := range ls.subscribers {
		close(ch)
	}
	ls.subscribers = make(map[chan StreamLogEntry]struct{})
}

var (
	globalLogStream *LogStream
	streamMu        sync.RWMutex
)

// InitLogStream installs the global log stream. Later calls keep the existing one.
func InitLogStream(maxSize int) {
	streamMu.Lock()
	defer streamMu.Unlock()
	if globalLogStream == nil {
		globalLogStream = NewLogStream(maxSize)
	}
}

// GetLogStream returns the global log stream, creating it on first use
func GetLogStream() *LogStream {
	if s := currentLogStream(); s != nil {
		return s
	}
	InitLogStream(1000)
	return currentLogStream()
}

func currentLogStream() *LogStream {
	streamMu.RLock()
	defer streamMu.RUnlock()
	return globalLogStream
}

