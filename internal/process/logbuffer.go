package process

import (
	"strings"
	"sync"
	"time"
)

// LogEntry is a single line of background process output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
}

// LogBuffer is a thread-safe ring buffer holding the last N output lines of
// a background process. Dev servers log indefinitely; only the recent tail
// is useful for status display and fix-loop context.
type LogBuffer struct {
	mu         sync.RWMutex
	entries    []LogEntry
	maxEntries int
}

// NewLogBuffer creates a buffer retaining up to maxEntries lines.
func NewLogBuffer(maxEntries int) *LogBuffer {
	return &LogBuffer{
		entries:    make([]LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Write appends one output line, evicting the oldest when full.
func (lb *LogBuffer) Write(stream, line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if len(lb.entries) >= lb.maxEntries {
		lb.entries = lb.entries[1:]
	}
	lb.entries = append(lb.entries, LogEntry{
		Timestamp: time.Now().UTC(),
		Stream:    stream,
		Line:      line,
	})
}

// Recent returns the last n entries, oldest first. n <= 0 returns all.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	total := len(lb.entries)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]LogEntry, n)
	copy(out, lb.entries[total-n:])
	return out
}

// Text renders the last n entries as plain lines for display.
func (lb *LogBuffer) Text(n int) string {
	entries := lb.Recent(n)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line
	}
	return strings.Join(lines, "\n")
}
