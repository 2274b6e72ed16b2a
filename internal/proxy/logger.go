package proxy

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTrafficSize is the default number of commands kept.
const DefaultTrafficSize = 1000

// CommandLogEntry is one proxied command.
type CommandLogEntry struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Context    string        `json:"context"`
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TrafficStats summarizes a TrafficLogger.
type TrafficStats struct {
	TotalEntries     int64 `json:"total_entries"`
	AvailableEntries int64 `json:"available_entries"`
	MaxSize          int64 `json:"max_size"`
	Dropped          int64 `json:"dropped"`
}

// TrafficLogger is a fixed size ring of proxied commands.
type TrafficLogger struct {
	entries []CommandLogEntry
	maxSize int
	head    atomic.Int64 // next write position
	count   atomic.Int64
	mu      sync.RWMutex
}

// NewTrafficLogger creates a TrafficLogger holding at most maxSize entries.
func NewTrafficLogger(maxSize int) *TrafficLogger {
	if maxSize <= 0 {
		maxSize = DefaultTrafficSize
	}
	return &TrafficLogger{
		entries: make([]CommandLogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Log records entry, overwriting the oldest one when full.
func (tl *TrafficLogger) Log(entry CommandLogEntry) {
	pos := tl.head.Add(1) - 1
	idx := int(pos % int64(tl.maxSize))

	tl.mu.Lock()
	tl.entries[idx] = entry
	tl.mu.Unlock()

	tl.count.Add(1)
}

// Recent returns the stored entries, oldest first.
func (tl *TrafficLogger) Recent() []CommandLogEntry {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	total := tl.count.Load()
	available := int(min(total, int64(tl.maxSize)))
	start := 0
	if total > int64(tl.maxSize) {
		start = int(tl.head.Load() % int64(tl.maxSize))
	}

	out := make([]CommandLogEntry, 0, available)
	for i := 0; i < available; i++ {
		out = append(out, tl.entries[(start+i)%tl.maxSize])
	}
	return out
}

// Stats returns counters for the log.
func (tl *TrafficLogger) Stats() TrafficStats {
	total := tl.count.Load()
	return TrafficStats{
		TotalEntries:     total,
		AvailableEntries: min(total, int64(tl.maxSize)),
		MaxSize:          int64(tl.maxSize),
		Dropped:          max(0, total-int64(tl.maxSize)),
	}
}
