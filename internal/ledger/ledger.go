// Package ledger implements the trade audit trail: an in-memory record of
// every execution outcome plus a structured log sink. Records are
// append-only and never read back by the engine.
package ledger

import (
	"sync"
	"time"

	"tri_trader/internal/core"
)

// Entry is one recorded event.
type Entry struct {
	Time   time.Time
	Event  string
	Fields map[string]interface{}
}

// Ledger keeps a bounded in-memory history and mirrors every record to the
// logger. It implements core.Ledger.
type Ledger struct {
	logger core.Logger
	limit  int

	mu      sync.Mutex
	entries []Entry
}

// New creates a ledger retaining at most limit entries (oldest dropped).
func New(logger core.Logger, limit int) *Ledger {
	if limit <= 0 {
		limit = 1024
	}
	return &Ledger{
		logger: logger.WithField("component", "ledger"),
		limit:  limit,
	}
}

// Record appends an event. Safe for concurrent use.
func (l *Ledger) Record(event string, fields map[string]interface{}) {
	entry := Entry{Time: time.Now(), Event: event, Fields: fields}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.limit {
		l.entries = l.entries[len(l.entries)-l.limit:]
	}
	l.mu.Unlock()

	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	if fields["severity"] == "high" {
		l.logger.Warn(event, kv...)
	} else {
		l.logger.Info(event, kv...)
	}
}

// Entries returns a copy of the retained history.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Count returns how many events with the given name were recorded.
func (l *Ledger) Count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Event == event {
			n++
		}
	}
	return n
}
