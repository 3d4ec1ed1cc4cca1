package grid

import (
	"sync"
	"time"
)

const defaultLedgerCapacity = 256

// Ledger is a fixed-capacity decision log. When full it overwrites the oldest
// entry; reads return newest first.
type Ledger struct {
	mu      sync.Mutex
	entries []DecisionEntry
	next    int // write position
	total   int // entries written over the lifetime
}

// NewLedger creates a ledger with the given capacity (default 256 when <= 0)
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = defaultLedgerCapacity
	}
	return &Ledger{entries: make([]DecisionEntry, capacity)}
}

// Append records one decision. Never blocks on anything but the ledger lock.
func (l *Ledger) Append(category, action, reason string, ctx map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = DecisionEntry{
		Timestamp: time.Now(),
		Category:  category,
		Action:    action,
		Reason:    reason,
		Context:   ctx,
	}
	l.next = (l.next + 1) % len(l.entries)
	l.total++
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all
// retained entries.
func (l *Ledger) Recent(limit int) []DecisionEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.total
	if size > len(l.entries) {
		size = len(l.entries)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]DecisionEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// Len returns the number of retained entries
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total > len(l.entries) {
		return len(l.entries)
	}
	return l.total
}
