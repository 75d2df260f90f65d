package ledger

import (
	"sort"
	"sync"
	"time"
)

// OutboxEntry is a submission waiting to be resent.
type OutboxEntry struct {
	Key      string
	Endpoint string
	Payload  any
	QueuedAt time.Time
	Attempts int

	// Version changes every time the entry is queued again
	Version uint64
}

// Outbox is an in-memory queue of ledger submissions that failed. Entries
// are keyed so the same analysis is never queued twice.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*OutboxEntry
	version uint64
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{entries: make(map[string]*OutboxEntry)}
}

// Add queues payload for endpoint under key, replacing an earlier entry
// with the same key.
func (o *Outbox) Add(key, endpoint string, payload any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.version++
	if e, ok := o.entries[key]; ok {
		e.Endpoint = endpoint
		e.Payload = payload
		e.Version = o.version
		return
	}
	o.entries[key] = &OutboxEntry{
		Key:      key,
		Endpoint: endpoint,
		Payload:  payload,
		QueuedAt: time.Now(),
		Version:  o.version,
	}
}

// Failed records another unsuccessful attempt for key.
func (o *Outbox) Failed(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e, ok := o.entries[key]; ok {
		e.Attempts++
	}
}

// Delivered drops key only if it still holds the given version. It reports
// false when the entry was queued again after that version was read.
func (o *Outbox) Delivered(key string, version uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[key]
	if !ok || e.Version != version {
		return false
	}
	delete(o.entries, key)
	return true
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Pending returns a snapshot of the queue, oldest first.
func (o *Outbox) Pending() []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]OutboxEntry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}
