// Package events fans committed activity entries out to live consumers:
// an in-process broker feeding the SSE stream and, optionally, NATS.
package events

import (
	"context"
	"sync"

	"github.com/agentoven/agentwatch/pkg/models"
)

// Broker is a thread-safe ring buffer of recent activity that also
// streams new entries to subscribers.
type Broker struct {
	mu          sync.RWMutex
	entries     []models.ActivityLog
	maxEntries  int
	subscribers map[chan models.ActivityLog]struct{}
}

// NewBroker creates a broker that retains up to maxEntries entries.
func NewBroker(maxEntries int) *Broker {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &Broker{
		entries:     make([]models.ActivityLog, 0, maxEntries),
		maxEntries:  maxEntries,
		subscribers: make(map[chan models.ActivityLog]struct{}),
	}
}

// Publish records entry and broadcasts it to every subscriber.
// It never blocks: a subscriber whose buffer is full misses the entry.
func (b *Broker) Publish(_ context.Context, entry models.ActivityLog) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.maxEntries {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, entry)

	for ch := range b.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
	return nil
}

// Recent returns up to n of the latest entries, oldest first.
func (b *Broker) Recent(n int) []models.ActivityLog {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.entries)
	if n <= 0 || n > total {
		n = total
	}
	result := make([]models.ActivityLog, n)
	copy(result, b.entries[total-n:])
	return result
}

// Subscribe returns a channel that receives new entries as they arrive.
// Call Unsubscribe when done to avoid leaks.
func (b *Broker) Subscribe() chan models.ActivityLog {
	ch := make(chan models.ActivityLog, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan models.ActivityLog) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
