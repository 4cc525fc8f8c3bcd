// Package contracts defines the service interfaces shared by the agentwatch
// server, its HTTP handlers and anything embedding the registry.
//
// Handlers and background workers depend on these interfaces, so swapping
// an implementation (e.g. a different event sink) is a single line change
// in the wiring code.
package contracts

import (
	"context"

	"github.com/agentoven/agentwatch/internal/store"
	"github.com/agentoven/agentwatch/pkg/models"
)

// Store is a type alias for the internal Store interface so code outside
// this module can reference it without importing internal/.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Activity Publisher ──────────────────────────────────────

// ActivityPublisher fans out activity entries after they are committed.
// Implementations must not block the caller for long; a failed publish
// never undoes the write that produced the entry.
type ActivityPublisher interface {
	Publish(ctx context.Context, entry models.ActivityLog) error
}

// ── Activity Subscriber ─────────────────────────────────────

// ActivitySubscriber streams activity entries to live consumers (SSE).
// Recent returns up to n of the latest entries, oldest first, so a new
// consumer can replay what it missed.
type ActivitySubscriber interface {
	Subscribe() chan models.ActivityLog
	Unsubscribe(ch chan models.ActivityLog)
	Recent(n int) []models.ActivityLog
	Subscribers() int
}

// ── Sweeper ─────────────────────────────────────────────────

// Sweeper runs one stale-agent pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) models.SweepResult
}

// ── Trend Recorder ──────────────────────────────────────────

// TrendRecorder captures and serves agent status snapshots.
type TrendRecorder interface {
	Record(ctx context.Context) (*models.MetricSnapshot, error)
	Trends(ctx context.Context, hours int) ([]models.MetricSnapshot, models.TimeRange, error)
}
