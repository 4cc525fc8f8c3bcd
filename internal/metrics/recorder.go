// Package metrics records periodic snapshots of how many agents sit in each
// status and serves them back as trends for the dashboard chart.
//
// The recorder runs as a background goroutine and respects context
// cancellation. Every cycle it records one snapshot and prunes snapshots
// older than the retention window.
package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentwatch/internal/store"
	"github.com/agentoven/agentwatch/pkg/models"
)

const (
	DefaultInterval  = 15 * time.Minute
	DefaultRetention = 30 * 24 * time.Hour

	// DefaultTrendHours is the lookback used when a query names none.
	DefaultTrendHours = 24
	// MaxTrendHours caps the lookback at the retention window.
	MaxTrendHours = 30 * 24
)

// Recorder captures and serves agent status snapshots.
type Recorder struct {
	store     store.Store
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder. Non-positive durations fall back to the
// defaults.
func NewRecorder(s store.Store, interval, retention time.Duration, opts ...Option) *Recorder {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	r := &Recorder{store: s, interval: interval, retention: retention, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

// Record stores a snapshot of the current status counts.
func (r *Recorder) Record(ctx context.Context) (*models.MetricSnapshot, error) {
	counts, err := r.store.CountAgentsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := models.StatsFromCounts(counts)
	snap := &models.MetricSnapshot{
		ID:              uuid.New().String(),
		Timestamp:       r.timestamp(),
		TotalAgents:     stats.Total,
		WorkingAgents:   stats.Active,
		IdleAgents:      stats.Idle,
		BlockedAgents:   stats.Blocked,
		CompletedAgents: stats.Completed,
		ErrorAgents:     stats.Error,
	}
	if err := r.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	log.Debug().
		Int("total", snap.TotalAgents).
		Int("working", snap.WorkingAgents).
		Int("error", snap.ErrorAgents).
		Msg("Metrics snapshot recorded")
	return snap, nil
}

// Prune deletes snapshots older than the retention window.
func (r *Recorder) Prune(ctx context.Context) (int64, error) {
	return r.store.PruneSnapshots(ctx, r.timestamp().Add(-r.retention))
}

// Trends returns snapshots from the last hours, oldest first, with the
// window they cover. hours outside 1..MaxTrendHours is clamped.
func (r *Recorder) Trends(ctx context.Context, hours int) ([]models.MetricSnapshot, models.TimeRange, error) {
	if hours <= 0 {
		hours = DefaultTrendHours
	}
	if hours > MaxTrendHours {
		hours = MaxTrendHours
	}
	end := r.timestamp()
	start := end.Add(-time.Duration(hours) * time.Hour)
	tr := models.TimeRange{Start: start, End: end, Hours: hours}

	snaps, err := r.store.ListSnapshots(ctx, start)
	if err != nil {
		return nil, tr, err
	}
	return snaps, tr, nil
}

func (r *Recorder) runCycle(ctx context.Context) {
	if _, err := r.Record(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to record metrics snapshot")
	}
	pruned, err := r.Prune(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prune metrics snapshots")
		return
	}
	if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("Old metrics snapshots cleaned up")
	}
}

// Start records once immediately and then on every tick. It blocks until
// ctx is canceled.
func (r *Recorder) Start(ctx context.Context) {
	log.Info().
		Dur("interval", r.interval).
		Dur("retention", r.retention).
		Msg("📊 Metrics recorder started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Metrics recorder stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}
