// Package reaper declares silent agents failed.
//
// A sweep selects working or blocked agents whose last heartbeat is older
// than the stale timeout and moves each to error through the store's
// conditional MarkStale, which re-checks both conditions at write time.
// A heartbeat that commits after the candidate read therefore keeps its
// agent out of error.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/agentwatch/internal/store"
	"github.com/agentoven/agentwatch/pkg/contracts"
	"github.com/agentoven/agentwatch/pkg/models"
)

// DefaultStaleTimeout applies when no timeout is configured.
const DefaultStaleTimeout = 120 * time.Second

// Reaper runs stale sweeps against a store.
type Reaper struct {
	store        store.Store
	staleTimeout time.Duration
	interval     time.Duration
	publisher    contracts.ActivityPublisher
	now          func() time.Time
	tracer       trace.Tracer

	// sweepMu keeps an on-demand sweep from overlapping the periodic one.
	sweepMu sync.Mutex

	// OnStale is called for every agent a sweep marked. Optional.
	OnStale func(agent models.Agent, silence time.Duration)
}

type Option func(*Reaper)

func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

func WithPublisher(p contracts.ActivityPublisher) Option {
	return func(r *Reaper) { r.publisher = p }
}

// WithInterval sets how often Start sweeps.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) { r.interval = d }
}

func New(s store.Store, staleTimeout time.Duration, opts ...Option) *Reaper {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	r := &Reaper{
		store:        s,
		staleTimeout: staleTimeout,
		interval:     30 * time.Second,
		now:          time.Now,
		tracer:       otel.Tracer("agentwatch/reaper"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	return r
}

// StaleTimeout returns the configured silence limit.
func (r *Reaper) StaleTimeout() time.Duration { return r.staleTimeout }

// Candidates lists the agents a sweep at the current time would consider.
func (r *Reaper) Candidates(ctx context.Context) ([]models.Agent, time.Time, error) {
	now := r.now().UTC()
	threshold := now.Add(-r.staleTimeout)
	agents, err := r.store.ListStaleAgents(ctx, threshold)
	return agents, threshold, err
}

func staleMessage(silence, timeout time.Duration) string {
	return fmt.Sprintf("Agent marked as stale (no heartbeat for %ds, timeout %ds)",
		int64(silence/time.Second), int64(timeout/time.Second))
}

// Sweep runs one pass. Per-agent failures are collected in the result and
// do not stop the pass; an agent that vanished mid-sweep is skipped.
func (r *Reaper) Sweep(ctx context.Context) models.SweepResult {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "reaper.Sweep")
	defer span.End()

	now := r.now().UTC().Truncate(time.Microsecond)
	threshold := now.Add(-r.staleTimeout)
	result := models.SweepResult{Threshold: threshold, Marked: []string{}}

	candidates, err := r.store.ListStaleAgents(ctx, threshold)
	if err != nil {
		log.Error().Err(err).Msg("Reaper failed to list stale agents")
		result.Errors = append(result.Errors, fmt.Sprintf("list stale agents: %v", err))
		span.RecordError(err)
		return result
	}
	result.Checked = len(candidates)

	for _, a := range candidates {
		silence := now.Sub(a.LastHeartbeat)
		entry := &models.ActivityLog{
			ID:        uuid.New().String(),
			AgentID:   a.ID,
			Type:      models.ActivityError,
			Message:   staleMessage(silence, r.staleTimeout),
			Timestamp: now,
		}

		marked, err := r.store.MarkStale(ctx, a.ID, threshold, entry)
		if err != nil {
			var nf *store.ErrNotFound
			if errors.As(err, &nf) {
				result.Skipped++
				continue
			}
			log.Error().Err(err).Str("agent", a.ID).Msg("Reaper failed to mark agent stale")
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", a.ID, err))
			continue
		}
		if !marked {
			// A heartbeat landed after the candidate read.
			result.Skipped++
			continue
		}

		result.Marked = append(result.Marked, a.ID)
		log.Warn().
			Str("agent", a.ID).
			Str("name", a.Name).
			Str("was", string(a.Status)).
			Dur("silence", silence).
			Msg("Agent marked as stale")

		if r.publisher != nil {
			if err := r.publisher.Publish(ctx, *entry); err != nil {
				log.Warn().Err(err).Str("agent", a.ID).Msg("Failed to publish stale activity")
			}
		}
		if r.OnStale != nil {
			r.OnStale(a, silence)
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.checked", result.Checked),
		attribute.Int("sweep.marked", len(result.Marked)),
		attribute.Int("sweep.skipped", result.Skipped),
		attribute.Int("sweep.errors", len(result.Errors)),
	)
	if result.Checked > 0 {
		log.Info().
			Int("checked", result.Checked).
			Int("marked", len(result.Marked)).
			Int("skipped", result.Skipped).
			Int("errors", len(result.Errors)).
			Msg("Reaper sweep finished")
	}
	return result
}

// Start sweeps once immediately and then on every tick. It blocks until
// ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	log.Info().
		Dur("interval", r.interval).
		Dur("stale_timeout", r.staleTimeout).
		Msg("💀 Stale reaper started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stale reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
