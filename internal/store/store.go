// Package store provides the storage interface and implementations for the
// agentwatch registry: an in-memory store (zero config, optional JSON
// snapshot), SQLite and PostgreSQL.
package store

import (
	"context"
	"time"

	"github.com/agentoven/agentwatch/pkg/models"
)

// Store is the primary storage interface for the registry.
// All service code depends on this interface, so the memory store used in
// tests and the SQL stores used in production are interchangeable.
//
// Every mutating method is atomic: it either applies all of its writes
// (including the activity entry it is handed) or none of them.
type Store interface {
	AgentStore
	ActivityStore
	TaskStore
	MetricsStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema if it does not exist.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	// CreateAgent inserts a new agent together with its registration entry.
	CreateAgent(ctx context.Context, agent *models.Agent, entry *models.ActivityLog) error

	GetAgent(ctx context.Context, id string) (*models.Agent, error)

	// ListAgents returns all agents ordered by last heartbeat, newest first.
	ListAgents(ctx context.Context) ([]models.Agent, error)

	// AgentKeyHash returns the stored API key digest for an agent.
	AgentKeyHash(ctx context.Context, id string) (string, error)

	// ApplyHeartbeat sets last_heartbeat to max(stored, at), applies the
	// non-nil fields of update and appends entry when it is non-nil, all in
	// one atomic step. It returns the stored last heartbeat. Any valid status
	// is accepted; no state is terminal.
	ApplyHeartbeat(ctx context.Context, id string, update models.HeartbeatUpdate, at time.Time, entry *models.ActivityLog) (time.Time, error)

	// ListStaleAgents returns working or blocked agents whose last heartbeat
	// is before threshold.
	ListStaleAgents(ctx context.Context, threshold time.Time) ([]models.Agent, error)

	// MarkStale moves an agent to error and clears its task only if it is
	// still working or blocked and its last heartbeat is still before
	// threshold. entry is appended only when the agent changed. Reports
	// whether the agent was marked.
	MarkStale(ctx context.Context, id string, threshold time.Time, entry *models.ActivityLog) (bool, error)

	// CountAgentsByStatus returns the number of agents per status.
	CountAgentsByStatus(ctx context.Context) (map[models.AgentStatus]int, error)
}

// ── Activity Store ──────────────────────────────────────────

type ActivityStore interface {
	// ListActivity returns up to limit entries for an agent, newest first.
	// An empty agentID lists entries of all agents.
	ListActivity(ctx context.Context, agentID string, limit int) ([]models.ActivityLog, error)
}

// ── Task Store ──────────────────────────────────────────────

type TaskStore interface {
	// CreateTask inserts a task together with its task_created entry.
	CreateTask(ctx context.Context, task *models.Task, entry *models.ActivityLog) error

	// ListTasks returns up to limit tasks for an agent, newest first.
	ListTasks(ctx context.Context, agentID string, limit int) ([]models.Task, error)
}

// ── Metrics Store ───────────────────────────────────────────

type MetricsStore interface {
	CreateSnapshot(ctx context.Context, snap *models.MetricSnapshot) error

	// ListSnapshots returns snapshots taken at or after since, oldest first.
	ListSnapshots(ctx context.Context, since time.Time) ([]models.MetricSnapshot, error)

	// PruneSnapshots deletes snapshots older than before.
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrConflict is returned when an insert collides with an existing id or
// key digest.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// DefaultListLimit caps list queries that are called without a limit.
const DefaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
