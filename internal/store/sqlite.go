package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentwatch/internal/db"
	"github.com/agentoven/agentwatch/pkg/models"
)

// Timestamps are stored as unix nanoseconds so range predicates compare
// integers instead of driver-formatted strings.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	type           TEXT NOT NULL,
	status         TEXT NOT NULL,
	current_task   TEXT,
	progress       INTEGER NOT NULL DEFAULT 0,
	key_hash       TEXT NOT NULL UNIQUE,
	started_at     INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_liveness ON agents (status, last_heartbeat);

CREATE TABLE IF NOT EXISTS activity_logs (
	id        TEXT PRIMARY KEY,
	agent_id  TEXT NOT NULL REFERENCES agents(id),
	type      TEXT NOT NULL,
	message   TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_agent ON activity_logs (agent_id, timestamp);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL REFERENCES agents(id),
	description  TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks (agent_id, started_at);

CREATE TABLE IF NOT EXISTS agent_metrics (
	id               TEXT PRIMARY KEY,
	timestamp        INTEGER NOT NULL,
	total_agents     INTEGER NOT NULL,
	working_agents   INTEGER NOT NULL,
	idle_agents      INTEGER NOT NULL,
	blocked_agents   INTEGER NOT NULL,
	completed_agents INTEGER NOT NULL,
	error_agents     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_metrics_ts ON agent_metrics (timestamp);
`

type agentRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Type          string         `db:"type"`
	Status        string         `db:"status"`
	CurrentTask   sql.NullString `db:"current_task"`
	Progress      int            `db:"progress"`
	KeyHash       string         `db:"key_hash"`
	StartedAt     int64          `db:"started_at"`
	LastHeartbeat int64          `db:"last_heartbeat"`
}

func (r agentRow) model() models.Agent {
	a := models.Agent{
		ID:            r.ID,
		Name:          r.Name,
		Type:          models.AgentType(r.Type),
		Status:        models.AgentStatus(r.Status),
		Progress:      r.Progress,
		KeyHash:       r.KeyHash,
		StartedAt:     fromNanos(r.StartedAt),
		LastHeartbeat: fromNanos(r.LastHeartbeat),
	}
	if r.CurrentTask.Valid {
		task := r.CurrentTask.String
		a.CurrentTask = &task
	}
	return a
}

type activityRow struct {
	ID        string `db:"id"`
	AgentID   string `db:"agent_id"`
	Type      string `db:"type"`
	Message   string `db:"message"`
	Timestamp int64  `db:"timestamp"`
}

func newActivityRow(e *models.ActivityLog) activityRow {
	return activityRow{
		ID:        e.ID,
		AgentID:   e.AgentID,
		Type:      string(e.Type),
		Message:   e.Message,
		Timestamp: e.Timestamp.UnixNano(),
	}
}

type taskRow struct {
	ID          string        `db:"id"`
	AgentID     string        `db:"agent_id"`
	Description string        `db:"description"`
	Status      string        `db:"status"`
	Priority    string        `db:"priority"`
	StartedAt   int64         `db:"started_at"`
	CompletedAt sql.NullInt64 `db:"completed_at"`
}

type snapshotRow struct {
	ID              string `db:"id"`
	Timestamp       int64  `db:"timestamp"`
	TotalAgents     int    `db:"total_agents"`
	WorkingAgents   int    `db:"working_agents"`
	IdleAgents      int    `db:"idle_agents"`
	BlockedAgents   int    `db:"blocked_agents"`
	CompletedAgents int    `db:"completed_agents"`
	ErrorAgents     int    `db:"error_agents"`
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

const insertActivitySQL = `INSERT INTO activity_logs (id, agent_id, type, message, timestamp)
	VALUES (:id, :agent_id, :type, :message, :timestamp)`

// SQLiteStore implements Store on a single-writer SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	conn, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: conn}
	if err := s.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info().Str("path", path).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func isSQLiteConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// ── Agent Store ─────────────────────────────────────────────

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.Agent, entry *models.ActivityLog) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := agentRow{
		ID:            agent.ID,
		Name:          agent.Name,
		Type:          string(agent.Type),
		Status:        string(agent.Status),
		Progress:      agent.Progress,
		KeyHash:       agent.KeyHash,
		StartedAt:     agent.StartedAt.UnixNano(),
		LastHeartbeat: agent.LastHeartbeat.UnixNano(),
	}
	if agent.CurrentTask != nil {
		row.CurrentTask = sql.NullString{String: *agent.CurrentTask, Valid: true}
	}
	_, err = tx.NamedExecContext(ctx, `INSERT INTO agents
		(id, name, type, status, current_task, progress, key_hash, started_at, last_heartbeat)
		VALUES (:id, :name, :type, :status, :current_task, :progress, :key_hash, :started_at, :last_heartbeat)`, row)
	if err != nil {
		if isSQLiteConstraint(err) {
			return &ErrConflict{Entity: "agent", Key: agent.ID}
		}
		return fmt.Errorf("insert agent: %w", err)
	}
	if entry != nil {
		if _, err := tx.NamedExecContext(ctx, insertActivitySQL, newActivityRow(entry)); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, err
	}
	a := row.model()
	return &a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY last_heartbeat DESC, id ASC`); err != nil {
		return nil, err
	}
	result := make([]models.Agent, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.model())
	}
	return result, nil
}

func (s *SQLiteStore) AgentKeyHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash, `SELECT key_hash FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &ErrNotFound{Entity: "agent", Key: id}
	}
	return hash, err
}

func (s *SQLiteStore) ApplyHeartbeat(ctx context.Context, id string, update models.HeartbeatUpdate, at time.Time, entry *models.ActivityLog) (time.Time, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.GetContext(ctx, &last, `SELECT last_heartbeat FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return time.Time{}, err
	}
	if n := at.UnixNano(); n > last {
		last = n
	}

	sets := []string{"last_heartbeat = ?"}
	args := []interface{}{last}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentTask != nil {
		sets = append(sets, "current_task = ?")
		if *update.CurrentTask == "" {
			args = append(args, nil)
		} else {
			args = append(args, *update.CurrentTask)
		}
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	args = append(args, id)

	query := "UPDATE agents SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return time.Time{}, fmt.Errorf("update agent: %w", err)
	}
	if entry != nil {
		if _, err := tx.NamedExecContext(ctx, insertActivitySQL, newActivityRow(entry)); err != nil {
			return time.Time{}, fmt.Errorf("insert activity: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, err
	}
	return fromNanos(last), nil
}

func (s *SQLiteStore) ListStaleAgents(ctx context.Context, threshold time.Time) ([]models.Agent, error) {
	var rows []agentRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents
		WHERE status IN (?, ?) AND last_heartbeat < ?
		ORDER BY last_heartbeat ASC`,
		models.AgentStatusWorking, models.AgentStatusBlocked, threshold.UnixNano())
	if err != nil {
		return nil, err
	}
	result := make([]models.Agent, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.model())
	}
	return result, nil
}

func (s *SQLiteStore) MarkStale(ctx context.Context, id string, threshold time.Time, entry *models.ActivityLog) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE agents SET status = ?, current_task = NULL
		WHERE id = ? AND status IN (?, ?) AND last_heartbeat < ?`,
		models.AgentStatusError, id, models.AgentStatusWorking, models.AgentStatusBlocked, threshold.UnixNano())
	if err != nil {
		return false, fmt.Errorf("mark stale: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(1) FROM agents WHERE id = ?`, id); err != nil {
			return false, err
		}
		if exists == 0 {
			return false, &ErrNotFound{Entity: "agent", Key: id}
		}
		return false, nil
	}
	if entry != nil {
		if _, err := tx.NamedExecContext(ctx, insertActivitySQL, newActivityRow(entry)); err != nil {
			return false, fmt.Errorf("insert activity: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) CountAgentsByStatus(ctx context.Context) (map[models.AgentStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM agents GROUP BY status`); err != nil {
		return nil, err
	}
	counts := make(map[models.AgentStatus]int, len(rows))
	for _, r := range rows {
		counts[models.AgentStatus(r.Status)] = r.N
	}
	return counts, nil
}

// ── Activity Store ──────────────────────────────────────────

func (s *SQLiteStore) ListActivity(ctx context.Context, agentID string, limit int) ([]models.ActivityLog, error) {
	var rows []activityRow
	var err error
	if agentID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT id, agent_id, type, message, timestamp FROM activity_logs
			ORDER BY timestamp DESC, rowid DESC LIMIT ?`, normalizeLimit(limit))
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT id, agent_id, type, message, timestamp FROM activity_logs
			WHERE agent_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`, agentID, normalizeLimit(limit))
	}
	if err != nil {
		return nil, err
	}
	result := make([]models.ActivityLog, 0, len(rows))
	for _, r := range rows {
		result = append(result, models.ActivityLog{
			ID:        r.ID,
			AgentID:   r.AgentID,
			Type:      models.ActivityType(r.Type),
			Message:   r.Message,
			Timestamp: fromNanos(r.Timestamp),
		})
	}
	return result, nil
}

// ── Task Store ──────────────────────────────────────────────

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task, entry *models.ActivityLog) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(1) FROM agents WHERE id = ?`, task.AgentID); err != nil {
		return err
	}
	if exists == 0 {
		return &ErrNotFound{Entity: "agent", Key: task.AgentID}
	}

	row := taskRow{
		ID:          task.ID,
		AgentID:     task.AgentID,
		Description: task.Description,
		Status:      string(task.Status),
		Priority:    string(task.Priority),
		StartedAt:   task.StartedAt.UnixNano(),
	}
	if task.CompletedAt != nil {
		row.CompletedAt = sql.NullInt64{Int64: task.CompletedAt.UnixNano(), Valid: true}
	}
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO tasks
		(id, agent_id, description, status, priority, started_at, completed_at)
		VALUES (:id, :agent_id, :description, :status, :priority, :started_at, :completed_at)`, row); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if entry != nil {
		if _, err := tx.NamedExecContext(ctx, insertActivitySQL, newActivityRow(entry)); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTasks(ctx context.Context, agentID string, limit int) ([]models.Task, error) {
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, agent_id, description, status, priority, started_at, completed_at
		FROM tasks WHERE agent_id = ? ORDER BY started_at DESC, rowid DESC LIMIT ?`, agentID, normalizeLimit(limit)); err != nil {
		return nil, err
	}
	result := make([]models.Task, 0, len(rows))
	for _, r := range rows {
		t := models.Task{
			ID:          r.ID,
			AgentID:     r.AgentID,
			Description: r.Description,
			Status:      models.TaskStatus(r.Status),
			Priority:    models.Priority(r.Priority),
			StartedAt:   fromNanos(r.StartedAt),
		}
		if r.CompletedAt.Valid {
			done := fromNanos(r.CompletedAt.Int64)
			t.CompletedAt = &done
		}
		result = append(result, t)
	}
	return result, nil
}

// ── Metrics Store ───────────────────────────────────────────

func (s *SQLiteStore) CreateSnapshot(ctx context.Context, snap *models.MetricSnapshot) error {
	row := snapshotRow{
		ID:              snap.ID,
		Timestamp:       snap.Timestamp.UnixNano(),
		TotalAgents:     snap.TotalAgents,
		WorkingAgents:   snap.WorkingAgents,
		IdleAgents:      snap.IdleAgents,
		BlockedAgents:   snap.BlockedAgents,
		CompletedAgents: snap.CompletedAgents,
		ErrorAgents:     snap.ErrorAgents,
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO agent_metrics
		(id, timestamp, total_agents, working_agents, idle_agents, blocked_agents, completed_agents, error_agents)
		VALUES (:id, :timestamp, :total_agents, :working_agents, :idle_agents, :blocked_agents, :completed_agents, :error_agents)`, row)
	return err
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, since time.Time) ([]models.MetricSnapshot, error) {
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agent_metrics WHERE timestamp >= ? ORDER BY timestamp ASC`, since.UnixNano()); err != nil {
		return nil, err
	}
	result := make([]models.MetricSnapshot, 0, len(rows))
	for _, r := range rows {
		result = append(result, models.MetricSnapshot{
			ID:              r.ID,
			Timestamp:       fromNanos(r.Timestamp),
			TotalAgents:     r.TotalAgents,
			WorkingAgents:   r.WorkingAgents,
			IdleAgents:      r.IdleAgents,
			BlockedAgents:   r.BlockedAgents,
			CompletedAgents: r.CompletedAgents,
			ErrorAgents:     r.ErrorAgents,
		})
	}
	return result, nil
}

func (s *SQLiteStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_metrics WHERE timestamp < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
