package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentwatch/internal/db"
	"github.com/agentoven/agentwatch/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS aw_agents (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	type           TEXT NOT NULL,
	status         TEXT NOT NULL,
	current_task   TEXT,
	progress       INTEGER NOT NULL DEFAULT 0,
	key_hash       TEXT NOT NULL UNIQUE,
	started_at     TIMESTAMPTZ NOT NULL,
	last_heartbeat TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aw_agents_liveness ON aw_agents (status, last_heartbeat);

CREATE TABLE IF NOT EXISTS aw_activity_logs (
	seq       BIGSERIAL,
	id        TEXT PRIMARY KEY,
	agent_id  TEXT NOT NULL REFERENCES aw_agents(id),
	type      TEXT NOT NULL,
	message   TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aw_activity_agent ON aw_activity_logs (agent_id, timestamp);

CREATE TABLE IF NOT EXISTS aw_tasks (
	seq          BIGSERIAL,
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL REFERENCES aw_agents(id),
	description  TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_aw_tasks_agent ON aw_tasks (agent_id, started_at);

CREATE TABLE IF NOT EXISTS aw_agent_metrics (
	id               TEXT PRIMARY KEY,
	timestamp        TIMESTAMPTZ NOT NULL,
	total_agents     INTEGER NOT NULL,
	working_agents   INTEGER NOT NULL,
	idle_agents      INTEGER NOT NULL,
	blocked_agents   INTEGER NOT NULL,
	completed_agents INTEGER NOT NULL,
	error_agents     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aw_agent_metrics_ts ON aw_agent_metrics (timestamp);
`

const agentColumns = `id, name, type, status, current_task, progress, key_hash, started_at, last_heartbeat`

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to connURL and applies the schema.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	pool, err := db.OpenPostgres(ctx, connURL, maxConns)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Int("max_conns", maxConns).Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanAgent(row pgx.Row) (models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Status, &a.CurrentTask, &a.Progress, &a.KeyHash, &a.StartedAt, &a.LastHeartbeat)
	a.StartedAt = a.StartedAt.UTC()
	a.LastHeartbeat = a.LastHeartbeat.UTC()
	return a, err
}

func insertActivity(ctx context.Context, tx pgx.Tx, e *models.ActivityLog) error {
	_, err := tx.Exec(ctx, `INSERT INTO aw_activity_logs (id, agent_id, type, message, timestamp)
		VALUES ($1, $2, $3, $4, $5)`, e.ID, e.AgentID, string(e.Type), e.Message, e.Timestamp)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent, entry *models.ActivityLog) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO aw_agents (`+agentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			agent.ID, agent.Name, string(agent.Type), string(agent.Status), agent.CurrentTask,
			agent.Progress, agent.KeyHash, agent.StartedAt, agent.LastHeartbeat)
		if err != nil {
			if isUniqueViolation(err) {
				return &ErrConflict{Entity: "agent", Key: agent.ID}
			}
			return fmt.Errorf("insert agent: %w", err)
		}
		if entry != nil {
			return insertActivity(ctx, tx, entry)
		}
		return nil
	})
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM aw_agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) queryAgents(ctx context.Context, sql string, args ...interface{}) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM aw_agents ORDER BY last_heartbeat DESC, id ASC`)
}

func (s *PostgresStore) AgentKeyHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT key_hash FROM aw_agents WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Entity: "agent", Key: id}
	}
	return hash, err
}

func (s *PostgresStore) ApplyHeartbeat(ctx context.Context, id string, update models.HeartbeatUpdate, at time.Time, entry *models.ActivityLog) (time.Time, error) {
	sets := []string{"last_heartbeat = GREATEST(last_heartbeat, $1)"}
	args := []interface{}{at}
	if update.Status != nil {
		args = append(args, string(*update.Status))
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.CurrentTask != nil {
		var task *string
		if *update.CurrentTask != "" {
			task = update.CurrentTask
		}
		args = append(args, task)
		sets = append(sets, fmt.Sprintf("current_task = $%d", len(args)))
	}
	if update.Progress != nil {
		args = append(args, *update.Progress)
		sets = append(sets, fmt.Sprintf("progress = $%d", len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE aw_agents SET %s WHERE id = $%d RETURNING last_heartbeat",
		strings.Join(sets, ", "), len(args))

	var last time.Time
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, query, args...).Scan(&last)
		if errors.Is(err, pgx.ErrNoRows) {
			return &ErrNotFound{Entity: "agent", Key: id}
		}
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		if entry != nil {
			return insertActivity(ctx, tx, entry)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return last.UTC(), nil
}

func (s *PostgresStore) ListStaleAgents(ctx context.Context, threshold time.Time) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM aw_agents
		WHERE status IN ($1, $2) AND last_heartbeat < $3
		ORDER BY last_heartbeat ASC`,
		string(models.AgentStatusWorking), string(models.AgentStatusBlocked), threshold)
}

func (s *PostgresStore) MarkStale(ctx context.Context, id string, threshold time.Time, entry *models.ActivityLog) (bool, error) {
	var marked bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE aw_agents SET status = $1, current_task = NULL
			WHERE id = $2 AND status IN ($3, $4) AND last_heartbeat < $5`,
			string(models.AgentStatusError), id,
			string(models.AgentStatusWorking), string(models.AgentStatusBlocked), threshold)
		if err != nil {
			return fmt.Errorf("mark stale: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM aw_agents WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return &ErrNotFound{Entity: "agent", Key: id}
			}
			return nil
		}
		marked = true
		if entry != nil {
			return insertActivity(ctx, tx, entry)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return marked, nil
}

func (s *PostgresStore) CountAgentsByStatus(ctx context.Context) (map[models.AgentStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM aw_agents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.AgentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.AgentStatus(status)] = n
	}
	return counts, rows.Err()
}

// ── Activity Store ──────────────────────────────────────────

func (s *PostgresStore) ListActivity(ctx context.Context, agentID string, limit int) ([]models.ActivityLog, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if agentID == "" {
		rows, err = s.pool.Query(ctx, `SELECT id, agent_id, type, message, timestamp FROM aw_activity_logs
			ORDER BY timestamp DESC, seq DESC LIMIT $1`, normalizeLimit(limit))
	} else {
		rows, err = s.pool.Query(ctx, `SELECT id, agent_id, type, message, timestamp FROM aw_activity_logs
			WHERE agent_id = $1 ORDER BY timestamp DESC, seq DESC LIMIT $2`, agentID, normalizeLimit(limit))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.ActivityLog{}
	for rows.Next() {
		var e models.ActivityLog
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Type, &e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

// ── Task Store ──────────────────────────────────────────────

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task, entry *models.ActivityLog) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM aw_agents WHERE id = $1)`, task.AgentID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return &ErrNotFound{Entity: "agent", Key: task.AgentID}
		}
		_, err := tx.Exec(ctx, `INSERT INTO aw_tasks (id, agent_id, description, status, priority, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			task.ID, task.AgentID, task.Description, string(task.Status), string(task.Priority), task.StartedAt, task.CompletedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if entry != nil {
			return insertActivity(ctx, tx, entry)
		}
		return nil
	})
}

func (s *PostgresStore) ListTasks(ctx context.Context, agentID string, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, agent_id, description, status, priority, started_at, completed_at
		FROM aw_tasks WHERE agent_id = $1 ORDER BY started_at DESC, seq DESC LIMIT $2`, agentID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Task{}
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Description, &t.Status, &t.Priority, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		t.StartedAt = t.StartedAt.UTC()
		result = append(result, t)
	}
	return result, rows.Err()
}

// ── Metrics Store ───────────────────────────────────────────

func (s *PostgresStore) CreateSnapshot(ctx context.Context, snap *models.MetricSnapshot) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO aw_agent_metrics
		(id, timestamp, total_agents, working_agents, idle_agents, blocked_agents, completed_agents, error_agents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.ID, snap.Timestamp, snap.TotalAgents, snap.WorkingAgents, snap.IdleAgents,
		snap.BlockedAgents, snap.CompletedAgents, snap.ErrorAgents)
	return err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, since time.Time) ([]models.MetricSnapshot, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, timestamp, total_agents, working_agents, idle_agents,
		blocked_agents, completed_agents, error_agents
		FROM aw_agent_metrics WHERE timestamp >= $1 ORDER BY timestamp ASC`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.MetricSnapshot{}
	for rows.Next() {
		var m models.MetricSnapshot
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.TotalAgents, &m.WorkingAgents, &m.IdleAgents,
			&m.BlockedAgents, &m.CompletedAgents, &m.ErrorAgents); err != nil {
			return nil, err
		}
		m.Timestamp = m.Timestamp.UTC()
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM aw_agent_metrics WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
