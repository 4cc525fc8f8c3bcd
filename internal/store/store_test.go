package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentwatch/pkg/models"
)

// Each backend runs the same behavioural checks.
var backends = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore("")
	},
	"sqlite": func(t *testing.T) Store {
		s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "agentwatch.db"))
		require.NoError(t, err)
		return s
	},
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAgent(t *testing.T, s Store, status models.AgentStatus, lastBeat time.Time) *models.Agent {
	t.Helper()
	a := &models.Agent{
		ID:            uuid.NewString(),
		Name:          "worker",
		Type:          models.AgentTypeCode,
		Status:        status,
		StartedAt:     base,
		LastHeartbeat: lastBeat,
		KeyHash:       uuid.NewString(),
	}
	require.NoError(t, s.CreateAgent(context.Background(), a, entryFor(a.ID, models.ActivityRegistration, lastBeat)))
	return a
}

func entryFor(agentID string, typ models.ActivityType, at time.Time) *models.ActivityLog {
	return &models.ActivityLog{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Type:      typ,
		Message:   string(typ),
		Timestamp: at,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newAgent(t, s, models.AgentStatusIdle, base)

		got, err := s.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.Name, got.Name)
		assert.Equal(t, models.AgentStatusIdle, got.Status)
		assert.Nil(t, got.CurrentTask)
		assert.True(t, got.LastHeartbeat.Equal(base))

		hash, err := s.AgentKeyHash(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.KeyHash, hash)

		logs, err := s.ListActivity(ctx, a.ID, 10)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, models.ActivityRegistration, logs[0].Type)
	})
}

func TestGetAgentNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.GetAgent(context.Background(), "missing")
		var nf *ErrNotFound
		require.True(t, errors.As(err, &nf), "expected ErrNotFound, got %v", err)
		assert.Equal(t, "agent", nf.Entity)

		_, err = s.AgentKeyHash(context.Background(), "missing")
		require.True(t, errors.As(err, &nf))
	})
}

func TestCreateAgentDuplicateKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		a := newAgent(t, s, models.AgentStatusIdle, base)
		dup := *a
		dup.ID = uuid.NewString()
		err := s.CreateAgent(context.Background(), &dup, nil)
		var conflict *ErrConflict
		require.True(t, errors.As(err, &conflict), "expected ErrConflict, got %v", err)

		agents, err := s.ListAgents(context.Background())
		require.NoError(t, err)
		assert.Len(t, agents, 1)
	})
}

func TestApplyHeartbeatPartialUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newAgent(t, s, models.AgentStatusIdle, base)

		working := models.AgentStatusWorking
		task := "indexing"
		progress := 40
		last, err := s.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{
			Status: &working, CurrentTask: &task, Progress: &progress,
		}, base.Add(time.Second), entryFor(a.ID, models.ActivityUpdate, base.Add(time.Second)))
		require.NoError(t, err)
		assert.True(t, last.Equal(base.Add(time.Second)))

		// Progress only: status and task stay as they were.
		progress = 60
		_, err = s.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{Progress: &progress}, base.Add(2*time.Second), nil)
		require.NoError(t, err)

		got, err := s.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusWorking, got.Status)
		require.NotNil(t, got.CurrentTask)
		assert.Equal(t, "indexing", *got.CurrentTask)
		assert.Equal(t, 60, got.Progress)

		// Empty task clears it.
		empty := ""
		_, err = s.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{CurrentTask: &empty}, base.Add(3*time.Second), nil)
		require.NoError(t, err)
		got, err = s.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Nil(t, got.CurrentTask)

		logs, err := s.ListActivity(ctx, a.ID, 10)
		require.NoError(t, err)
		assert.Len(t, logs, 2)
		assert.Equal(t, models.ActivityUpdate, logs[0].Type)
	})
}

func TestApplyHeartbeatIsMonotonic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newAgent(t, s, models.AgentStatusWorking, base.Add(time.Minute))

		last, err := s.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{}, base, nil)
		require.NoError(t, err)
		assert.True(t, last.Equal(base.Add(time.Minute)), "heartbeat moved backwards to %v", last)
	})
}

func TestApplyHeartbeatUnknownAgent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.ApplyHeartbeat(context.Background(), "ghost", models.HeartbeatUpdate{}, base, entryFor("ghost", models.ActivityUpdate, base))
		var nf *ErrNotFound
		require.True(t, errors.As(err, &nf))

		logs, err := s.ListActivity(context.Background(), "", 10)
		require.NoError(t, err)
		assert.Empty(t, logs)
	})
}

func TestConcurrentHeartbeatsKeepMax(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newAgent(t, s, models.AgentStatusWorking, base)

		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := i
				_, err := s.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{Progress: &p}, base.Add(time.Duration(i)*time.Second), nil)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.LastHeartbeat.Equal(base.Add(20*time.Second)), "last heartbeat = %v", got.LastHeartbeat)
		assert.True(t, got.Progress >= 1 && got.Progress <= 20)
	})
}

func TestListStaleAndMarkStale(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		threshold := base.Add(10 * time.Minute)

		stale := newAgent(t, s, models.AgentStatusWorking, base)
		blocked := newAgent(t, s, models.AgentStatusBlocked, base.Add(time.Minute))
		newAgent(t, s, models.AgentStatusIdle, base)
		newAgent(t, s, models.AgentStatusWorking, threshold.Add(time.Second))

		candidates, err := s.ListStaleAgents(ctx, threshold)
		require.NoError(t, err)
		require.Len(t, candidates, 2)
		assert.Equal(t, stale.ID, candidates[0].ID)
		assert.Equal(t, blocked.ID, candidates[1].ID)

		marked, err := s.MarkStale(ctx, stale.ID, threshold, entryFor(stale.ID, models.ActivityError, threshold))
		require.NoError(t, err)
		assert.True(t, marked)

		got, err := s.GetAgent(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusError, got.Status)
		assert.Nil(t, got.CurrentTask)

		// Second call is a no-op and appends nothing.
		marked, err = s.MarkStale(ctx, stale.ID, threshold, entryFor(stale.ID, models.ActivityError, threshold))
		require.NoError(t, err)
		assert.False(t, marked)

		logs, err := s.ListActivity(ctx, stale.ID, 10)
		require.NoError(t, err)
		assert.Len(t, logs, 2)
	})
}

func TestMarkStaleSkipsFreshHeartbeat(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		threshold := base.Add(10 * time.Minute)
		a := newAgent(t, s, models.AgentStatusWorking, base)

		candidates, err := s.ListStaleAgents(ctx, threshold)
		require.NoError(t, err)
		require.Len(t, candidates, 1)

		// Heartbeat lands between the candidate read and the update.
		_, err = s.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{}, threshold.Add(time.Second), nil)
		require.NoError(t, err)

		marked, err := s.MarkStale(ctx, a.ID, threshold, entryFor(a.ID, models.ActivityError, threshold))
		require.NoError(t, err)
		assert.False(t, marked)

		got, err := s.GetAgent(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusWorking, got.Status)
	})
}

func TestMarkStaleUnknownAgent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.MarkStale(context.Background(), "ghost", base, nil)
		var nf *ErrNotFound
		assert.True(t, errors.As(err, &nf))
	})
}

func TestActivityNewestFirstWithLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newAgent(t, s, models.AgentStatusIdle, base)
		working := models.AgentStatusWorking
		for i := 1; i <= 5; i++ {
			at := base.Add(time.Duration(i) * time.Second)
			_, err := s.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{Status: &working}, at, entryFor(a.ID, models.ActivityUpdate, at))
			require.NoError(t, err)
		}

		logs, err := s.ListActivity(ctx, a.ID, 3)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.True(t, logs[0].Timestamp.Equal(base.Add(5*time.Second)))
		assert.True(t, logs[2].Timestamp.Equal(base.Add(3*time.Second)))
	})
}

func TestTasks(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newAgent(t, s, models.AgentStatusIdle, base)

		for i := 0; i < 3; i++ {
			task := &models.Task{
				ID:          uuid.NewString(),
				AgentID:     a.ID,
				Description: "step",
				Status:      models.TaskStatusPending,
				Priority:    models.PriorityMedium,
				StartedAt:   base.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, s.CreateTask(ctx, task, entryFor(a.ID, models.ActivityTaskCreated, task.StartedAt)))
		}

		tasks, err := s.ListTasks(ctx, a.ID, 2)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.True(t, tasks[0].StartedAt.Equal(base.Add(2*time.Minute)))
		assert.Nil(t, tasks[0].CompletedAt)

		err = s.CreateTask(ctx, &models.Task{ID: uuid.NewString(), AgentID: "ghost", StartedAt: base}, nil)
		var nf *ErrNotFound
		assert.True(t, errors.As(err, &nf))
	})
}

func TestCountAgentsByStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		newAgent(t, s, models.AgentStatusIdle, base)
		newAgent(t, s, models.AgentStatusWorking, base)
		newAgent(t, s, models.AgentStatusWorking, base)

		counts, err := s.CountAgentsByStatus(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, counts[models.AgentStatusIdle])
		assert.Equal(t, 2, counts[models.AgentStatusWorking])
		assert.Equal(t, 0, counts[models.AgentStatusError])
	})
}

func TestSnapshots(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			require.NoError(t, s.CreateSnapshot(ctx, &models.MetricSnapshot{
				ID:          uuid.NewString(),
				Timestamp:   base.Add(time.Duration(i) * time.Hour),
				TotalAgents: i,
			}))
		}

		snaps, err := s.ListSnapshots(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		assert.Equal(t, 1, snaps[0].TotalAgents)
		assert.Equal(t, 3, snaps[2].TotalAgents)

		pruned, err := s.PruneSnapshots(ctx, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 2, pruned)

		snaps, err = s.ListSnapshots(ctx, base)
		require.NoError(t, err)
		assert.Len(t, snaps, 2)
	})
}

func TestApplyHeartbeatAcceptsAnyStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, from := range []models.AgentStatus{models.AgentStatusIdle, models.AgentStatusBlocked} {
			a := newAgent(t, s, from, base)

			completed := models.AgentStatusCompleted
			progress := 100
			at := base.Add(time.Minute)
			last, err := s.ApplyHeartbeat(ctx, a.ID, models.HeartbeatUpdate{Status: &completed, Progress: &progress},
				at, entryFor(a.ID, models.ActivityCompletion, at))
			require.NoError(t, err, "from %s", from)
			assert.True(t, last.Equal(at))

			got, err := s.GetAgent(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, models.AgentStatusCompleted, got.Status)
			assert.Equal(t, 100, got.Progress)
			assert.True(t, got.LastHeartbeat.Equal(at))

			logs, err := s.ListActivity(ctx, a.ID, 10)
			require.NoError(t, err)
			assert.Len(t, logs, 2)
		}
	})
}
