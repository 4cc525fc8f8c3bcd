// In-memory Store implementation.
// Used when no database is configured (local dev, tests).
// Supports file-based snapshot persistence so data survives restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentwatch/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents    map[string]*models.Agent `json:"agents"`
	Keys      map[string]string        `json:"keys"` // agent id → key digest
	Activity  []*models.ActivityLog    `json:"activity"`
	Tasks     []*models.Task           `json:"tasks"`
	Snapshots []*models.MetricSnapshot `json:"snapshots"`
}

// MemoryStore implements Store with in-memory maps.
// A single RWMutex guards everything, so each mutating method is one
// critical section and therefore atomic with respect to all others.
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]*models.Agent // key: id
	keyIndex  map[string]string        // key digest → id
	activity  []*models.ActivityLog    // append-only log
	tasks     []*models.Task           // append-only
	snapshots []*models.MetricSnapshot // oldest first

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If dataDir is non-empty, data is persisted to dataDir/agentwatch.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		agents:   make(map[string]*models.Agent),
		keyIndex: make(map[string]string),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "agentwatch.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	keys := make(map[string]string, len(m.agents))
	for id, a := range m.agents {
		keys[id] = a.KeyHash
	}
	snap := snapshot{
		Agents:    m.agents,
		Keys:      keys,
		Activity:  m.activity,
		Tasks:     m.tasks,
		Snapshots: m.snapshots,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, a := range snap.Agents {
		a.KeyHash = snap.Keys[id]
		m.agents[id] = a
		if a.KeyHash != "" {
			m.keyIndex[a.KeyHash] = id
		}
	}
	m.activity = snap.Activity
	m.tasks = snap.Tasks
	m.snapshots = snap.Snapshots

	log.Info().
		Int("agents", len(m.agents)).
		Int("activity", len(m.activity)).
		Int("tasks", len(m.tasks)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

func cloneAgent(a *models.Agent) models.Agent {
	c := *a
	if a.CurrentTask != nil {
		task := *a.CurrentTask
		c.CurrentTask = &task
	}
	return c
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent, entry *models.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; ok {
		return &ErrConflict{Entity: "agent", Key: agent.ID}
	}
	if _, ok := m.keyIndex[agent.KeyHash]; ok {
		return &ErrConflict{Entity: "agent key", Key: agent.ID}
	}

	c := cloneAgent(agent)
	m.agents[agent.ID] = &c
	m.keyIndex[agent.KeyHash] = agent.ID
	if entry != nil {
		e := *entry
		m.activity = append(m.activity, &e)
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	c := cloneAgent(a)
	return &c, nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]models.Agent, error) {
	m.mu.RLock()
	result := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		result = append(result, cloneAgent(a))
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].LastHeartbeat.Equal(result[j].LastHeartbeat) {
			return result[i].ID < result[j].ID
		}
		return result[i].LastHeartbeat.After(result[j].LastHeartbeat)
	})
	return result, nil
}

func (m *MemoryStore) AgentKeyHash(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return "", &ErrNotFound{Entity: "agent", Key: id}
	}
	return a.KeyHash, nil
}

func (m *MemoryStore) ApplyHeartbeat(_ context.Context, id string, update models.HeartbeatUpdate, at time.Time, entry *models.ActivityLog) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return time.Time{}, &ErrNotFound{Entity: "agent", Key: id}
	}
	if at.After(a.LastHeartbeat) {
		a.LastHeartbeat = at
	}
	if update.Status != nil {
		a.Status = *update.Status
	}
	if update.CurrentTask != nil {
		if *update.CurrentTask == "" {
			a.CurrentTask = nil
		} else {
			task := *update.CurrentTask
			a.CurrentTask = &task
		}
	}
	if update.Progress != nil {
		a.Progress = *update.Progress
	}
	if entry != nil {
		e := *entry
		m.activity = append(m.activity, &e)
	}
	m.requestSave()
	return a.LastHeartbeat, nil
}

func (m *MemoryStore) ListStaleAgents(_ context.Context, threshold time.Time) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Agent
	for _, a := range m.agents {
		if a.Status.Live() && a.LastHeartbeat.Before(threshold) {
			result = append(result, cloneAgent(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastHeartbeat.Before(result[j].LastHeartbeat)
	})
	return result, nil
}

func (m *MemoryStore) MarkStale(_ context.Context, id string, threshold time.Time, entry *models.ActivityLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return false, &ErrNotFound{Entity: "agent", Key: id}
	}
	// Re-check under the lock: a heartbeat may have landed since the
	// candidate list was read.
	if !a.Status.Live() || !a.LastHeartbeat.Before(threshold) {
		return false, nil
	}

	a.Status = models.AgentStatusError
	a.CurrentTask = nil
	if entry != nil {
		e := *entry
		m.activity = append(m.activity, &e)
	}
	m.requestSave()
	return true, nil
}

func (m *MemoryStore) CountAgentsByStatus(_ context.Context) (map[models.AgentStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[models.AgentStatus]int)
	for _, a := range m.agents {
		counts[a.Status]++
	}
	return counts, nil
}

// ── Activity Store ──────────────────────────────────────────

func (m *MemoryStore) ListActivity(_ context.Context, agentID string, limit int) ([]models.ActivityLog, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	var result []models.ActivityLog
	// Walk backwards so equal timestamps keep newest-appended first.
	for i := len(m.activity) - 1; i >= 0; i-- {
		e := m.activity[i]
		if agentID == "" || e.AgentID == agentID {
			result = append(result, *e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Task Store ──────────────────────────────────────────────

func (m *MemoryStore) CreateTask(_ context.Context, task *models.Task, entry *models.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[task.AgentID]; !ok {
		return &ErrNotFound{Entity: "agent", Key: task.AgentID}
	}
	t := *task
	m.tasks = append(m.tasks, &t)
	if entry != nil {
		e := *entry
		m.activity = append(m.activity, &e)
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, agentID string, limit int) ([]models.Task, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	var result []models.Task
	for i := len(m.tasks) - 1; i >= 0; i-- {
		if t := m.tasks[i]; t.AgentID == agentID {
			result = append(result, *t)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Metrics Store ───────────────────────────────────────────

func (m *MemoryStore) CreateSnapshot(_ context.Context, snap *models.MetricSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *snap
	m.snapshots = append(m.snapshots, &s)
	sort.SliceStable(m.snapshots, func(i, j int) bool {
		return m.snapshots[i].Timestamp.Before(m.snapshots[j].Timestamp)
	})
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, since time.Time) ([]models.MetricSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := []models.MetricSnapshot{}
	for _, s := range m.snapshots {
		if !s.Timestamp.Before(since) {
			result = append(result, *s)
		}
	}
	return result, nil
}

func (m *MemoryStore) PruneSnapshots(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.snapshots[:0]
	var pruned int64
	for _, s := range m.snapshots {
		if s.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.snapshots = kept
	if pruned > 0 {
		m.requestSave()
	}
	return pruned, nil
}
