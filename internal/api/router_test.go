package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/agentwatch/internal/api"
	"github.com/agentoven/agentwatch/internal/api/handlers"
	"github.com/agentoven/agentwatch/internal/config"
	"github.com/agentoven/agentwatch/internal/events"
	"github.com/agentoven/agentwatch/internal/metrics"
	"github.com/agentoven/agentwatch/internal/reaper"
	"github.com/agentoven/agentwatch/internal/registry"
	"github.com/agentoven/agentwatch/internal/store"
	"github.com/agentoven/agentwatch/pkg/models"
)

const adminKey = "op-key"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	handler http.Handler
	clock   *clock
}

func newTestServer(t *testing.T, adminKeys ...string) *testServer {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { _ = s.Close() })

	clk := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	broker := events.NewBroker(100)
	reg := registry.New(s, registry.WithClock(clk.Now), registry.WithPublisher(broker))
	rp := reaper.New(s, 2*time.Minute, reaper.WithClock(clk.Now), reaper.WithPublisher(broker))
	rec := metrics.NewRecorder(s, time.Hour, 0, metrics.WithClock(clk.Now))

	cfg := &config.Config{Version: "test", Auth: config.AuthConfig{AdminKeys: adminKeys}}
	h := handlers.New(reg, rp, rec, broker)
	return &testServer{handler: api.NewRouter(cfg, h, s), clock: clk}
}

func (ts *testServer) do(t *testing.T, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

type registered struct {
	ID      string `json:"id"`
	Secret  string `json:"secret"`
	Message string `json:"message"`
}

func (ts *testServer) register(t *testing.T, name string) registered {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/agents/register", "", map[string]string{"name": name, "type": "code"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out registered
	decode(t, w, &out)
	return out
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = ts.do(t, http.MethodGet, "/version", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)
}

func TestRegisterAgent(t *testing.T) {
	ts := newTestServer(t)

	out := ts.register(t, "Bot1")
	assert.NotEmpty(t, out.ID)
	assert.Len(t, out.Secret, 64)
	assert.Equal(t, "Agent registered successfully", out.Message)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing name", map[string]string{"type": "code"}},
		{"blank name", map[string]string{"name": "  ", "type": "code"}},
		{"unknown type", map[string]string{"name": "x", "type": "robot"}},
		{"malformed", `{"name":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/agents/register", "", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestHeartbeatAuth(t *testing.T) {
	ts := newTestServer(t)
	a := ts.register(t, "Bot1")
	other := ts.register(t, "Bot2")
	body := map[string]interface{}{"status": "working", "currentTask": "Reading files", "progress": 20}

	tests := []struct {
		name string
		id   string
		key  string
		want int
	}{
		{"no key", a.ID, "", http.StatusUnauthorized},
		{"wrong key", a.ID, "nope", http.StatusForbidden},
		{"someone else's key", a.ID, other.Secret, http.StatusForbidden},
		{"unknown agent", "missing", a.Secret, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/agents/"+tt.id+"/heartbeat", tt.key, body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	// Nothing above may have touched the agent.
	w := ts.do(t, http.MethodGet, "/api/v1/agents/"+a.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agent models.Agent
	decode(t, w, &agent)
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
}

func TestSecretCheckedBeforeBody(t *testing.T) {
	ts := newTestServer(t)
	a := ts.register(t, "Bot1")
	const malformed = `{"status": "working",`

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"heartbeat no key", "/heartbeat", "", http.StatusUnauthorized},
		{"heartbeat wrong key", "/heartbeat", "nope", http.StatusForbidden},
		{"heartbeat right key", "/heartbeat", a.Secret, http.StatusBadRequest},
		{"task no key", "/tasks", "", http.StatusUnauthorized},
		{"task wrong key", "/tasks", "nope", http.StatusForbidden},
		{"task right key", "/tasks", a.Secret, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+tt.path, tt.key, malformed)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	a := ts.register(t, "Bot1")
	path := "/api/v1/agents/" + a.ID + "/heartbeat"

	ts.clock.Advance(5 * time.Second)
	w := ts.do(t, http.MethodPost, path, a.Secret, map[string]interface{}{"status": "working", "currentTask": "Reading files", "progress": 20})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Success   bool      `json:"success"`
		Timestamp time.Time `json:"timestamp"`
	}
	decode(t, w, &resp)
	assert.True(t, resp.Success)
	assert.True(t, resp.Timestamp.Equal(ts.clock.Now()))

	// An empty body is a pure liveness beat.
	w = ts.do(t, http.MethodPost, path, a.Secret, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for _, bad := range []interface{}{
		map[string]interface{}{"progress": 101},
		map[string]interface{}{"progress": -1},
		map[string]interface{}{"status": "sleeping"},
		`not json`,
	} {
		w = ts.do(t, http.MethodPost, path, a.Secret, bad)
		assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/agents/"+a.ID, "", nil)
	var agent models.Agent
	decode(t, w, &agent)
	assert.Equal(t, models.AgentStatusWorking, agent.Status)
	require.NotNil(t, agent.CurrentTask)
	assert.Equal(t, "Reading files", *agent.CurrentTask)
	assert.Equal(t, 20, agent.Progress)
}

func TestCreateTask(t *testing.T) {
	ts := newTestServer(t)
	a := ts.register(t, "Bot1")
	path := "/api/v1/agents/" + a.ID + "/tasks"

	w := ts.do(t, http.MethodPost, path, a.Secret, map[string]string{"description": "index repo"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Task models.Task `json:"task"`
	}
	decode(t, w, &out)
	assert.Equal(t, models.PriorityMedium, out.Task.Priority)
	assert.Equal(t, models.TaskStatusPending, out.Task.Status)

	w = ts.do(t, http.MethodPost, path, "", map[string]string{"description": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = ts.do(t, http.MethodPost, path, a.Secret, map[string]string{"description": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, path, a.Secret, map[string]string{"description": "x", "priority": "urgent"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAgentsAndActivity(t *testing.T) {
	ts := newTestServer(t)
	a := ts.register(t, "Bot1")
	ts.register(t, "Bot2")
	for i := 0; i < 3; i++ {
		ts.clock.Advance(time.Second)
		w := ts.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/heartbeat", a.Secret,
			map[string]interface{}{"status": "working", "currentTask": "step"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/agents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var overview models.Overview
	decode(t, w, &overview)
	require.Len(t, overview.Agents, 2)
	assert.Equal(t, a.ID, overview.Agents[0].ID, "most recent heartbeat first")
	assert.Len(t, overview.Agents[0].Logs, 4)
	assert.NotContains(t, w.Body.String(), a.Secret)
	assert.Equal(t, models.Stats{Total: 2, Active: 1, Idle: 1}, overview.Stats)

	w = ts.do(t, http.MethodGet, "/api/v1/agents/"+a.ID+"/activity?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []models.ActivityLog
	decode(t, w, &logs)
	require.Len(t, logs, 2)
	assert.False(t, logs[0].Timestamp.Before(logs[1].Timestamp))

	w = ts.do(t, http.MethodGet, "/api/v1/agents/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/agents/missing/activity", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminSweep(t *testing.T) {
	ts := newTestServer(t, adminKey)
	a := ts.register(t, "Bot1")
	w := ts.do(t, http.MethodPost, "/api/v1/agents/"+a.ID+"/heartbeat", a.Secret, map[string]string{"status": "working"})
	require.Equal(t, http.StatusOK, w.Code)
	ts.clock.Advance(3 * time.Minute)

	w = ts.do(t, http.MethodPost, "/api/v1/admin/sweep", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/admin/sweep", "wrong", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/admin/sweep", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res models.SweepResult
	decode(t, w, &res)
	assert.Equal(t, []string{a.ID}, res.Marked)

	w = ts.do(t, http.MethodGet, "/api/v1/agents/"+a.ID, "", nil)
	var agent models.Agent
	decode(t, w, &agent)
	assert.Equal(t, models.AgentStatusError, agent.Status)
}

func TestAdminDisabledWithoutKeys(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/admin/sweep", "anything", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAgentTrends(t *testing.T) {
	ts := newTestServer(t, adminKey)
	ts.register(t, "Bot1")

	w := ts.do(t, http.MethodPost, "/api/v1/metrics/agent-trends", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/metrics/agent-trends", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/metrics/agent-trends?hours=6", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Metrics   []models.MetricSnapshot `json:"metrics"`
		TimeRange models.TimeRange        `json:"timeRange"`
	}
	decode(t, w, &out)
	require.Len(t, out.Metrics, 1)
	assert.Equal(t, 1, out.Metrics[0].TotalAgents)
	assert.Equal(t, 1, out.Metrics[0].IdleAgents)
	assert.Equal(t, 6, out.TimeRange.Hours)

	w = ts.do(t, http.MethodGet, "/api/v1/metrics/agent-trends", "", nil)
	decode(t, w, &out)
	assert.Equal(t, 24, out.TimeRange.Hours)
}

func TestActivityStream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/activity/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if line := lines.Text(); line != "" && !strings.HasPrefix(line, ":") {
				return line
			}
		}
		return ""
	}
	require.Equal(t, "event: connected", next())
	require.Equal(t, "data: {}", next())

	a := ts.register(t, "streamer")

	require.Equal(t, "event: activity", next())
	require.True(t, strings.HasPrefix(next(), "id: "))
	data := strings.TrimPrefix(next(), "data: ")
	var entry models.ActivityLog
	require.NoError(t, json.Unmarshal([]byte(data), &entry))
	assert.Equal(t, a.ID, entry.AgentID)
	assert.Equal(t, models.ActivityRegistration, entry.Type)
}

func TestActivityStreamBacklog(t *testing.T) {
	ts := newTestServer(t)
	first := ts.register(t, "early")
	second := ts.register(t, "second")

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/activity/stream?backlog=10", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if line := lines.Text(); line != "" && !strings.HasPrefix(line, ":") {
				return line
			}
		}
		return ""
	}
	nextEntry := func() models.ActivityLog {
		require.Equal(t, "event: activity", next())
		require.True(t, strings.HasPrefix(next(), "id: "))
		var entry models.ActivityLog
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(next(), "data: ")), &entry))
		return entry
	}
	require.Equal(t, "event: connected", next())
	require.Equal(t, "data: {}", next())

	// Replayed oldest first, then live entries follow.
	assert.Equal(t, first.ID, nextEntry().AgentID)
	assert.Equal(t, second.ID, nextEntry().AgentID)

	third := ts.register(t, "late")
	assert.Equal(t, third.ID, nextEntry().AgentID)
}
