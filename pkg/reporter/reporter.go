// Package reporter is the client a worker process embeds to report its
// liveness to an agentwatch server.
//
// After Register succeeds the reporter sends a liveness heartbeat on a
// fixed interval from a goroutine it owns, until Complete or Cleanup stops
// it. Heartbeat failures are logged and never returned, so a flaky network
// cannot take the worker down.
//
//	r := reporter.New("http://localhost:8080")
//	if err := r.Register(ctx, "indexer", models.AgentTypeData); err != nil { ... }
//	defer r.Cleanup()
//	r.UpdateTask(ctx, "Reading files", 20)
//	...
//	r.Complete(ctx)
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentwatch/pkg/models"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// ErrAlreadyRegistered is returned by a second Register on one reporter.
var ErrAlreadyRegistered = errors.New("reporter: agent already registered")

// Reporter reports one agent's state to the server.
type Reporter struct {
	baseURL  string
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	agentID string
	secret  string
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Reporter)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.client = c }
}

// WithInterval sets how often the background heartbeat fires.
func WithInterval(d time.Duration) Option {
	return func(r *Reporter) { r.interval = d }
}

// WithTimeout bounds every request the reporter makes.
func WithTimeout(d time.Duration) Option {
	return func(r *Reporter) { r.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// New creates a reporter for the server at baseURL (e.g. http://host:8080).
func New(baseURL string, opts ...Option) *Reporter {
	r := &Reporter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.interval <= 0 {
		r.interval = DefaultInterval
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: r.timeout}
	}
	return r
}

// ID returns the registered agent id, or "" before registration.
func (r *Reporter) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentID
}

type registerRequest struct {
	Name string           `json:"name"`
	Type models.AgentType `json:"type"`
}

type registerResponse struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register creates the agent on the server and starts the background
// heartbeat. Unlike every other method it returns its error.
func (r *Reporter) Register(ctx context.Context, name string, agentType models.AgentType) error {
	r.mu.Lock()
	registered := r.agentID != ""
	r.mu.Unlock()
	if registered {
		return ErrAlreadyRegistered
	}

	var out registerResponse
	if err := r.post(ctx, "/api/v1/agents/register", "", registerRequest{Name: name, Type: agentType}, &out); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	if out.ID == "" || out.Secret == "" {
		return fmt.Errorf("register %s: server returned no credentials", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agentID != "" {
		return ErrAlreadyRegistered
	}
	r.agentID = out.ID
	r.secret = out.Secret

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info().Str("agent", out.ID).Str("name", name).Msg("Agent registered")
	return nil
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Heartbeat(ctx, models.HeartbeatUpdate{})
		}
	}
}

// Heartbeat sends one heartbeat. Before registration it only logs.
func (r *Reporter) Heartbeat(ctx context.Context, update models.HeartbeatUpdate) {
	r.mu.Lock()
	id, secret := r.agentID, r.secret
	r.mu.Unlock()

	if id == "" {
		r.logger.Warn().Msg("Agent not registered, skipping heartbeat")
		return
	}
	if err := r.post(ctx, "/api/v1/agents/"+id+"/heartbeat", secret, update, nil); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		r.logger.Error().Err(err).Str("agent", id).Msg("Heartbeat failed")
	}
}

// UpdateTask reports work in progress.
func (r *Reporter) UpdateTask(ctx context.Context, task string, progress int) {
	status := models.AgentStatusWorking
	r.Heartbeat(ctx, models.HeartbeatUpdate{Status: &status, CurrentTask: &task, Progress: &progress})
}

// SetBlocked reports that the agent is waiting, with the reason as its task.
func (r *Reporter) SetBlocked(ctx context.Context, reason string) {
	status := models.AgentStatusBlocked
	r.Heartbeat(ctx, models.HeartbeatUpdate{Status: &status, CurrentTask: &reason})
}

// SetError reports a failure.
func (r *Reporter) SetError(ctx context.Context, msg string) {
	status := models.AgentStatusError
	r.Heartbeat(ctx, models.HeartbeatUpdate{Status: &status, CurrentTask: &msg})
}

// Complete reports completion and stops the background heartbeat.
func (r *Reporter) Complete(ctx context.Context) {
	status := models.AgentStatusCompleted
	r.Heartbeat(ctx, models.HeartbeatUpdate{Status: &status})
	r.stop()
}

// Cleanup stops the background heartbeat. Safe to call more than once and
// before Register.
func (r *Reporter) Cleanup() {
	r.stop()
}

func (r *Reporter) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reporter) post(ctx context.Context, path, secret string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-API-Key", secret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
