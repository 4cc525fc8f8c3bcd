// Package registry owns agent identity and liveness state: registration,
// authenticated heartbeats, task creation and the dashboard read model.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/agentwatch/internal/credentials"
	"github.com/agentoven/agentwatch/internal/store"
	"github.com/agentoven/agentwatch/pkg/contracts"
	"github.com/agentoven/agentwatch/pkg/models"
)

const (
	// OverviewTasks and OverviewLogs bound the per-agent history in Overview.
	OverviewTasks = 5
	OverviewLogs  = 10
)

// Registration is what a new agent gets back. Secret is shown only once.
type Registration struct {
	Agent  models.Agent
	Secret string
}

// Registry is the agent registry service.
type Registry struct {
	store     store.Store
	verifier  *credentials.Verifier
	publisher contracts.ActivityPublisher
	now       func() time.Time
	tracer    trace.Tracer
}

type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPublisher sets where committed activity entries are sent.
func WithPublisher(p contracts.ActivityPublisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func New(s store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:    s,
		verifier: credentials.NewVerifier(s),
		now:      time.Now,
		tracer:   otel.Tracer("agentwatch/registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// timestamp returns the registry clock in UTC, truncated to what every
// store can round-trip.
func (r *Registry) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *Registry) publish(ctx context.Context, entry *models.ActivityLog) {
	if r.publisher == nil || entry == nil {
		return
	}
	if err := r.publisher.Publish(ctx, *entry); err != nil {
		log.Warn().Err(err).Str("agent", entry.AgentID).Str("type", string(entry.Type)).
			Msg("Failed to publish activity")
	}
}

// storageErr wraps store failures. Typed store errors the HTTP layer maps
// on its own pass through unchanged.
func storageErr(op string, err error) error {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func spanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Register creates an idle agent and returns its one-time secret.
func (r *Registry) Register(ctx context.Context, name string, agentType models.AgentType) (reg *Registration, err error) {
	ctx, span := r.tracer.Start(ctx, "registry.Register")
	defer func() { spanError(span, err); span.End() }()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name", "name is required")
	}
	if !agentType.Valid() {
		return nil, invalid("type", "unknown agent type %q", agentType)
	}

	secret, hash, err := credentials.Generate()
	if err != nil {
		return nil, &StorageError{Op: "generate key", Err: err}
	}

	now := r.timestamp()
	agent := models.Agent{
		ID:            uuid.New().String(),
		Name:          name,
		Type:          agentType,
		Status:        models.AgentStatusIdle,
		Progress:      0,
		StartedAt:     now,
		LastHeartbeat: now,
		KeyHash:       hash,
	}
	entry := &models.ActivityLog{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		Type:      models.ActivityRegistration,
		Message:   fmt.Sprintf("Agent %s registered", name),
		Timestamp: now,
	}
	span.SetAttributes(attribute.String("agent.id", agent.ID), attribute.String("agent.type", string(agentType)))

	if err := r.store.CreateAgent(ctx, &agent, entry); err != nil {
		return nil, storageErr("create agent", err)
	}
	r.publish(ctx, entry)

	log.Info().Str("agent", agent.ID).Str("name", name).Str("type", string(agentType)).Msg("Agent registered")
	return &Registration{Agent: agent, Secret: secret}, nil
}

// Authenticate checks secret before anything is read or written for id.
// It returns ErrUnauthorized for an unknown agent or a wrong secret.
func (r *Registry) Authenticate(ctx context.Context, id, secret string) error {
	ok, err := r.verifier.Verify(ctx, id, secret)
	if err != nil {
		return &StorageError{Op: "verify key", Err: err}
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func validateHeartbeat(u models.HeartbeatUpdate) error {
	if u.Status != nil && !u.Status.Valid() {
		return invalid("status", "unknown status %q", *u.Status)
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return invalid("progress", "must be between 0 and 100, got %d", *u.Progress)
	}
	return nil
}

// heartbeatEntry builds the activity entry a heartbeat appends, or nil.
func heartbeatEntry(id string, u models.HeartbeatUpdate, at time.Time) *models.ActivityLog {
	if !u.Changes() {
		return nil
	}
	entry := &models.ActivityLog{
		ID:        uuid.New().String(),
		AgentID:   id,
		Type:      models.ActivityUpdate,
		Timestamp: at,
	}
	if u.Status != nil && *u.Status == models.AgentStatusCompleted {
		entry.Type = models.ActivityCompletion
	}
	if u.CurrentTask != nil && *u.CurrentTask != "" {
		entry.Message = *u.CurrentTask
	} else {
		entry.Message = fmt.Sprintf("Status changed to %s", *u.Status)
	}
	return entry
}

// ApplyHeartbeat authenticates the agent, validates the update and applies
// it together with its activity entry in one atomic store call. It returns
// the stored last heartbeat, which never moves backwards.
func (r *Registry) ApplyHeartbeat(ctx context.Context, id, secret string, update models.HeartbeatUpdate) (last time.Time, err error) {
	ctx, span := r.tracer.Start(ctx, "registry.ApplyHeartbeat",
		trace.WithAttributes(attribute.String("agent.id", id)))
	defer func() { spanError(span, err); span.End() }()

	if err := r.Authenticate(ctx, id, secret); err != nil {
		return time.Time{}, err
	}
	if err := validateHeartbeat(update); err != nil {
		return time.Time{}, err
	}
	if update.Status != nil {
		span.SetAttributes(attribute.String("agent.status", string(*update.Status)))
	}

	now := r.timestamp()
	entry := heartbeatEntry(id, update, now)
	last, err = r.store.ApplyHeartbeat(ctx, id, update, now, entry)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			// Deleted between verification and write.
			return time.Time{}, ErrUnauthorized
		}
		return time.Time{}, storageErr("apply heartbeat", err)
	}
	r.publish(ctx, entry)

	log.Debug().Str("agent", id).Time("last_heartbeat", last).Msg("Heartbeat applied")
	return last, nil
}

// CreateTask queues a task against an agent, authenticated like a heartbeat.
func (r *Registry) CreateTask(ctx context.Context, id, secret, description string, priority models.Priority) (*models.Task, error) {
	if err := r.Authenticate(ctx, id, secret); err != nil {
		return nil, err
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, invalid("description", "description is required")
	}
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, invalid("priority", "unknown priority %q", priority)
	}

	now := r.timestamp()
	task := &models.Task{
		ID:          uuid.New().String(),
		AgentID:     id,
		Description: description,
		Status:      models.TaskStatusPending,
		Priority:    priority,
		StartedAt:   now,
	}
	entry := &models.ActivityLog{
		ID:        uuid.New().String(),
		AgentID:   id,
		Type:      models.ActivityTaskCreated,
		Message:   "Task created: " + description,
		Timestamp: now,
	}
	if err := r.store.CreateTask(ctx, task, entry); err != nil {
		return nil, storageErr("create task", err)
	}
	r.publish(ctx, entry)
	return task, nil
}

// Get returns a single agent or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*models.Agent, error) {
	a, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, storageErr("get agent", err)
	}
	return a, nil
}

// List returns all agents, most recent heartbeat first.
func (r *Registry) List(ctx context.Context) ([]models.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, storageErr("list agents", err)
	}
	return agents, nil
}

// Activity returns an agent's entries, newest first.
func (r *Registry) Activity(ctx context.Context, id string, limit int) ([]models.ActivityLog, error) {
	if _, err := r.store.GetAgent(ctx, id); err != nil {
		return nil, storageErr("get agent", err)
	}
	logs, err := r.store.ListActivity(ctx, id, limit)
	if err != nil {
		return nil, storageErr("list activity", err)
	}
	if logs == nil {
		logs = []models.ActivityLog{}
	}
	return logs, nil
}

// Overview builds the dashboard listing: every agent with its latest
// tasks and log entries, plus the status breakdown.
func (r *Registry) Overview(ctx context.Context) (*models.Overview, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	details := make([]models.AgentDetail, 0, len(agents))
	for _, a := range agents {
		tasks, err := r.store.ListTasks(ctx, a.ID, OverviewTasks)
		if err != nil {
			return nil, storageErr("list tasks", err)
		}
		logs, err := r.store.ListActivity(ctx, a.ID, OverviewLogs)
		if err != nil {
			return nil, storageErr("list activity", err)
		}
		if tasks == nil {
			tasks = []models.Task{}
		}
		if logs == nil {
			logs = []models.ActivityLog{}
		}
		details = append(details, models.AgentDetail{Agent: a, Tasks: tasks, Logs: logs})
	}

	counts, err := r.store.CountAgentsByStatus(ctx)
	if err != nil {
		return nil, storageErr("count agents", err)
	}

	return &models.Overview{
		Agents:    details,
		Stats:     models.StatsFromCounts(counts),
		Timestamp: r.timestamp(),
	}, nil
}
