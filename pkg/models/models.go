// Package models holds the data types shared by the agentwatch registry,
// its HTTP API and the reporter client.
package models

import (
	"time"
)

// ── Agent ────────────────────────────────────────────────────

type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusWorking   AgentStatus = "working"
	AgentStatusBlocked   AgentStatus = "blocked"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusError     AgentStatus = "error"
)

// Valid reports whether s is one of the known agent statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusWorking, AgentStatusBlocked, AgentStatusCompleted, AgentStatusError:
		return true
	}
	return false
}

// Live reports whether an agent in this status is expected to keep
// sending heartbeats. Only live agents are candidates for the reaper.
func (s AgentStatus) Live() bool {
	return s == AgentStatusWorking || s == AgentStatusBlocked
}

type AgentType string

const (
	AgentTypeCode     AgentType = "code"
	AgentTypeResearch AgentType = "research"
	AgentTypeContent  AgentType = "content"
	AgentTypeData     AgentType = "data"
	AgentTypeTesting  AgentType = "testing"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeCode, AgentTypeResearch, AgentTypeContent, AgentTypeData, AgentTypeTesting:
		return true
	}
	return false
}

// Agent is a registered worker and its liveness state.
// The API key never leaves the store; only its digest is kept.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          AgentType   `json:"type"`
	Status        AgentStatus `json:"status"`
	CurrentTask   *string     `json:"currentTask"`
	Progress      int         `json:"progress"`
	StartedAt     time.Time   `json:"startedAt"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
	KeyHash       string      `json:"-"`
}

// HeartbeatUpdate carries the optional fields of a heartbeat. A nil field
// leaves the stored value untouched. An empty CurrentTask clears the task.
type HeartbeatUpdate struct {
	Status      *AgentStatus `json:"status,omitempty"`
	CurrentTask *string      `json:"currentTask,omitempty"`
	Progress    *int         `json:"progress,omitempty"`
}

// Changes reports whether the update sets a status or a non-empty task,
// which is what decides if an activity entry is written. Clearing the
// task alone is not logged.
func (u HeartbeatUpdate) Changes() bool {
	return u.Status != nil || (u.CurrentTask != nil && *u.CurrentTask != "")
}

// ── Activity Log ─────────────────────────────────────────────

type ActivityType string

const (
	ActivityRegistration ActivityType = "registration"
	ActivityUpdate       ActivityType = "update"
	ActivityCompletion   ActivityType = "completion"
	ActivityTaskCreated  ActivityType = "task_created"
	ActivityError        ActivityType = "error"
)

// ActivityLog is one append-only audit entry for an agent.
type ActivityLog struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"agentId"`
	Type      ActivityType `json:"type"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// ── Tasks ────────────────────────────────────────────────────

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Task is a unit of work queued against an agent.
type Task struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agentId"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// ── Dashboard ────────────────────────────────────────────────

// Stats is the status breakdown shown on the dashboard. Active counts
// agents in the working state.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Idle      int `json:"idle"`
	Blocked   int `json:"blocked"`
	Completed int `json:"completed"`
	Error     int `json:"error"`
}

// StatsFromCounts folds per-status counts into Stats.
func StatsFromCounts(counts map[AgentStatus]int) Stats {
	s := Stats{
		Active:    counts[AgentStatusWorking],
		Idle:      counts[AgentStatusIdle],
		Blocked:   counts[AgentStatusBlocked],
		Completed: counts[AgentStatusCompleted],
		Error:     counts[AgentStatusError],
	}
	for _, n := range counts {
		s.Total += n
	}
	return s
}

// AgentDetail is an agent with its most recent tasks and activity.
type AgentDetail struct {
	Agent
	Tasks []Task        `json:"tasks"`
	Logs  []ActivityLog `json:"logs"`
}

// Overview is the payload of the dashboard listing.
type Overview struct {
	Agents    []AgentDetail `json:"agents"`
	Stats     Stats         `json:"stats"`
	Timestamp time.Time     `json:"timestamp"`
}

// ── Metrics ──────────────────────────────────────────────────

// MetricSnapshot is a point-in-time count of agents per status.
type MetricSnapshot struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	TotalAgents     int       `json:"totalAgents"`
	WorkingAgents   int       `json:"workingAgents"`
	IdleAgents      int       `json:"idleAgents"`
	BlockedAgents   int       `json:"blockedAgents"`
	CompletedAgents int       `json:"completedAgents"`
	ErrorAgents     int       `json:"errorAgents"`
}

// TimeRange describes the window a trends query covered.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Hours int       `json:"hours"`
}

// ── Reaper ───────────────────────────────────────────────────

// SweepResult summarizes one reaper pass.
type SweepResult struct {
	Threshold time.Time `json:"threshold"`
	Checked   int       `json:"checked"`
	Marked    []string  `json:"marked"`
	Skipped   int       `json:"skipped"`
	Errors    []string  `json:"errors,omitempty"`
}
