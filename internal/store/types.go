package store

import (
	"encoding/json"
	"time"

	"github.com/liftoffhq/runway/pkg/schema"
)

// WorkflowTemplate is a named, reusable process definition.
// Templates are soft-deleted: runs keep referencing them afterwards.
type WorkflowTemplate struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Icon           string           `json:"icon,omitempty"`
	Steps          []schema.StepDef `json:"steps"`
	Schedule       *schema.Schedule `json:"schedule,omitempty"`
	ScheduleActive bool             `json:"schedule_active"`
	LastRunAt      *time.Time       `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time       `json:"next_run_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`
}

// StepResult is the mutable execution state of one snapshot step,
// keyed by the step's stable id (never by array index).
type StepResult struct {
	Status       schema.StepStatus    `json:"status"`
	Output       json.RawMessage      `json:"output,omitempty"`
	GateResponse *schema.GateResponse `json:"gate_response,omitempty"`
	Error        json.RawMessage      `json:"error,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

// WorkflowRun is one execution instance of a template.
//
// StepsSnapshot is a deep copy of the template's steps taken at start time
// and never changes for the run's lifetime, even if the template is edited.
// CurrentStepIndex always indexes a valid snapshot position, or equals
// len(StepsSnapshot) exactly when the run completed.
type WorkflowRun struct {
	ID               string                 `json:"id"`
	TemplateID       string                 `json:"template_id"`
	AccountID        string                 `json:"account_id"`
	StepsSnapshot    []schema.StepDef       `json:"steps_snapshot"`
	Status           schema.RunStatus       `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	StepResults      map[string]*StepResult `json:"step_results"`
	TriggeredBy      string                 `json:"triggered_by"` // "scheduler" or "user:<id>"
	Error            json.RawMessage        `json:"error,omitempty"`
	Version          int64                  `json:"version"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// CurrentStep returns the snapshot step at the current index.
func (r *WorkflowRun) CurrentStep() (schema.StepDef, bool) {
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.StepsSnapshot) {
		return schema.StepDef{}, false
	}
	return r.StepsSnapshot[r.CurrentStepIndex], true
}

// Active reports whether the run still admits state transitions.
func (r *WorkflowRun) Active() bool {
	return r.Status == schema.RunStatusRunning || r.Status == schema.RunStatusPaused
}

// Event is an immutable entry in the run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// AgentStatus is the operational state of a registered agent.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusFailing AgentStatus = "failing"
)

// Agent is a registered autonomous agent that agent_task steps can target.
type Agent struct {
	ID         string      `json:"id"`
	AccountID  string      `json:"account_id"`
	Name       string      `json:"name"`
	Status     AgentStatus `json:"status"`
	Skills     []string    `json:"skills,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	LastSeenAt *time.Time  `json:"last_seen_at,omitempty"`
}

// HasSkill reports whether the agent can serve a step requiring skillID.
// An agent with no declared skills is considered general-purpose.
func (a *Agent) HasSkill(skillID string) bool {
	if skillID == "" || len(a.Skills) == 0 {
		return true
	}
	for _, s := range a.Skills {
		if s == skillID {
			return true
		}
	}
	return false
}

// --- Filter and update types ---

// TemplateFilter specifies criteria for listing templates.
// Soft-deleted templates are excluded unless IncludeDeleted is set.
type TemplateFilter struct {
	AccountID      string `json:"account_id,omitempty"`
	ScheduleActive *bool  `json:"schedule_active,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// TemplateUpdate specifies mutable fields of a template. Nil pointers and
// nil slices leave the stored value unchanged.
type TemplateUpdate struct {
	Name           *string          `json:"name,omitempty"`
	Description    *string          `json:"description,omitempty"`
	Icon           *string          `json:"icon,omitempty"`
	Steps          []schema.StepDef `json:"steps,omitempty"`
	Schedule       *schema.Schedule `json:"schedule,omitempty"`
	ScheduleActive *bool            `json:"schedule_active,omitempty"`
	LastRunAt      *time.Time       `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time       `json:"next_run_at,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	AccountID  string             `json:"account_id,omitempty"`
	TemplateID string             `json:"template_id,omitempty"`
	Statuses   []schema.RunStatus `json:"statuses,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// AgentFilter specifies criteria for listing agents.
type AgentFilter struct {
	AccountID string      `json:"account_id,omitempty"`
	Status    AgentStatus `json:"status,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}
