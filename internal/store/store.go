package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Templates
	CreateTemplate(ctx context.Context, t *WorkflowTemplate) error
	GetTemplate(ctx context.Context, id string) (*WorkflowTemplate, error)
	UpdateTemplate(ctx context.Context, id string, update TemplateUpdate) error
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*WorkflowTemplate, error)
	SoftDeleteTemplate(ctx context.Context, id string) error
	// ListDueTemplates returns non-deleted templates with an active schedule
	// whose next_run_at is at or before now.
	ListDueTemplates(ctx context.Context, now time.Time) ([]*WorkflowTemplate, error)

	// Runs. SaveRun applies the whole mutable run state with an optimistic
	// version check: the write fails with CONCURRENT_MODIFICATION when the
	// stored version no longer equals expectedVersion. On success the run's
	// Version is advanced.
	CreateRun(ctx context.Context, r *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	SaveRun(ctx context.Context, r *WorkflowRun, expectedVersion int64) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)

	// Event log (append-only, per-run monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Agents
	RegisterAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
