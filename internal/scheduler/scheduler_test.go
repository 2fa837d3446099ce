package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu        sync.Mutex
	templates map[string]*store.WorkflowTemplate
	runs      []*store.WorkflowRun
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{templates: make(map[string]*store.WorkflowTemplate)}
}

func (m *mockSchedulerStore) ListDueTemplates(_ context.Context, now time.Time) ([]*store.WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*store.WorkflowTemplate
	for _, tpl := range m.templates {
		if tpl.DeletedAt != nil || !tpl.ScheduleActive || tpl.NextRunAt == nil {
			continue
		}
		if tpl.NextRunAt.After(now) {
			continue
		}
		cp := *tpl
		due = append(due, &cp)
	}
	return due, nil
}

func (m *mockSchedulerStore) UpdateTemplate(_ context.Context, id string, update store.TemplateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	if update.ScheduleActive != nil {
		tpl.ScheduleActive = *update.ScheduleActive
	}
	if update.LastRunAt != nil {
		tpl.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		tpl.NextRunAt = update.NextRunAt
	}
	return nil
}

func (m *mockSchedulerStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.WorkflowRun
	for _, r := range m.runs {
		if filter.TemplateID != "" && r.TemplateID != filter.TemplateID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, s := range filter.Statuses {
				if r.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		result = append(result, r)
	}
	return result, nil
}

func (m *mockSchedulerStore) template(id string) store.WorkflowTemplate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.templates[id]
}

// mockRunner records StartRun calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []string // template IDs
}

func (m *mockRunner) StartRun(_ context.Context, templateID, _, triggeredBy string) (*store.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, templateID)
	return &store.WorkflowRun{ID: "run-" + templateID, TemplateID: templateID, TriggeredBy: triggeredBy}, nil
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testScheduler(st *mockSchedulerStore, runner *mockRunner) (*Scheduler, *WorkerPool) {
	pool := NewWorkerPool(2)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScheduler(st, runner, pool, logger), pool
}

func weeklyTemplate(id string, nextRunAt time.Time) *store.WorkflowTemplate {
	monday := int(time.Monday)
	return &store.WorkflowTemplate{
		ID:             id,
		AccountID:      "acct-1",
		Name:           "weekly digest",
		Steps:          []schema.StepDef{{ID: "s1", Type: schema.StepTypeAgentTask, Title: "digest", Prompt: "p"}},
		Schedule:       &schema.Schedule{Type: schema.ScheduleWeekly, Hour: 9, DayOfWeek: &monday},
		ScheduleActive: true,
		NextRunAt:      &nextRunAt,
	}
}

func TestTickStartsDueTemplate(t *testing.T) {
	st := newMockSchedulerStore()
	past := time.Now().UTC().Add(-time.Minute)
	st.templates["tpl-1"] = weeklyTemplate("tpl-1", past)

	runner := &mockRunner{}
	sched, pool := testScheduler(st, runner)

	sched.Tick(context.Background())
	pool.Wait()

	assert.Equal(t, []string{"tpl-1"}, runner.calls)
	tpl := st.template("tpl-1")
	require.NotNil(t, tpl.LastRunAt)
	require.NotNil(t, tpl.NextRunAt)
	assert.True(t, tpl.NextRunAt.After(time.Now().UTC()))
}

func TestTickFiresOnlyOncePerOccurrence(t *testing.T) {
	st := newMockSchedulerStore()
	past := time.Now().UTC().Add(-time.Minute)
	st.templates["tpl-1"] = weeklyTemplate("tpl-1", past)

	runner := &mockRunner{}
	sched, pool := testScheduler(st, runner)

	// Several ticks inside the same window: next_run_at moved past now
	// after the first fire, so the rest are no-ops.
	for i := 0; i < 5; i++ {
		sched.Tick(context.Background())
		pool.Wait()
	}

	assert.Equal(t, 1, runner.callCount())
}

func TestTickSkipsNotYetDue(t *testing.T) {
	st := newMockSchedulerStore()
	future := time.Now().UTC().Add(time.Hour)
	st.templates["tpl-1"] = weeklyTemplate("tpl-1", future)

	runner := &mockRunner{}
	sched, pool := testScheduler(st, runner)

	sched.Tick(context.Background())
	pool.Wait()

	assert.Zero(t, runner.callCount())
}

func TestTickSuppressedWhileRunActive(t *testing.T) {
	st := newMockSchedulerStore()
	past := time.Now().UTC().Add(-time.Minute)
	st.templates["tpl-1"] = weeklyTemplate("tpl-1", past)
	st.runs = []*store.WorkflowRun{{ID: "run-0", TemplateID: "tpl-1", Status: schema.RunStatusPaused}}

	runner := &mockRunner{}
	sched, pool := testScheduler(st, runner)

	sched.Tick(context.Background())
	pool.Wait()

	// No new run, but the occurrence is consumed: next_run_at advances and
	// no catch-up burst happens when the paused run finishes.
	assert.Zero(t, runner.callCount())
	tpl := st.template("tpl-1")
	assert.Nil(t, tpl.LastRunAt)
	require.NotNil(t, tpl.NextRunAt)
	assert.True(t, tpl.NextRunAt.After(time.Now().UTC()))
}

func TestTickOnceScheduleDeactivates(t *testing.T) {
	st := newMockSchedulerStore()
	past := time.Now().UTC().Add(-time.Minute)
	tpl := weeklyTemplate("tpl-1", past)
	tpl.Schedule = &schema.Schedule{Type: schema.ScheduleOnce, Hour: 9}
	st.templates["tpl-1"] = tpl

	runner := &mockRunner{}
	sched, pool := testScheduler(st, runner)

	sched.Tick(context.Background())
	pool.Wait()

	assert.Equal(t, 1, runner.callCount())
	assert.False(t, st.template("tpl-1").ScheduleActive)

	// Deactivated: never fires again.
	sched.Tick(context.Background())
	pool.Wait()
	assert.Equal(t, 1, runner.callCount())
}

func TestSchedulerStartStop(t *testing.T) {
	st := newMockSchedulerStore()
	runner := &mockRunner{}
	sched, _ := testScheduler(st, runner)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())

	// Stop is idempotent and Start works again after Stop.
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())
}
