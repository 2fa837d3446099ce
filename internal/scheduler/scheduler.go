package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

// RunStarter is the slice of the engine the scheduler needs. Satisfied by
// engine.Engine (avoids import cycle).
type RunStarter interface {
	StartRun(ctx context.Context, templateID, accountID, triggeredBy string) (*store.WorkflowRun, error)
}

// Scheduler polls the store for templates whose next_run_at has arrived and
// starts runs for them. A template with an active run is skipped for that
// occurrence; its next_run_at still advances, so a long-paused run never
// causes a burst of catch-up triggers when it finishes.
type Scheduler struct {
	store  store.Store
	runner RunStarter
	pool   *WorkerPool
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // template IDs currently triggering (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner RunStarter, pool *WorkerPool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		pool:     pool,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick triggers every template that is due at the time of the call.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueTemplates(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due templates", slog.String("error", err.Error()))
		return
	}

	for _, tpl := range due {
		if !s.tryAcquire(tpl.ID) {
			continue // previous tick still triggering this template (dedup)
		}
		tpl := tpl
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release(tpl.ID)
			if err := s.trigger(ctx, tpl, now); err != nil {
				s.logger.Error("failed to trigger scheduled run",
					slog.String("template_id", tpl.ID),
					slog.String("error", err.Error()),
				)
				return err
			}
			return nil
		})
		if err != nil {
			s.release(tpl.ID)
			s.logger.Error("failed to submit scheduled trigger",
				slog.String("template_id", tpl.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// trigger starts a run for a due template, unless one is already active,
// and advances the template's schedule bookkeeping either way.
func (s *Scheduler) trigger(ctx context.Context, tpl *store.WorkflowTemplate, now time.Time) error {
	active, err := s.store.ListRuns(ctx, store.RunFilter{
		TemplateID: tpl.ID,
		Statuses:   []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusPaused},
		Limit:      1,
	})
	if err != nil {
		return fmt.Errorf("check active runs for template %q: %w", tpl.ID, err)
	}

	if len(active) > 0 {
		s.logger.Info("scheduled trigger suppressed, run already active",
			slog.String("template_id", tpl.ID),
			slog.String("active_run_id", active[0].ID),
		)
		return s.advance(ctx, tpl, now, false)
	}

	run, err := s.runner.StartRun(ctx, tpl.ID, tpl.AccountID, "scheduler")
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			slog.String("template_id", tpl.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled run started",
			slog.String("template_id", tpl.ID),
			slog.String("run_id", run.ID),
		)
	}
	return s.advance(ctx, tpl, now, true)
}

// advance records the occurrence and computes the next one. A once schedule
// is deactivated after its single occurrence.
func (s *Scheduler) advance(ctx context.Context, tpl *store.WorkflowTemplate, now time.Time, fired bool) error {
	update := store.TemplateUpdate{}
	if fired {
		update.LastRunAt = &now
	}

	if tpl.Schedule != nil && tpl.Schedule.Type == schema.ScheduleOnce {
		inactive := false
		update.ScheduleActive = &inactive
	} else {
		next, err := NextRun(tpl.Schedule, now)
		if err != nil {
			return fmt.Errorf("compute next run for template %q: %w", tpl.ID, err)
		}
		update.NextRunAt = &next
	}

	return s.store.UpdateTemplate(ctx, tpl.ID, update)
}

// tryAcquire returns true and marks the template as in-flight if it is not
// already being triggered.
func (s *Scheduler) tryAcquire(templateID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[templateID]; ok {
		return false
	}
	s.inflight[templateID] = struct{}{}
	return true
}

func (s *Scheduler) release(templateID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, templateID)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
