package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/liftoffhq/runway/internal/logging"
	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

// Engine is the workflow run engine facade. It is the only surface other
// subsystems call: the scheduler and the API both go through it.
type Engine interface {
	// StartRun snapshots the template's steps into a new run and executes
	// it until the first suspension point or a terminal state. A run whose
	// step fails is returned with status failed, not as an error.
	StartRun(ctx context.Context, templateID, accountID, triggeredBy string) (*store.WorkflowRun, error)

	// ResolveGate feeds a human response into a paused run and, unless the
	// gate was rejected, resumes execution until the next suspension point
	// or a terminal state.
	ResolveGate(ctx context.Context, runID, stepID string, resp schema.GateResponse) error

	// CancelRun stops a running or paused run. Side effects of already
	// completed steps are not rolled back.
	CancelRun(ctx context.Context, runID string) error

	// ListActiveRuns returns the account's runs that are running or paused.
	ListActiveRuns(ctx context.Context, accountID string) ([]*store.WorkflowRun, error)

	// GetRun returns the run with the given id.
	GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error)
}

// NotificationSink is notified when a gate opens. Delivery is best-effort:
// implementations must not block and their failures never affect the state
// transition that triggered the notification.
type NotificationSink interface {
	OnGateOpened(ctx context.Context, run *store.WorkflowRun, step schema.StepDef)
}

// NopSink is a NotificationSink that discards notifications.
type NopSink struct{}

func (NopSink) OnGateOpened(context.Context, *store.WorkflowRun, schema.StepDef) {}

type engineImpl struct {
	store    store.Store
	events   EventAppender
	registry *HandlerRegistry
	runFSM   *RunFSM
	stepFSM  *StepFSM
	sink     NotificationSink
	logger   *slog.Logger
}

// New creates an Engine. events may equal the store or wrap it to fan
// events out to live subscribers; sink may be nil.
func New(s store.Store, events EventAppender, registry *HandlerRegistry, sink NotificationSink, logger *slog.Logger) Engine {
	if events == nil {
		events = s
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &engineImpl{
		store:    s,
		events:   events,
		registry: registry,
		runFSM:   NewRunFSM(events),
		stepFSM:  NewStepFSM(events),
		sink:     sink,
		logger:   logger,
	}
}

func (e *engineImpl) StartRun(ctx context.Context, templateID, accountID, triggeredBy string) (*store.WorkflowRun, error) {
	tpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not found", templateID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load template: %s", err.Error()).WithCause(err)
	}
	if tpl.DeletedAt != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not found", templateID)
	}
	if len(tpl.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeEmptyTemplate, "template %q has no steps", templateID)
	}

	snapshot, cloneErr := cloneSteps(tpl.Steps)
	if cloneErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "snapshot template steps: %s", cloneErr.Error()).WithCause(cloneErr)
	}

	now := time.Now().UTC()
	run := &store.WorkflowRun{
		ID:            uuid.NewString(),
		TemplateID:    templateID,
		AccountID:     accountID,
		StepsSnapshot: snapshot,
		Status:        schema.RunStatusRunning,
		StepResults:   make(map[string]*store.StepResult, len(snapshot)),
		TriggeredBy:   triggeredBy,
		Version:       1,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	for _, step := range snapshot {
		run.StepResults[step.ID] = &store.StepResult{Status: schema.StepStatusPending}
	}

	ctx = logging.WithIDs(ctx, run.ID, "", accountID)

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}
	if err := e.events.AppendEvent(ctx, &store.Event{RunID: run.ID, Type: schema.EventRunStarted}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "emit run started: %s", err.Error()).WithCause(err)
	}

	e.logger.InfoContext(ctx, "run started",
		slog.String("template_id", templateID),
		slog.String("triggered_by", triggeredBy),
		slog.Int("steps", len(snapshot)),
	)

	if err := e.drive(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// drive executes steps sequentially from the run's current index until the
// run suspends on a gate or reaches a terminal state. Each state change is
// persisted with an optimistic version check, so a racing cancel or gate
// resolution surfaces as CONCURRENT_MODIFICATION instead of a lost update.
func (e *engineImpl) drive(ctx context.Context, run *store.WorkflowRun) error {
	for run.Status == schema.RunStatusRunning {
		step, ok := run.CurrentStep()
		if !ok {
			break
		}
		stepCtx := logging.WithStepID(ctx, step.ID)

		res := run.StepResults[step.ID]
		if res == nil {
			res = &store.StepResult{Status: schema.StepStatusPending}
			run.StepResults[step.ID] = res
		}

		if err := e.stepFSM.Transition(stepCtx, run.ID, step.ID, res.Status, schema.StepStatusRunning); err != nil {
			return err
		}
		started := time.Now().UTC()
		res.Status = schema.StepStatusRunning
		res.StartedAt = &started
		if err := e.save(stepCtx, run); err != nil {
			return err
		}

		outcome := e.executeStep(stepCtx, step, run)

		switch outcome.Kind {
		case OutcomeCompleted:
			if err := e.completeStep(stepCtx, run, step, res, outcome.Output); err != nil {
				return err
			}

		case OutcomeWaitingGate:
			if err := e.stepFSM.Transition(stepCtx, run.ID, step.ID, res.Status, schema.StepStatusWaitingGate); err != nil {
				return err
			}
			res.Status = schema.StepStatusWaitingGate
			if err := e.runFSM.Transition(stepCtx, run.ID, run.Status, schema.RunStatusPaused); err != nil {
				return err
			}
			run.Status = schema.RunStatusPaused
			if err := e.save(stepCtx, run); err != nil {
				return err
			}
			e.openGate(stepCtx, run, step)
			return nil

		case OutcomeFailed:
			return e.failRun(stepCtx, run, step, res, outcome.Err)
		}
	}
	return nil
}

// executeStep dispatches one step to its registered handler.
func (e *engineImpl) executeStep(ctx context.Context, step schema.StepDef, run *store.WorkflowRun) StepOutcome {
	handler, ok := e.registry.Resolve(step.Type)
	if !ok {
		return Failed(schema.NewErrorf(schema.ErrCodeValidation,
			"no handler registered for step type %q", step.Type).WithStep(step.ID))
	}
	return handler.Execute(ctx, step, BuildRunContext(run))
}

// completeStep records a step's success and advances the run: either to the
// next step or, past the final step, to completion.
func (e *engineImpl) completeStep(ctx context.Context, run *store.WorkflowRun, step schema.StepDef, res *store.StepResult, output json.RawMessage) error {
	if err := e.stepFSM.Transition(ctx, run.ID, step.ID, res.Status, schema.StepStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	res.Status = schema.StepStatusCompleted
	res.Output = output
	res.CompletedAt = &now

	if step.Type == schema.StepTypeDocumentOutput {
		e.appendEvent(ctx, run.ID, step.ID, schema.EventDocumentProduced, output)
	}

	if run.CurrentStepIndex+1 == len(run.StepsSnapshot) {
		if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusCompleted); err != nil {
			return err
		}
		run.Status = schema.RunStatusCompleted
		run.CurrentStepIndex = len(run.StepsSnapshot)
		run.CompletedAt = &now
		e.logger.InfoContext(ctx, "run completed")
	} else {
		run.CurrentStepIndex++
	}
	return e.save(ctx, run)
}

// failRun records a step failure and terminates the run. There is no
// auto-retry: recovery is a user-initiated new run of the same template.
func (e *engineImpl) failRun(ctx context.Context, run *store.WorkflowRun, step schema.StepDef, res *store.StepResult, stepErr *schema.EngineError) error {
	if err := e.stepFSM.Transition(ctx, run.ID, step.ID, res.Status, schema.StepStatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	res.Status = schema.StepStatusFailed
	res.CompletedAt = &now
	if data, err := json.Marshal(stepErr); err == nil {
		res.Error = data
		run.Error = data
	}

	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusFailed); err != nil {
		return err
	}
	run.Status = schema.RunStatusFailed
	run.CompletedAt = &now

	e.logger.WarnContext(ctx, "run failed",
		slog.String("failed_step", step.ID),
		slog.String("error", stepErr.Error()),
	)
	return e.save(ctx, run)
}

func (e *engineImpl) ResolveGate(ctx context.Context, runID, stepID string, resp schema.GateResponse) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, run.ID, stepID, run.AccountID)

	// Preconditions. Any mismatch rejects the call without touching run
	// state, which makes duplicate submissions safe.
	if run.Status != schema.RunStatusPaused {
		return schema.NewErrorf(schema.ErrCodeGateMismatch,
			"run is %s, not paused", run.Status)
	}
	step, ok := run.CurrentStep()
	if !ok || step.ID != stepID {
		return schema.NewErrorf(schema.ErrCodeGateMismatch,
			"step %q is not the run's current step", stepID).WithStep(stepID)
	}
	res := run.StepResults[step.ID]
	if res == nil || res.Status != schema.StepStatusWaitingGate {
		return schema.NewErrorf(schema.ErrCodeGateMismatch,
			"step %q is not waiting on a gate", stepID).WithStep(stepID)
	}

	if vErr := schema.ValidateGateResponse(step, resp); vErr != nil {
		return vErr
	}
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now().UTC()
	}
	res.GateResponse = &resp

	if resp.Action == schema.GateActionReject {
		e.appendGateEvent(ctx, run.ID, step.ID, schema.EventGateRejected, &resp)
		return e.failRun(ctx, run, step, res,
			schema.NewErrorf(schema.ErrCodeStepFailed, "gate rejected by %s", resp.RespondedBy).WithStep(step.ID))
	}

	e.appendGateEvent(ctx, run.ID, step.ID, schema.EventGateResolved, &resp)

	output, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal gate response: %s", marshalErr.Error()).WithCause(marshalErr)
	}

	// The run returns to running before the step advances; completing the
	// final step then follows the normal running -> completed transition.
	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusRunning); err != nil {
		return err
	}
	run.Status = schema.RunStatusRunning

	if err := e.completeStep(ctx, run, step, res, output); err != nil {
		return err
	}
	return e.drive(ctx, run)
}

func (e *engineImpl) CancelRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, run.ID, "", run.AccountID)

	if !run.Active() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot cancel run in status %s", run.Status)
	}
	if err := e.runFSM.Transition(ctx, run.ID, run.Status, schema.RunStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	run.Status = schema.RunStatusCancelled
	run.CompletedAt = &now

	if err := e.save(ctx, run); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "run cancelled")
	return nil
}

func (e *engineImpl) ListActiveRuns(ctx context.Context, accountID string) ([]*store.WorkflowRun, error) {
	return e.store.ListRuns(ctx, store.RunFilter{
		AccountID: accountID,
		Statuses:  []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusPaused},
	})
}

func (e *engineImpl) GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// save persists the run's mutable state under its optimistic version.
func (e *engineImpl) save(ctx context.Context, run *store.WorkflowRun) error {
	return e.store.SaveRun(ctx, run, run.Version)
}

// openGate notifies the sink that a gate wants human attention. Failures
// are logged and swallowed: the pause is already durable.
func (e *engineImpl) openGate(ctx context.Context, run *store.WorkflowRun, step schema.StepDef) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "notification sink panicked", slog.Any("panic", r))
		}
	}()
	e.appendGateEvent(ctx, run.ID, step.ID, schema.EventGateOpened, nil)
	e.sink.OnGateOpened(ctx, run, step)
}

func (e *engineImpl) appendGateEvent(ctx context.Context, runID, stepID, eventType string, resp *schema.GateResponse) {
	var payload json.RawMessage
	if resp != nil {
		if data, err := json.Marshal(resp); err == nil {
			payload = data
		}
	}
	e.appendEvent(ctx, runID, stepID, eventType, payload)
}

// appendEvent emits an informational event. These annotate the log next to
// the events the FSMs already emit; a failed append never fails the run.
func (e *engineImpl) appendEvent(ctx context.Context, runID, stepID, eventType string, payload json.RawMessage) {
	event := &store.Event{RunID: runID, StepID: stepID, Type: eventType, Payload: payload}
	if err := e.events.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "emit gate event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
