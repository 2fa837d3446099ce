package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/itchyny/gojq"

	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

// OutcomeKind discriminates the possible results of executing one step.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeWaitingGate
	OutcomeFailed
)

// StepOutcome is the result of executing one step.
type StepOutcome struct {
	Kind   OutcomeKind
	Output json.RawMessage
	Err    *schema.EngineError
}

// Completed builds a successful outcome carrying the step's output payload.
func Completed(output json.RawMessage) StepOutcome {
	return StepOutcome{Kind: OutcomeCompleted, Output: output}
}

// WaitingGate builds the outcome that suspends the run until a human responds.
func WaitingGate() StepOutcome {
	return StepOutcome{Kind: OutcomeWaitingGate}
}

// Failed builds a failing outcome. Execution errors are terminal for the run.
func Failed(err *schema.EngineError) StepOutcome {
	return StepOutcome{Kind: OutcomeFailed, Err: err}
}

// StepHandler executes one step type. Handlers never mutate run state;
// they report an outcome and the engine applies it.
type StepHandler interface {
	Type() schema.StepType
	Execute(ctx context.Context, step schema.StepDef, runCtx *RunContext) StepOutcome
}

// HandlerRegistry maps each step type to its handler.
type HandlerRegistry struct {
	handlers map[schema.StepType]StepHandler
}

// NewHandlerRegistry builds a registry from the given handlers.
func NewHandlerRegistry(handlers ...StepHandler) *HandlerRegistry {
	r := &HandlerRegistry{handlers: make(map[schema.StepType]StepHandler, len(handlers))}
	for _, h := range handlers {
		r.handlers[h.Type()] = h
	}
	return r
}

// Resolve returns the handler for the given step type.
func (r *HandlerRegistry) Resolve(t schema.StepType) (StepHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// --- External collaborator contracts ---

// TaskRequest describes one agent task for the external execution subsystem.
type TaskRequest struct {
	AgentID string         `json:"agent_id"`
	SkillID string         `json:"skill_id,omitempty"`
	Prompt  string         `json:"prompt,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// TaskExecutor is the external agent-execution collaborator. From the
// engine's point of view Run is a blocking call that either returns the
// task's output or an error.
type TaskExecutor interface {
	Run(ctx context.Context, req TaskRequest) (json.RawMessage, error)
}

// --- agent_task ---

// AgentTaskHandler resolves the target agent and delegates execution to the
// external TaskExecutor.
type AgentTaskHandler struct {
	store    store.Store
	executor TaskExecutor
	logger   *slog.Logger
}

// NewAgentTaskHandler creates the handler for agent_task steps.
func NewAgentTaskHandler(s store.Store, executor TaskExecutor, logger *slog.Logger) *AgentTaskHandler {
	return &AgentTaskHandler{store: s, executor: executor, logger: logger}
}

func (h *AgentTaskHandler) Type() schema.StepType { return schema.StepTypeAgentTask }

func (h *AgentTaskHandler) Execute(ctx context.Context, step schema.StepDef, runCtx *RunContext) StepOutcome {
	agentID := step.AgentID
	if agentID == "" {
		picked, err := h.pickAgent(ctx, runCtx.Run.AccountID, step.SkillID)
		if err != nil {
			return Failed(err.WithStep(step.ID))
		}
		agentID = picked
	}

	h.logger.InfoContext(ctx, "dispatching agent task", slog.String("agent_id", agentID))

	output, err := h.executor.Run(ctx, TaskRequest{
		AgentID: agentID,
		SkillID: step.SkillID,
		Prompt:  step.Prompt,
		Context: runCtx.Materialize(),
	})
	if err != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeStepFailed,
			"agent task execution failed: %s", err.Error()).
			WithStep(step.ID).WithCause(err))
	}
	return Completed(output)
}

// pickAgent auto-assigns an active agent capable of the step.
func (h *AgentTaskHandler) pickAgent(ctx context.Context, accountID, skillID string) (string, *schema.EngineError) {
	agents, err := h.store.ListAgents(ctx, store.AgentFilter{
		AccountID: accountID,
		Status:    store.AgentStatusActive,
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "list agents: %s", err.Error()).WithCause(err)
	}
	for _, a := range agents {
		if a.HasSkill(skillID) {
			return a.ID, nil
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeNoEligibleAgent,
		"no eligible agent for account %q (skill %q)", accountID, skillID)
}

// --- human_gate ---

// HumanGateHandler suspends the run; a gate never completes on first
// dispatch. Resolution arrives later through Engine.ResolveGate.
type HumanGateHandler struct{}

// NewHumanGateHandler creates the handler for human_gate steps.
func NewHumanGateHandler() *HumanGateHandler { return &HumanGateHandler{} }

func (h *HumanGateHandler) Type() schema.StepType { return schema.StepTypeHumanGate }

func (h *HumanGateHandler) Execute(_ context.Context, _ schema.StepDef, _ *RunContext) StepOutcome {
	return WaitingGate()
}

// --- document_output ---

// DocumentOutputHandler synthesizes a document artifact from the accumulated
// context. It performs no external call; persisting the artifact is an
// external-collaborator concern.
type DocumentOutputHandler struct {
	logger *slog.Logger
}

// NewDocumentOutputHandler creates the handler for document_output steps.
func NewDocumentOutputHandler(logger *slog.Logger) *DocumentOutputHandler {
	return &DocumentOutputHandler{logger: logger}
}

func (h *DocumentOutputHandler) Type() schema.StepType { return schema.StepTypeDocumentOutput }

// documentArtifact is the output payload of a document_output step.
type documentArtifact struct {
	Title     string    `json:"document_title"`
	Content   any       `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *DocumentOutputHandler) Execute(ctx context.Context, step schema.StepDef, runCtx *RunContext) StepOutcome {
	now := time.Now().UTC()

	title := step.DocumentTitle
	if title == "" {
		title = fmt.Sprintf("%s - %s", step.Title, now.Format("2006-01-02"))
	}

	content, err := h.renderContent(ctx, step, runCtx)
	if err != nil {
		return Failed(err.WithStep(step.ID))
	}

	payload, marshalErr := json.Marshal(documentArtifact{
		Title:     title,
		Content:   content,
		CreatedAt: now,
	})
	if marshalErr != nil {
		return Failed(schema.NewErrorf(schema.ErrCodeStepFailed,
			"marshal document artifact: %s", marshalErr.Error()).WithStep(step.ID).WithCause(marshalErr))
	}

	h.logger.InfoContext(ctx, "document produced", slog.String("document_title", title))
	return Completed(payload)
}

// renderContent projects the accumulated context into the document body.
// With a content query the body is the jq projection's results; otherwise
// the full materialized context is used.
func (h *DocumentOutputHandler) renderContent(ctx context.Context, step schema.StepDef, runCtx *RunContext) (any, *schema.EngineError) {
	input := anyMap(runCtx.Materialize())
	if step.ContentQuery == "" {
		return input, nil
	}

	query, err := gojq.Parse(step.ContentQuery)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"invalid content query %q: %s", step.ContentQuery, err.Error()).WithCause(err)
	}

	var results []any
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if iterErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"content query failed: %s", iterErr.Error()).WithCause(iterErr)
		}
		results = append(results, v)
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// anyMap normalizes a materialized context for gojq, which requires plain
// map[string]any / []any / scalar values.
func anyMap(m map[string]any) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
