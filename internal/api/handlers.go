package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/liftoffhq/runway/internal/scheduler"
	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

// templateView decorates a template with its human-readable schedule label.
type templateView struct {
	*store.WorkflowTemplate
	ScheduleLabel string `json:"schedule_label,omitempty"`
}

func viewOf(tpl *store.WorkflowTemplate) templateView {
	return templateView{
		WorkflowTemplate: tpl,
		ScheduleLabel:    scheduler.Describe(tpl.Schedule),
	}
}

// handleCreateTemplate validates and stores a new workflow template. When
// the template ships with an active schedule its first next_run_at is
// computed immediately.
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var tpl store.WorkflowTemplate
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	now := time.Now().UTC()
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	tpl.DeletedAt = nil
	tpl.LastRunAt = nil
	tpl.NextRunAt = nil

	if err := s.deps.Validator.ValidateTemplate(&tpl); err != nil {
		writeError(w, err)
		return
	}

	if tpl.Schedule != nil && tpl.Schedule.Type != schema.ScheduleNone && tpl.ScheduleActive {
		next, err := scheduler.NextRun(tpl.Schedule, now)
		if err != nil {
			writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule: %s", err.Error()))
			return
		}
		tpl.NextRunAt = &next
	} else {
		tpl.ScheduleActive = false
	}

	if err := s.deps.Store.CreateTemplate(ctx, &tpl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(&tpl))
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Store.ListTemplates(r.Context(), store.TemplateFilter{
		AccountID: r.URL.Query().Get("account_id"),
		Limit:     queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]templateView, 0, len(templates))
	for _, tpl := range templates {
		views = append(views, viewOf(tpl))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.deps.Store.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tpl.DeletedAt != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not found", tpl.ID))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(tpl))
}

// handleUpdateTemplate applies a partial update. Edits never touch runs in
// flight: they keep executing their snapshot. A schedule change recomputes
// next_run_at from now.
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var update store.TemplateUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	tpl, err := s.deps.Store.GetTemplate(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if tpl.DeletedAt != nil {
		writeError(w, schema.NewErrorf(schema.ErrCodeTemplateNotFound, "template %q not found", id))
		return
	}

	// Validate the template as it would look after the update.
	merged := *tpl
	if update.Name != nil {
		merged.Name = *update.Name
	}
	if update.Steps != nil {
		merged.Steps = update.Steps
	}
	if update.Schedule != nil {
		merged.Schedule = update.Schedule
	}
	if update.ScheduleActive != nil {
		merged.ScheduleActive = *update.ScheduleActive
	}
	if err := s.deps.Validator.ValidateTemplate(&merged); err != nil {
		writeError(w, err)
		return
	}

	if update.Schedule != nil || update.ScheduleActive != nil {
		if merged.Schedule != nil && merged.Schedule.Type != schema.ScheduleNone && merged.ScheduleActive {
			next, nrErr := scheduler.NextRun(merged.Schedule, time.Now().UTC())
			if nrErr != nil {
				writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "invalid schedule: %s", nrErr.Error()))
				return
			}
			update.NextRunAt = &next
		}
	}

	if err := s.deps.Store.UpdateTemplate(ctx, id, update); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.deps.Store.GetTemplate(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(updated))
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.SoftDeleteTemplate(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": r.PathValue("id")})
}

// handleStartRun triggers a manual run of a template.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	templateID := r.PathValue("id")

	var body struct {
		RequestedBy string `json:"requested_by"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	tpl, err := s.deps.Store.GetTemplate(ctx, templateID)
	if err != nil {
		writeError(w, err)
		return
	}

	triggeredBy := "user"
	if body.RequestedBy != "" {
		triggeredBy = "user:" + body.RequestedBy
	}

	run, err := s.deps.Engine.StartRun(ctx, templateID, tpl.AccountID, triggeredBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		AccountID:  r.URL.Query().Get("account_id"),
		TemplateID: r.URL.Query().Get("template_id"),
		Limit:      queryInt(r, "limit", 0),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []schema.RunStatus{schema.RunStatus(status)}
	} else if r.URL.Query().Get("active") == "true" {
		filter.Statuses = []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusPaused}
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleResolveGate submits a human response to a waiting gate.
func (s *Server) handleResolveGate(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var body struct {
		StepID          string   `json:"step_id"`
		Action          string   `json:"action"`
		SelectedOptions []string `json:"selected_options,omitempty"`
		InputText       string   `json:"input_text,omitempty"`
		RespondedBy     string   `json:"responded_by,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.StepID == "" {
		writeBadRequest(w, "step_id is required")
		return
	}

	resp := schema.GateResponse{
		Action:          schema.GateAction(body.Action),
		SelectedOptions: body.SelectedOptions,
		InputText:       body.InputText,
		RespondedBy:     body.RespondedBy,
		RespondedAt:     time.Now().UTC(),
	}
	if err := s.deps.Engine.ResolveGate(r.Context(), runID, body.StepID, resp); err != nil {
		writeError(w, err)
		return
	}

	run, err := s.deps.Engine.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.deps.Engine.CancelRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "run_id": runID})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var agent store.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if agent.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = store.AgentStatusActive
	}
	agent.CreatedAt = time.Now().UTC()

	if err := s.deps.Store.RegisterAgent(r.Context(), &agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Store.ListAgents(r.Context(), store.AgentFilter{
		AccountID: r.URL.Query().Get("account_id"),
		Status:    store.AgentStatus(r.URL.Query().Get("status")),
		Limit:     queryInt(r, "limit", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}
