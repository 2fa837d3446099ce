package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoffhq/runway/internal/engine"
	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/internal/streaming"
	"github.com/liftoffhq/runway/internal/validation"
	"github.com/liftoffhq/runway/pkg/schema"
)

// mockAPIStore backs the handlers with in-memory maps. Unimplemented Store
// methods panic via the embedded interface.
type mockAPIStore struct {
	store.Store
	templates map[string]*store.WorkflowTemplate
	runs      map[string]*store.WorkflowRun
	agents    map[string]*store.Agent
	events    map[string][]*store.Event
}

func newMockAPIStore() *mockAPIStore {
	return &mockAPIStore{
		templates: make(map[string]*store.WorkflowTemplate),
		runs:      make(map[string]*store.WorkflowRun),
		agents:    make(map[string]*store.Agent),
		events:    make(map[string][]*store.Event),
	}
}

func (m *mockAPIStore) CreateTemplate(_ context.Context, t *store.WorkflowTemplate) error {
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *mockAPIStore) GetTemplate(_ context.Context, id string) (*store.WorkflowTemplate, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	cp := *t
	return &cp, nil
}

func (m *mockAPIStore) UpdateTemplate(_ context.Context, id string, update store.TemplateUpdate) error {
	t, ok := m.templates[id]
	if !ok || t.DeletedAt != nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	if update.Name != nil {
		t.Name = *update.Name
	}
	if update.Steps != nil {
		t.Steps = update.Steps
	}
	if update.Schedule != nil {
		t.Schedule = update.Schedule
	}
	if update.ScheduleActive != nil {
		t.ScheduleActive = *update.ScheduleActive
	}
	if update.NextRunAt != nil {
		t.NextRunAt = update.NextRunAt
	}
	return nil
}

func (m *mockAPIStore) ListTemplates(_ context.Context, filter store.TemplateFilter) ([]*store.WorkflowTemplate, error) {
	var out []*store.WorkflowTemplate
	for _, t := range m.templates {
		if t.DeletedAt != nil && !filter.IncludeDeleted {
			continue
		}
		if filter.AccountID != "" && t.AccountID != filter.AccountID {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *mockAPIStore) SoftDeleteTemplate(_ context.Context, id string) error {
	t, ok := m.templates[id]
	if !ok || t.DeletedAt != nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	now := time.Now().UTC()
	t.DeletedAt = &now
	t.ScheduleActive = false
	return nil
}

func (m *mockAPIStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.WorkflowRun, error) {
	var out []*store.WorkflowRun
	for _, r := range m.runs {
		if filter.TemplateID != "" && r.TemplateID != filter.TemplateID {
			continue
		}
		if len(filter.Statuses) > 0 {
			match := false
			for _, st := range filter.Statuses {
				if r.Status == st {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockAPIStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAPIStore) RegisterAgent(_ context.Context, a *store.Agent) error {
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *mockAPIStore) ListAgents(_ context.Context, filter store.AgentFilter) ([]*store.Agent, error) {
	var out []*store.Agent
	for _, a := range m.agents {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// fakeEngine lets each test script the engine's behavior.
type fakeEngine struct {
	startRun    func(ctx context.Context, templateID, accountID, triggeredBy string) (*store.WorkflowRun, error)
	resolveGate func(ctx context.Context, runID, stepID string, resp schema.GateResponse) error
	cancelRun   func(ctx context.Context, runID string) error
	getRun      func(ctx context.Context, runID string) (*store.WorkflowRun, error)
}

func (f *fakeEngine) StartRun(ctx context.Context, templateID, accountID, triggeredBy string) (*store.WorkflowRun, error) {
	return f.startRun(ctx, templateID, accountID, triggeredBy)
}

func (f *fakeEngine) ResolveGate(ctx context.Context, runID, stepID string, resp schema.GateResponse) error {
	return f.resolveGate(ctx, runID, stepID, resp)
}

func (f *fakeEngine) CancelRun(ctx context.Context, runID string) error {
	return f.cancelRun(ctx, runID)
}

func (f *fakeEngine) ListActiveRuns(context.Context, string) ([]*store.WorkflowRun, error) {
	return nil, nil
}

func (f *fakeEngine) GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error) {
	return f.getRun(ctx, runID)
}

var _ engine.Engine = (*fakeEngine)(nil)

type testAPI struct {
	server *Server
	store  *mockAPIStore
	engine *fakeEngine
	hub    *streaming.MemoryHub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	validator, err := validation.NewTemplateValidator()
	require.NoError(t, err)

	st := newMockAPIStore()
	eng := &fakeEngine{}
	hub := streaming.NewMemoryHub()
	srv := NewServer(":0", Deps{
		Store:     st,
		Engine:    eng,
		Validator: validator,
		Hub:       hub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &testAPI{server: srv, store: st, engine: eng, hub: hub}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func validTemplateBody() map[string]any {
	return map[string]any{
		"account_id": "acct-1",
		"name":       "weekly-report",
		"steps": []map[string]any{
			{"id": "research", "type": "agent_task", "title": "Research", "prompt": "gather updates"},
			{"id": "review", "type": "human_gate", "title": "Review", "gate_type": "approve"},
			{"id": "report", "type": "document_output", "title": "Report"},
		},
	}
}

// --- Template handlers ---

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTemplate(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "POST", "/api/templates", validTemplateBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[map[string]any](t, rec)
	id, _ := created["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, "weekly-report", created["name"])
	assert.Len(t, api.store.templates, 1)
}

func TestCreateTemplate_ValidationFailure(t *testing.T) {
	api := newTestAPI(t)

	body := validTemplateBody()
	body["steps"] = []map[string]any{
		{"id": "x", "type": "teleport", "title": "X"},
	}
	rec := api.do(t, "POST", "/api/templates", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, schema.ErrCodeValidation, resp["code"])
	assert.Empty(t, api.store.templates)
}

func TestCreateTemplate_InvalidJSON(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest("POST", "/api/templates", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	api.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTemplate_PrimesSchedule(t *testing.T) {
	api := newTestAPI(t)

	body := validTemplateBody()
	body["schedule"] = map[string]any{"type": "daily", "hour": 9}
	body["schedule_active"] = true
	rec := api.do(t, "POST", "/api/templates", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[map[string]any](t, rec)
	assert.Equal(t, "daily 9:00am", created["schedule_label"])
	id := created["id"].(string)
	stored := api.store.templates[id]
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(time.Now().Add(-time.Minute)))
}

func TestGetTemplate_SoftDeletedHidden(t *testing.T) {
	api := newTestAPI(t)
	now := time.Now().UTC()
	api.store.templates["t1"] = &store.WorkflowTemplate{ID: "t1", Name: "gone", DeletedAt: &now}

	rec := api.do(t, "GET", "/api/templates/t1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[map[string]any](t, rec)
	assert.Equal(t, schema.ErrCodeTemplateNotFound, resp["code"])
}

func TestUpdateTemplate(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "POST", "/api/templates", validTemplateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]any](t, rec)["id"].(string)

	rec = api.do(t, "PUT", "/api/templates/"+id, map[string]any{"name": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[map[string]any](t, rec)
	assert.Equal(t, "renamed", updated["name"])
}

func TestUpdateTemplate_RecomputesNextRun(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "POST", "/api/templates", validTemplateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]any](t, rec)["id"].(string)

	rec = api.do(t, "PUT", "/api/templates/"+id, map[string]any{
		"schedule":        map[string]any{"type": "daily", "hour": 6},
		"schedule_active": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, api.store.templates[id].NextRunAt)
}

func TestUpdateTemplate_InvalidStepsRejected(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "POST", "/api/templates", validTemplateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]any](t, rec)["id"].(string)

	rec = api.do(t, "PUT", "/api/templates/"+id, map[string]any{
		"steps": []map[string]any{
			{"id": "a", "type": "agent_task", "title": "A", "prompt": "x"},
			{"id": "a", "type": "agent_task", "title": "B", "prompt": "y"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "weekly-report", api.store.templates[id].Name)
}

func TestDeleteTemplate(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "POST", "/api/templates", validTemplateBody())
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[map[string]any](t, rec)["id"].(string)

	rec = api.do(t, "DELETE", "/api/templates/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, api.store.templates[id].DeletedAt)

	rec = api.do(t, "DELETE", "/api/templates/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Run handlers ---

func TestStartRun(t *testing.T) {
	api := newTestAPI(t)
	api.store.templates["t1"] = &store.WorkflowTemplate{ID: "t1", AccountID: "acct-1", Name: "r"}

	var gotTriggeredBy string
	api.engine.startRun = func(_ context.Context, templateID, accountID, triggeredBy string) (*store.WorkflowRun, error) {
		assert.Equal(t, "t1", templateID)
		assert.Equal(t, "acct-1", accountID)
		gotTriggeredBy = triggeredBy
		return &store.WorkflowRun{ID: "run-1", TemplateID: templateID, Status: schema.RunStatusCompleted}, nil
	}

	rec := api.do(t, "POST", "/api/templates/t1/run", map[string]any{"requested_by": "alex"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "user:alex", gotTriggeredBy)

	run := decode[map[string]any](t, rec)
	assert.Equal(t, "run-1", run["id"])
}

func TestStartRun_TemplateNotFound(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, "POST", "/api/templates/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns_ActiveFilter(t *testing.T) {
	api := newTestAPI(t)
	api.store.runs["r1"] = &store.WorkflowRun{ID: "r1", Status: schema.RunStatusRunning}
	api.store.runs["r2"] = &store.WorkflowRun{ID: "r2", Status: schema.RunStatusPaused}
	api.store.runs["r3"] = &store.WorkflowRun{ID: "r3", Status: schema.RunStatusCompleted}

	rec := api.do(t, "GET", "/api/runs?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]map[string]any](t, rec)
	assert.Len(t, runs, 2)

	rec = api.do(t, "GET", "/api/runs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs = decode[[]map[string]any](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0]["id"])
}

func TestGetRunEvents(t *testing.T) {
	api := newTestAPI(t)
	api.store.events["run-1"] = []*store.Event{
		{RunID: "run-1", Type: schema.EventRunStarted, Sequence: 1},
		{RunID: "run-1", Type: schema.EventRunCompleted, Sequence: 2},
	}

	rec := api.do(t, "GET", "/api/runs/run-1/events?since=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]map[string]any](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventRunCompleted, events[0]["event_type"])
}

func TestResolveGate(t *testing.T) {
	api := newTestAPI(t)

	var gotResp schema.GateResponse
	api.engine.resolveGate = func(_ context.Context, runID, stepID string, resp schema.GateResponse) error {
		assert.Equal(t, "run-1", runID)
		assert.Equal(t, "review", stepID)
		gotResp = resp
		return nil
	}
	api.engine.getRun = func(_ context.Context, runID string) (*store.WorkflowRun, error) {
		return &store.WorkflowRun{ID: runID, Status: schema.RunStatusCompleted}, nil
	}

	rec := api.do(t, "POST", "/api/runs/run-1/gate", map[string]any{
		"step_id":      "review",
		"action":       "approve",
		"responded_by": "alex",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, schema.GateActionApprove, gotResp.Action)
	assert.Equal(t, "alex", gotResp.RespondedBy)
	assert.False(t, gotResp.RespondedAt.IsZero())

	run := decode[map[string]any](t, rec)
	assert.Equal(t, string(schema.RunStatusCompleted), run["status"])
}

func TestResolveGate_MissingStepID(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, "POST", "/api/runs/run-1/gate", map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveGate_ErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"mismatch", schema.NewError(schema.ErrCodeGateMismatch, "gate already resolved"), http.StatusConflict},
		{"invalid response", schema.NewError(schema.ErrCodeInvalidGateResponse, "bad option"), http.StatusBadRequest},
		{"concurrent", schema.NewError(schema.ErrCodeConcurrentModification, "stale"), http.StatusConflict},
		{"not found", schema.NewError(schema.ErrCodeNotFound, "no run"), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newTestAPI(t)
			api.engine.resolveGate = func(context.Context, string, string, schema.GateResponse) error {
				return tc.err
			}
			rec := api.do(t, "POST", "/api/runs/run-1/gate", map[string]any{
				"step_id": "review",
				"action":  "approve",
			})
			assert.Equal(t, tc.want, rec.Code)
			resp := decode[map[string]any](t, rec)
			assert.Equal(t, schema.CodeOf(tc.err), resp["code"])
		})
	}
}

func TestCancelRun(t *testing.T) {
	api := newTestAPI(t)
	api.engine.cancelRun = func(_ context.Context, runID string) error {
		assert.Equal(t, "run-1", runID)
		return nil
	}

	rec := api.do(t, "POST", "/api/runs/run-1/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelRun_TerminalConflict(t *testing.T) {
	api := newTestAPI(t)
	api.engine.cancelRun = func(context.Context, string) error {
		return schema.NewError(schema.ErrCodeInvalidTransition, "run already completed")
	}

	rec := api.do(t, "POST", "/api/runs/run-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- Agent handlers ---

func TestRegisterAndListAgents(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, "POST", "/api/agents", map[string]any{
		"account_id": "acct-1",
		"name":       "researcher",
		"skills":     []string{"research"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	assert.NotEmpty(t, created["id"])
	assert.Equal(t, string(store.AgentStatusActive), created["status"])

	rec = api.do(t, "GET", "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode[[]map[string]any](t, rec)
	assert.Len(t, agents, 1)
}

func TestRegisterAgent_NameRequired(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, "POST", "/api/agents", map[string]any{"account_id": "acct-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- SSE ---

func TestSSERunStream(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.server.Handler())
	defer srv.Close()

	filtered, err := http.Get(srv.URL + "/sse/runs/" + uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", filtered.Header.Get("Content-Type"))
	filtered.Body.Close()

	resp, err := http.Get(srv.URL + "/sse/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Give the subscriber a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, api.hub.Publish(context.Background(), streaming.StreamEvent{
		RunID:     "run-1",
		StepID:    "review",
		EventType: schema.EventGateOpened,
		Payload:   map[string]any{"gate_type": "approve"},
	}))

	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("event: %s\n", schema.EventGateOpened), eventLine)

	dataLine, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dataLine, "data: "))

	var event streaming.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")), &event))
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, schema.EventGateOpened, event.EventType)
}
