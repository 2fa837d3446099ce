package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

func newValidator(t *testing.T) *TemplateValidator {
	t.Helper()
	v, err := NewTemplateValidator()
	require.NoError(t, err)
	return v
}

func validTemplate() *store.WorkflowTemplate {
	return &store.WorkflowTemplate{
		ID:        "tpl-1",
		AccountID: "acct-1",
		Name:      "weekly report",
		Steps: []schema.StepDef{
			{ID: "research", Type: schema.StepTypeAgentTask, Title: "Research", Prompt: "collect numbers"},
			{ID: "review", Type: schema.StepTypeHumanGate, Title: "Review", GateType: schema.GateTypeApprove},
			{ID: "report", Type: schema.StepTypeDocumentOutput, Title: "Report", ContentQuery: ".research.output"},
		},
	}
}

func TestValidateTemplateOK(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateTemplate(validTemplate()))
}

func TestValidateTemplateNil(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateTemplate(nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateTemplateShape(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name   string
		mutate func(*store.WorkflowTemplate)
	}{
		{"missing name", func(tpl *store.WorkflowTemplate) { tpl.Name = "" }},
		{"no steps", func(tpl *store.WorkflowTemplate) { tpl.Steps = nil }},
		{"step missing id", func(tpl *store.WorkflowTemplate) { tpl.Steps[0].ID = "" }},
		{"step missing title", func(tpl *store.WorkflowTemplate) { tpl.Steps[0].Title = "" }},
		{"unknown step type", func(tpl *store.WorkflowTemplate) { tpl.Steps[0].Type = "webhook" }},
		{"unknown gate type", func(tpl *store.WorkflowTemplate) { tpl.Steps[1].GateType = "vote" }},
		{"schedule hour out of range", func(tpl *store.WorkflowTemplate) {
			tpl.Schedule = &schema.Schedule{Type: schema.ScheduleDaily, Hour: 24}
		}},
		{"schedule minute out of range", func(tpl *store.WorkflowTemplate) {
			tpl.Schedule = &schema.Schedule{Type: schema.ScheduleDaily, Hour: 9, Minute: 60}
		}},
		{"day_of_month out of range", func(tpl *store.WorkflowTemplate) {
			day := 32
			tpl.Schedule = &schema.Schedule{Type: schema.ScheduleMonthly, Hour: 9, DayOfMonth: &day}
		}},
		{"day_of_week out of range", func(tpl *store.WorkflowTemplate) {
			day := 7
			tpl.Schedule = &schema.Schedule{Type: schema.ScheduleWeekly, Hour: 9, DayOfWeek: &day}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := validTemplate()
			tt.mutate(tpl)
			err := v.ValidateTemplate(tpl)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestValidateTemplateSemantics(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name   string
		mutate func(*store.WorkflowTemplate)
	}{
		{"duplicate step ids", func(tpl *store.WorkflowTemplate) { tpl.Steps[1].ID = tpl.Steps[0].ID }},
		{"agent_task without prompt", func(tpl *store.WorkflowTemplate) { tpl.Steps[0].Prompt = "  " }},
		{"agent_task with gate fields", func(tpl *store.WorkflowTemplate) { tpl.Steps[0].GateType = schema.GateTypeApprove }},
		{"human_gate without gate_type", func(tpl *store.WorkflowTemplate) { tpl.Steps[1].GateType = "" }},
		{"human_gate with agent fields", func(tpl *store.WorkflowTemplate) { tpl.Steps[1].Prompt = "p" }},
		{"approve gate with options", func(tpl *store.WorkflowTemplate) { tpl.Steps[1].GateOptions = []string{"a"} }},
		{"document_output with bad query", func(tpl *store.WorkflowTemplate) { tpl.Steps[2].ContentQuery = ".[" }},
		{"document_output with gate fields", func(tpl *store.WorkflowTemplate) { tpl.Steps[2].GateType = schema.GateTypeApprove }},
		{"weekly schedule without day", func(tpl *store.WorkflowTemplate) {
			tpl.Schedule = &schema.Schedule{Type: schema.ScheduleWeekly, Hour: 9}
		}},
		{"monthly schedule without day", func(tpl *store.WorkflowTemplate) {
			tpl.Schedule = &schema.Schedule{Type: schema.ScheduleMonthly, Hour: 9}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := validTemplate()
			tt.mutate(tpl)
			err := v.ValidateTemplate(tpl)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestValidateTemplateSelectGateWithoutOptions(t *testing.T) {
	v := newValidator(t)
	tpl := validTemplate()
	// Options sourced from upstream output are legal.
	tpl.Steps[1].GateType = schema.GateTypeSelect
	tpl.Steps[1].GateOptions = nil
	assert.NoError(t, v.ValidateTemplate(tpl))
}

func TestValidateTemplateSchedules(t *testing.T) {
	v := newValidator(t)
	monday := int(time.Monday)
	day := 31

	tests := []struct {
		name  string
		sched *schema.Schedule
	}{
		{"daily", &schema.Schedule{Type: schema.ScheduleDaily, Hour: 9}},
		{"weekly", &schema.Schedule{Type: schema.ScheduleWeekly, Hour: 9, DayOfWeek: &monday}},
		{"monthly", &schema.Schedule{Type: schema.ScheduleMonthly, Hour: 9, DayOfMonth: &day}},
		{"once", &schema.Schedule{Type: schema.ScheduleOnce, Hour: 17, Minute: 45}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := validTemplate()
			tpl.Schedule = tt.sched
			assert.NoError(t, v.ValidateTemplate(tpl))
		})
	}
}
