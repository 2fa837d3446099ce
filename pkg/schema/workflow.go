package schema

// StepType enumerates the kinds of steps in a workflow template.
// The set is closed: every type has exactly one handler in the engine.
type StepType string

const (
	StepTypeAgentTask      StepType = "agent_task"
	StepTypeHumanGate      StepType = "human_gate"
	StepTypeDocumentOutput StepType = "document_output"
)

// GateType enumerates the kinds of human gates.
type GateType string

const (
	GateTypeApprove GateType = "approve"
	GateTypeSelect  GateType = "select"
	GateTypeInput   GateType = "input"
)

// StepDef describes a single step in a workflow template.
// It is a tagged union on Type: only the field group matching the type is
// meaningful, the rest stay empty.
type StepDef struct {
	ID          string   `json:"id"`
	Type        StepType `json:"type"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`

	// agent_task
	AgentID string `json:"agent_id,omitempty"` // empty = auto-assign
	SkillID string `json:"skill_id,omitempty"`
	Prompt  string `json:"prompt,omitempty"`

	// human_gate
	GateType    GateType `json:"gate_type,omitempty"`
	GatePrompt  string   `json:"gate_prompt,omitempty"`
	GateOptions []string `json:"gate_options,omitempty"` // for gate_type=select

	// document_output
	DocumentTitle string `json:"document_title,omitempty"`
	ContentQuery  string `json:"content_query,omitempty"` // jq expression over accumulated context
}

// ScheduleType enumerates recurrence kinds for a template schedule.
type ScheduleType string

const (
	ScheduleNone    ScheduleType = "none"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
	ScheduleOnce    ScheduleType = "once"
)

// Schedule is a template's optional recurrence definition.
// DayOfWeek follows time.Weekday numbering (0 = Sunday).
// A monthly DayOfMonth past the end of a short month clamps to its last day.
type Schedule struct {
	Type       ScheduleType `json:"type"`
	Hour       int          `json:"hour"`
	Minute     int          `json:"minute,omitempty"`
	DayOfWeek  *int         `json:"day_of_week,omitempty"`
	DayOfMonth *int         `json:"day_of_month,omitempty"`
}
