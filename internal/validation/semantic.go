package validation

import (
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/liftoffhq/runway/pkg/schema"
)

// validateSteps enforces the per-type rules of the step union that JSON
// Schema cannot express: duplicate ids, tag-dependent required fields, and
// parseability of content queries.
func validateSteps(steps []schema.StepDef) error {
	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if _, exists := seen[step.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}

		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step schema.StepDef) error {
	switch step.Type {
	case schema.StepTypeAgentTask:
		if strings.TrimSpace(step.Prompt) == "" {
			return stepError(index, step, "agent_task step requires a prompt")
		}
		if len(step.GateOptions) > 0 || step.GateType != "" {
			return stepError(index, step, "agent_task step cannot carry gate fields")
		}

	case schema.StepTypeHumanGate:
		switch step.GateType {
		case schema.GateTypeApprove, schema.GateTypeInput:
			if len(step.GateOptions) > 0 {
				return stepError(index, step,
					fmt.Sprintf("%s gate cannot carry gate_options", step.GateType))
			}
		case schema.GateTypeSelect:
			// Options may be empty: the choices can come from an earlier
			// step's output at resolution time.
		case "":
			return stepError(index, step, "human_gate step requires a gate_type")
		default:
			return stepError(index, step,
				fmt.Sprintf("unknown gate_type %q", step.GateType))
		}
		if step.Prompt != "" || step.AgentID != "" || step.SkillID != "" {
			return stepError(index, step, "human_gate step cannot carry agent fields")
		}

	case schema.StepTypeDocumentOutput:
		if step.ContentQuery != "" {
			if _, err := gojq.Parse(step.ContentQuery); err != nil {
				return stepError(index, step,
					fmt.Sprintf("invalid content_query: %s", err.Error()))
			}
		}
		if step.GateType != "" || step.Prompt != "" {
			return stepError(index, step, "document_output step cannot carry agent or gate fields")
		}

	default:
		return stepError(index, step, fmt.Sprintf("unknown step type %q", step.Type))
	}
	return nil
}

// validateSchedule enforces the tag-dependent schedule fields.
func validateSchedule(sched *schema.Schedule) error {
	if sched == nil || sched.Type == schema.ScheduleNone {
		return nil
	}
	switch sched.Type {
	case schema.ScheduleWeekly:
		if sched.DayOfWeek == nil {
			return schema.NewError(schema.ErrCodeValidation,
				"weekly schedule requires day_of_week")
		}
	case schema.ScheduleMonthly:
		if sched.DayOfMonth == nil {
			return schema.NewError(schema.ErrCodeValidation,
				"monthly schedule requires day_of_month")
		}
	case schema.ScheduleDaily, schema.ScheduleOnce:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown schedule type %q", sched.Type)
	}
	return nil
}

func stepError(index int, step schema.StepDef, msg string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeValidation, "step %d: %s", index, msg).WithStep(step.ID)
}
