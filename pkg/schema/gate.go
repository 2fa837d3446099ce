package schema

import (
	"strings"
	"time"
)

// GateAction enumerates the actions a human can take on a gate.
type GateAction string

const (
	GateActionApprove GateAction = "approve"
	GateActionReject  GateAction = "reject"
	GateActionSelect  GateAction = "select"
	GateActionInput   GateAction = "input"
)

// GateResponse is a human's answer to an open gate step.
type GateResponse struct {
	Action          GateAction `json:"action"`
	SelectedOptions []string   `json:"selected_options,omitempty"`
	InputText       string     `json:"input_text,omitempty"`
	RespondedBy     string     `json:"responded_by,omitempty"`
	RespondedAt     time.Time  `json:"responded_at"`
}

// ValidateGateResponse checks a response against the gate step it answers.
// A non-nil result means the response is rejected and no run state changes.
func ValidateGateResponse(step StepDef, resp GateResponse) *EngineError {
	switch step.GateType {
	case GateTypeApprove:
		if resp.Action != GateActionApprove && resp.Action != GateActionReject {
			return NewErrorf(ErrCodeInvalidGateResponse,
				"approve gate accepts approve or reject, got %q", resp.Action).WithStep(step.ID)
		}

	case GateTypeSelect:
		if resp.Action != GateActionSelect {
			return NewErrorf(ErrCodeInvalidGateResponse,
				"select gate accepts select, got %q", resp.Action).WithStep(step.ID)
		}
		if len(resp.SelectedOptions) == 0 {
			return NewError(ErrCodeInvalidGateResponse,
				"select gate requires at least one selected option").WithStep(step.ID)
		}
		// An empty option list means choices are sourced from upstream output,
		// so any non-empty selection is accepted.
		if len(step.GateOptions) > 0 {
			offered := make(map[string]struct{}, len(step.GateOptions))
			for _, o := range step.GateOptions {
				offered[o] = struct{}{}
			}
			for _, sel := range resp.SelectedOptions {
				if _, ok := offered[sel]; !ok {
					return NewErrorf(ErrCodeInvalidGateResponse,
						"option %q is not offered by this gate", sel).WithStep(step.ID)
				}
			}
		}

	case GateTypeInput:
		if resp.Action != GateActionInput {
			return NewErrorf(ErrCodeInvalidGateResponse,
				"input gate accepts input, got %q", resp.Action).WithStep(step.ID)
		}
		if strings.TrimSpace(resp.InputText) == "" {
			return NewError(ErrCodeInvalidGateResponse,
				"input gate requires non-empty input text").WithStep(step.ID)
		}

	default:
		return NewErrorf(ErrCodeInvalidGateResponse,
			"unknown gate type %q", step.GateType).WithStep(step.ID)
	}
	return nil
}
