package engine

import (
	"encoding/json"

	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

// StepOutput pairs a snapshot step with its recorded result, in snapshot order.
type StepOutput struct {
	Step   schema.StepDef
	Result *store.StepResult
}

// RunContext is the accumulated input context for a step: the outputs of all
// prior completed steps plus any gate responses, keyed by stable step id.
// Every step can read forward everything upstream, not just its immediate
// predecessor.
type RunContext struct {
	Run   *store.WorkflowRun
	prior []StepOutput
}

// BuildRunContext collects the results of all steps before the run's current
// index. Steps without a recorded result are skipped.
func BuildRunContext(run *store.WorkflowRun) *RunContext {
	rc := &RunContext{Run: run}
	for i := 0; i < run.CurrentStepIndex && i < len(run.StepsSnapshot); i++ {
		step := run.StepsSnapshot[i]
		res := run.StepResults[step.ID]
		if res == nil {
			continue
		}
		rc.prior = append(rc.prior, StepOutput{Step: step, Result: res})
	}
	return rc
}

// Prior returns the upstream step outputs in snapshot order.
func (rc *RunContext) Prior() []StepOutput {
	return rc.prior
}

// Materialize renders the accumulated context as a plain JSON-capable map,
// keyed by step id. This is the shape handed to agent executors and jq
// queries:
//
//	{"<step-id>": {"title": ..., "type": ..., "output": ..., "gate_response": ...}}
func (rc *RunContext) Materialize() map[string]any {
	out := make(map[string]any, len(rc.prior))
	for _, so := range rc.prior {
		entry := map[string]any{
			"title": so.Step.Title,
			"type":  string(so.Step.Type),
		}
		if len(so.Result.Output) > 0 {
			var v any
			if err := json.Unmarshal(so.Result.Output, &v); err == nil {
				entry["output"] = v
			}
		}
		if so.Result.GateResponse != nil {
			gr := map[string]any{
				"action":       string(so.Result.GateResponse.Action),
				"responded_by": so.Result.GateResponse.RespondedBy,
			}
			if len(so.Result.GateResponse.SelectedOptions) > 0 {
				opts := make([]any, len(so.Result.GateResponse.SelectedOptions))
				for i, o := range so.Result.GateResponse.SelectedOptions {
					opts[i] = o
				}
				gr["selected_options"] = opts
			}
			if so.Result.GateResponse.InputText != "" {
				gr["input_text"] = so.Result.GateResponse.InputText
			}
			entry["gate_response"] = gr
		}
		out[so.Step.ID] = entry
	}
	return out
}

// cloneSteps deep-copies a step list via a JSON round trip so a run's
// snapshot shares nothing with the template it came from.
func cloneSteps(steps []schema.StepDef) ([]schema.StepDef, error) {
	data, err := json.Marshal(steps)
	if err != nil {
		return nil, err
	}
	var out []schema.StepDef
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
