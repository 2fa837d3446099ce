package streaming

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

// Appender persists run events. Satisfied by store.Store.
type Appender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Fanout is an Appender that writes each event to the durable log and then
// mirrors it onto the hub for live subscribers. The durable write is the
// source of truth: a hub publish failure is logged, never propagated.
type Fanout struct {
	store  Appender
	hub    EventHub
	logger *slog.Logger
}

// NewFanout wraps the given appender with live fan-out.
func NewFanout(s Appender, hub EventHub, logger *slog.Logger) *Fanout {
	return &Fanout{store: s, hub: hub, logger: logger}
}

func (f *Fanout) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := f.store.AppendEvent(ctx, event); err != nil {
		return err
	}

	stream := StreamEvent{
		RunID:     event.RunID,
		StepID:    event.StepID,
		EventType: event.Type,
	}
	if len(event.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(event.Payload, &payload); err == nil {
			stream.Payload = payload
		}
	}
	if err := f.hub.Publish(ctx, stream); err != nil {
		f.logger.Warn("publish stream event failed",
			slog.String("run_id", event.RunID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// HubNotifier surfaces opened gates to live subscribers. It carries enough
// of the gate definition for a UI to render the prompt without refetching
// the run.
type HubNotifier struct {
	hub    EventHub
	logger *slog.Logger
}

// NewHubNotifier creates a HubNotifier.
func NewHubNotifier(hub EventHub, logger *slog.Logger) *HubNotifier {
	return &HubNotifier{hub: hub, logger: logger}
}

func (n *HubNotifier) OnGateOpened(ctx context.Context, run *store.WorkflowRun, step schema.StepDef) {
	err := n.hub.Publish(ctx, StreamEvent{
		RunID:     run.ID,
		StepID:    step.ID,
		EventType: "gate_attention",
		Payload: map[string]any{
			"template_id":  run.TemplateID,
			"gate_type":    step.GateType,
			"gate_prompt":  step.GatePrompt,
			"gate_options": step.GateOptions,
			"step_title":   step.Title,
		},
	})
	if err != nil {
		n.logger.Warn("gate notification dropped",
			slog.String("run_id", run.ID),
			slog.String("step_id", step.ID),
			slog.String("error", err.Error()),
		)
	}
}
