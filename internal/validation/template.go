package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/liftoffhq/runway/internal/store"
	"github.com/liftoffhq/runway/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for WorkflowTemplate validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://runway.dev/schemas/template.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "account_id": { "type": "string" },
    "name": {
      "type": "string",
      "minLength": 1,
      "maxLength": 200
    },
    "description": { "type": "string" },
    "icon": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "schedule": { "$ref": "#/$defs/schedule" },
    "schedule_active": { "type": "boolean" },
    "last_run_at": { "type": "string" },
    "next_run_at": { "type": "string" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" },
    "deleted_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type", "title"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["agent_task", "human_gate", "document_output"]
        },
        "title": {
          "type": "string",
          "minLength": 1
        },
        "description": { "type": "string" },
        "agent_id": { "type": "string" },
        "skill_id": { "type": "string" },
        "prompt": { "type": "string" },
        "gate_type": {
          "type": "string",
          "enum": ["approve", "select", "input"]
        },
        "gate_prompt": { "type": "string" },
        "gate_options": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "document_title": { "type": "string" },
        "content_query": { "type": "string" }
      },
      "additionalProperties": false
    },
    "schedule": {
      "type": "object",
      "required": ["type", "hour"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["none", "daily", "weekly", "monthly", "once"]
        },
        "hour": {
          "type": "integer",
          "minimum": 0,
          "maximum": 23
        },
        "minute": {
          "type": "integer",
          "minimum": 0,
          "maximum": 59
        },
        "day_of_week": {
          "type": "integer",
          "minimum": 0,
          "maximum": 6
        },
        "day_of_month": {
          "type": "integer",
          "minimum": 1,
          "maximum": 31
        }
      },
      "additionalProperties": false
    }
  }
}`

// TemplateValidator checks workflow templates before they are stored.
// Validation is two-layered: JSON Schema Draft 2020-12 for shape, then
// semantic checks for everything the schema cannot express. Safe for
// concurrent use.
type TemplateValidator struct {
	templateSchema *jsonschema.Schema
}

// NewTemplateValidator creates a TemplateValidator with the template schema
// pre-compiled.
func NewTemplateValidator() (*TemplateValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://runway.dev/schemas/template.json", doc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}

	compiled, err := c.Compile("https://runway.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &TemplateValidator{templateSchema: compiled}, nil
}

// ValidateTemplate validates a template against the JSON Schema and the
// semantic rules for steps and schedules.
func (v *TemplateValidator) ValidateTemplate(tpl *store.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "template is nil")
	}

	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize template").WithCause(err)
	}
	if err := v.templateSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	if err := validateSteps(tpl.Steps); err != nil {
		return err
	}
	return validateSchedule(tpl.Schedule)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// carrying the individual violations as details.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
