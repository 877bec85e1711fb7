// Package validation checks workflow definitions before they reach the
// engine: a JSON Schema pass for document shape, then semantic checks the
// schema cannot express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/graphrun/internal/params"
	"github.com/rendis/graphrun/internal/template"
	"github.com/rendis/graphrun/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://graphrun.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "template"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "template": { "type": "string", "minLength": 2 },
    "parameters": {
      "type": "array",
      "items": { "$ref": "#/$defs/parameter" }
    },
    "default_values": { "type": "object" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["id", "name", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["text", "multiline", "integer", "decimal", "boolean", "dropdown", "color", "image", "model"]
        },
        "default": {},
        "values": {
          "type": "array",
          "items": { "type": "string" }
        },
        "min": { "type": "number" },
        "max": { "type": "number" },
        "group": { "type": "string" }
      },
      "additionalProperties": false,
      "if": { "properties": { "type": { "const": "dropdown" } } },
      "then": { "required": ["id", "name", "type", "values"] }
    }
  }
}`

// Validator validates workflow definitions. Safe for concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator creates a Validator with the workflow schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://graphrun.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://graphrun.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{workflowSchema: compiled}, nil
}

// ValidateDefinition validates def against the workflow JSON Schema and the
// semantic rules: unique parameter ids, dropdown defaults contained in their
// value lists, min not above max, and every plain template token resolvable
// through a declared parameter, one of its aliases, a workflow default, or
// the core parameter floor.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toRunError(err)
	}

	if err := checkParameters(def); err != nil {
		return err
	}
	return checkTemplateTokens(def)
}

func checkParameters(def *schema.WorkflowDefinition) error {
	seen := make(map[string]struct{}, len(def.Parameters))
	for _, decl := range def.Parameters {
		if _, exists := seen[decl.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate parameter id %q", decl.ID).
				WithParam(decl.ID)
		}
		seen[decl.ID] = struct{}{}

		if decl.Min != nil && decl.Max != nil && *decl.Min > *decl.Max {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"min %v exceeds max %v", *decl.Min, *decl.Max).WithParam(decl.ID)
		}

		if decl.Type == schema.ParamTypeDropdown && decl.Default != nil && !decl.Default.IsNull() {
			defStr, ok := decl.Default.AsString()
			if !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"dropdown default must be a string, got %s", decl.Default.Literal()).WithParam(decl.ID)
			}
			if !contains(decl.Values, defStr) {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"default %q is not one of the dropdown values", defStr).WithParam(decl.ID)
			}
		}
	}
	return nil
}

func checkTemplateTokens(def *schema.WorkflowDefinition) error {
	for _, token := range template.Tokens(def.Template) {
		if !tokenResolvable(def, token) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"template token %q does not match any parameter", token).WithParam(token)
		}
	}
	return nil
}

func tokenResolvable(def *schema.WorkflowDefinition, token string) bool {
	if params.IsCoreKey(token) {
		return true
	}
	for _, alias := range params.Aliases(token) {
		if def.Decl(alias) != nil {
			return true
		}
		if _, ok := def.DefaultValues[alias]; ok {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toRunError converts a jsonschema.ValidationError into a RunError carrying
// every leaf violation.
func toRunError(err error) *schema.RunError {
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
