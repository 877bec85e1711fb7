package schema

import "time"

// WorkflowDefinition is a named request template for the remote compute
// backend plus the declared parameter schema the user can adjust.
// Identity fields are immutable after load.
type WorkflowDefinition struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Template      string           `json:"template"`
	Parameters    []ParamDecl      `json:"parameters,omitempty"`
	DefaultValues map[string]Value `json:"default_values,omitempty"`
	CreatedAt     time.Time        `json:"created_at,omitzero"`
	UpdatedAt     time.Time        `json:"updated_at,omitzero"`
}

// ParamDecl declares a single user-adjustable parameter of a workflow.
type ParamDecl struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Type    ParamType `json:"type"`
	Default *Value    `json:"default,omitempty"`
	Values  []string  `json:"values,omitempty"` // required when Type is dropdown
	Min     *float64  `json:"min,omitempty"`
	Max     *float64  `json:"max,omitempty"`
	Group   string    `json:"group,omitempty"` // empty means ungrouped
}

// ParamType enumerates the kinds of workflow parameters.
type ParamType string

const (
	ParamTypeText      ParamType = "text"
	ParamTypeMultiline ParamType = "multiline"
	ParamTypeInteger   ParamType = "integer"
	ParamTypeDecimal   ParamType = "decimal"
	ParamTypeBoolean   ParamType = "boolean"
	ParamTypeDropdown  ParamType = "dropdown"
	ParamTypeColor     ParamType = "color"
	ParamTypeImage     ParamType = "image"
	ParamTypeModel     ParamType = "model"
)

// ParamTypes lists all valid parameter types.
var ParamTypes = []ParamType{
	ParamTypeText, ParamTypeMultiline, ParamTypeInteger, ParamTypeDecimal,
	ParamTypeBoolean, ParamTypeDropdown, ParamTypeColor, ParamTypeImage,
	ParamTypeModel,
}

// Decl returns the declaration for the given parameter id, or nil.
func (w *WorkflowDefinition) Decl(paramID string) *ParamDecl {
	for i := range w.Parameters {
		if w.Parameters[i].ID == paramID {
			return &w.Parameters[i]
		}
	}
	return nil
}
