package template

import (
	"encoding/json"
	"strings"

	"github.com/rendis/graphrun/pkg/schema"
)

// Filler produces the concrete submission payload from a workflow's template
// and the current parameter map. Fill has no side effects and is
// deterministic given (template, values).
type Filler struct {
	exprs *ExprEngine
}

// NewFiller creates a Filler with a fresh expression engine.
func NewFiller() *Filler {
	return &Filler{exprs: NewExprEngine()}
}

// Fill scans the template for ${param_id} tokens, substitutes each with the
// type-appropriate literal of its resolved value, and parses the result as a
// JSON document. A token resolves from the parameter map first, falling back
// to the parameter's declared default. Tokens of the form ${=expr} are
// evaluated as expressions over the parameter map instead of looked up.
//
// A token with no map entry and no declared default fails with
// UNRESOLVED_PARAMETER naming the token; substituting an empty string would
// silently corrupt the backend's request shape. Text that does not parse
// after substitution fails with TEMPLATE_PARSE_ERROR carrying the decode
// error.
func (f *Filler) Fill(def *schema.WorkflowDefinition, values map[string]schema.Value) (map[string]any, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeNoWorkflow, "no workflow definition")
	}

	text, err := f.substitute(def, values)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplateParse,
			"template is not valid JSON after substitution: %s", err.Error()).
			WithCause(err)
	}
	return payload, nil
}

func (f *Filler) substitute(def *schema.WorkflowDefinition, values map[string]schema.Value) (string, error) {
	tmpl := def.Template
	var out strings.Builder
	out.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${")
		if idx == -1 {
			out.WriteString(tmpl[i:])
			break
		}

		out.WriteString(tmpl[i : i+idx])
		start := i + idx + 2 // skip "${"

		end := strings.IndexByte(tmpl[start:], '}')
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeTemplateParse, "unclosed ${ token")
		}
		end += start

		token := strings.TrimSpace(tmpl[start:end])
		if token == "" {
			return "", schema.NewError(schema.ErrCodeTemplateParse, "empty ${} token")
		}

		value, err := f.resolve(token, def, values)
		if err != nil {
			return "", err
		}
		out.WriteString(value.Literal())

		i = end + 1 // skip "}"
	}

	return out.String(), nil
}

// resolve produces the Value for a single token.
func (f *Filler) resolve(token string, def *schema.WorkflowDefinition, values map[string]schema.Value) (schema.Value, error) {
	if expr, ok := strings.CutPrefix(token, "="); ok {
		out, err := f.exprs.Evaluate(strings.TrimSpace(expr), nativeEnv(values))
		if err != nil {
			return schema.Null(), err
		}
		return schema.FromNative(out), nil
	}

	if v, ok := values[token]; ok {
		return v, nil
	}
	if decl := def.Decl(token); decl != nil && decl.Default != nil {
		return *decl.Default, nil
	}

	return schema.Null(), schema.NewErrorf(schema.ErrCodeUnresolvedParam,
		"template references %q but no value or default is set", token).
		WithParam(token)
}

// Tokens returns the parameter ids referenced by plain ${...} tokens in the
// template, in order of first appearance. Expression tokens are skipped.
func Tokens(tmpl string) []string {
	var ids []string
	seen := make(map[string]bool)

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${")
		if idx == -1 {
			break
		}
		start := i + idx + 2
		end := strings.IndexByte(tmpl[start:], '}')
		if end == -1 {
			break
		}
		end += start

		token := strings.TrimSpace(tmpl[start:end])
		if token != "" && !strings.HasPrefix(token, "=") && !seen[token] {
			seen[token] = true
			ids = append(ids, token)
		}
		i = end + 1
	}
	return ids
}

func nativeEnv(values map[string]schema.Value) map[string]any {
	env := make(map[string]any, len(values))
	for k, v := range values {
		env[k] = v.Native()
	}
	return env
}
