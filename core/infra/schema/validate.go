package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Violation is a single field-level schema violation.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the non-fatal outcome of validating a value against a shape.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// Error renders the violation list as a single message.
func (r *Result) Error() string {
	if r == nil || r.Valid {
		return ""
	}
	parts := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if v.Path != "" {
			parts = append(parts, v.Path+": "+v.Message)
		} else {
			parts = append(parts, v.Message)
		}
	}
	return strings.Join(parts, "; ")
}

// CompileShape checks that a declared shape is itself a well-formed JSON schema.
func CompileShape(shape map[string]any) error {
	_, err := compile(shape)
	return err
}

// Validate validates a value against an inline shape and returns a Result
// carrying field-level violations. Compile failures of the shape itself are
// reported as violations at the root path.
func Validate(shape map[string]any, value any) *Result {
	compiled, err := compile(shape)
	if err != nil {
		return &Result{Violations: []Violation{{Message: err.Error()}}}
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return &Result{Violations: []Violation{{Message: err.Error()}}}
	}
	if err := compiled.Validate(payload); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return &Result{Violations: flatten(ve)}
		}
		return &Result{Violations: []Violation{{Message: err.Error()}}}
	}
	return &Result{Valid: true}
}

func compile(shape map[string]any) (*jsonschema.Schema, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("shape is empty")
	}
	data, err := json.Marshal(shape)
	if err != nil {
		return nil, fmt.Errorf("marshal shape: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inmemory://shape", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add shape resource: %w", err)
	}
	compiled, err := compiler.Compile("inmemory://shape")
	if err != nil {
		return nil, fmt.Errorf("compile shape: %w", err)
	}
	return compiled, nil
}

func asValidationError(err error, out **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*out = ve
	return true
}

// flatten collects leaf causes so callers see one violation per failing field.
func flatten(ve *jsonschema.ValidationError) []Violation {
	if ve == nil {
		return nil
	}
	if len(ve.Causes) == 0 {
		return []Violation{{Path: pointerToPath(ve.InstanceLocation), Message: ve.Message}}
	}
	var out []Violation
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	case map[string]any, []any, string, bool, float64, int, int64:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("normalize payload: %w", err)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("normalize payload: %w", err)
		}
		return out, nil
	}
}
