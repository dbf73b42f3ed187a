package schema

import (
	"strings"
	"testing"
)

var personShape = map[string]any{
	"type":     "object",
	"required": []any{"name", "age"},
	"properties": map[string]any{
		"name": map[string]any{"type": "string"},
		"age":  map[string]any{"type": "integer", "minimum": 0},
		"tags": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
}

func TestCompileShape(t *testing.T) {
	if err := CompileShape(personShape); err != nil {
		t.Fatalf("compile valid shape: %v", err)
	}
	bad := map[string]any{"type": 42}
	if err := CompileShape(bad); err == nil {
		t.Fatalf("expected compile error for malformed shape")
	}
}

func TestValidateValid(t *testing.T) {
	res := Validate(personShape, map[string]any{"name": "ada", "age": 36})
	if !res.Valid {
		t.Fatalf("expected valid, got violations: %s", res.Error())
	}
	if res.Error() != "" {
		t.Fatalf("valid result must render empty error")
	}
}

func TestValidateViolationsCarryPaths(t *testing.T) {
	res := Validate(personShape, map[string]any{
		"name": "ada",
		"age":  -1,
		"tags": []any{"ok", 7},
	})
	if res.Valid {
		t.Fatalf("expected violations")
	}
	msg := res.Error()
	if !strings.Contains(msg, "age") {
		t.Fatalf("expected age violation in %q", msg)
	}
	if !strings.Contains(msg, "tags.1") {
		t.Fatalf("expected tags.1 violation in %q", msg)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	res := Validate(personShape, map[string]any{"name": "ada"})
	if res.Valid {
		t.Fatalf("expected missing required field to fail")
	}
	if len(res.Violations) == 0 {
		t.Fatalf("expected at least one violation")
	}
}

func TestValidateNormalizesStructs(t *testing.T) {
	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	res := Validate(personShape, person{Name: "ada", Age: 36})
	if !res.Valid {
		t.Fatalf("struct value should validate after normalization: %s", res.Error())
	}
}
