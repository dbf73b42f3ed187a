package bridge

import (
	"testing"

	"github.com/loomworks/loom/core/workflow"
)

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"repo.push", "repo.push", true},
		{"repo.push", "repo.pull", false},
		{"repo.*", "repo.push", true},
		{"repo.*", "repo.push.main", false},
		{"repo.*.main", "repo.push.main", true},
		{"repo.>", "repo.push", true},
		{"repo.>", "repo.push.main", true},
		{"repo.>", "repo", false},
		{">", "anything", true},
		{"repo.push", "repo", false},
		{"repo", "repo.push", false},
		{"", "repo.push", false},
		{"repo.push", "", false},
	}
	for _, c := range cases {
		if got := SubjectMatches(c.pattern, c.subject); got != c.want {
			t.Errorf("SubjectMatches(%q, %q) = %v, want %v", c.pattern, c.subject, got, c.want)
		}
	}
}

func TestTriggerMatchesFilters(t *testing.T) {
	trig := workflow.Trigger{
		Subject: "repo.push.*",
		Filters: []workflow.Filter{
			{Path: "repo.name", Equals: "loom"},
			{Path: "pr", Equals: 42},
		},
	}
	payload := map[string]any{
		"repo": map[string]any{"name": "loom"},
		"pr":   float64(42), // JSON decodes numbers as float64
	}
	if !TriggerMatches(trig, "repo.push.main", payload) {
		t.Fatalf("expected match")
	}
	if TriggerMatches(trig, "repo.pull.main", payload) {
		t.Fatalf("subject mismatch must not match")
	}

	payload["pr"] = float64(7)
	if TriggerMatches(trig, "repo.push.main", payload) {
		t.Fatalf("filter value mismatch must not match")
	}

	delete(payload, "pr")
	if TriggerMatches(trig, "repo.push.main", payload) {
		t.Fatalf("missing filter path must not match")
	}
}

func TestTriggerMatchesNoFilters(t *testing.T) {
	trig := workflow.Trigger{Subject: "repo.push.*"}
	if !TriggerMatches(trig, "repo.push.main", nil) {
		t.Fatalf("subject-only trigger should match without a payload")
	}
}
