package workflow

import (
	"reflect"
	"strings"
	"testing"

	"github.com/loomworks/loom/core/fault"
)

func graphOf(nodes ...*Node) *Workflow {
	return &Workflow{Name: "g", Nodes: nodes}
}

func TestValidateGraphLevels(t *testing.T) {
	wf := graphOf(
		&Node{ID: "fetch"},
		&Node{ID: "lint", DependsOn: []string{"fetch"}},
		&Node{ID: "scan", DependsOn: []string{"fetch"}},
		&Node{ID: "report", DependsOn: []string{"lint", "scan"}},
	)
	if err := ValidateGraph(wf); err != nil {
		t.Fatalf("validate: %v", err)
	}
	want := [][]string{{"fetch"}, {"lint", "scan"}, {"report"}}
	if !reflect.DeepEqual(wf.Levels, want) {
		t.Fatalf("levels = %v, want %v", wf.Levels, want)
	}
}

func TestValidateGraphEmpty(t *testing.T) {
	if err := ValidateGraph(graphOf()); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}

func TestValidateGraphDuplicateID(t *testing.T) {
	err := ValidateGraph(graphOf(&Node{ID: "a"}, &Node{ID: "a"}))
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}

func TestValidateGraphUnknownDependency(t *testing.T) {
	err := ValidateGraph(graphOf(&Node{ID: "a", DependsOn: []string{"ghost"}}))
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("error must name the unknown dependency: %v", err)
	}
}

func TestValidateGraphCycle(t *testing.T) {
	err := ValidateGraph(graphOf(
		&Node{ID: "a", DependsOn: []string{"c"}},
		&Node{ID: "b", DependsOn: []string{"a"}},
		&Node{ID: "c", DependsOn: []string{"b"}},
	))
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
	msg := err.Error()
	for _, id := range []string{"a", "b", "c"} {
		if !strings.Contains(msg, id) {
			t.Fatalf("cycle error must name node %q: %v", id, err)
		}
	}
}

func TestValidateGraphSelfCycle(t *testing.T) {
	err := ValidateGraph(graphOf(&Node{ID: "a", DependsOn: []string{"a"}}))
	if !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}
