package workflow

import (
	"reflect"
	"testing"

	"github.com/loomworks/loom/core/fault"
)

func testScope() *Scope {
	return &Scope{
		Trigger: map[string]any{
			"repo":   "loom",
			"pr":     float64(42),
			"labels": []any{"bug", "urgent"},
		},
		Nodes: map[string]*NodeRun{
			"scan": {
				NodeID: "scan",
				Status: NodeStatusSuccess,
				Output: map[string]any{
					"count": float64(3),
					"files": []any{"a.go", "b.go"},
					"meta":  map[string]any{"lang": "go"},
				},
			},
			"flaky": {NodeID: "flaky", Status: NodeStatusFailed},
		},
	}
}

func TestResolveWholeValueKeepsType(t *testing.T) {
	out, err := ResolveTemplate(map[string]any{
		"pr":    "${trigger.pr}",
		"count": "${nodes.scan.output.count}",
		"files": "${nodes.scan.output.files}",
	}, testScope())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["pr"] != float64(42) {
		t.Fatalf("pr = %#v, want float64 42", out["pr"])
	}
	if out["count"] != float64(3) {
		t.Fatalf("count = %#v, want float64 3", out["count"])
	}
	if !reflect.DeepEqual(out["files"], []any{"a.go", "b.go"}) {
		t.Fatalf("files = %#v", out["files"])
	}
}

func TestResolveSplicesIntoStrings(t *testing.T) {
	out, err := ResolveTemplate(map[string]any{
		"summary": "repo ${trigger.repo} has ${nodes.scan.output.count} findings",
	}, testScope())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["summary"] != "repo loom has 3 findings" {
		t.Fatalf("summary = %q", out["summary"])
	}
}

func TestResolveNestedAndIndexedPaths(t *testing.T) {
	out, err := ResolveTemplate(map[string]any{
		"lang":  "${nodes.scan.output.meta.lang}",
		"first": "${nodes.scan.output.files.0}",
		"label": "${trigger.labels.1}",
	}, testScope())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["lang"] != "go" || out["first"] != "a.go" || out["label"] != "urgent" {
		t.Fatalf("unexpected resolution: %#v", out)
	}
}

func TestResolveWalksNestedStructures(t *testing.T) {
	out, err := ResolveTemplate(map[string]any{
		"nested": map[string]any{"repo": "${trigger.repo}"},
		"list":   []any{"${trigger.repo}", "literal"},
	}, testScope())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["nested"].(map[string]any)["repo"] != "loom" {
		t.Fatalf("nested map not resolved: %#v", out)
	}
	if out["list"].([]any)[0] != "loom" || out["list"].([]any)[1] != "literal" {
		t.Fatalf("list not resolved: %#v", out)
	}
}

func TestResolveMissingPath(t *testing.T) {
	_, err := ResolveTemplate(map[string]any{"x": "${trigger.missing}"}, testScope())
	if !fault.IsKind(err, fault.KindInputResolution) {
		t.Fatalf("expected input_resolution fault, got %v", err)
	}
}

func TestResolveUnsuccessfulNode(t *testing.T) {
	_, err := ResolveTemplate(map[string]any{"x": "${nodes.flaky.output.y}"}, testScope())
	if !fault.IsKind(err, fault.KindInputResolution) {
		t.Fatalf("expected input_resolution fault, got %v", err)
	}
	_, err = ResolveTemplate(map[string]any{"x": "${nodes.unknown.output.y}"}, testScope())
	if !fault.IsKind(err, fault.KindInputResolution) {
		t.Fatalf("expected input_resolution fault for unknown node, got %v", err)
	}
}

func TestResolveBadRoot(t *testing.T) {
	_, err := ResolveTemplate(map[string]any{"x": "${env.HOME}"}, testScope())
	if !fault.IsKind(err, fault.KindInputResolution) {
		t.Fatalf("expected input_resolution fault, got %v", err)
	}
}

func TestResolveLiteralPassThrough(t *testing.T) {
	out, err := ResolveTemplate(map[string]any{
		"s": "plain",
		"n": float64(7),
		"b": true,
	}, testScope())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["s"] != "plain" || out["n"] != float64(7) || out["b"] != true {
		t.Fatalf("literals altered: %#v", out)
	}
}

func TestLookupPayloadPath(t *testing.T) {
	payload := map[string]any{"repo": map[string]any{"name": "loom"}}
	v, ok := LookupPayloadPath(payload, "repo.name")
	if !ok || v != "loom" {
		t.Fatalf("lookup = %v, %v", v, ok)
	}
	if _, ok := LookupPayloadPath(payload, "repo.missing"); ok {
		t.Fatalf("expected miss")
	}
}
