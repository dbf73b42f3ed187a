package registry

import (
	"context"
	"strings"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/loomworks/loom/core/fault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testShape(field string) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{field},
		"properties": map[string]any{
			field: map[string]any{"type": "string"},
		},
	}
}

func testAgent() *Agent {
	return &Agent{
		Name:     "scanner",
		Type:     AgentTypeScript,
		EntryRef: "python3 scanner.py",
		Version:  "v1",
		Capabilities: []Capability{
			{Name: "scan", InputShape: testShape("repo"), OutputShape: testShape("report")},
			{Name: "deep-scan", InputShape: testShape("repo"), OutputShape: testShape("report"), Risk: RiskApprovalRequired},
		},
	}
}

func TestRegisterAssignsID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Register(ctx, testAgent())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id != "default/scanner@v1" {
		t.Fatalf("id = %q", id)
	}

	agent, err := store.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if agent.Tenant != "default" || agent.Risk != RiskAuto {
		t.Fatalf("defaults not applied: tenant=%q risk=%q", agent.Tenant, agent.Risk)
	}
	if agent.Hash == "" || agent.CreatedAt.IsZero() {
		t.Fatalf("record missing hash or timestamp")
	}
}

func TestRegisterIdempotentSamePayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Register(ctx, testAgent())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := store.Register(ctx, testAgent())
	if err != nil {
		t.Fatalf("re-register identical payload: %v", err)
	}
	if first != second {
		t.Fatalf("ids differ: %q vs %q", first, second)
	}
}

func TestRegisterConflictDifferentPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Register(ctx, testAgent()); err != nil {
		t.Fatalf("register: %v", err)
	}
	changed := testAgent()
	changed.EntryRef = "python3 other.py"
	if _, err := store.Register(ctx, changed); !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict for changed definition under same version, got %v", err)
	}

	// A new version is a fresh record, not a conflict.
	changed.Version = "v2"
	id, err := store.Register(ctx, changed)
	if err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if id != "default/scanner@v2" {
		t.Fatalf("v2 id = %q", id)
	}
}

func TestRegisterValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := map[string]func(*Agent){
		"missing name":    func(a *Agent) { a.Name = "" },
		"missing version": func(a *Agent) { a.Version = "" },
		"unknown type":    func(a *Agent) { a.Type = "cron" },
		"missing entry":   func(a *Agent) { a.EntryRef = "" },
		"no capabilities": func(a *Agent) { a.Capabilities = nil },
		"unnamed cap":     func(a *Agent) { a.Capabilities[0].Name = "" },
		"duplicate cap":   func(a *Agent) { a.Capabilities[1].Name = "scan" },
		"empty shape":     func(a *Agent) { a.Capabilities[0].InputShape = nil },
		"malformed shape": func(a *Agent) { a.Capabilities[0].OutputShape = map[string]any{"type": 42} },
	}
	for name, mutate := range cases {
		agent := testAgent()
		mutate(agent)
		if _, err := store.Register(ctx, agent); !fault.IsKind(err, fault.KindValidation) {
			t.Errorf("%s: expected validation fault, got %v", name, err)
		}
	}
}

func TestLookupNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Lookup(context.Background(), "default/ghost@v1"); !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestResolveCapability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.Register(ctx, testAgent())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	agent, cap, err := store.ResolveCapability(ctx, id, "deep-scan")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cap.Name != "deep-scan" {
		t.Fatalf("cap = %q", cap.Name)
	}
	if agent.CapabilityRisk(cap) != RiskApprovalRequired {
		t.Fatalf("capability risk override lost")
	}
	if other, _, _ := store.ResolveCapability(ctx, id, "scan"); other.CapabilityRisk(&other.Capabilities[0]) != RiskAuto {
		t.Fatalf("agent default risk should apply to scan")
	}

	_, _, err = store.ResolveCapability(ctx, id, "destroy")
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not_found for undeclared action, got %v", err)
	}
	if !strings.Contains(err.Error(), "destroy") {
		t.Fatalf("error must name the action: %v", err)
	}
}

func TestListTenantAgents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testAgent()
	if _, err := store.Register(ctx, a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	b := testAgent()
	b.Name = "reporter"
	if _, err := store.Register(ctx, b); err != nil {
		t.Fatalf("register b: %v", err)
	}

	agents, err := store.List(ctx, "default", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(agents))
	}
}

func TestSplitAgentID(t *testing.T) {
	tenant, name, version := SplitAgentID(AgentID("acme", "scanner", "v3"))
	if tenant != "acme" || name != "scanner" || version != "v3" {
		t.Fatalf("split = %q %q %q", tenant, name, version)
	}
	// Version tags may themselves contain @ only in the last segment.
	_, name, version = SplitAgentID("default/mail@v1.2")
	if name != "mail" || version != "v1.2" {
		t.Fatalf("split = %q %q", name, version)
	}
}

func TestParseDefinition(t *testing.T) {
	doc := []byte(`
name: scanner
type: script
risk: auto
entry_ref: python3 scanner.py
version: v1
capabilities:
  - name: scan
    input_shape:
      type: object
      required: [repo]
      properties:
        repo: {type: string}
    output_shape:
      type: object
      properties:
        report: {type: string}
  - name: deep-scan
    risk: approval-required
    input_shape:
      type: object
    output_shape:
      type: object
`)
	agent, err := ParseDefinition(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if agent.Name != "scanner" || agent.Type != AgentTypeScript {
		t.Fatalf("agent = %+v", agent)
	}
	if len(agent.Capabilities) != 2 {
		t.Fatalf("capabilities = %d", len(agent.Capabilities))
	}
	if agent.Capabilities[1].Risk != RiskApprovalRequired {
		t.Fatalf("capability risk = %q", agent.Capabilities[1].Risk)
	}
	props, ok := agent.Capabilities[0].InputShape["properties"].(map[string]any)
	if !ok {
		t.Fatalf("input shape not normalized: %#v", agent.Capabilities[0].InputShape)
	}
	if _, ok := props["repo"].(map[string]any); !ok {
		t.Fatalf("nested shape not normalized: %#v", props)
	}

	if _, err := ParseDefinition([]byte("name: [")); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for bad yaml, got %v", err)
	}
	if _, err := ParseDefinition([]byte("version: v1")); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for missing name, got %v", err)
	}
}
