package workflow

import (
	"testing"

	"github.com/loomworks/loom/core/fault"
)

func TestParseDefinition(t *testing.T) {
	doc := []byte(`
name: ci
tenant: default
description: scan pushes
approval_sla_sec: 3600
trigger:
  subject: repo.push.*
  filters:
    - path: repo.name
      equals: loom
nodes:
  - id: scan
    agent: default/scanner@v1
    action: scan
    input:
      repo: ${trigger.repo}
      options:
        deep: true
  - id: deploy
    agent: default/deployer@v1
    action: deploy
    depends_on: [scan]
    require_approval: true
    max_attempts: 5
    timeout_sec: 120
    secrets:
      API_TOKEN: secret://deploy/token
`)
	wf, err := ParseDefinition(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if wf.Name != "ci" || wf.ApprovalSLASec != 3600 {
		t.Fatalf("wf = %+v", wf)
	}
	if wf.Trigger.Subject != "repo.push.*" || len(wf.Trigger.Filters) != 1 {
		t.Fatalf("trigger = %+v", wf.Trigger)
	}
	if wf.Trigger.Filters[0].Path != "repo.name" || wf.Trigger.Filters[0].Equals != "loom" {
		t.Fatalf("filter = %+v", wf.Trigger.Filters[0])
	}
	if len(wf.Levels) != 2 {
		t.Fatalf("graph not validated at parse: %v", wf.Levels)
	}

	scan := wf.NodeByID("scan")
	if scan.AgentID != "default/scanner@v1" || scan.Input["repo"] != "${trigger.repo}" {
		t.Fatalf("scan = %+v", scan)
	}
	opts, ok := scan.Input["options"].(map[string]any)
	if !ok || opts["deep"] != true {
		t.Fatalf("nested input not normalized: %#v", scan.Input)
	}

	deploy := wf.NodeByID("deploy")
	if deploy.RequireApproval == nil || !*deploy.RequireApproval {
		t.Fatalf("deploy = %+v", deploy)
	}
	if deploy.MaxAttempts != 5 || deploy.TimeoutSec != 120 {
		t.Fatalf("deploy limits = %+v", deploy)
	}
	if deploy.Secrets["API_TOKEN"] != "secret://deploy/token" {
		t.Fatalf("secrets = %+v", deploy.Secrets)
	}
}

func TestParseDefinitionErrors(t *testing.T) {
	if _, err := ParseDefinition([]byte("name: [")); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for bad yaml, got %v", err)
	}
	if _, err := ParseDefinition([]byte("tenant: default")); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for missing name, got %v", err)
	}

	cyclic := []byte(`
name: bad
trigger:
  subject: repo.push.*
nodes:
  - id: a
    agent: default/x@v1
    action: run
    depends_on: [b]
  - id: b
    agent: default/x@v1
    action: run
    depends_on: [a]
`)
	if _, err := ParseDefinition(cyclic); !fault.IsKind(err, fault.KindValidation) {
		t.Fatalf("expected validation fault for cycle, got %v", err)
	}
}
