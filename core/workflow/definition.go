package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/core/fault"
)

type workflowYAML struct {
	Name        string `yaml:"name"`
	Tenant      string `yaml:"tenant"`
	Description string `yaml:"description"`
	Trigger     struct {
		Subject string `yaml:"subject"`
		Filters []struct {
			Path   string `yaml:"path"`
			Equals any    `yaml:"equals"`
		} `yaml:"filters"`
	} `yaml:"trigger"`
	ApprovalSLASec int `yaml:"approval_sla_sec"`
	Nodes          []struct {
		ID              string            `yaml:"id"`
		Agent           string            `yaml:"agent"`
		Action          string            `yaml:"action"`
		Input           map[string]any    `yaml:"input"`
		DependsOn       []string          `yaml:"depends_on"`
		RequireApproval *bool             `yaml:"require_approval"`
		MaxAttempts     int               `yaml:"max_attempts"`
		TimeoutSec      int               `yaml:"timeout_sec"`
		MaxMemoryMB     int               `yaml:"max_memory_mb"`
		AllowNetwork    bool              `yaml:"allow_network"`
		Secrets         map[string]string `yaml:"secrets"`
	} `yaml:"nodes"`
}

// ParseDefinition decodes a YAML workflow definition and validates its
// graph. The returned workflow carries no ID or version; the store assigns
// those on save.
func ParseDefinition(data []byte) (*Workflow, error) {
	var doc workflowYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fault.New(fault.KindValidation, "parse workflow definition: %v", err)
	}
	if doc.Name == "" {
		return nil, fault.New(fault.KindValidation, "workflow name required")
	}
	wf := &Workflow{
		Name:           doc.Name,
		Tenant:         doc.Tenant,
		Description:    doc.Description,
		ApprovalSLASec: doc.ApprovalSLASec,
		Trigger:        Trigger{Subject: doc.Trigger.Subject},
	}
	for _, f := range doc.Trigger.Filters {
		wf.Trigger.Filters = append(wf.Trigger.Filters, Filter{Path: f.Path, Equals: normalizeYAML(f.Equals)})
	}
	for _, n := range doc.Nodes {
		input, err := normalizeYAMLMap(n.Input)
		if err != nil {
			return nil, fault.New(fault.KindValidation, "node %q input: %v", n.ID, err)
		}
		wf.Nodes = append(wf.Nodes, &Node{
			ID:              n.ID,
			AgentID:         n.Agent,
			Action:          n.Action,
			Input:           input,
			DependsOn:       n.DependsOn,
			RequireApproval: n.RequireApproval,
			MaxAttempts:     n.MaxAttempts,
			TimeoutSec:      n.TimeoutSec,
			MaxMemoryMB:     n.MaxMemoryMB,
			AllowNetwork:    n.AllowNetwork,
			Secrets:         n.Secrets,
		})
	}
	if err := ValidateGraph(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// normalizeYAML rewrites yaml.v3 decoded values into the JSON-compatible
// shapes the store persists: map[string]any keys, []any slices.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = normalizeYAML(child)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = normalizeYAML(child)
		}
		return out
	default:
		return v
	}
}

func normalizeYAMLMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	norm, ok := normalizeYAML(m).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a mapping")
	}
	return norm, nil
}
