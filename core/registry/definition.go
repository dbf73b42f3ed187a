package registry

import (
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/core/fault"
)

type agentYAML struct {
	Name         string `yaml:"name"`
	Tenant       string `yaml:"tenant"`
	Type         string `yaml:"type"`
	Risk         string `yaml:"risk"`
	EntryRef     string `yaml:"entry_ref"`
	Version      string `yaml:"version"`
	Capabilities []struct {
		Name        string         `yaml:"name"`
		InputShape  map[string]any `yaml:"input_shape"`
		OutputShape map[string]any `yaml:"output_shape"`
		Risk        string         `yaml:"risk"`
	} `yaml:"capabilities"`
}

// ParseDefinition decodes a YAML agent definition. Shape compilation and
// hash computation happen at registration, not here.
func ParseDefinition(data []byte) (*Agent, error) {
	var doc agentYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fault.New(fault.KindValidation, "parse agent definition: %v", err)
	}
	if doc.Name == "" {
		return nil, fault.New(fault.KindValidation, "agent name required")
	}
	agent := &Agent{
		Name:     doc.Name,
		Tenant:   doc.Tenant,
		Type:     AgentType(doc.Type),
		Risk:     Risk(doc.Risk),
		EntryRef: doc.EntryRef,
		Version:  doc.Version,
	}
	for _, c := range doc.Capabilities {
		agent.Capabilities = append(agent.Capabilities, Capability{
			Name:        c.Name,
			InputShape:  normalizeShape(c.InputShape),
			OutputShape: normalizeShape(c.OutputShape),
			Risk:        Risk(c.Risk),
		})
	}
	return agent, nil
}

func normalizeShape(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := normalizeValue(m).(map[string]any)
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = normalizeValue(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = normalizeValue(child)
		}
		return out
	default:
		return v
	}
}
