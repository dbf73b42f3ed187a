package registry

import "time"

// AgentType tags how an agent's entry point is implemented.
type AgentType string

const (
	AgentTypeModelDriven AgentType = "model-driven"
	AgentTypeRuleBased   AgentType = "rule-based"
	AgentTypeExternalAPI AgentType = "external-api"
	AgentTypeScript      AgentType = "script"
)

// Risk classifies whether invoking a capability needs human approval.
type Risk string

const (
	RiskAuto             Risk = "auto"
	RiskApprovalRequired Risk = "approval-required"
)

// Capability is a single named action an agent exposes.
type Capability struct {
	Name        string         `json:"name"`
	InputShape  map[string]any `json:"input_shape"`
	OutputShape map[string]any `json:"output_shape"`
	Risk        Risk           `json:"risk,omitempty"` // overrides the agent default when set
}

// Agent is a registered capability provider. Records are immutable;
// re-registration under a new version creates a new record so in-flight
// runs keep resolving the version they were created against.
type Agent struct {
	ID           string       `json:"id"`
	Tenant       string       `json:"tenant"`
	Name         string       `json:"name"`
	Type         AgentType    `json:"type"`
	Risk         Risk         `json:"risk"`
	EntryRef     string       `json:"entry_ref"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
	Hash         string       `json:"hash,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// CapabilityRisk returns the effective risk of one capability.
func (a *Agent) CapabilityRisk(cap *Capability) Risk {
	if cap != nil && cap.Risk != "" {
		return cap.Risk
	}
	if a.Risk != "" {
		return a.Risk
	}
	return RiskAuto
}

func validAgentType(t AgentType) bool {
	switch t {
	case AgentTypeModelDriven, AgentTypeRuleBased, AgentTypeExternalAPI, AgentTypeScript:
		return true
	}
	return false
}
