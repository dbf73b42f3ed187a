package protocol

const (
	// Default and ceiling values of the sandbox execution contract.
	DefaultMaxMemoryMB    = 512
	DefaultTimeoutSeconds = 300
	MaxTimeoutSeconds     = 1800
)

// ExecConfig bounds one sandbox invocation.
type ExecConfig struct {
	MaxMemoryMB    int               `json:"max_memory_mb,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	AllowNetwork   bool              `json:"allow_network,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty"`
	OutputShape    map[string]any    `json:"output_shape,omitempty"`
}

// Normalize applies defaults and clamps the timeout to the hard ceiling.
func (c *ExecConfig) Normalize() {
	if c.MaxMemoryMB <= 0 {
		c.MaxMemoryMB = DefaultMaxMemoryMB
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.TimeoutSeconds > MaxTimeoutSeconds {
		c.TimeoutSeconds = MaxTimeoutSeconds
	}
}

// TriggerEvent is an inbound event delivered by external producers.
type TriggerEvent struct {
	EventID        string         `json:"event_id"`
	EventSubject   string         `json:"event_subject"`
	ContextPayload map[string]any `json:"context_payload"`
}

// InvokeRequest asks the sandbox service to execute one node attempt.
type InvokeRequest struct {
	InvocationID string         `json:"invocation_id"`
	RunID        string         `json:"run_id"`
	NodeID       string         `json:"node_id"`
	Attempt      int            `json:"attempt"`
	EntryRef     string         `json:"entry_ref"`
	Action       string         `json:"action"`
	Input        map[string]any `json:"input"`
	Config       ExecConfig     `json:"config"`
}

// InvokeResult reports the terminal outcome of one node attempt.
type InvokeResult struct {
	InvocationID string         `json:"invocation_id"`
	RunID        string         `json:"run_id"`
	NodeID       string         `json:"node_id"`
	Attempt      int            `json:"attempt"`
	Status       string         `json:"status"` // success | failed
	Output       map[string]any `json:"output,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ElapsedMs    int64          `json:"elapsed_ms"`
}

// RunCancel propagates run cancellation to in-flight invocations.
type RunCancel struct {
	RunID string `json:"run_id"`
}

// NodeResult summarizes one node inside a RunResult event.
type NodeResult struct {
	NodeID       string `json:"node_id"`
	Status       string `json:"status"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms"`
}

// RunResult is published on every run's terminal transition.
type RunResult struct {
	RunID          string       `json:"run_id"`
	WorkflowName   string       `json:"workflow_name"`
	Status         string       `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	PerNodeResults []NodeResult `json:"per_node_results"`
}

// ApprovalRequested is published whenever an approval request is created.
type ApprovalRequested struct {
	ApprovalID    string         `json:"approval_id"`
	RunID         string         `json:"run_id"`
	NodeID        string         `json:"node_id"`
	AgentName     string         `json:"agent_name"`
	ProposedInput map[string]any `json:"proposed_input"`
	RiskLevel     string         `json:"risk_level"`
}

// ApprovalResolved is published whenever an approval request is resolved.
type ApprovalResolved struct {
	ApprovalID string `json:"approval_id"`
	RunID      string `json:"run_id"`
	NodeID     string `json:"node_id"`
	Decision   string `json:"decision"`
	Resolver   string `json:"resolver,omitempty"`
}
