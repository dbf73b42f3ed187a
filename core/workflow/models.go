package workflow

import (
	"time"

	"github.com/loomworks/loom/core/fault"
)

// WorkflowStatus is the lifecycle status of a definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// RunStatus captures the lifecycle of a workflow run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
	RunStatusSuccess         RunStatus = "success"
	RunStatusFailed          RunStatus = "failed"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// NodeStatus captures the lifecycle of a node run.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusFailed  NodeStatus = "failed"
)

// Terminal reports whether the node status is final.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusFailed
}

// Trigger is the event-matching predicate of a workflow.
type Trigger struct {
	// Subject is a NATS-style pattern over event subjects, e.g. "repo.push.*".
	Subject string `json:"subject"`
	// Filters are dot-path equality checks against the context payload.
	Filters []Filter `json:"filters,omitempty"`
}

// Filter matches one payload path against an expected value.
type Filter struct {
	Path   string `json:"path"`
	Equals any    `json:"equals"`
}

// Node is one step of a workflow, bound to one agent capability.
type Node struct {
	ID              string            `json:"id"`
	AgentID         string            `json:"agent_id"`
	Action          string            `json:"action"`
	Input           map[string]any    `json:"input,omitempty"` // values may hold ${...} placeholders
	DependsOn       []string          `json:"depends_on,omitempty"`
	RequireApproval *bool             `json:"require_approval,omitempty"` // overrides the capability risk
	MaxAttempts     int               `json:"max_attempts,omitempty"`     // infrastructure retry budget; 0 = engine default
	TimeoutSec      int               `json:"timeout_sec,omitempty"`
	MaxMemoryMB     int               `json:"max_memory_mb,omitempty"`
	AllowNetwork    bool              `json:"allow_network,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// Workflow is a persisted DAG definition.
type Workflow struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Trigger        Trigger        `json:"trigger"`
	Status         WorkflowStatus `json:"status"`
	Nodes          []*Node        `json:"nodes"`
	Levels         [][]string     `json:"levels"` // computed at registration, never per run
	ApprovalSLASec int            `json:"approval_sla_sec,omitempty"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NodeByID returns the node definition with the given ID.
func (w *Workflow) NodeByID(id string) *Node {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Run is one execution instance of a workflow.
type Run struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Workflow   string         `json:"workflow"` // name, denormalized for events and queries
	Tenant     string         `json:"tenant"`
	Trigger    map[string]any `json:"trigger"` // triggering context payload
	EventID    string         `json:"event_id,omitempty"`
	Status     RunStatus      `json:"status"`
	Reason     string         `json:"reason,omitempty"` // terminal failure reason (fault kind)
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Attempt records one sandbox attempt of a node, kept for the audit trail.
type Attempt struct {
	Number       int        `json:"number"`
	StartedAt    time.Time  `json:"started_at"`
	ElapsedMs    int64      `json:"elapsed_ms,omitempty"`
	ErrorKind    fault.Kind `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// NodeRun is one executed (or executing) node instance within a run.
type NodeRun struct {
	RunID         string         `json:"run_id"`
	NodeID        string         `json:"node_id"`
	AgentID       string         `json:"agent_id"`
	Action        string         `json:"action"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Status        NodeStatus     `json:"status"`
	ErrorKind     fault.Kind     `json:"error_kind,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Attempts      []Attempt      `json:"attempts,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	ElapsedMs     int64          `json:"elapsed_ms,omitempty"`
}

// TimelineEvent is one append-only audit entry of a run.
type TimelineEvent struct {
	Time    time.Time      `json:"time"`
	Kind    string         `json:"kind"`
	NodeID  string         `json:"node_id,omitempty"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Filter narrows a run history query.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
	Since      time.Time
	Until      time.Time
	Limit      int64
}
