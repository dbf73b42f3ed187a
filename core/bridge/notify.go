package bridge

import (
	"github.com/loomworks/loom/core/approval"
	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/core/workflow"
)

// Notifier publishes run and approval notifications. Publishing is
// best-effort: a lost notification never blocks a run transition.
type Notifier struct {
	bus Bus
}

// NewNotifier creates a notifier over the bus.
func NewNotifier(bus Bus) *Notifier {
	return &Notifier{bus: bus}
}

// RunFinished publishes the terminal result of a run on its workflow's
// result subject.
func (n *Notifier) RunFinished(run *workflow.Run, nodes map[string]*workflow.NodeRun) {
	out := &protocol.RunResult{
		RunID:        run.ID,
		WorkflowName: run.Workflow,
		Status:       string(run.Status),
		Reason:       run.Reason,
	}
	for _, nr := range nodes {
		out.PerNodeResults = append(out.PerNodeResults, protocol.NodeResult{
			NodeID:       nr.NodeID,
			Status:       string(nr.Status),
			ErrorKind:    string(nr.ErrorKind),
			ErrorMessage: nr.ErrorMessage,
			ElapsedMs:    nr.ElapsedMs,
		})
	}
	if err := n.bus.Publish(protocol.RunResultSubject(run.Workflow), out); err != nil {
		logging.Error("bridge", "publish run result", "run_id", run.ID, "error", err)
	}
}

// ApprovalRequested publishes a pending approval for external approval UIs.
func (n *Notifier) ApprovalRequested(req *approval.Request, agentName string, input map[string]any, risk string) {
	out := &protocol.ApprovalRequested{
		ApprovalID:    req.ID,
		RunID:         req.RunID,
		NodeID:        req.NodeID,
		AgentName:     agentName,
		ProposedInput: input,
		RiskLevel:     risk,
	}
	if err := n.bus.Publish(protocol.SubjectApprovalRequested, out); err != nil {
		logging.Error("bridge", "publish approval requested", "approval_id", req.ID, "error", err)
	}
}

// ApprovalResolved publishes an approval decision.
func (n *Notifier) ApprovalResolved(req *approval.Request) {
	out := &protocol.ApprovalResolved{
		ApprovalID: req.ID,
		RunID:      req.RunID,
		NodeID:     req.NodeID,
		Decision:   string(req.Status),
		Resolver:   req.Resolver,
	}
	if err := n.bus.Publish(protocol.SubjectApprovalResolved, out); err != nil {
		logging.Error("bridge", "publish approval resolved", "approval_id", req.ID, "error", err)
	}
}
