package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/core/approval"
	"github.com/loomworks/loom/core/fault"
	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/infra/metrics"
	"github.com/loomworks/loom/core/infra/schema"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/core/registry"
)

const (
	defaultMaxAttempts = 3
	retryBaseDelay     = time.Second

	// lostResultGrace is the slack past an attempt's execution timeout
	// before a running node with no result is treated as lost.
	lostResultGrace = 30 * time.Second
)

// Bus is the publish surface the engine dispatches through.
type Bus interface {
	Publish(subject string, v any) error
}

// CapabilityResolver resolves agent capabilities; satisfied by the registry store.
type CapabilityResolver interface {
	ResolveCapability(ctx context.Context, agentID, action string) (*registry.Agent, *registry.Capability, error)
}

// Engine is the DAG runner. It is deliberately stateless: every decision is
// recomputed from the workflow store, so any orchestrator process can pick
// up any run at any point, driven by bus events and the reconciler timer.
// Compare-and-set transitions in the store keep concurrent engines from
// double-dispatching a node.
type Engine struct {
	store       *RedisStore
	resolver    CapabilityResolver
	gate        *approval.Gate
	bus         Bus
	metrics     metrics.WorkflowMetrics
	maxAttempts int

	// Hooks wired by the orchestrator for outbound notifications.
	OnRunFinished       func(run *Run, nodes map[string]*NodeRun)
	OnApprovalRequested func(req *approval.Request, wf *Workflow, node *Node, agentName string, input map[string]any, risk registry.Risk)
}

// NewEngine creates a DAG runner bound to its stores and bus.
func NewEngine(store *RedisStore, resolver CapabilityResolver, gate *approval.Gate, bus Bus) *Engine {
	return &Engine{
		store:       store,
		resolver:    resolver,
		gate:        gate,
		bus:         bus,
		metrics:     metrics.Noop{},
		maxAttempts: defaultMaxAttempts,
	}
}

// WithMetrics sets the workflow metrics sink.
func (e *Engine) WithMetrics(m metrics.WorkflowMetrics) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithMaxAttempts overrides the default infrastructure retry budget.
func (e *Engine) WithMaxAttempts(n int) *Engine {
	if n > 0 {
		e.maxAttempts = n
	}
	return e
}

// Advance recomputes the next action for a run from persisted state and
// takes it: starting the run, dispatching ready nodes level by level,
// entering or leaving waiting_approval, or finalizing. Safe to call from
// multiple processes; losers of transition races simply return.
func (e *Engine) Advance(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	nodes, err := e.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if run.Status == RunStatusPending {
		from := run.Status
		run.Status = RunStatusRunning
		run.StartedAt = &now
		if err := e.store.TransitionRun(ctx, run, from); err != nil {
			if fault.IsKind(err, fault.KindStaleState) {
				return nil
			}
			return err
		}
		e.metrics.IncRunStarted(wf.Name)
		e.timeline(ctx, run.ID, &TimelineEvent{Kind: "run_started"})
	}

	if failed := firstFailedNode(wf, nodes); failed != nil {
		return e.finalize(ctx, run, wf, nodes, RunStatusFailed, terminalReason(failed))
	}

	waiting := false
	for _, level := range wf.Levels {
		if levelComplete(level, nodes) {
			continue
		}
		for _, nodeID := range level {
			nr := nodes[nodeID]
			if nr != nil && nr.Status != NodeStatusPending {
				// A running attempt whose deadline has long passed will
				// never report: the sandbox died or its result was lost.
				// Fail the attempt so the retry budget re-dispatches it.
				if nr.Status == NodeStatusRunning && attemptLapsed(nr, wf.NodeByID(nodeID), now) {
					if err := e.recordAttemptFailure(ctx, wf, run, wf.NodeByID(nodeID), nr,
						fault.KindInfrastructure, "no invoke result before the execution deadline", 0); err != nil {
						logging.Error("engine", "expire lost attempt", "run_id", run.ID, "node_id", nodeID, "error", err)
					}
				}
				continue
			}
			if nr != nil && nr.NextAttemptAt != nil && nr.NextAttemptAt.After(now) {
				e.scheduleAfter(nr.NextAttemptAt.Sub(now), run.ID)
				continue
			}
			nodeWaiting, err := e.prepareAndDispatch(ctx, wf, run, wf.NodeByID(nodeID), nodes, now)
			if err != nil {
				logging.Error("engine", "dispatch failed", "run_id", run.ID, "node_id", nodeID, "error", err)
			}
			if nodeWaiting {
				waiting = true
			}
		}
		// Level barrier: nothing past the first incomplete level dispatches.
		break
	}

	if failed := firstFailedNode(wf, nodes); failed != nil {
		return e.finalize(ctx, run, wf, nodes, RunStatusFailed, terminalReason(failed))
	}
	if allNodesSucceeded(wf, nodes) {
		return e.finalize(ctx, run, wf, nodes, RunStatusSuccess, "")
	}

	// A run is waiting_approval exactly while an unresolved approval gates
	// one of its nodes.
	if waiting && run.Status == RunStatusRunning {
		e.shiftRunStatus(ctx, run, RunStatusWaitingApproval)
	} else if !waiting && run.Status == RunStatusWaitingApproval {
		e.shiftRunStatus(ctx, run, RunStatusRunning)
	}
	return nil
}

// prepareAndDispatch resolves a pending node's input, validates it, applies
// the approval gate and dispatches to the sandbox service. Returns true
// when the node is suspended on a pending approval.
func (e *Engine) prepareAndDispatch(ctx context.Context, wf *Workflow, run *Run, node *Node, nodes map[string]*NodeRun, now time.Time) (bool, error) {
	if node == nil {
		return false, nil
	}
	agent, cap, err := e.resolver.ResolveCapability(ctx, node.AgentID, node.Action)
	if err != nil {
		return false, e.failNode(ctx, run, wf, node, nodes, fault.KindValidation, err.Error())
	}

	input, err := ResolveTemplate(node.Input, &Scope{Trigger: run.Trigger, Nodes: nodes})
	if err != nil {
		kind := fault.KindOf(err)
		if kind == "" {
			kind = fault.KindInputResolution
		}
		return false, e.failNode(ctx, run, wf, node, nodes, kind, err.Error())
	}

	// Input must validate against the capability's declared shape before
	// the sandbox is ever invoked.
	if len(cap.InputShape) > 0 {
		if res := schema.Validate(cap.InputShape, input); !res.Valid {
			return false, e.failNode(ctx, run, wf, node, nodes, fault.KindValidation,
				fmt.Sprintf("input does not match %s/%s contract: %s", node.AgentID, node.Action, res.Error()))
		}
	}

	risk := effectiveRisk(agent, cap, node)
	if risk == registry.RiskApprovalRequired {
		proceed, err := e.applyApprovalGate(ctx, wf, run, node, agent, input, nodes)
		if err != nil || !proceed {
			return !proceed && err == nil, err
		}
	}

	return false, e.dispatch(ctx, wf, run, node, agent, cap, input, nodes, now)
}

// applyApprovalGate returns (true, nil) when the node may dispatch.
func (e *Engine) applyApprovalGate(ctx context.Context, wf *Workflow, run *Run, node *Node, agent *registry.Agent, input map[string]any, nodes map[string]*NodeRun) (bool, error) {
	req, err := e.gate.GetForNode(ctx, run.ID, node.ID)
	if err != nil {
		if !fault.IsKind(err, fault.KindNotFound) {
			return false, err
		}
		req, err = e.gate.Request(ctx, run.ID, node.ID)
		if err != nil {
			if fault.IsKind(err, fault.KindConflict) {
				return false, nil // another scheduler created it this instant
			}
			return false, err
		}
		e.metrics.IncApprovalRequested(wf.Name)
		e.timeline(ctx, run.ID, &TimelineEvent{Kind: "approval_requested", NodeID: node.ID})
		if e.OnApprovalRequested != nil {
			e.OnApprovalRequested(req, wf, node, agent.Name, input, registry.RiskApprovalRequired)
		}
		return false, nil
	}
	switch req.Status {
	case approval.StatusPending:
		return false, nil
	case approval.StatusApproved:
		return true, nil
	default: // rejected
		kind := fault.KindApprovalRejected
		msg := "approval rejected"
		switch req.Reason {
		case string(fault.KindApprovalTimeout):
			kind = fault.KindApprovalTimeout
			msg = "approval wait exceeded the workflow SLA"
		case string(fault.KindCancelled):
			kind = fault.KindCancelled
			msg = "run cancelled while awaiting approval"
		}
		if req.Resolver != "" {
			msg = fmt.Sprintf("%s by %s", msg, req.Resolver)
		}
		return false, e.failNode(ctx, run, wf, node, nodes, kind, msg)
	}
}

func (e *Engine) dispatch(ctx context.Context, wf *Workflow, run *Run, node *Node, agent *registry.Agent, cap *registry.Capability, input map[string]any, nodes map[string]*NodeRun, now time.Time) error {
	nr := nodes[node.ID]
	if nr == nil {
		nr = &NodeRun{
			RunID:   run.ID,
			NodeID:  node.ID,
			AgentID: node.AgentID,
			Action:  node.Action,
			Status:  NodeStatusPending,
		}
		if err := e.store.CreateNodeRun(ctx, nr); err != nil {
			if fault.IsKind(err, fault.KindConflict) {
				return nil // another scheduler created it; it owns the dispatch
			}
			return err
		}
		nodes[node.ID] = nr
	}

	attempt := len(nr.Attempts) + 1
	nr.Status = NodeStatusRunning
	nr.Input = input
	nr.NextAttemptAt = nil
	if nr.StartedAt == nil {
		nr.StartedAt = &now
	}
	nr.Attempts = append(nr.Attempts, Attempt{Number: attempt, StartedAt: now})
	if err := e.store.TransitionNode(ctx, nr, NodeStatusPending); err != nil {
		if fault.IsKind(err, fault.KindStaleState) {
			return nil // lost the dispatch race
		}
		return err
	}

	req := &protocol.InvokeRequest{
		InvocationID: fmt.Sprintf("%s:%s:%d", run.ID, node.ID, attempt),
		RunID:        run.ID,
		NodeID:       node.ID,
		Attempt:      attempt,
		EntryRef:     agent.EntryRef,
		Action:       node.Action,
		Input:        input,
		Config: protocol.ExecConfig{
			MaxMemoryMB:    node.MaxMemoryMB,
			TimeoutSeconds: node.TimeoutSec,
			AllowNetwork:   node.AllowNetwork,
			Secrets:        node.Secrets,
			OutputShape:    cap.OutputShape,
		},
	}
	if err := e.bus.Publish(protocol.SubjectInvoke, req); err != nil {
		logging.Error("engine", "publish invoke", "run_id", run.ID, "node_id", node.ID, "error", err)
		return e.recordAttemptFailure(ctx, wf, run, node, nr, fault.KindInfrastructure, "publish invoke: "+err.Error(), 0)
	}
	e.metrics.IncNodeDispatched(wf.Name)
	e.timeline(ctx, run.ID, &TimelineEvent{Kind: "node_dispatched", NodeID: node.ID,
		Fields: map[string]any{"attempt": attempt}})
	return nil
}

// HandleResult folds a sandbox result into the run and advances it.
// Duplicate and stale results are idempotent no-ops.
func (e *Engine) HandleResult(ctx context.Context, res *protocol.InvokeResult) error {
	if res == nil || res.RunID == "" || res.NodeID == "" {
		return nil
	}
	nr, err := e.store.GetNodeRun(ctx, res.RunID, res.NodeID)
	if err != nil {
		if fault.IsKind(err, fault.KindNotFound) {
			return nil
		}
		return err
	}
	if nr.Status != NodeStatusRunning || res.Attempt != len(nr.Attempts) {
		return nil // already terminal, or a stale attempt's result
	}
	run, err := e.store.GetRun(ctx, res.RunID)
	if err != nil {
		return err
	}
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	node := wf.NodeByID(res.NodeID)

	if len(nr.Attempts) > 0 {
		nr.Attempts[len(nr.Attempts)-1].ElapsedMs = res.ElapsedMs
	}

	if res.Status == "success" {
		nr.Status = NodeStatusSuccess
		nr.Output = res.Output
		nr.ElapsedMs += res.ElapsedMs
		if err := e.store.TransitionNode(ctx, nr, NodeStatusRunning); err != nil {
			if fault.IsKind(err, fault.KindStaleState) {
				return nil
			}
			return err
		}
		e.metrics.IncNodeCompleted(wf.Name, string(NodeStatusSuccess))
		e.timeline(ctx, run.ID, &TimelineEvent{Kind: "node_succeeded", NodeID: res.NodeID,
			Fields: map[string]any{"elapsed_ms": res.ElapsedMs}})
		return e.Advance(ctx, run.ID)
	}

	kind := fault.Kind(res.ErrorKind)
	if kind == "" {
		kind = fault.KindInfrastructure
	}
	if err := e.recordAttemptFailure(ctx, wf, run, node, nr, kind, res.ErrorMessage, res.ElapsedMs); err != nil {
		return err
	}
	return e.Advance(ctx, run.ID)
}

// recordAttemptFailure applies the retry policy: infrastructure failures
// re-enter pending with exponential backoff until the budget is spent;
// every other kind is terminal for the node on the first occurrence.
func (e *Engine) recordAttemptFailure(ctx context.Context, wf *Workflow, run *Run, node *Node, nr *NodeRun, kind fault.Kind, msg string, elapsedMs int64) error {
	now := time.Now().UTC()
	if len(nr.Attempts) > 0 {
		last := &nr.Attempts[len(nr.Attempts)-1]
		last.ErrorKind = kind
		last.ErrorMessage = msg
		if last.ElapsedMs == 0 {
			last.ElapsedMs = elapsedMs
		}
	}
	nr.ElapsedMs += elapsedMs

	budget := e.maxAttempts
	if node != nil && node.MaxAttempts > 0 {
		budget = node.MaxAttempts
	}
	if kind.Retryable() && len(nr.Attempts) < budget {
		delay := backoffDelay(len(nr.Attempts))
		next := now.Add(delay)
		nr.Status = NodeStatusPending
		nr.NextAttemptAt = &next
		if err := e.store.TransitionNode(ctx, nr, NodeStatusRunning); err != nil {
			if fault.IsKind(err, fault.KindStaleState) {
				return nil
			}
			return err
		}
		e.timeline(ctx, run.ID, &TimelineEvent{Kind: "node_retry_scheduled", NodeID: nr.NodeID,
			Fields: map[string]any{"attempt": len(nr.Attempts), "delay_ms": delay.Milliseconds(), "error": msg}})
		e.scheduleAfter(delay, run.ID)
		return nil
	}

	nr.Status = NodeStatusFailed
	nr.ErrorKind = kind
	nr.ErrorMessage = msg
	nr.NextAttemptAt = nil
	if err := e.store.TransitionNode(ctx, nr, NodeStatusRunning); err != nil {
		if fault.IsKind(err, fault.KindStaleState) {
			return nil
		}
		return err
	}
	e.metrics.IncNodeCompleted(wf.Name, string(NodeStatusFailed))
	e.timeline(ctx, run.ID, &TimelineEvent{Kind: "node_failed", NodeID: nr.NodeID,
		Fields: map[string]any{"error_kind": string(kind), "error": msg}})
	return nil
}

// failNode records a terminal node failure that happened before dispatch
// (input resolution, contract validation, approval rejection).
func (e *Engine) failNode(ctx context.Context, run *Run, wf *Workflow, node *Node, nodes map[string]*NodeRun, kind fault.Kind, msg string) error {
	nr := nodes[node.ID]
	if nr == nil {
		nr = &NodeRun{
			RunID:        run.ID,
			NodeID:       node.ID,
			AgentID:      node.AgentID,
			Action:       node.Action,
			Status:       NodeStatusFailed,
			ErrorKind:    kind,
			ErrorMessage: msg,
		}
		if err := e.store.CreateNodeRun(ctx, nr); err != nil {
			if fault.IsKind(err, fault.KindConflict) {
				return nil
			}
			return err
		}
	} else {
		from := nr.Status
		nr.Status = NodeStatusFailed
		nr.ErrorKind = kind
		nr.ErrorMessage = msg
		nr.NextAttemptAt = nil
		if err := e.store.TransitionNode(ctx, nr, from); err != nil {
			if fault.IsKind(err, fault.KindStaleState) {
				return nil
			}
			return err
		}
	}
	nodes[node.ID] = nr
	e.metrics.IncNodeCompleted(wf.Name, string(NodeStatusFailed))
	e.timeline(ctx, run.ID, &TimelineEvent{Kind: "node_failed", NodeID: node.ID,
		Fields: map[string]any{"error_kind": string(kind), "error": msg}})
	return nil
}

// Cancel terminates a run: undispatched nodes never start, in-flight
// sandbox invocations receive a cancel signal, pending approvals resolve as
// rejected. The terminal status is failed with reason cancelled.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	wf, err := e.store.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	if err := e.bus.Publish(protocol.SubjectInvokeCancel, &protocol.RunCancel{RunID: runID}); err != nil {
		logging.Error("engine", "publish cancel", "run_id", runID, "error", err)
	}
	nodes, err := e.store.ListNodeRuns(ctx, runID)
	if err != nil {
		return err
	}
	for _, node := range wf.Nodes {
		if req, err := e.gate.GetForNode(ctx, runID, node.ID); err == nil && req.Status == approval.StatusPending {
			_, _ = e.gate.Expire(ctx, req.ID, string(fault.KindCancelled))
		}
		nr := nodes[node.ID]
		if nr == nil || nr.Status.Terminal() {
			continue
		}
		from := nr.Status
		nr.Status = NodeStatusFailed
		nr.ErrorKind = fault.KindCancelled
		nr.ErrorMessage = "run cancelled"
		nr.NextAttemptAt = nil
		if err := e.store.TransitionNode(ctx, nr, from); err != nil && !fault.IsKind(err, fault.KindStaleState) {
			return err
		}
	}
	nodes, _ = e.store.ListNodeRuns(ctx, runID)
	return e.finalize(ctx, run, wf, nodes, RunStatusFailed, string(fault.KindCancelled))
}

func (e *Engine) finalize(ctx context.Context, run *Run, wf *Workflow, nodes map[string]*NodeRun, status RunStatus, reason string) error {
	now := time.Now().UTC()
	from := run.Status
	run.Status = status
	run.Reason = reason
	run.FinishedAt = &now
	if err := e.store.TransitionRun(ctx, run, from); err != nil {
		if fault.IsKind(err, fault.KindStaleState) {
			return nil // another scheduler finalized first
		}
		return err
	}
	// A terminal run leaves no approval dangling.
	for _, node := range wf.Nodes {
		if req, err := e.gate.GetForNode(ctx, run.ID, node.ID); err == nil && req.Status == approval.StatusPending {
			_, _ = e.gate.Expire(ctx, req.ID, reasonOrDefault(reason))
		}
	}
	e.metrics.IncRunCompleted(wf.Name, string(status))
	if run.StartedAt != nil {
		e.metrics.ObserveRunDuration(wf.Name, now.Sub(*run.StartedAt).Seconds())
	}
	e.timeline(ctx, run.ID, &TimelineEvent{Kind: "run_finished",
		Fields: map[string]any{"status": string(status), "reason": reason}})
	if e.OnRunFinished != nil {
		e.OnRunFinished(run, nodes)
	}
	return nil
}

func (e *Engine) shiftRunStatus(ctx context.Context, run *Run, to RunStatus) {
	from := run.Status
	run.Status = to
	if err := e.store.TransitionRun(ctx, run, from); err != nil && !fault.IsKind(err, fault.KindStaleState) {
		logging.Error("engine", "run status shift", "run_id", run.ID, "to", string(to), "error", err)
	}
}

func (e *Engine) timeline(ctx context.Context, runID string, event *TimelineEvent) {
	if err := e.store.AppendTimeline(ctx, runID, event); err != nil {
		logging.Error("engine", "append timeline", "run_id", runID, "error", err)
	}
}

func (e *Engine) scheduleAfter(delay time.Duration, runID string) {
	if delay <= 0 {
		delay = time.Millisecond
	}
	time.AfterFunc(delay, func() {
		if err := e.Advance(context.Background(), runID); err != nil && !errors.Is(err, context.Canceled) {
			logging.Error("engine", "scheduled advance", "run_id", runID, "error", err)
		}
	})
}

func effectiveRisk(agent *registry.Agent, cap *registry.Capability, node *Node) registry.Risk {
	if node.RequireApproval != nil {
		if *node.RequireApproval {
			return registry.RiskApprovalRequired
		}
		return registry.RiskAuto
	}
	return agent.CapabilityRisk(cap)
}

// attemptLapsed reports whether a running attempt has outlived its
// execution timeout plus grace with no result.
func attemptLapsed(nr *NodeRun, node *Node, now time.Time) bool {
	if len(nr.Attempts) == 0 {
		return false
	}
	timeout := protocol.DefaultTimeoutSeconds
	if node != nil && node.TimeoutSec > 0 {
		timeout = node.TimeoutSec
	}
	if timeout > protocol.MaxTimeoutSeconds {
		timeout = protocol.MaxTimeoutSeconds
	}
	deadline := nr.Attempts[len(nr.Attempts)-1].StartedAt.Add(time.Duration(timeout)*time.Second + lostResultGrace)
	return now.After(deadline)
}

func backoffDelay(attempts int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

func levelComplete(level []string, nodes map[string]*NodeRun) bool {
	for _, id := range level {
		nr := nodes[id]
		if nr == nil || !nr.Status.Terminal() {
			return false
		}
	}
	return true
}

func firstFailedNode(wf *Workflow, nodes map[string]*NodeRun) *NodeRun {
	for _, level := range wf.Levels {
		for _, id := range level {
			if nr := nodes[id]; nr != nil && nr.Status == NodeStatusFailed {
				return nr
			}
		}
	}
	return nil
}

func allNodesSucceeded(wf *Workflow, nodes map[string]*NodeRun) bool {
	for _, n := range wf.Nodes {
		nr := nodes[n.ID]
		if nr == nil || nr.Status != NodeStatusSuccess {
			return false
		}
	}
	return true
}

func terminalReason(nr *NodeRun) string {
	if nr.ErrorKind != "" {
		return string(nr.ErrorKind)
	}
	return "node_failed"
}

func reasonOrDefault(reason string) string {
	if reason == "" {
		return string(fault.KindCancelled)
	}
	return reason
}
