package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/core/approval"
	"github.com/loomworks/loom/core/fault"
	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/registry"
	"github.com/loomworks/loom/core/workflow"
)

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":         s.tenant,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"nats_connected": s.bus.IsConnected(),
	})
}

// --- agents ---

func (s *server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var agent registry.Agent
	if err := decodeBody(r, &agent); err != nil {
		writeFault(w, err)
		return
	}
	if agent.Tenant == "" {
		agent.Tenant = s.tenant
	}
	id, err := s.agents.Register(r.Context(), &agent)
	if err != nil {
		writeFault(w, err)
		return
	}
	logging.Info("gateway", "agent registered", "agent_id", id)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		agent, err := s.agents.Lookup(r.Context(), id)
		if err != nil {
			writeFault(w, err)
			return
		}
		writeJSON(w, http.StatusOK, []*registry.Agent{agent})
		return
	}
	agents, err := s.agents.List(r.Context(), s.tenant, queryInt64(r, "limit", 100))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// --- workflows ---

func (s *server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeFault(w, err)
		return
	}
	if wf.Tenant == "" {
		wf.Tenant = s.tenant
	}
	if err := s.store.SaveWorkflow(r.Context(), &wf); err != nil {
		writeFault(w, err)
		return
	}
	logging.Info("gateway", "workflow saved", "workflow_id", wf.ID, "name", wf.Name, "version", wf.Version)
	writeJSON(w, http.StatusCreated, &wf)
}

func (s *server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	status := workflow.WorkflowStatus(r.URL.Query().Get("status"))
	workflows, err := s.store.ListWorkflows(r.Context(), s.tenant, status, queryInt64(r, "limit", 100))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *server) handleSetWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status workflow.WorkflowStatus `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	if err := s.store.SetWorkflowStatus(r.Context(), r.PathValue("id"), body.Status); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}

// handleTriggerWorkflow starts a run directly, bypassing event matching.
// The request body becomes the trigger context.
func (s *server) handleTriggerWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID string         `json:"event_id"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFault(w, err)
		return
	}
	wf, err := s.store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if wf.Status != workflow.WorkflowStatusActive {
		writeFault(w, fault.New(fault.KindInvalidState, "workflow %s is %s, not active", wf.ID, wf.Status))
		return
	}
	run := &workflow.Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Workflow:   wf.Name,
		Tenant:     wf.Tenant,
		Trigger:    body.Payload,
		EventID:    body.EventID,
		Status:     workflow.RunStatusPending,
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		writeFault(w, err)
		return
	}
	if err := s.engine.Advance(r.Context(), run.ID); err != nil {
		logging.Error("gateway", "advance triggered run", "run_id", run.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": run.ID})
}

// --- runs ---

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := workflow.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     workflow.RunStatus(q.Get("status")),
		Limit:      queryInt64(r, "limit", 50),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	runs, err := s.store.QueryRuns(r.Context(), f)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeFault(w, err)
		return
	}
	nodes, err := s.store.ListNodeRuns(r.Context(), runID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":   run,
		"nodes": nodes,
	})
}

func (s *server) handleGetRunTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListTimeline(r.Context(), r.PathValue("id"), queryInt64(r, "limit", 200))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), runID); err != nil {
		writeFault(w, err)
		return
	}
	logging.Info("gateway", "run cancelled", "run_id", runID)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelled"})
}

// --- approvals ---

func (s *server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.ListPending(r.Context(), queryInt64(r, "limit", 100))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, approval.DecisionApproved)
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, approval.DecisionRejected)
}

func (s *server) resolveApproval(w http.ResponseWriter, r *http.Request, decision approval.Decision) {
	var body struct {
		Resolver string `json:"resolver"`
		Notes    string `json:"notes"`
	}
	_ = decodeBody(r, &body) // empty body is fine
	req, err := s.gate.Resolve(r.Context(), r.PathValue("id"), decision, body.Resolver, body.Notes)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.notifier.ApprovalResolved(req)
	logging.Info("gateway", "approval resolved",
		"approval_id", req.ID, "run_id", req.RunID, "decision", string(decision), "resolver", body.Resolver)
	if err := s.engine.Advance(r.Context(), req.RunID); err != nil {
		logging.Error("gateway", "advance after approval", "run_id", req.RunID, "error", err)
	}
	writeJSON(w, http.StatusOK, req)
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
