package orchestrator

import (
	"context"
	"time"

	"github.com/loomworks/loom/core/approval"
	"github.com/loomworks/loom/core/infra/locks"
	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/workflow"
)

const reconcilerLock = "orchestrator:reconciler"

// reconciler periodically re-drives non-terminal runs. It is the safety
// net behind the event-driven path: a crashed orchestrator, a lost result
// or a lapsed approval SLA all surface on the next scan. One instance
// scans at a time via the reconciler lock; per-run advisory locks keep
// concurrent advances off the same run.
type reconciler struct {
	store        *workflow.RedisStore
	engine       *workflow.Engine
	gate         *approval.Gate
	locks        *locks.Store
	pollInterval time.Duration
	runScanLimit int64
}

func newReconciler(store *workflow.RedisStore, engine *workflow.Engine, gate *approval.Gate, lockStore *locks.Store, pollInterval time.Duration, runScanLimit int64) *reconciler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if runScanLimit <= 0 {
		runScanLimit = 200
	}
	return &reconciler{
		store:        store,
		engine:       engine,
		gate:         gate,
		locks:        lockStore,
		pollInterval: pollInterval,
		runScanLimit: runScanLimit,
	}
}

func (r *reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.locks.TryAcquire(ctx, reconcilerLock, r.pollInterval*2)
			if err != nil {
				logging.Error("orchestrator", "reconciler lock", "error", err)
				continue
			}
			if !ok {
				continue
			}
			r.tick(ctx)
			_ = r.locks.Release(ctx, reconcilerLock)
		}
	}
}

func (r *reconciler) tick(ctx context.Context) {
	r.expireLapsedApprovals(ctx)
	statuses := []workflow.RunStatus{
		workflow.RunStatusPending,
		workflow.RunStatusRunning,
		workflow.RunStatusWaitingApproval,
	}
	for _, status := range statuses {
		ids, err := r.store.ListRunIDsByStatus(ctx, status, r.runScanLimit)
		if err != nil {
			logging.Error("orchestrator", "list runs by status", "status", string(status), "error", err)
			continue
		}
		for _, runID := range ids {
			r.reconcileRun(ctx, runID)
		}
	}
}

func (r *reconciler) reconcileRun(ctx context.Context, runID string) {
	lockName := runLock(runID)
	ok, err := r.locks.TryAcquire(ctx, lockName, 30*time.Second)
	if err != nil || !ok {
		return
	}
	defer func() { _ = r.locks.Release(context.Background(), lockName) }()

	if err := r.engine.Advance(ctx, runID); err != nil {
		logging.Error("orchestrator", "reconcile advance", "run_id", runID, "error", err)
	}
}

// expireLapsedApprovals resolves pending approvals whose workflow SLA has
// passed. Workflows without an SLA wait indefinitely.
func (r *reconciler) expireLapsedApprovals(ctx context.Context) {
	pending, err := r.gate.ListPending(ctx, r.runScanLimit)
	if err != nil {
		logging.Error("orchestrator", "list pending approvals", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, req := range pending {
		run, err := r.store.GetRun(ctx, req.RunID)
		if err != nil {
			continue
		}
		wf, err := r.store.GetWorkflow(ctx, run.WorkflowID)
		if err != nil || wf.ApprovalSLASec <= 0 {
			continue
		}
		if now.Sub(req.RequestedAt) < time.Duration(wf.ApprovalSLASec)*time.Second {
			continue
		}
		if _, err := r.gate.Expire(ctx, req.ID, "approval_timeout"); err != nil {
			continue
		}
		logging.Warn("orchestrator", "approval expired",
			"approval_id", req.ID, "run_id", req.RunID, "node_id", req.NodeID, "sla_sec", wf.ApprovalSLASec)
		r.reconcileRun(ctx, req.RunID)
	}
}

func runLock(runID string) string {
	return "run:" + runID
}
