package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/core/approval"
	"github.com/loomworks/loom/core/bridge"
	"github.com/loomworks/loom/core/infra/bus"
	"github.com/loomworks/loom/core/infra/config"
	"github.com/loomworks/loom/core/infra/locks"
	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/infra/metrics"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/core/registry"
	"github.com/loomworks/loom/core/workflow"
)

const (
	orchestratorQueue      = "loom-orchestrator"
	defaultShutdownTimeout = 3 * time.Second
)

// Run starts the orchestrator control-plane component: the DAG runner,
// the trigger bridge, the reconciler and the result subscription.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}

	store, err := workflow.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect workflow store: %w", err)
	}
	defer store.Close()

	agents, err := registry.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect agent registry: %w", err)
	}
	defer agents.Close()

	gate, err := approval.NewRedisGate(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect approval gate: %w", err)
	}
	defer gate.Close()

	hostname, _ := os.Hostname()
	lockStore, err := locks.NewRedisLockStore(cfg.RedisURL, "orchestrator-"+hostname)
	if err != nil {
		return fmt.Errorf("connect lock store: %w", err)
	}
	defer lockStore.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	engine := workflow.NewEngine(store, agents, gate, natsBus).
		WithMetrics(metrics.NewProm("loom_orchestrator")).
		WithMaxAttempts(cfg.NodeMaxAttempts)

	notifier := bridge.NewNotifier(natsBus)
	engine.OnRunFinished = func(run *workflow.Run, nodes map[string]*workflow.NodeRun) {
		notifier.RunFinished(run, nodes)
	}
	engine.OnApprovalRequested = func(req *approval.Request, wf *workflow.Workflow, node *workflow.Node, agentName string, input map[string]any, risk registry.Risk) {
		notifier.ApprovalRequested(req, agentName, input, string(risk))
	}

	trigger := bridge.New(store, natsBus, cfg.Tenant)
	trigger.OnRunCreated = func(runID string) {
		if err := engine.Advance(context.Background(), runID); err != nil {
			logging.Error("orchestrator", "advance new run", "run_id", runID, "error", err)
		}
	}
	if err := trigger.Start(); err != nil {
		return fmt.Errorf("subscribe triggers: %w", err)
	}

	if err := natsBus.Subscribe(protocol.SubjectInvokeResult, orchestratorQueue, func(data []byte) error {
		var res protocol.InvokeResult
		if err := json.Unmarshal(data, &res); err != nil {
			logging.Warn("orchestrator", "bad invoke result", "error", err)
			return nil
		}
		return handleResultLocked(lockStore, engine, &res)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectInvokeResult, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := newReconciler(store, engine, gate, lockStore, cfg.ScanInterval, cfg.RunScanLimit)
	go rec.Start(ctx)

	srv := startHealthServer(cfg.HealthAddr, store)
	logging.Info("orchestrator", "started",
		"http", cfg.HealthAddr, "scan_interval", cfg.ScanInterval.String(), "run_scan_limit", cfg.RunScanLimit)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info("orchestrator", "stopped")
	return nil
}

// handleResultLocked serializes result handling per run behind an advisory
// lock; a busy lock redelivers the message rather than dropping it.
func handleResultLocked(lockStore *locks.Store, engine *workflow.Engine, res *protocol.InvokeResult) error {
	lockName := runLock(res.RunID)
	ok, err := lockStore.TryAcquire(context.Background(), lockName, 30*time.Second)
	if err != nil {
		return bus.RetryAfter(err, time.Second)
	}
	if !ok {
		return bus.RetryAfter(fmt.Errorf("run lock busy"), 500*time.Millisecond)
	}
	defer func() { _ = lockStore.Release(context.Background(), lockName) }()
	return engine.HandleResult(context.Background(), res)
}

func startHealthServer(addr string, store *workflow.RedisStore) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("orchestrator", "http server error", "error", err)
		}
	}()
	return srv
}
