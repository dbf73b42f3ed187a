package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/core/infra/buildinfo"
	"github.com/loomworks/loom/core/infra/bus"
	"github.com/loomworks/loom/core/infra/config"
	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/sandbox"
)

const defaultHTTPAddr = ":9094"

func main() {
	log.Println("loom sandboxd starting...")
	buildinfo.Log("loom-sandboxd")
	cfg := config.Load()
	if err := run(cfg); err != nil {
		log.Fatalf("sandboxd error: %v", err)
	}
}

func run(cfg *config.Config) error {
	runtime, err := sandbox.NewLocalRuntime(cfg.SandboxWorkDir)
	if err != nil {
		return fmt.Errorf("init sandbox runtime: %w", err)
	}

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	executor := sandbox.NewExecutor(runtime)
	svc := sandbox.NewService(natsBus, executor)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("subscribe invoke subjects: %w", err)
	}

	addr := os.Getenv("SANDBOXD_HTTP_ADDR")
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srv := startHealthServer(addr, executor, svc)
	logging.Info("sandboxd", "started", "http", addr, "work_dir", cfg.SandboxWorkDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	svc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info("sandboxd", "stopped")
	return nil
}

func startHealthServer(addr string, executor *sandbox.Executor, svc *sandbox.Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := executor.HealthCheck(r.Context(), r.URL.Query().Get("entry_ref")); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active=%d", svc.ActiveInvocations())
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("sandboxd", "http server error", "error", err)
		}
	}()
	return srv
}
