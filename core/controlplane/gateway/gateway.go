package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/core/approval"
	"github.com/loomworks/loom/core/bridge"
	"github.com/loomworks/loom/core/fault"
	"github.com/loomworks/loom/core/infra/bus"
	"github.com/loomworks/loom/core/infra/config"
	"github.com/loomworks/loom/core/infra/logging"
	infraMetrics "github.com/loomworks/loom/core/infra/metrics"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/core/registry"
	"github.com/loomworks/loom/core/workflow"
)

const (
	defaultShutdownTimeout = 3 * time.Second
	maxBodyBytes           = 2 << 20
)

// streamFrame is one websocket event frame.
type streamFrame struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// gatewayBus is the bus surface the gateway needs; satisfied by the NATS
// bus and by test stubs.
type gatewayBus interface {
	Publish(subject string, v any) error
	Subscribe(subject, queue string, handler func(data []byte) error) error
	IsConnected() bool
}

type server struct {
	store    *workflow.RedisStore
	agents   *registry.Store
	gate     *approval.Gate
	bus      gatewayBus
	engine   *workflow.Engine
	notifier *bridge.Notifier
	metrics  infraMetrics.GatewayMetrics
	tenant   string
	started  time.Time

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]chan streamFrame
}

func newServer(store *workflow.RedisStore, agents *registry.Store, gate *approval.Gate, b gatewayBus, tenant string) *server {
	return &server{
		store:    store,
		agents:   agents,
		gate:     gate,
		bus:      b,
		engine:   workflow.NewEngine(store, agents, gate, b),
		notifier: bridge.NewNotifier(b),
		tenant:   tenant,
		started:  time.Now(),
		clients:  make(map[*websocket.Conn]chan streamFrame),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Run starts the gateway: the ops HTTP surface plus the websocket event
// stream.
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

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	s := newServer(store, agents, gate, natsBus, cfg.Tenant)
	s.metrics = infraMetrics.NewGatewayProm("loom_gateway")

	if err := s.subscribeStreamEvents(); err != nil {
		return fmt.Errorf("subscribe stream events: %w", err)
	}

	srv := &http.Server{
		Addr:         cfg.GatewayAddr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", "http server error", "error", err)
		}
	}()
	logging.Info("gateway", "started", "http", cfg.GatewayAddr, "tenant", cfg.Tenant)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info("gateway", "stopped")
	return nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", infraMetrics.Handler())
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /api/v1/agents", s.instrumented("/api/v1/agents", s.handleRegisterAgent))
	mux.HandleFunc("GET /api/v1/agents", s.instrumented("/api/v1/agents", s.handleListAgents))

	mux.HandleFunc("POST /api/v1/workflows", s.instrumented("/api/v1/workflows", s.handleCreateWorkflow))
	mux.HandleFunc("GET /api/v1/workflows", s.instrumented("/api/v1/workflows", s.handleListWorkflows))
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.instrumented("/api/v1/workflows/{id}", s.handleGetWorkflow))
	mux.HandleFunc("POST /api/v1/workflows/{id}/status", s.instrumented("/api/v1/workflows/{id}/status", s.handleSetWorkflowStatus))
	mux.HandleFunc("POST /api/v1/workflows/{id}/trigger", s.instrumented("/api/v1/workflows/{id}/trigger", s.handleTriggerWorkflow))

	mux.HandleFunc("GET /api/v1/runs", s.instrumented("/api/v1/runs", s.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}", s.instrumented("/api/v1/runs/{id}", s.handleGetRun))
	mux.HandleFunc("GET /api/v1/runs/{id}/timeline", s.instrumented("/api/v1/runs/{id}/timeline", s.handleGetRunTimeline))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.instrumented("/api/v1/runs/{id}/cancel", s.handleCancelRun))

	mux.HandleFunc("GET /api/v1/approvals", s.instrumented("/api/v1/approvals", s.handleListApprovals))
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.instrumented("/api/v1/approvals/{id}/approve", s.handleApprove))
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", s.instrumented("/api/v1/approvals/{id}/reject", s.handleReject))

	mux.HandleFunc("GET /api/v1/stream", s.handleStream)

	return corsMiddleware(mux)
}

// --- websocket event stream ---

func (s *server) subscribeStreamEvents() error {
	fan := func(subject string) func(data []byte) error {
		return func(data []byte) error {
			s.broadcast(streamFrame{Subject: subject, Data: json.RawMessage(data)})
			return nil
		}
	}
	if err := s.bus.Subscribe(protocol.SubjectRunResultPrefix+">", "", fan("run.result")); err != nil {
		return err
	}
	if err := s.bus.Subscribe(protocol.SubjectApprovalRequested, "", fan(protocol.SubjectApprovalRequested)); err != nil {
		return err
	}
	return s.bus.Subscribe(protocol.SubjectApprovalResolved, "", fan(protocol.SubjectApprovalResolved))
}

func (s *server) broadcast(frame streamFrame) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, ch := range s.clients {
		select {
		case ch <- frame:
		default: // slow client, drop the frame
		}
	}
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("gateway", "ws connected", "remote", r.RemoteAddr)

	clientCh := make(chan streamFrame, 100)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case frame := <-clientCh:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// --- middleware and helpers ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record request metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault maps classified errors onto HTTP statuses.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindInputResolution:
		status = http.StatusBadRequest
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindConflict, fault.KindInvalidState, fault.KindStaleState:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fault.New(fault.KindValidation, "decode request body: %v", err)
	}
	return nil
}
