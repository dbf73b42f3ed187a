package sandbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/protocol"
)

// Bus is the messaging surface the sandbox service needs.
type Bus interface {
	Publish(subject string, v any) error
	Subscribe(subject, queue string, handler func(data []byte) error) error
}

// Service executes invoke requests off the bus. Instances form a queue
// group, so running more sandboxd processes scales execution horizontally.
type Service struct {
	bus      Bus
	executor *Executor

	active int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]map[string]context.CancelFunc // run ID -> invocation ID
}

// NewService creates a sandbox service over the bus and executor.
func NewService(b Bus, ex *Executor) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		bus:      b,
		executor: ex,
		ctx:      ctx,
		cancel:   cancel,
		cancels:  make(map[string]map[string]context.CancelFunc),
	}
}

// Start subscribes to the invoke and cancel subjects. It does not block.
func (s *Service) Start() error {
	if err := s.bus.Subscribe(protocol.SubjectInvoke, "sandboxd", s.handleInvoke); err != nil {
		return err
	}
	return s.bus.Subscribe(protocol.SubjectInvokeCancel, "", s.handleCancel)
}

// Stop cancels in-flight invocations and waits for them to report.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ActiveInvocations reports in-flight executions, for health output.
func (s *Service) ActiveInvocations() int32 {
	return atomic.LoadInt32(&s.active)
}

func (s *Service) handleInvoke(data []byte) error {
	var req protocol.InvokeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		logging.Warn("sandboxd", "bad invoke request", "error", err)
		return nil
	}
	s.wg.Add(1)
	go s.run(&req)
	return nil
}

func (s *Service) run(req *protocol.InvokeRequest) {
	defer s.wg.Done()
	atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)

	ctx, cancelInv := context.WithCancel(s.ctx)
	s.registerCancel(req.RunID, req.InvocationID, cancelInv)
	defer s.clearCancel(req.RunID, req.InvocationID)

	logging.Info("sandboxd", "invoke",
		"invocation_id", req.InvocationID, "run_id", req.RunID, "node_id", req.NodeID, "attempt", req.Attempt)
	res := s.executor.Execute(ctx, req)
	if err := s.bus.Publish(protocol.SubjectInvokeResult, res); err != nil {
		logging.Error("sandboxd", "publish result", "invocation_id", req.InvocationID, "error", err)
		return
	}
	logging.Info("sandboxd", "invoke done",
		"invocation_id", req.InvocationID, "status", res.Status, "error_kind", res.ErrorKind, "elapsed_ms", res.ElapsedMs)
}

func (s *Service) handleCancel(data []byte) error {
	var rc protocol.RunCancel
	if err := json.Unmarshal(data, &rc); err != nil || rc.RunID == "" {
		return nil
	}
	// Snapshot under the lock: invocations of the same run that finish
	// concurrently delete from this map as they clear their cancel.
	s.cancelMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels[rc.RunID]))
	for id, cancelInv := range s.cancels[rc.RunID] {
		logging.Info("sandboxd", "cancelling invocation", "invocation_id", id, "run_id", rc.RunID)
		cancels = append(cancels, cancelInv)
	}
	s.cancelMu.Unlock()
	for _, cancelInv := range cancels {
		cancelInv()
	}
	return nil
}

func (s *Service) registerCancel(runID, invocationID string, cancelInv context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancels[runID] == nil {
		s.cancels[runID] = make(map[string]context.CancelFunc)
	}
	s.cancels[runID][invocationID] = cancelInv
}

func (s *Service) clearCancel(runID, invocationID string) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if byInv := s.cancels[runID]; byInv != nil {
		delete(byInv, invocationID)
		if len(byInv) == 0 {
			delete(s.cancels, runID)
		}
	}
}
