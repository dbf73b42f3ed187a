package sandbox

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/core/fault"
	"github.com/loomworks/loom/core/protocol"
)

type serviceBus struct {
	mu       sync.Mutex
	handlers map[string]func(data []byte) error
	results  []*protocol.InvokeResult
}

func newServiceBus() *serviceBus {
	return &serviceBus{handlers: make(map[string]func(data []byte) error)}
}

func (b *serviceBus) Publish(subject string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subject == protocol.SubjectInvokeResult {
		b.results = append(b.results, v.(*protocol.InvokeResult))
	}
	return nil
}

func (b *serviceBus) Subscribe(subject, queue string, handler func(data []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return nil
}

func (b *serviceBus) deliver(t *testing.T, subject string, v any) {
	t.Helper()
	b.mu.Lock()
	handler := b.handlers[subject]
	b.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription on %s", subject)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := handler(data); err != nil {
		t.Fatalf("deliver %s: %v", subject, err)
	}
}

func (b *serviceBus) firstResult() *protocol.InvokeResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.results) == 0 {
		return nil
	}
	return b.results[0]
}

func awaitResult(t *testing.T, b *serviceBus) *protocol.InvokeResult {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if res := b.firstResult(); res != nil {
			return res
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no result published")
	return nil
}

func TestServiceExecutesAndPublishes(t *testing.T) {
	b := newServiceBus()
	box := &stubBox{result: &ExecResult{Stdout: []byte(`{"ok":true,"output":{"count":1}}`)}}
	svc := NewService(b, NewExecutor(&stubRuntime{box: box}))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	b.deliver(t, protocol.SubjectInvoke, invokeRequest())

	res := awaitResult(t, b)
	if res.Status != "success" || res.InvocationID != "r1:scan:1" {
		t.Fatalf("res = %+v", res)
	}
	if svc.ActiveInvocations() != 0 {
		t.Fatalf("active = %d after completion", svc.ActiveInvocations())
	}
}

func TestServiceCancelsRunInvocations(t *testing.T) {
	b := newServiceBus()
	box := &stubBox{block: true}
	svc := NewService(b, NewExecutor(&stubRuntime{box: box}))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	b.deliver(t, protocol.SubjectInvoke, invokeRequest())

	deadline := time.Now().Add(3 * time.Second)
	for svc.ActiveInvocations() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if svc.ActiveInvocations() != 1 {
		t.Fatalf("invocation never started")
	}

	b.deliver(t, protocol.SubjectInvokeCancel, &protocol.RunCancel{RunID: "r1"})

	res := awaitResult(t, b)
	if res.ErrorKind != string(fault.KindCancelled) {
		t.Fatalf("res = %+v", res)
	}
}

// Cancellation must tolerate sibling invocations of the same run finishing
// while the cancel is being delivered.
func TestServiceCancelDuringCompletion(t *testing.T) {
	svc := NewService(newServiceBus(), NewExecutor(&stubRuntime{box: &stubBox{}}))

	// An anchor invocation keeps the run's cancel map alive while the
	// goroutines below churn it.
	svc.registerCancel("r1", "r1:anchor:1", func() {})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			id := fmt.Sprintf("r1:scan:%d", i)
			svc.registerCancel("r1", id, func() {})
			svc.clearCancel("r1", id)
		}
	}()
	go func() {
		defer wg.Done()
		data, _ := json.Marshal(&protocol.RunCancel{RunID: "r1"})
		for i := 0; i < 1000; i++ {
			_ = svc.handleCancel(data)
		}
	}()
	wg.Wait()
}

func TestServiceIgnoresMalformedRequests(t *testing.T) {
	b := newServiceBus()
	svc := NewService(b, NewExecutor(&stubRuntime{box: &stubBox{}}))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	b.mu.Lock()
	handler := b.handlers[protocol.SubjectInvoke]
	b.mu.Unlock()
	if err := handler([]byte("not json")); err != nil {
		t.Fatalf("malformed request must not error: %v", err)
	}
	if svc.ActiveInvocations() != 0 {
		t.Fatalf("malformed request started an invocation")
	}
}
