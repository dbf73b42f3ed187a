package bridge

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/core/workflow"
)

type noopBus struct{}

func (noopBus) Publish(subject string, v any) error { return nil }
func (noopBus) Subscribe(subject, queue string, handler func(data []byte) error) error {
	return nil
}

func newTestBridge(t *testing.T) (*Bridge, *workflow.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := workflow.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, noopBus{}, "default"), store
}

func saveActive(t *testing.T, store *workflow.RedisStore, wf *workflow.Workflow) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	if err := store.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetWorkflowStatus(ctx, wf.ID, workflow.WorkflowStatusActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return wf
}

func pushWorkflow(name string) *workflow.Workflow {
	return &workflow.Workflow{
		Name:    name,
		Tenant:  "default",
		Trigger: workflow.Trigger{Subject: "repo.push.*"},
		Nodes: []*workflow.Node{
			{ID: "scan", AgentID: "default/worker@v1", Action: "scan"},
		},
	}
}

func TestHandleEventCreatesRun(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()
	wf := saveActive(t, store, pushWorkflow("ci"))

	created, err := b.HandleEvent(ctx, &protocol.TriggerEvent{
		EventID:        "evt-1",
		EventSubject:   "repo.push.main",
		ContextPayload: map[string]any{"repo": "loom"},
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created = %v", created)
	}

	run, err := store.GetRun(ctx, created[0])
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.WorkflowID != wf.ID || run.Status != workflow.RunStatusPending {
		t.Fatalf("run = %+v", run)
	}
	if run.EventID != "evt-1" || run.Trigger["repo"] != "loom" {
		t.Fatalf("event context not carried onto run: %+v", run)
	}
}

func TestHandleEventDeduplicates(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()
	saveActive(t, store, pushWorkflow("ci"))

	ev := &protocol.TriggerEvent{EventID: "evt-1", EventSubject: "repo.push.main"}
	first, err := b.HandleEvent(ctx, ev)
	if err != nil || len(first) != 1 {
		t.Fatalf("first delivery: %v %v", first, err)
	}
	second, err := b.HandleEvent(ctx, ev)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("duplicate delivery created runs: %v", second)
	}

	runs, err := store.QueryRuns(ctx, workflow.RunFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}

	// A distinct event for the same workflow still creates a run.
	third, err := b.HandleEvent(ctx, &protocol.TriggerEvent{EventID: "evt-2", EventSubject: "repo.push.main"})
	if err != nil || len(third) != 1 {
		t.Fatalf("third delivery: %v %v", third, err)
	}
}

func TestHandleEventSkipsNonMatching(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()
	saveActive(t, store, pushWorkflow("ci"))

	// Draft workflows never trigger, even on a matching subject.
	draft := pushWorkflow("draft")
	if err := store.SaveWorkflow(ctx, draft); err != nil {
		t.Fatalf("save draft: %v", err)
	}

	created, err := b.HandleEvent(ctx, &protocol.TriggerEvent{EventID: "evt-1", EventSubject: "repo.pull.main"})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("non-matching subject created runs: %v", created)
	}

	created, err = b.HandleEvent(ctx, &protocol.TriggerEvent{EventID: "evt-2", EventSubject: "repo.push.main"})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("only the active workflow should trigger: %v", created)
	}
}

func TestHandleEventFanOut(t *testing.T) {
	b, store := newTestBridge(t)
	ctx := context.Background()
	saveActive(t, store, pushWorkflow("ci"))
	nightly := pushWorkflow("nightly")
	nightly.Trigger.Subject = "repo.>"
	saveActive(t, store, nightly)

	created, err := b.HandleEvent(ctx, &protocol.TriggerEvent{EventID: "evt-1", EventSubject: "repo.push.main"})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("both matching workflows should run: %v", created)
	}
}
