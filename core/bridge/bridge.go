package bridge

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/core/workflow"
)

// Bus is the messaging surface the bridge needs.
type Bus interface {
	Publish(subject string, v any) error
	Subscribe(subject, queue string, handler func(data []byte) error) error
}

// Bridge turns inbound trigger events into workflow runs and publishes
// run and approval notifications for downstream consumers.
type Bridge struct {
	store  *workflow.RedisStore
	bus    Bus
	tenant string

	// OnRunCreated is wired by the orchestrator to advance fresh runs.
	OnRunCreated func(runID string)
}

// New creates a bridge over the workflow store and bus.
func New(store *workflow.RedisStore, bus Bus, tenant string) *Bridge {
	return &Bridge{store: store, bus: bus, tenant: tenant}
}

// Start subscribes to the trigger event wildcard. Instances share a queue
// group; the event idempotency key makes redundant deliveries harmless.
func (b *Bridge) Start() error {
	return b.bus.Subscribe(protocol.SubjectTriggerWildcard, "trigger-bridge", b.handleEvent)
}

func (b *Bridge) handleEvent(data []byte) error {
	var ev protocol.TriggerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logging.Warn("bridge", "bad trigger event", "error", err)
		return nil
	}
	runIDs, err := b.HandleEvent(context.Background(), &ev)
	if err != nil {
		logging.Error("bridge", "handle trigger event", "event_id", ev.EventID, "error", err)
		return err
	}
	for _, id := range runIDs {
		if b.OnRunCreated != nil {
			b.OnRunCreated(id)
		}
	}
	return nil
}

// HandleEvent matches one event against every active workflow and creates
// a run per match. An event that matches nothing is dropped without error.
// The (event, workflow) idempotency key makes duplicate deliveries create
// at most one run.
func (b *Bridge) HandleEvent(ctx context.Context, ev *protocol.TriggerEvent) ([]string, error) {
	if ev.EventSubject == "" {
		return nil, nil
	}
	workflows, err := b.store.ListWorkflows(ctx, b.tenant, workflow.WorkflowStatusActive, 0)
	if err != nil {
		return nil, err
	}
	var created []string
	for _, wf := range workflows {
		if !TriggerMatches(wf.Trigger, ev.EventSubject, ev.ContextPayload) {
			continue
		}
		runID, err := b.createRun(ctx, wf, ev)
		if err != nil {
			logging.Error("bridge", "create run", "workflow", wf.Name, "event_id", ev.EventID, "error", err)
			continue
		}
		if runID != "" {
			created = append(created, runID)
		}
	}
	return created, nil
}

func (b *Bridge) createRun(ctx context.Context, wf *workflow.Workflow, ev *protocol.TriggerEvent) (string, error) {
	runID := uuid.NewString()
	if ev.EventID != "" {
		fresh, err := b.store.TrySetIdempotencyKey(ctx, ev.EventID+":"+wf.ID, runID)
		if err != nil {
			return "", err
		}
		if !fresh {
			logging.Info("bridge", "duplicate event ignored", "event_id", ev.EventID, "workflow", wf.Name)
			return "", nil
		}
	}
	run := &workflow.Run{
		ID:         runID,
		WorkflowID: wf.ID,
		Workflow:   wf.Name,
		Tenant:     wf.Tenant,
		Trigger:    ev.ContextPayload,
		EventID:    ev.EventID,
		Status:     workflow.RunStatusPending,
	}
	if err := b.store.CreateRun(ctx, run); err != nil {
		return "", err
	}
	logging.Info("bridge", "run created",
		"run_id", runID, "workflow", wf.Name, "event_id", ev.EventID, "subject", ev.EventSubject)
	return runID, nil
}
