package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/core/fault"
)

const timelineMaxEntries = 1000

// RedisStore persists workflow definitions, runs and node runs in Redis.
// Run and node documents live in hashes with a dedicated status field so
// status transitions can be compare-and-set server-side: two schedulers
// racing on the same transition leave exactly one winner, the loser gets a
// stale_state fault and re-reads.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed workflow store.
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping checks store liveness.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var createDocScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'doc', ARGV[2])
return 1
`)

var casDocScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'doc', ARGV[3])
return 1
`)

// --- Workflow definitions ---

// SaveWorkflow validates and persists a workflow definition. Names are
// unique per tenant; saving under an existing name updates that workflow
// and bumps its version. The node graph is validated here, at registration:
// no run is ever created from a definition that fails this check.
func (s *RedisStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.Name == "" {
		return fault.New(fault.KindValidation, "workflow name required")
	}
	if wf.Tenant == "" {
		wf.Tenant = "default"
	}
	if wf.Trigger.Subject == "" {
		return fault.New(fault.KindValidation, "workflow trigger subject required")
	}
	if err := ValidateGraph(wf); err != nil {
		return err
	}
	if wf.Status == "" {
		wf.Status = WorkflowStatusDraft
	}

	now := time.Now().UTC()
	nameKey := workflowNameKey(wf.Tenant, wf.Name)
	if wf.ID == "" {
		existingID, err := s.client.Get(ctx, nameKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if existingID != "" {
			wf.ID = existingID
		} else {
			wf.ID = wf.Tenant + "/" + wf.Name
		}
	}
	if prev, err := s.GetWorkflow(ctx, wf.ID); err == nil {
		wf.Version = prev.Version + 1
		wf.CreatedAt = prev.CreatedAt
	} else {
		wf.Version = 1
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now

	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workflowKey(wf.ID), payload, 0)
	pipe.Set(ctx, nameKey, wf.ID, 0)
	pipe.ZAdd(ctx, workflowIndexKey(wf.Tenant), redis.Z{Score: float64(now.Unix()), Member: wf.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetWorkflow returns a workflow definition by ID.
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	if id == "" {
		return nil, fault.New(fault.KindValidation, "workflow id required")
	}
	data, err := s.client.Get(ctx, workflowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.KindNotFound, "workflow %s not found", id)
		}
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// GetWorkflowByName resolves a workflow by its tenant-scoped name.
func (s *RedisStore) GetWorkflowByName(ctx context.Context, tenant, name string) (*Workflow, error) {
	if tenant == "" {
		tenant = "default"
	}
	id, err := s.client.Get(ctx, workflowNameKey(tenant, name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.KindNotFound, "workflow %s/%s not found", tenant, name)
		}
		return nil, err
	}
	return s.GetWorkflow(ctx, id)
}

// ListWorkflows returns recent workflows for a tenant, optionally filtered
// by lifecycle status.
func (s *RedisStore) ListWorkflows(ctx context.Context, tenant string, status WorkflowStatus, limit int64) ([]*Workflow, error) {
	if tenant == "" {
		tenant = "default"
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, workflowIndexKey(tenant), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			continue
		}
		if status != "" && wf.Status != status {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

// SetWorkflowStatus moves a definition through its lifecycle.
func (s *RedisStore) SetWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	wf.Status = status
	wf.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	return s.client.Set(ctx, workflowKey(id), payload, 0).Err()
}

// --- Runs ---

// CreateRun persists a new run. Creation is append-only; the run must not
// already exist.
func (s *RedisStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" || run.WorkflowID == "" {
		return fault.New(fault.KindValidation, "run id and workflow id required")
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	created, err := createDocScript.Run(ctx, s.client, []string{runKey(run.ID)}, string(run.Status), payload).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return fault.New(fault.KindConflict, "run %s already exists", run.ID)
	}
	score := float64(now.Unix())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, runAllIndexKey(), redis.Z{Score: score, Member: run.ID})
	pipe.ZAdd(ctx, runWorkflowIndexKey(run.WorkflowID), redis.Z{Score: score, Member: run.ID})
	pipe.ZAdd(ctx, runStatusIndexKey(run.Status), redis.Z{Score: score, Member: run.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetRun fetches a run by ID.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, fault.New(fault.KindValidation, "run id required")
	}
	data, err := s.client.HGet(ctx, runKey(runID), "doc").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.KindNotFound, "run %s not found", runID)
		}
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

// TransitionRun writes the run document iff its stored status still equals
// from. A mismatch means another scheduler got there first: the caller
// receives a stale_state fault and must re-read rather than retry blindly.
func (s *RedisStore) TransitionRun(ctx context.Context, run *Run, from RunStatus) error {
	if run == nil || run.ID == "" {
		return fault.New(fault.KindValidation, "run required")
	}
	run.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	ok, err := casDocScript.Run(ctx, s.client, []string{runKey(run.ID)}, string(from), string(run.Status), payload).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fault.New(fault.KindStaleState, "run %s is no longer %s", run.ID, from)
	}
	if run.Status != from {
		score := float64(run.UpdatedAt.Unix())
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, runStatusIndexKey(from), run.ID)
		pipe.ZAdd(ctx, runStatusIndexKey(run.Status), redis.Z{Score: score, Member: run.ID})
		_, err = pipe.Exec(ctx)
	}
	return err
}

// ListRunIDsByStatus returns recent run IDs in a given status.
func (s *RedisStore) ListRunIDsByStatus(ctx context.Context, status RunStatus, limit int64) ([]string, error) {
	if status == "" {
		return nil, fault.New(fault.KindValidation, "status required")
	}
	if limit <= 0 {
		limit = 200
	}
	return s.client.ZRevRange(ctx, runStatusIndexKey(status), 0, limit-1).Result()
}

// QueryRuns returns run history filtered by workflow, status and time range.
func (s *RedisStore) QueryRuns(ctx context.Context, f RunFilter) ([]*Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	index := runAllIndexKey()
	if f.WorkflowID != "" {
		index = runWorkflowIndexKey(f.WorkflowID)
	} else if f.Status != "" {
		index = runStatusIndexKey(f.Status)
	}
	min, max := "-inf", "+inf"
	if !f.Since.IsZero() {
		min = fmt.Sprintf("%d", f.Since.Unix())
	}
	if !f.Until.IsZero() {
		max = fmt.Sprintf("%d", f.Until.Unix())
	}
	ids, err := s.client.ZRevRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: min, Max: max, Offset: 0, Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

// --- Node runs ---

// CreateNodeRun records a node dispatch attempt. Exactly one record exists
// per (run, node): a second creation attempt reports a conflict, which is
// how duplicate dispatch is detected under concurrent schedulers.
func (s *RedisStore) CreateNodeRun(ctx context.Context, nr *NodeRun) error {
	if nr == nil || nr.RunID == "" || nr.NodeID == "" {
		return fault.New(fault.KindValidation, "node run requires run id and node id")
	}
	if nr.Status == "" {
		nr.Status = NodeStatusPending
	}
	payload, err := json.Marshal(nr)
	if err != nil {
		return fmt.Errorf("marshal node run: %w", err)
	}
	created, err := createDocScript.Run(ctx, s.client, []string{nodeRunKey(nr.RunID, nr.NodeID)}, string(nr.Status), payload).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return fault.New(fault.KindConflict, "node run %s/%s already exists", nr.RunID, nr.NodeID)
	}
	return s.client.SAdd(ctx, nodeRunSetKey(nr.RunID), nr.NodeID).Err()
}

// GetNodeRun fetches a node run.
func (s *RedisStore) GetNodeRun(ctx context.Context, runID, nodeID string) (*NodeRun, error) {
	data, err := s.client.HGet(ctx, nodeRunKey(runID, nodeID), "doc").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.KindNotFound, "node run %s/%s not found", runID, nodeID)
		}
		return nil, err
	}
	var nr NodeRun
	if err := json.Unmarshal(data, &nr); err != nil {
		return nil, fmt.Errorf("unmarshal node run: %w", err)
	}
	return &nr, nil
}

// ListNodeRuns returns every node run of a run, keyed by node ID.
func (s *RedisStore) ListNodeRuns(ctx context.Context, runID string) (map[string]*NodeRun, error) {
	ids, err := s.client.SMembers(ctx, nodeRunSetKey(runID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*NodeRun, len(ids))
	for _, id := range ids {
		nr, err := s.GetNodeRun(ctx, runID, id)
		if err != nil {
			continue
		}
		out[id] = nr
	}
	return out, nil
}

// TransitionNode writes the node run document iff its stored status still
// equals from; see TransitionRun.
func (s *RedisStore) TransitionNode(ctx context.Context, nr *NodeRun, from NodeStatus) error {
	if nr == nil || nr.RunID == "" || nr.NodeID == "" {
		return fault.New(fault.KindValidation, "node run required")
	}
	payload, err := json.Marshal(nr)
	if err != nil {
		return fmt.Errorf("marshal node run: %w", err)
	}
	ok, err := casDocScript.Run(ctx, s.client, []string{nodeRunKey(nr.RunID, nr.NodeID)}, string(from), string(nr.Status), payload).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fault.New(fault.KindStaleState, "node run %s/%s is no longer %s", nr.RunID, nr.NodeID, from)
	}
	return nil
}

// --- Timeline ---

// AppendTimeline records a run event in append-only order.
func (s *RedisStore) AppendTimeline(ctx context.Context, runID string, event *TimelineEvent) error {
	if runID == "" || event == nil {
		return fault.New(fault.KindValidation, "run id and event required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, timelineKey(runID), data)
	pipe.LTrim(ctx, timelineKey(runID), -timelineMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListTimeline returns timeline events for a run in chronological order.
func (s *RedisStore) ListTimeline(ctx context.Context, runID string, limit int64) ([]TimelineEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	raw, err := s.client.LRange(ctx, timelineKey(runID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEvent, 0, len(raw))
	for _, item := range raw {
		var evt TimelineEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

// TrySetIdempotencyKey claims a trigger delivery key. Returns false when a
// run was already created for this key, which dedupes duplicate deliveries.
func (s *RedisStore) TrySetIdempotencyKey(ctx context.Context, key, runID string) (bool, error) {
	if key == "" || runID == "" {
		return false, fault.New(fault.KindValidation, "idempotency key and run id required")
	}
	return s.client.SetNX(ctx, idempotencyKey(key), runID, 0).Result()
}

// --- keys ---

func workflowKey(id string) string            { return "wf:def:" + id }
func workflowNameKey(t, n string) string      { return "wf:name:" + t + ":" + n }
func workflowIndexKey(tenant string) string   { return "wf:index:" + tenant }
func runKey(id string) string                 { return "wf:run:" + id }
func runAllIndexKey() string                  { return "wf:runs:all" }
func runWorkflowIndexKey(wfID string) string  { return "wf:runs:" + wfID }
func runStatusIndexKey(s RunStatus) string    { return "wf:runs:status:" + string(s) }
func nodeRunKey(runID, nodeID string) string  { return "wf:run:" + runID + ":node:" + nodeID }
func nodeRunSetKey(runID string) string       { return "wf:run:" + runID + ":nodes" }
func timelineKey(runID string) string         { return "wf:run:" + runID + ":timeline" }
func idempotencyKey(key string) string        { return "wf:run:idem:" + key }
