package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/core/fault"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Decision is the resolution of an approval request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Request is a pending human decision gating one node run. Requests are
// durable: approval waits are unbounded and must survive process restarts.
type Request struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	NodeID      string     `json:"node_id"`
	Status      Status     `json:"status"`
	Reason      string     `json:"reason,omitempty"` // approval_timeout, run_cancelled
	Resolver    string     `json:"resolver,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Gate persists approval requests and exposes the wait/resolve primitives.
type Gate struct {
	client *redis.Client
}

// NewRedisGate connects an approval gate store.
func NewRedisGate(url string) (*Gate, error) {
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
	return &Gate{client: client}, nil
}

// Close closes the underlying client.
func (g *Gate) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

var resolveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if cur ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'doc', ARGV[2])
return 1
`)

// Request creates a pending approval for one (run, node) pair. A second
// request for the same pair is a conflict.
func (g *Gate) Request(ctx context.Context, runID, nodeID string) (*Request, error) {
	if runID == "" || nodeID == "" {
		return nil, fault.New(fault.KindValidation, "run id and node id required")
	}
	req := &Request{
		ID:          uuid.NewString(),
		RunID:       runID,
		NodeID:      nodeID,
		Status:      StatusPending,
		RequestedAt: time.Now().UTC(),
	}
	claimed, err := g.client.SetNX(ctx, pairKey(runID, nodeID), req.ID, 0).Result()
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fault.New(fault.KindConflict, "approval already requested for %s/%s", runID, nodeID)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal approval: %w", err)
	}
	pipe := g.client.TxPipeline()
	pipe.HSet(ctx, requestKey(req.ID), "status", string(req.Status), "doc", payload)
	pipe.ZAdd(ctx, pendingIndexKey(), redis.Z{Score: float64(req.RequestedAt.Unix()), Member: req.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return req, nil
}

// Get fetches an approval request by ID.
func (g *Gate) Get(ctx context.Context, id string) (*Request, error) {
	if id == "" {
		return nil, fault.New(fault.KindValidation, "approval id required")
	}
	data, err := g.client.HGet(ctx, requestKey(id), "doc").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.KindNotFound, "approval %s not found", id)
		}
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	return &req, nil
}

// GetForNode returns the approval request gating one (run, node) pair.
func (g *Gate) GetForNode(ctx context.Context, runID, nodeID string) (*Request, error) {
	id, err := g.client.Get(ctx, pairKey(runID, nodeID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.KindNotFound, "no approval for %s/%s", runID, nodeID)
		}
		return nil, err
	}
	return g.Get(ctx, id)
}

// Resolve transitions a pending request to approved or rejected. Resolution
// happens exactly once; a second resolution is an invalid_state fault.
func (g *Gate) Resolve(ctx context.Context, id string, decision Decision, resolver, notes string) (*Request, error) {
	return g.resolve(ctx, id, decision, resolver, notes, "")
}

// Expire resolves a pending request as rejected with the given reason
// (approval_timeout for SLA expiry, run_cancelled for cancellation).
func (g *Gate) Expire(ctx context.Context, id, reason string) (*Request, error) {
	return g.resolve(ctx, id, DecisionRejected, "system", "", reason)
}

func (g *Gate) resolve(ctx context.Context, id string, decision Decision, resolver, notes, reason string) (*Request, error) {
	req, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fault.New(fault.KindInvalidState, "approval %s already resolved as %s", id, req.Status)
	}
	now := time.Now().UTC()
	req.Status = StatusApproved
	if decision == DecisionRejected {
		req.Status = StatusRejected
	}
	req.Resolver = resolver
	req.Notes = notes
	req.Reason = reason
	req.ResolvedAt = &now

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal approval: %w", err)
	}
	ok, err := resolveScript.Run(ctx, g.client, []string{requestKey(id)}, string(req.Status), payload).Int()
	if err != nil {
		return nil, err
	}
	if ok == 0 {
		return nil, fault.New(fault.KindInvalidState, "approval %s already resolved", id)
	}
	_ = g.client.ZRem(ctx, pendingIndexKey(), id).Err()
	return req, nil
}

// ListPending returns pending approval requests, oldest first.
func (g *Gate) ListPending(ctx context.Context, limit int64) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := g.client.ZRange(ctx, pendingIndexKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		req, err := g.Get(ctx, id)
		if err != nil || req.Status != StatusPending {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Await blocks until the request leaves pending, polling the durable record
// so a resolution made by any process is observed. sla > 0 bounds the wait:
// on expiry the request is resolved as rejected with reason
// approval_timeout. sla == 0 means the wait is bounded only by ctx.
func (g *Gate) Await(ctx context.Context, id string, sla time.Duration) (Decision, error) {
	var deadline <-chan time.Time
	if sla > 0 {
		timer := time.NewTimer(sla)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := g.Get(ctx, id)
		if err != nil {
			return "", err
		}
		switch req.Status {
		case StatusApproved:
			return DecisionApproved, nil
		case StatusRejected:
			return DecisionRejected, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			if _, err := g.Expire(ctx, id, string(fault.KindApprovalTimeout)); err != nil {
				// Lost the race with a human resolution; read the outcome.
				continue
			}
			return DecisionRejected, nil
		case <-ticker.C:
		}
	}
}

// ExpireOlderThan resolves pending requests whose SLA has lapsed. The
// orchestrator's reconciler drives this for workflows that define an
// approval SLA.
func (g *Gate) ExpireOlderThan(ctx context.Context, cutoff time.Time, runID string) ([]*Request, error) {
	pending, err := g.ListPending(ctx, 1000)
	if err != nil {
		return nil, err
	}
	var expired []*Request
	for _, req := range pending {
		if runID != "" && req.RunID != runID {
			continue
		}
		if req.RequestedAt.After(cutoff) {
			continue
		}
		resolved, err := g.Expire(ctx, req.ID, string(fault.KindApprovalTimeout))
		if err != nil {
			continue
		}
		expired = append(expired, resolved)
	}
	return expired, nil
}

func requestKey(id string) string         { return "ap:req:" + id }
func pairKey(runID, nodeID string) string { return "ap:pair:" + runID + ":" + nodeID }
func pendingIndexKey() string             { return "ap:pending" }
