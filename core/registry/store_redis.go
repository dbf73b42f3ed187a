package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/core/fault"
	"github.com/loomworks/loom/core/infra/schema"
)

// Store is the redis-backed agent registry. Agent records are append-mostly:
// a (tenant, name, version) triple is written once and never mutated.
type Store struct {
	client *redis.Client
}

// NewRedisStore connects a registry store.
func NewRedisStore(url string) (*Store, error) {
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
	return &Store{client: client}, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Register validates and persists an agent definition. Registering the exact
// same payload again is an idempotent no-op; a different payload under an
// existing (tenant, name, version) is a conflict.
func (s *Store) Register(ctx context.Context, agent *Agent) (string, error) {
	if agent == nil {
		return "", fault.New(fault.KindValidation, "agent required")
	}
	if agent.Tenant == "" {
		agent.Tenant = "default"
	}
	if agent.Name == "" || agent.Version == "" {
		return "", fault.New(fault.KindValidation, "agent name and version required")
	}
	if !validAgentType(agent.Type) {
		return "", fault.New(fault.KindValidation, "unknown agent type %q", agent.Type)
	}
	if agent.EntryRef == "" {
		return "", fault.New(fault.KindValidation, "agent entry_ref required")
	}
	if agent.Risk == "" {
		agent.Risk = RiskAuto
	}
	if len(agent.Capabilities) == 0 {
		return "", fault.New(fault.KindValidation, "agent declares no capabilities")
	}
	seen := make(map[string]bool, len(agent.Capabilities))
	for i := range agent.Capabilities {
		cap := &agent.Capabilities[i]
		if cap.Name == "" {
			return "", fault.New(fault.KindValidation, "capability name required")
		}
		if seen[cap.Name] {
			return "", fault.New(fault.KindValidation, "duplicate capability %q", cap.Name)
		}
		seen[cap.Name] = true
		if err := schema.CompileShape(cap.InputShape); err != nil {
			return "", fault.New(fault.KindValidation, "capability %q input shape: %v", cap.Name, err)
		}
		if err := schema.CompileShape(cap.OutputShape); err != nil {
			return "", fault.New(fault.KindValidation, "capability %q output shape: %v", cap.Name, err)
		}
	}

	agent.ID = AgentID(agent.Tenant, agent.Name, agent.Version)
	hash, err := definitionHash(agent)
	if err != nil {
		return "", fmt.Errorf("hash agent definition: %w", err)
	}
	agent.Hash = hash
	agent.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(agent)
	if err != nil {
		return "", fmt.Errorf("marshal agent: %w", err)
	}

	ok, err := s.client.SetNX(ctx, agentKey(agent.ID), payload, 0).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		existing, err := s.Lookup(ctx, agent.ID)
		if err != nil {
			return "", err
		}
		if existing.Hash == hash {
			return existing.ID, nil
		}
		return "", fault.New(fault.KindConflict, "agent %s/%s version %s already registered with a different definition",
			agent.Tenant, agent.Name, agent.Version)
	}

	now := float64(agent.CreatedAt.Unix())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, tenantIndexKey(agent.Tenant), redis.Z{Score: now, Member: agent.ID})
	pipe.ZAdd(ctx, versionIndexKey(agent.Tenant, agent.Name), redis.Z{Score: now, Member: agent.Version})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return "", err
	}
	return agent.ID, nil
}

// Lookup fetches an agent by ID.
func (s *Store) Lookup(ctx context.Context, id string) (*Agent, error) {
	if id == "" {
		return nil, fault.New(fault.KindValidation, "agent id required")
	}
	data, err := s.client.Get(ctx, agentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fault.New(fault.KindNotFound, "agent %s not registered", id)
		}
		return nil, err
	}
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("unmarshal agent: %w", err)
	}
	return &agent, nil
}

// ResolveCapability returns a declared action of an agent.
func (s *Store) ResolveCapability(ctx context.Context, agentID, action string) (*Agent, *Capability, error) {
	agent, err := s.Lookup(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	for i := range agent.Capabilities {
		if agent.Capabilities[i].Name == action {
			return agent, &agent.Capabilities[i], nil
		}
	}
	return nil, nil, fault.New(fault.KindNotFound, "agent %s declares no action %q", agentID, action)
}

// List returns recently registered agents for a tenant.
func (s *Store) List(ctx context.Context, tenant string, limit int64) ([]*Agent, error) {
	if tenant == "" {
		tenant = "default"
	}
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRevRange(ctx, tenantIndexKey(tenant), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := s.Lookup(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, agent)
	}
	return out, nil
}

// AgentID derives the deterministic record ID of a registration.
func AgentID(tenant, name, version string) string {
	return tenant + "/" + name + "@" + version
}

// SplitAgentID breaks an agent ID back into its name component.
func SplitAgentID(id string) (tenant, name, version string) {
	rest := id
	if idx := strings.Index(rest, "/"); idx >= 0 {
		tenant, rest = rest[:idx], rest[idx+1:]
	}
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		return tenant, rest[:idx], rest[idx+1:]
	}
	return tenant, rest, ""
}

// definitionHash fingerprints the registration payload so identical
// re-registrations are recognized as idempotent.
func definitionHash(agent *Agent) (string, error) {
	doc := map[string]any{
		"tenant":    agent.Tenant,
		"name":      agent.Name,
		"type":      string(agent.Type),
		"risk":      string(agent.Risk),
		"entry_ref": agent.EntryRef,
		"version":   agent.Version,
	}
	caps := make([]any, 0, len(agent.Capabilities))
	for _, cap := range agent.Capabilities {
		caps = append(caps, map[string]any{
			"name":         cap.Name,
			"input_shape":  cap.InputShape,
			"output_shape": cap.OutputShape,
			"risk":         string(cap.Risk),
		})
	}
	doc["capabilities"] = caps
	encoded, err := canonicalJSON(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func appendCanonical(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := appendCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode canonical json: %w", err)
		}
		buf.Write(encoded)
		return nil
	}
}

func agentKey(id string) string {
	return "ag:def:" + id
}

func tenantIndexKey(tenant string) string {
	return "ag:index:" + tenant
}

func versionIndexKey(tenant, name string) string {
	return "ag:versions:" + tenant + "/" + name
}
