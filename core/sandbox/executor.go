package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/core/fault"
	"github.com/loomworks/loom/core/infra/logging"
	"github.com/loomworks/loom/core/infra/schema"
	"github.com/loomworks/loom/core/infra/secrets"
	"github.com/loomworks/loom/core/protocol"
)

// envelope is the line an agent entrypoint writes to stdout as its last
// output: {"ok":true,"output":{...}} on success, {"ok":false,"error":"..."}
// on an agent-level failure.
type envelope struct {
	OK     bool           `json:"ok"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Executor drives one invocation through a Runtime and classifies the
// outcome into the engine's failure taxonomy. It never retries; the retry
// policy lives with the engine, which sees the classified kind.
type Executor struct {
	runtime Runtime
}

// NewExecutor creates an executor over the given runtime.
func NewExecutor(rt Runtime) *Executor {
	return &Executor{runtime: rt}
}

// entryChecker is an optional runtime capability: verifying that one agent
// entrypoint is actually runnable, beyond runtime liveness.
type entryChecker interface {
	CheckEntry(ctx context.Context, entryRef string) error
}

// HealthCheck reports whether the runtime can provision sandboxes. A
// non-empty entryRef additionally verifies that entrypoint is runnable on
// runtimes that can tell.
func (e *Executor) HealthCheck(ctx context.Context, entryRef string) error {
	if err := e.runtime.Ping(ctx); err != nil {
		return err
	}
	if entryRef == "" {
		return nil
	}
	if ec, ok := e.runtime.(entryChecker); ok {
		return ec.CheckEntry(ctx, entryRef)
	}
	return nil
}

// Execute runs one invoke request to completion and always returns a
// result; failures are folded into the result's error kind rather than
// returned. The runtime boundary is the only place errors are translated:
// provisioning and transport problems become infrastructure_error, agent
// process failures become agent_error, output shape mismatches become
// output_contract_violation.
func (e *Executor) Execute(ctx context.Context, req *protocol.InvokeRequest) *protocol.InvokeResult {
	cfg := req.Config
	cfg.Normalize()
	started := time.Now()

	res := &protocol.InvokeResult{
		InvocationID: req.InvocationID,
		RunID:        req.RunID,
		NodeID:       req.NodeID,
		Attempt:      req.Attempt,
	}
	fail := func(kind fault.Kind, msg string) *protocol.InvokeResult {
		res.Status = "failed"
		res.ErrorKind = string(kind)
		res.ErrorMessage = secrets.ScrubValues(msg, cfg.Secrets)
		res.ElapsedMs = time.Since(started).Milliseconds()
		return res
	}

	inv := &Invocation{
		ID:       req.InvocationID,
		EntryRef: req.EntryRef,
		Action:   req.Action,
		Input:    req.Input,
		Config:   cfg,
	}

	box, err := e.runtime.Provision(ctx, inv)
	if err != nil {
		return fail(fault.KindInfrastructure, "provision sandbox: "+err.Error())
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := box.Destroy(dctx); err != nil {
			logging.Warn("sandbox", "destroy failed", "invocation_id", inv.ID, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	out, err := box.Run(runCtx, inv)
	res.ElapsedMs = time.Since(started).Milliseconds()
	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return fail(fault.KindAgentError, fmt.Sprintf("execution exceeded the %ds timeout", cfg.TimeoutSeconds))
		case errors.Is(ctx.Err(), context.Canceled):
			return fail(fault.KindCancelled, "invocation cancelled")
		default:
			return fail(fault.KindInfrastructure, "run sandbox: "+err.Error())
		}
	}
	if out.ExitCode != 0 {
		return fail(fault.KindAgentError, fmt.Sprintf("agent exited with code %d: %s",
			out.ExitCode, tail(out.Stderr, 512)))
	}

	env, err := parseEnvelope(out.Stdout)
	if err != nil {
		return fail(fault.KindAgentError, "agent produced no result envelope: "+err.Error())
	}
	if !env.OK {
		return fail(fault.KindAgentError, env.Error)
	}
	if len(cfg.OutputShape) > 0 {
		if vr := schema.Validate(cfg.OutputShape, env.Output); !vr.Valid {
			return fail(fault.KindOutputContractViolation, "output does not match the declared shape: "+vr.Error())
		}
	}

	res.Status = "success"
	res.Output = env.Output
	return res
}

// FetchLogs returns the last tailLines lines of a box's logs with secret
// values redacted. tailLines <= 0 returns everything.
func (e *Executor) FetchLogs(ctx context.Context, box Box, tailLines int, secretValues map[string]string) (string, error) {
	raw, err := box.Logs(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch logs: %w", err)
	}
	logs := string(raw)
	if tailLines > 0 {
		lines := strings.Split(strings.TrimRight(logs, "\n"), "\n")
		if len(lines) > tailLines {
			lines = lines[len(lines)-tailLines:]
		}
		logs = strings.Join(lines, "\n")
	}
	return secrets.ScrubValues(logs, secretValues), nil
}

// parseEnvelope reads the last non-empty stdout line as the result
// envelope, tolerating diagnostic lines an agent printed before it.
func parseEnvelope(stdout []byte) (*envelope, error) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("last stdout line is not a result envelope")
		}
		return &env, nil
	}
	return nil, errors.New("empty stdout")
}

func tail(b []byte, max int) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
