package sandbox

import (
	"context"

	"github.com/loomworks/loom/core/protocol"
)

// Invocation is one isolated agent execution.
type Invocation struct {
	ID       string
	EntryRef string
	Action   string
	Input    map[string]any
	Config   protocol.ExecConfig
}

// ExecResult is the raw outcome of a sandboxed process, before
// classification and output-contract checks.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Box is one provisioned sandbox instance. A box runs exactly one
// invocation and is destroyed afterwards.
type Box interface {
	Run(ctx context.Context, inv *Invocation) (*ExecResult, error)
	Logs(ctx context.Context) ([]byte, error)
	Destroy(ctx context.Context) error
}

// Runtime provisions sandbox instances. Implementations are the external
// isolation boundary (local processes, containers); everything above them
// is runtime-agnostic.
type Runtime interface {
	Provision(ctx context.Context, inv *Invocation) (Box, error)
	Ping(ctx context.Context) error
}
