package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// LocalRuntime provisions sandboxes as local processes, one scratch
// directory per invocation. Resource limits are handed to the entry
// wrapper through the environment; the wrapper is responsible for
// enforcing them (cgroups on Linux, job objects elsewhere).
type LocalRuntime struct {
	workDir string
}

// NewLocalRuntime creates a process-based runtime rooted at workDir.
func NewLocalRuntime(workDir string) (*LocalRuntime, error) {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "loom-sandbox")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox work dir: %w", err)
	}
	return &LocalRuntime{workDir: workDir}, nil
}

// Ping verifies the work dir is writable.
func (r *LocalRuntime) Ping(ctx context.Context) error {
	probe := filepath.Join(r.workDir, ".probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fmt.Errorf("sandbox work dir not writable: %w", err)
	}
	return os.Remove(probe)
}

// CheckEntry verifies the entry command resolves to an executable.
func (r *LocalRuntime) CheckEntry(ctx context.Context, entryRef string) error {
	parts := strings.Fields(entryRef)
	if len(parts) == 0 {
		return fmt.Errorf("empty entry ref")
	}
	if _, err := exec.LookPath(parts[0]); err != nil {
		return fmt.Errorf("entry %q not executable: %w", parts[0], err)
	}
	return nil
}

// Provision creates the scratch directory of one invocation.
func (r *LocalRuntime) Provision(ctx context.Context, inv *Invocation) (Box, error) {
	dir := filepath.Join(r.workDir, sanitize(inv.ID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("provision sandbox dir: %w", err)
	}
	return &localBox{dir: dir}, nil
}

type localBox struct {
	dir string
}

type stdinPayload struct {
	Action string         `json:"action"`
	Input  map[string]any `json:"input"`
}

func (b *localBox) Run(ctx context.Context, inv *Invocation) (*ExecResult, error) {
	payload, err := json.Marshal(stdinPayload{Action: inv.Action, Input: inv.Input})
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	parts := strings.Fields(inv.EntryRef)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty entry ref")
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = b.dir
	cmd.Stdin = bytes.NewReader(payload)

	env := []string{
		"LOOM_INVOCATION_ID=" + inv.ID,
		"LOOM_MAX_MEMORY_MB=" + strconv.Itoa(inv.Config.MaxMemoryMB),
		"LOOM_TIMEOUT_SECONDS=" + strconv.Itoa(inv.Config.TimeoutSeconds),
		"LOOM_ALLOW_NETWORK=" + strconv.FormatBool(inv.Config.AllowNetwork),
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + b.dir,
	}
	for name, value := range inv.Config.Secrets {
		env = append(env, name+"="+value)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	b.writeLog(stdout.Bytes(), stderr.Bytes())

	res := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if runErr != nil {
		var exitErr *exec.ExitError
		if ctx.Err() == nil && errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, runErr
	}
	return res, nil
}

func (b *localBox) Logs(ctx context.Context) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.dir, "sandbox.log"))
}

func (b *localBox) Destroy(ctx context.Context) error {
	return os.RemoveAll(b.dir)
}

func (b *localBox) writeLog(stdout, stderr []byte) {
	var buf bytes.Buffer
	buf.Write(stdout)
	if len(stderr) > 0 {
		buf.WriteString("\n--- stderr ---\n")
		buf.Write(stderr)
	}
	_ = os.WriteFile(filepath.Join(b.dir, "sandbox.log"), buf.Bytes(), 0o600)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
