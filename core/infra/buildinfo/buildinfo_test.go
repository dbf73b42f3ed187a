package buildinfo

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestInfoAndLog(t *testing.T) {
	origVersion := Version
	origCommit := Commit
	origBuiltAt := BuiltAt
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
		BuiltAt = origBuiltAt
	})

	Version = "1.2.3"
	Commit = "abc123"
	BuiltAt = "2024-01-02"

	if got := Info(); got != "version=1.2.3 commit=abc123 built_at=2024-01-02" {
		t.Fatalf("unexpected info: %s", got)
	}

	var buf bytes.Buffer
	origOutput := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOutput)
		log.SetFlags(origFlags)
	})

	Log("loom-gateway")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[LOOM-GATEWAY] build") || !strings.Contains(got, "version=1.2.3") {
		t.Fatalf("unexpected log output: %s", got)
	}
	if !strings.Contains(got, "built_at=2024-01-02") {
		t.Fatalf("unexpected log output: %s", got)
	}
}
