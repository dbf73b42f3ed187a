package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

func TestInfoFormat(t *testing.T) {
	out := capture(t, func() {
		Info("engine", "run started", "run_id", "r1", "workflow", "ci")
	})
	if !strings.Contains(out, "[ENGINE] run started run_id=r1 workflow=ci") {
		t.Fatalf("out = %q", out)
	}
}

func TestWarnAndErrorCarryLevel(t *testing.T) {
	out := capture(t, func() { Warn("bus", "reconnecting") })
	if !strings.Contains(out, "[BUS] WARN reconnecting") {
		t.Fatalf("out = %q", out)
	}
	out = capture(t, func() { Error("bus", "publish failed", "error", "timeout") })
	if !strings.Contains(out, "[BUS] ERROR publish failed error=timeout") {
		t.Fatalf("out = %q", out)
	}
}

func TestOddFieldCount(t *testing.T) {
	out := capture(t, func() { Info("x", "msg", "key") })
	if !strings.Contains(out, "key=(missing)") {
		t.Fatalf("out = %q", out)
	}
}

func TestFieldsFlattenWhitespace(t *testing.T) {
	out := capture(t, func() { Info("x", "msg", "error", "line1\nline2\tend") })
	if !strings.Contains(out, "error=line1 line2 end") {
		t.Fatalf("out = %q", out)
	}
}
