package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRetryableKinds(t *testing.T) {
	if !KindInfrastructure.Retryable() {
		t.Fatalf("infrastructure failures must be retryable")
	}
	terminal := []Kind{
		KindValidation, KindConflict, KindNotFound, KindInvalidState,
		KindInputResolution, KindAgentError, KindOutputContractViolation,
		KindApprovalRejected, KindApprovalTimeout, KindStaleState, KindCancelled,
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Fatalf("kind %s must not be retryable", k)
		}
	}
}

func TestKindOfAndIsKind(t *testing.T) {
	err := New(KindNotFound, "run %s not found", "r1")
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected not_found kind")
	}
	if IsKind(err, KindConflict) {
		t.Fatalf("unexpected conflict kind")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("kind must survive wrapping, got %q", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no kind")
	}
}

func TestErrorDetail(t *testing.T) {
	err := New(KindValidation, "cycle detected").WithDetail("involving a, b")
	msg := err.Error()
	if !strings.Contains(msg, "validation") || !strings.Contains(msg, "involving a, b") {
		t.Fatalf("unexpected error string: %s", msg)
	}
}
