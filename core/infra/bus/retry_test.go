package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryAfter(t *testing.T) {
	base := errors.New("run lock busy")
	err := RetryAfter(base, 500*time.Millisecond)

	delay, ok := RetryDelay(err)
	if !ok || delay != 500*time.Millisecond {
		t.Fatalf("delay = %v, %v", delay, ok)
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapped error lost: %v", err)
	}
}

func TestRetryDelaySurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", RetryAfter(errors.New("busy"), time.Second))
	delay, ok := RetryDelay(err)
	if !ok || delay != time.Second {
		t.Fatalf("delay = %v, %v", delay, ok)
	}
}

func TestRetryDelayNonRetryable(t *testing.T) {
	if _, ok := RetryDelay(errors.New("plain")); ok {
		t.Fatalf("plain errors are not retryable")
	}
	if _, ok := RetryDelay(nil); ok {
		t.Fatalf("nil is not retryable")
	}
}

func TestRetryAfterClampsNegativeDelay(t *testing.T) {
	err := RetryAfter(errors.New("busy"), -time.Second)
	delay, ok := RetryDelay(err)
	if !ok || delay != 0 {
		t.Fatalf("delay = %v, %v", delay, ok)
	}
	if RetryAfter(nil, 0) == nil {
		t.Fatalf("nil error must still produce a retryable error")
	}
}
