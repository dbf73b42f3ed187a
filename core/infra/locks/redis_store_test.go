package locks

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newPair(t *testing.T) (*Store, *Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	url := "redis://" + mr.Addr()
	a, err := NewRedisLockStore(url, "proc-a")
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := NewRedisLockStore(url, "proc-b")
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, mr
}

func TestTryAcquireExclusive(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, "run:r1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	ok, err = b.TryAcquire(ctx, "run:r1", time.Minute)
	if err != nil || ok {
		t.Fatalf("second holder must be refused: %v %v", ok, err)
	}
	// Unrelated resources are independent.
	if ok, _ := b.TryAcquire(ctx, "run:r2", time.Minute); !ok {
		t.Fatalf("distinct resource should acquire")
	}
}

func TestReleaseOnlyByOwner(t *testing.T) {
	a, b, _ := newPair(t)
	ctx := context.Background()

	if ok, _ := a.TryAcquire(ctx, "run:r1", time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	if err := b.Release(ctx, "run:r1"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	// The foreign release was a no-op; the lock still blocks b.
	if ok, _ := b.TryAcquire(ctx, "run:r1", time.Minute); ok {
		t.Fatalf("lock released by a non-owner")
	}

	if err := a.Release(ctx, "run:r1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := b.TryAcquire(ctx, "run:r1", time.Minute); !ok {
		t.Fatalf("lock should be free after owner release")
	}
}

func TestRenew(t *testing.T) {
	a, b, mr := newPair(t)
	ctx := context.Background()

	if ok, _ := a.TryAcquire(ctx, "run:r1", time.Second); !ok {
		t.Fatalf("acquire failed")
	}
	ok, err := a.Renew(ctx, "run:r1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("renew: %v %v", ok, err)
	}
	// A non-holder cannot extend someone else's lock.
	ok, err = b.Renew(ctx, "run:r1", time.Minute)
	if err != nil || ok {
		t.Fatalf("foreign renew: %v %v", ok, err)
	}

	// After expiry the lock is gone and renew reports the loss.
	mr.FastForward(2 * time.Minute)
	ok, err = a.Renew(ctx, "run:r1", time.Minute)
	if err != nil || ok {
		t.Fatalf("renew after expiry: %v %v", ok, err)
	}
	if ok, _ := b.TryAcquire(ctx, "run:r1", time.Minute); !ok {
		t.Fatalf("expired lock should be acquirable")
	}
}
