package syncutil

import (
	"context"
	"testing"
	"time"
)

func TestContextShardedMutex_LockUnlock(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "provider-1")
	if err != nil {
		t.Fatalf("LockContext failed: %v", err)
	}
	unlock()

	// Re-acquiring after unlock must succeed immediately.
	unlock2, err := m.LockContext(ctx, "provider-1")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	unlock2()
}

func TestContextShardedMutex_CancelledWhileWaiting(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "provider-1")
	if err != nil {
		t.Fatalf("LockContext failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.LockContext(ctx, "provider-1"); err == nil {
		t.Fatal("expected context error while waiting on held lock")
	}
}

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("order-1")
	acquired := make(chan struct{})
	go func() {
		u := m.Lock("order-1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after unlock")
	}
}
