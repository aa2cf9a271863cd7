package client

import (
	"context"
	"testing"
	"time"
)

func TestLockWaitResolvesOnReply(t *testing.T) {
	locks := newLockCoordinator(time.Second)
	w := locks.register("f1")

	go locks.resolve("f1", true)

	if !locks.wait(context.Background(), "f1", w) {
		t.Fatal("expected wait to return true")
	}
	if locks.pendingCount() != 0 {
		t.Fatalf("pending = %d, want 0", locks.pendingCount())
	}
}

func TestLockWaitTimesOutFalse(t *testing.T) {
	locks := newLockCoordinator(20 * time.Millisecond)
	w := locks.register("f1")

	start := time.Now()
	if locks.wait(context.Background(), "f1", w) {
		t.Fatal("expected timeout to return false")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least 20ms", elapsed)
	}
	if locks.isPending("f1") {
		t.Fatal("expected timed out entry to be removed")
	}
	if locks.resolve("f1", true) {
		t.Fatal("expected late reply to find no pending entry")
	}
}

func TestLockWaitStopsOnContextCancel(t *testing.T) {
	locks := newLockCoordinator(time.Minute)
	w := locks.register("f1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if locks.wait(ctx, "f1", w) {
		t.Fatal("expected canceled wait to return false")
	}
	if locks.isPending("f1") {
		t.Fatal("expected canceled entry to be removed")
	}
}

func TestLockResolvesExactlyOnce(t *testing.T) {
	locks := newLockCoordinator(time.Second)
	w := locks.register("f1")

	if !locks.resolve("f1", true) {
		t.Fatal("expected first resolve to find entry")
	}
	if locks.resolve("f1", false) {
		t.Fatal("expected second resolve to find nothing")
	}
	w.resolve(false)

	if got := <-w.result; !got {
		t.Fatal("expected first outcome to stick")
	}
	select {
	case extra := <-w.result:
		t.Fatalf("unexpected second outcome %v", extra)
	default:
	}
}

func TestSecondLockRequestSupersedesFirst(t *testing.T) {
	locks := newLockCoordinator(30 * time.Millisecond)
	first := locks.register("f1")
	second := locks.register("f1")

	locks.resolve("f1", true)

	if !locks.wait(context.Background(), "f1", second) {
		t.Fatal("expected newer request to receive the reply")
	}
	if locks.wait(context.Background(), "f1", first) {
		t.Fatal("expected superseded request to settle false on its own timer")
	}
}

func TestSupersededTimeoutKeepsNewerEntry(t *testing.T) {
	locks := newLockCoordinator(time.Minute)
	first := locks.register("f1")
	second := locks.register("f1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if locks.wait(ctx, "f1", first) {
		t.Fatal("expected canceled wait to return false")
	}
	if !locks.isPending("f1") {
		t.Fatal("expected newer entry to remain pending")
	}
	locks.resolve("f1", true)
	if !locks.wait(context.Background(), "f1", second) {
		t.Fatal("expected newer request to resolve true")
	}
}
