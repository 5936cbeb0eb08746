package presence

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTrackerLifecycle(t *testing.T) {
	tracker := NewMemoryTracker(10 * time.Second)
	ctx := context.Background()

	if tracker.IsOnline(ctx, 1, time.Now()) {
		t.Fatal("never-seen participant must be offline")
	}

	tracker.Touch(ctx, 1)
	now := time.Now()

	if !tracker.IsOnline(ctx, 1, now) {
		t.Fatal("just-touched participant must be online")
	}
	if tracker.IsOnline(ctx, 1, now.Add(11*time.Second)) {
		t.Fatal("participant must expire after the timeout")
	}
	// Expired entries are pruned, so the answer stays offline even for an
	// earlier probe time afterwards.
	if tracker.IsOnline(ctx, 1, now) {
		t.Fatal("pruned participant must stay offline")
	}
}

func TestMemoryTrackerZeroTimeoutUsesDefault(t *testing.T) {
	tracker := NewMemoryTracker(0)
	ctx := context.Background()

	tracker.Touch(ctx, 1)
	now := time.Now()

	if !tracker.IsOnline(ctx, 1, now.Add(DefaultTimeout-time.Second)) {
		t.Fatal("participant must be online inside the default timeout")
	}
	if tracker.IsOnline(ctx, 1, now.Add(DefaultTimeout+time.Minute)) {
		t.Fatal("participant must be offline past the default timeout")
	}
}
