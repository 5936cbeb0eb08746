package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/eventchat/internal/types"
)

// DefaultTimeout is how long a participant stays online after their last
// activity.
const DefaultTimeout = 300 * time.Second

// Tracker records conversation-agnostic participant liveness. Presence is a
// global "seen recently" flag, queried per conversation against that
// conversation's participant set.
type Tracker interface {
	Touch(ctx context.Context, user types.UserID)
	IsOnline(ctx context.Context, user types.UserID, now time.Time) bool
}

// MemoryTracker keeps last-activity timestamps in process memory and treats
// entries older than the timeout as offline, pruning them on read.
type MemoryTracker struct {
	mu       sync.Mutex
	timeout  time.Duration
	lastSeen map[types.UserID]time.Time
}

// NewMemoryTracker constructs an in-memory tracker. A timeout of zero uses
// DefaultTimeout.
func NewMemoryTracker(timeout time.Duration) *MemoryTracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &MemoryTracker{
		timeout:  timeout,
		lastSeen: make(map[types.UserID]time.Time),
	}
}

// Touch refreshes the participant's last-activity timestamp.
func (t *MemoryTracker) Touch(_ context.Context, user types.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[user] = time.Now()
}

// IsOnline reports whether the participant was active within the timeout
// relative to now. Expired entries are removed.
func (t *MemoryTracker) IsOnline(_ context.Context, user types.UserID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.lastSeen[user]
	if !ok {
		return false
	}
	if now.Sub(last) > t.timeout {
		delete(t.lastSeen, user)
		return false
	}
	return true
}
