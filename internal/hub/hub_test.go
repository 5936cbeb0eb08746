package hub

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/presence"
	"github.com/example/eventchat/internal/types"
)

type fakePeer struct {
	frames []any
	fail   bool
}

func (f *fakePeer) Send(frame any) error {
	if f.fail {
		return errors.New("connection gone")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func newTestHub() *Hub {
	return New(presence.NewMemoryTracker(presence.DefaultTimeout), zerolog.New(io.Discard))
}

func TestBroadcastExcludesSender(t *testing.T) {
	h := newTestHub()
	alice := &fakePeer{}
	bruno := &fakePeer{}
	h.Register("conv-1", 1, alice)
	h.Register("conv-1", 2, bruno)

	sent := h.Broadcast("conv-1", 1, "frame")

	if sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	if len(alice.frames) != 0 {
		t.Fatal("sender must not receive its own broadcast")
	}
	if len(bruno.frames) != 1 {
		t.Fatalf("peer frames = %d, want 1", len(bruno.frames))
	}
}

func TestBroadcastNobodyDeliversToAll(t *testing.T) {
	h := newTestHub()
	alice := &fakePeer{}
	bruno := &fakePeer{}
	h.Register("conv-1", 1, alice)
	h.Register("conv-1", 2, bruno)

	sent := h.Broadcast("conv-1", Nobody, "frame")

	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	if len(alice.frames) != 1 || len(bruno.frames) != 1 {
		t.Fatal("every participant must receive the frame")
	}
}

func TestBroadcastDropsFailedPeers(t *testing.T) {
	h := newTestHub()
	alice := &fakePeer{}
	dead := &fakePeer{fail: true}
	h.Register("conv-1", 1, alice)
	h.Register("conv-1", 2, dead)

	h.Broadcast("conv-1", Nobody, "frame")

	remaining := h.Participants("conv-1")
	if len(remaining) != 1 || remaining[0] != 1 {
		t.Fatalf("participants after drop = %v, want [1]", remaining)
	}
}

// reconnectingPeer simulates a user whose old connection dies mid-fan-out
// while a fresh one registers before the cleanup pass runs.
type reconnectingPeer struct {
	hub         *Hub
	conv        types.ConversationID
	user        types.UserID
	replacement *fakePeer
}

func (p *reconnectingPeer) Send(any) error {
	p.hub.Register(p.conv, p.user, p.replacement)
	return errors.New("connection gone")
}

func TestBroadcastDropSparesReconnectedPeer(t *testing.T) {
	h := newTestHub()
	replacement := &fakePeer{}
	h.Register("conv-1", 1, &fakePeer{})
	h.Register("conv-1", 2, &reconnectingPeer{hub: h, conv: "conv-1", user: 2, replacement: replacement})

	h.Broadcast("conv-1", Nobody, "frame")

	remaining := h.Participants("conv-1")
	if len(remaining) != 2 {
		t.Fatalf("participants after drop = %v, want both users", remaining)
	}

	h.Broadcast("conv-1", 1, "second")
	if len(replacement.frames) != 1 {
		t.Fatalf("replacement frames = %d, want 1", len(replacement.frames))
	}
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	h := newTestHub()
	old := &fakePeer{}
	replacement := &fakePeer{}
	h.Register("conv-1", 1, old)
	h.Register("conv-1", 1, replacement)
	h.Register("conv-1", 2, &fakePeer{})

	h.Broadcast("conv-1", 2, "frame")

	if len(old.frames) != 0 {
		t.Fatal("replaced connection must no longer receive frames")
	}
	if len(replacement.frames) != 1 {
		t.Fatalf("replacement frames = %d, want 1", len(replacement.frames))
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := newTestHub()
	h.Register("conv-1", 1, &fakePeer{})

	h.Unregister("conv-1", 1)
	h.Unregister("conv-1", 1)
	h.Unregister("conv-missing", 9)

	if got := h.Participants("conv-1"); len(got) != 0 {
		t.Fatalf("participants = %v, want none", got)
	}
}

func TestTypingSignalExpires(t *testing.T) {
	h := newTestHub()
	base := time.Now()

	h.SetTyping("conv-1", 1, base)
	h.SetTyping("conv-1", 2, base)

	fresh := h.ListTyping("conv-1", base.Add(time.Second), 2)
	if len(fresh) != 1 || fresh[0] != 1 {
		t.Fatalf("typing before expiry = %v, want [1]", fresh)
	}

	expired := h.ListTyping("conv-1", base.Add(4*time.Second), Nobody)
	if len(expired) != 0 {
		t.Fatalf("typing after expiry = %v, want none", expired)
	}
}

func TestPresenceTimeout(t *testing.T) {
	tracker := presence.NewMemoryTracker(presence.DefaultTimeout)
	h := New(tracker, zerolog.New(io.Discard))
	ctx := context.Background()

	h.TouchPresence(ctx, 1)
	now := time.Now()

	if !h.IsOnline(ctx, 1, now) {
		t.Fatal("just-touched participant must be online")
	}
	if h.IsOnline(ctx, 1, now.Add(presence.DefaultTimeout+time.Second)) {
		t.Fatal("participant must go offline after the timeout")
	}
	if h.IsOnline(ctx, 2, now) {
		t.Fatal("never-seen participant must be offline")
	}
}
