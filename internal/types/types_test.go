package types

import (
	"testing"
	"time"
)

func TestVectorClockMerge(t *testing.T) {
	clock := VectorClock{1: 3, 2: 1}
	clock.Merge(VectorClock{2: 5, 3: 2})

	want := VectorClock{1: 3, 2: 5, 3: 2}
	if !clock.Equal(want) {
		t.Fatalf("merged = %v, want %v", clock, want)
	}
}

func TestVectorClockHappensBefore(t *testing.T) {
	a := VectorClock{1: 1}
	b := VectorClock{1: 1, 2: 1}

	if !a.HappensBefore(b) {
		t.Fatal("a must happen before b")
	}
	if b.HappensBefore(a) {
		t.Fatal("b must not happen before a")
	}
	if a.HappensBefore(a) {
		t.Fatal("a clock never happens before itself")
	}

	concurrent := VectorClock{2: 9}
	if a.HappensBefore(concurrent) && concurrent.HappensBefore(a) {
		t.Fatal("concurrent clocks cannot be mutually ordered")
	}
}

func TestVectorClockMax(t *testing.T) {
	if got := (VectorClock{1: 2, 2: 7, 3: 4}).Max(); got != 7 {
		t.Fatalf("max = %d, want 7", got)
	}
	if got := (VectorClock{}).Max(); got != 0 {
		t.Fatalf("empty max = %d, want 0", got)
	}
}

func TestVectorClockCloneIsIndependent(t *testing.T) {
	original := VectorClock{1: 1}
	clone := original.Clone()
	clone[1] = 9

	if original[1] != 1 {
		t.Fatal("mutating the clone leaked into the original")
	}
}

func TestConversationMembership(t *testing.T) {
	conv := Conversation{OwnerID: 1, ParticipantIDs: []UserID{2, 3}}

	if !conv.HasParticipant(1) {
		t.Fatal("owner must count as a participant")
	}
	if !conv.HasParticipant(3) {
		t.Fatal("listed participant must be admitted")
	}
	if conv.HasParticipant(4) {
		t.Fatal("stranger must be rejected")
	}
}

func TestMessagingWindow(t *testing.T) {
	now := time.Now()

	open := Conversation{}
	if !open.MessagingOpen(now) {
		t.Fatal("conversation without a close time is always open")
	}

	closedAt := now.Add(-time.Minute)
	closed := Conversation{MessagingClosedAt: &closedAt}
	if closed.MessagingOpen(now) {
		t.Fatal("conversation past its close time must be closed")
	}

	future := now.Add(time.Minute)
	upcoming := Conversation{MessagingClosedAt: &future}
	if !upcoming.MessagingOpen(now) {
		t.Fatal("conversation before its close time must be open")
	}
}
