package types

import (
	"time"
)

// ConversationID identifies one event's chat channel.
type ConversationID string

// ConversationKind distinguishes the scopes a chat channel can be attached to.
type ConversationKind string

const (
	// KindEvent is the chat channel attached to an event.
	KindEvent ConversationKind = "event"
	// KindGroup is the chat channel attached to a group.
	KindGroup ConversationKind = "group"
)

// UserID identifies a participant. User ids are numeric; the conflict
// resolution tie-break compares them as integers.
type UserID int64

// MessageID is the identity of a persisted message.
type MessageID string

// VectorClock is a snapshot of per-author logical counters.
type VectorClock map[UserID]uint64

// Merge folds another clock into the receiver by taking the max value for
// each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for author, value := range other {
		if current, ok := vc[author]; !ok || value > current {
			vc[author] = value
		}
	}
}

// HappensBefore reports whether the receiver is causally before the other
// clock: every counter is less than or equal and at least one is strictly
// less.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	for author, value := range vc {
		if value > other[author] {
			return false
		}
	}
	for author, value := range other {
		if vc[author] < value {
			return true
		}
	}
	return false
}

// Equal reports whether both clocks carry identical counters.
func (vc VectorClock) Equal(other VectorClock) bool {
	for author, value := range vc {
		if value != other[author] {
			return false
		}
	}
	for author, value := range other {
		if vc[author] != value {
			return false
		}
	}
	return true
}

// Max returns the largest counter present in the clock. It is the scalar
// version proxy used to resolve the common strictly-newer merge case without
// walking both clocks.
func (vc VectorClock) Max() uint64 {
	var max uint64
	for _, value := range vc {
		if value > max {
			max = value
		}
	}
	return max
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for author, value := range vc {
		clone[author] = value
	}
	return clone
}

// User carries the author fields embedded in outbound message frames.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// StoredMessage is one persisted chat message as read from the store.
type StoredMessage struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Author         User           `json:"user"`
	Content        string         `json:"content"`
	VectorClock    VectorClock    `json:"vector_clock,omitempty"`
	IsDeleted      bool           `json:"is_deleted"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Conversation is the slice of conversation state the chat layer needs:
// ownership, membership, and whether the messaging window is still open.
type Conversation struct {
	ID                ConversationID
	Kind              ConversationKind
	OwnerID           UserID
	ParticipantIDs    []UserID
	MessagingClosedAt *time.Time
}

// HasParticipant reports whether the user may attach to the conversation,
// either as a listed participant or as its owner.
func (c Conversation) HasParticipant(user UserID) bool {
	if user == c.OwnerID {
		return true
	}
	for _, id := range c.ParticipantIDs {
		if id == user {
			return true
		}
	}
	return false
}

// MessagingOpen reports whether new messages are still accepted at the given
// instant.
func (c Conversation) MessagingOpen(now time.Time) bool {
	return c.MessagingClosedAt == nil || now.Before(*c.MessagingClosedAt)
}
