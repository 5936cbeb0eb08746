package causal

import (
	"time"

	"github.com/example/eventchat/internal/types"
)

// MessageVersion is an immutable snapshot of one message at one logical time.
// Two versions sharing a MessageID are successive edits of the same logical
// message, distinguished by Version and by clock snapshot. Empty content
// represents a tombstone.
type MessageVersion struct {
	MessageID types.MessageID   `json:"id"`
	Clock     types.VectorClock `json:"vector_clock"`
	Content   string            `json:"content"`
	UserID    types.UserID      `json:"user_id"`
	CreatedAt time.Time         `json:"created_at"`
	Version   uint64            `json:"version"`
}

// NewMessageVersion builds a version from a clock snapshot. The scalar
// Version is the maximum counter present in the snapshot.
func NewMessageVersion(id types.MessageID, clock types.VectorClock, content string, author types.UserID, createdAt time.Time) *MessageVersion {
	return &MessageVersion{
		MessageID: id,
		Clock:     clock,
		Content:   content,
		UserID:    author,
		CreatedAt: createdAt,
		Version:   clock.Max(),
	}
}

// supersedes decides the concurrent-edit conflict: between two versions with
// equal scalar Version, the strictly later CreatedAt wins; on an exact
// timestamp tie the numerically larger UserID wins. This is last-writer-wins
// by wall clock, not a causality-respecting merge.
func (v *MessageVersion) supersedes(existing *MessageVersion) bool {
	if !v.CreatedAt.Equal(existing.CreatedAt) {
		return v.CreatedAt.After(existing.CreatedAt)
	}
	return v.UserID > existing.UserID
}

// isDuplicateOf reports whether v is a redelivery of existing rather than a
// distinct concurrent edit: same author, same content, same clock snapshot.
func (v *MessageVersion) isDuplicateOf(existing *MessageVersion) bool {
	return v.UserID == existing.UserID &&
		v.Content == existing.Content &&
		v.Clock.Equal(existing.Clock)
}
