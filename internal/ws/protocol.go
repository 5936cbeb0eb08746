package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/example/eventchat/internal/types"
)

// Inbound frame tags. The set is closed; anything else is a frame processing
// error, never silently ignored.
const (
	InboundMessage      = "message"
	InboundSyncMessage  = "sync_message"
	InboundTyping       = "typing"
	InboundPresencePing = "presence_ping"
	InboundMarkRead     = "mark_read"
)

// Outbound frame tags.
const (
	OutboundInitialMessages = "initial_messages"
	OutboundNewMessage      = "new_message"
	OutboundUserJoined      = "user_joined"
	OutboundUserLeft        = "user_left"
	OutboundTyping          = "typing"
	OutboundPresenceUpdate  = "presence_update"
	OutboundMessageRead     = "message_read"
	OutboundMessageDeleted  = "message_deleted"
	OutboundError           = "error"
)

const (
	minContentLen = 1
	maxContentLen = 1000
)

var (
	// ErrUnknownFrame marks an inbound tag outside the closed union.
	ErrUnknownFrame = errors.New("unknown frame type")
	// ErrInvalidFrame marks a known tag whose fields fail validation.
	ErrInvalidFrame = errors.New("invalid frame")
)

// SyncMessage is the message body carried by a sync_message frame, typically
// a reconnecting client replaying an unacknowledged send.
type SyncMessage struct {
	ID          types.MessageID   `json:"id"`
	VectorClock types.VectorClock `json:"vector_clock"`
	Content     string            `json:"content"`
	UserID      types.UserID      `json:"user_id"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Inbound is the decoded form of one client frame.
type Inbound struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Message   *SyncMessage    `json:"message,omitempty"`
	MessageID types.MessageID `json:"message_id,omitempty"`
}

// DecodeInbound parses and validates a client frame against the closed tag
// union.
func DecodeInbound(data []byte) (Inbound, error) {
	var frame Inbound
	if err := json.Unmarshal(data, &frame); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	switch frame.Type {
	case InboundMessage:
		if n := utf8.RuneCountInString(frame.Content); n < minContentLen || n > maxContentLen {
			return Inbound{}, fmt.Errorf("%w: content must be %d-%d characters", ErrInvalidFrame, minContentLen, maxContentLen)
		}
	case InboundSyncMessage:
		if frame.Message == nil {
			return Inbound{}, fmt.Errorf("%w: sync_message requires a message object", ErrInvalidFrame)
		}
		if frame.Message.ID == "" || frame.Message.UserID == 0 || frame.Message.CreatedAt.IsZero() {
			return Inbound{}, fmt.Errorf("%w: sync_message missing id, user_id or created_at", ErrInvalidFrame)
		}
	case InboundTyping, InboundPresencePing:
		// no payload
	case InboundMarkRead:
		if frame.MessageID == "" {
			return Inbound{}, fmt.Errorf("%w: mark_read requires message_id", ErrInvalidFrame)
		}
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownFrame, frame.Type)
	}

	return frame, nil
}

// MessagePayload is the wire shape of one message in initial_messages and
// new_message frames.
type MessagePayload struct {
	ID          types.MessageID   `json:"id"`
	Content     string            `json:"content"`
	IsDeleted   bool              `json:"is_deleted"`
	CreatedAt   time.Time         `json:"created_at"`
	VectorClock types.VectorClock `json:"vector_clock"`
	Version     uint64            `json:"version"`
	IsReadByMe  bool              `json:"is_read_by_me"`
	User        types.User        `json:"user"`
}

// InitialMessagesFrame is the ordered snapshot sent once after replay.
type InitialMessagesFrame struct {
	Type     string           `json:"type"`
	Messages []MessagePayload `json:"messages"`
}

// NewMessageFrame carries one accepted message to peers.
type NewMessageFrame struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

// UserEventFrame announces a participant joining or leaving.
type UserEventFrame struct {
	Type string       `json:"type"`
	User types.UserID `json:"user_id"`
}

// TypingFrame announces that a participant is typing.
type TypingFrame struct {
	Type string       `json:"type"`
	User types.UserID `json:"user_id"`
}

// PresenceUpdateFrame lists the online participants of the conversation.
type PresenceUpdateFrame struct {
	Type   string         `json:"type"`
	Online []types.UserID `json:"online_user_ids"`
}

// MessageReadFrame announces a recorded read receipt.
type MessageReadFrame struct {
	Type      string          `json:"type"`
	MessageID types.MessageID `json:"message_id"`
	User      types.UserID    `json:"user_id"`
}

// MessageDeletedFrame announces that a persisted message was removed.
type MessageDeletedFrame struct {
	Type      string          `json:"type"`
	MessageID types.MessageID `json:"message_id"`
}

// ErrorFrame reports a frame-level failure to the sending client.
type ErrorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// InitialMessages builds the replay snapshot frame.
func InitialMessages(messages []MessagePayload) InitialMessagesFrame {
	if messages == nil {
		messages = []MessagePayload{}
	}
	return InitialMessagesFrame{Type: OutboundInitialMessages, Messages: messages}
}

// NewMessage builds the accepted-message broadcast frame.
func NewMessage(msg MessagePayload) NewMessageFrame {
	return NewMessageFrame{Type: OutboundNewMessage, Message: msg}
}

// UserJoined builds the participant-joined frame.
func UserJoined(user types.UserID) UserEventFrame {
	return UserEventFrame{Type: OutboundUserJoined, User: user}
}

// UserLeft builds the participant-left frame.
func UserLeft(user types.UserID) UserEventFrame {
	return UserEventFrame{Type: OutboundUserLeft, User: user}
}

// Typing builds the typing broadcast frame.
func Typing(user types.UserID) TypingFrame {
	return TypingFrame{Type: OutboundTyping, User: user}
}

// PresenceUpdate builds the presence response frame.
func PresenceUpdate(online []types.UserID) PresenceUpdateFrame {
	if online == nil {
		online = []types.UserID{}
	}
	return PresenceUpdateFrame{Type: OutboundPresenceUpdate, Online: online}
}

// MessageRead builds the read-receipt broadcast frame.
func MessageRead(id types.MessageID, user types.UserID) MessageReadFrame {
	return MessageReadFrame{Type: OutboundMessageRead, MessageID: id, User: user}
}

// MessageDeleted builds the deletion broadcast frame.
func MessageDeleted(id types.MessageID) MessageDeletedFrame {
	return MessageDeletedFrame{Type: OutboundMessageDeleted, MessageID: id}
}

// Error builds the error frame.
func Error(reason string) ErrorFrame {
	return ErrorFrame{Type: OutboundError, Reason: reason}
}
