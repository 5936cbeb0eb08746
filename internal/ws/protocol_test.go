package ws

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeInboundMessage(t *testing.T) {
	frame, err := DecodeInbound([]byte(`{"type":"message","content":"hello"}`))
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if frame.Type != InboundMessage || frame.Content != "hello" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestDecodeInboundRejectsEmptyContent(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"message","content":""}`))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame", err)
	}
}

func TestDecodeInboundContentLengthCountsRunes(t *testing.T) {
	// 1000 multibyte runes are within the limit even though the byte count
	// is far above it.
	content := strings.Repeat("é", 1000)
	if _, err := DecodeInbound([]byte(`{"type":"message","content":"` + content + `"}`)); err != nil {
		t.Fatalf("decode err for 1000 runes: %v", err)
	}

	over := strings.Repeat("a", 1001)
	_, err := DecodeInbound([]byte(`{"type":"message","content":"` + over + `"}`))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame for 1001 runes", err)
	}
}

func TestDecodeInboundSyncMessage(t *testing.T) {
	raw := `{"type":"sync_message","message":{"id":"m1","vector_clock":{"1":2},"content":"hi","user_id":1,"created_at":"2026-03-01T12:00:00Z"}}`
	frame, err := DecodeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if frame.Message == nil || frame.Message.ID != "m1" || frame.Message.UserID != 1 {
		t.Fatalf("message = %+v", frame.Message)
	}
	if frame.Message.VectorClock[1] != 2 {
		t.Fatalf("vector clock = %v", frame.Message.VectorClock)
	}
}

func TestDecodeInboundSyncMessageValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"missing body", `{"type":"sync_message"}`},
		{"missing id", `{"type":"sync_message","message":{"user_id":1,"created_at":"2026-03-01T12:00:00Z"}}`},
		{"missing user", `{"type":"sync_message","message":{"id":"m1","created_at":"2026-03-01T12:00:00Z"}}`},
		{"missing created_at", `{"type":"sync_message","message":{"id":"m1","user_id":1}}`},
	}
	for _, tc := range cases {
		if _, err := DecodeInbound([]byte(tc.raw)); !errors.Is(err, ErrInvalidFrame) {
			t.Fatalf("%s: err = %v, want ErrInvalidFrame", tc.name, err)
		}
	}
}

func TestDecodeInboundMarkRead(t *testing.T) {
	frame, err := DecodeInbound([]byte(`{"type":"mark_read","message_id":"m1"}`))
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if frame.MessageID != "m1" {
		t.Fatalf("message id = %s", frame.MessageID)
	}

	if _, err := DecodeInbound([]byte(`{"type":"mark_read"}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame", err)
	}
}

func TestDecodeInboundPayloadlessFrames(t *testing.T) {
	for _, tag := range []string{InboundTyping, InboundPresencePing} {
		frame, err := DecodeInbound([]byte(`{"type":"` + tag + `"}`))
		if err != nil {
			t.Fatalf("%s: decode err: %v", tag, err)
		}
		if frame.Type != tag {
			t.Fatalf("type = %s, want %s", frame.Type, tag)
		}
	}
}

func TestDecodeInboundUnknownTag(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"emoji_reaction"}`))
	if !errors.Is(err, ErrUnknownFrame) {
		t.Fatalf("err = %v, want ErrUnknownFrame", err)
	}
}

func TestDecodeInboundMalformedJSON(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":`))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame", err)
	}
}

func TestFrameBuildersNeverEmitNullSlices(t *testing.T) {
	snapshot := InitialMessages(nil)
	if snapshot.Messages == nil {
		t.Fatal("initial_messages must carry an empty array, not null")
	}
	presence := PresenceUpdate(nil)
	if presence.Online == nil {
		t.Fatal("presence_update must carry an empty array, not null")
	}
}
