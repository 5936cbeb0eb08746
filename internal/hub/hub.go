package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/presence"
	"github.com/example/eventchat/internal/types"
)

// Nobody is the exclude value meaning "deliver to every participant".
const Nobody types.UserID = 0

// typingTTL is how long a typing signal stays visible before it expires.
const typingTTL = 3 * time.Second

// Peer is a live connection handle the hub can deliver frames to. A send
// error marks the peer dead and removes it from the conversation.
type Peer interface {
	Send(frame any) error
}

// Hub is the registry of live per-user connections per conversation plus the
// ephemeral typing state. Presence is delegated to a Tracker because it is
// conversation-agnostic.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[types.ConversationID]map[types.UserID]Peer
	typing  map[types.ConversationID]map[types.UserID]time.Time
	tracker presence.Tracker
	logger  zerolog.Logger
}

// New constructs a hub using the provided presence tracker.
func New(tracker presence.Tracker, logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:   make(map[types.ConversationID]map[types.UserID]Peer),
		typing:  make(map[types.ConversationID]map[types.UserID]time.Time),
		tracker: tracker,
		logger:  logger,
	}
}

// Register attaches a peer to a conversation. A participant holds at most
// one connection per conversation; a new connection replaces the previous
// entry. Membership checks happen upstream.
func (h *Hub) Register(conv types.ConversationID, user types.UserID, peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[conv]
	if room == nil {
		room = make(map[types.UserID]Peer)
		h.rooms[conv] = room
	}
	room[user] = peer
	hubConnections.WithLabelValues(string(conv)).Set(float64(len(room)))
}

// Unregister removes the participant's entry if present. Idempotent.
func (h *Hub) Unregister(conv types.ConversationID, user types.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[conv]
	if room == nil {
		return
	}
	delete(room, user)
	if len(room) == 0 {
		delete(h.rooms, conv)
	}
	hubConnections.WithLabelValues(string(conv)).Set(float64(len(room)))
}

// Broadcast delivers the frame to every registered participant in the
// conversation except exclude (Nobody delivers to all). Peers whose send
// fails are removed after the full iteration completes, never while the map
// is being walked. Returns the number of successful deliveries.
func (h *Hub) Broadcast(conv types.ConversationID, exclude types.UserID, frame any) int {
	h.mu.RLock()
	room := h.rooms[conv]
	recipients := make(map[types.UserID]Peer, len(room))
	for user, peer := range room {
		if user == exclude {
			continue
		}
		recipients[user] = peer
	}
	h.mu.RUnlock()

	type deadPeer struct {
		user types.UserID
		peer Peer
	}
	var failed []deadPeer
	sent := 0
	for user, peer := range recipients {
		if err := peer.Send(frame); err != nil {
			h.logger.Debug().Err(err).
				Str("conversation", string(conv)).
				Int64("user", int64(user)).
				Msg("broadcast send failed; dropping peer")
			failed = append(failed, deadPeer{user: user, peer: peer})
			continue
		}
		sent++
	}

	for _, d := range failed {
		h.dropPeer(conv, d.user, d.peer)
	}
	return sent
}

// dropPeer removes the exact connection that failed a send. If the user
// re-registered a fresh connection while the fan-out was in flight, the
// replacement stays.
func (h *Hub) dropPeer(conv types.ConversationID, user types.UserID, peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[conv]
	if room == nil || room[user] != peer {
		return
	}
	delete(room, user)
	if len(room) == 0 {
		delete(h.rooms, conv)
	}
	hubConnections.WithLabelValues(string(conv)).Set(float64(len(room)))
	broadcastDrops.WithLabelValues(string(conv)).Inc()
}

// Participants returns the users currently connected to the conversation.
func (h *Hub) Participants(conv types.ConversationID) []types.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room := h.rooms[conv]
	users := make([]types.UserID, 0, len(room))
	for user := range room {
		users = append(users, user)
	}
	return users
}

// TouchPresence refreshes the participant's global last-activity marker.
func (h *Hub) TouchPresence(ctx context.Context, user types.UserID) {
	h.tracker.Touch(ctx, user)
}

// IsOnline reports whether the participant was active within the presence
// timeout.
func (h *Hub) IsOnline(ctx context.Context, user types.UserID, now time.Time) bool {
	return h.tracker.IsOnline(ctx, user, now)
}

// SetTyping records that the participant is typing in the conversation.
func (h *Hub) SetTyping(conv types.ConversationID, user types.UserID, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.typing[conv]
	if room == nil {
		room = make(map[types.UserID]time.Time)
		h.typing[conv] = room
	}
	room[user] = now
}

// ListTyping returns the participants whose typing signal is younger than
// the idle threshold, excluding the asker. Expired entries are pruned as a
// side effect.
func (h *Hub) ListTyping(conv types.ConversationID, now time.Time, exclude types.UserID) []types.UserID {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.typing[conv]
	users := make([]types.UserID, 0, len(room))
	for user, stamp := range room {
		if now.Sub(stamp) > typingTTL {
			delete(room, user)
			continue
		}
		if user == exclude {
			continue
		}
		users = append(users, user)
	}
	if len(room) == 0 {
		delete(h.typing, conv)
	}
	return users
}
