package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/causal"
	"github.com/example/eventchat/internal/hub"
	"github.com/example/eventchat/internal/storage"
	"github.com/example/eventchat/internal/types"
	"github.com/example/eventchat/internal/ws"
)

// ErrAccessDenied is returned when the caller is neither a participant nor
// the owner of the conversation, or the conversation does not exist.
var ErrAccessDenied = errors.New("access denied")

// ErrMessagingClosed is returned when a message is posted after the
// conversation's messaging window has closed. It is the one frame-level
// failure that is always surfaced to the sender as an error frame.
var ErrMessagingClosed = errors.New("messaging window has closed")

// defaultHistoryLimit bounds the replayed snapshot.
const defaultHistoryLimit = 50

// ConversationStore is the slice of the external store the session layer
// consumes.
type ConversationStore interface {
	GetConversation(ctx context.Context, kind types.ConversationKind, id types.ConversationID) (types.Conversation, error)
	RecentMessages(ctx context.Context, conv types.ConversationID, limit int) ([]types.StoredMessage, error)
	PersistMessage(ctx context.Context, conv types.ConversationID, author types.User, content string) (types.StoredMessage, error)
	UpsertMessageVersion(ctx context.Context, conv types.ConversationID, id types.MessageID, author types.User, content string, clock types.VectorClock, createdAt time.Time) error
	RecordReadReceipt(ctx context.Context, id types.MessageID, user types.UserID) (bool, error)
	ReadMessageIDs(ctx context.Context, conv types.ConversationID, user types.UserID) (map[types.MessageID]struct{}, error)
}

// Handler drives one connection through its lifecycle: authorize against the
// store, replay persisted history into the synchronizer, serve the frame
// loop, and guarantee unregistration on every exit path. One handler serves
// all connections; per-connection state lives in the sessions map.
type Handler struct {
	store        ConversationStore
	registry     *causal.Registry
	hub          *hub.Hub
	logger       zerolog.Logger
	historyLimit int
	now          func() time.Time

	mu       sync.Mutex
	sessions map[*ws.Connection]*state
}

type state struct {
	conversation types.Conversation
	authors      map[types.UserID]types.User
	deleted      map[types.MessageID]bool
}

// Option configures the handler.
type Option func(*Handler)

// WithHistoryLimit overrides how many persisted messages are replayed on
// connect.
func WithHistoryLimit(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler constructs a session handler.
func NewHandler(store ConversationStore, registry *causal.Registry, h *hub.Hub, logger zerolog.Logger, opts ...Option) *Handler {
	handler := &Handler{
		store:        store,
		registry:     registry,
		hub:          h,
		logger:       logger,
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
		sessions:     make(map[*ws.Connection]*state),
	}
	for _, opt := range opts {
		opt(handler)
	}
	return handler
}

// Hooks returns the connection lifecycle callbacks for the gateway.
func (h *Handler) Hooks() ws.Hooks {
	return ws.Hooks{
		OnConnect:    h.onConnect,
		OnFrame:      h.onFrame,
		OnDisconnect: h.onDisconnect,
	}
}

// onConnect authorizes the caller and replays history. The hub registration
// is rolled back if anything later in the sequence fails, so a connection
// that never reached Open leaves no trace.
func (h *Handler) onConnect(ctx context.Context, conn *ws.Connection) error {
	conversation, err := h.store.GetConversation(ctx, conn.Kind(), conn.ConversationID())
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return ErrAccessDenied
		}
		return fmt.Errorf("resolve conversation: %w", err)
	}
	if !conversation.HasParticipant(conn.UserID()) {
		return ErrAccessDenied
	}

	h.hub.Register(conversation.ID, conn.UserID(), conn)

	if err := h.replay(ctx, conn, conversation); err != nil {
		h.hub.Unregister(conversation.ID, conn.UserID())
		return fmt.Errorf("replay history: %w", err)
	}

	h.hub.TouchPresence(ctx, conn.UserID())
	h.hub.Broadcast(conversation.ID, conn.UserID(), ws.UserJoined(conn.UserID()))
	return nil
}

// replay rebuilds the synchronizer from persisted history and sends the
// ordered snapshot as one initial_messages frame.
func (h *Handler) replay(ctx context.Context, conn *ws.Connection, conversation types.Conversation) error {
	history, err := h.store.RecentMessages(ctx, conversation.ID, h.historyLimit)
	if err != nil {
		return fmt.Errorf("load recent messages: %w", err)
	}

	read, err := h.store.ReadMessageIDs(ctx, conversation.ID, conn.UserID())
	if err != nil {
		return fmt.Errorf("load read receipts: %w", err)
	}

	sync := h.registry.Get(conversation.Kind, conversation.ID)
	authors := make(map[types.UserID]types.User)
	deleted := make(map[types.MessageID]bool)
	for _, msg := range history {
		sync.InitializeVersion(msg.ID, msg.Author.ID, msg.Content, msg.CreatedAt)
		authors[msg.Author.ID] = msg.Author
		if msg.IsDeleted {
			deleted[msg.ID] = true
		}
	}

	st := &state{conversation: conversation, authors: authors, deleted: deleted}
	st.authors[conn.UserID()] = types.User{ID: conn.UserID(), Username: conn.Username()}
	h.mu.Lock()
	h.sessions[conn] = st
	h.mu.Unlock()

	ordered := sync.OrderedMessages(h.historyLimit)
	payloads := make([]ws.MessagePayload, 0, len(ordered))
	for _, version := range ordered {
		_, isRead := read[version.MessageID]
		payloads = append(payloads, h.payload(st, version, isRead))
	}

	if err := conn.Send(ws.InitialMessages(payloads)); err != nil {
		return fmt.Errorf("send initial snapshot: %w", err)
	}
	return nil
}

// onFrame processes one inbound frame. Errors returned here are frame-local;
// the connection reports them to the sender and keeps the loop running.
func (h *Handler) onFrame(ctx context.Context, conn *ws.Connection, frame ws.Inbound) error {
	st := h.session(conn)
	if st == nil {
		return errors.New("no session state")
	}

	switch frame.Type {
	case ws.InboundMessage:
		return h.handleMessage(ctx, conn, st, frame.Content)
	case ws.InboundSyncMessage:
		return h.handleSyncMessage(ctx, conn, st, frame.Message)
	case ws.InboundTyping:
		return h.handleTyping(ctx, conn, st)
	case ws.InboundPresencePing:
		return h.handlePresencePing(ctx, conn, st)
	case ws.InboundMarkRead:
		return h.handleMarkRead(ctx, conn, st, frame.MessageID)
	default:
		return fmt.Errorf("unhandled frame type %q", frame.Type)
	}
}

// handleMessage mints, persists and fans out a new message from this
// connection.
func (h *Handler) handleMessage(ctx context.Context, conn *ws.Connection, st *state, content string) error {
	if !st.conversation.MessagingOpen(h.now()) {
		return ErrMessagingClosed
	}

	author := types.User{ID: conn.UserID(), Username: conn.Username()}
	stored, err := h.store.PersistMessage(ctx, st.conversation.ID, author, content)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	sync := h.registry.Get(st.conversation.Kind, st.conversation.ID)
	version := sync.CreateVersion(stored.ID, author.ID, content, stored.CreatedAt)

	// Attach the minted clock to the persisted row so replay after a restart
	// converges; delivery does not depend on this write.
	if err := h.store.UpsertMessageVersion(ctx, st.conversation.ID, version.MessageID, author, version.Content, version.Clock, version.CreatedAt); err != nil {
		h.logger.Warn().Err(err).Str("message", string(version.MessageID)).Msg("failed to persist vector clock")
	}

	h.hub.TouchPresence(ctx, conn.UserID())
	h.hub.Broadcast(st.conversation.ID, conn.UserID(), ws.NewMessage(h.payload(st, version, false)))
	return nil
}

// handleSyncMessage merges a version replayed by a reconnecting client or
// relayed from a concurrent editor. Only a merge accepted as new is
// broadcast; stale and duplicate versions are dropped silently.
func (h *Handler) handleSyncMessage(ctx context.Context, conn *ws.Connection, st *state, msg *ws.SyncMessage) error {
	sync := h.registry.Get(st.conversation.Kind, st.conversation.ID)
	incoming := causal.NewMessageVersion(msg.ID, msg.VectorClock.Clone(), msg.Content, msg.UserID, msg.CreatedAt)

	winner, isNew := sync.Merge(incoming)
	if !isNew {
		return nil
	}

	author := st.author(winner.UserID)
	if err := h.store.UpsertMessageVersion(ctx, st.conversation.ID, winner.MessageID, author, winner.Content, winner.Clock, winner.CreatedAt); err != nil {
		h.logger.Warn().Err(err).Str("message", string(winner.MessageID)).Msg("failed to persist merged version")
	}

	h.hub.Broadcast(st.conversation.ID, conn.UserID(), ws.NewMessage(h.payload(st, winner, false)))
	return nil
}

func (h *Handler) handleTyping(ctx context.Context, conn *ws.Connection, st *state) error {
	h.hub.SetTyping(st.conversation.ID, conn.UserID(), h.now())
	h.hub.TouchPresence(ctx, conn.UserID())
	h.hub.Broadcast(st.conversation.ID, conn.UserID(), ws.Typing(conn.UserID()))
	return nil
}

// handlePresencePing refreshes the caller's presence and answers with the
// online subset of the conversation's participants.
func (h *Handler) handlePresencePing(ctx context.Context, conn *ws.Connection, st *state) error {
	h.hub.TouchPresence(ctx, conn.UserID())

	now := h.now()
	online := make([]types.UserID, 0, len(st.conversation.ParticipantIDs))
	for _, user := range st.conversation.ParticipantIDs {
		if h.hub.IsOnline(ctx, user, now) {
			online = append(online, user)
		}
	}
	return conn.Send(ws.PresenceUpdate(online))
}

func (h *Handler) handleMarkRead(ctx context.Context, conn *ws.Connection, st *state, id types.MessageID) error {
	inserted, err := h.store.RecordReadReceipt(ctx, id, conn.UserID())
	if err != nil {
		return fmt.Errorf("record read receipt: %w", err)
	}
	if !inserted {
		return nil
	}
	h.hub.Broadcast(st.conversation.ID, conn.UserID(), ws.MessageRead(id, conn.UserID()))
	return nil
}

// onDisconnect releases everything the connection held, on every exit path.
func (h *Handler) onDisconnect(conn *ws.Connection) {
	st := h.session(conn)
	if st == nil {
		return
	}

	h.mu.Lock()
	delete(h.sessions, conn)
	h.mu.Unlock()

	h.hub.Unregister(st.conversation.ID, conn.UserID())
	h.hub.Broadcast(st.conversation.ID, conn.UserID(), ws.UserLeft(conn.UserID()))
}

func (h *Handler) session(conn *ws.Connection) *state {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[conn]
}

func (h *Handler) payload(st *state, version *causal.MessageVersion, isRead bool) ws.MessagePayload {
	return ws.MessagePayload{
		ID:          version.MessageID,
		Content:     version.Content,
		IsDeleted:   st.deleted[version.MessageID] || version.Content == "",
		CreatedAt:   version.CreatedAt,
		VectorClock: version.Clock,
		Version:     version.Version,
		IsReadByMe:  isRead,
		User:        st.author(version.UserID),
	}
}

func (st *state) author(id types.UserID) types.User {
	if user, ok := st.authors[id]; ok {
		return user
	}
	return types.User{ID: id}
}
