package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/eventchat/internal/types"
)

// ErrConversationNotFound is returned when the conversation does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// ArchiveRef records one exported transcript in object storage.
type ArchiveRef struct {
	Conversation types.ConversationID
	ObjectPath   string
	MessageCount int
	CreatedAt    time.Time
}

// Store persists conversations, messages, read receipts and transcript
// archive refs in Postgres. Transient failures are retried with exponential
// backoff.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) StoreOption {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) StoreOption {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// NewStore constructs a store using the provided Postgres pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetConversation loads ownership, membership and the messaging window for a
// conversation.
func (s *Store) GetConversation(ctx context.Context, kind types.ConversationKind, id types.ConversationID) (types.Conversation, error) {
	var (
		ownerID      int64
		participants []int64
		closedAt     *time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT owner_id, participant_ids, messaging_closed_at
FROM conversations
WHERE kind = $1 AND id = $2`, kind, id).Scan(&ownerID, &participants, &closedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return types.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}

	ids := make([]types.UserID, len(participants))
	for i, p := range participants {
		ids[i] = types.UserID(p)
	}
	return types.Conversation{
		ID:                id,
		Kind:              kind,
		OwnerID:           types.UserID(ownerID),
		ParticipantIDs:    ids,
		MessagingClosedAt: closedAt,
	}, nil
}

// RecentMessages returns the most recent limit messages of the conversation
// in chronological order, oldest first.
func (s *Store) RecentMessages(ctx context.Context, conv types.ConversationID, limit int) ([]types.StoredMessage, error) {
	started := time.Now()
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, username, content, vector_clock, is_deleted, created_at
FROM (
        SELECT id, user_id, username, content, vector_clock, is_deleted, created_at
        FROM messages
        WHERE conversation_id = $1
        ORDER BY created_at DESC
        LIMIT $2
) recent
ORDER BY created_at ASC`, conv, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []types.StoredMessage
	for rows.Next() {
		var (
			id        string
			userID    int64
			username  string
			content   string
			clockJSON []byte
			isDeleted bool
			createdAt time.Time
		)
		if err := rows.Scan(&id, &userID, &username, &content, &clockJSON, &isDeleted, &createdAt); err != nil {
			return nil, err
		}

		var clock types.VectorClock
		if len(clockJSON) > 0 {
			if err := json.Unmarshal(clockJSON, &clock); err != nil {
				return nil, fmt.Errorf("decode vector clock: %w", err)
			}
		}

		messages = append(messages, types.StoredMessage{
			ID:             types.MessageID(id),
			ConversationID: conv,
			Author:         types.User{ID: types.UserID(userID), Username: username},
			Content:        content,
			VectorClock:    clock,
			IsDeleted:      isDeleted,
			CreatedAt:      createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	loadLatency.WithLabelValues(string(conv)).Observe(time.Since(started).Seconds())
	return messages, nil
}

// PersistMessage durably stores a new message and returns the row with the
// server-minted id and timestamp. The vector clock is attached separately
// once the synchronizer has minted it. The insert is wrapped in a
// transaction and transient failures are retried.
func (s *Store) PersistMessage(ctx context.Context, conv types.ConversationID, author types.User, content string) (types.StoredMessage, error) {
	started := time.Now()
	msg := types.StoredMessage{
		ID:             types.MessageID(uuid.NewString()),
		ConversationID: conv,
		Author:         author,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	err := s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `
INSERT INTO messages (id, conversation_id, user_id, username, content, is_deleted, created_at)
VALUES ($1, $2, $3, $4, $5, false, $6)`,
			msg.ID, conv, msg.Author.ID, msg.Author.Username, content, msg.CreatedAt,
		); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return types.StoredMessage{}, err
	}

	appendLatency.WithLabelValues(string(conv)).Observe(time.Since(started).Seconds())
	return msg, nil
}

// UpsertMessageVersion writes the winning version of a merged message so that
// replay after a restart converges on the same state the synchronizer chose.
func (s *Store) UpsertMessageVersion(ctx context.Context, conv types.ConversationID, id types.MessageID, author types.User, content string, clock types.VectorClock, createdAt time.Time) error {
	clockJSON, err := json.Marshal(clock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}

	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO messages (id, conversation_id, user_id, username, content, vector_clock, is_deleted, created_at)
VALUES ($1, $2, $3, $4, $5, $6, false, $7)
ON CONFLICT (id)
DO UPDATE SET content = EXCLUDED.content, vector_clock = EXCLUDED.vector_clock, created_at = EXCLUDED.created_at`,
			id, conv, author.ID, author.Username, content, clockJSON, createdAt)
		return err
	})
}

// RecordReadReceipt stores the receipt if not already recorded. It reports
// whether a new receipt was written.
func (s *Store) RecordReadReceipt(ctx context.Context, id types.MessageID, user types.UserID) (bool, error) {
	var inserted bool
	err := s.retry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
INSERT INTO read_receipts (message_id, user_id)
VALUES ($1, $2)
ON CONFLICT (message_id, user_id) DO NOTHING`, id, user)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() > 0
		return nil
	})
	return inserted, err
}

// ReadMessageIDs returns the set of messages in the conversation the user
// has already read.
func (s *Store) ReadMessageIDs(ctx context.Context, conv types.ConversationID, user types.UserID) (map[types.MessageID]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
SELECT r.message_id
FROM read_receipts r
JOIN messages m ON m.id = r.message_id
WHERE m.conversation_id = $1 AND r.user_id = $2`, conv, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	read := make(map[types.MessageID]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		read[types.MessageID(id)] = struct{}{}
	}
	return read, rows.Err()
}

// MarkMessageDeleted tombstones a message: the row survives with empty
// content so replay keeps its slot in the ordering.
func (s *Store) MarkMessageDeleted(ctx context.Context, conv types.ConversationID, id types.MessageID) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
UPDATE messages SET is_deleted = true, content = ''
WHERE conversation_id = $1 AND id = $2`, conv, id)
		return err
	})
}

// LastArchive returns the most recent transcript archive ref for the
// conversation, or a zero ref when none exists.
func (s *Store) LastArchive(ctx context.Context, conv types.ConversationID) (ArchiveRef, error) {
	var ref ArchiveRef
	err := s.pool.QueryRow(ctx, `
SELECT conversation_id, object_path, message_count, created_at
FROM transcript_archives
WHERE conversation_id = $1
ORDER BY created_at DESC
LIMIT 1`, conv).Scan(&ref.Conversation, &ref.ObjectPath, &ref.MessageCount, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ArchiveRef{Conversation: conv}, nil
	}
	return ref, err
}

// RecordArchive stores a transcript archive ref.
func (s *Store) RecordArchive(ctx context.Context, ref ArchiveRef) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO transcript_archives (conversation_id, object_path, message_count, created_at)
VALUES ($1, $2, $3, $4)`, ref.Conversation, ref.ObjectPath, ref.MessageCount, ref.CreatedAt)
		return err
	})
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
