package causal

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/types"
)

// Synchronizer owns all author clocks and message versions for one
// conversation. It mints versions for local sends, merges versions arriving
// from reconnecting or concurrent clients, and produces the causally ordered
// view replayed to every connection. At most one version is stored per
// message id: the one chosen by the conflict rule in MessageVersion.
type Synchronizer struct {
	mu           sync.Mutex
	conversation types.ConversationID
	kind         types.ConversationKind
	clocks       map[types.UserID]*AuthorClock
	versions     map[types.MessageID]*MessageVersion
	logger       zerolog.Logger
}

// NewSynchronizer constructs an empty synchronizer for one conversation.
func NewSynchronizer(kind types.ConversationKind, conversation types.ConversationID, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		conversation: conversation,
		kind:         kind,
		clocks:       make(map[types.UserID]*AuthorClock),
		versions:     make(map[types.MessageID]*MessageVersion),
		logger:       logger.With().Str("conversation", string(conversation)).Logger(),
	}
}

// Conversation returns the conversation this synchronizer is scoped to.
func (s *Synchronizer) Conversation() types.ConversationID { return s.conversation }

// Kind returns the conversation kind.
func (s *Synchronizer) Kind() types.ConversationKind { return s.kind }

// CreateVersion ticks the author's clock and stores a fresh version for the
// message id, overwriting any previous entry. Overwriting is deliberate: a
// client editing its own just-sent message before broadcast reuses the id.
func (s *Synchronizer) CreateVersion(id types.MessageID, author types.UserID, content string, createdAt time.Time) *MessageVersion {
	s.mu.Lock()
	defer s.mu.Unlock()

	clock := s.ensureClock(author)
	clock.Tick()

	version := NewMessageVersion(id, clock.Snapshot(), content, author, createdAt)
	s.versions[id] = version
	return version
}

// InitializeVersion rebuilds synchronizer state from persisted history at
// connection time. For an unseen message id it folds the author's most recent
// initialized message clock into the author's clock before ticking, which
// reconstructs a state consistent with replay order even though nothing
// survives a process restart. Re-initializing a known id never mutates
// clocks, so replaying the same history twice is safe.
func (s *Synchronizer) InitializeVersion(id types.MessageID, author types.UserID, content string, createdAt time.Time) *MessageVersion {
	s.mu.Lock()
	defer s.mu.Unlock()

	clock := s.ensureClock(author)

	if _, known := s.versions[id]; !known {
		if latest := s.latestByAuthor(author); latest != nil {
			clock.Update(latest.Clock)
		}
		clock.Tick()
	}

	version := NewMessageVersion(id, clock.Snapshot(), content, author, createdAt)
	s.versions[id] = version
	return version
}

// Merge reconciles an incoming version against whatever is stored for its
// message id. The returned version is the current winner; isNew reports
// whether the caller should broadcast it. Merging the same version twice is
// a no-op on the second call, and versions older than the stored one are
// rejected silently.
func (s *Synchronizer) Merge(incoming *MessageVersion) (*MessageVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.versions[incoming.MessageID]
	if !ok {
		s.absorb(incoming.Clock)
		s.versions[incoming.MessageID] = incoming
		mergeOutcomes.WithLabelValues(string(s.conversation), "accepted").Inc()
		return incoming, true
	}

	switch {
	case incoming.Version > existing.Version:
		s.absorb(incoming.Clock)
		s.versions[incoming.MessageID] = incoming
		mergeOutcomes.WithLabelValues(string(s.conversation), "accepted").Inc()
		return incoming, true

	case incoming.Version == existing.Version && incoming.isDuplicateOf(existing):
		// Redelivery of the stored version.
		mergeOutcomes.WithLabelValues(string(s.conversation), "duplicate").Inc()
		return existing, false

	case incoming.Version == existing.Version:
		// True concurrent edit of the same logical message.
		s.absorb(incoming.Clock)
		winner := existing
		if incoming.supersedes(existing) {
			winner = incoming
		}
		s.versions[incoming.MessageID] = winner
		s.logger.Debug().
			Str("message", string(incoming.MessageID)).
			Int64("winner", int64(winner.UserID)).
			Msg("concurrent edit resolved")
		mergeOutcomes.WithLabelValues(string(s.conversation), "conflict").Inc()
		return winner, true

	default:
		mergeOutcomes.WithLabelValues(string(s.conversation), "stale").Inc()
		return existing, false
	}
}

// OrderedMessages sorts the stored winning versions by (scalar version,
// created_at, message id) ascending and returns the last limit entries. The
// key approximates causal order; it is monotonic with wall clock in the
// common single-writer case. A limit of zero or less returns everything.
func (s *Synchronizer) OrderedMessages(limit int) []*MessageVersion {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]*MessageVersion, 0, len(s.versions))
	for _, v := range s.versions {
		ordered = append(ordered, v)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.MessageID < b.MessageID
	})

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// MessageCount returns the number of winning versions currently held.
func (s *Synchronizer) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.versions)
}

// absorb folds the snapshot into the clock of every author it mentions,
// creating clocks for authors seen for the first time.
func (s *Synchronizer) absorb(snapshot types.VectorClock) {
	for author := range snapshot {
		s.ensureClock(author).Update(snapshot)
	}
}

func (s *Synchronizer) ensureClock(author types.UserID) *AuthorClock {
	clock, ok := s.clocks[author]
	if !ok {
		clock = NewAuthorClock(author)
		s.clocks[author] = clock
	}
	return clock
}

func (s *Synchronizer) latestByAuthor(author types.UserID) *MessageVersion {
	var latest *MessageVersion
	for _, v := range s.versions {
		if v.UserID != author {
			continue
		}
		if latest == nil || v.CreatedAt.After(latest.CreatedAt) {
			latest = v
		}
	}
	return latest
}
