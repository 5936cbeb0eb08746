package causal

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/types"
)

// ConversationRef keys a synchronizer in the registry.
type ConversationRef struct {
	Kind types.ConversationKind
	ID   types.ConversationID
}

// Registry is the process-wide map from conversation to its synchronizer.
// Instances are created lazily on first access and live for the process
// lifetime; conversation count is bounded by the host application, so no
// eviction policy is applied here.
type Registry struct {
	mu            sync.RWMutex
	synchronizers map[ConversationRef]*Synchronizer
	logger        zerolog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		synchronizers: make(map[ConversationRef]*Synchronizer),
		logger:        logger,
	}
}

// Get returns the synchronizer for the conversation, creating it on first
// access.
func (r *Registry) Get(kind types.ConversationKind, id types.ConversationID) *Synchronizer {
	ref := ConversationRef{Kind: kind, ID: id}

	r.mu.RLock()
	sync, ok := r.synchronizers[ref]
	r.mu.RUnlock()
	if ok {
		return sync
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sync, ok := r.synchronizers[ref]; ok {
		return sync
	}
	sync = NewSynchronizer(kind, id, r.logger)
	r.synchronizers[ref] = sync
	return sync
}

// Conversations returns the refs of every synchronizer currently loaded.
func (r *Registry) Conversations() []ConversationRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]ConversationRef, 0, len(r.synchronizers))
	for ref := range r.synchronizers {
		refs = append(refs, ref)
	}
	return refs
}
