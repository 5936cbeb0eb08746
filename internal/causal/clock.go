package causal

import (
	"github.com/example/eventchat/internal/types"
)

// AuthorClock is the logical clock owned by one author within a single
// conversation. The owner's counter only moves forward through Tick; folding
// in remote state through Update can raise counters but never lower them.
type AuthorClock struct {
	owner    types.UserID
	counters types.VectorClock
}

// NewAuthorClock constructs a clock for the given owner with all counters at
// zero.
func NewAuthorClock(owner types.UserID) *AuthorClock {
	return &AuthorClock{
		owner:    owner,
		counters: make(types.VectorClock),
	}
}

// Owner returns the author this clock belongs to.
func (c *AuthorClock) Owner() types.UserID { return c.owner }

// Tick increments the owner's own counter and returns the new value.
func (c *AuthorClock) Tick() uint64 {
	c.counters[c.owner]++
	return c.counters[c.owner]
}

// Update folds remote clock state into this clock by taking the max of every
// counter, then ticks the owner's own counter by exactly one. Receiving
// information counts as a local event, so the owner's counter always ends up
// ahead of what it last observed. Update is therefore not idempotent with
// respect to the owner's own counter.
func (c *AuthorClock) Update(other types.VectorClock) {
	c.counters.Merge(other)
	c.counters[c.owner]++
}

// HappensBefore reports whether this clock is causally before the other
// snapshot under the standard partial-order test. The merge path resolves on
// the scalar version instead; this comparison exists for diagnostics.
func (c *AuthorClock) HappensBefore(other types.VectorClock) bool {
	return c.counters.HappensBefore(other)
}

// Snapshot returns an immutable copy of the counter mapping.
func (c *AuthorClock) Snapshot() types.VectorClock {
	return c.counters.Clone()
}
