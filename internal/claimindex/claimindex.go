// Package claimindex implements the hash-sharded set of currently-queued
// user_ids that enforces at-most-one outstanding request per user. Claims
// live only in memory — by design, a process restart loses them (spec.md
// §3, "Lifecycles"). A single Index is cluster-wide authority only while it
// is hosted in one place cloud-wide and reached over RPC by every node
// (cmd/coordinator does this; see internal/claimclient for the RPC side) —
// an Index instantiated directly inside a node process, with no RPC in
// front of it, covers only that node's claims.
package claimindex

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Status is the outcome of a Claim call.
type Status int

const (
	Claimed Status = iota
	AlreadyQueued
	Unavailable
)

// ErrIndexUnavailable is returned when a shard stays unavailable through
// every retry attempt.
var ErrIndexUnavailable = errors.New("claimindex: shard unavailable after retries")

const (
	maxClaimAttempts = 3
	retryDelay       = 20 * time.Millisecond
)

// shard is one hash-partition of the claim set, guarded by its own mutex so
// unrelated users never contend.
type shard struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// Index is the sharded claim set. Construct with New.
type Index struct {
	shards []*shard
	// unavailable, if set, simulates a shard being transiently unreachable.
	// Left nil in production; used by tests to exercise the retry path.
	unavailable func(shardIdx int) bool
}

// New creates a claim index with shardCount hash-partitions.
func New(shardCount int) *Index {
	if shardCount < 1 {
		shardCount = 1
	}
	idx := &Index{shards: make([]*shard, shardCount)}
	for i := range idx.shards {
		idx.shards[i] = &shard{set: make(map[string]struct{})}
	}
	return idx
}

// SetUnavailableHook installs a predicate used only by tests to simulate
// transient shard unavailability during Claim's retry loop.
func (idx *Index) SetUnavailableHook(fn func(shardIdx int) bool) {
	idx.unavailable = fn
}

func (idx *Index) shardFor(userID string) int {
	return int(xxhash.Sum64String(userID) % uint64(len(idx.shards)))
}

// Claim compare-and-inserts userID into its shard. Transient unavailability
// is retried a bounded number of times before giving up with Unavailable.
// ctx governs the retry waits only, so a caller's deadline cuts retries
// short instead of outliving it.
func (idx *Index) Claim(ctx context.Context, userID string) (Status, error) {
	shardIdx := idx.shardFor(userID)
	sh := idx.shards[shardIdx]

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		if idx.unavailable != nil && idx.unavailable(shardIdx) {
			if attempt < maxClaimAttempts-1 {
				select {
				case <-time.After(retryDelay):
				case <-ctx.Done():
					return Unavailable, ctx.Err()
				}
			}
			continue
		}

		sh.mu.Lock()
		_, exists := sh.set[userID]
		if !exists {
			sh.set[userID] = struct{}{}
		}
		sh.mu.Unlock()

		if exists {
			return AlreadyQueued, nil
		}
		return Claimed, nil
	}

	return Unavailable, ErrIndexUnavailable
}

// Release idempotently removes userID from its shard. Removing a
// non-member is a no-op. Callers may invoke this in a goroutine for
// fire-and-forget semantics; Release itself is synchronous.
func (idx *Index) Release(userID string) {
	sh := idx.shards[idx.shardFor(userID)]
	sh.mu.Lock()
	delete(sh.set, userID)
	sh.mu.Unlock()
}

// Contains reports whether userID is currently claimed. Exposed for tests
// and diagnostics only — the matchmaking hot path never needs a membership
// check outside of Claim itself.
func (idx *Index) Contains(userID string) bool {
	sh := idx.shards[idx.shardFor(userID)]
	sh.mu.Lock()
	_, ok := sh.set[userID]
	sh.mu.Unlock()
	return ok
}

// ShardCount returns the number of hash-partitions.
func (idx *Index) ShardCount() int {
	return len(idx.shards)
}
