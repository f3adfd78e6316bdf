// Package queuestate implements the per-shard queue: a FIFO of tickets per
// rank, plus a sorted index of ranks with at least one queued ticket.
//
// State is a pure value-like structure. It is never safe for concurrent
// mutation by design — callers (internal/worker) serialize all access
// through a single owning actor, exactly as torua's Shard is owned by
// exactly one node. No mutex is taken here; the owner provides the
// serialization.
package queuestate

import (
	"sort"

	"github.com/dreamware/rankmatch/internal/ticket"
)

// Config holds the immutable parameters of a shard's queue.
type Config struct {
	ShardID    string
	RangeStart int32
	RangeEnd   int32
}

// State is one shard's queue. Zero value is not usable; construct with New.
type State struct {
	Config Config
	Epoch  int64

	queuesByRank  map[int32][]ticket.Ticket
	nonEmptyRanks []int32 // sorted ascending, no duplicates
	queuedCount   int
}

// New creates an empty queue for the given shard range and epoch.
func New(cfg Config, epoch int64) *State {
	return &State{
		Config:       cfg,
		Epoch:        epoch,
		queuesByRank: make(map[int32][]ticket.Ticket),
	}
}

// QueuedCount returns the total number of queued tickets across all ranks.
func (s *State) QueuedCount() int {
	return s.queuedCount
}

// NumNonEmptyRanks returns the number of distinct ranks currently holding at
// least one ticket.
func (s *State) NumNonEmptyRanks() int {
	return len(s.nonEmptyRanks)
}

// RankAt returns the i'th non-empty rank in ascending order. Callers
// (internal/search) use this together with FloorIndex/CeilIndex to walk the
// sorted rank index without reaching into State's internals.
func (s *State) RankAt(i int) int32 {
	return s.nonEmptyRanks[i]
}

// FloorIndex returns the index of the largest non-empty rank <= rank, or -1
// if none exists.
func (s *State) FloorIndex(rank int32) int {
	i := sort.Search(len(s.nonEmptyRanks), func(i int) bool { return s.nonEmptyRanks[i] > rank })
	return i - 1
}

// CeilIndex returns the index of the smallest non-empty rank >= rank, or
// len(nonEmptyRanks) if none exists.
func (s *State) CeilIndex(rank int32) int {
	return sort.Search(len(s.nonEmptyRanks), func(i int) bool { return s.nonEmptyRanks[i] >= rank })
}

// insertRank adds rank to the sorted index; no-op if already present.
func (s *State) insertRank(rank int32) {
	i := sort.Search(len(s.nonEmptyRanks), func(i int) bool { return s.nonEmptyRanks[i] >= rank })
	if i < len(s.nonEmptyRanks) && s.nonEmptyRanks[i] == rank {
		return
	}
	s.nonEmptyRanks = append(s.nonEmptyRanks, 0)
	copy(s.nonEmptyRanks[i+1:], s.nonEmptyRanks[i:])
	s.nonEmptyRanks[i] = rank
}

// removeRank deletes rank from the sorted index; no-op if absent.
func (s *State) removeRank(rank int32) {
	i := sort.Search(len(s.nonEmptyRanks), func(i int) bool { return s.nonEmptyRanks[i] >= rank })
	if i >= len(s.nonEmptyRanks) || s.nonEmptyRanks[i] != rank {
		return
	}
	s.nonEmptyRanks = append(s.nonEmptyRanks[:i], s.nonEmptyRanks[i+1:]...)
}

// Enqueue appends t to the tail of its rank's FIFO.
func (s *State) Enqueue(t ticket.Ticket) {
	q, existed := s.queuesByRank[t.Rank]
	if !existed || len(q) == 0 {
		s.insertRank(t.Rank)
	}
	s.queuesByRank[t.Rank] = append(q, t)
	s.queuedCount++
}

// EnqueueFront prepends t to the head of its rank's FIFO. Used only for
// rollback during tick processing (a lost local take, or a remote reserve
// that failed or had no neighbor to go to), preserving the ticket's
// original EnqueuedAtMS and hence its place in age-based fairness.
func (s *State) EnqueueFront(t ticket.Ticket) {
	q, existed := s.queuesByRank[t.Rank]
	if !existed || len(q) == 0 {
		s.insertRank(t.Rank)
		s.queuesByRank[t.Rank] = []ticket.Ticket{t}
	} else {
		s.queuesByRank[t.Rank] = append([]ticket.Ticket{t}, q...)
	}
	s.queuedCount++
}

// PeekHead returns the head ticket for rank without removing it.
func (s *State) PeekHead(rank int32) (ticket.Ticket, bool) {
	q := s.queuesByRank[rank]
	if len(q) == 0 {
		return ticket.Ticket{}, false
	}
	return q[0], true
}

// PeekHeadSkippingUser peeks the head of rank's FIFO, but if that ticket
// belongs to excludeUserID, peeks the second element instead. It never
// looks deeper than that, and it never mutates.
func (s *State) PeekHeadSkippingUser(rank int32, excludeUserID string) (ticket.Ticket, bool) {
	q := s.queuesByRank[rank]
	if len(q) == 0 {
		return ticket.Ticket{}, false
	}
	if q[0].UserID != excludeUserID {
		return q[0], true
	}
	if len(q) < 2 {
		return ticket.Ticket{}, false
	}
	return q[1], true
}

// DequeueHead pops and returns the head ticket for rank.
func (s *State) DequeueHead(rank int32) (ticket.Ticket, bool) {
	q := s.queuesByRank[rank]
	if len(q) == 0 {
		return ticket.Ticket{}, false
	}
	head := q[0]
	s.popHead(rank, q)
	return head, true
}

// DequeueHeadIfMatches atomically (within the single owning goroutine) pops
// the head of rank's FIFO only if it equals expected by full tuple. This is
// the primitive that lets two decision paths (immediate match, tick) race
// to claim the same head without double-matching: whichever calls this
// first on the owning actor wins, the other sees a mismatch.
func (s *State) DequeueHeadIfMatches(rank int32, expected ticket.Ticket) bool {
	q := s.queuesByRank[rank]
	if len(q) == 0 || !q[0].Equal(expected) {
		return false
	}
	s.popHead(rank, q)
	return true
}

func (s *State) popHead(rank int32, q []ticket.Ticket) {
	rest := q[1:]
	if len(rest) == 0 {
		delete(s.queuesByRank, rank)
		s.removeRank(rank)
	} else {
		s.queuesByRank[rank] = rest
	}
	s.queuedCount--
}
