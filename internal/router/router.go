// Package router implements the hot-path rank→shard lookup table: an
// atomically replaceable routing table built from the coordinator's latest
// assignment snapshot, plus adjacent-partition resolution for tick
// widening. Grounded on torua's ShardRegistry.GetShardForKey/GetNodeForKey
// (internal/coordinator/shard_registry.go), generalized from a hash lookup
// to a sorted-range binary search, and on
// other_examples/dm-vev-adamant__router.go's atomic-swap table discipline:
// readers never block behind the writer that installs a new snapshot.
package router

import (
	"sort"
	"sync/atomic"

	"github.com/dreamware/rankmatch/internal/assign"
	"github.com/dreamware/rankmatch/internal/registry"
)

// Status is the outcome of a Route call.
type Status int

const (
	OK Status = iota
	InvalidRank
	NoPartition
	StaleRoutingSnapshot
)

// Result is the outcome of routing a rank to its owning partition.
type Result struct {
	Status  Status
	Epoch   int64
	ShardID string
	Node    string
}

// table is the immutable snapshot a Router atomically swaps in. assignments
// is kept sorted by RangeStart so Route can binary-search it.
type table struct {
	epoch       int64
	assignments []assign.Assignment
}

// Router holds the live routing table behind an atomic pointer, the
// process registry used to resolve shard ids to worker references, and the
// highest coordinator epoch this node has learned about through any
// channel — which is not necessarily the epoch of the table currently
// installed in cur. UpdateSnapshot keeps the two in lockstep on the normal
// push path; a side channel that learns of a newer epoch without yet
// having the snapshot to install (cmd/node's periodic /assignments poll)
// is what lets the two actually diverge.
type Router struct {
	cur              atomic.Pointer[table]
	reg              *registry.Registry
	coordinatorEpoch atomic.Int64
}

// New creates a Router with an empty table. Call UpdateSnapshot once the
// first assignments_updated arrives.
func New(reg *registry.Registry) *Router {
	r := &Router{reg: reg}
	r.cur.Store(&table{})
	return r
}

// UpdateSnapshot atomically installs snap as the live routing table. Safe
// to call concurrently with any number of in-flight Route/Adjacent calls.
func (r *Router) UpdateSnapshot(snap assign.Snapshot) {
	sorted := make([]assign.Assignment, len(snap.Assignments))
	copy(sorted, snap.Assignments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RangeStart < sorted[j].RangeStart })
	r.cur.Store(&table{epoch: snap.Epoch, assignments: sorted})
	r.ObserveCoordinatorEpoch(snap.Epoch)
}

// CurrentEpoch returns the epoch of the currently installed snapshot.
func (r *Router) CurrentEpoch() int64 {
	return r.cur.Load().epoch
}

// ObserveCoordinatorEpoch records the highest epoch this node has learned
// the coordinator is at, through any channel — a /control push or cmd/
// node's periodic /assignments poll — independent of whether that epoch's
// snapshot has actually been installed yet. Monotonic: an older epoch
// arriving after a newer one (a reordered poll response) is ignored.
func (r *Router) ObserveCoordinatorEpoch(epoch int64) {
	for {
		known := r.coordinatorEpoch.Load()
		if epoch <= known {
			return
		}
		if r.coordinatorEpoch.CompareAndSwap(known, epoch) {
			return
		}
	}
}

// KnownCoordinatorEpoch returns the highest epoch ObserveCoordinatorEpoch
// has recorded, or 0 before the first snapshot or poll response arrives.
func (r *Router) KnownCoordinatorEpoch() int64 {
	return r.coordinatorEpoch.Load()
}

// Route resolves rank to its owning partition. If expectedEpoch is nonzero
// and differs from the table's current epoch, Route returns
// StaleRoutingSnapshot so the caller can retry against the fresh epoch
// rather than act on out-of-date placement. internal/edge passes
// KnownCoordinatorEpoch() here rather than the table's own epoch, so a
// node that has fallen behind the coordinator (a missed broadcast) can
// actually be detected instead of a table always matching its own epoch
// trivially.
func (r *Router) Route(rank int32, expectedEpoch int64) Result {
	t := r.cur.Load()
	if expectedEpoch != 0 && expectedEpoch != t.epoch {
		return Result{Status: StaleRoutingSnapshot, Epoch: t.epoch}
	}

	idx := findPartition(t.assignments, rank)
	if idx < 0 {
		if len(t.assignments) == 0 {
			return Result{Status: NoPartition, Epoch: t.epoch}
		}
		return Result{Status: InvalidRank, Epoch: t.epoch}
	}
	a := t.assignments[idx]
	return Result{Status: OK, Epoch: t.epoch, ShardID: a.ShardID, Node: a.Node}
}

// AdjacentByRank resolves the immediate-lower and immediate-higher
// partitions of the one containing rank, returning worker references via
// the process registry. Either side may be nil if rank sits at a boundary
// or the neighbor has no registered worker.
func (r *Router) AdjacentByRank(rank int32) (left, right registry.WorkerRef) {
	t := r.cur.Load()
	idx := findPartition(t.assignments, rank)
	if idx < 0 {
		return nil, nil
	}
	return r.adjacentAt(t, idx)
}

// Adjacent satisfies internal/worker.NeighborResolver: given a worker's own
// (epoch, shard_id), resolve its immediate-lower and immediate-higher
// neighbors under that same epoch. If epoch no longer matches the live
// table (a reassignment raced the lookup), both sides are nil — the tick
// attempt simply finds no remote candidate this round.
func (r *Router) Adjacent(epoch int64, shardID string) (left, right registry.WorkerRef) {
	t := r.cur.Load()
	if epoch != t.epoch {
		return nil, nil
	}
	idx := -1
	for i, a := range t.assignments {
		if a.ShardID == shardID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}
	return r.adjacentAt(t, idx)
}

func (r *Router) adjacentAt(t *table, idx int) (left, right registry.WorkerRef) {
	if idx > 0 {
		left = r.lookup(t.epoch, t.assignments[idx-1].ShardID)
	}
	if idx < len(t.assignments)-1 {
		right = r.lookup(t.epoch, t.assignments[idx+1].ShardID)
	}
	return left, right
}

func (r *Router) lookup(epoch int64, shardID string) registry.WorkerRef {
	if r.reg == nil {
		return nil
	}
	ref, ok := r.reg.Lookup(registry.Key{Epoch: epoch, ShardID: shardID})
	if !ok {
		return nil
	}
	return ref
}

// findPartition binary-searches sorted assignments for the one whose
// [RangeStart, RangeEnd] contains rank, or -1 if none does.
func findPartition(assignments []assign.Assignment, rank int32) int {
	lo, hi := 0, len(assignments)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		a := assignments[mid]
		switch {
		case rank < a.RangeStart:
			hi = mid - 1
		case rank > a.RangeEnd:
			lo = mid + 1
		default:
			return mid
		}
	}
	return -1
}
