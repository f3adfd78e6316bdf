// Package registry implements the cluster's worker process registry: a
// concurrent (epoch, shard_id) -> WorkerRef map, and the shape-only wire
// contract for the three inter-worker RPCs (spec.md §6). Grounded on
// other_examples/dm-vev-adamant__router.go's sync.Map-backed endpoint
// registry: register/lookup/delete, no lock held during dispatch.
package registry

import (
	"context"
	"sync"

	"github.com/dreamware/rankmatch/internal/ticket"
)

// Key identifies a worker by its epoch-scoped shard id, so old and new
// epochs can transiently coexist during a reassignment (spec.md §4.5).
type Key struct {
	Epoch   int64
	ShardID string
}

// PeekNearestRequest is the read-only peek RPC used by tick processing
// against a neighbor shard.
type PeekNearestRequest struct {
	Rank          int32
	AllowedDiff   int32
	ExcludeUserID string
	Epoch         int64
}

// PeekNearestReply is the result of a PeekNearest call.
type PeekNearestReply struct {
	Ticket        ticket.Ticket
	Found         bool
	EpochMismatch bool
}

// ReserveStatus is the outcome of a Reserve call.
type ReserveStatus int

const (
	Reserved ReserveStatus = iota
	NotFound
	ReserveEpochMismatch
)

// ReserveRequest is the write RPC used as the second phase of cross-shard
// matching.
type ReserveRequest struct {
	UserID       string
	Rank         int32
	EnqueuedAtMS int64
	Epoch        int64
}

// ReserveReply is the result of a Reserve call.
type ReserveReply struct {
	Ticket ticket.Ticket
	Status ReserveStatus
}

// EnqueueStatus is the outcome of an Enqueue call.
type EnqueueStatus int

const (
	EnqueueOK EnqueueStatus = iota
	EnqueueOverloaded
	EnqueueOutOfRange
	EnqueueStaleEpoch
)

// EnqueueRequest is the envelope a RequestHandler sends to accept a
// ticket.
type EnqueueRequest struct {
	Epoch   int64
	ShardID string
	UserID  string
	Rank    int32
}

// EnqueueReply is the result of an Enqueue call.
type EnqueueReply struct {
	Status EnqueueStatus
}

// WorkerRef is the shape-only contract every PartitionWorker exposes to the
// rest of the cluster, whether the callee lives in the same process or
// behind an HTTP transport (cmd/node wires the latter).
type WorkerRef interface {
	PeekNearest(ctx context.Context, req PeekNearestRequest) (PeekNearestReply, error)
	Reserve(ctx context.Context, req ReserveRequest) (ReserveReply, error)
	Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueReply, error)
	HealthCheck(ctx context.Context) error
}

// Registry is the concurrent (epoch, shard_id) -> WorkerRef map. Writers
// are PartitionManager (Register/Unregister on reconcile); readers are
// Router (Adjacent resolution) and the edge handler (dispatch). No lock is
// held across a lookup and the RPC it enables.
type Registry struct {
	m sync.Map // map[Key]WorkerRef
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register installs ref under key, replacing any previous entry.
func (r *Registry) Register(key Key, ref WorkerRef) {
	r.m.Store(key, ref)
}

// Unregister removes key. No-op if absent.
func (r *Registry) Unregister(key Key) {
	r.m.Delete(key)
}

// Lookup returns the WorkerRef for key, if registered.
func (r *Registry) Lookup(key Key) (WorkerRef, bool) {
	v, ok := r.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(WorkerRef), true
}

// Keys returns every currently-registered key, in no particular order.
// PartitionManager's reconcile does not use it: it diffs against its own
// record of running and remote workers.
func (r *Registry) Keys() []Key {
	var keys []Key
	r.m.Range(func(k, _ any) bool {
		keys = append(keys, k.(Key))
		return true
	})
	return keys
}
