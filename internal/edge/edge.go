// Package edge implements the RequestHandler: the entrypoint that turns an
// add_request call into a claim, a route, and an enqueue RPC, with
// claim-release-on-failure as its one load-bearing invariant. Grounded on
// cmd/node/main.go's handleShardRequest (generalized request-validation-
// and-dispatch shape: validate, look up owner, forward, map the result).
package edge

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/rankmatch/internal/claimindex"
	"github.com/dreamware/rankmatch/internal/registry"
	"github.com/dreamware/rankmatch/internal/router"
)

// Status is the outcome AddRequest reports to its caller.
type Status int

const (
	OK Status = iota
	EmptyUserID
	NegativeRank
	AlreadyQueued
	ClaimIndexUnavailable
	InvalidRank
	NoPartition
	StaleRoutingSnapshot
	NoWorker
	Overloaded
	OutOfRange
	StaleEpoch
	Timeout
)

// ClaimIndex is the cluster-wide claim store AddRequest claims against
// before routing. Satisfied by *claimindex.Index only when that Index is
// the single one hosted cluster-wide (cmd/coordinator) — a node process
// must reach it over RPC (internal/claimclient.Client), never instantiate
// its own local Index, or single-enqueue no longer holds across nodes.
type ClaimIndex interface {
	Claim(ctx context.Context, userID string) (claimindex.Status, error)
	Release(userID string)
}

// ErrEmptyUserID and ErrNegativeRank are the two validation failures
// AddRequest distinguishes, worded exactly as spec.md §6's error contract
// ("userId must be a non-empty string", "rank must be a non-negative
// integer") so the wire status matches what callers are told to expect.
var (
	ErrEmptyUserID  = errors.New("userId must be a non-empty string")
	ErrNegativeRank = errors.New("rank must be a non-negative integer")
)

// Config holds the handler's single tunable: how long to wait for a
// worker's enqueue RPC before treating it as dead.
type Config struct {
	EnqueueTimeout time.Duration
}

// Handler is the RequestHandler. Construct with New.
type Handler struct {
	cfg    Config
	claims ClaimIndex
	rtr    *router.Router
	reg    *registry.Registry
}

// New constructs a Handler.
func New(cfg Config, claims ClaimIndex, rtr *router.Router, reg *registry.Registry) *Handler {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 500 * time.Millisecond
	}
	return &Handler{cfg: cfg, claims: claims, rtr: rtr, reg: reg}
}

// AddRequest admits a single matchmaking request. On every path that does
// not return OK, the claim taken at the start is released exactly once —
// this is the invariant spec.md §4.11 calls out by name. On OK, the claim
// stays held until the worker either matches the ticket (releasing it
// itself) or the worker process is lost before that happens.
func (h *Handler) AddRequest(ctx context.Context, userID string, rank int32) (Status, error) {
	if userID == "" {
		return EmptyUserID, ErrEmptyUserID
	}
	if rank < 0 {
		return NegativeRank, ErrNegativeRank
	}

	claimStatus, err := h.claims.Claim(ctx, userID)
	switch claimStatus {
	case claimindex.AlreadyQueued:
		return AlreadyQueued, nil
	case claimindex.Unavailable:
		return ClaimIndexUnavailable, err
	}

	released := false
	release := func() {
		if !released {
			h.claims.Release(userID)
			released = true
		}
	}

	route := h.rtr.Route(rank, h.rtr.KnownCoordinatorEpoch())
	switch route.Status {
	case router.InvalidRank:
		release()
		return InvalidRank, nil
	case router.NoPartition:
		release()
		return NoPartition, nil
	case router.StaleRoutingSnapshot:
		release()
		return StaleRoutingSnapshot, nil
	}

	ref, ok := h.reg.Lookup(registry.Key{Epoch: route.Epoch, ShardID: route.ShardID})
	if !ok {
		release()
		return NoWorker, nil
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, h.cfg.EnqueueTimeout)
	defer cancel()

	reply, err := ref.Enqueue(enqueueCtx, registry.EnqueueRequest{
		Epoch:   route.Epoch,
		ShardID: route.ShardID,
		UserID:  userID,
		Rank:    rank,
	})
	if err != nil {
		release()
		if errors.Is(err, context.DeadlineExceeded) {
			return Timeout, err
		}
		return Overloaded, err
	}

	switch reply.Status {
	case registry.EnqueueOK:
		// TODO: if the worker holding this claim dies before matching the
		// ticket, nothing releases it — claimindex tracks membership, not
		// owners. Hooking WorkerHealthMonitor's onUnhealthy callback up to
		// an owner-aware release would close this (spec.md §4.6).
		return OK, nil
	case registry.EnqueueOverloaded:
		release()
		return Overloaded, nil
	case registry.EnqueueOutOfRange:
		release()
		return OutOfRange, nil
	case registry.EnqueueStaleEpoch:
		release()
		return StaleEpoch, nil
	default:
		release()
		return Overloaded, nil
	}
}
