// Package worker implements the PartitionWorker: the actor that owns one
// shard's queue exclusively and serializes every read, write, and periodic
// tick through a single goroutine's select loop. Grounded on
// internal/shard/shard.go's single-owner discipline, upgraded to a genuine
// message-passing actor in the style of
// other_examples/kapetan-io-querator__logical.go's synchronizationLoop:
// every public method sends a request plus its own reply channel into an
// inbox and blocks on the reply, never touching shared state directly.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rankmatch/internal/backpressure"
	"github.com/dreamware/rankmatch/internal/queuestate"
	"github.com/dreamware/rankmatch/internal/registry"
	"github.com/dreamware/rankmatch/internal/search"
	"github.com/dreamware/rankmatch/internal/ticket"
	"github.com/dreamware/rankmatch/internal/widening"
)

// ErrStopped is returned by any method called after the worker has been
// stopped.
var ErrStopped = errors.New("worker: stopped")

// Config holds one shard's immutable operating parameters.
type Config struct {
	ShardID    string
	RangeStart int32
	RangeEnd   int32
	Epoch      int64

	ImmediateMatchAllowedDiff int32
	Widening                  widening.Config
	Backpressure              backpressure.Config

	MaxScanRanks    int
	MaxTickAttempts int
	TickInterval    time.Duration
	RPCTimeout      time.Duration

	InboxSize int
}

// NeighborResolver resolves the left/right neighboring shards for a given
// epoch and shard id, so tick processing can widen a search across a range
// boundary. Satisfied by internal/router.Router.
type NeighborResolver interface {
	Adjacent(epoch int64, shardID string) (left, right registry.WorkerRef)
}

// ClaimReleaser releases a user's cluster-wide claim once a match (or a
// definitive non-match) finalizes. A worker always reaches this over RPC
// (internal/claimclient.Client) against the coordinator's one logical
// ClaimIndex, never a node-local *claimindex.Index — the opponent side of
// a cross-shard match (finalizeMatch's second Release call) is frequently
// hosted on a different node than this worker, and only the cluster-wide
// index is reachable from both.
type ClaimReleaser interface {
	Release(userID string)
}

// Publisher fans a completed match out to both matched users' subscribers.
// Satisfied by internal/publish.Publisher.
type Publisher interface {
	Publish(a, b ticket.Ticket)
}

// Worker is one shard's exclusive owner. The zero value is not usable;
// construct with New and call Run in its own goroutine.
type Worker struct {
	cfg       Config
	clock     Clock
	neighbors NeighborResolver
	claims    ClaimReleaser
	publisher Publisher

	enqueueCh chan enqueueMsg
	peekCh    chan peekMsg
	reserveCh chan reserveMsg
	healthCh  chan healthMsg
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs a Worker. The caller must start Run before issuing any
// request.
func New(cfg Config, clock Clock, neighbors NeighborResolver, claims ClaimReleaser, pub Publisher) *Worker {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	return &Worker{
		cfg:       cfg,
		clock:     clock,
		neighbors: neighbors,
		claims:    claims,
		publisher: pub,
		enqueueCh: make(chan enqueueMsg, cfg.InboxSize),
		peekCh:    make(chan peekMsg, cfg.InboxSize),
		reserveCh: make(chan reserveMsg, cfg.InboxSize),
		healthCh:  make(chan healthMsg, cfg.InboxSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// ShardID returns the shard this worker owns.
func (w *Worker) ShardID() string { return w.cfg.ShardID }

// Epoch returns the epoch this worker was assigned under.
func (w *Worker) Epoch() int64 { return w.cfg.Epoch }

// mailboxDepth is a cheap, racy snapshot of pending inbox load used purely
// for the backpressure.CheckOverload heuristic; it is never read for
// correctness, only for load-shedding.
func (w *Worker) mailboxDepth() int {
	return len(w.enqueueCh) + len(w.peekCh) + len(w.reserveCh)
}

type enqueueMsg struct {
	req   registry.EnqueueRequest
	reply chan registry.EnqueueReply
}

type peekMsg struct {
	req   registry.PeekNearestRequest
	reply chan registry.PeekNearestReply
}

type reserveMsg struct {
	req   registry.ReserveRequest
	reply chan registry.ReserveReply
}

type healthMsg struct {
	reply chan error
}

// Enqueue accepts a ticket for admission, attempting an immediate local
// match before queuing (spec.md §4.5).
func (w *Worker) Enqueue(ctx context.Context, req registry.EnqueueRequest) (registry.EnqueueReply, error) {
	reply := make(chan registry.EnqueueReply, 1)
	select {
	case w.enqueueCh <- enqueueMsg{req: req, reply: reply}:
	case <-w.stopCh:
		return registry.EnqueueReply{}, ErrStopped
	case <-ctx.Done():
		return registry.EnqueueReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return registry.EnqueueReply{}, ctx.Err()
	}
}

// PeekNearest finds, without removing, the best opponent for a remote
// requester. Used by neighboring workers during tick widening.
func (w *Worker) PeekNearest(ctx context.Context, req registry.PeekNearestRequest) (registry.PeekNearestReply, error) {
	reply := make(chan registry.PeekNearestReply, 1)
	select {
	case w.peekCh <- peekMsg{req: req, reply: reply}:
	case <-w.stopCh:
		return registry.PeekNearestReply{}, ErrStopped
	case <-ctx.Done():
		return registry.PeekNearestReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return registry.PeekNearestReply{}, ctx.Err()
	}
}

// Reserve is the second phase of a cross-shard match: atomically remove the
// named ticket if it is still the head of its rank's FIFO. The caller (not
// this worker) is responsible for finalizing or rolling back claims —
// Reserve never calls ClaimReleaser.Release itself.
func (w *Worker) Reserve(ctx context.Context, req registry.ReserveRequest) (registry.ReserveReply, error) {
	reply := make(chan registry.ReserveReply, 1)
	select {
	case w.reserveCh <- reserveMsg{req: req, reply: reply}:
	case <-w.stopCh:
		return registry.ReserveReply{}, ErrStopped
	case <-ctx.Done():
		return registry.ReserveReply{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return registry.ReserveReply{}, ctx.Err()
	}
}

// HealthCheck reports whether the actor loop is alive and responsive.
func (w *Worker) HealthCheck(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case w.healthCh <- healthMsg{reply: reply}:
	case <-w.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals the actor loop to exit and blocks until it has.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// Run is the actor loop. Call it in its own goroutine; it returns when Stop
// is called. state is owned exclusively by this goroutine from here on —
// no other code may touch it.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	state := queuestate.New(queuestate.Config{
		ShardID:    w.cfg.ShardID,
		RangeStart: w.cfg.RangeStart,
		RangeEnd:   w.cfg.RangeEnd,
	}, w.cfg.Epoch)

	ticker := time.NewTicker(tickIntervalOrDefault(w.cfg.TickInterval))
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case m := <-w.enqueueCh:
			m.reply <- w.handleEnqueue(state, m.req)
		case m := <-w.peekCh:
			m.reply <- w.handlePeek(state, m.req)
		case m := <-w.reserveCh:
			m.reply <- w.handleReserve(state, m.req)
		case m := <-w.healthCh:
			m.reply <- nil
		case <-ticker.C:
			w.runTick(ctx, state)
		}
	}
}

func tickIntervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 200 * time.Millisecond
	}
	return d
}

func (w *Worker) handleEnqueue(state *queuestate.State, req registry.EnqueueRequest) registry.EnqueueReply {
	if req.Epoch != w.cfg.Epoch {
		return registry.EnqueueReply{Status: registry.EnqueueStaleEpoch}
	}
	if backpressure.CheckOverload(w.mailboxDepth(), state.QueuedCount(), w.cfg.Backpressure) == backpressure.Overloaded {
		return registry.EnqueueReply{Status: registry.EnqueueOverloaded}
	}
	if req.Rank < w.cfg.RangeStart || req.Rank > w.cfg.RangeEnd {
		return registry.EnqueueReply{Status: registry.EnqueueOutOfRange}
	}

	t := ticket.New(req.UserID, req.Rank, w.clock.NowMS())

	if opponent, ok := search.FindBestOpponent(state, t.Rank, w.cfg.ImmediateMatchAllowedDiff, t.UserID, w.scanRanksOrDefault()); ok {
		if search.TakeBestOpponent(state, opponent) {
			w.finalizeMatch(t, opponent)
			return registry.EnqueueReply{Status: registry.EnqueueOK}
		}
	}

	state.Enqueue(t)
	return registry.EnqueueReply{Status: registry.EnqueueOK}
}

func (w *Worker) handlePeek(state *queuestate.State, req registry.PeekNearestRequest) registry.PeekNearestReply {
	if req.Epoch != w.cfg.Epoch {
		return registry.PeekNearestReply{EpochMismatch: true}
	}
	cand, ok := search.FindBestOpponent(state, req.Rank, req.AllowedDiff, req.ExcludeUserID, w.scanRanksOrDefault())
	return registry.PeekNearestReply{Ticket: cand, Found: ok}
}

func (w *Worker) handleReserve(state *queuestate.State, req registry.ReserveRequest) registry.ReserveReply {
	if req.Epoch != w.cfg.Epoch {
		return registry.ReserveReply{Status: registry.ReserveEpochMismatch}
	}
	want := ticket.New(req.UserID, req.Rank, req.EnqueuedAtMS)
	if !state.DequeueHeadIfMatches(req.Rank, want) {
		return registry.ReserveReply{Status: registry.NotFound}
	}
	return registry.ReserveReply{Ticket: want, Status: registry.Reserved}
}

func (w *Worker) scanRanksOrDefault() int {
	if w.cfg.MaxScanRanks <= 0 {
		return 32
	}
	return w.cfg.MaxScanRanks
}

// finalizeMatch releases both users' cluster-wide claims and publishes the
// match. Best-effort: publish failures are never surfaced to the requester,
// since the match itself has already committed by the time this runs.
func (w *Worker) finalizeMatch(a, b ticket.Ticket) {
	if w.claims != nil {
		w.claims.Release(a.UserID)
		w.claims.Release(b.UserID)
	}
	if w.publisher != nil {
		w.publisher.Publish(a, b)
	}
}

// candidate is one rank's best local-or-remote opponent pick during a tick
// attempt, paired with the requester it was found for.
type candidate struct {
	requester ticket.Ticket
	opponent  ticket.Ticket
	diff      int32
	fromLeft  bool
	fromRight bool
}

// tickBetter orders candidates using the same 4-tuple the spec defines
// for within-rank selection — (diff, age, rank, user_id) — applied
// uniformly across different requester ranks too. The spec (§4.5) defines
// the comparator for picking among one requester's own candidates but does
// not say how to compare across requesters; extending the identical order
// cluster-wide keeps exactly one global notion of "best pair" per tick
// attempt, rather than two different fairness rules coexisting.
func tickBetter(a, b candidate) bool {
	if a.diff != b.diff {
		return a.diff < b.diff
	}
	if a.opponent.EnqueuedAtMS != b.opponent.EnqueuedAtMS {
		return a.opponent.EnqueuedAtMS < b.opponent.EnqueuedAtMS
	}
	if a.opponent.Rank != b.opponent.Rank {
		return a.opponent.Rank < b.opponent.Rank
	}
	return a.opponent.UserID < b.opponent.UserID
}

func rankDiff(a, b int32) int32 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}

// runTick performs up to MaxTickAttempts rounds of widening-driven
// matching (spec.md §4.5's periodic tick); each round commits the single
// best pair found, whether its opponent is local or on a neighboring
// shard. Errors from neighbor RPCs are logged and treated as a dropped
// candidate, never fatal to the loop.
func (w *Worker) runTick(ctx context.Context, state *queuestate.State) {
	maxAttempts := w.cfg.MaxTickAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		best, ok := w.findGloballyBestPair(ctx, state)
		if !ok {
			return
		}
		if !state.DequeueHeadIfMatches(best.requester.Rank, best.requester) {
			continue
		}

		switch {
		case !best.fromLeft && !best.fromRight:
			if search.TakeBestOpponent(state, best.opponent) {
				w.finalizeMatch(best.requester, best.opponent)
			} else {
				state.EnqueueFront(best.requester)
			}
		default:
			w.completeRemoteMatch(ctx, state, best)
		}
	}
}

func (w *Worker) completeRemoteMatch(ctx context.Context, state *queuestate.State, c candidate) {
	var neighbor registry.WorkerRef
	if w.neighbors != nil {
		left, right := w.neighbors.Adjacent(w.cfg.Epoch, w.cfg.ShardID)
		if c.fromLeft {
			neighbor = left
		} else {
			neighbor = right
		}
	}
	if neighbor == nil {
		state.EnqueueFront(c.requester)
		return
	}

	rpcCtx, cancel := context.WithTimeout(ctx, w.rpcTimeoutOrDefault())
	defer cancel()

	reply, err := neighbor.Reserve(rpcCtx, registry.ReserveRequest{
		UserID:       c.opponent.UserID,
		Rank:         c.opponent.Rank,
		EnqueuedAtMS: c.opponent.EnqueuedAtMS,
		Epoch:        w.cfg.Epoch,
	})
	if err != nil || reply.Status != registry.Reserved {
		if err != nil {
			log.Printf("worker %s: remote reserve failed: %v", w.cfg.ShardID, err)
		}
		state.EnqueueFront(c.requester)
		return
	}
	w.finalizeMatch(c.requester, reply.Ticket)
}

func (w *Worker) rpcTimeoutOrDefault() time.Duration {
	if w.cfg.RPCTimeout <= 0 {
		return 500 * time.Millisecond
	}
	return w.cfg.RPCTimeout
}

// findGloballyBestPair considers every non-empty local rank as a candidate
// requester, searches local and (when the widened window crosses a range
// boundary) neighboring shards for its best opponent, and returns the
// single best pair across all requesters per tickBetter.
func (w *Worker) findGloballyBestPair(ctx context.Context, state *queuestate.State) (candidate, bool) {
	var best candidate
	haveBest := false

	n := state.NumNonEmptyRanks()
	for i := 0; i < n; i++ {
		rank := state.RankAt(i)
		head, ok := state.PeekHead(rank)
		if !ok {
			continue
		}
		age := head.AgeMS(w.clock.NowMS())
		allowed := widening.AllowedDiff(age, w.cfg.Widening)

		cands := w.candidatesFor(ctx, state, head, allowed)
		for _, c := range cands {
			if !haveBest || tickBetter(c, best) {
				best, haveBest = c, true
			}
		}
	}
	return best, haveBest
}

// candidatesFor gathers up to three candidate opponents for requester: the
// local best (excluding itself), and — only when the widened window
// crosses this shard's boundary — the left and right neighbors' best,
// fetched concurrently via errgroup.
func (w *Worker) candidatesFor(ctx context.Context, state *queuestate.State, requester ticket.Ticket, allowed int32) []candidate {
	var out []candidate

	if opp, ok := search.FindBestOpponent(state, requester.Rank, allowed, requester.UserID, w.scanRanksOrDefault()); ok {
		out = append(out, candidate{requester: requester, opponent: opp, diff: rankDiff(opp.Rank, requester.Rank)})
	}

	needLeft := requester.Rank-allowed < w.cfg.RangeStart
	needRight := requester.Rank+allowed > w.cfg.RangeEnd
	if !needLeft && !needRight {
		return out
	}
	if w.neighbors == nil {
		return out
	}
	left, right := w.neighbors.Adjacent(w.cfg.Epoch, w.cfg.ShardID)

	var leftReply, rightReply registry.PeekNearestReply
	var leftErr, rightErr error
	g, gctx := errgroup.WithContext(ctx)

	if needLeft && left != nil {
		g.Go(func() error {
			rpcCtx, cancel := context.WithTimeout(gctx, w.rpcTimeoutOrDefault())
			defer cancel()
			leftReply, leftErr = left.PeekNearest(rpcCtx, registry.PeekNearestRequest{
				Rank: requester.Rank, AllowedDiff: allowed, ExcludeUserID: requester.UserID, Epoch: w.cfg.Epoch,
			})
			return nil
		})
	}
	if needRight && right != nil {
		g.Go(func() error {
			rpcCtx, cancel := context.WithTimeout(gctx, w.rpcTimeoutOrDefault())
			defer cancel()
			rightReply, rightErr = right.PeekNearest(rpcCtx, registry.PeekNearestRequest{
				Rank: requester.Rank, AllowedDiff: allowed, ExcludeUserID: requester.UserID, Epoch: w.cfg.Epoch,
			})
			return nil
		})
	}
	_ = g.Wait()

	if leftErr == nil && leftReply.Found && !leftReply.EpochMismatch {
		out = append(out, candidate{
			requester: requester, opponent: leftReply.Ticket,
			diff: rankDiff(leftReply.Ticket.Rank, requester.Rank), fromLeft: true,
		})
	} else if leftErr != nil {
		log.Printf("worker %s: left peek failed: %v", w.cfg.ShardID, leftErr)
	}
	if rightErr == nil && rightReply.Found && !rightReply.EpochMismatch {
		out = append(out, candidate{
			requester: requester, opponent: rightReply.Ticket,
			diff: rankDiff(rightReply.Ticket.Rank, requester.Rank), fromRight: true,
		})
	} else if rightErr != nil {
		log.Printf("worker %s: right peek failed: %v", w.cfg.ShardID, rightErr)
	}

	return out
}
