package edge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/rankmatch/internal/assign"
	"github.com/dreamware/rankmatch/internal/claimindex"
	"github.com/dreamware/rankmatch/internal/registry"
	"github.com/dreamware/rankmatch/internal/router"
)

// fakeWorker is a registry.WorkerRef double whose Enqueue behavior a test
// controls directly.
type fakeWorker struct {
	reply registry.EnqueueReply
	err   error
	calls int
}

func (f *fakeWorker) PeekNearest(ctx context.Context, req registry.PeekNearestRequest) (registry.PeekNearestReply, error) {
	return registry.PeekNearestReply{}, nil
}
func (f *fakeWorker) Reserve(ctx context.Context, req registry.ReserveRequest) (registry.ReserveReply, error) {
	return registry.ReserveReply{}, nil
}
func (f *fakeWorker) Enqueue(ctx context.Context, req registry.EnqueueRequest) (registry.EnqueueReply, error) {
	f.calls++
	return f.reply, f.err
}
func (f *fakeWorker) HealthCheck(ctx context.Context) error { return nil }

func setup(t *testing.T) (*Handler, *claimindex.Index, *registry.Registry, *fakeWorker) {
	t.Helper()
	claims := claimindex.New(4)
	reg := registry.New()
	rtr := router.New(reg)
	rtr.UpdateSnapshot(assign.Snapshot{
		Epoch: 1,
		Assignments: []assign.Assignment{
			{Epoch: 1, ShardID: "p-00000-00099", RangeStart: 0, RangeEnd: 99, Node: "n1"},
		},
	})
	fw := &fakeWorker{reply: registry.EnqueueReply{Status: registry.EnqueueOK}}
	reg.Register(registry.Key{Epoch: 1, ShardID: "p-00000-00099"}, fw)

	h := New(Config{EnqueueTimeout: 100 * time.Millisecond}, claims, rtr, reg)
	return h, claims, reg, fw
}

func TestAddRequestSuccessKeepsClaim(t *testing.T) {
	h, claims, _, fw := setup(t)

	status, err := h.AddRequest(context.Background(), "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, OK, status)
	assert.Equal(t, 1, fw.calls)
	assert.True(t, claims.Contains("alice"), "claim should remain held after a successful enqueue")
}

func TestAddRequestEmptyUserID(t *testing.T) {
	h, claims, _, _ := setup(t)

	status, err := h.AddRequest(context.Background(), "", 50)
	assert.Equal(t, EmptyUserID, status)
	assert.ErrorIs(t, err, ErrEmptyUserID)
	assert.False(t, claims.Contains(""))
}

func TestAddRequestNegativeRank(t *testing.T) {
	h, claims, _, _ := setup(t)

	status, err := h.AddRequest(context.Background(), "bob", -1)
	assert.Equal(t, NegativeRank, status)
	assert.ErrorIs(t, err, ErrNegativeRank)
	assert.False(t, claims.Contains("bob"))
}

func TestAddRequestAlreadyQueuedDoesNotDoubleClaim(t *testing.T) {
	h, claims, _, _ := setup(t)

	status, err := h.AddRequest(context.Background(), "alice", 50)
	require.NoError(t, err)
	require.Equal(t, OK, status)

	status, err = h.AddRequest(context.Background(), "alice", 60)
	require.NoError(t, err)
	assert.Equal(t, AlreadyQueued, status)
	assert.True(t, claims.Contains("alice"))
}

func TestAddRequestReleasesClaimOnOutOfRange(t *testing.T) {
	h, claims, _, fw := setup(t)
	fw.reply = registry.EnqueueReply{Status: registry.EnqueueOutOfRange}

	status, err := h.AddRequest(context.Background(), "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, OutOfRange, status)
	assert.False(t, claims.Contains("alice"), "claim must be released when the worker rejects the ticket")
}

func TestAddRequestReleasesClaimOnOverloaded(t *testing.T) {
	h, claims, _, fw := setup(t)
	fw.reply = registry.EnqueueReply{Status: registry.EnqueueOverloaded}

	status, err := h.AddRequest(context.Background(), "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, Overloaded, status)
	assert.False(t, claims.Contains("alice"))
}

func TestAddRequestReleasesClaimOnWorkerError(t *testing.T) {
	h, claims, _, fw := setup(t)
	fw.err = errors.New("rpc failed")

	status, err := h.AddRequest(context.Background(), "alice", 50)
	assert.Error(t, err)
	assert.Equal(t, Overloaded, status)
	assert.False(t, claims.Contains("alice"))
}

func TestAddRequestReleasesClaimWhenNoWorkerRegistered(t *testing.T) {
	h, claims, reg, _ := setup(t)
	reg.Unregister(registry.Key{Epoch: 1, ShardID: "p-00000-00099"})

	status, err := h.AddRequest(context.Background(), "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, NoWorker, status)
	assert.False(t, claims.Contains("alice"))
}

func TestAddRequestReleasesClaimOnInvalidRank(t *testing.T) {
	h, claims, _, _ := setup(t)

	status, err := h.AddRequest(context.Background(), "alice", 5000)
	require.NoError(t, err)
	assert.Equal(t, InvalidRank, status)
	assert.False(t, claims.Contains("alice"))
}

// TestAddRequestStaleRoutingSnapshot proves the staleness check described
// by spec.md §4.8 is actually reachable: once something has observed a
// coordinator epoch newer than the one installed in the router's table —
// exactly what cmd/node's periodic /assignments poll does when a broadcast
// never arrives — a request routed against the stale table is rejected
// rather than silently served against placement the coordinator has
// already moved past.
func TestAddRequestStaleRoutingSnapshot(t *testing.T) {
	h, claims, _, fw := setup(t)
	h.rtr.ObserveCoordinatorEpoch(2)

	status, err := h.AddRequest(context.Background(), "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, StaleRoutingSnapshot, status)
	assert.False(t, claims.Contains("alice"), "claim must be released on a stale routing snapshot")
	assert.Equal(t, 0, fw.calls, "a stale route must never reach the worker")
}
