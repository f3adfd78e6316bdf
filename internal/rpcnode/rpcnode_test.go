package rpcnode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/rankmatch/internal/assign"
	"github.com/dreamware/rankmatch/internal/claimindex"
	"github.com/dreamware/rankmatch/internal/edge"
	"github.com/dreamware/rankmatch/internal/publish"
	"github.com/dreamware/rankmatch/internal/registry"
	"github.com/dreamware/rankmatch/internal/router"
	"github.com/dreamware/rankmatch/internal/ticket"
)

type fakeWorker struct {
	peekReply    registry.PeekNearestReply
	reserveReply registry.ReserveReply
	enqueueReply registry.EnqueueReply
}

func (f *fakeWorker) PeekNearest(ctx context.Context, req registry.PeekNearestRequest) (registry.PeekNearestReply, error) {
	return f.peekReply, nil
}

func (f *fakeWorker) Reserve(ctx context.Context, req registry.ReserveRequest) (registry.ReserveReply, error) {
	return f.reserveReply, nil
}

func (f *fakeWorker) Enqueue(ctx context.Context, req registry.EnqueueRequest) (registry.EnqueueReply, error) {
	return f.enqueueReply, nil
}

func (f *fakeWorker) HealthCheck(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, w *fakeWorker) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	reg.Register(registry.Key{Epoch: 1, ShardID: "p-00000-00099"}, w)

	rtr := router.New(reg)
	rtr.UpdateSnapshot(assign.Snapshot{
		Epoch: 1,
		Assignments: []assign.Assignment{
			{Epoch: 1, ShardID: "p-00000-00099", RangeStart: 0, RangeEnd: 99, Node: "self"},
		},
	})
	claims := claimindex.New(4)
	hnd := edge.New(edge.Config{}, claims, rtr, reg)
	pub := publish.New()

	srv := NewServer(reg, hnd, pub)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv.RegisterHandlers(mux)
	return httptest.NewServer(mux), reg
}

func TestClientPeekNearestRoundTrip(t *testing.T) {
	w := &fakeWorker{peekReply: registry.PeekNearestReply{
		Ticket: ticket.New("bob", 100, 42),
		Found:  true,
	}}
	httpSrv, _ := newTestServer(t, w)
	defer httpSrv.Close()

	c := New(httpSrv.URL, "p-00000-00099")
	reply, err := c.PeekNearest(context.Background(), registry.PeekNearestRequest{
		Rank: 100, AllowedDiff: 5, ExcludeUserID: "alice", Epoch: 1,
	})
	require.NoError(t, err)
	assert.True(t, reply.Found)
	assert.Equal(t, "bob", reply.Ticket.UserID)
	assert.Equal(t, int64(42), reply.Ticket.EnqueuedAtMS)
}

func TestClientReserveRoundTrip(t *testing.T) {
	w := &fakeWorker{reserveReply: registry.ReserveReply{
		Ticket: ticket.New("bob", 100, 42),
		Status: registry.Reserved,
	}}
	httpSrv, _ := newTestServer(t, w)
	defer httpSrv.Close()

	c := New(httpSrv.URL, "p-00000-00099")
	reply, err := c.Reserve(context.Background(), registry.ReserveRequest{
		UserID: "bob", Rank: 100, EnqueuedAtMS: 42, Epoch: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, registry.Reserved, reply.Status)
}

func TestClientReserveNotFound(t *testing.T) {
	w := &fakeWorker{reserveReply: registry.ReserveReply{Status: registry.NotFound}}
	httpSrv, _ := newTestServer(t, w)
	defer httpSrv.Close()

	c := New(httpSrv.URL, "p-00000-00099")
	reply, err := c.Reserve(context.Background(), registry.ReserveRequest{UserID: "bob", Rank: 100, Epoch: 1})
	require.NoError(t, err)
	assert.Equal(t, registry.NotFound, reply.Status)
}

func TestClientEnqueueRoundTrip(t *testing.T) {
	w := &fakeWorker{enqueueReply: registry.EnqueueReply{Status: registry.EnqueueOK}}
	httpSrv, _ := newTestServer(t, w)
	defer httpSrv.Close()

	c := New(httpSrv.URL, "p-00000-00099")
	reply, err := c.Enqueue(context.Background(), registry.EnqueueRequest{
		Epoch: 1, ShardID: "p-00000-00099", UserID: "carol", Rank: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, registry.EnqueueOK, reply.Status)
}

func TestClientEnqueueOverloaded(t *testing.T) {
	w := &fakeWorker{enqueueReply: registry.EnqueueReply{Status: registry.EnqueueOverloaded}}
	httpSrv, _ := newTestServer(t, w)
	defer httpSrv.Close()

	c := New(httpSrv.URL, "p-00000-00099")
	reply, err := c.Enqueue(context.Background(), registry.EnqueueRequest{Epoch: 1, UserID: "carol", Rank: 100})
	require.NoError(t, err)
	assert.Equal(t, registry.EnqueueOverloaded, reply.Status)
}

func TestClientHealthCheck(t *testing.T) {
	httpSrv, _ := newTestServer(t, &fakeWorker{})
	defer httpSrv.Close()

	c := New(httpSrv.URL, "p-00000-00099")
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestServerRPCUnknownShardReturnsNotFound(t *testing.T) {
	httpSrv, _ := newTestServer(t, &fakeWorker{})
	defer httpSrv.Close()

	c := New(httpSrv.URL, "does-not-exist")
	_, err := c.PeekNearest(context.Background(), registry.PeekNearestRequest{Rank: 1, Epoch: 1})
	assert.Error(t, err)
}

func TestAddRequestEndToEndThroughHTTP(t *testing.T) {
	w := &fakeWorker{enqueueReply: registry.EnqueueReply{Status: registry.EnqueueOK}}
	httpSrv, _ := newTestServer(t, w)
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/match", "application/json",
		strings.NewReader(`{"user_id":"dave","rank":50}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out.Status)
}

func TestAddRequestRejectsGet(t *testing.T) {
	httpSrv, _ := newTestServer(t, &fakeWorker{})
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/match")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
