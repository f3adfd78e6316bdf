// Package rpcnode implements registry.WorkerRef over HTTP, so a shard
// owned by another process is indistinguishable, from the router's and the
// worker's point of view, from one owned locally. Grounded on torua's
// internal/cluster.PostJSON/GetJSON pair (cmd/coordinator's handleBroadcast
// uses exactly this call shape to reach remote nodes).
package rpcnode

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dreamware/rankmatch/internal/cluster"
	"github.com/dreamware/rankmatch/internal/registry"
	"github.com/dreamware/rankmatch/internal/ticket"
)

// Client is a registry.WorkerRef backed by a remote node's HTTP RPC
// surface (cmd/node's /rpc/* handlers).
type Client struct {
	addr    string
	shardID string
}

// New constructs a Client against a node's base address, e.g.
// "http://127.0.0.1:8081", targeting one specific shard on that node.
func New(addr, shardID string) *Client {
	return &Client{addr: addr, shardID: shardID}
}

// Addr returns the remote node's base address.
func (c *Client) Addr() string { return c.addr }

// ShardID returns the remote shard this client targets.
func (c *Client) ShardID() string { return c.shardID }

func (c *Client) PeekNearest(ctx context.Context, req registry.PeekNearestRequest) (registry.PeekNearestReply, error) {
	out := cluster.PeekNearestRPCReply{}
	err := cluster.PostJSON(ctx, c.addr+"/rpc/peek_nearest", cluster.PeekNearestRPCRequest{
		Epoch:         req.Epoch,
		ShardID:       c.shardID,
		Rank:          req.Rank,
		AllowedDiff:   req.AllowedDiff,
		ExcludeUserID: req.ExcludeUserID,
	}, &out)
	if err != nil {
		return registry.PeekNearestReply{}, err
	}
	return registry.PeekNearestReply{
		Ticket:        ticket.New(out.Ticket.UserID, out.Ticket.Rank, out.Ticket.EnqueuedAtMS),
		Found:         out.Found,
		EpochMismatch: out.EpochMismatch,
	}, nil
}

func (c *Client) Reserve(ctx context.Context, req registry.ReserveRequest) (registry.ReserveReply, error) {
	out := cluster.ReserveRPCReply{}
	err := cluster.PostJSON(ctx, c.addr+"/rpc/reserve", cluster.ReserveRPCRequest{
		Epoch:        req.Epoch,
		ShardID:      c.shardID,
		UserID:       req.UserID,
		Rank:         req.Rank,
		EnqueuedAtMS: req.EnqueuedAtMS,
	}, &out)
	if err != nil {
		return registry.ReserveReply{}, err
	}
	status, err := reserveStatusFromWire(out.Status)
	if err != nil {
		return registry.ReserveReply{}, err
	}
	return registry.ReserveReply{
		Ticket: ticket.New(out.Ticket.UserID, out.Ticket.Rank, out.Ticket.EnqueuedAtMS),
		Status: status,
	}, nil
}

func (c *Client) Enqueue(ctx context.Context, req registry.EnqueueRequest) (registry.EnqueueReply, error) {
	out := cluster.EnqueueRPCReply{}
	err := cluster.PostJSON(ctx, c.addr+"/rpc/enqueue", cluster.EnqueueRPCRequest{
		Epoch:   req.Epoch,
		ShardID: c.shardID,
		UserID:  req.UserID,
		Rank:    req.Rank,
	}, &out)
	if err != nil {
		return registry.EnqueueReply{}, err
	}
	status, err := enqueueStatusFromWire(out.Status)
	if err != nil {
		return registry.EnqueueReply{}, err
	}
	return registry.EnqueueReply{Status: status}, nil
}

// HealthCheck hits /health directly rather than through cluster.GetJSON,
// since the health endpoint (cmd/node's and cmd/coordinator's alike)
// responds with an empty body, not JSON.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rpcnode: health check %s: http %d", c.addr, resp.StatusCode)
	}
	return nil
}

func reserveStatusFromWire(s string) (registry.ReserveStatus, error) {
	switch s {
	case "reserved":
		return registry.Reserved, nil
	case "not_found":
		return registry.NotFound, nil
	case "epoch_mismatch":
		return registry.ReserveEpochMismatch, nil
	default:
		return 0, fmt.Errorf("rpcnode: unknown reserve status %q", s)
	}
}

func enqueueStatusFromWire(s string) (registry.EnqueueStatus, error) {
	switch s {
	case "ok":
		return registry.EnqueueOK, nil
	case "overloaded":
		return registry.EnqueueOverloaded, nil
	case "out_of_range":
		return registry.EnqueueOutOfRange, nil
	case "stale_epoch":
		return registry.EnqueueStaleEpoch, nil
	default:
		return 0, fmt.Errorf("rpcnode: unknown enqueue status %q", s)
	}
}
