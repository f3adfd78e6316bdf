// Package claimclient reaches the cluster-wide ClaimIndex hosted by
// cmd/coordinator over HTTP, so every node's edge handler and every
// worker's finalizeMatch claim and release against the same logical index
// instead of a node-local replica. Grounded on internal/rpcnode.Client's
// call shape (cluster.PostJSON against a fixed base address, wire status
// strings translated to the package's own enum).
package claimclient

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dreamware/rankmatch/internal/claimindex"
	"github.com/dreamware/rankmatch/internal/cluster"
)

// Client is a claimindex.ClaimIndex-shaped handle on the coordinator's
// claim store. Satisfies both internal/edge.ClaimIndex (Claim+Release) and
// internal/worker.ClaimReleaser (Release alone).
type Client struct {
	addr    string
	timeout time.Duration
}

// New constructs a Client against the coordinator's base address, e.g.
// "http://127.0.0.1:8080".
func New(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Client{addr: addr, timeout: timeout}
}

// Claim asks the coordinator to compare-and-insert userID into the
// cluster-wide claim set. ctx bounds the round trip; if the caller's
// deadline is looser than the client's own timeout, the client's applies.
func (c *Client) Claim(ctx context.Context, userID string) (claimindex.Status, error) {
	claimCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var out cluster.ClaimRPCReply
	err := cluster.PostJSON(claimCtx, c.addr+"/claims/claim", cluster.ClaimRPCRequest{UserID: userID}, &out)
	if err != nil {
		return claimindex.Unavailable, err
	}
	return claimStatusFromWire(out.Status)
}

// Release asks the coordinator to remove userID from the cluster-wide claim
// set. Fire-and-forget: the POST runs in its own goroutine and the caller
// never learns whether it succeeded (claimindex.Index.Release likewise
// reports nothing, though it runs synchronously), since there is no
// recovery action to take either way — a release that is lost leaves the
// known §4.6 claim-leak window, not a new failure mode.
func (c *Client) Release(userID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		err := cluster.PostJSON(ctx, c.addr+"/claims/release", cluster.ClaimRPCRequest{UserID: userID}, nil)
		if err != nil {
			log.Printf("claimclient: release %s failed: %v", userID, err)
		}
	}()
}

func claimStatusFromWire(s string) (claimindex.Status, error) {
	switch s {
	case "claimed":
		return claimindex.Claimed, nil
	case "already_queued":
		return claimindex.AlreadyQueued, nil
	case "unavailable":
		return claimindex.Unavailable, claimindex.ErrIndexUnavailable
	default:
		return claimindex.Unavailable, fmt.Errorf("claimclient: unknown claim status %q", s)
	}
}
