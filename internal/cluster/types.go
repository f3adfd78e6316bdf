// Package cluster holds the wire types and small HTTP helpers shared by
// cmd/coordinator and cmd/node, kept directly from torua's
// internal/cluster/types.go (NodeInfo, RegisterRequest, BroadcastRequest,
// PostJSON, GetJSON) and extended with the assignment-snapshot DTO the
// matchmaking coordinator broadcasts that torua's KV cluster had no
// equivalent of.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// NodeInfo identifies one registered cluster member.
type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest is POSTed by a node on startup to join the cluster.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// BroadcastRequest is the coordinator's generic fan-out envelope, used here
// to carry assignments_updated to every registered node.
type BroadcastRequest struct {
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload"`
}

// AssignmentDTO is the wire form of one assign.Assignment.
type AssignmentDTO struct {
	Epoch      int64  `json:"epoch"`
	ShardID    string `json:"shard_id"`
	RangeStart int32  `json:"range_start"`
	RangeEnd   int32  `json:"range_end"`
	Node       string `json:"node"`
}

// AssignmentSpecDTO is the wire form of assign.Config.
type AssignmentSpecDTO struct {
	RankMin        int32 `json:"rank_min"`
	RankMax        int32 `json:"rank_max"`
	PartitionCount int   `json:"partition_count"`
}

// AssignmentSnapshotDTO is the payload of an assignments_updated
// broadcast: the coordinator's versioned (epoch, shard->node) plan.
type AssignmentSnapshotDTO struct {
	Epoch        int64             `json:"epoch"`
	Spec         AssignmentSpecDTO `json:"spec"`
	Nodes        []string          `json:"nodes"`
	Assignments  []AssignmentDTO   `json:"assignments"`
	ComputedAtMS int64             `json:"computed_at_ms"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON marshals body, POSTs it to url, and decodes the response into
// out (if non-nil and the response is not 204 No Content). A non-2xx
// status is reported as an error.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON issues a GET to url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
