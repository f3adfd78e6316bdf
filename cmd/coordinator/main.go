// Package main implements the matchmaking coordinator: the process that
// tracks cluster membership, computes the deterministic assignment
// snapshot (internal/assign), and broadcasts it to every registered node
// on membership change. Grounded directly on torua's cmd/coordinator/main.go
// (server struct, /register, /nodes, /broadcast, http.Server +
// ReadHeaderTimeout + signal-based graceful shutdown), re-pointed at
// assignment snapshots instead of KV shard assignments.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rankmatch/internal/assign"
	"github.com/dreamware/rankmatch/internal/claimindex"
	"github.com/dreamware/rankmatch/internal/cluster"
	"github.com/dreamware/rankmatch/internal/config"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	self := getenv("COORDINATOR_ID", "coordinator-1")
	peers := splitCSV(getenv("COORDINATOR_PEERS", self))
	addr := config.CoordinatorListenAddr()

	srv := newServer(self, peers, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/assignments", srv.handleAssignments)
	mux.HandleFunc("/claims/claim", srv.handleClaimsClaim)
	mux.HandleFunc("/claims/release", srv.handleClaimsRelease)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator[%s] listening on %s", self, addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Println("coordinator stopped")
}

type server struct {
	self    string
	peers   []string
	spec    assign.Config
	epochMu sync.Mutex
	epoch   int64

	mu    sync.RWMutex
	nodes []cluster.NodeInfo

	snapMu sync.RWMutex
	latest assign.Snapshot

	// claims is the one logical, cluster-wide ClaimIndex (spec.md §3's
	// ClaimIndex module). Every node reaches it over /claims/claim and
	// /claims/release (internal/claimclient) instead of holding its own
	// replica, so single-enqueue holds across the whole cluster, not just
	// within one node.
	claims *claimindex.Index
}

func newServer(self string, peers []string, cfg config.Config) *server {
	return &server{
		self:  self,
		peers: peers,
		spec: assign.Config{
			RankMin:        cfg.RankMin,
			RankMax:        cfg.RankMax,
			PartitionCount: cfg.PartitionCount,
		},
		epoch:  cfg.Epoch,
		claims: claimindex.New(cfg.UserIndexShardCount),
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	if idx >= 0 {
		s.nodes[idx] = req.Node
	} else {
		s.nodes = append(s.nodes, req.Node)
	}
	targets := append([]cluster.NodeInfo(nil), s.nodes...)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
	s.recomputeAndBroadcast(r.Context(), targets)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_ = json.NewEncoder(w).Encode(struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.nodes})
}

func (s *server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	s.snapMu.RLock()
	snap := s.latest
	s.snapMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cluster.SnapshotToDTO(snap))
}

// handleClaimsClaim is the cluster-wide ClaimIndex's claim RPC: every
// node's edge handler calls this instead of claiming against a node-local
// index, so at-most-one-outstanding-request-per-user holds cluster-wide
// (spec.md §3), not just per node.
func (s *server) handleClaimsClaim(w http.ResponseWriter, r *http.Request) {
	var req cluster.ClaimRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	status, err := s.claims.Claim(r.Context(), req.UserID)
	if err != nil && status != claimindex.Unavailable {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, cluster.ClaimRPCReply{Status: claimStatusToWire(status)})
}

// handleClaimsRelease is the cluster-wide ClaimIndex's release RPC, called
// by a worker's finalizeMatch (via internal/claimclient) for both sides of
// a match, including the side hosted on a different node.
func (s *server) handleClaimsRelease(w http.ResponseWriter, r *http.Request) {
	var req cluster.ClaimRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.claims.Release(req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func claimStatusToWire(s claimindex.Status) string {
	switch s {
	case claimindex.Claimed:
		return "claimed"
	case claimindex.AlreadyQueued:
		return "already_queued"
	default:
		return "unavailable"
	}
}

// recomputeAndBroadcast recomputes the assignment snapshot from the current
// node set, bumping the epoch, and — only if this replica is the
// deterministic leader among its coordinator peers (spec.md §4.7: "Broadcast
// is leader-gated ... to avoid duplicate broadcasts") — pushes it to every
// registered node's /control endpoint in parallel.
func (s *server) recomputeAndBroadcast(ctx context.Context, targets []cluster.NodeInfo) {
	nodeIDs := make([]string, len(targets))
	for i, n := range targets {
		nodeIDs[i] = n.ID
	}

	s.epochMu.Lock()
	s.epoch++
	epoch := s.epoch
	s.epochMu.Unlock()

	snap := assign.Compute(nodeIDs, s.spec, epoch, time.Now().UnixMilli())

	s.snapMu.Lock()
	s.latest = snap
	s.snapMu.Unlock()

	if !assign.IsLeader(s.peers, s.self) {
		log.Printf("coordinator[%s]: not leader of %v, skipping broadcast", s.self, s.peers)
		return
	}

	payload, err := json.Marshal(cluster.SnapshotToDTO(snap))
	if err != nil {
		log.Printf("coordinator: marshal snapshot: %v", err)
		return
	}

	bctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	var g errgroup.Group
	for _, n := range targets {
		n := n
		g.Go(func() error {
			err := cluster.PostJSON(bctx, n.Addr+"/control", cluster.BroadcastRequest{
				Path:    "/control",
				Payload: payload,
			}, nil)
			if err != nil {
				log.Printf("coordinator: broadcast to %s failed: %v", n.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
