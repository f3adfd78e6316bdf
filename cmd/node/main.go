// Package main implements the matchmaking node: the process that hosts a
// set of PartitionWorker actors, reconciles them against the coordinator's
// assignment broadcasts, and serves the edge RequestHandler and inter-worker
// RPCs over HTTP. Grounded directly on torua's cmd/node/main.go (mustGetenv
// config, registration-with-retry, http.Server + ReadHeaderTimeout +
// signal-based graceful shutdown), re-pointed at matchmaking endpoints.
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

	"github.com/dreamware/rankmatch/internal/assign"
	"github.com/dreamware/rankmatch/internal/backpressure"
	"github.com/dreamware/rankmatch/internal/claimclient"
	"github.com/dreamware/rankmatch/internal/cluster"
	"github.com/dreamware/rankmatch/internal/config"
	"github.com/dreamware/rankmatch/internal/edge"
	"github.com/dreamware/rankmatch/internal/manager"
	"github.com/dreamware/rankmatch/internal/publish"
	"github.com/dreamware/rankmatch/internal/registry"
	"github.com/dreamware/rankmatch/internal/router"
	"github.com/dreamware/rankmatch/internal/rpcnode"
	"github.com/dreamware/rankmatch/internal/widening"
	"github.com/dreamware/rankmatch/internal/worker"
)

// logFatal is a variable so tests can intercept fatal errors, exactly as
// torua's cmd/node/main.go does.
var logFatal = log.Fatalf

func main() {
	id := config.LoadNodeIdentity()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logFatal("invalid config: %v", err)
	}

	reg := registry.New()
	rtr := router.New(reg)
	// claims reaches the coordinator's single, cluster-wide ClaimIndex over
	// RPC (see cmd/coordinator) rather than holding a node-local replica —
	// a node-local index would only enforce single-enqueue within this
	// node, not across the cluster.
	claims := claimclient.New(id.CoordinatorAddr, cfg.RPCTimeout)
	pub := publish.New()

	nodeAddrs := newNodeAddrBook()

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := manager.New(baseCtx, manager.Config{
		Self:             id.NodeID,
		DebounceInterval: 25 * time.Millisecond,
		WorkerDefaults: worker.Config{
			ImmediateMatchAllowedDiff: cfg.ImmediateMatchAllowedDiff,
			Widening: widening.Config{
				StepMS:   cfg.WideningStepMS,
				StepDiff: cfg.WideningStepDiff,
				Cap:      cfg.WideningCap,
			},
			Backpressure: backpressure.Config{
				MessageQueueLimit: cfg.BackpressureMessageQueueLimit,
				QueuedCountLimit:  cfg.BackpressureQueuedCountLimit,
			},
			MaxScanRanks:    cfg.MaxScanRanks,
			MaxTickAttempts: cfg.MaxTickAttempts,
			TickInterval:    cfg.TickInterval,
			RPCTimeout:      cfg.RPCTimeout,
		},
		ResolveNodeAddr: nodeAddrs.lookup,
	}, reg, rtr, worker.NewProcessClock(), claims, pub)

	edgeHandler := edge.New(edge.Config{EnqueueTimeout: cfg.EnqueueTimeout}, claims, rtr, reg)
	rpcSrv := rpcnode.NewServer(reg, edgeHandler, pub)

	healthMon := manager.NewWorkerHealthMonitor(cfg.HealthCheckInterval)
	healthMon.SetOnUnhealthy(func(key registry.Key) {
		log.Printf("node[%s]: shard %+v failed consecutive health checks", id.NodeID, key)
	})
	go healthMon.Start(baseCtx, mgr.RunningWorkerRefs)
	go pollCoordinatorEpoch(baseCtx, id.CoordinatorAddr, cfg.EpochPollInterval, rtr, mgr)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/control", handleControl(mgr, nodeAddrs))
	rpcSrv.RegisterHandlers(mux)

	httpSrv := &http.Server{
		Addr:              id.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("node[%s] listening on %s (public %s)", id.NodeID, id.Listen, id.PublicAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	register(context.Background(), id.CoordinatorAddr, id.NodeID, id.PublicAddr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	healthMon.Stop()
	mgr.Stop()
	ctx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("node stopped")
}

// register attempts to register this node with the coordinator, retrying on
// failure to ride out coordinator startup delays — identical retry shape to
// torua's cmd/node/main.go:register.
func register(ctx context.Context, coord, id, addr string) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Printf("registered with coordinator @ %s", coord)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}
	logFatal("failed to register with coordinator: %v", lastErr)
}

// nodeAddrBook maps node id to address for every node the coordinator
// lists. The assignment snapshot names each shard's owning node by id but
// carries no address, so the book is populated from the coordinator's
// /nodes listing, refreshed on every /control delivery. Entries are added
// or overwritten, never removed.
type nodeAddrBook struct {
	mu   sync.RWMutex
	addr map[string]string
}

func newNodeAddrBook() *nodeAddrBook {
	return &nodeAddrBook{addr: make(map[string]string)}
}

func (b *nodeAddrBook) lookup(node string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.addr[node]
	return a, ok
}

func (b *nodeAddrBook) update(nodes []cluster.NodeInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range nodes {
		b.addr[n.ID] = n.Addr
	}
}

// handleControl receives the coordinator's assignments_updated broadcast
// (spec.md §4.9), refreshing the node address book from the coordinator's
// /nodes listing before handing the snapshot to the manager to reconcile.
// Mirrors torua's handleControl shape (decode, log, 204) but actually acts
// on the payload instead of only logging it.
func handleControl(mgr *manager.Manager, nodeAddrs *nodeAddrBook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var envelope cluster.BroadcastRequest
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		var dto cluster.AssignmentSnapshotDTO
		if err := json.Unmarshal(envelope.Payload, &dto); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		snap := cluster.SnapshotFromDTO(dto)

		refreshNodeAddrsFromSnapshot(nodeAddrs, snap)
		mgr.OnAssignmentsUpdated(snap)
		w.WriteHeader(http.StatusNoContent)
	}
}

// pollCoordinatorEpoch independently learns the coordinator's current
// epoch on a fixed interval, regardless of whether the last /control push
// actually reached this node (cmd/coordinator logs and otherwise swallows
// a failed broadcast). Every poll records what it learned via
// router.Router.ObserveCoordinatorEpoch before comparing it against the
// table actually installed — so a request routed on this node between
// those two steps sees spec.md §4.8's stale_routing_snapshot instead of
// silently routing against placement the coordinator has already moved
// past. A detected gap is also an opportunity to self-heal: the same poll
// response carries the full snapshot, so reconcile runs immediately
// rather than waiting for the coordinator's next membership change to
// retry the broadcast.
func pollCoordinatorEpoch(ctx context.Context, coord string, interval time.Duration, rtr *router.Router, mgr *manager.Manager) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var dto cluster.AssignmentSnapshotDTO
			reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := cluster.GetJSON(reqCtx, coord+"/assignments", &dto)
			cancel()
			if err != nil {
				log.Printf("node: poll coordinator epoch: %v", err)
				continue
			}

			rtr.ObserveCoordinatorEpoch(dto.Epoch)
			if dto.Epoch != rtr.CurrentEpoch() {
				log.Printf("node: routing table at epoch %d lags coordinator's epoch %d, reconciling", rtr.CurrentEpoch(), dto.Epoch)
				mgr.OnAssignmentsUpdated(cluster.SnapshotFromDTO(dto))
			}
		}
	}
}

// refreshNodeAddrsFromSnapshot derives each node's address from the public
// address it registered with the coordinator under — the snapshot names
// nodes by id only, so this asks the coordinator directly rather than
// inventing an address-carrying wire format.
func refreshNodeAddrsFromSnapshot(nodeAddrs *nodeAddrBook, snap assign.Snapshot) {
	coord := os.Getenv("COORDINATOR_ADDR")
	if coord == "" {
		return
	}
	var out struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := cluster.GetJSON(ctx, coord+"/nodes", &out); err != nil {
		log.Printf("node: refresh node addresses: %v", err)
		return
	}
	nodeAddrs.update(out.Nodes)
}
