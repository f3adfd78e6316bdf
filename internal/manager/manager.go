// Package manager implements the PartitionManager: the per-node reconciler
// that starts and stops PartitionWorker actors to match the coordinator's
// latest assignment snapshot, debouncing rapid successive
// assignments_updated events into one reconcile. Grounded on torua's
// cmd/node/main.go Node struct (generalized from on-demand shard creation
// to an explicit desired-vs-actual diff) and its HealthMonitor
// (internal/coordinator/health_monitor.go), adapted to poll local workers'
// HealthCheck instead of a remote node's HTTP /health endpoint.
package manager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dreamware/rankmatch/internal/assign"
	"github.com/dreamware/rankmatch/internal/registry"
	"github.com/dreamware/rankmatch/internal/router"
	"github.com/dreamware/rankmatch/internal/rpcnode"
	"github.com/dreamware/rankmatch/internal/worker"
)

// Config holds the manager's own parameters plus the template every
// started worker's Config is built from; ShardID/RangeStart/RangeEnd/Epoch
// are overwritten per assignment.
type Config struct {
	Self             string
	DebounceInterval time.Duration
	WorkerDefaults   worker.Config

	// ResolveNodeAddr maps a node id to its HTTP base address, so the
	// manager can register a remote registry.WorkerRef for every shard
	// assigned to a different node (the worker's NeighborResolver needs
	// these registered too, not just the locally-owned ones).
	ResolveNodeAddr func(node string) (addr string, ok bool)
}

type runningWorker struct {
	w      *worker.Worker
	cancel context.CancelFunc
}

// Manager is one node's PartitionManager. Construct with New.
type Manager struct {
	cfg    Config
	reg    *registry.Registry
	rtr    *router.Router
	clock  worker.Clock
	claims worker.ClaimReleaser
	pub    worker.Publisher

	baseCtx context.Context

	debounceMu  sync.Mutex
	timer       *time.Timer
	pendingSnap *assign.Snapshot

	workersMu sync.Mutex
	running   map[registry.Key]runningWorker
	remote    map[registry.Key]string // key -> node id, for registered rpcnode.Clients
}

// New constructs a Manager. baseCtx bounds the lifetime of every worker
// goroutine the manager starts.
func New(baseCtx context.Context, cfg Config, reg *registry.Registry, rtr *router.Router, clock worker.Clock, claims worker.ClaimReleaser, pub worker.Publisher) *Manager {
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 25 * time.Millisecond
	}
	return &Manager{
		cfg:     cfg,
		reg:     reg,
		rtr:     rtr,
		clock:   clock,
		claims:  claims,
		pub:     pub,
		baseCtx: baseCtx,
		running: make(map[registry.Key]runningWorker),
		remote:  make(map[registry.Key]string),
	}
}

// OnAssignmentsUpdated is the handler for the coordinator's
// assignments_updated broadcast. The router is updated immediately — a
// route must never go stale just because reconcile is debouncing — and the
// actual start/stop of workers is coalesced behind a short debounce so a
// burst of membership flaps produces one reconcile, not one per event.
func (m *Manager) OnAssignmentsUpdated(snap assign.Snapshot) {
	m.rtr.UpdateSnapshot(snap)

	m.debounceMu.Lock()
	defer m.debounceMu.Unlock()
	snapCopy := snap
	m.pendingSnap = &snapCopy
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.cfg.DebounceInterval, m.fireDebounced)
}

func (m *Manager) fireDebounced() {
	m.debounceMu.Lock()
	snap := m.pendingSnap
	m.pendingSnap = nil
	m.debounceMu.Unlock()

	if snap != nil {
		m.reconcile(*snap)
	}
}

// Rebalance bypasses the debounce and reconciles immediately, for manual
// operator-triggered rebalances.
func (m *Manager) Rebalance(snap assign.Snapshot) {
	m.rtr.UpdateSnapshot(snap)

	m.debounceMu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.pendingSnap = nil
	m.debounceMu.Unlock()

	m.reconcile(snap)
}

// reconcile computes desired = {(epoch, shard_id) : assignment.Node == self}
// against actual = the running set, starts what's missing, and stops
// what's no longer desired. Idempotent: calling it twice with the same
// snapshot is a no-op the second time.
func (m *Manager) reconcile(snap assign.Snapshot) {
	desired := make(map[registry.Key]assign.Assignment)
	desiredRemote := make(map[registry.Key]assign.Assignment)
	for _, a := range snap.Assignments {
		key := registry.Key{Epoch: a.Epoch, ShardID: a.ShardID}
		if a.Node == m.cfg.Self {
			desired[key] = a
		} else {
			desiredRemote[key] = a
		}
	}

	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	for key, a := range desired {
		if _, ok := m.running[key]; !ok {
			m.startWorkerLocked(key, a)
		}
	}
	for key, rw := range m.running {
		if _, ok := desired[key]; !ok {
			m.stopWorkerLocked(key, rw)
		}
	}

	if m.cfg.ResolveNodeAddr != nil {
		for key, a := range desiredRemote {
			if node, ok := m.remote[key]; !ok || node != a.Node {
				m.registerRemoteLocked(key, a)
			}
		}
		for key, node := range m.remote {
			if a, ok := desiredRemote[key]; !ok || a.Node != node {
				m.reg.Unregister(key)
				delete(m.remote, key)
			}
		}
	}
}

// registerRemoteLocked installs an HTTP-backed WorkerRef for a shard owned
// by a different node, so Router.Adjacent can still resolve a neighbor
// that happens to live on another process.
func (m *Manager) registerRemoteLocked(key registry.Key, a assign.Assignment) {
	addr, ok := m.cfg.ResolveNodeAddr(a.Node)
	if !ok {
		log.Printf("manager: no address known for node %s, cannot register shard %+v", a.Node, key)
		return
	}
	m.reg.Register(key, rpcnode.New(addr, a.ShardID))
	m.remote[key] = a.Node
	log.Printf("manager: registered remote worker %+v @ %s", key, addr)
}

func (m *Manager) startWorkerLocked(key registry.Key, a assign.Assignment) {
	cfg := m.cfg.WorkerDefaults
	cfg.ShardID = a.ShardID
	cfg.RangeStart = a.RangeStart
	cfg.RangeEnd = a.RangeEnd
	cfg.Epoch = a.Epoch

	w := worker.New(cfg, m.clock, m.rtr, m.claims, m.pub)
	ctx, cancel := context.WithCancel(m.baseCtx)
	go w.Run(ctx)

	m.reg.Register(key, w)
	m.running[key] = runningWorker{w: w, cancel: cancel}
	log.Printf("manager: started worker %+v", key)
}

func (m *Manager) stopWorkerLocked(key registry.Key, rw runningWorker) {
	m.reg.Unregister(key)
	rw.cancel()
	rw.w.Stop()
	delete(m.running, key)
	log.Printf("manager: stopped worker %+v", key)
}

// RunningShards returns the keys of every currently-running local worker.
func (m *Manager) RunningShards() []registry.Key {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	keys := make([]registry.Key, 0, len(m.running))
	for k := range m.running {
		keys = append(keys, k)
	}
	return keys
}

// RunningWorkerRefs returns the current local shard set as a
// registry.WorkerRef map, the shape WorkerHealthMonitor polls on each tick.
// Remote shards are excluded: their liveness is the owning node's concern,
// not this one's.
func (m *Manager) RunningWorkerRefs() map[registry.Key]registry.WorkerRef {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	refs := make(map[registry.Key]registry.WorkerRef, len(m.running))
	for k, rw := range m.running {
		refs[k] = rw.w
	}
	return refs
}

// Stop tears down every locally-running worker. Call on process shutdown.
func (m *Manager) Stop() {
	m.debounceMu.Lock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.debounceMu.Unlock()

	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	for key, rw := range m.running {
		m.reg.Unregister(key)
		rw.cancel()
		rw.w.Stop()
		delete(m.running, key)
	}
	for key := range m.remote {
		m.reg.Unregister(key)
		delete(m.remote, key)
	}
}
