package manager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dreamware/rankmatch/internal/registry"
)

// shardHealth tracks one locally-running worker's consecutive health-check
// failures, mirroring torua's NodeHealth but against an in-process actor
// instead of a remote HTTP node.
type shardHealth struct {
	status           string
	consecutiveFails int
}

// WorkerHealthMonitor periodically calls HealthCheck on every worker the
// Manager currently runs, and invokes a callback after a worker has failed
// a configured number of consecutive checks in a row — the hook a
// supervisor can use to force a restart of a hung actor.
//
// TODO: nothing currently restarts a worker on the onUnhealthy callback; a
// hung actor's queued tickets are simply unreachable until the process is
// killed. Wiring restart-with-fresh-state here is the concrete follow-up
// for the claim-leak-on-crash limitation (SPEC_FULL.md §5).
type WorkerHealthMonitor struct {
	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	mu     sync.Mutex
	shards map[registry.Key]*shardHealth

	onUnhealthy func(key registry.Key)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerHealthMonitor creates a monitor that checks every interval.
func NewWorkerHealthMonitor(interval time.Duration) *WorkerHealthMonitor {
	return &WorkerHealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		shards:      make(map[registry.Key]*shardHealth),
	}
}

// SetOnUnhealthy installs the callback invoked when a shard crosses the
// consecutive-failure threshold.
func (m *WorkerHealthMonitor) SetOnUnhealthy(fn func(key registry.Key)) {
	m.onUnhealthy = fn
}

// Start runs the monitoring loop until ctx is canceled or Stop is called.
// shardProvider returns the manager's currently-running shard keys and
// their registry-resolved WorkerRef each tick.
func (m *WorkerHealthMonitor) Start(ctx context.Context, shardProvider func() map[registry.Key]registry.WorkerRef) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkAll(ctx, shardProvider())

	for {
		select {
		case <-ticker.C:
			m.checkAll(ctx, shardProvider())
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to exit.
func (m *WorkerHealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *WorkerHealthMonitor) checkAll(ctx context.Context, shards map[registry.Key]registry.WorkerRef) {
	present := make(map[registry.Key]bool, len(shards))
	for key, ref := range shards {
		present[key] = true
		m.checkOne(ctx, key, ref)
	}

	m.mu.Lock()
	for key := range m.shards {
		if !present[key] {
			delete(m.shards, key)
		}
	}
	m.mu.Unlock()
}

func (m *WorkerHealthMonitor) checkOne(ctx context.Context, key registry.Key, ref registry.WorkerRef) {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := ref.HealthCheck(checkCtx)

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.shards[key]
	if !ok {
		h = &shardHealth{status: "unknown"}
		m.shards[key] = h
	}

	if err != nil {
		h.consecutiveFails++
		log.Printf("manager: health check failed for %+v (attempt %d/%d): %v", key, h.consecutiveFails, m.maxFailures, err)
		if h.consecutiveFails >= m.maxFailures && h.status != "unhealthy" {
			h.status = "unhealthy"
			if m.onUnhealthy != nil {
				go m.onUnhealthy(key)
			}
		}
		return
	}

	h.status = "healthy"
	h.consecutiveFails = 0
}
