// Package assign implements the AssignmentCoordinator: a pure, deterministic
// function from (nodes, spec, epoch) to a versioned shard→node plan. It
// mirrors torua's ShardRegistry.RebalanceShards, generalized from "round
// robin over a fixed shard count" to "contiguous rank-range split over a
// partition count", per spec.md §4.7.
package assign

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Config is the spec's rank_min/rank_max/partition_count triple.
type Config struct {
	RankMin        int32
	RankMax        int32
	PartitionCount int
}

// Assignment is one shard's placement under a given epoch.
type Assignment struct {
	Epoch      int64
	ShardID    string
	RangeStart int32
	RangeEnd   int32
	Node       string
}

// Snapshot is the coordinator's published plan.
type Snapshot struct {
	Epoch       int64
	Spec        Config
	Nodes       []string
	Assignments []Assignment
	ComputedAtMS int64
}

// Compute deterministically derives a Snapshot from the given node set,
// spec and epoch. The node set is sorted internally, so callers may pass
// nodes in any order and still get a reproducible plan — the core
// guarantee split-brain recovery (spec.md §9) depends on: two coordinators
// computing from the same inputs always agree.
func Compute(nodes []string, cfg Config, epoch int64, computedAtMS int64) Snapshot {
	sorted := slices.Clone(nodes)
	slices.Sort(sorted)

	snap := Snapshot{
		Epoch:        epoch,
		Spec:         cfg,
		Nodes:        sorted,
		ComputedAtMS: computedAtMS,
	}
	if cfg.PartitionCount <= 0 || len(sorted) == 0 {
		return snap
	}

	total := cfg.RankMax - cfg.RankMin + 1
	baseWidth := total / int32(cfg.PartitionCount)

	snap.Assignments = make([]Assignment, cfg.PartitionCount)
	for i := 0; i < cfg.PartitionCount; i++ {
		rangeStart := cfg.RankMin + int32(i)*baseWidth
		rangeEnd := rangeStart + baseWidth - 1
		if i == cfg.PartitionCount-1 {
			rangeEnd = cfg.RankMax
		}
		snap.Assignments[i] = Assignment{
			Epoch:      epoch,
			ShardID:    shardID(rangeStart, rangeEnd),
			RangeStart: rangeStart,
			RangeEnd:   rangeEnd,
			Node:       sorted[i%len(sorted)],
		}
	}
	return snap
}

func shardID(rangeStart, rangeEnd int32) string {
	return fmt.Sprintf("p-%05d-%05d", rangeStart, rangeEnd)
}

// IsLeader reports whether self is the deterministic leader of nodes — the
// minimum of the sorted node set. Used to gate assignment broadcasts so
// that only one coordinator replica sends per membership change
// (spec.md §4.7: "Broadcast is leader-gated").
func IsLeader(nodes []string, self string) bool {
	if len(nodes) == 0 {
		return false
	}
	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	return sorted[0] == self
}

// NodeShards returns the assignments a Snapshot places on node.
func (s Snapshot) NodeShards(node string) []Assignment {
	var out []Assignment
	for _, a := range s.Assignments {
		if a.Node == node {
			out = append(out, a)
		}
	}
	return out
}

// Find returns the assignment for shardID, if any.
func (s Snapshot) Find(shardID string) (Assignment, bool) {
	idx := slices.IndexFunc(s.Assignments, func(a Assignment) bool { return a.ShardID == shardID })
	if idx < 0 {
		return Assignment{}, false
	}
	return s.Assignments[idx], true
}
