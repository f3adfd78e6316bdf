package cluster

import "github.com/dreamware/rankmatch/internal/assign"

// SnapshotToDTO converts an assign.Snapshot to its wire form.
func SnapshotToDTO(snap assign.Snapshot) AssignmentSnapshotDTO {
	assignments := make([]AssignmentDTO, len(snap.Assignments))
	for i, a := range snap.Assignments {
		assignments[i] = AssignmentDTO{
			Epoch:      a.Epoch,
			ShardID:    a.ShardID,
			RangeStart: a.RangeStart,
			RangeEnd:   a.RangeEnd,
			Node:       a.Node,
		}
	}
	return AssignmentSnapshotDTO{
		Epoch: snap.Epoch,
		Spec: AssignmentSpecDTO{
			RankMin:        snap.Spec.RankMin,
			RankMax:        snap.Spec.RankMax,
			PartitionCount: snap.Spec.PartitionCount,
		},
		Nodes:        snap.Nodes,
		Assignments:  assignments,
		ComputedAtMS: snap.ComputedAtMS,
	}
}

// SnapshotFromDTO converts a wire-form snapshot back to assign.Snapshot.
func SnapshotFromDTO(dto AssignmentSnapshotDTO) assign.Snapshot {
	assignments := make([]assign.Assignment, len(dto.Assignments))
	for i, a := range dto.Assignments {
		assignments[i] = assign.Assignment{
			Epoch:      a.Epoch,
			ShardID:    a.ShardID,
			RangeStart: a.RangeStart,
			RangeEnd:   a.RangeEnd,
			Node:       a.Node,
		}
	}
	return assign.Snapshot{
		Epoch: dto.Epoch,
		Spec: assign.Config{
			RankMin:        dto.Spec.RankMin,
			RankMax:        dto.Spec.RankMax,
			PartitionCount: dto.Spec.PartitionCount,
		},
		Nodes:        dto.Nodes,
		Assignments:  assignments,
		ComputedAtMS: dto.ComputedAtMS,
	}
}
