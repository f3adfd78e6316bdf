// Package search implements the closest-rank opponent search over a
// queuestate.State, with the strict deterministic tie-break order spec'd
// for matchmaking: closer rank wins, then older ticket, then lower rank,
// then lower user_id.
package search

import "github.com/dreamware/rankmatch/internal/queuestate"
import "github.com/dreamware/rankmatch/internal/ticket"

// isBetter reports whether a is a strictly better opponent than b for a
// requester at requesterRank, under the tie-break order:
//  1. smaller |rank - requesterRank|
//  2. older EnqueuedAtMS
//  3. lower Rank
//  4. lower UserID (lexicographic)
func isBetter(a, b ticket.Ticket, requesterRank int32) bool {
	da, db := diff(a.Rank, requesterRank), diff(b.Rank, requesterRank)
	if da != db {
		return da < db
	}
	if a.EnqueuedAtMS != b.EnqueuedAtMS {
		return a.EnqueuedAtMS < b.EnqueuedAtMS
	}
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	return a.UserID < b.UserID
}

func diff(rank, requesterRank int32) int32 {
	d := rank - requesterRank
	if d < 0 {
		return -d
	}
	return d
}

// FindBestOpponent finds the best opponent ticket for a requester at
// requesterRank, tolerating up to allowedDiff rank difference, excluding
// excludeUserID, inspecting at most maxScanRanks distinct ranks. It never
// mutates state.
func FindBestOpponent(state *queuestate.State, requesterRank int32, allowedDiff int32, excludeUserID string, maxScanRanks int) (ticket.Ticket, bool) {
	if maxScanRanks <= 0 {
		return ticket.Ticket{}, false
	}

	scanned := 0
	left := state.FloorIndex(requesterRank)
	right := state.CeilIndex(requesterRank)

	// Same-rank edge case: distance 0 is unbeatable, so a valid hit here
	// terminates the search immediately.
	if left >= 0 && right < state.NumNonEmptyRanks() && state.RankAt(left) == state.RankAt(right) && state.RankAt(left) == requesterRank {
		scanned++
		if cand, ok := state.PeekHeadSkippingUser(requesterRank, excludeUserID); ok {
			return cand, true
		}
		left--
		right++
		if scanned >= maxScanRanks {
			return ticket.Ticket{}, false
		}
	}

	var best ticket.Ticket
	haveBest := false

	for scanned < maxScanRanks && (left >= 0 || right < state.NumNonEmptyRanks()) {
		var diffLeft, diffRight int32 = -1, -1
		leftOK, rightOK := false, false

		if left >= 0 {
			d := diff(state.RankAt(left), requesterRank)
			if d <= allowedDiff {
				diffLeft, leftOK = d, true
			} else {
				left = -1
			}
		}
		if right < state.NumNonEmptyRanks() {
			d := diff(state.RankAt(right), requesterRank)
			if d <= allowedDiff {
				diffRight, rightOK = d, true
			} else {
				right = state.NumNonEmptyRanks()
			}
		}
		if !leftOK && !rightOK {
			break
		}

		var rank int32
		var consumeLeft bool
		switch {
		case leftOK && rightOK:
			if diffLeft <= diffRight {
				rank, consumeLeft = state.RankAt(left), true
			} else {
				rank, consumeLeft = state.RankAt(right), false
			}
		case leftOK:
			rank, consumeLeft = state.RankAt(left), true
		default:
			rank, consumeLeft = state.RankAt(right), false
		}

		scanned++
		if cand, ok := state.PeekHeadSkippingUser(rank, excludeUserID); ok {
			if !haveBest || isBetter(cand, best, requesterRank) {
				best, haveBest = cand, true
			}
		}

		if consumeLeft {
			left--
		} else {
			right++
		}
	}

	return best, haveBest
}

// TakeBestOpponent atomically removes the opponent ticket found by
// FindBestOpponent, provided it still matches. Exactly
// DequeueHeadIfMatches(opponent.Rank, opponent).
func TakeBestOpponent(state *queuestate.State, opponent ticket.Ticket) bool {
	return state.DequeueHeadIfMatches(opponent.Rank, opponent)
}
