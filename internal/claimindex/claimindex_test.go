package claimindex

import (
	"context"
	"testing"
)

func TestClaimAndRelease(t *testing.T) {
	idx := New(4)

	status, err := idx.Claim(context.Background(), "alice")
	if err != nil || status != Claimed {
		t.Fatalf("Claim(alice) = %v, %v, want Claimed, nil", status, err)
	}
	if !idx.Contains("alice") {
		t.Fatal("expected alice to be claimed")
	}

	idx.Release("alice")
	if idx.Contains("alice") {
		t.Fatal("expected alice to be released")
	}
}

func TestClaimRejectsDuplicate(t *testing.T) {
	idx := New(4)

	idx.Claim(context.Background(), "alice")
	status, err := idx.Claim(context.Background(), "alice")
	if err != nil || status != AlreadyQueued {
		t.Fatalf("second Claim(alice) = %v, %v, want AlreadyQueued, nil", status, err)
	}
}

func TestReleaseOfNonMemberIsNoop(t *testing.T) {
	idx := New(4)
	idx.Release("nobody") // must not panic
	if idx.Contains("nobody") {
		t.Fatal("releasing a non-member should not insert it")
	}
}

func TestClaimPartitionsIndependently(t *testing.T) {
	idx := New(4)
	idx.Claim(context.Background(), "alice")

	// A different user hashing to a different shard is unaffected by
	// alice's claim landing in her own shard.
	status, err := idx.Claim(context.Background(), "bob")
	if err != nil || status != Claimed {
		t.Fatalf("Claim(bob) = %v, %v, want Claimed, nil", status, err)
	}
}

func TestClaimRetriesThenSucceedsWhenShardRecovers(t *testing.T) {
	idx := New(1)
	attempts := 0
	idx.SetUnavailableHook(func(shardIdx int) bool {
		attempts++
		return attempts < maxClaimAttempts
	})

	status, err := idx.Claim(context.Background(), "alice")
	if err != nil || status != Claimed {
		t.Fatalf("Claim(alice) = %v, %v, want Claimed, nil (should succeed on final attempt)", status, err)
	}
}

func TestClaimGivesUpAfterExhaustingRetries(t *testing.T) {
	idx := New(1)
	idx.SetUnavailableHook(func(shardIdx int) bool { return true })

	status, err := idx.Claim(context.Background(), "alice")
	if err != ErrIndexUnavailable || status != Unavailable {
		t.Fatalf("Claim(alice) = %v, %v, want Unavailable, ErrIndexUnavailable", status, err)
	}
}

func TestClaimAbandonsRetriesWhenContextCancelled(t *testing.T) {
	idx := New(1)
	idx.SetUnavailableHook(func(shardIdx int) bool { return true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := idx.Claim(ctx, "alice")
	if status != Unavailable || err == nil {
		t.Fatalf("Claim(alice) = %v, %v, want Unavailable, non-nil", status, err)
	}
}

func TestNewClampsShardCountToAtLeastOne(t *testing.T) {
	idx := New(0)
	if idx.ShardCount() != 1 {
		t.Fatalf("ShardCount() = %d, want 1", idx.ShardCount())
	}
	idx = New(-5)
	if idx.ShardCount() != 1 {
		t.Fatalf("ShardCount() = %d, want 1", idx.ShardCount())
	}
}

func TestShardForIsDeterministic(t *testing.T) {
	idx := New(8)
	a := idx.shardFor("alice")
	b := idx.shardFor("alice")
	if a != b {
		t.Fatalf("shardFor(alice) is not deterministic: %d != %d", a, b)
	}
}
