// Package config centralizes the engine's environment-variable
// configuration (spec.md §6), following torua's getenv/mustGetenv
// pattern (cmd/node/main.go, cmd/coordinator/main.go) generalized from two
// string settings to the full set of integer/duration knobs the
// matchmaking core exposes.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Config is every tunable spec.md §6 names, fully resolved from the
// environment with defaults applied.
type Config struct {
	RankMin        int32
	RankMax        int32
	PartitionCount int

	UserIndexShardCount int

	ImmediateMatchAllowedDiff int32
	WideningStepMS            int64
	WideningStepDiff          int32
	WideningCap               int32

	TickInterval time.Duration

	MaxTickAttempts int
	MaxScanRanks    int

	RPCTimeout     time.Duration
	EnqueueTimeout time.Duration

	BackpressureMessageQueueLimit int
	BackpressureQueuedCountLimit  int

	HealthCheckInterval time.Duration
	EpochPollInterval   time.Duration

	Epoch int64
}

// Load builds a Config from the process environment, applying the
// defaults below for anything unset. An unset variable never terminates
// the process — unlike torua's mustGetenv, every one of these settings has
// a sane default, so missing env vars are not a startup error here — but a
// set value that does not parse as an integer does (log.Fatalf).
func Load() Config {
	return Config{
		RankMin:        int32(getenvInt("RANK_MIN", 0)),
		RankMax:        int32(getenvInt("RANK_MAX", 9999)),
		PartitionCount: getenvInt("PARTITION_COUNT", 16),

		UserIndexShardCount: getenvInt("USER_INDEX_SHARD_COUNT", 16),

		ImmediateMatchAllowedDiff: int32(getenvInt("IMMEDIATE_MATCH_ALLOWED_DIFF", 0)),
		WideningStepMS:            getenvInt64("WIDENING_STEP_MS", 1000),
		WideningStepDiff:          int32(getenvInt("WIDENING_STEP_DIFF", 10)),
		WideningCap:               int32(getenvInt("WIDENING_CAP", 200)),

		TickInterval: getenvDuration("TICK_INTERVAL_MS", 200*time.Millisecond),

		MaxTickAttempts: getenvInt("MAX_TICK_ATTEMPTS", 4),
		MaxScanRanks:    getenvInt("MAX_SCAN_RANKS", 32),

		RPCTimeout:     getenvDuration("RPC_TIMEOUT_MS", 500*time.Millisecond),
		EnqueueTimeout: getenvDuration("ENQUEUE_TIMEOUT_MS", 500*time.Millisecond),

		BackpressureMessageQueueLimit: getenvInt("BACKPRESSURE_MESSAGE_QUEUE_LIMIT", 1000),
		BackpressureQueuedCountLimit:  getenvInt("BACKPRESSURE_QUEUED_COUNT_LIMIT", 10000),

		HealthCheckInterval: getenvDuration("HEALTH_CHECK_INTERVAL_MS", 5*time.Second),
		EpochPollInterval:   getenvDuration("EPOCH_POLL_INTERVAL_MS", 2*time.Second),

		Epoch: getenvInt64("EPOCH", 1),
	}
}

// getenv retrieves an environment variable with a default fallback,
// exactly torua's getenv helper.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// mustGetenv retrieves a required environment variable, terminating the
// process if it's unset — for settings that have no reasonable default,
// such as a node's own identity.
func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	log.Fatalf("missing required env %s", k)
	return ""
}

func getenvInt(k string, def int) int {
	v := getenv(k, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int for env %s: %v", k, err)
	}
	return n
}

func getenvInt64(k string, def int64) int64 {
	v := getenv(k, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 for env %s: %v", k, err)
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := getenv(k, "")
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid duration (ms) for env %s: %v", k, err)
	}
	return time.Duration(ms) * time.Millisecond
}

// NodeIdentity holds the per-process settings a node binary needs that a
// coordinator does not: its own id and address, and the coordinator it
// registers with. NODE_ID and COORDINATOR_ADDR are required; NODE_LISTEN
// and NODE_ADDR default to ":8081" and "http://127.0.0.1:8081". Mirrors
// torua's NODE_ID / NODE_ADDR / COORDINATOR_ADDR.
type NodeIdentity struct {
	NodeID          string
	Listen          string
	PublicAddr      string
	CoordinatorAddr string
}

// LoadNodeIdentity resolves a node binary's identity settings, terminating
// the process with a clear message if a required one is missing.
func LoadNodeIdentity() NodeIdentity {
	return NodeIdentity{
		NodeID:          mustGetenv("NODE_ID"),
		Listen:          getenv("NODE_LISTEN", ":8081"),
		PublicAddr:      getenv("NODE_ADDR", "http://127.0.0.1:8081"),
		CoordinatorAddr: mustGetenv("COORDINATOR_ADDR"),
	}
}

// CoordinatorListenAddr resolves the coordinator binary's listen address.
func CoordinatorListenAddr() string {
	return getenv("COORDINATOR_ADDR", ":8080")
}

// Validate reports whether the resolved rank range and partition count are
// internally consistent.
func (c Config) Validate() error {
	if c.RankMax < c.RankMin {
		return fmt.Errorf("config: RANK_MAX (%d) must be >= RANK_MIN (%d)", c.RankMax, c.RankMin)
	}
	if c.PartitionCount <= 0 {
		return fmt.Errorf("config: PARTITION_COUNT must be > 0, got %d", c.PartitionCount)
	}
	if c.UserIndexShardCount <= 0 {
		return fmt.Errorf("config: USER_INDEX_SHARD_COUNT must be > 0, got %d", c.UserIndexShardCount)
	}
	return nil
}
