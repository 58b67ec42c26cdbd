package worker

import (
	"fmt"
	"time"
)

// Config controls one agent's polling loop.
type Config struct {
	SessionID string
	WorkerID  string

	// Delay after the first empty poll, doubling up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// The agent exits after this long without claiming a task.
	IdleTimeout time.Duration
	// Most pending records returned per poll. A poll reads at most
	// ScanReadFactor times as many records.
	ScanLimit int
	// How often a running task's HeartbeatAt is refreshed. 0 disables heartbeats.
	HeartbeatInterval time.Duration
	// Optional deadline put on each executor call. 0 means none.
	TaskDeadline time.Duration
	// Number of task ids remembered as no longer pending.
	SettledCacheSize int
	// How long a task state write keeps being retried through store faults
	// before the task is left in its current state.
	StateWriteRetryFor time.Duration
}

const (
	DefaultInitialBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff        = 30 * time.Second
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultScanLimit         = 32
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSettledCacheSize  = 4096
	DefaultStateWriteRetry   = 10 * time.Minute

	ScanReadFactor = 2
)

// DefaultConfig returns a config with every tunable set; callers fill in the ids.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:     DefaultInitialBackoff,
		MaxBackoff:         DefaultMaxBackoff,
		IdleTimeout:        DefaultIdleTimeout,
		ScanLimit:          DefaultScanLimit,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		SettledCacheSize:   DefaultSettledCacheSize,
		StateWriteRetryFor: DefaultStateWriteRetry,
	}
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = DefaultScanLimit
	}
	if c.SettledCacheSize <= 0 {
		c.SettledCacheSize = DefaultSettledCacheSize
	}
	if c.StateWriteRetryFor <= 0 {
		c.StateWriteRetryFor = DefaultStateWriteRetry
	}
	return c
}

func (c Config) maxReads() int {
	return c.ScanLimit * ScanReadFactor
}

func (c Config) String() string {
	return fmt.Sprintf("Worker Config:\n\tSessionID: %s\n\tWorkerID: %s\n\tInitialBackoff: %s\n\tMaxBackoff: %s\n\tIdleTimeout: %s\n\tScanLimit: %d\n\tHeartbeatInterval: %s\n\tTaskDeadline: %s\n\tStateWriteRetryFor: %s",
		c.SessionID, c.WorkerID, c.InitialBackoff, c.MaxBackoff, c.IdleTimeout, c.ScanLimit, c.HeartbeatInterval, c.TaskDeadline, c.StateWriteRetryFor)
}
