package storage

import (
	"errors"
	"time"

	"dispatchd/internal/task"
)

var (
	ErrDisabled = errors.New("storage disabled")

	// ErrCorrupt marks an unparseable persisted snapshot. Drivers discard the
	// poisoned copy before returning it, so a retry loads an empty store.
	ErrCorrupt = errors.New("corrupt snapshot")

	// ErrWriteRejected wraps save failures where the medium refused the write
	// (disk full, quota, readonly database). The store reacts with its
	// truncate-and-retry remediation.
	ErrWriteRejected = errors.New("write rejected")
)

// Config configures snapshot persistence.
//
// Driver values:
//   - "file": atomic-rename JSON snapshot file
//   - "sqlite": SQLite database file, single snapshot row
//
// If Driver is empty or "none", persistence is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SnapshotVersion is bumped on incompatible snapshot schema changes.
const SnapshotVersion = 1

// Snapshot is the full persisted state of the scheduling core.
type Snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`

	Tasks     []task.Task          `json:"tasks,omitempty"`
	Scheduled []task.ScheduledTask `json:"scheduled,omitempty"`

	// Workers carries only the mutable per-worker stats; the roster itself
	// comes from config.
	Workers []WorkerPerf `json:"workers,omitempty"`
}

// WorkerPerf is the persisted slice of a worker's performance record.
type WorkerPerf struct {
	ID               string        `json:"id"`
	TasksCompleted   int           `json:"tasks_completed"`
	SuccessRate      float64       `json:"success_rate"`
	AvgExecutionTime time.Duration `json:"avg_execution_time_ns"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
}
