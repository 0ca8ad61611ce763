// Package store owns all Task/ScheduledTask state: creation, status
// transitions, execution history, and snapshot persistence. Every mutation
// happens under one mutex and is flushed to the persistence gateway before
// the lock is released, so writes are serialized.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatchd/internal/storage"
	"dispatchd/internal/task"
	logx "dispatchd/pkg/logx"
)

var ErrUnknownDependency = errors.New("unknown dependency task id")

const (
	DefaultHistoryLimit  = 100
	DefaultHistoryMaxAge = 30 * 24 * time.Hour

	// remediationHistoryLimit is the truncated history length used when a
	// snapshot write is rejected (quota-style failures).
	remediationHistoryLimit = 10
)

type Config struct {
	HistoryLimit  int
	HistoryMaxAge time.Duration

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time
}

type Store struct {
	cfg Config
	gw  storage.Gateway // nil means persistence disabled
	log logx.Logger
	now func() time.Time

	mu        sync.Mutex
	tasks     map[string]*task.Task
	scheduled map[string]*task.ScheduledTask

	// perfSource supplies worker stats for snapshots; set by the dispatcher.
	perfSource func() []storage.WorkerPerf

	// memoryOnly is set after persistence remediation fails; the store keeps
	// serving from memory and stops writing.
	memoryOnly bool
}

func New(cfg Config, gw storage.Gateway, log logx.Logger) *Store {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.HistoryMaxAge <= 0 {
		cfg.HistoryMaxAge = DefaultHistoryMaxAge
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		cfg:       cfg,
		gw:        gw,
		log:       log,
		now:       now,
		tasks:     make(map[string]*task.Task),
		scheduled: make(map[string]*task.ScheduledTask),
	}
}

// SetPerfSource installs the worker-stats provider used when building
// snapshots. Must be called before the dispatch loop starts.
func (s *Store) SetPerfSource(fn func() []storage.WorkerPerf) {
	s.mu.Lock()
	s.perfSource = fn
	s.mu.Unlock()
}

func newID() string { return "tsk_" + uuid.NewString() }

func newSchedID() string { return "sch_" + uuid.NewString() }

func newExecID() string { return "exe_" + uuid.NewString() }

// Load restores state from the gateway. Corrupt snapshots start empty;
// individually malformed records are skipped with a log line instead of
// failing the whole load. Returns persisted worker stats for the registry.
func (s *Store) Load(ctx context.Context) ([]storage.WorkerPerf, error) {
	if s.gw == nil {
		return nil, nil
	}
	snap, err := s.gw.Load(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrCorrupt) {
			s.log.Warn("snapshot corrupt; starting with empty store", logx.Err(err))
			return nil, nil
		}
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range snap.Tasks {
		t := snap.Tasks[i]
		if strings.TrimSpace(t.ID) == "" || t.Status == "" {
			s.log.Warn("skipping malformed persisted task",
				logx.String("id", t.ID), logx.String("name", t.Name))
			continue
		}
		cp := t
		// A task persisted as running was in flight when the process died;
		// requeue it instead of leaving it stuck.
		if cp.Status == task.StatusRunning {
			cp.Status = task.StatusPending
			cp.StartedAt = nil
		}
		s.tasks[t.ID] = &cp
	}
	for i := range snap.Scheduled {
		st := snap.Scheduled[i]
		if strings.TrimSpace(st.ID) == "" || st.Status == "" || st.Schedule.StartDate.IsZero() {
			s.log.Warn("skipping malformed persisted scheduled task",
				logx.String("id", st.ID), logx.String("name", st.Name))
			continue
		}
		// Repair broken counters rather than dropping the record.
		if st.TotalExecutions != st.SuccessfulExecutions+st.FailedExecutions {
			st.TotalExecutions = st.SuccessfulExecutions + st.FailedExecutions
		}
		if st.Status == task.StatusActive && st.NextExecution.IsZero() {
			st.NextExecution = task.NextExecution(st.Schedule, s.now())
		}
		cp := st
		s.scheduled[st.ID] = &cp
	}

	s.log.Info("store loaded",
		logx.Int("tasks", len(s.tasks)),
		logx.Int("scheduled", len(s.scheduled)))
	return snap.Workers, nil
}

// ---- creation ----

// CreateTask validates and stores a one-shot task, returning its id.
func (s *Store) CreateTask(ctx context.Context, spec task.Task) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range spec.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	t := spec
	t.ID = newID()
	t.Status = task.StatusPending
	if t.Priority == "" {
		t.Priority = task.PriorityMedium
	}
	t.RetryCount = 0
	t.Error = ""
	t.CreatedAt = s.now()
	t.StartedAt = nil
	t.CompletedAt = nil

	s.tasks[t.ID] = &t
	s.persistLocked(ctx)
	return t.ID, nil
}

// CreateScheduledTask validates and stores a recurring task, computing its
// first execution time.
func (s *Store) CreateScheduledTask(ctx context.Context, spec task.Task, sched task.Schedule) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	if err := sched.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dep := range spec.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
	}

	now := s.now()
	st := task.ScheduledTask{Task: spec, Schedule: sched}
	st.ID = newSchedID()
	st.Status = task.StatusActive
	if st.Priority == "" {
		st.Priority = task.PriorityMedium
	}
	st.RetryCount = 0
	st.Error = ""
	st.CreatedAt = now
	st.StartedAt = nil
	st.CompletedAt = nil
	st.History = nil
	st.TotalExecutions = 0
	st.SuccessfulExecutions = 0
	st.FailedExecutions = 0
	st.NextExecution = task.NextExecution(sched, now)

	s.scheduled[st.ID] = &st
	s.persistLocked(ctx)
	return st.ID, nil
}

// ---- status transitions (public API) ----

// Pause freezes a task. Pausing an already-paused task is a no-op that keeps
// nextExecution untouched. Returns false for unknown or terminal ids.
func (s *Store) Pause(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.scheduled[id]; ok {
		switch st.Status {
		case task.StatusPaused:
			return true
		case task.StatusActive:
			st.Status = task.StatusPaused
			s.persistLocked(ctx)
			return true
		}
		return false
	}
	if t, ok := s.tasks[id]; ok {
		switch t.Status {
		case task.StatusPaused:
			return true
		case task.StatusPending:
			t.Status = task.StatusPaused
			s.persistLocked(ctx)
			return true
		}
		return false
	}
	return false
}

// Resume reactivates a paused task. Scheduled tasks get nextExecution
// recomputed from the current time; missed runs are not replayed.
func (s *Store) Resume(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.scheduled[id]; ok {
		switch st.Status {
		case task.StatusActive:
			return true
		case task.StatusPaused:
			st.Status = task.StatusActive
			st.NextExecution = task.NextExecution(st.Schedule, s.now())
			s.persistLocked(ctx)
			return true
		}
		return false
	}
	if t, ok := s.tasks[id]; ok {
		switch t.Status {
		case task.StatusPending:
			return true
		case task.StatusPaused:
			t.Status = task.StatusPending
			s.persistLocked(ctx)
			return true
		}
		return false
	}
	return false
}

// Cancel marks a task cancelled. Cancellation is cooperative: an in-flight
// execution keeps running, but its result is discarded when it resolves.
func (s *Store) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.scheduled[id]; ok {
		if st.Status == task.StatusCancelled {
			return true
		}
		if st.Status.Terminal() {
			return false
		}
		st.Status = task.StatusCancelled
		s.persistLocked(ctx)
		return true
	}
	if t, ok := s.tasks[id]; ok {
		if t.Status == task.StatusCancelled {
			return true
		}
		if t.Status.Terminal() {
			return false
		}
		t.Status = task.StatusCancelled
		t.ScheduledFor = nil
		s.persistLocked(ctx)
		return true
	}
	return false
}

// ---- queries ----

func (s *Store) Get(id string) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, false
	}
	return copyTask(t), true
}

func (s *Store) GetScheduled(id string) (task.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scheduled[id]
	if !ok {
		return task.ScheduledTask{}, false
	}
	return copyScheduled(st), true
}

// Tasks returns all one-shot tasks, newest first.
func (s *Store) Tasks() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ScheduledTasks returns all recurring tasks, newest first.
func (s *Store) ScheduledTasks() []task.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.ScheduledTask, 0, len(s.scheduled))
	for _, st := range s.scheduled {
		out = append(out, copyScheduled(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Counts aggregates task statuses for the status endpoint.
type Counts struct {
	Tasks     map[task.Status]int `json:"tasks"`
	Scheduled map[task.Status]int `json:"scheduled"`
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{
		Tasks:     make(map[task.Status]int),
		Scheduled: make(map[task.Status]int),
	}
	for _, t := range s.tasks {
		c.Tasks[t.Status]++
	}
	for _, st := range s.scheduled {
		c.Scheduled[st.Status]++
	}
	return c
}

// ---- persistence ----

// persistLocked flushes a snapshot; s.mu must be held.
//
// Write-rejected errors trigger one remediation pass (truncate every
// scheduled task's history) and one retry; if that also fails, the store
// flips to memory-only and keeps running.
func (s *Store) persistLocked(ctx context.Context) {
	if s.gw == nil || s.memoryOnly {
		return
	}

	err := s.gw.Save(ctx, s.snapshotLocked())
	if err == nil {
		return
	}
	s.log.Warn("snapshot save failed; truncating histories and retrying", logx.Err(err))

	for _, st := range s.scheduled {
		if len(st.History) > remediationHistoryLimit {
			st.History = append([]task.Execution(nil), st.History[len(st.History)-remediationHistoryLimit:]...)
		}
	}
	if err := s.gw.Save(ctx, s.snapshotLocked()); err != nil {
		s.memoryOnly = true
		s.log.Error("snapshot save failed after remediation; continuing in memory only", logx.Err(err))
	}
}

func (s *Store) snapshotLocked() *storage.Snapshot {
	snap := &storage.Snapshot{
		Version: storage.SnapshotVersion,
		SavedAt: s.now(),
	}
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, copyTask(t))
	}
	for _, st := range s.scheduled {
		snap.Scheduled = append(snap.Scheduled, copyScheduled(st))
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	sort.Slice(snap.Scheduled, func(i, j int) bool { return snap.Scheduled[i].ID < snap.Scheduled[j].ID })
	if s.perfSource != nil {
		snap.Workers = s.perfSource()
	}
	return snap
}

// MemoryOnly reports whether persistence has been abandoned after failed
// remediation.
func (s *Store) MemoryOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryOnly
}

func copyTask(t *task.Task) task.Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Payload != nil {
		p := make(task.Payload, len(t.Payload))
		for k, v := range t.Payload {
			p[k] = v
		}
		cp.Payload = p
	}
	return cp
}

func copyScheduled(st *task.ScheduledTask) task.ScheduledTask {
	cp := *st
	cp.Task = copyTask(&st.Task)
	cp.Schedule.DaysOfWeek = append([]int(nil), st.Schedule.DaysOfWeek...)
	cp.History = append([]task.Execution(nil), st.History...)
	return cp
}
