package store

import (
	"context"
	"sort"
	"time"

	"dispatchd/internal/task"
	logx "dispatchd/pkg/logx"
)

// Pending is one dispatchable item surfaced to the dispatch loop.
type Pending struct {
	ID        string
	Kind      task.Kind
	Priority  task.Priority
	Due       time.Time // createdAt for one-shots, nextExecution for recurring
	Recurring bool
}

// DuePending returns everything eligible for dispatch at now, ordered by
// priority descending then due time ascending. One-shot tasks qualify when
// pending, past scheduledFor, and with all dependencies completed; recurring
// tasks qualify when active, past nextExecution, before endDate, and with all
// dependencies completed.
//
// Expired recurring tasks (endDate in the past) are transitioned to
// completed as a side effect of the scan.
func (s *Store) DuePending(ctx context.Context, now time.Time) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Pending
	for _, t := range s.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			continue
		}
		if !s.dependenciesMetLocked(t) {
			continue
		}
		due := t.CreatedAt
		if t.ScheduledFor != nil {
			due = *t.ScheduledFor
		}
		out = append(out, Pending{ID: t.ID, Kind: t.Kind, Priority: t.Priority, Due: due})
	}

	expired := false
	for _, st := range s.scheduled {
		if st.Status != task.StatusActive {
			continue
		}
		if st.Schedule.EndDate != nil && st.Schedule.EndDate.Before(now) {
			st.Status = task.StatusCompleted
			done := now
			st.CompletedAt = &done
			expired = true
			s.log.Info("scheduled task expired",
				logx.String("id", st.ID), logx.String("name", st.Name))
			continue
		}
		if st.NextExecution.After(now) {
			continue
		}
		if !s.dependenciesMetLocked(&st.Task) {
			continue
		}
		out = append(out, Pending{
			ID: st.ID, Kind: st.Kind, Priority: st.Priority,
			Due: st.NextExecution, Recurring: true,
		})
	}
	if expired {
		s.persistLocked(ctx)
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return out[i].Due.Before(out[j].Due)
	})
	return out
}

func (s *Store) dependenciesMetLocked(t *task.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// BeginTask moves a pending one-shot task to running. Returns false if the
// task changed state since the eligibility scan (cancelled, paused, already
// picked up).
func (s *Store) BeginTask(ctx context.Context, id string, now time.Time) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusPending {
		return task.Task{}, false
	}
	t.Status = task.StatusRunning
	started := now
	t.StartedAt = &started
	s.persistLocked(ctx)
	return copyTask(t), true
}

// BeginScheduled snapshots an active recurring task for execution. The task
// itself stays active; the dispatcher guards against double dispatch with
// its in-flight set.
func (s *Store) BeginScheduled(id string) (task.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scheduled[id]
	if !ok || st.Status != task.StatusActive {
		return task.ScheduledTask{}, false
	}
	return copyScheduled(st), true
}

// CompleteTask finishes a one-shot task successfully. A task found cancelled
// when its execution resolves keeps its status and the result is discarded.
func (s *Store) CompleteTask(ctx context.Context, id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusRunning {
		return false
	}
	t.Status = task.StatusCompleted
	t.Error = ""
	done := now
	t.CompletedAt = &done
	s.persistLocked(ctx)
	return true
}

// FailTask records a failed one-shot execution. While retries remain
// (retryCount after increment <= maxRetries) the task is requeued with
// scheduledFor pushed out by retryCount*backoffBase, or by the backend's
// explicit hint when given. Otherwise it fails terminally. noRetry skips the
// requeue path entirely.
//
// Returns (requeued, applied); applied is false when the task was not
// running anymore (e.g. cancelled mid-flight, result discarded).
func (s *Store) FailTask(ctx context.Context, id, errMsg string, now time.Time, backoffBase, hint time.Duration, noRetry bool) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusRunning {
		return false, false
	}

	t.RetryCount++
	t.Error = errMsg

	if !noRetry && t.RetryCount <= t.MaxRetries {
		delay := time.Duration(t.RetryCount) * backoffBase
		if hint > 0 {
			delay = hint
		}
		at := now.Add(delay)
		t.Status = task.StatusPending
		t.ScheduledFor = &at
		t.StartedAt = nil
		s.persistLocked(ctx)
		return true, true
	}

	t.Status = task.StatusFailed
	t.ScheduledFor = nil
	done := now
	t.CompletedAt = &done
	s.persistLocked(ctx)
	return false, true
}

// RecordScheduledExecution appends one execution record to a recurring task,
// enforces history retention, updates the counters, and computes the next
// run. Failures consume a retry slot first: the next run is pulled in to
// now+retryCount*backoffBase until maxRetries is exhausted, after which the
// retry counter resets and the schedule resumes its normal cadence. A
// positive hint (e.g. from an HTTP 429 Retry-After) overrides the computed
// backoff delay, same as for one-shot tasks.
//
// Returns false when the task was cancelled mid-flight; the record is
// discarded and nothing changes.
func (s *Store) RecordScheduledExecution(ctx context.Context, id string, exec task.Execution, now time.Time, backoffBase, hint time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scheduled[id]
	if !ok {
		return false
	}
	if st.Status == task.StatusCancelled {
		s.log.Debug("discarding execution result for cancelled task",
			logx.String("id", id))
		return false
	}

	if exec.ID == "" {
		exec.ID = newExecID()
	}
	exec.TaskID = id
	st.History = append(st.History, exec)
	s.trimHistoryLocked(st, now)

	switch exec.Status {
	case task.ExecSuccess:
		st.TotalExecutions++
		st.SuccessfulExecutions++
		st.RetryCount = 0
		st.Error = ""
	case task.ExecFailure:
		st.TotalExecutions++
		st.FailedExecutions++
		st.Error = exec.Error
	}

	if st.Status == task.StatusActive {
		if st.Schedule.EndDate != nil && st.Schedule.EndDate.Before(now) {
			st.Status = task.StatusCompleted
			done := now
			st.CompletedAt = &done
		} else if exec.Status == task.ExecFailure {
			st.RetryCount++
			if st.RetryCount <= st.MaxRetries {
				delay := time.Duration(st.RetryCount) * backoffBase
				if hint > 0 {
					delay = hint
				}
				st.NextExecution = now.Add(delay)
			} else {
				st.RetryCount = 0
				st.NextExecution = task.NextExecution(st.Schedule, now)
			}
		} else {
			st.NextExecution = task.NextExecution(st.Schedule, now)
		}
	}

	s.persistLocked(ctx)
	return true
}

// trimHistoryLocked drops entries beyond the count cap and older than the
// age cap, oldest first.
func (s *Store) trimHistoryLocked(st *task.ScheduledTask, now time.Time) {
	if n := len(st.History); n > s.cfg.HistoryLimit {
		st.History = append([]task.Execution(nil), st.History[n-s.cfg.HistoryLimit:]...)
	}
	cutoff := now.Add(-s.cfg.HistoryMaxAge)
	idx := 0
	for idx < len(st.History) && st.History[idx].ExecutedAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		st.History = append([]task.Execution(nil), st.History[idx:]...)
	}
}

// NewExecution builds a history record with a fresh id.
func NewExecution(taskID string, at time.Time, status task.ExecStatus, result any, errMsg string, dur time.Duration, retryCount int) task.Execution {
	return task.Execution{
		ID:         newExecID(),
		TaskID:     taskID,
		ExecutedAt: at,
		Status:     status,
		Result:     result,
		Error:      errMsg,
		Duration:   dur,
		RetryCount: retryCount,
	}
}
