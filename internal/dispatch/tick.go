package dispatch

import (
	"context"
	"errors"
	"time"

	"dispatchd/internal/backend"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/store"
	"dispatchd/internal/task"
	logx "dispatchd/pkg/logx"
)

// tick runs one dispatch pass: scan due work, match workers, launch
// executions. It attempts every eligible item, bounded only by worker
// availability and the launch throttle.
func (s *Service) tick(ctx context.Context) {
	s.mu.Lock()
	s.ticks++
	s.mu.Unlock()

	now := s.now()
	due := s.st.DuePending(ctx, now)
	if len(due) == 0 {
		return
	}

	for _, item := range due {
		s.mu.Lock()
		_, busy := s.inFlight[item.ID]
		limiter := s.limiter
		s.mu.Unlock()
		if busy {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			// Throttled: leave the rest for the next tick.
			s.log.Debug("dispatch throttled", logx.Int("deferred", len(due)))
			return
		}

		workerID, ok := s.registry.MatchAndAcquire(item.Kind, item.ID)
		if !ok {
			// No worker available is not an error; the item stays pending.
			continue
		}

		if item.Recurring {
			st, ok := s.st.BeginScheduled(item.ID)
			if !ok {
				s.registry.Release(workerID)
				continue
			}
			s.launch(ctx, item.ID, workerID, st.Kind, st.Payload, st.RetryCount, true)
		} else {
			t, ok := s.st.BeginTask(ctx, item.ID, now)
			if !ok {
				s.registry.Release(workerID)
				continue
			}
			s.launch(ctx, item.ID, workerID, t.Kind, t.Payload, t.RetryCount, false)
		}
	}
}

func (s *Service) launch(ctx context.Context, id, workerID string, kind task.Kind, payload task.Payload, retryCount int, recurring bool) {
	s.mu.Lock()
	s.inFlight[id] = workerID
	timeout := s.cfg.ExecTimeout
	s.mu.Unlock()

	s.publish(eventbus.TypeTaskDispatched, id, map[string]any{
		"worker": workerID, "kind": string(kind),
	})
	s.log.Debug("task dispatched",
		logx.String("task", id), logx.String("worker", workerID), logx.String("kind", string(kind)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(ctx, id, workerID, kind, payload, retryCount, recurring, timeout)
	}()
}

// execute runs one backend call and folds the outcome back into the store
// and the worker's stats.
func (s *Service) execute(ctx context.Context, id, workerID string, kind task.Kind, payload task.Payload, retryCount int, recurring bool, timeout time.Duration) {
	started := s.now()
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	result, err := s.backends.Execute(execCtx, kind, payload)
	cancel()
	dur := s.now().Sub(started)

	s.registry.RecordResult(workerID, err == nil, dur)
	s.registry.Release(workerID)
	s.mu.Lock()
	delete(s.inFlight, id)
	backoff := s.cfg.RetryBackoff
	s.mu.Unlock()

	// Shutdown race: if the loop context died mid-execution, skip all
	// bookkeeping. The store repairs running tasks to pending on next load.
	if ctx.Err() != nil {
		s.log.Debug("execution result dropped on shutdown", logx.String("task", id))
		return
	}

	now := s.now()
	if recurring {
		s.finishScheduled(ctx, id, now, started, dur, result, err, retryCount, backoff)
		return
	}
	s.finishOneShot(ctx, id, now, dur, result, err, backoff)
}

func (s *Service) finishOneShot(ctx context.Context, id string, now time.Time, dur time.Duration, result any, err error, backoff time.Duration) {
	if err == nil {
		if s.st.CompleteTask(ctx, id, now) {
			s.publish(eventbus.TypeTaskCompleted, id, map[string]any{"duration_ms": dur.Milliseconds()})
			s.log.Info("task completed", logx.String("task", id), logx.Duration("took", dur))
		} else {
			// Cancelled while in flight; the result is discarded.
			s.publish(eventbus.TypeTaskDiscarded, id, nil)
			s.log.Debug("task result discarded", logx.String("task", id))
		}
		return
	}

	requeued, applied := s.st.FailTask(ctx, id, err.Error(), now, backoff, retryHint(err), backend.IsNoRetry(err))
	switch {
	case !applied:
		s.publish(eventbus.TypeTaskDiscarded, id, nil)
		s.log.Debug("task result discarded", logx.String("task", id))
	case requeued:
		s.publish(eventbus.TypeTaskRetry, id, map[string]any{"error": err.Error()})
		s.log.Warn("task failed; will retry", logx.String("task", id), logx.Err(err))
	default:
		s.publish(eventbus.TypeTaskFailed, id, map[string]any{"error": err.Error()})
		s.log.Error("task failed permanently", logx.String("task", id), logx.Err(err))
	}
}

func (s *Service) finishScheduled(ctx context.Context, id string, now, started time.Time, dur time.Duration, result any, err error, retryCount int, backoff time.Duration) {
	status := task.ExecSuccess
	errMsg := ""
	if err != nil {
		status = task.ExecFailure
		errMsg = err.Error()
	}
	exec := store.NewExecution(id, started, status, result, errMsg, dur, retryCount)

	if !s.st.RecordScheduledExecution(ctx, id, exec, now, backoff, retryHint(err)) {
		s.publish(eventbus.TypeTaskDiscarded, id, nil)
		s.log.Debug("scheduled result discarded", logx.String("task", id))
		return
	}
	if err == nil {
		s.publish(eventbus.TypeTaskCompleted, id, map[string]any{"duration_ms": dur.Milliseconds()})
		s.log.Info("scheduled execution succeeded", logx.String("task", id), logx.Duration("took", dur))
	} else {
		s.publish(eventbus.TypeTaskFailed, id, map[string]any{"error": errMsg})
		s.log.Warn("scheduled execution failed", logx.String("task", id), logx.Err(err))
	}
}

func retryHint(err error) time.Duration {
	var ra backend.RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}

func (s *Service) publish(typ, taskID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["task_id"] = taskID
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
