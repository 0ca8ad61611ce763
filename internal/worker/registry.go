// Package worker holds the executor roster: capability-tagged workers, their
// performance stats, and the matcher that pairs pending tasks with an idle
// worker.
package worker

import (
	"sync"
	"time"
)

type Kind string

const (
	KindGeneralPurpose Kind = "general-purpose"
	KindSpecialized    Kind = "specialized"
)

// Performance tracks running averages over all completed executions.
// SuccessRate is a percentage (0..100).
type Performance struct {
	TasksCompleted   int           `json:"tasks_completed"`
	SuccessRate      float64       `json:"success_rate"`
	AvgExecutionTime time.Duration `json:"avg_execution_time_ns"`
	LastHeartbeat    time.Time     `json:"last_heartbeat"`
}

// Worker is one executor in the roster. CurrentTask is a back-reference to
// the task it is running; an empty string means idle.
type Worker struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Kind         Kind        `json:"kind"`
	Capabilities []string    `json:"capabilities"`
	IsActive     bool        `json:"is_active"`
	CurrentTask  string      `json:"current_task,omitempty"`
	Performance  Performance `json:"performance"`
}

func (w *Worker) hasCapability(tag string) bool {
	for _, c := range w.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Registry is a fixed-at-init set of workers. Iteration follows insertion
// order, which also breaks matcher score ties.
type Registry struct {
	mu      sync.Mutex
	order   []string
	workers map[string]*Worker
}

func NewRegistry(roster []Worker) *Registry {
	r := &Registry{workers: make(map[string]*Worker, len(roster))}
	now := time.Now()
	for i := range roster {
		w := roster[i]
		if w.ID == "" {
			continue
		}
		if _, dup := r.workers[w.ID]; dup {
			continue
		}
		if w.Kind == "" {
			w.Kind = KindSpecialized
		}
		w.IsActive = true
		w.CurrentTask = ""
		if w.Performance.SuccessRate == 0 && w.Performance.TasksCompleted == 0 {
			// Fresh workers start optimistic so they are not starved by the
			// success-rate tie-breaker.
			w.Performance.SuccessRate = 100
		}
		w.Performance.LastHeartbeat = now
		r.order = append(r.order, w.ID)
		r.workers[w.ID] = &w
	}
	return r
}

// DefaultRoster is the built-in worker set used when config names none.
func DefaultRoster() []Worker {
	return []Worker{
		{ID: "atlas", Name: "Atlas", Kind: KindGeneralPurpose,
			Capabilities: []string{"web_automation", "scraping", "parsing", "monitoring"}},
		{ID: "iris", Name: "Iris", Kind: KindSpecialized,
			Capabilities: []string{"vision", "ocr"}},
		{ID: "scribe", Name: "Scribe", Kind: KindSpecialized,
			Capabilities: []string{"writing", "summarization"}},
		{ID: "sentry", Name: "Sentry", Kind: KindSpecialized,
			Capabilities: []string{"monitoring", "alerting"}},
	}
}

// Acquire binds a task to the worker if it is active and idle.
func (r *Registry) Acquire(id, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || !w.IsActive || w.CurrentTask != "" {
		return false
	}
	w.CurrentTask = taskID
	return true
}

// Release frees the worker regardless of which task it held.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.CurrentTask = ""
	}
}

// RecordResult folds one execution outcome into the worker's running
// averages: rate' = (rate*(n-1) + outcome)/n with outcome 100 or 0, and the
// same shape for average execution time, where n counts this execution.
func (r *Registry) RecordResult(id string, success bool, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	p := &w.Performance
	p.TasksCompleted++
	n := float64(p.TasksCompleted)

	outcome := 0.0
	if success {
		outcome = 100.0
	}
	p.SuccessRate = (p.SuccessRate*(n-1) + outcome) / n
	p.AvgExecutionTime = time.Duration((float64(p.AvgExecutionTime)*(n-1) + float64(dur)) / n)
	p.LastHeartbeat = time.Now()
}

// Heartbeat refreshes every worker's liveness timestamp.
func (r *Registry) Heartbeat(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		r.workers[id].Performance.LastHeartbeat = now
	}
}

// Workers returns a copy of the roster in registry order.
func (r *Registry) Workers() []Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Worker, 0, len(r.order))
	for _, id := range r.order {
		w := *r.workers[id]
		w.Capabilities = append([]string(nil), w.Capabilities...)
		out = append(out, w)
	}
	return out
}

func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	return cp, true
}

// RestorePerformance reapplies persisted stats to matching roster entries.
// Stats for workers no longer in the roster are dropped, and the restored
// heartbeat is kept (staleness is visible until the next heartbeat tick).
func (r *Registry) RestorePerformance(saved map[string]Performance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range saved {
		if w, ok := r.workers[id]; ok {
			w.Performance = p
		}
	}
}
