package worker

import (
	"dispatchd/internal/task"
)

// requiredCaps maps task kinds to the capability tags a worker should carry
// to serve them. Unknown kinds map to an empty set, meaning any active idle
// worker qualifies.
var requiredCaps = map[task.Kind][]string{
	task.KindVisualAnalysis:  {"vision", "ocr"},
	task.KindWebAutomation:   {"web_automation", "browser"},
	task.KindDataExtraction:  {"scraping", "parsing"},
	task.KindContentCreation: {"writing", "summarization"},
	task.KindMonitoring:      {"monitoring", "alerting"},
	task.KindCustom:          {},
}

// RequiredCapabilities returns the capability tags for a task kind.
func RequiredCapabilities(k task.Kind) []string {
	caps, ok := requiredCaps[k]
	if !ok {
		return nil
	}
	return append([]string(nil), caps...)
}

// Score computes the match quality of a worker for a task kind:
// one point per matching required capability, a half-point generalist bonus,
// and the success rate scaled to 0..1 as a continuous tie-breaker.
func Score(w *Worker, kind task.Kind) float64 {
	score := 0.0
	for _, tag := range requiredCaps[kind] {
		if w.hasCapability(tag) {
			score += 1.0
		}
	}
	if w.Kind == KindGeneralPurpose {
		score += 0.5
	}
	score += w.Performance.SuccessRate / 100.0
	return score
}

// MatchAndAcquire picks the best idle active worker for the task kind and
// binds the task to it in one step, so two concurrent dispatches can never
// select the same worker.
//
// Returns ("", false) when no worker is available; the caller leaves the task
// pending and retries on the next tick. Ties go to the earlier roster entry;
// that order is arbitrary and nothing may rely on it.
func (r *Registry) MatchAndAcquire(kind task.Kind, taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestID := ""
	bestScore := -1.0
	for _, id := range r.order {
		w := r.workers[id]
		if !w.IsActive || w.CurrentTask != "" {
			continue
		}
		if s := Score(w, kind); s > bestScore {
			bestScore = s
			bestID = id
		}
	}
	if bestID == "" {
		return "", false
	}
	r.workers[bestID].CurrentTask = taskID
	return bestID, true
}
