package worker

import (
	"testing"
	"time"

	"dispatchd/internal/task"
)

func testRoster() []Worker {
	return []Worker{
		{ID: "atlas", Name: "Atlas", Kind: KindGeneralPurpose,
			Capabilities: []string{"scraping", "parsing", "monitoring"}},
		{ID: "hermes", Name: "Hermes", Kind: KindSpecialized,
			Capabilities: []string{"web_automation", "browser"}},
		{ID: "iris", Name: "Iris", Kind: KindSpecialized,
			Capabilities: []string{"vision", "ocr"}},
	}
}

func TestMatchPrefersCapabilityOverGeneralist(t *testing.T) {
	r := NewRegistry(testRoster())

	// Hermes has both web-automation capabilities (2.0 + 1.0 success rate);
	// Atlas only gets the generalist bonus (0.5 + 1.0).
	id, ok := r.MatchAndAcquire(task.KindWebAutomation, "tsk_1")
	if !ok || id != "hermes" {
		t.Fatalf("matched %q (ok=%v), want hermes", id, ok)
	}

	// Hermes is now busy; the next web-automation task falls through to the
	// generalist rather than staying unmatched.
	id, ok = r.MatchAndAcquire(task.KindWebAutomation, "tsk_2")
	if !ok || id != "atlas" {
		t.Fatalf("second match = %q (ok=%v), want atlas", id, ok)
	}
}

func TestMatchExhaustionIsNotAnError(t *testing.T) {
	r := NewRegistry([]Worker{
		{ID: "solo", Name: "Solo", Kind: KindSpecialized, Capabilities: []string{"vision"}},
	})

	if _, ok := r.MatchAndAcquire(task.KindVisualAnalysis, "tsk_1"); !ok {
		t.Fatal("first match should succeed")
	}
	if id, ok := r.MatchAndAcquire(task.KindVisualAnalysis, "tsk_2"); ok {
		t.Fatalf("matched %q while all workers busy", id)
	}

	r.Release("solo")
	if _, ok := r.MatchAndAcquire(task.KindVisualAnalysis, "tsk_2"); !ok {
		t.Fatal("match after release should succeed")
	}
}

func TestMatchUnknownKindTakesAnyIdleWorker(t *testing.T) {
	r := NewRegistry(testRoster())
	id, ok := r.MatchAndAcquire(task.Kind("mystery"), "tsk_1")
	if !ok {
		t.Fatal("unknown kind should still match an idle worker")
	}
	// The generalist bonus decides when no capability matches.
	if id != "atlas" {
		t.Fatalf("matched %q, want atlas", id)
	}
}

func TestSuccessRateBreaksTies(t *testing.T) {
	r := NewRegistry([]Worker{
		{ID: "flaky", Kind: KindSpecialized, Capabilities: []string{"vision", "ocr"}},
		{ID: "steady", Kind: KindSpecialized, Capabilities: []string{"vision", "ocr"}},
	})
	// Drive flaky's success rate down.
	r.RecordResult("flaky", false, time.Second)

	id, ok := r.MatchAndAcquire(task.KindVisualAnalysis, "tsk_1")
	if !ok || id != "steady" {
		t.Fatalf("matched %q (ok=%v), want steady", id, ok)
	}
}

func TestRecordResultRunningAverages(t *testing.T) {
	r := NewRegistry([]Worker{{ID: "w", Kind: KindSpecialized}})

	r.RecordResult("w", true, 2*time.Second)
	r.RecordResult("w", false, 4*time.Second)

	w, ok := r.Get("w")
	if !ok {
		t.Fatal("worker missing")
	}
	p := w.Performance
	if p.TasksCompleted != 2 {
		t.Errorf("tasks_completed = %d, want 2", p.TasksCompleted)
	}
	// Fresh worker starts at 100: (100*0+100)/1 = 100, then (100*1+0)/2 = 50.
	if p.SuccessRate != 50 {
		t.Errorf("success_rate = %v, want 50", p.SuccessRate)
	}
	if p.AvgExecutionTime != 3*time.Second {
		t.Errorf("avg_execution_time = %v, want 3s", p.AvgExecutionTime)
	}
}

func TestAcquireGuardsSingleTaskPerWorker(t *testing.T) {
	r := NewRegistry([]Worker{{ID: "w", Kind: KindGeneralPurpose}})

	if !r.Acquire("w", "tsk_1") {
		t.Fatal("first acquire should succeed")
	}
	if r.Acquire("w", "tsk_2") {
		t.Fatal("second acquire should fail while task in flight")
	}
	r.Release("w")
	if !r.Acquire("w", "tsk_2") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestRestorePerformance(t *testing.T) {
	r := NewRegistry(testRoster())
	saved := map[string]Performance{
		"atlas": {TasksCompleted: 10, SuccessRate: 70, AvgExecutionTime: time.Second},
		"ghost": {TasksCompleted: 99},
	}
	r.RestorePerformance(saved)

	w, _ := r.Get("atlas")
	if w.Performance.TasksCompleted != 10 || w.Performance.SuccessRate != 70 {
		t.Errorf("restored performance = %+v", w.Performance)
	}
	// Entries for unknown workers are dropped.
	if _, ok := r.Get("ghost"); ok {
		t.Error("ghost worker should not exist")
	}
}

func TestHeartbeatTouchesAllWorkers(t *testing.T) {
	r := NewRegistry(testRoster())
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.Heartbeat(at)
	for _, w := range r.Workers() {
		if !w.Performance.LastHeartbeat.Equal(at) {
			t.Errorf("worker %s heartbeat = %v, want %v", w.ID, w.Performance.LastHeartbeat, at)
		}
	}
}
