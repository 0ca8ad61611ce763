package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dispatchd/internal/task"
	logx "dispatchd/pkg/logx"
)

func TestFileGatewayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	gw, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer gw.Close()

	ctx := context.Background()

	// Empty store loads as nil, nil.
	snap, err := gw.Load(ctx)
	if err != nil || snap != nil {
		t.Fatalf("initial load = (%v, %v), want (nil, nil)", snap, err)
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := &Snapshot{
		Tasks: []task.Task{{
			ID:       "tsk_1",
			Name:     "uptime check",
			Kind:     task.KindMonitoring,
			Status:   task.StatusPending,
			Priority: task.PriorityHigh,
		}},
		Scheduled: []task.ScheduledTask{{
			Task: task.Task{ID: "tsk_2", Name: "daily sweep", Kind: task.KindMonitoring, Status: task.StatusActive},
			Schedule: task.Schedule{
				Frequency: task.FreqDaily,
				StartDate: now,
				TimeOfDay: "09:00",
				Timezone:  "UTC",
			},
			NextExecution:        now.AddDate(0, 0, 1),
			TotalExecutions:      3,
			SuccessfulExecutions: 2,
			FailedExecutions:     1,
		}},
		Workers: []WorkerPerf{{ID: "atlas", TasksCompleted: 5, SuccessRate: 80, LastHeartbeat: now}},
	}
	if err := gw.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := gw.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out == nil {
		t.Fatal("load returned nil snapshot")
	}
	if out.Version != SnapshotVersion {
		t.Errorf("version = %d, want %d", out.Version, SnapshotVersion)
	}
	if len(out.Tasks) != 1 || out.Tasks[0].ID != "tsk_1" {
		t.Errorf("tasks not preserved: %+v", out.Tasks)
	}
	if len(out.Scheduled) != 1 {
		t.Fatalf("scheduled not preserved: %+v", out.Scheduled)
	}
	st := out.Scheduled[0]
	if st.TotalExecutions != st.SuccessfulExecutions+st.FailedExecutions {
		t.Errorf("counters broken: total=%d success=%d failed=%d",
			st.TotalExecutions, st.SuccessfulExecutions, st.FailedExecutions)
	}
	if !st.NextExecution.Equal(in.Scheduled[0].NextExecution) {
		t.Errorf("next_execution = %v, want %v", st.NextExecution, in.Scheduled[0].NextExecution)
	}
	if len(out.Workers) != 1 || out.Workers[0].SuccessRate != 80 {
		t.Errorf("workers not preserved: %+v", out.Workers)
	}
}

func TestFileGatewayCorruptSnapshotDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	gw, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer gw.Close()

	ctx := context.Background()
	if _, err := gw.Load(ctx); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("load err = %v, want ErrCorrupt", err)
	}

	// The poisoned copy is gone; the next load starts clean.
	snap, err := gw.Load(ctx)
	if err != nil || snap != nil {
		t.Fatalf("reload = (%v, %v), want (nil, nil)", snap, err)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	gw, err := Open(Config{}, logx.Nop())
	if gw != nil || err != nil {
		t.Fatalf("empty driver = (%v, %v), want (nil, nil)", gw, err)
	}
	gw, err = Open(Config{Driver: "none"}, logx.Nop())
	if gw != nil || err != nil {
		t.Fatalf("none driver = (%v, %v), want (nil, nil)", gw, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver: want error")
	}
}
