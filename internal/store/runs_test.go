package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dritter/webmender/internal/plan"
)

func newTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := NewRunStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(taskID string, success bool) *plan.TaskResult {
	return &plan.TaskResult{
		TaskID:  taskID,
		PlanID:  "plan-1",
		Success: success,
		Status:  plan.TaskCompleted,
		Stats: plan.Stats{
			TotalSteps:      2,
			SuccessfulSteps: 2,
		},
		StepResults: []plan.StepResult{
			{StepID: "s-1", Seq: 1, Success: true, Attempts: 1, Duration: 120 * time.Millisecond},
			{StepID: "s-2", Seq: 2, Success: true, Attempts: 2, Duration: 340 * time.Millisecond, Evidence: "screenshots/a.png"},
		},
	}
}

func TestRecordAndListRuns(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordRun(sampleResult("task-1", true)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRun(sampleResult("task-2", false)); err != nil {
		t.Fatal(err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].TaskID != "task-2" {
		t.Errorf("newest run first, got %s", runs[0].TaskID)
	}
	if runs[0].Success {
		t.Error("task-2 was not successful")
	}
	if runs[1].TotalSteps != 2 {
		t.Errorf("total steps = %d", runs[1].TotalSteps)
	}

	runs, err = s.ListRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("limit not honored, got %d runs", len(runs))
	}
}

func TestStepResultsForTask(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordRun(sampleResult("task-1", true)); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRun(sampleResult("task-2", true)); err != nil {
		t.Fatal(err)
	}

	results, err := s.StepResultsForTask("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 step results, got %d", len(results))
	}
	if results[0].Seq != 1 || results[1].Seq != 2 {
		t.Error("results must come back in sequence order")
	}
	if results[1].Attempts != 2 {
		t.Errorf("attempts = %d", results[1].Attempts)
	}
	if results[1].Duration != 340*time.Millisecond {
		t.Errorf("duration = %v", results[1].Duration)
	}
	if results[1].Evidence != "screenshots/a.png" {
		t.Errorf("evidence = %q", results[1].Evidence)
	}

	if results, _ := s.StepResultsForTask("ghost"); len(results) != 0 {
		t.Error("unknown task should have no step results")
	}
}

func TestRecordHealing(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordHealing("task-1", "s-old", "s-new", "alternative_locator", 0.8, "selector changed"); err != nil {
		t.Fatal(err)
	}

	var count int
	var strategy string
	var confidence float64
	row := s.DB.QueryRow(`SELECT COUNT(*), strategy, confidence FROM healings WHERE task_id = ?`, "task-1")
	if err := row.Scan(&count, &strategy, &confidence); err != nil {
		t.Fatal(err)
	}
	if count != 1 || strategy != "alternative_locator" || confidence != 0.8 {
		t.Errorf("unexpected row: count=%d strategy=%s confidence=%f", count, strategy, confidence)
	}
}
