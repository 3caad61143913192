package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dritter/webmender/internal/governance"
	"github.com/dritter/webmender/internal/invoker"
	"github.com/dritter/webmender/internal/plan"
	"github.com/dritter/webmender/internal/tools"
)

// fakeBrowser fails for configured selectors and records executed actions.
type fakeBrowser struct {
	mu            sync.Mutex
	failSelectors map[string]bool
	executed      []string
}

func (f *fakeBrowser) Name() string        { return "browser" }
func (f *fakeBrowser) Description() string { return "fake browser" }
func (f *fakeBrowser) Parameters() map[string]any {
	return map[string]any{"type": "object", "required": []string{"action"}}
}

func (f *fakeBrowser) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Action   string `json:"action"`
		Selector string `json:"selector"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.executed = append(f.executed, args.Action)
	fail := f.failSelectors[args.Selector]
	f.mu.Unlock()
	if fail {
		return "", fmt.Errorf("element %s not found", args.Selector)
	}
	return "ok", nil
}

// blockingBrowser signals every started action and blocks until released.
type blockingBrowser struct {
	started chan string
	release chan struct{}
}

func (b *blockingBrowser) Name() string        { return "browser" }
func (b *blockingBrowser) Description() string { return "blocking browser" }
func (b *blockingBrowser) Parameters() map[string]any {
	return map[string]any{"type": "object", "required": []string{"action"}}
}

func (b *blockingBrowser) Execute(ctx context.Context, input string) (string, error) {
	b.started <- input
	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fakeValidator struct {
	results map[plan.ValidationRuleType]bool
}

func (v *fakeValidator) CheckRule(ctx context.Context, rule plan.ValidationRule) (bool, string) {
	passed, ok := v.results[rule.Type]
	if !ok {
		passed = true
	}
	if passed {
		return true, "ok"
	}
	return false, "rule failed"
}

type fakeState struct {
	path string
	err  error
}

func (f *fakeState) CaptureState(ctx context.Context) (*plan.PageState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &plan.PageState{URL: "https://example.com", Title: "Example"}, nil
}

func (f *fakeState) Screenshot(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.path, nil
}

func newTestOrchestrator(tool tools.Tool, validator Validator, state StateCapturer) *Orchestrator {
	registry := tools.NewRegistry()
	registry.Register(tool)
	inv := invoker.New(registry, governance.NewDefaultPolicyEngine(), nil, invoker.Config{
		MaxRetries: 0,
		RetryDelay: time.Millisecond,
	})
	return New(inv, validator, state, nil)
}

func threeStepPlan(failSeq int, optionalSeq int) *plan.Plan {
	p := &plan.Plan{ID: "plan-1", Goal: "test"}
	for i := 1; i <= 3; i++ {
		step := plan.Step{
			ID:  fmt.Sprintf("step-%d", i),
			Seq: i,
			Action: plan.Action{
				Type:   plan.ActionClick,
				Target: plan.Locator{Type: plan.LocatorCSS, Value: fmt.Sprintf("#el-%d", i)},
			},
		}
		if i == failSeq {
			step.Action.Target.Value = "#fail"
		}
		if i == optionalSeq {
			step.Optional = true
		}
		p.Steps = append(p.Steps, step)
	}
	return p
}

func TestExecutePlan_AllStepsSucceed(t *testing.T) {
	browser := &fakeBrowser{}
	orch := newTestOrchestrator(browser, nil, nil)

	result, err := orch.ExecutePlan(context.Background(), threeStepPlan(0, 0), &Context{TaskID: "task-a"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("expected success")
	}
	if result.Status != plan.TaskCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
	if len(result.StepResults) != 3 {
		t.Fatalf("expected 3 step results, got %d", len(result.StepResults))
	}
	if result.Stats.TotalSteps != len(result.StepResults) {
		t.Error("stats total must match recorded results")
	}
	if result.Stats.SuccessfulSteps+result.Stats.FailedSteps != result.Stats.TotalSteps {
		t.Error("successful + failed must equal total")
	}
	if result.Stats.SuccessRate != 1.0 {
		t.Errorf("expected success rate 1.0, got %f", result.Stats.SuccessRate)
	}
	for i := 1; i < len(result.StepResults); i++ {
		if result.StepResults[i].Seq <= result.StepResults[i-1].Seq {
			t.Error("sequence numbers must be strictly increasing")
		}
	}
}

func TestExecutePlan_RequiredStepFailureHalts(t *testing.T) {
	browser := &fakeBrowser{failSelectors: map[string]bool{"#fail": true}}
	orch := newTestOrchestrator(browser, nil, &fakeState{path: "/tmp/evidence.png"})

	result, err := orch.ExecutePlan(context.Background(), threeStepPlan(2, 0), &Context{TaskID: "task-b"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Error("expected failure")
	}
	if result.Status != plan.TaskFailed {
		t.Errorf("expected failed, got %s", result.Status)
	}
	if len(result.StepResults) != 2 {
		t.Fatalf("execution must halt after step 2, got %d results", len(result.StepResults))
	}
	if result.StepResults[1].Success {
		t.Error("step 2 must be recorded as failed")
	}
	if result.StepResults[1].Evidence == "" {
		t.Error("failure evidence must be captured")
	}
	if result.Stats.FailedSteps != 1 || result.Stats.SuccessfulSteps != 1 {
		t.Errorf("unexpected stats: %+v", result.Stats)
	}
}

func TestExecutePlan_OptionalStepFailureContinues(t *testing.T) {
	browser := &fakeBrowser{failSelectors: map[string]bool{"#fail": true}}
	orch := newTestOrchestrator(browser, nil, nil)

	result, err := orch.ExecutePlan(context.Background(), threeStepPlan(2, 2), &Context{TaskID: "task-c"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("optional failure must not fail the task")
	}
	if result.Status != plan.TaskCompleted {
		t.Errorf("expected completed, got %s", result.Status)
	}
	if len(result.StepResults) != 3 {
		t.Fatalf("all 3 steps must be attempted, got %d", len(result.StepResults))
	}
	if result.StepResults[1].Success {
		t.Error("step 2 must be recorded as failed")
	}
	if result.Stats.FailedSteps != 1 {
		t.Errorf("expected failedSteps=1, got %d", result.Stats.FailedSteps)
	}
}

func TestExecutePlan_DuplicateSequenceRejected(t *testing.T) {
	browser := &fakeBrowser{}
	orch := newTestOrchestrator(browser, nil, nil)

	p := threeStepPlan(0, 0)
	p.Steps[2].Seq = 2

	if _, err := orch.ExecutePlan(context.Background(), p, nil); err == nil {
		t.Error("expected duplicate sequence error")
	}
}

func TestExecuteStep_ValidationFailureFailsStep(t *testing.T) {
	browser := &fakeBrowser{}
	validator := &fakeValidator{results: map[plan.ValidationRuleType]bool{
		plan.ValidateTextContains: false,
	}}
	orch := newTestOrchestrator(browser, validator, nil)

	step := &plan.Step{
		ID:  "step-v",
		Seq: 1,
		Action: plan.Action{
			Type:   plan.ActionClick,
			Target: plan.Locator{Type: plan.LocatorCSS, Value: "#ok"},
		},
		Validations: []plan.ValidationRule{
			{Type: plan.ValidateElementExists, Target: plan.Locator{Value: "#ok"}},
			{Type: plan.ValidateTextContains, Expected: "done"},
		},
	}
	result := orch.ExecuteStep(context.Background(), step, &Context{TaskID: "t"})
	if result.Success {
		t.Error("a failing validation rule must fail the step")
	}
	if len(result.Validations) != 2 {
		t.Fatalf("expected 2 validation outcomes, got %d", len(result.Validations))
	}
	if !result.Validations[0].Passed || result.Validations[1].Passed {
		t.Error("unexpected validation outcomes")
	}
}

func TestExecuteStep_ValidationsRecordedOnActionFailure(t *testing.T) {
	browser := &fakeBrowser{failSelectors: map[string]bool{"#fail": true}}
	validator := &fakeValidator{}
	orch := newTestOrchestrator(browser, validator, nil)

	step := &plan.Step{
		ID:  "step-f",
		Seq: 1,
		Action: plan.Action{
			Type:   plan.ActionClick,
			Target: plan.Locator{Type: plan.LocatorCSS, Value: "#fail"},
		},
		Validations: []plan.ValidationRule{
			{Type: plan.ValidateTitleEquals, Expected: "Example"},
		},
	}
	result := orch.ExecuteStep(context.Background(), step, &Context{TaskID: "t"})
	if result.Success {
		t.Error("expected step failure")
	}
	if len(result.Validations) != 1 {
		t.Error("validation outcomes must be recorded even when the action fails")
	}
}

func TestExecutePlan_EvidenceCaptureFailureIsNonFatal(t *testing.T) {
	browser := &fakeBrowser{failSelectors: map[string]bool{"#fail": true}}
	orch := newTestOrchestrator(browser, nil, &fakeState{err: errors.New("screenshot broken")})

	result, err := orch.ExecutePlan(context.Background(), threeStepPlan(2, 2), &Context{TaskID: "task-ev"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Error("evidence capture failure must never mask the task outcome")
	}
}

func TestPauseResumeTakesEffectAtStepBoundary(t *testing.T) {
	browser := &blockingBrowser{started: make(chan string), release: make(chan struct{})}
	orch := newTestOrchestrator(browser, nil, nil)

	ec := &Context{TaskID: "task-pause"}
	done := make(chan *plan.TaskResult, 1)
	go func() {
		result, _ := orch.ExecutePlan(context.Background(), threeStepPlan(0, 0), ec)
		done <- result
	}()

	// Step 1 is in flight.
	<-browser.started

	if err := orch.Pause("task-pause"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	// Pausing a paused task is invalid.
	if err := orch.Pause("task-pause"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	// The in-flight step completes despite the pause.
	browser.release <- struct{}{}

	// No new step may start while paused.
	select {
	case <-browser.started:
		t.Fatal("step 2 started while the task was paused")
	case <-time.After(100 * time.Millisecond):
	}

	status, err := orch.Status("task-pause")
	if err != nil {
		t.Fatal(err)
	}
	if status != plan.TaskPaused {
		t.Errorf("expected paused, got %s", status)
	}

	if err := orch.Resume("task-pause"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	// Execution continues from the next sequence number.
	<-browser.started
	browser.release <- struct{}{}
	<-browser.started
	browser.release <- struct{}{}

	result := <-done
	if !result.Success || len(result.StepResults) != 3 {
		t.Errorf("expected full completion after resume, got %+v", result.Stats)
	}
}

func TestCancelTransitionsToCancelled(t *testing.T) {
	browser := &blockingBrowser{started: make(chan string), release: make(chan struct{})}
	orch := newTestOrchestrator(browser, nil, nil)

	ec := &Context{TaskID: "task-cancel"}
	done := make(chan *plan.TaskResult, 1)
	go func() {
		result, _ := orch.ExecutePlan(context.Background(), threeStepPlan(0, 0), ec)
		done <- result
	}()

	<-browser.started
	if err := orch.Cancel("task-cancel"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	result := <-done
	if result.Status != plan.TaskCancelled {
		t.Errorf("expected cancelled, got %s", result.Status)
	}
	if result.Success {
		t.Error("cancelled tasks are not successful")
	}
}

func TestCancelWhilePaused(t *testing.T) {
	browser := &blockingBrowser{started: make(chan string), release: make(chan struct{})}
	orch := newTestOrchestrator(browser, nil, nil)

	ec := &Context{TaskID: "task-pc"}
	done := make(chan *plan.TaskResult, 1)
	go func() {
		result, _ := orch.ExecutePlan(context.Background(), threeStepPlan(0, 0), ec)
		done <- result
	}()

	<-browser.started
	if err := orch.Pause("task-pc"); err != nil {
		t.Fatal(err)
	}
	browser.release <- struct{}{}

	// Give the loop time to block at the pause point.
	time.Sleep(50 * time.Millisecond)

	if err := orch.Cancel("task-pc"); err != nil {
		t.Fatalf("cancel of a paused task failed: %v", err)
	}

	result := <-done
	if result.Status != plan.TaskCancelled {
		t.Errorf("expected cancelled, got %s", result.Status)
	}
}

func TestLifecycleErrors(t *testing.T) {
	orch := newTestOrchestrator(&fakeBrowser{}, nil, nil)

	if err := orch.Pause("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if err := orch.Resume("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if err := orch.Cancel("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestExecutePlan_HistoryVisibleToLaterConsumers(t *testing.T) {
	browser := &fakeBrowser{}
	orch := newTestOrchestrator(browser, nil, nil)

	ec := &Context{TaskID: "task-h"}
	if _, err := orch.ExecutePlan(context.Background(), threeStepPlan(0, 0), ec); err != nil {
		t.Fatal(err)
	}
	if len(ec.History) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(ec.History))
	}
}

func TestRequestForStep(t *testing.T) {
	step := &plan.Step{
		ID:  "s",
		Seq: 1,
		Action: plan.Action{
			Type:   plan.ActionTypeText,
			Target: plan.Locator{Type: plan.LocatorCSS, Value: "#input"},
			Value:  "hello",
			Options: map[string]any{
				"scroll_into_view": true,
			},
		},
		Retry: &plan.RetryConfig{MaxRetries: 2, DelayMs: 10},
	}
	req := requestForStep(step, "corr")
	if req.Operation != "browser" {
		t.Errorf("unexpected operation %q", req.Operation)
	}
	if req.Params["action"] != "type" || req.Params["selector"] != "#input" || req.Params["text"] != "hello" {
		t.Errorf("unexpected params: %v", req.Params)
	}
	if req.Params["scroll_into_view"] != true {
		t.Error("action options must pass through")
	}
	if req.Retry == nil || req.Retry.MaxRetries != 2 {
		t.Error("step retry config must pass through")
	}
	if req.CorrelationID != "corr" {
		t.Error("correlation id must pass through")
	}
}
