// Package orchestrator walks an ordered step list to completion, enforcing
// per-step timeouts, required vs. optional semantics, and pause/resume/
// cancel over running tasks.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dritter/webmender/internal/invoker"
	"github.com/dritter/webmender/internal/observability"
	"github.com/dritter/webmender/internal/plan"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidState = errors.New("task is not in a valid state for this operation")
)

const defaultStepTimeout = 30 * time.Second

// browserOp is the registry operation every step action is dispatched to.
const browserOp = "browser"

// Validator evaluates one validation rule against the current environment.
type Validator interface {
	CheckRule(ctx context.Context, rule plan.ValidationRule) (bool, string)
}

// StateCapturer snapshots the environment for evidence and diagnostics.
// Both calls are best-effort; failures never mask a step outcome.
type StateCapturer interface {
	CaptureState(ctx context.Context) (*plan.PageState, error)
	Screenshot(ctx context.Context) (string, error)
}

// Context carries ambient task data across steps so later steps and the
// healing engine can see prior outcomes.
type Context struct {
	TaskID   string
	Goal     string
	History  []plan.StepResult
	Metadata map[string]any
}

// taskHandle is the per-task lifecycle record. Lifecycle calls arrive from
// a different goroutine than the execution loop.
type taskHandle struct {
	mu       sync.Mutex
	status   plan.TaskStatus
	resumeCh chan struct{}
	cancel   context.CancelFunc
}

// Orchestrator runs plans one step at a time, strictly in sequence order.
type Orchestrator struct {
	inv       *invoker.Invoker
	validator Validator
	state     StateCapturer
	logger    *observability.Logger

	mu    sync.RWMutex
	tasks map[string]*taskHandle
}

func New(inv *invoker.Invoker, validator Validator, state StateCapturer, logger *observability.Logger) *Orchestrator {
	return &Orchestrator{
		inv:       inv,
		validator: validator,
		state:     state,
		logger:    logger,
		tasks:     make(map[string]*taskHandle),
	}
}

// requestForStep converts a step's action into an invocation request.
func requestForStep(step *plan.Step, correlationID string) *invoker.Request {
	params := map[string]any{
		"action": string(step.Action.Type),
	}
	switch step.Action.Type {
	case plan.ActionNavigate:
		params["url"] = step.Action.Value
	case plan.ActionTypeText:
		params["selector"] = step.Action.Target.Value
		params["selector_type"] = string(step.Action.Target.Type)
		params["text"] = step.Action.Value
	case plan.ActionPress:
		params["text"] = step.Action.Value
	default:
		if step.Action.Target.Value != "" {
			params["selector"] = step.Action.Target.Value
			params["selector_type"] = string(step.Action.Target.Type)
		}
		if step.Action.Value != "" {
			params["text"] = step.Action.Value
		}
	}
	if step.Action.AwaitNavigation {
		params["await_navigation"] = true
	}
	for k, v := range step.Action.Options {
		params[k] = v
	}
	return &invoker.Request{
		Operation:     browserOp,
		Params:        params,
		CorrelationID: correlationID,
		Retry:         step.Retry,
	}
}

// ExecuteStep runs a single step: invokes its action under the step's
// timeout, captures evidence on failure, and records validation outcomes
// regardless of the action's success.
func (o *Orchestrator) ExecuteStep(ctx context.Context, step *plan.Step, ec *Context) *plan.StepResult {
	start := time.Now()
	result := &plan.StepResult{StepID: step.ID, Seq: step.Seq}

	timeout := defaultStepTimeout
	if step.Action.TimeoutMs > 0 {
		timeout = time.Duration(step.Action.TimeoutMs) * time.Millisecond
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := requestForStep(step, ec.TaskID)
	invRes := o.inv.Invoke(stepCtx, req)
	result.Attempts = invRes.Attempts
	result.Success = invRes.Success
	if !invRes.Success {
		result.Error = invRes.Error
	}

	// Validation outcomes are recorded even when the action already failed,
	// and a failing rule fails the step.
	for _, rule := range step.Validations {
		outcome := plan.ValidationOutcome{Rule: rule}
		if o.validator == nil {
			outcome.Passed = false
			outcome.Message = "no validator configured"
		} else {
			outcome.Passed, outcome.Message = o.validator.CheckRule(stepCtx, rule)
		}
		result.Validations = append(result.Validations, outcome)
		if !outcome.Passed {
			result.Success = false
			if result.Error == "" {
				result.Error = fmt.Sprintf("validation %s failed: %s", rule.Type, outcome.Message)
			}
		}
	}

	if !result.Success {
		o.captureEvidence(ctx, ec.TaskID, step.ID, result)
	}

	result.Duration = time.Since(start)
	if o.logger != nil {
		o.logger.LogStep(ec.TaskID, step.ID, step.Seq, result.Success, result.Error)
	}
	return result
}

// captureEvidence takes a failure screenshot. Capture failures are
// downgraded to warnings and never mask the step failure.
func (o *Orchestrator) captureEvidence(ctx context.Context, taskID, stepID string, result *plan.StepResult) {
	if o.state == nil {
		return
	}
	path, err := o.state.Screenshot(ctx)
	if err != nil {
		if o.logger != nil {
			o.logger.LogWarning(taskID, fmt.Sprintf("evidence capture failed: %v", err))
		}
		return
	}
	result.Evidence = path
	if o.logger != nil {
		o.logger.LogEvidence(taskID, stepID, path)
	}
}

// ExecutePlan runs the plan's steps in ascending sequence order. A failing
// required step stops execution and marks the task failed; optional
// failures are logged and skipped over.
func (o *Orchestrator) ExecutePlan(ctx context.Context, p *plan.Plan, ec *Context) (*plan.TaskResult, error) {
	if ec == nil {
		ec = &Context{}
	}
	if ec.TaskID == "" {
		ec.TaskID = uuid.NewString()
	}
	if ec.Metadata == nil {
		ec.Metadata = make(map[string]any)
	}

	steps := make([]plan.Step, len(p.Steps))
	copy(steps, p.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Seq < steps[j].Seq })
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if seen[s.Seq] {
			return nil, fmt.Errorf("duplicate sequence number %d in plan %s", s.Seq, p.ID)
		}
		seen[s.Seq] = true
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &taskHandle{status: plan.TaskExecuting, cancel: cancel}
	o.mu.Lock()
	o.tasks[ec.TaskID] = handle
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.tasks, ec.TaskID)
		o.mu.Unlock()
	}()

	result := &plan.TaskResult{
		TaskID:   ec.TaskID,
		PlanID:   p.ID,
		Status:   plan.TaskExecuting,
		Metadata: map[string]any{"correlation_id": ec.TaskID},
	}

	requiredFailed := false
	cancelled := false

	for i := range steps {
		step := &steps[i]

		// Pause takes effect at step boundaries only; an in-flight step is
		// never interrupted.
		if err := o.waitIfPaused(taskCtx, handle); err != nil {
			cancelled = true
			break
		}
		if taskCtx.Err() != nil {
			cancelled = true
			break
		}

		stepRes := o.ExecuteStep(taskCtx, step, ec)
		result.StepResults = append(result.StepResults, *stepRes)
		ec.History = append(ec.History, *stepRes)

		if !stepRes.Success {
			if taskCtx.Err() != nil {
				cancelled = true
				break
			}
			if !step.Optional {
				requiredFailed = true
				break
			}
			if o.logger != nil {
				o.logger.LogWarning(ec.TaskID, fmt.Sprintf("optional step %d failed: %s", step.Seq, stepRes.Error))
			}
		}
	}

	result.Stats = computeStats(result.StepResults, steps)

	// Final evidence snapshot, best effort.
	if o.state != nil && !cancelled {
		if path, err := o.state.Screenshot(ctx); err == nil {
			result.Evidence = append(result.Evidence, path)
		} else if o.logger != nil {
			o.logger.LogWarning(ec.TaskID, fmt.Sprintf("final evidence capture failed: %v", err))
		}
	}
	for _, sr := range result.StepResults {
		if sr.Evidence != "" {
			result.Evidence = append(result.Evidence, sr.Evidence)
		}
	}

	switch {
	case cancelled:
		result.Status = plan.TaskCancelled
	case requiredFailed:
		result.Status = plan.TaskFailed
	default:
		result.Status = plan.TaskCompleted
	}
	result.Success = result.Status == plan.TaskCompleted

	handle.mu.Lock()
	handle.status = result.Status
	handle.mu.Unlock()

	if o.logger != nil {
		o.logger.LogTask(ec.TaskID, string(result.Status), result.Success)
	}
	return result, nil
}

func computeStats(results []plan.StepResult, steps []plan.Step) plan.Stats {
	stats := plan.Stats{TotalSteps: len(results)}
	waitSeqs := make(map[int]bool)
	for _, s := range steps {
		if s.Action.Type == plan.ActionWait {
			waitSeqs[s.Seq] = true
		}
	}
	var total time.Duration
	for _, r := range results {
		total += r.Duration
		if r.Success {
			stats.SuccessfulSteps++
		} else {
			stats.FailedSteps++
		}
		if r.Attempts > 1 {
			stats.RetriedSteps++
		}
		if waitSeqs[r.Seq] {
			stats.TotalWait += r.Duration
		}
	}
	if len(results) > 0 {
		stats.AvgStepDuration = total / time.Duration(len(results))
		stats.SuccessRate = float64(stats.SuccessfulSteps) / float64(len(results))
	}
	return stats
}

// waitIfPaused blocks while the task is paused, until resumed or the
// context is cancelled.
func (o *Orchestrator) waitIfPaused(ctx context.Context, h *taskHandle) error {
	h.mu.Lock()
	for h.status == plan.TaskPaused {
		ch := h.resumeCh
		h.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		h.mu.Lock()
	}
	h.mu.Unlock()
	return nil
}

// Pause requests the task to pause at the next step boundary.
func (o *Orchestrator) Pause(taskID string) error {
	h, err := o.handle(taskID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != plan.TaskExecuting {
		return fmt.Errorf("%w: cannot pause task in state %s", ErrInvalidState, h.status)
	}
	h.status = plan.TaskPaused
	h.resumeCh = make(chan struct{})
	return nil
}

// Resume releases a paused task.
func (o *Orchestrator) Resume(taskID string) error {
	h, err := o.handle(taskID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != plan.TaskPaused {
		return fmt.Errorf("%w: cannot resume task in state %s", ErrInvalidState, h.status)
	}
	h.status = plan.TaskExecuting
	close(h.resumeCh)
	return nil
}

// Cancel signals the task's cancellation source. The cancellation is
// observed cooperatively at the next check point.
func (o *Orchestrator) Cancel(taskID string) error {
	h, err := o.handle(taskID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.status == plan.TaskPaused {
		// Unblock the paused loop so it can observe the cancellation.
		close(h.resumeCh)
		h.status = plan.TaskExecuting
	}
	h.mu.Unlock()
	h.cancel()
	return nil
}

// Status reports the current lifecycle state of a tracked task.
func (o *Orchestrator) Status(taskID string) (plan.TaskStatus, error) {
	h, err := o.handle(taskID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, nil
}

func (o *Orchestrator) handle(taskID string) (*taskHandle, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return h, nil
}

// DescribeContext renders the execution context for diagnostic prompts.
func DescribeContext(ec *Context) string {
	if ec == nil {
		return ""
	}
	out := map[string]any{
		"task_id": ec.TaskID,
		"goal":    ec.Goal,
	}
	if n := len(ec.History); n > 0 {
		recent := ec.History
		if n > 5 {
			recent = recent[n-5:]
		}
		out["recent_steps"] = recent
	}
	data, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(data)
}
