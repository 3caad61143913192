package healing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dritter/webmender/internal/observability"
	"github.com/dritter/webmender/internal/plan"
)

// maxWaitMs caps any timeout a strategy produces.
const maxWaitMs = 60000

// defaultTimeoutMs is the assumed baseline when a step has no timeout set.
const defaultTimeoutMs = 30000

// DefaultAttemptCeiling bounds healing attempts per step identity.
const DefaultAttemptCeiling = 3

// DiagnosisRequest is what the diagnostic collaborator sees.
type DiagnosisRequest struct {
	Step         *plan.Step        `json:"step"`
	ErrorMessage string            `json:"error"`
	Analysis     *Analysis         `json:"analysis"`
	State        *plan.PageState   `json:"state,omitempty"`
	History      []plan.StepResult `json:"history,omitempty"`
	Goal         string            `json:"goal,omitempty"`
}

// Diagnoser obtains a structured strategy from an external collaborator.
// Malformed responses surface as errors; the engine degrades on them.
type Diagnoser interface {
	Diagnose(ctx context.Context, req *DiagnosisRequest) (*Strategy, error)
}

// StateCapturer snapshots the environment for diagnostic context.
type StateCapturer interface {
	CaptureState(ctx context.Context) (*plan.PageState, error)
}

// Result is the outcome of one healing attempt. Healing failures are
// values, never errors.
type Result struct {
	Success     bool       `json:"success"`
	Step        *plan.Step `json:"step,omitempty"`
	Strategy    *Strategy  `json:"strategy,omitempty"`
	Explanation string     `json:"explanation"`
	Confidence  float64    `json:"confidence"`
}

// Engine decides whether a failed step is worth repairing and produces the
// replacement step.
type Engine struct {
	diagnoser Diagnoser
	state     StateCapturer
	logger    *observability.Logger
	ceiling   int

	mu       sync.Mutex
	attempts map[string]int // keyed by step identity
}

func NewEngine(diagnoser Diagnoser, state StateCapturer, logger *observability.Logger, ceiling int) *Engine {
	if ceiling <= 0 {
		ceiling = DefaultAttemptCeiling
	}
	return &Engine{
		diagnoser: diagnoser,
		state:     state,
		logger:    logger,
		ceiling:   ceiling,
		attempts:  make(map[string]int),
	}
}

// AttemptCount reports how many healing attempts a step identity has used.
func (e *Engine) AttemptCount(stepID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[stepID]
}

// HealStep repairs one failed step. The attempt ceiling is checked before
// any other work, so it can never be exceeded. The only error ever
// returned is context cancellation; everything else comes back as a failed
// Result.
func (e *Engine) HealStep(ctx context.Context, step *plan.Step, stepErr string, ec *ExecContext) (*Result, error) {
	e.mu.Lock()
	used := e.attempts[step.ID]
	if used >= e.ceiling {
		e.mu.Unlock()
		return &Result{
			Success:     false,
			Explanation: fmt.Sprintf("healing attempt ceiling (%d) reached for step %s; giving up", e.ceiling, step.ID),
		}, nil
	}
	e.attempts[step.ID] = used + 1
	e.mu.Unlock()

	analysis := AnalyzeError(stepErr)
	if !analysis.Healable {
		return &Result{
			Success:     false,
			Explanation: analysis.RootCause,
		}, nil
	}

	// Best-effort environment snapshot; a capture failure is logged and
	// healing proceeds without state.
	var state *plan.PageState
	if e.state != nil {
		s, err := e.state.CaptureState(ctx)
		if err != nil {
			if e.logger != nil {
				e.logger.LogWarning(taskID(ec), fmt.Sprintf("state capture failed during healing: %v", err))
			}
		} else {
			state = s
		}
	}

	strategy, err := e.obtainStrategy(ctx, step, stepErr, analysis, state, ec)
	if err != nil {
		// Cancellation propagates; anything else was already degraded.
		return nil, err
	}

	healed := applyStrategy(step, strategy)
	if e.logger != nil {
		e.logger.LogHealing(taskID(ec), step.ID, string(strategy.Type), strategy.Confidence, true)
	}

	return &Result{
		Success:     true,
		Step:        healed,
		Strategy:    strategy,
		Explanation: strategy.Description,
		Confidence:  strategy.Confidence,
	}, nil
}

// ExecContext is the slice of task context the engine needs: the goal and
// the recent step history.
type ExecContext struct {
	TaskID  string
	Goal    string
	History []plan.StepResult
}

func taskID(ec *ExecContext) string {
	if ec == nil {
		return ""
	}
	return ec.TaskID
}

// obtainStrategy consults the diagnostic collaborator, degrading to a
// low-confidence fallback on malformed output. Cancellation is the one
// error that escapes.
func (e *Engine) obtainStrategy(ctx context.Context, step *plan.Step, stepErr string, analysis *Analysis, state *plan.PageState, ec *ExecContext) (*Strategy, error) {
	if e.diagnoser == nil {
		if len(analysis.Suggestions) > 0 {
			s := analysis.Suggestions[0]
			return &s, nil
		}
		return fallbackStrategy(), nil
	}

	req := &DiagnosisRequest{
		Step:         step,
		ErrorMessage: stepErr,
		Analysis:     analysis,
		State:        state,
	}
	if ec != nil {
		req.Goal = ec.Goal
		if n := len(ec.History); n > 0 {
			recent := ec.History
			if n > 5 {
				recent = recent[n-5:]
			}
			req.History = recent
		}
	}

	strategy, err := e.diagnoser.Diagnose(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}
		if e.logger != nil {
			e.logger.LogWarning(taskID(ec), fmt.Sprintf("diagnosis failed, falling back: %v", err))
		}
		return fallbackStrategy(), nil
	}
	if strategy == nil {
		return fallbackStrategy(), nil
	}
	return strategy, nil
}

func fallbackStrategy() *Strategy {
	return &Strategy{
		Type:        StrategyExtendedWait,
		Name:        "extended wait (fallback)",
		Description: "diagnostic output was unusable; extend the step timeout and retry",
		Confidence:  0.3,
		Priority:    1,
	}
}

// applyStrategy produces the healed step: a fresh identity with the
// original's dependencies, timeout baseline, optional flag, retry config
// and validation rules carried over, mutated per strategy kind.
func applyStrategy(step *plan.Step, strategy *Strategy) *plan.Step {
	healed := copyStep(step)
	healed.ID = plan.NewStepID()

	switch strategy.Type {
	case StrategyAlternativeLocator:
		if v, ok := strategy.Params["locator_value"].(string); ok && v != "" {
			healed.Action.Target.Value = v
		}
		if t, ok := strategy.Params["locator_type"].(string); ok && t != "" {
			healed.Action.Target.Type = plan.LocatorType(t)
		}

	case StrategyExtendedWait:
		multiplier := 2.0
		if m, ok := toFloat(strategy.Params["multiplier"]); ok && m > 1 {
			multiplier = m
		}
		healed.Action.TimeoutMs = scaleTimeout(step.Action.TimeoutMs, multiplier)

	case StrategyRetryWithDelay:
		maxRetries := 2
		if m, ok := toFloat(strategy.Params["max_retries"]); ok && m > 0 {
			maxRetries = int(m)
		}
		delayMs := 2000
		if d, ok := toFloat(strategy.Params["delay_ms"]); ok && d > 0 {
			delayMs = int(d)
		}
		if healed.Retry == nil {
			healed.Retry = &plan.RetryConfig{MaxRetries: maxRetries, DelayMs: delayMs}
		} else {
			if healed.Retry.MaxRetries < maxRetries {
				healed.Retry.MaxRetries = maxRetries
			}
			if healed.Retry.DelayMs < delayMs {
				healed.Retry.DelayMs = delayMs
			}
		}

	case StrategyScrollIntoView:
		healed.Action.Options["scroll_into_view"] = true

	case StrategyInteractionMethodChange:
		method := "js"
		if m, ok := strategy.Params["method"].(string); ok && m != "" {
			method = m
		}
		healed.Action.Options["interaction_method"] = method

	default:
		// Unrecognized strategies fall back to doubling the timeout.
		healed.Action.TimeoutMs = scaleTimeout(step.Action.TimeoutMs, 2.0)
	}

	healed.Metadata["healed"] = true
	healed.Metadata["healed_from"] = step.ID
	healed.Metadata["healing_strategy"] = string(strategy.Type)
	healed.Metadata["healing_confidence"] = strategy.Confidence
	return healed
}

func scaleTimeout(baseMs int, multiplier float64) int {
	if baseMs <= 0 {
		baseMs = defaultTimeoutMs
	}
	scaled := int(float64(baseMs) * multiplier)
	if scaled > maxWaitMs {
		return maxWaitMs
	}
	return scaled
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// copyStep deep-copies a step so healing never mutates the original.
func copyStep(step *plan.Step) *plan.Step {
	healed := *step
	healed.DependsOn = append([]string(nil), step.DependsOn...)
	healed.Validations = append([]plan.ValidationRule(nil), step.Validations...)
	if step.Retry != nil {
		retry := *step.Retry
		healed.Retry = &retry
	}
	healed.Action.Options = make(map[string]any, len(step.Action.Options)+2)
	for k, v := range step.Action.Options {
		healed.Action.Options[k] = v
	}
	healed.Metadata = make(map[string]any, len(step.Metadata)+4)
	for k, v := range step.Metadata {
		healed.Metadata[k] = v
	}
	return &healed
}

// SuggestAlternatives collects the locally-suggested strategies for each
// distinct error class among the failed attempts, sorted by priority then
// confidence, descending. No external call is made.
func SuggestAlternatives(failedAttempts []plan.StepResult) []Strategy {
	seen := make(map[ErrorClass]bool)
	var out []Strategy
	for _, attempt := range failedAttempts {
		if attempt.Success || attempt.Error == "" {
			continue
		}
		class := Classify(attempt.Error)
		if seen[class] {
			continue
		}
		seen[class] = true
		out = append(out, localSuggestions(class)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Confidence > out[j].Confidence
	})
	if out == nil {
		out = []Strategy{}
	}
	return out
}
