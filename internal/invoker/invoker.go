// Package invoker executes single operations against the tool registry with
// bounded retries, backoff and fallback chains. It knows nothing about
// plans or steps.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dritter/webmender/internal/governance"
	"github.com/dritter/webmender/internal/observability"
	"github.com/dritter/webmender/internal/plan"
	"github.com/dritter/webmender/internal/tools"
)

// historyCap bounds how many results are kept per correlation id.
const historyCap = 50

// Request names one operation to run against the registry.
type Request struct {
	Operation     string            `json:"operation"`
	Params        map[string]any    `json:"params"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Retry         *plan.RetryConfig `json:"retry,omitempty"` // overrides the invoker defaults
}

// Result is the outcome of one invocation, including all retries.
type Result struct {
	Success   bool           `json:"success"`
	Payload   string         `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	Retried   bool           `json:"retried"`
	Duration  time.Duration  `json:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Operation string         `json:"operation"`
}

// Config holds the default retry policy.
type Config struct {
	MaxRetries  int
	RetryDelay  time.Duration
	Exponential bool
}

// Invoker dispatches requests to registered tools.
type Invoker struct {
	registry *tools.Registry
	policy   governance.PolicyEngine
	logger   *observability.Logger
	cfg      Config

	mu      sync.Mutex
	history map[string][]*Result
}

func New(registry *tools.Registry, policy governance.PolicyEngine, logger *observability.Logger, cfg Config) *Invoker {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Invoker{
		registry: registry,
		policy:   policy,
		logger:   logger,
		cfg:      cfg,
		history:  make(map[string][]*Result),
	}
}

// Validate performs the structural check only: the operation must be
// registered, its required parameters present, and the policy must allow
// it. It never touches the tool itself.
func (inv *Invoker) Validate(ctx context.Context, req *Request) error {
	if req.Operation == "" {
		return fmt.Errorf("missing operation")
	}
	if inv.registry.Get(req.Operation) == nil {
		return fmt.Errorf("unknown operation %q", req.Operation)
	}
	for _, name := range inv.registry.RequiredParams(req.Operation) {
		if _, ok := req.Params[name]; !ok {
			return fmt.Errorf("missing required parameter %q for operation %q", name, req.Operation)
		}
	}
	if inv.policy != nil {
		args, _ := json.Marshal(req.Params)
		res, err := inv.policy.Evaluate(ctx, governance.Request{
			Operation: req.Operation,
			Arguments: string(args),
		})
		if err != nil {
			return fmt.Errorf("policy evaluation failed: %w", err)
		}
		if res.Effect == governance.EffectDeny {
			return fmt.Errorf("denied by policy: %s", res.Reason)
		}
	}
	return nil
}

// Invoke runs one request with the configured retry policy. Validation
// failures fail fast and are never retried. The returned result always
// reports the attempt count and whether any retry occurred.
func (inv *Invoker) Invoke(ctx context.Context, req *Request) *Result {
	start := time.Now()
	result := &Result{Operation: req.Operation, Metadata: map[string]any{}}

	if err := inv.Validate(ctx, req); err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		result.Metadata["validation_error"] = true
		inv.record(req.CorrelationID, result)
		return result
	}

	maxRetries := inv.cfg.MaxRetries
	delay := inv.cfg.RetryDelay
	if req.Retry != nil {
		maxRetries = req.Retry.MaxRetries
		if req.Retry.DelayMs > 0 {
			delay = time.Duration(req.Retry.DelayMs) * time.Millisecond
		}
	}

	tool := inv.registry.Get(req.Operation)
	input, err := json.Marshal(req.Params)
	if err != nil {
		result.Error = fmt.Sprintf("failed to encode parameters: %v", err)
		result.Duration = time.Since(start)
		result.Metadata["validation_error"] = true
		inv.record(req.CorrelationID, result)
		return result
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			result.Error = err.Error()
			result.Metadata["cancelled"] = true
			break
		}

		result.Attempts++
		payload, err := tool.Execute(ctx, string(input))
		if err == nil {
			result.Success = true
			result.Payload = payload
			result.Error = ""
			break
		}
		result.Error = err.Error()

		if attempt < maxRetries {
			if !inv.sleep(ctx, backoff(delay, attempt, inv.cfg.Exponential)) {
				result.Metadata["cancelled"] = true
				break
			}
		}
	}

	result.Retried = result.Attempts > 1
	result.Duration = time.Since(start)
	if inv.logger != nil {
		inv.logger.LogInvocation(req.CorrelationID, req.Operation, result.Attempts, result.Success)
	}
	inv.record(req.CorrelationID, result)
	return result
}

// InvokeSequence runs requests strictly in order and stops at the first
// failure. Cancellation is checked between requests as well.
func (inv *Invoker) InvokeSequence(ctx context.Context, reqs []*Request) []*Result {
	results := make([]*Result, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			break
		}
		res := inv.Invoke(ctx, req)
		results = append(results, res)
		if !res.Success {
			break
		}
	}
	return results
}

// InvokeWithFallback runs the primary with its full retry budget; on total
// failure each fallback gets its own full budget, stopping at the first
// success. The winning result is annotated with fallback provenance.
func (inv *Invoker) InvokeWithFallback(ctx context.Context, primary *Request, fallbacks []*Request) *Result {
	res := inv.Invoke(ctx, primary)
	if res.Success {
		return res
	}

	primaryErr := res.Error
	for i, fb := range fallbacks {
		if err := ctx.Err(); err != nil {
			break
		}
		fbRes := inv.Invoke(ctx, fb)
		if fbRes.Metadata == nil {
			fbRes.Metadata = map[string]any{}
		}
		fbRes.Metadata["fallback_used"] = true
		fbRes.Metadata["fallback_index"] = i
		fbRes.Metadata["primary_error"] = primaryErr
		if fbRes.Success {
			return fbRes
		}
		res = fbRes
	}
	return res
}

// History returns the recorded results for a correlation id in execution
// order. This is an in-process debugging aid, not a durable store.
func (inv *Invoker) History(correlationID string) []*Result {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	recorded := inv.history[correlationID]
	out := make([]*Result, len(recorded))
	copy(out, recorded)
	return out
}

func (inv *Invoker) record(correlationID string, res *Result) {
	if correlationID == "" {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	entries := append(inv.history[correlationID], res)
	if len(entries) > historyCap {
		entries = entries[len(entries)-historyCap:]
	}
	inv.history[correlationID] = entries
}

// sleep waits for d or until the context is cancelled. Reports whether the
// full delay elapsed.
func (inv *Invoker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func backoff(base time.Duration, attempt int, exponential bool) time.Duration {
	if !exponential {
		return base
	}
	return base * time.Duration(1<<uint(attempt))
}
