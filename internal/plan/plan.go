// Package plan defines the step and result types shared by the invoker,
// orchestrator and healing engine.
package plan

import (
	"time"

	"github.com/google/uuid"
)

// ActionType identifies a browser operation a step performs.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionClick      ActionType = "click"
	ActionTypeText   ActionType = "type"
	ActionPress      ActionType = "press"
	ActionScroll     ActionType = "scroll"
	ActionWait       ActionType = "wait"
	ActionContent    ActionType = "content"
	ActionExtract    ActionType = "extract"
	ActionReload     ActionType = "reload"
	ActionBack       ActionType = "back"
	ActionForward    ActionType = "forward"
	ActionScreenshot ActionType = "screenshot"
)

// LocatorType identifies how a target element is addressed.
type LocatorType string

const (
	LocatorCSS   LocatorType = "css"
	LocatorXPath LocatorType = "xpath"
	LocatorText  LocatorType = "text"
	LocatorID    LocatorType = "id"
)

// Locator addresses one element on a page.
type Locator struct {
	Type  LocatorType `json:"type"`
	Value string      `json:"value"`
}

// Action is the executable part of a step.
type Action struct {
	Type            ActionType     `json:"type"`
	Target          Locator        `json:"target,omitempty"`
	Value           string         `json:"value,omitempty"`
	Options         map[string]any `json:"options,omitempty"`
	TimeoutMs       int            `json:"timeout_ms,omitempty"`
	AwaitNavigation bool           `json:"await_navigation,omitempty"`
}

// RetryConfig overrides the invoker's default retry policy for one step.
type RetryConfig struct {
	MaxRetries int `json:"max_retries"`
	DelayMs    int `json:"delay_ms"`
}

// ValidationRuleType identifies a post-action check.
type ValidationRuleType string

const (
	ValidateElementExists ValidationRuleType = "element_exists"
	ValidateTextContains  ValidationRuleType = "text_contains"
	ValidateTitleEquals   ValidationRuleType = "title_equals"
	ValidateDataExtracted ValidationRuleType = "data_extracted"
)

// ValidationRule is checked after a step's action runs.
type ValidationRule struct {
	Type     ValidationRuleType `json:"type"`
	Target   Locator            `json:"target,omitempty"`
	Expected string             `json:"expected,omitempty"`
}

// Step is one ordered unit of a plan.
type Step struct {
	ID          string           `json:"id"`
	Seq         int              `json:"seq"`
	Action      Action           `json:"action"`
	Rationale   string           `json:"rationale,omitempty"`
	Expected    string           `json:"expected,omitempty"`
	DependsOn   []string         `json:"depends_on,omitempty"`
	Optional    bool             `json:"optional,omitempty"`
	Retry       *RetryConfig     `json:"retry,omitempty"`
	Validations []ValidationRule `json:"validations,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// NewStepID returns a fresh step identity. Healed steps always get a new
// one; an identity is never reused.
func NewStepID() string {
	return uuid.NewString()
}

// Plan is an ordered set of steps produced by an external planner.
type Plan struct {
	ID    string `json:"id"`
	Goal  string `json:"goal,omitempty"`
	Steps []Step `json:"steps"`
}

// ValidationOutcome records one rule check against a step result.
type ValidationOutcome struct {
	Rule    ValidationRule `json:"rule"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message,omitempty"`
}

// StepResult is the immutable outcome of running one step.
type StepResult struct {
	StepID      string              `json:"step_id"`
	Seq         int                 `json:"seq"`
	Success     bool                `json:"success"`
	Duration    time.Duration       `json:"duration"`
	Attempts    int                 `json:"attempts"`
	Error       string              `json:"error,omitempty"`
	Validations []ValidationOutcome `json:"validations,omitempty"`
	Evidence    string              `json:"evidence,omitempty"`
}

// TaskStatus is the lifecycle state of one task run.
type TaskStatus string

const (
	TaskExecuting TaskStatus = "executing"
	TaskPaused    TaskStatus = "paused"
	TaskCancelled TaskStatus = "cancelled"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Stats aggregates step outcomes over one task run.
type Stats struct {
	TotalSteps      int           `json:"total_steps"`
	SuccessfulSteps int           `json:"successful_steps"`
	FailedSteps     int           `json:"failed_steps"`
	RetriedSteps    int           `json:"retried_steps"`
	TotalWait       time.Duration `json:"total_wait"`
	AvgStepDuration time.Duration `json:"avg_step_duration"`
	SuccessRate     float64       `json:"success_rate"`
}

// TaskResult aggregates all step results for one plan run.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	PlanID      string         `json:"plan_id"`
	Success     bool           `json:"success"`
	Status      TaskStatus     `json:"status"`
	StepResults []StepResult   `json:"step_results"`
	Stats       Stats          `json:"stats"`
	Evidence    []string       `json:"evidence,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PageState is a best-effort snapshot of the browser environment, used for
// evidence and diagnostic context.
type PageState struct {
	URL          string `json:"url,omitempty"`
	Title        string `json:"title,omitempty"`
	Content      string `json:"content,omitempty"`
	ElementCount int    `json:"element_count,omitempty"`
}
