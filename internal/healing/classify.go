// Package healing classifies step failures, decides healability, and
// synthesizes replacement steps for the ones worth repairing.
package healing

import (
	"fmt"
	"strings"
)

// ErrorClass is the fixed failure taxonomy.
type ErrorClass string

const (
	ErrElementNotFound        ErrorClass = "element_not_found"
	ErrTimeout                ErrorClass = "timeout"
	ErrElementNotInteractable ErrorClass = "element_not_interactable"
	ErrPageStructureChanged   ErrorClass = "page_structure_changed"
	ErrNavigationFailure      ErrorClass = "navigation_failure"
	ErrJavaScriptError        ErrorClass = "javascript_error"
	ErrNetworkError           ErrorClass = "network_error"
	ErrAuthenticationRequired ErrorClass = "authentication_required"
	ErrUnknown                ErrorClass = "unknown"
)

// Severity grades how serious a failure class is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type classInfo struct {
	healable bool
	severity Severity
}

var taxonomy = map[ErrorClass]classInfo{
	ErrElementNotFound:        {healable: true, severity: SeverityMedium},
	ErrTimeout:                {healable: true, severity: SeverityMedium},
	ErrElementNotInteractable: {healable: true, severity: SeverityLow},
	ErrPageStructureChanged:   {healable: true, severity: SeverityHigh},
	ErrNavigationFailure:      {healable: false, severity: SeverityHigh},
	ErrJavaScriptError:        {healable: false, severity: SeverityMedium},
	ErrNetworkError:           {healable: false, severity: SeverityHigh},
	ErrAuthenticationRequired: {healable: false, severity: SeverityCritical},
	ErrUnknown:                {healable: false, severity: SeverityMedium},
}

// Classify maps an error message onto the taxonomy with local substring
// matching only; no external calls. Match order matters: a navigation
// timeout is a timeout, not a navigation failure.
func Classify(message string) ErrorClass {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such element"):
		return ErrElementNotFound
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(msg, "not interactable") || strings.Contains(msg, "not visible") || strings.Contains(msg, "not attached"):
		return ErrElementNotInteractable
	case strings.Contains(msg, "navigation") || strings.Contains(msg, "navigate"):
		return ErrNavigationFailure
	case strings.Contains(msg, "javascript") || strings.Contains(msg, "script"):
		return ErrJavaScriptError
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return ErrNetworkError
	case strings.Contains(msg, "auth") || strings.Contains(msg, "login") || strings.Contains(msg, "unauthorized"):
		return ErrAuthenticationRequired
	case strings.Contains(msg, "changed") || strings.Contains(msg, "stale"):
		return ErrPageStructureChanged
	default:
		return ErrUnknown
	}
}

// StrategyType tags one repair strategy kind.
type StrategyType string

const (
	StrategyAlternativeLocator      StrategyType = "alternative_locator"
	StrategyExtendedWait            StrategyType = "extended_wait"
	StrategyRetryWithDelay          StrategyType = "retry_with_delay"
	StrategyScrollIntoView          StrategyType = "scroll_into_view"
	StrategyInteractionMethodChange StrategyType = "interaction_method_change"
	StrategyPageRefresh             StrategyType = "page_refresh"
	StrategyManualApproval          StrategyType = "manual_approval"
)

// Strategy is one concrete repair proposal.
type Strategy struct {
	Type        StrategyType   `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
	Priority    int            `json:"priority"`
	Params      map[string]any `json:"params,omitempty"`
}

// Analysis is the classification of one failure. It is derived purely from
// the error and never persisted.
type Analysis struct {
	Class       ErrorClass `json:"class"`
	Healable    bool       `json:"healable"`
	RootCause   string     `json:"root_cause"`
	Severity    Severity   `json:"severity"`
	Suggestions []Strategy `json:"suggestions,omitempty"`
}

// AnalyzeError classifies an error message. Pure local function: no
// external call, no retry accounting.
func AnalyzeError(message string) *Analysis {
	class := Classify(message)
	info := taxonomy[class]
	return &Analysis{
		Class:       class,
		Healable:    info.healable,
		RootCause:   rootCause(class, message),
		Severity:    info.severity,
		Suggestions: localSuggestions(class),
	}
}

func rootCause(class ErrorClass, message string) string {
	switch class {
	case ErrElementNotFound:
		return fmt.Sprintf("target element could not be located: %s", message)
	case ErrTimeout:
		return fmt.Sprintf("operation exceeded its time budget: %s", message)
	case ErrElementNotInteractable:
		return fmt.Sprintf("element found but not interactable: %s", message)
	case ErrPageStructureChanged:
		return fmt.Sprintf("page structure differs from what the plan expects: %s", message)
	case ErrNavigationFailure:
		return fmt.Sprintf("navigation failed and cannot be repaired automatically: %s", message)
	case ErrJavaScriptError:
		return fmt.Sprintf("page script error outside our control: %s", message)
	case ErrNetworkError:
		return fmt.Sprintf("network problem outside our control: %s", message)
	case ErrAuthenticationRequired:
		return fmt.Sprintf("authentication is required; human credentials needed: %s", message)
	default:
		return fmt.Sprintf("unrecognized failure: %s", message)
	}
}

// localSuggestions returns the heuristic strategies for a class, ranked by
// priority. These are used when no diagnostic collaborator is consulted.
func localSuggestions(class ErrorClass) []Strategy {
	switch class {
	case ErrElementNotFound:
		return []Strategy{
			{Type: StrategyAlternativeLocator, Name: "alternative locator", Description: "retry with a different locator for the target element", Confidence: 0.7, Priority: 8},
			{Type: StrategyExtendedWait, Name: "extended wait", Description: "give the element more time to appear", Confidence: 0.6, Priority: 5},
			{Type: StrategyScrollIntoView, Name: "scroll into view", Description: "scroll before locating, the element may be off-screen", Confidence: 0.5, Priority: 4},
		}
	case ErrTimeout:
		return []Strategy{
			{Type: StrategyExtendedWait, Name: "extended wait", Description: "multiply the step timeout", Confidence: 0.8, Priority: 8, Params: map[string]any{"multiplier": 2.0}},
			{Type: StrategyRetryWithDelay, Name: "retry with delay", Description: "retry after a pause to let the page settle", Confidence: 0.6, Priority: 5, Params: map[string]any{"delay_ms": 2000}},
		}
	case ErrElementNotInteractable:
		return []Strategy{
			{Type: StrategyScrollIntoView, Name: "scroll into view", Description: "scroll the element into the viewport before interacting", Confidence: 0.8, Priority: 8},
			{Type: StrategyInteractionMethodChange, Name: "interact via javascript", Description: "dispatch the interaction through injected JavaScript", Confidence: 0.6, Priority: 6, Params: map[string]any{"method": "js"}},
		}
	case ErrPageStructureChanged:
		return []Strategy{
			{Type: StrategyAlternativeLocator, Name: "alternative locator", Description: "relocate the element in the changed structure", Confidence: 0.6, Priority: 7},
			{Type: StrategyPageRefresh, Name: "page refresh", Description: "reload the page and retry against fresh structure", Confidence: 0.5, Priority: 5},
			{Type: StrategyManualApproval, Name: "manual approval", Description: "flag the visual change for human approval", Confidence: 0.3, Priority: 2},
		}
	default:
		return nil
	}
}
