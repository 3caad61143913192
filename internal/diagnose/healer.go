// Package diagnose consults an LLM for a structured repair strategy when a
// step fails for a healable reason.
package diagnose

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/dritter/webmender/internal/healing"
	"github.com/dritter/webmender/internal/observability"
)

// Healer asks an LLM to propose one repair strategy via a single
// propose_strategy function tool.
type Healer struct {
	Model   llms.Model
	Prompts *PromptManager
	Logger  *observability.Logger
}

func NewHealer(model llms.Model, prompts *PromptManager, logger *observability.Logger) *Healer {
	return &Healer{Model: model, Prompts: prompts, Logger: logger}
}

// strategyArgs is the wire shape of the propose_strategy tool call.
type strategyArgs struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Confidence  float64        `json:"confidence"`
	Priority    int            `json:"priority"`
	Params      map[string]any `json:"params"`
}

// Diagnose submits the failure to the model and parses the proposed
// strategy. Unusable output comes back as an error; the caller degrades on
// it. Cancellation errors pass through untouched.
func (h *Healer) Diagnose(ctx context.Context, req *healing.DiagnosisRequest) (*healing.Strategy, error) {
	systemPrompt := h.Prompts.GetHealerPrompt()

	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode diagnosis request: %v", err)
	}

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		},
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(
				"A plan step failed. Propose exactly one repair strategy via propose_strategy.\n\n" + string(payload),
			)},
		},
	}

	resp, err := h.Model.GenerateContent(ctx, messages, llms.WithTools(proposeStrategyTools()))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("diagnostic model returned no choices")
	}
	choice := resp.Choices[0]

	if h.Logger != nil {
		taskID := ""
		stepID := ""
		if req.Step != nil {
			stepID = req.Step.ID
		}
		h.Logger.LogLLM(taskID, stepID, req.ErrorMessage, choice.Content)
	}

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != "propose_strategy" {
			continue
		}
		return parseStrategy(tc.FunctionCall.Arguments)
	}

	// Some models answer with bare JSON instead of a tool call.
	if content := strings.TrimSpace(choice.Content); content != "" {
		if s, err := parseStrategy(content); err == nil {
			return s, nil
		}
	}

	return nil, fmt.Errorf("diagnostic model did not propose a strategy")
}

func parseStrategy(raw string) (*healing.Strategy, error) {
	var args strategyArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("failed to parse strategy: %v", err)
	}
	if args.Type == "" {
		return nil, fmt.Errorf("strategy missing type")
	}
	confidence := args.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return &healing.Strategy{
		Type:        healing.StrategyType(args.Type),
		Name:        args.Name,
		Description: args.Description,
		Confidence:  confidence,
		Priority:    args.Priority,
		Params:      args.Params,
	}, nil
}

func proposeStrategyTools() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "propose_strategy",
				Description: "Propose a single repair strategy for the failed step.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type": map[string]any{
							"type": "string",
							"enum": []string{
								"alternative_locator", "extended_wait",
								"retry_with_delay", "scroll_into_view",
								"interaction_method_change", "page_refresh",
								"manual_approval",
							},
						},
						"name":        map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
						"confidence": map[string]any{
							"type":        "number",
							"description": "How likely this strategy is to fix the failure, 0 to 1",
						},
						"priority": map[string]any{"type": "integer"},
						"params": map[string]any{
							"type":        "object",
							"description": "Strategy-specific data, e.g. locator_type/locator_value, multiplier, delay_ms, method",
						},
					},
					"required": []string{"type", "name", "description", "confidence"},
				},
			},
		},
	}
}

// PromptManager loads the healer prompt from disk, falling back to the
// embedded default.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

func (pm *PromptManager) GetHealerPrompt() string {
	if pm == nil || pm.Directory == "" {
		return defaultHealerPrompt
	}
	path := filepath.Join(pm.Directory, "healer.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultHealerPrompt
	}
	return string(data)
}

const defaultHealerPrompt = `You are a browser-automation repair specialist. You receive a failed plan
step with its error, a local failure analysis, the current page state and
the recent step history. Propose exactly one concrete repair strategy by
calling propose_strategy.

Guidance:
- alternative_locator: supply params.locator_type and params.locator_value
  for an element you can identify in the page content.
- extended_wait: supply params.multiplier (the timeout is capped at 60s).
- retry_with_delay: supply params.max_retries and params.delay_ms.
- scroll_into_view / interaction_method_change: for elements that exist but
  reject interaction.
- page_refresh: only when the page state looks stale or inconsistent.
- manual_approval: only when the page has visibly changed on purpose.

Be honest about confidence. Prefer the cheapest strategy that plausibly
fixes the root cause.`
