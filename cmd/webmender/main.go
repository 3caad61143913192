package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/dritter/webmender/internal/diagnose"
	"github.com/dritter/webmender/internal/governance"
	"github.com/dritter/webmender/internal/healing"
	"github.com/dritter/webmender/internal/invoker"
	"github.com/dritter/webmender/internal/observability"
	"github.com/dritter/webmender/internal/orchestrator"
	"github.com/dritter/webmender/internal/plan"
	"github.com/dritter/webmender/internal/store"
	"github.com/dritter/webmender/internal/tools"
	"github.com/dritter/webmender/pkg/config"
)

// maxHealingRounds bounds the caller-side heal-and-retry loop on top of
// the engine's own per-step ceiling.
const maxHealingRounds = 3

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	if flag.NArg() < 1 {
		log.Fatal("usage: webmender [-config config.yaml] <plan.json>")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	p, err := loadPlan(flag.Arg(0))
	if err != nil {
		log.Fatalf("failed to load plan: %v", err)
	}

	logger := observability.NewLogger()

	// Execution capability
	registry := tools.NewRegistry()
	browser := tools.NewBrowserTool(cfg.Browser.Headless)
	if cfg.Browser.UserAgent != "" {
		browser.SetUserAgent(cfg.Browser.UserAgent)
	}
	registry.Register(browser)
	defer browser.Close()

	// Default safety rules: keep the browser off local files and risky schemes
	gov := governance.NewDefaultPolicyEngine()
	_ = gov.DenyArguments(`file://`)
	_ = gov.DenyArguments(`chrome://settings`)

	inv := invoker.New(registry, gov, logger, invoker.Config{
		MaxRetries:  cfg.Invoker.MaxRetries,
		RetryDelay:  time.Duration(cfg.Invoker.RetryDelayMs) * time.Millisecond,
		Exponential: cfg.Invoker.Exponential,
	})

	orch := orchestrator.New(inv, browser, browser, logger)

	// Diagnostic collaborator
	var healer healing.Diagnoser
	pName, pCfg := cfg.GetDefaultProvider()
	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		var model llms.Model
		model, err = openai.New(opts...)
		if err != nil {
			log.Fatalf("failed to initialize provider %s: %v", pName, err)
		}
		healer = diagnose.NewHealer(model, diagnose.NewPromptManager(cfg.App.PromptDir), logger)
	case "":
		log.Println("no enabled provider configured; healing will use local heuristics only")
	default:
		log.Fatalf("provider %s not yet implemented", pName)
	}

	engine := healing.NewEngine(healer, browser, logger, cfg.Healing.MaxAttempts)

	runs, err := store.NewRunStore(cfg.Memory.Path)
	if err != nil {
		log.Fatalf("failed to open run store: %v", err)
	}
	defer runs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.LogHeartbeat()
			}
		}
	}()

	result := runWithHealing(ctx, orch, engine, runs, logger, p)

	if err := runs.RecordRun(result); err != nil {
		log.Printf("failed to record run: %v", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.Success {
		os.Exit(1)
	}
}

// runWithHealing executes the plan and, when a required step fails for a
// healable reason, splices the healed replacement into the remaining plan
// and re-executes.
func runWithHealing(ctx context.Context, orch *orchestrator.Orchestrator, engine *healing.Engine, runs *store.RunStore, logger *observability.Logger, p *plan.Plan) *plan.TaskResult {
	ec := &orchestrator.Context{TaskID: uuid.NewString(), Goal: p.Goal}
	current := p
	var result *plan.TaskResult

	for round := 0; ; round++ {
		var err error
		result, err = orch.ExecutePlan(ctx, current, ec)
		if err != nil {
			log.Fatalf("plan rejected: %v", err)
		}
		if result.Success || result.Status == plan.TaskCancelled || round >= maxHealingRounds {
			break
		}

		failedRes, failedStep := lastFailure(result, current)
		if failedStep == nil {
			break
		}

		hr, err := engine.HealStep(ctx, failedStep, failedRes.Error, &healing.ExecContext{
			TaskID:  ec.TaskID,
			Goal:    p.Goal,
			History: ec.History,
		})
		if err != nil {
			// Cancellation
			break
		}
		if !hr.Success {
			logger.LogWarning(ec.TaskID, fmt.Sprintf("healing failed for step %s: %s", failedStep.ID, hr.Explanation))
			break
		}

		if runs != nil {
			if err := runs.RecordHealing(ec.TaskID, failedStep.ID, hr.Step.ID, string(hr.Strategy.Type), hr.Confidence, hr.Explanation); err != nil {
				log.Printf("failed to record healing: %v", err)
			}
		}

		current = splicePlan(current, failedStep.Seq, hr.Step)
		result.Metadata["healing_rounds"] = round + 1
	}

	return result
}

// lastFailure finds the required step whose failure stopped the run.
func lastFailure(result *plan.TaskResult, p *plan.Plan) (*plan.StepResult, *plan.Step) {
	for i := len(result.StepResults) - 1; i >= 0; i-- {
		sr := &result.StepResults[i]
		if sr.Success {
			continue
		}
		for j := range p.Steps {
			if p.Steps[j].ID == sr.StepID && !p.Steps[j].Optional {
				return sr, &p.Steps[j]
			}
		}
	}
	return nil, nil
}

// splicePlan builds the remaining plan: the healed step in place of the
// failed one, followed by every step after it.
func splicePlan(p *plan.Plan, failedSeq int, healed *plan.Step) *plan.Plan {
	next := &plan.Plan{ID: p.ID, Goal: p.Goal}
	next.Steps = append(next.Steps, *healed)
	for _, s := range p.Steps {
		if s.Seq > failedSeq {
			next.Steps = append(next.Steps, s)
		}
	}
	return next
}

func loadPlan(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = plan.NewStepID()
		}
		if p.Steps[i].Seq == 0 {
			p.Steps[i].Seq = i + 1
		}
	}
	return &p, nil
}
