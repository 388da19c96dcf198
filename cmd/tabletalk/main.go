package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mvaldes-io/tabletalk/internal/agent"
	"github.com/mvaldes-io/tabletalk/internal/datasource"
	"github.com/mvaldes-io/tabletalk/internal/gateway"
	"github.com/mvaldes-io/tabletalk/internal/governance"
	"github.com/mvaldes-io/tabletalk/internal/observability"
	"github.com/mvaldes-io/tabletalk/internal/plan"
	"github.com/mvaldes-io/tabletalk/internal/sandbox"
	"github.com/mvaldes-io/tabletalk/internal/session"
	"github.com/mvaldes-io/tabletalk/internal/tools"
	"github.com/mvaldes-io/tabletalk/pkg/config"
)

// chatService bridges the console gateway to the runner and the session
// manager.
type chatService struct {
	runner   *agent.Runner
	sessions *session.Manager
}

func (c *chatService) Propose(ctx context.Context, sessionID, request string) (*plan.Plan, error) {
	return c.runner.Propose(ctx, c.sessions.Get(sessionID), request)
}

func (c *chatService) Execute(ctx context.Context, sessionID string, p *plan.Plan, request string) (string, error) {
	result, err := c.runner.Execute(ctx, c.sessions.Get(sessionID), p, request)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(result.Answer)
	if result.Preview != "" {
		b.WriteString("\n\n")
		b.WriteString(result.Preview)
	}
	if len(result.Viz) > 0 {
		fmt.Fprintf(&b, "\n\nSuggested chart: %v", result.Viz["chart"])
	}
	return b.String(), nil
}

func (c *chatService) Clear(sessionID string) error {
	return c.sessions.Get(sessionID).Clear()
}

func main() {
	observability.PrintBanner()

	// Route log output through the terminal mutex so it never tears the
	// prompt line.
	log.SetOutput(observability.NewTermWriter())

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	// Initialize LLM (using default enabled provider)
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		log.Fatal("No enabled provider found in config")
	}

	var llm llms.Model
	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		log.Fatalf("Provider %s not yet implemented in main", pName)
	}
	if err != nil {
		log.Fatal(err)
	}

	if cfg.DataSource.URL == "" {
		log.Fatal("datasource.url is required")
	}
	client := datasource.NewClient(cfg.DataSource.URL, cfg.DataSource.APIKey,
		datasource.WithPageSize(cfg.DataSource.PageSize))

	executor := sandbox.NewExecutor(cfg.Agent.StepTimeout.D(), cfg.Agent.SandboxMaxSteps)

	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewFetchSchemaTool(client),
		tools.NewProfileColumnsTool(),
		tools.NewGenerateQueryTool(llm, 2, cfg.Agent.LLMTimeout.D()),
		tools.NewExecuteQueryTool(executor),
		tools.NewValidateResultTool(),
		tools.NewSuggestVizTool(),
		tools.NewSummarizeTool(llm, 20, cfg.Agent.LLMTimeout.D()),
	} {
		if err := registry.Register(tool); err != nil {
			log.Fatal(err)
		}
	}
	registry.Freeze()

	gov := governance.NewDefaultPolicyEngine()
	// Default safety rules: reject snippets probing for an escape hatch
	// before they consume an execution slot.
	_ = gov.DenyCode(`__[a-z]+__`)
	_ = gov.DenyCode(`(?i)\b(getattr|exec|eval)\b`)

	store, err := session.NewStore(cfg.Memory.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	prompts := agent.NewPromptManager(cfg.App.PromptDir)
	logger := observability.NewLogger()

	sessions := session.NewManager(store, cfg.Memory.IdleTTL.D())
	sessions.Log = logger

	planner := agent.NewPlanner(llm, registry, prompts)
	planner.ConfidenceThreshold = cfg.Agent.ConfidenceThreshold
	planner.Timeout = cfg.Agent.LLMTimeout.D()

	repairer := agent.NewRepairer(llm)
	repairer.PatchMaxBytes = cfg.Agent.PatchMaxBytes
	repairer.Timeout = cfg.Agent.LLMTimeout.D()

	runner := agent.NewRunner(registry, gov, client, planner, repairer, logger)
	runner.MaxRetries = cfg.Agent.MaxRetries
	runner.StepTimeout = cfg.Agent.StepTimeout.D()
	runner.ModelName = pCfg.Model

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sessions.Start(ctx)

	console := gateway.NewConsole(
		&chatService{runner: runner, sessions: sessions},
		uuid.NewString(),
		os.Stdin, os.Stdout,
	)
	if err := console.Start(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
	log.Println("Goodbye.")
}
