// Package cmd implements the CLI command structure for oac.
package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/oac-sh/oac/internal/agents"
	_ "github.com/oac-sh/oac/internal/agents/cliagent" // register the cli provider
	"github.com/oac-sh/oac/internal/config"
	"github.com/oac-sh/oac/internal/engine"
	"github.com/oac-sh/oac/internal/events"
	"github.com/oac-sh/oac/internal/logging"
	"github.com/oac-sh/oac/internal/sandbox"
	"github.com/oac-sh/oac/internal/task"
	"github.com/oac-sh/oac/internal/ui"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Run executes the oac CLI.
func Run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("oac", flag.ContinueOnError)
	fs.Usage = func() { printUsage(fs, os.Stderr) }

	help := fs.Bool("help", false, "Show help")
	fs.BoolVar(help, "h", false, "Show help")
	showVersion := fs.Bool("version", false, "Show version")
	configPath := fs.String("config", "", "Path to oac.toml")
	fs.String("repo", "", "Repository path")
	fs.Int("concurrency", config.DefaultConcurrency, "Worker pool size")
	fs.Int("max-attempts", config.DefaultMaxAttempts, "Max executions per job")
	fs.Int("token-budget", config.DefaultTokenBudget, "Per-job token budget")
	fs.String("base-branch", config.DefaultBaseBranch, "Branch sandboxes start from")
	fs.Bool("allow-commits", false, "Let agents commit in their sandboxes")
	fs.String("log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	planPath := fs.String("plan", "", "Execution plan JSON file (default: stdin)")
	withTUI := fs.Bool("tui", false, "Attach the terminal monitor")

	if err := fs.Parse(args); err != nil {
		return err
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	cfg, err := config.Load(fs, *configPath, workDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *help {
		printUsage(fs, os.Stdout)
		return nil
	}
	if *showVersion {
		fmt.Printf("oac %s\n", Version)
		return nil
	}

	subcommand := "run"
	remaining := fs.Args()
	if len(remaining) > 0 && !strings.HasPrefix(remaining[0], "-") {
		subcommand = remaining[0]
	}

	switch subcommand {
	case "run":
		return runCommand(ctx, cfg, *planPath, *withTUI)
	case "doctor":
		return doctorCommand(ctx, cfg)
	case "version":
		fmt.Printf("oac %s\n", Version)
		return nil
	default:
		printUsage(fs, os.Stderr)
		return fmt.Errorf("unknown command: %s", subcommand)
	}
}

// runCommand executes a plan against the configured providers.
func runCommand(ctx context.Context, cfg *config.Config, planPath string, withTUI bool) error {
	logger := logging.NewConsole(cfg.LogLevel, cfg.LogFormat, cfg.LogTimestamps)

	plan, err := readPlan(planPath)
	if err != nil {
		return err
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	manager := sandbox.NewManager(sandbox.NewGitRunner(), cfg.RepoPath)
	eng, err := engine.New(engine.Config{
		Concurrency:  cfg.Concurrency,
		MaxAttempts:  cfg.MaxAttempts,
		BranchPrefix: cfg.BranchPrefix,
		BaseBranch:   cfg.BaseBranch,
		TokenBudget:  cfg.TokenBudget,
		Timeout:      cfg.Timeout(),
		AllowCommits: cfg.AllowCommits,
	}, providers, manager, bus, logger)
	if err != nil {
		return err
	}

	runLogger, err := logging.NewRunLogger(cfg.LogDir, cfg.RepoPath)
	if err != nil {
		return fmt.Errorf("init run logger: %w", err)
	}
	defer runLogger.Close()

	logCtx, stopLog := context.WithCancel(ctx)
	defer stopLog()
	logCh, _ := bus.Subscribe(logCtx)
	go runLogger.Drain(logCh)

	jobs := eng.Enqueue(plan)
	logger.Info("plan enqueued",
		"jobs", len(jobs),
		"deferred", len(plan.DeferredTasks),
		"remaining_tokens", plan.RemainingTokens)

	// Forward interrupt as cooperative abort; a second interrupt kills us.
	go func() {
		<-ctx.Done()
		eng.Abort()
	}()

	if withTUI {
		go func() {
			if err := ui.RunMonitor(ctx, bus); err != nil {
				logger.Debug("monitor exited", "err", err)
			}
		}()
	}

	result, err := eng.Run(ctx)
	if err != nil {
		return err
	}
	printResult(os.Stdout, result)
	return nil
}

// doctorCommand reports provider availability.
func doctorCommand(ctx context.Context, cfg *config.Config) error {
	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range providers {
		avail := p.CheckAvailability(checkCtx)
		if avail.Available {
			fmt.Printf("ok   %-24s %s\n", p.ID(), avail.Version)
		} else {
			fmt.Printf("FAIL %-24s %s\n", p.ID(), avail.Error)
		}
	}
	return nil
}

// buildProviders constructs providers from config via the registry. Type
// names are sorted so the round-robin order is stable across runs.
func buildProviders(cfg *config.Config) ([]agents.Provider, error) {
	types := make([]string, 0, len(cfg.Providers))
	for providerType := range cfg.Providers {
		types = append(types, providerType)
	}
	sort.Strings(types)

	var providers []agents.Provider
	for _, providerType := range types {
		pc := cfg.Providers[providerType]
		factory, ok := agents.Registry[providerType]
		if !ok {
			return nil, fmt.Errorf("unknown provider type %q (registered: %v)",
				providerType, agents.RegisteredProviderTypes())
		}
		provider, err := factory(agents.Config{
			Binary:       pc.Binary,
			Model:        pc.Model,
			Args:         pc.Args,
			PromptStdin:  pc.PromptStdin,
			ContextLimit: pc.ContextLimit,
			SchemaPath:   pc.SchemaPath,
		})
		if err != nil {
			return nil, fmt.Errorf("build provider %q: %w", providerType, err)
		}
		providers = append(providers, provider)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured; add a [providers.cli] table to oac.toml")
	}
	return providers, nil
}

func readPlan(path string) (*task.ExecutionPlan, error) {
	var reader io.Reader = os.Stdin
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open plan: %w", err)
		}
		defer file.Close()
		reader = file
	}
	var plan task.ExecutionPlan
	if err := json.NewDecoder(reader).Decode(&plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

func printResult(w io.Writer, result *engine.RunResult) {
	fmt.Fprintf(w, "\n%d jobs: %d completed, %d failed, %d aborted\n",
		len(result.Jobs), len(result.Completed), len(result.Failed), len(result.Aborted))
	for _, job := range result.Completed {
		tokens := 0
		if job.Result != nil {
			tokens = job.Result.TotalTokensUsed
		}
		fmt.Fprintf(w, "  done    %-36s %d tokens, %d attempt(s)\n", job.Task.ID, tokens, job.Attempts)
	}
	for _, job := range result.Failed {
		fmt.Fprintf(w, "  failed  %-36s %v\n", job.Task.ID, job.Err)
	}
	for _, job := range result.Aborted {
		fmt.Fprintf(w, "  aborted %-36s\n", job.Task.ID)
	}
}

func printUsage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintf(w, `oac — dispatch planned repository tasks to coding agents

Usage:
  oac [flags] [command]

Commands:
  run      Execute a plan (default)
  doctor   Check provider availability
  version  Print the version

Flags:
`)
	fs.SetOutput(w)
	fs.PrintDefaults()
}
