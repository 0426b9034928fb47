package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/tasks"
	"github.com/rendis/stepflow/internal/validation"
	mcpserver "github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = cmdServe()
	case "run":
		err = cmdRun(os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: stepflow <command>

commands:
  serve             start the MCP server and cron scheduler (default)
  run <plan-file>   execute a plan file once and print the result
  validate <file>   validate a plan file and print issues
  graph <file>      render a plan's dependency graph (mermaid or ascii)
  version           print the version
`)
}

// app bundles the wired components shared by the subcommands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	events    *store.EventLog
	registry  *tasks.Registry
	executor  *engine.Executor
	validator *validation.PlanValidator
}

func newApp() (*app, error) {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	jsValidator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	registry := tasks.NewRegistry()
	fsCfg := tasks.FSConfig{Policy: cfg.Sandbox}
	shellCfg := tasks.ShellConfig{Policy: cfg.Sandbox}
	if err := tasks.RegisterBuiltins(registry, jsValidator, tasks.HTTPConfig{}, fsCfg, shellCfg); err != nil {
		st.Close()
		return nil, fmt.Errorf("register builtin tasks: %w", err)
	}

	condEngine, err := expressionsEngine()
	if err != nil {
		st.Close()
		return nil, err
	}

	execCfg := engine.DefaultExecutorConfig()
	execCfg.Parallelism = cfg.Parallelism
	if cfg.StepTimeout != "" {
		d, parseErr := time.ParseDuration(cfg.StepTimeout)
		if parseErr != nil {
			st.Close()
			return nil, fmt.Errorf("invalid step_timeout %q: %w", cfg.StepTimeout, parseErr)
		}
		execCfg.DefaultStepTimeout = d
	}

	events := store.NewEventLog(st)
	executor := engine.NewExecutor(st, events, registry, condEngine, logger, execCfg)

	validator, err := validation.NewPlanValidator(registry)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		events:    events,
		registry:  registry,
		executor:  executor,
		validator: validator,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
}

// storedPlanRunner adapts the executor to scheduler.PlanRunner by resolving
// plan names through the store.
type storedPlanRunner struct {
	store    store.Store
	executor *engine.Executor
}

func (r *storedPlanRunner) RunPlan(ctx context.Context, planName string, params map[string]any) error {
	rec, err := r.store.GetPlan(ctx, planName)
	if err != nil {
		return err
	}
	result, err := r.executor.Execute(ctx, &rec.Definition, params)
	if err != nil {
		return err
	}
	if result.Error != nil {
		return result.Error
	}
	return nil
}

func cmdServe() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Plans on disk are registered at startup so scheduled jobs and
	// stepflow.run can refer to them by name.
	if err := registerPlanDir(ctx, a); err != nil {
		return err
	}

	sched := scheduler.NewScheduler(a.store, &storedPlanRunner{store: a.store, executor: a.executor}, a.logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed job recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			a.logger.Warn("scheduler stop failed", slog.String("error", err.Error()))
		}
	}()

	srv := mcpserver.NewStepflowServer(mcpserver.StepflowServerDeps{
		Executor:  a.executor,
		Store:     a.store,
		Registry:  a.registry,
		Validator: a.validator,
		Logger:    a.logger,
	})

	a.logger.Info("stepflow serving on stdio",
		slog.String("db", a.cfg.DBPath),
		slog.Int("parallelism", a.cfg.Parallelism),
	)
	return srv.Serve(ctx)
}

// registerPlanDir loads and stores every plan definition found in the
// configured plan directory. A missing directory is not an error.
func registerPlanDir(ctx context.Context, a *app) error {
	if a.cfg.PlanDir == "" {
		return nil
	}
	if _, err := os.Stat(a.cfg.PlanDir); os.IsNotExist(err) {
		return nil
	}

	plans, err := loader.LoadDir(a.cfg.PlanDir)
	if err != nil {
		return err
	}
	for _, def := range plans {
		if vErr := a.validator.ValidateDefinition(def); vErr != nil {
			a.logger.Warn("skipping invalid plan file",
				slog.String("plan", def.Name),
				slog.String("error", vErr.Error()),
			)
			continue
		}
		now := time.Now().UTC()
		if sErr := a.store.StorePlan(ctx, &store.PlanRecord{
			Name:       def.Name,
			Definition: *def,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); sErr != nil {
			return sErr
		}
		a.logger.Info("registered plan", slog.String("plan", def.Name))
	}
	return nil
}

func cmdRun(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("run requires a plan file path")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	def, err := loader.LoadFile(args[0])
	if err != nil {
		return err
	}
	if err := a.validator.ValidateDefinition(def); err != nil {
		return err
	}

	params, err := paramsFromArgs(args[1:])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := a.executor.Execute(ctx, def, params)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if result.Status != schema.RunStatusCompleted {
		os.Exit(1)
	}
	return nil
}

func cmdValidate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("validate requires a plan file path")
	}

	def, err := loader.LoadFile(args[0])
	if err != nil {
		return err
	}

	jsValidator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	registry := tasks.NewRegistry()
	if err := tasks.RegisterBuiltins(registry, jsValidator, tasks.HTTPConfig{}, tasks.FSConfig{}, tasks.ShellConfig{}); err != nil {
		return err
	}
	validator, err := validation.NewPlanValidator(registry)
	if err != nil {
		return err
	}

	result := validator.Validate(def)
	for _, w := range result.Warnings {
		fmt.Printf("warning: %s: %s\n", w.Path, w.Message)
	}
	for _, e := range result.Errors {
		fmt.Printf("error: %s: %s\n", e.Path, e.Message)
	}
	if !result.Valid() {
		os.Exit(1)
	}
	fmt.Printf("%s: ok (%d steps)\n", def.Name, len(def.Steps))
	return nil
}

func cmdGraph(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("graph requires a plan file path")
	}
	format := "mermaid"
	if len(args) > 1 {
		format = args[1]
	}

	def, err := loader.LoadFile(args[0])
	if err != nil {
		return err
	}

	model, err := diagram.Build(def, nil)
	if err != nil {
		return err
	}

	switch format {
	case "mermaid":
		fmt.Print(diagram.RenderMermaid(model))
	case "ascii":
		fmt.Print(diagram.RenderASCII(model))
	default:
		return fmt.Errorf("unknown graph format %q (want mermaid or ascii)", format)
	}
	return nil
}

// paramsFromArgs parses trailing key=value arguments into run params.
func paramsFromArgs(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(args))
	for _, arg := range args {
		k, v, ok := cutKV(arg)
		if !ok {
			return nil, fmt.Errorf("invalid param %q: expected key=value", arg)
		}
		params[k] = v
	}
	return params, nil
}

func cutKV(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return "", "", false
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	// Logs go to stderr: stdout carries the MCP stdio transport.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
