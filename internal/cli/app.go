package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/screenerlabs/research-pipeline/internal/config"
	"github.com/screenerlabs/research-pipeline/internal/ledger"
	"github.com/screenerlabs/research-pipeline/internal/llm"
	"github.com/screenerlabs/research-pipeline/internal/orchestrator"
	"github.com/screenerlabs/research-pipeline/internal/report"
	"github.com/screenerlabs/research-pipeline/internal/run"
	"github.com/screenerlabs/research-pipeline/internal/stage"
	"github.com/screenerlabs/research-pipeline/internal/ticket"
)

// app holds one invocation's wired-up engine.
type app struct {
	cfg   *config.Config
	store *run.Store
	ldb   *ledger.DB
	orc   *orchestrator.Orchestrator
}

// loadConfig loads the config from --config or the default search path.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// openStore opens the run store at the configured or default location.
func openStore(cfg *config.Config) (*run.Store, error) {
	if dir := cfg.Pipeline.RunsDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
		return run.NewStore(dir), nil
	}
	return run.DefaultStore()
}

// openLedger opens and migrates the run ledger.
func openLedger(cfg *config.Config) (*ledger.DB, error) {
	path := cfg.Pipeline.LedgerPath
	if path == "" {
		var err error
		path, err = ledger.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	ldb, err := ledger.Open(path)
	if err != nil {
		return nil, err
	}
	if err := ldb.Migrate(); err != nil {
		ldb.Close()
		return nil, err
	}
	return ldb, nil
}

// buildApp wires the full engine from config. Overrides run after loading
// and before validation, so command flags can adjust the pipeline. The
// caller must Close the returned app.
func buildApp(overrides ...func(*config.Config)) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	for _, fn := range overrides {
		fn(cfg)
	}
	if errs := config.Validate(&cfg.Pipeline, stage.Known()); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid config:\n  %s", strings.Join(msgs, "\n  "))
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	ldb, err := openLedger(cfg)
	if err != nil {
		return nil, err
	}

	timeout, err := time.ParseDuration(cfg.Pipeline.CallTimeout)
	if err != nil {
		ldb.Close()
		return nil, fmt.Errorf("parse call_timeout: %w", err)
	}
	retries := cfg.Pipeline.ErrorRetryCount()

	gen := llm.NewClient(cfg.Pipeline.Generation.Endpoint, cfg.Pipeline.Generation.Model, os.Getenv(cfg.Pipeline.Generation.APIKeyEnv))
	val := llm.NewClient(cfg.Pipeline.Validation.Endpoint, cfg.Pipeline.Validation.Model, os.Getenv(cfg.Pipeline.Validation.APIKeyEnv))

	exec := stage.NewExecutor(gen, store, ldb, timeout, retries)
	exec.SetProgress(os.Stderr)
	gate := stage.NewGate(val, store, ldb, timeout, retries)
	stages := stage.Registry(&cfg.Pipeline)

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	orc := orchestrator.New(orchestrator.Options{
		Store:      store,
		Ledger:     ldb,
		Executor:   exec,
		FixLoop:    stage.NewController(exec, gate, store, ldb),
		Stages:     stages,
		SkipStages: cfg.Pipeline.Skip,
		Reporter:   report.NewWriter(store, ldb),
		Sink:       ticket.NewFileSink(store),
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	})

	return &app{cfg: cfg, store: store, ldb: ldb, orc: orc}, nil
}

func (a *app) Close() {
	a.ldb.Close()
}
