// Command castellan runs the agent execution server.
//
// Usage:
//
//	castellan serve --config castellan.yaml
//	castellan validate --config castellan.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/castellan-ai/castellan/pkg/agent"
	"github.com/castellan-ai/castellan/pkg/auth"
	"github.com/castellan-ai/castellan/pkg/config"
	"github.com/castellan-ai/castellan/pkg/ids"
	"github.com/castellan-ai/castellan/pkg/model"
	"github.com/castellan-ai/castellan/pkg/observability"
	"github.com/castellan-ai/castellan/pkg/seed"
	"github.com/castellan-ai/castellan/pkg/server"
	"github.com/castellan-ai/castellan/pkg/store"
	"github.com/castellan-ai/castellan/pkg/tool"
	"github.com/castellan-ai/castellan/pkg/tool/a2atool"
	"github.com/castellan-ai/castellan/pkg/tool/httptool"
	"github.com/castellan-ai/castellan/pkg/tool/mcptool"
	"github.com/castellan-ai/castellan/pkg/version"
	"github.com/castellan-ai/castellan/pkg/workflow"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text or json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.Get().String())
	return nil
}

// ValidateCmd parses a config file and reports the first error.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("validate requires --config")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	for _, spec := range cfg.Agents {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	for _, spec := range cfg.Workflow {
		if err := spec.Validate(); err != nil {
			return err
		}
	}
	fmt.Printf("%s: ok (%d agents, %d workflows)\n", cli.Config, len(cfg.Agents), len(cfg.Workflow))
	return nil
}

// ServeCmd starts the server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch the config file and re-seed agents on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	logger := newLogger(cfg.Logging, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Warn("store close", "error", cerr)
		}
	}()

	recorder, err := observability.NewPrometheusRecorder()
	if err != nil {
		return err
	}

	prices := model.NewPriceTable(cfg.Pricing)
	runner := agent.NewRunner(st, prices, cfg.Limits,
		agent.WithRecorder(recorder),
		agent.WithRunnerLogger(logger),
	)
	defer runner.Close()

	dir := agent.NewDirectory()
	registry := tool.NewRegistry(logger)
	for typ, factory := range map[string]tool.Factory{
		"http":  httptool.NewFactory(cfg.Limits, logger),
		"mcp":   mcptool.NewFactory(logger),
		"a2a":   a2atool.NewFactory(logger),
		"agent": agent.NewAgentToolFactory(runner, dir),
	} {
		if err := registry.Register(typ, "", factory); err != nil {
			return err
		}
	}

	clock := ids.SystemClock()
	builder := seed.NewBuilder(cfg.Models, registry)
	if err := seed.Apply(ctx, cfg, st, builder, dir, clock, logger); err != nil {
		return err
	}

	gates := workflow.NewGates()
	go sweepGates(ctx, gates)

	orch := workflow.New(runner, dir, st, gates, cfg.Limits, workflow.WithLogger(logger))

	var verifier auth.Verifier
	if cfg.Auth.Enabled {
		verifier, err = auth.New(cfg.Auth)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("auth disabled, requests run as the X-User-Id header principal")
	}

	if c.Watch && cli.Config != "" {
		stop, werr := config.Watch(cli.Config, logger, func(next *config.Config) {
			b := seed.NewBuilder(next.Models, registry)
			if serr := seed.Apply(ctx, next, st, b, dir, clock, logger); serr != nil {
				logger.Error("config reload", "error", serr)
			}
		})
		if werr != nil {
			return werr
		}
		defer stop()
	}

	srv := server.New(cfg, server.Deps{
		Runner:       runner,
		Orchestrator: orch,
		Directory:    dir,
		Store:        st,
		Gates:        gates,
		Builder:      builder,
		Verifier:     verifier,
		Logger:       logger,
	})

	logger.Info("castellan starting",
		"addr", cfg.Server.ListenAddr(),
		"store", cfg.Store.Backend,
		"agents", len(cfg.Agents),
		"workflows", len(cfg.Workflow),
		"version", version.Version,
	)
	return srv.Start(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return store.NewMemory(), nil
	case "redis":
		return store.NewRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func newLogger(cfg config.LoggingConfig, levelFlag, formatFlag string) *slog.Logger {
	level := cfg.Level
	if levelFlag != "" {
		level = levelFlag
	}
	format := cfg.Format
	if formatFlag != "" {
		format = formatFlag
	}

	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// sweepGates drops human gate entries that never received a decision.
func sweepGates(ctx context.Context, gates *workflow.Gates) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gates.Sweep(time.Now(), 24*time.Hour)
		}
	}
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("castellan"),
		kong.Description("Agent execution server with A2A interop and workflow orchestration."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
