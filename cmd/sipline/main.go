// Command sipline runs the drinkware assistant backend: product semantic
// search, outlet directory queries, a calculator, and a planned chat
// endpoint in front of them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/siplinehq/sipline/pkg/agent"
	"github.com/siplinehq/sipline/pkg/catalog"
	"github.com/siplinehq/sipline/pkg/config"
	"github.com/siplinehq/sipline/pkg/embedder"
	"github.com/siplinehq/sipline/pkg/guardrail"
	"github.com/siplinehq/sipline/pkg/llms"
	"github.com/siplinehq/sipline/pkg/logger"
	"github.com/siplinehq/sipline/pkg/outlets"
	"github.com/siplinehq/sipline/pkg/planner"
	"github.com/siplinehq/sipline/pkg/server"
	"github.com/siplinehq/sipline/pkg/session"
	"github.com/siplinehq/sipline/pkg/vector"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" default:"1" help:"Start the HTTP server."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("sipline version %s\n", version)
	return nil
}

// ServeCmd starts the backend.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), os.Stderr, "simple")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	return run(ctx, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	llm, err := llms.NewOpenAIProvider(llms.OpenAIConfig{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		Timeout:           time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	defer llm.Close()

	emb, err := buildEmbedder(cfg)
	if err != nil {
		return err
	}
	defer emb.Close()

	// Product index: a build failure is fatal, an empty catalog is not.
	products, err := catalog.LoadJSONL(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	index := catalog.NewIndex(vector.NewChromemStore(), emb)
	if err := index.Build(ctx, products); err != nil {
		return fmt.Errorf("failed to build product index: %w", err)
	}

	pool := config.NewDBPool()
	defer pool.Close()

	db, err := pool.Get(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to outlet database: %w", err)
	}
	outletStore := outlets.NewStore(db)
	gate := outlets.NewGate(llm, outletStore)

	sessions := session.NewStore(session.Config{
		Window:      *cfg.Session.Window,
		TTL:         time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		MaxSessions: cfg.Session.MaxSessions,
	})
	go sessions.Run(ctx, time.Minute)

	screener, err := buildScreener(ctx, cfg, emb, llm)
	if err != nil {
		return err
	}

	orchestrator := agent.New(agent.Config{
		Planner:  planner.New(planner.Config{}),
		Sessions: sessions,
		LLM:      llm,
		Products: index,
		Outlets:  gate,
		Screener: screener,
		TopK:     cfg.Catalog.DefaultK,
	})

	srv := server.New(server.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		CORSOrigins:   cfg.Server.CORSOrigins,
		LLMConfigured: cfg.LLM.APIKey != "",
	}, orchestrator, index, gate, outletStore, sessions)

	slog.Info("sipline starting",
		"port", cfg.Server.Port,
		"catalog_products", index.Size(),
		"model", cfg.LLM.Model,
		"embedder", emb.Model())

	return srv.Start(ctx)
}

func buildEmbedder(cfg *config.Config) (embedder.Embedder, error) {
	switch cfg.Embedder.Provider {
	case "hash":
		return embedder.NewHashEmbedder(cfg.Embedder.Dimension), nil
	default:
		emb, err := embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:    cfg.Embedder.APIKey,
			BaseURL:   cfg.Embedder.BaseURL,
			Model:     cfg.Embedder.Model,
			Dimension: cfg.Embedder.Dimension,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
		return emb, nil
	}
}

// buildScreener seeds the guardrail. A seeding failure is non-fatal: the
// guardrail itself fails open per check.
func buildScreener(ctx context.Context, cfg *config.Config, emb embedder.Embedder, llm llms.Provider) (agent.Screener, error) {
	if cfg.Guardrail.Enabled != nil && !*cfg.Guardrail.Enabled {
		return nil, nil
	}

	patterns := guardrail.DefaultPatterns()
	if cfg.Guardrail.PatternsPath != "" {
		loaded, err := guardrail.LoadPatterns(cfg.Guardrail.PatternsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load guardrail patterns: %w", err)
		}
		patterns = loaded
	}

	guard := guardrail.New(vector.NewChromemStore(), emb, llm, guardrail.Config{
		Threshold: cfg.Guardrail.Threshold,
		Patterns:  patterns,
	})
	if err := guard.Build(ctx); err != nil {
		slog.Warn("guardrail seeding failed, checks will defer to the model", "error", err)
	}
	return guard, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("sipline"),
		kong.Description("Sipline - drinkware assistant backend"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
