package main

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-orchestrator/config"
	"github.com/vnmchuo/llm-orchestrator/internal/generation"
	"github.com/vnmchuo/llm-orchestrator/internal/provider"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/claude"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/gemini"
	"github.com/vnmchuo/llm-orchestrator/internal/provider/openai"
	"github.com/vnmchuo/llm-orchestrator/internal/retry"
	"github.com/vnmchuo/llm-orchestrator/internal/route"
	"github.com/vnmchuo/llm-orchestrator/internal/runstore"
	"github.com/vnmchuo/llm-orchestrator/internal/storyboard"
	"github.com/vnmchuo/llm-orchestrator/internal/telemetry"
)

const (
	serviceName     = "llm-orchestrator"
	serviceVersion  = "0.1.0"
	breakerCooldown = 30 * time.Second
)

type commandContext struct {
	logOutput io.Writer

	configOnce sync.Once
	config     *config.Config
	configErr  error
	logger     *slog.Logger
}

func newCommandContext(logOutput io.Writer) *commandContext {
	return &commandContext{logOutput: logOutput}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = newLogger(c.logOutput, cfg.LogLevel, cfg.LogFormat)
		slog.SetDefault(c.logger)
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	ctx := newCommandContext(os.Stderr)

	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Multi-tier LLM generation orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newGenerateCommand(ctx))
	rootCmd.AddCommand(newStoryboardCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newRoutesCommand())

	return rootCmd
}

// newClient wires the provider registry, the default route and the
// orchestration policy from configuration.
func (c *commandContext) newClient(metrics *telemetry.Metrics) (*generation.Client, *route.Router, error) {
	cfg := c.config
	registry := provider.NewRegistry(
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	)

	router, err := route.NewRouter(cfg.DefaultRoute)
	if err != nil {
		return nil, nil, err
	}
	truncation, err := generation.ParseTruncationPolicy(cfg.TruncationPolicy)
	if err != nil {
		return nil, nil, err
	}

	client := generation.New(registry,
		generation.WithRouter(router),
		generation.WithPolicy(generation.Policy{
			Truncation:           truncation,
			MaxContinueSegments:  cfg.MaxContinueSegments,
			ContinueContextChars: cfg.ContinueContextChars,
		}),
		generation.WithRetry(retry.Policy{Profile: retry.SingleShot, Retries: cfg.CallRetries}),
		generation.WithStreamReconnectDelay(cfg.StreamReconnectDelay),
		generation.WithBreakers(route.NewBreakers(uint32(cfg.BreakerFailureThreshold), breakerCooldown)),
		generation.WithMetrics(metrics),
		generation.WithLogger(c.logger),
		generation.WithTracer(otel.Tracer(telemetry.TracerName)),
	)
	return client, router, nil
}

func (c *commandContext) newStoryboard(client *generation.Client, store runstore.Store, metrics *telemetry.Metrics) (*storyboard.Service, error) {
	cfg := c.config
	rounds := cfg.MaxMissingRetryRounds
	return storyboard.New(client, storyboard.NewPrompts(cfg.PromptsDir),
		storyboard.WithStore(store),
		storyboard.WithRound2Defaults(storyboard.Round2Params{
			BatchSize:             cfg.BatchSize,
			ParallelWorkers:       cfg.ParallelWorkers,
			MaxMissingRetryRounds: &rounds,
		}),
		storyboard.WithDownloadBaseURL(cfg.DownloadBaseURL),
		storyboard.WithMetrics(metrics),
		storyboard.WithLogger(c.logger),
		storyboard.WithTracer(otel.Tracer(telemetry.TracerName)),
	)
}
