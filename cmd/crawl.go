package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/app"
	"github.com/JakeFAU/harvest-crawler/internal/config"
	"github.com/JakeFAU/harvest-crawler/internal/metrics"
)

// shutdownTimeout bounds flushing and closing services after a run.
const shutdownTimeout = 15 * time.Second

// newApp is the service factory. Tests swap it to inject options.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.NewApp(ctx, cfg, logger, app.Options{})
}

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Discovers and crawls the top results for a query",
		Long: `Resolves the seed list (configured seeds, or the top N results of the
search query) and crawls every seed once. The run summary is printed as JSON
on stdout; a run interrupted by a signal still accounts for every seed.`,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, runID)
		},
	}

	cmd.Flags().String("query", "", "search query; names the output directory")
	cmd.Flags().StringSlice("seeds", nil, "explicit seed URLs; skips discovery")
	cmd.Flags().Int("top-n", 0, "number of search results to crawl")
	cmd.Flags().String("output", "", "base directory for the local storage backend")
	cmd.Flags().String("renderer", "", "renderer kind: headless, http, hybrid or noop")
	cmd.Flags().Int("concurrency", 0, "maximum fetches in flight")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: generated UUID)")
	bindFlag(cmd, "query", "query")
	bindFlag(cmd, "seeds", "seeds")
	bindFlag(cmd, "top-n", "top_n")
	bindFlag(cmd, "output", "storage.base_dir")
	bindFlag(cmd, "renderer", "renderer.kind")
	bindFlag(cmd, "concurrency", "crawler.concurrency")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, runID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	cfg, logger := e.cfg, e.logger

	seeds, err := resolveSeeds(ctx, cfg, logger)
	if err != nil {
		return err
	}

	appInstance, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	closed := false
	closeApp := func() {
		if closed {
			return
		}
		closed = true
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if cerr := appInstance.Close(closeCtx); cerr != nil {
			logger.Warn("Failed to close services", zap.Error(cerr))
		}
	}
	defer closeApp()

	run, runErr := appInstance.Orchestrator().Run(ctx, seeds, appInstance.RunConfig(runID))

	// Progress sinks flush on close; the textfile must see their counters.
	closeApp()
	if path := cfg.Metrics.Textfile; path != "" {
		if werr := metrics.WriteTextfile(path, nil); werr != nil {
			logger.Warn("Failed to write metrics textfile", zap.String("path", path), zap.Error(werr))
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if werr := enc.Encode(run); werr != nil {
		return fmt.Errorf("write run summary: %w", werr)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run crawler: %w", runErr)
	}
	logger.Info("Crawl command finished.", zap.String("run_id", run.RunID))
	return nil
}

// resolveSeeds returns the configured seeds, or discovers cfg.TopN of them.
func resolveSeeds(ctx context.Context, cfg config.Config, logger *zap.Logger) ([]string, error) {
	if len(cfg.Seeds) > 0 {
		return cfg.Seeds, nil
	}
	if strings.TrimSpace(cfg.Query) == "" && cfg.Discovery.Kind != "static" {
		return nil, errors.New("either --query or --seeds is required")
	}
	discoverer, err := app.NewDiscoverer(cfg, logger.Named("discovery"))
	if err != nil {
		return nil, err
	}
	seeds, err := discoverer.Discover(ctx, cfg.Query, cfg.TopN)
	if err != nil {
		return nil, fmt.Errorf("discover seeds: %w", err)
	}
	logger.Info("Discovered seeds", zap.String("query", cfg.Query), zap.Int("count", len(seeds)))
	return seeds, nil
}
