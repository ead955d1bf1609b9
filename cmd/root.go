// Package cmd defines and implements the CLI commands for the harvest-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest-crawler/internal/config"
	"github.com/JakeFAU/harvest-crawler/internal/logging"
)

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// configKeyAnnotation maps a flag onto the viper key it overrides.
const configKeyAnnotation = "harvest_config_key"

// env is what every subcommand receives from the root command.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "harvest-crawler",
		Short: "Crawls the top search results for a query and stores annotation-ready artifacts.",
		Long: `harvest-crawler discovers the top N result URLs for a search query (or
takes a configured seed list), renders every page concurrently with bounded
per-host politeness and retries, and writes each page as an HTML file plus an
annotation sidecar under a directory named after the query.`,
		SilenceUsage: true,

		// Flags of the executing subcommand are bound before config is read,
		// so they win over file and environment values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindAnnotatedFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		// Flush buffered log entries once the subcommand is done.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newDiscoverCmd())

	return cmd
}

// bindFlag tags a flag with the config key it overrides.
func bindFlag(cmd *cobra.Command, name, key string) {
	if err := cmd.Flags().SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

func bindAnnotatedFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 0 {
			return
		}
		if err := v.BindPFlag(keys[0], f); err != nil {
			errs = append(errs, fmt.Errorf("bind --%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		// cobra already printed the error.
		os.Exit(1)
	}
}
