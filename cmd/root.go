// Package cmd defines the CLI commands of the scraper executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/config"
	"github.com/JakeFAU/distributed-scraper/internal/logging"
	"github.com/JakeFAU/distributed-scraper/internal/telemetry"
)

// runtimeKeyType is the key for storing the loaded runtime in the context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what every subcommand needs after config is loaded.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// flagBindings maps a subcommand's flag names to config keys.
type flagBindings map[string]string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "A two-tier distributed web scraper.",
		Long: `scraper runs either tier of the distributed scraper. The serve tier
accepts URLs over HTTP, fetches and parses them, and asks the process tier
for screenshots, performance figures and thumbnails over a framed TCP
protocol. The submit command is a small client for the serve tier.`,
		SilenceUsage: true,

		// Runs after flags are parsed and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := viper.New()
			if err := bindFlags(v, cmd.Flags(), bindingsFor(cmd)); err != nil {
				return err
			}
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(runtimeKey).(*runtime); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newProcessCmd())
	cmd.AddCommand(newSubmitCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// bindPrefix marks command annotations that map a flag to a config key.
const bindPrefix = "bind."

// bindFlag records that flag name on cmd overrides config key.
func bindFlag(cmd *cobra.Command, name, key string) {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations[bindPrefix+name] = key
}

// bindingsFor returns the flag bindings registered on cmd.
func bindingsFor(cmd *cobra.Command) flagBindings {
	out := flagBindings{}
	for k, key := range cmd.Annotations {
		if name, ok := strings.CutPrefix(k, bindPrefix); ok {
			out[name] = key
		}
	}
	return out
}

// bindFlags binds only flags the user actually set, so unset flags never
// shadow file or environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings flagBindings) error {
	for name, key := range bindings {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// startTracing installs the tracer provider and returns its shutdown func.
func startTracing(ctx context.Context, rt *runtime) func() {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: rt.cfg.Telemetry.ServiceName,
		Enabled:     rt.cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		rt.logger.Warn("tracer init failed", zap.Error(err))
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(rt.cfg.Server.ShutdownTimeoutSeconds))
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			rt.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
