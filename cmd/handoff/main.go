package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/handoff/pkg/config"
	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/presenter"
)

var (
	// appConfig is loaded once the flags are parsed
	appConfig *config.Config

	tracingShutdown = func(context.Context) error { return nil }
)

func init() {
	config.Setup(viper.GetViper())
}

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Quota-aware dispatcher for delegating prompts to external LLM CLIs",
	Long: `handoff delegates prompts to external LLM command line tools such as gemini and qwen.

Every dispatch is checked against per-service request and token quotas over rolling
windows, runs the external tool with a timeout, and is recorded in a usage store
shared by every handoff process on the machine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return loadConfig(cmd)
	},
}

// loadConfig reads the config file, applies logging settings and starts tracing
func loadConfig(cmd *cobra.Command) error {
	v := viper.GetViper()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	if err := config.Read(v); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		presenter.SetQuiet(true)
	}
	if err := logger.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	appConfig = cfg

	shutdown, err := initTracing(cmd.Context(), cfg.Tracing)
	if err != nil {
		logger.G(cmd.Context()).WithError(err).Warn("failed to initialize tracing")
		return nil
	}
	tracingShutdown = shutdown
	return nil
}

// exitError carries the process exit code of a failed command. A nil err
// means the failure has already been reported to the user.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var e *exitError
	if errors.As(err, &e) {
		return e.code
	}
	return 1
}

func main() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default $HOME/.handoff/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt or json)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress informational messages and warnings")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(withTracing(dispatchCmd))
	rootCmd.AddCommand(withTracing(statusCmd))
	rootCmd.AddCommand(withTracing(usageCmd))
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if shutdownErr := tracingShutdown(context.Background()); shutdownErr != nil {
		logger.G(context.Background()).WithError(shutdownErr).Debug("failed to flush traces")
	}

	if err != nil {
		var e *exitError
		if !errors.As(err, &e) || e.err != nil {
			presenter.Error(err, "")
		}
		os.Exit(exitCode(err))
	}
}
