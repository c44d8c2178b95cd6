package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/handoff/pkg/dispatch"
	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/metrics"
	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// Exit codes of the dispatch command
const (
	exitSuccess        = 0
	exitFailure        = 1
	exitQuotaExceeded  = 2
	exitUnknownService = 3
)

// DispatchConfig holds configuration for the dispatch command
type DispatchConfig struct {
	Files       []string
	Model       string
	Format      string
	Temperature *float64
	Sandbox     bool
	Timeout     time.Duration
	Options     []string
	JSON        bool
	// MetricsTextfile receives the dispatch metrics in the Prometheus text
	// format, for node_exporter's textfile collector
	MetricsTextfile string
}

// NewDispatchConfig creates a new DispatchConfig with default values
func NewDispatchConfig() *DispatchConfig {
	return &DispatchConfig{}
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <service> <prompt>",
	Short: "Delegate a prompt to an external LLM CLI",
	Long: `Delegate a prompt to an external LLM CLI, subject to the service's quota.

The prompt may also be read from stdin by passing "-". Files and directories given with
--files are referenced in the prompt with the @path syntax the CLIs understand.

Exit codes: 0 success, 1 failure, 2 quota exceeded, 3 unknown service.

Examples:
  handoff dispatch gemini "Summarize the design of this package" --files 'pkg/**/*.go'
  handoff dispatch qwen "Write unit tests" --files main.go --format markdown
  git diff | handoff dispatch gemini - --timeout 2m`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		config, err := getDispatchConfigFromFlags(cmd)
		if err != nil {
			return &exitError{code: exitFailure, err: err}
		}

		prompt, err := readPrompt(args[1], cmd.InOrStdin())
		if err != nil {
			return &exitError{code: exitFailure, err: err}
		}

		a, err := newApp(ctx, appConfig)
		if err != nil {
			return &exitError{code: exitFailure, err: err}
		}
		defer a.Close()

		code := runDispatch(ctx, a, args[0], prompt, config, cmd.OutOrStdout())
		if code != exitSuccess {
			return &exitError{code: code}
		}
		return nil
	},
}

func init() {
	dispatchCmd.Flags().StringSlice("files", nil, "Files, directories or glob patterns to reference in the prompt")
	dispatchCmd.Flags().String("model", "", "Model passed to the external CLI")
	dispatchCmd.Flags().String("format", "", "Output format requested from the CLI (json, markdown, text)")
	dispatchCmd.Flags().Float64("temperature", 0, "Sampling temperature between 0 and 1")
	dispatchCmd.Flags().Bool("sandbox", false, "Run the external CLI in its sandbox mode")
	dispatchCmd.Flags().Duration("timeout", 0, "Process timeout (default: the service timeout)")
	dispatchCmd.Flags().StringArray("option", nil, "Extra service option as key=value (repeatable)")
	dispatchCmd.Flags().Bool("json", false, "Print the full dispatch result as JSON")
	dispatchCmd.Flags().String("metrics-textfile", "", "Write dispatch metrics to this file in the Prometheus text format")
}

// getDispatchConfigFromFlags extracts dispatch configuration from command flags
func getDispatchConfigFromFlags(cmd *cobra.Command) (*DispatchConfig, error) {
	config := NewDispatchConfig()
	flags := cmd.Flags()

	patterns, _ := flags.GetStringSlice("files")
	files, err := dispatch.ExpandFiles(patterns)
	if err != nil {
		return nil, err
	}
	config.Files = files

	config.Model, _ = flags.GetString("model")
	config.Format, _ = flags.GetString("format")
	config.Sandbox, _ = flags.GetBool("sandbox")
	config.Timeout, _ = flags.GetDuration("timeout")
	config.Options, _ = flags.GetStringArray("option")
	config.JSON, _ = flags.GetBool("json")
	config.MetricsTextfile, _ = flags.GetString("metrics-textfile")
	if flags.Changed("temperature") {
		t, _ := flags.GetFloat64("temperature")
		config.Temperature = &t
	}

	if config.Timeout < 0 {
		return nil, errors.Errorf("timeout must not be negative, got %s", config.Timeout)
	}
	return config, nil
}

// readPrompt returns the prompt argument, or stdin when the argument is "-"
func readPrompt(arg string, stdin io.Reader) (string, error) {
	prompt := arg
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", errors.Wrap(err, "failed to read prompt from stdin")
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt cannot be empty")
	}
	return prompt, nil
}

// buildOptions merges --option pairs with the dedicated flags, which win
func (c *DispatchConfig) buildOptions() (map[string]any, error) {
	options := make(map[string]any)
	for _, pair := range c.Options {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errors.Errorf("invalid option %q: expected key=value", pair)
		}
		options[key] = value
	}

	if c.Model != "" {
		options["model"] = c.Model
	}
	if c.Format != "" {
		options["format"] = c.Format
	}
	if c.Temperature != nil {
		options["temperature"] = *c.Temperature
	}
	if c.Sandbox {
		options["sandbox"] = true
	}
	return options, nil
}

// runDispatch performs one delegation and reports it, returning the exit code
func runDispatch(ctx context.Context, a *app, serviceID, prompt string, config *DispatchConfig, out io.Writer) int {
	options, err := config.buildOptions()
	if err != nil {
		presenter.Error(err, "Invalid options")
		return exitFailure
	}

	var opts []dispatch.Option
	var registry *prometheus.Registry
	if config.MetricsTextfile != "" {
		registry = prometheus.NewRegistry()
		opts = append(opts, dispatch.WithObserver(metrics.NewRecorder(registry)))
	}

	dispatcher := dispatch.New(a.registry, a.policy, a.store, opts...)
	result, err := dispatcher.Dispatch(ctx, dispatch.Request{
		ServiceID: serviceID,
		Prompt:    prompt,
		Files:     config.Files,
		Options:   options,
		Timeout:   config.Timeout,
	})

	for _, w := range result.Warnings {
		presenter.Warning(w)
	}
	if result.Quota != nil && result.State != delegation.StateQuotaRejected {
		presenter.QuotaNotice(*result.Quota)
	}

	if config.JSON {
		if encErr := presenter.Encode(out, presenter.FormatJSON, result); encErr != nil {
			presenter.Error(encErr, "Failed to encode result")
		}
	} else if result.Output != "" {
		fmt.Fprint(out, result.Output)
		if !strings.HasSuffix(result.Output, "\n") {
			fmt.Fprintln(out)
		}
	}

	if registry != nil {
		if writeErr := prometheus.WriteToTextfile(config.MetricsTextfile, registry); writeErr != nil {
			logger.G(ctx).WithError(writeErr).Warn("failed to write metrics textfile")
		}
	}

	if err != nil {
		reportDispatchError(serviceID, err)
	}
	return dispatchExitCode(err)
}

func reportDispatchError(serviceID string, err error) {
	var quotaErr *delegation.QuotaExceededError
	if errors.As(err, &quotaErr) {
		presenter.Error(err, fmt.Sprintf("Quota exceeded for %s", serviceID))
		return
	}
	presenter.Error(err, fmt.Sprintf("Delegation to %s failed", serviceID))
}

// dispatchExitCode maps a dispatch error to the process exit code
func dispatchExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	switch delegation.KindOf(err) {
	case delegation.KindQuotaExceeded:
		return exitQuotaExceeded
	case delegation.KindUnknownService:
		return exitUnknownService
	default:
		return exitFailure
	}
}
