package main

import (
	"context"
	"io"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
	"github.com/jingkaihe/handoff/pkg/usage"
)

// UsageConfig holds configuration for the usage command
type UsageConfig struct {
	Service string
	Days    int
	Since   string
	Errors  int
	Format  string
}

// NewUsageConfig creates a new UsageConfig with default values
func NewUsageConfig() *UsageConfig {
	return &UsageConfig{
		Days:   7,
		Format: presenter.FormatTable,
	}
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show delegation usage statistics",
	Long: `Show delegation usage: requests, success rate and estimated tokens per service,
broken down by day.

By default shows usage for the past 7 days.

Examples:
  handoff usage                          # Past 7 days
  handoff usage --days 30 --service qwen
  handoff usage --since 2026-06-01       # Since a specific date
  handoff usage --since 12h
  handoff usage --errors 5               # Include the 5 most recent failures per service`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		config := getUsageConfigFromFlags(cmd)
		if err := config.validate(); err != nil {
			return err
		}

		a, err := newApp(ctx, appConfig)
		if err != nil {
			return err
		}
		defer a.Close()

		return runUsageCmd(ctx, cmd.OutOrStdout(), a, config, time.Now)
	},
}

func init() {
	defaults := NewUsageConfig()
	usageCmd.Flags().String("service", defaults.Service, "Only show this service")
	usageCmd.Flags().Int("days", defaults.Days, "Number of days to report")
	usageCmd.Flags().String("since", defaults.Since, "Report since this time instead (e.g., 2026-06-01, 12h, 1d, 1w)")
	usageCmd.Flags().Int("errors", defaults.Errors, "Also show this many recent failures per service")
	usageCmd.Flags().String("format", defaults.Format, "Output format: table, json or yaml")
}

// getUsageConfigFromFlags extracts usage configuration from command flags
func getUsageConfigFromFlags(cmd *cobra.Command) *UsageConfig {
	config := NewUsageConfig()

	if service, err := cmd.Flags().GetString("service"); err == nil {
		config.Service = service
	}
	if days, err := cmd.Flags().GetInt("days"); err == nil {
		config.Days = days
	}
	if since, err := cmd.Flags().GetString("since"); err == nil {
		config.Since = since
	}
	if n, err := cmd.Flags().GetInt("errors"); err == nil {
		config.Errors = n
	}
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = strings.ToLower(format)
	}

	return config
}

func (c *UsageConfig) validate() error {
	if c.Days < 1 {
		return errors.Errorf("days must be at least 1, got %d", c.Days)
	}
	if c.Errors < 0 {
		return errors.Errorf("errors must not be negative, got %d", c.Errors)
	}
	return presenter.ValidateFormat(c.Format)
}

// start returns the beginning of the reporting period
func (c *UsageConfig) start(now func() time.Time) (time.Time, error) {
	if c.Since != "" {
		return parseTimeSpecWithClock(c.Since, now)
	}
	return now().AddDate(0, 0, -c.Days), nil
}

// parseTimeSpec parses time specifications like "1d", "1w", "2026-06-01"
func parseTimeSpec(spec string) (time.Time, error) {
	return parseTimeSpecWithClock(spec, time.Now)
}

var relativeTimeSpec = regexp.MustCompile(`^(\d+)([dhw])$`)

// parseTimeSpecWithClock parses time specifications with a custom clock function for testing
func parseTimeSpecWithClock(spec string, now func() time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, nil
	}

	if t, err := time.ParseInLocation("2006-01-02", spec, time.Local); err == nil {
		return t, nil
	}

	matches := relativeTimeSpec.FindStringSubmatch(spec)
	if len(matches) != 3 {
		return time.Time{}, errors.Errorf("invalid time specification: %s (expected format: YYYY-MM-DD, 1d, 1w, etc.)", spec)
	}

	amount, err := strconv.Atoi(matches[1])
	if err != nil {
		return time.Time{}, errors.Errorf("invalid number in time specification: %s", matches[1])
	}

	currentTime := now()
	switch matches[2] {
	case "d":
		return currentTime.AddDate(0, 0, -amount), nil
	case "h":
		return currentTime.Add(-time.Duration(amount) * time.Hour), nil
	default:
		return currentTime.AddDate(0, 0, -amount*7), nil
	}
}

// buildUsageReport summarizes the store and collects recent failures
func buildUsageReport(ctx context.Context, a *app, config *UsageConfig, now func() time.Time) (*presenter.UsageReport, error) {
	since, err := config.start(now)
	if err != nil {
		return nil, err
	}

	serviceIDs := a.registry.Names()
	if config.Service != "" {
		if _, err := a.registry.Get(config.Service); err != nil {
			return nil, err
		}
		serviceIDs = []string{config.Service}
	}

	records, err := a.store.Query(ctx, usage.QueryOptions{ServiceID: config.Service, Since: since})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage records")
	}

	report := &presenter.UsageReport{Summary: usage.Summarize(records, since)}
	if config.Errors > 0 {
		report.Errors = make(map[string][]delegation.UsageRecord, len(serviceIDs))
		for _, id := range serviceIDs {
			failures, err := usage.Collect(a.store.RecentErrors(ctx, id, config.Errors))
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read recent errors of %s", id)
			}
			report.Errors[id] = failures
		}
	}
	return report, nil
}

// runUsageCmd executes the usage command
func runUsageCmd(ctx context.Context, w io.Writer, a *app, config *UsageConfig, now func() time.Time) error {
	report, err := buildUsageReport(ctx, a, config, now)
	if err != nil {
		return err
	}

	if config.Format != presenter.FormatTable {
		return presenter.Encode(w, config.Format, report)
	}

	presenter.UsageTable(w, report.Summary)
	for _, id := range slices.Sorted(maps.Keys(report.Errors)) {
		io.WriteString(w, "\n")
		presenter.ErrorsTable(w, id, report.Errors[id])
	}
	return nil
}
