package presenter

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
	"github.com/jingkaihe/handoff/pkg/usage"
)

// Output formats shared by the status, usage and services commands
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// ValidateFormat rejects unknown output formats
func ValidateFormat(format string) error {
	switch format {
	case FormatTable, FormatJSON, FormatYAML:
		return nil
	}
	return errors.Errorf("invalid format %q: must be table, json or yaml", format)
}

// Encode writes v as indented JSON or as YAML
func Encode(w io.Writer, format string, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(v), "failed to encode JSON")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "failed to encode YAML")
		}
		return enc.Close()
	}
	return errors.Errorf("format %q cannot encode documents", format)
}

// StatusReport is the status command document
type StatusReport struct {
	Store    string                   `json:"store" yaml:"store"`
	Services []delegation.QuotaStatus `json:"services" yaml:"services"`
}

// UsageReport is the usage command document
type UsageReport struct {
	Summary *usage.Summary                      `json:"summary" yaml:"summary"`
	Errors  map[string][]delegation.UsageRecord `json:"recent_errors,omitempty" yaml:"recent_errors,omitempty"`
}

// LevelColor returns the color a quota level is rendered in
func LevelColor(level delegation.Level) *color.Color {
	switch level {
	case delegation.LevelCritical:
		return color.New(color.FgRed, color.Bold)
	case delegation.LevelWarning:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgGreen)
	}
}

func quotaCell(used, limit int) string {
	if limit <= 0 {
		return usage.FormatNumber(used) + " / unlimited"
	}
	return fmt.Sprintf("%s / %s (%.1f%%)",
		usage.FormatNumber(used), usage.FormatNumber(limit), float64(used)/float64(limit)*100)
}

// StatusTable renders one row per service with used/limit per quota dimension
func StatusTable(w io.Writer, report StatusReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "SERVICE\tLEVEL\tREQUESTS/MIN\tTOKENS/MIN\tREQUESTS/DAY\tTOKENS/DAY")
	for _, s := range report.Services {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ServiceID,
			LevelColor(s.Level).Sprint(s.Level.String()),
			quotaCell(s.RequestsLastMinute, s.Limits.RequestsPerMinute),
			quotaCell(s.TokensLastMinute, s.Limits.TokensPerMinute),
			quotaCell(s.RequestsToday, s.Limits.RequestsPerDay),
			quotaCell(s.TokensToday, s.Limits.TokensPerDay),
		)
	}
	tw.Flush()

	if report.Store != "" {
		fmt.Fprintf(w, "\nStore: %s\n", report.Store)
	}
}

// UsageTable renders the totals, the per-service breakdown and the daily breakdown
func UsageTable(w io.Writer, summary *usage.Summary) {
	if summary.Requests == 0 {
		fmt.Fprintf(w, "No delegations since %s.\n", summary.Since.Local().Format("2006-01-02 15:04"))
		return
	}

	fmt.Fprintf(w, "Requests: %s | Successes: %s | Success rate: %.1f%% | Estimated tokens: %s\n\n",
		usage.FormatNumber(summary.Requests),
		usage.FormatNumber(summary.Successes),
		summary.SuccessRate*100,
		usage.FormatNumber(summary.Tokens),
	)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tREQUESTS\tSUCCESS\tFAILED\tTOKENS\tAVG DURATION")
	for _, s := range summary.Services {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.1fs\n",
			s.ServiceID,
			usage.FormatNumber(s.Requests),
			usage.FormatNumber(s.Successes),
			usage.FormatNumber(s.Failures),
			usage.FormatNumber(s.Tokens),
			s.AverageDuration,
		)
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tREQUESTS\tSUCCESS\tTOKENS")
	for _, d := range summary.Daily {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			d.Date.Format("2006-01-02"),
			usage.FormatNumber(d.Requests),
			usage.FormatNumber(d.Successes),
			usage.FormatNumber(d.Tokens),
		)
	}
	tw.Flush()
}

// ErrorsTable renders failed records newest first
func ErrorsTable(w io.Writer, serviceID string, records []delegation.UsageRecord) {
	if len(records) == 0 {
		fmt.Fprintf(w, "No recent errors for %s.\n", serviceID)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tEXIT\tMESSAGE")
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format(time.DateTime),
			r.ErrorKind,
			exit,
			oneLine(r.ErrorMessage, 80),
		)
	}
	tw.Flush()
}

// ServicesTable renders the registered services
func ServicesTable(w io.Writer, descriptors []delegation.ServiceDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tCOMMAND\tAUTH\tTIMEOUT\tREQUESTS/MIN\tTOKENS/MIN\tREQUESTS/DAY\tTOKENS/DAY")
	for _, d := range descriptors {
		auth := string(d.AuthMethod)
		if d.AuthEnvVar != "" {
			auth += " (" + d.AuthEnvVar + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Name, d.CommandPrefix, auth, d.Timeout,
			limitCell(d.Limits.RequestsPerMinute),
			limitCell(d.Limits.TokensPerMinute),
			limitCell(d.Limits.RequestsPerDay),
			limitCell(d.Limits.TokensPerDay),
		)
	}
	tw.Flush()
}

func limitCell(limit int) string {
	if limit <= 0 {
		return "unlimited"
	}
	return usage.FormatNumber(limit)
}

// oneLine flattens whitespace and truncates s to max runes
func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
