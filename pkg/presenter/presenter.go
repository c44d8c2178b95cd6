// Package presenter renders user-facing CLI output: colored status messages,
// quota and usage tables, and JSON or YAML documents.
//
// Everything except Success and Info goes to stderr, so that stdout carries
// only what the delegated CLI printed or the requested document.
package presenter

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// Presenter defines the interface for consistent CLI output
type Presenter interface {
	Error(err error, context string)
	Success(message string)
	Warning(message string)
	Info(message string)
	QuotaNotice(status delegation.QuotaStatus)
	SetQuiet(quiet bool)
	IsQuiet() bool
}

// ColorMode represents different color output modes
type ColorMode int

const (
	// ColorAuto lets fatih/color decide from the terminal
	ColorAuto ColorMode = iota
	// ColorAlways forces colored output
	ColorAlways
	// ColorNever disables colored output
	ColorNever
)

// TerminalPresenter implements Presenter for terminal output
type TerminalPresenter struct {
	output      io.Writer
	errorOutput io.Writer
	quiet       bool
}

// New creates a TerminalPresenter on stdout and stderr, with the color mode
// taken from NO_COLOR and HANDOFF_COLOR
func New() *TerminalPresenter {
	return NewWithOptions(os.Stdout, os.Stderr, detectColorMode())
}

// NewWithOptions creates a TerminalPresenter with custom settings
func NewWithOptions(output, errorOutput io.Writer, colorMode ColorMode) *TerminalPresenter {
	switch colorMode {
	case ColorAlways:
		color.NoColor = false
	case ColorNever:
		color.NoColor = true
	}

	return &TerminalPresenter{
		output:      output,
		errorOutput: errorOutput,
	}
}

func detectColorMode() ColorMode {
	if os.Getenv("NO_COLOR") != "" {
		return ColorNever
	}

	switch strings.ToLower(os.Getenv("HANDOFF_COLOR")) {
	case "always", "force":
		return ColorAlways
	case "never", "off":
		return ColorNever
	default:
		return ColorAuto
	}
}

// Error writes an error to stderr. Errors are shown even in quiet mode.
func (p *TerminalPresenter) Error(err error, context string) {
	if err == nil {
		return
	}

	c := color.New(color.FgRed, color.Bold)
	if context != "" {
		c.Fprintf(p.errorOutput, "[ERROR] %s: %v\n", context, err)
		return
	}
	c.Fprintf(p.errorOutput, "[ERROR] %v\n", err)
}

// Success writes a success message to stdout
func (p *TerminalPresenter) Success(message string) {
	if p.quiet {
		return
	}
	color.New(color.FgGreen, color.Bold).Fprintf(p.output, "✓ %s\n", message)
}

// Warning writes a warning to stderr
func (p *TerminalPresenter) Warning(message string) {
	if p.quiet {
		return
	}
	color.New(color.FgYellow, color.Bold).Fprintf(p.errorOutput, "⚠ %s\n", message)
}

// Info writes a plain message to stdout
func (p *TerminalPresenter) Info(message string) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.output, message)
}

// QuotaNotice warns on stderr when a service is at warning or critical
// level, naming the most used dimension. Healthy services print nothing.
func (p *TerminalPresenter) QuotaNotice(status delegation.QuotaStatus) {
	if p.quiet || status.Level < delegation.LevelWarning {
		return
	}

	var worst delegation.Dimension
	for _, d := range delegation.Dimensions {
		if ratio, ok := status.Ratios[d]; ok && (worst == "" || ratio > status.Ratios[worst]) {
			worst = d
		}
	}

	msg := fmt.Sprintf("⚠ %s quota is %s", status.ServiceID, status.Level)
	if worst != "" {
		msg += fmt.Sprintf(": %s at %s", worst, quotaCell(status.Used(worst), status.Limits.Limit(worst)))
	}
	LevelColor(status.Level).Fprintln(p.errorOutput, msg)
}

// SetQuiet enables or disables quiet mode
func (p *TerminalPresenter) SetQuiet(quiet bool) {
	p.quiet = quiet
}

// IsQuiet returns whether quiet mode is enabled
func (p *TerminalPresenter) IsQuiet() bool {
	return p.quiet
}

var defaultPresenter = New()

// Error writes an error with the default presenter
func Error(err error, context string) {
	defaultPresenter.Error(err, context)
}

// Success writes a success message with the default presenter
func Success(message string) {
	defaultPresenter.Success(message)
}

// Warning writes a warning with the default presenter
func Warning(message string) {
	defaultPresenter.Warning(message)
}

// Info writes a plain message with the default presenter
func Info(message string) {
	defaultPresenter.Info(message)
}

// QuotaNotice warns about a strained quota with the default presenter
func QuotaNotice(status delegation.QuotaStatus) {
	defaultPresenter.QuotaNotice(status)
}

// SetQuiet toggles quiet mode of the default presenter
func SetQuiet(quiet bool) {
	defaultPresenter.SetQuiet(quiet)
}

// IsQuiet reports whether the default presenter is quiet
func IsQuiet() bool {
	return defaultPresenter.IsQuiet()
}
