package presenter

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

func TestNew(t *testing.T) {
	presenter := New()
	assert.NotNil(t, presenter)
	assert.Equal(t, os.Stdout, presenter.output)
	assert.Equal(t, os.Stderr, presenter.errorOutput)
	assert.False(t, presenter.quiet)
}

func TestDetectColorMode(t *testing.T) {
	tests := []struct {
		name         string
		noColor      string
		handoffColor string
		expected     ColorMode
	}{
		{"NO_COLOR set", "1", "", ColorNever},
		{"HANDOFF_COLOR always", "", "always", ColorAlways},
		{"HANDOFF_COLOR force", "", "force", ColorAlways},
		{"HANDOFF_COLOR never", "", "never", ColorNever},
		{"HANDOFF_COLOR off", "", "off", ColorNever},
		{"HANDOFF_COLOR auto", "", "auto", ColorAuto},
		{"default", "", "", ColorAuto},
		{"invalid value", "", "rainbow", ColorAuto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("NO_COLOR", tt.noColor)
			t.Setenv("HANDOFF_COLOR", tt.handoffColor)

			assert.Equal(t, tt.expected, detectColorMode())
		})
	}
}

func TestError(t *testing.T) {
	var errorOutput bytes.Buffer
	presenter := NewWithOptions(nil, &errorOutput, ColorNever)

	err := errors.New("quota exceeded")
	presenter.Error(err, "dispatch to gemini")
	assert.Contains(t, errorOutput.String(), "[ERROR] dispatch to gemini: quota exceeded")

	errorOutput.Reset()
	presenter.Error(err, "")
	assert.Equal(t, "[ERROR] quota exceeded\n", errorOutput.String())

	errorOutput.Reset()
	presenter.Error(nil, "context")
	assert.Empty(t, errorOutput.String())
}

func TestMessagesRespectQuietMode(t *testing.T) {
	var output, errorOutput bytes.Buffer
	presenter := NewWithOptions(&output, &errorOutput, ColorNever)

	presenter.Success("done")
	presenter.Info("info")
	assert.Equal(t, "✓ done\ninfo\n", output.String())

	presenter.Warning("usage record not written")
	assert.Contains(t, errorOutput.String(), "⚠ usage record not written")
	assert.NotContains(t, output.String(), "usage record not written", "warnings stay off stdout")

	output.Reset()
	errorOutput.Reset()
	presenter.SetQuiet(true)
	assert.True(t, presenter.IsQuiet())

	presenter.Success("done")
	presenter.Info("info")
	presenter.Warning("warning")
	presenter.QuotaNotice(delegation.QuotaStatus{ServiceID: "gemini", Level: delegation.LevelCritical})
	assert.Empty(t, output.String())
	assert.Empty(t, errorOutput.String())

	presenter.Error(errors.New("still shown"), "")
	assert.Contains(t, errorOutput.String(), "still shown")
}

func TestColorModeConfiguration(t *testing.T) {
	oldNoColor := color.NoColor
	defer func() { color.NoColor = oldNoColor }()

	NewWithOptions(&bytes.Buffer{}, &bytes.Buffer{}, ColorNever)
	assert.True(t, color.NoColor)

	NewWithOptions(&bytes.Buffer{}, &bytes.Buffer{}, ColorAlways)
	assert.False(t, color.NoColor)
}

func TestGlobalFunctions(t *testing.T) {
	originalPresenter := defaultPresenter
	defer func() { defaultPresenter = originalPresenter }()

	var output, errorOutput bytes.Buffer
	defaultPresenter = NewWithOptions(&output, &errorOutput, ColorNever)

	Error(errors.New("boom"), "status")
	assert.Contains(t, errorOutput.String(), "[ERROR] status: boom")

	Success("recorded")
	Info("info message")
	assert.Contains(t, output.String(), "✓ recorded")
	assert.Contains(t, output.String(), "info message")

	Warning("careful")
	assert.Contains(t, errorOutput.String(), "⚠ careful")

	SetQuiet(true)
	assert.True(t, IsQuiet())
	output.Reset()
	Info("should not appear")
	assert.Empty(t, output.String())

	SetQuiet(false)
	assert.False(t, IsQuiet())
}

func TestQuotaNotice(t *testing.T) {
	var output, errorOutput bytes.Buffer
	presenter := NewWithOptions(&output, &errorOutput, ColorNever)

	status := delegation.QuotaStatus{
		ServiceID:     "gemini",
		RequestsToday: 900,
		TokensToday:   10000,
		Level:         delegation.LevelWarning,
		Ratios: map[delegation.Dimension]float64{
			delegation.DimensionRequestsPerMinute: 0.1,
			delegation.DimensionRequestsPerDay:    0.9,
			delegation.DimensionTokensPerDay:      0.01,
		},
		Limits: delegation.QuotaLimits{RequestsPerMinute: 60, RequestsPerDay: 1000, TokensPerDay: 1000000},
	}
	presenter.QuotaNotice(status)
	assert.Equal(t, "⚠ gemini quota is warning: requests_per_day at 900 / 1,000 (90.0%)\n", errorOutput.String())
	assert.Empty(t, output.String())

	errorOutput.Reset()
	status.Level = delegation.LevelHealthy
	presenter.QuotaNotice(status)
	assert.Empty(t, errorOutput.String(), "healthy services print nothing")
}
