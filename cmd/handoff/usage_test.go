package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

func TestParseTimeSpec(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		wantErr  bool
		validate func(time.Time) bool
	}{
		{
			name:    "empty string",
			spec:    "",
			wantErr: false,
			validate: func(t time.Time) bool {
				return t.IsZero()
			},
		},
		{
			name:    "absolute date",
			spec:    "2026-06-01",
			wantErr: false,
			validate: func(t time.Time) bool {
				return t.Year() == 2026 && t.Month() == 6 && t.Day() == 1
			},
		},
		{
			name:    "1 day ago",
			spec:    "1d",
			wantErr: false,
			validate: func(t time.Time) bool {
				return t.Before(time.Now()) && t.After(time.Now().AddDate(0, 0, -2))
			},
		},
		{
			name:    "1 week ago",
			spec:    "1w",
			wantErr: false,
			validate: func(t time.Time) bool {
				return t.Before(time.Now()) && t.After(time.Now().AddDate(0, 0, -8))
			},
		},
		{
			name:    "1 hour ago",
			spec:    "1h",
			wantErr: false,
			validate: func(t time.Time) bool {
				return t.Before(time.Now()) && t.After(time.Now().Add(-2*time.Hour))
			},
		},
		{
			name:    "invalid format",
			spec:    "invalid",
			wantErr: true,
		},
		{
			name:    "invalid unit",
			spec:    "1x",
			wantErr: true,
		},
		{
			name:    "invalid number",
			spec:    "xd",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseTimeSpec(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseTimeSpec() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.validate != nil && !tt.validate(result) {
				t.Errorf("parseTimeSpec() result validation failed for spec %s, got %v", tt.spec, result)
			}
		})
	}
}

func TestParseTimeSpecWithClock(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	got, err := parseTimeSpecWithClock("3d", clock)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -3), got)

	got, err = parseTimeSpecWithClock("2w", clock)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -14), got)

	got, err = parseTimeSpecWithClock("12h", clock)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-12*time.Hour), got)
}

func TestUsageConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  UsageConfig
		wantErr string
	}{
		{name: "defaults", config: *NewUsageConfig()},
		{name: "zero days", config: UsageConfig{Days: 0, Format: "table"}, wantErr: "days must be at least 1, got 0"},
		{name: "negative errors", config: UsageConfig{Days: 1, Errors: -1, Format: "table"}, wantErr: "errors must not be negative, got -1"},
		{name: "bad format", config: UsageConfig{Days: 1, Format: "csv"}, wantErr: "csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestUsageConfigStart(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	start, err := (&UsageConfig{Days: 7}).start(clock)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), start)

	start, err = (&UsageConfig{Days: 7, Since: "6h"}).start(clock)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-6*time.Hour), start, "--since overrides --days")
}

func TestBuildUsageReport(t *testing.T) {
	a := newTestApp(t, nil)
	appendTestRecord(t, a, "gemini", time.Hour, true)
	appendTestRecord(t, a, "gemini", 2*time.Hour, false)
	appendTestRecord(t, a, "qwen", time.Hour, true)
	appendTestRecord(t, a, "qwen", 30*24*time.Hour, false)
	ctx := context.Background()

	t.Run("all services", func(t *testing.T) {
		report, err := buildUsageReport(ctx, a, &UsageConfig{Days: 7, Format: "json"}, time.Now)
		require.NoError(t, err)
		assert.Equal(t, 3, report.Summary.Requests)
		assert.Equal(t, 2, report.Summary.Successes)
		assert.Equal(t, 750, report.Summary.Tokens)
		assert.Nil(t, report.Errors)
	})

	t.Run("one service with errors", func(t *testing.T) {
		report, err := buildUsageReport(ctx, a, &UsageConfig{Service: "qwen", Days: 60, Errors: 5, Format: "json"}, time.Now)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Summary.Requests)
		require.Len(t, report.Summary.Services, 1)
		assert.Equal(t, "qwen", report.Summary.Services[0].ServiceID)
		require.Contains(t, report.Errors, "qwen")
		assert.Len(t, report.Errors["qwen"], 1)
		assert.NotContains(t, report.Errors, "gemini")
	})

	t.Run("recent errors for every service", func(t *testing.T) {
		report, err := buildUsageReport(ctx, a, &UsageConfig{Days: 1, Errors: 1, Format: "json"}, time.Now)
		require.NoError(t, err)
		assert.Len(t, report.Errors["gemini"], 1)
		assert.Len(t, report.Errors["qwen"], 1, "recent errors are not limited to the report period")
	})

	t.Run("unknown service", func(t *testing.T) {
		_, err := buildUsageReport(ctx, a, &UsageConfig{Service: "mistral", Days: 7}, time.Now)
		assert.Equal(t, delegation.KindUnknownService, delegation.KindOf(err))
	})
}

func TestRunUsageCmd(t *testing.T) {
	a := newTestApp(t, nil)
	appendTestRecord(t, a, "gemini", time.Hour, true)
	appendTestRecord(t, a, "gemini", 2*time.Hour, false)
	ctx := context.Background()

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, runUsageCmd(ctx, &buf, a, &UsageConfig{Days: 7, Errors: 3, Format: "table"}, time.Now))

		out := buf.String()
		assert.Contains(t, out, "Requests: 2 | Successes: 1 | Success rate: 50.0% | Estimated tokens: 500")
		assert.Contains(t, out, "SERVICE")
		assert.Contains(t, out, "rate limited by upstream")
		assert.Contains(t, out, "No recent errors for qwen.")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, runUsageCmd(ctx, &buf, a, &UsageConfig{Days: 7, Format: "json"}, time.Now))

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		summary, ok := decoded["summary"].(map[string]any)
		require.True(t, ok, "got %s", buf.String())
		assert.Equal(t, float64(2), summary["requests"])
		assert.Equal(t, 0.5, summary["success_rate"])
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, runUsageCmd(ctx, &buf, a, &UsageConfig{Days: 7, Format: "yaml"}, time.Now))

		var decoded map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
		assert.Contains(t, decoded, "summary")
	})

	t.Run("empty period", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, runUsageCmd(ctx, &buf, a, &UsageConfig{Days: 7, Service: "qwen", Format: "table"}, time.Now))
		assert.Contains(t, buf.String(), "No delegations since")
	})
}
