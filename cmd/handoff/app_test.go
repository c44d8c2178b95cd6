package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/handoff/pkg/config"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
)

// newTestApp builds an app over a JSONL store in a temp dir. extra is merged
// into the configuration before it is loaded.
func newTestApp(t *testing.T, extra map[string]any) *app {
	t.Helper()

	v := viper.New()
	config.Setup(v)
	v.Set("store.path", filepath.Join(t.TempDir(), "usage.jsonl"))
	for k, value := range extra {
		v.Set(k, value)
	}

	cfg, err := config.Load(v)
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func appendTestRecord(t *testing.T, a *app, serviceID string, ago time.Duration, success bool) {
	t.Helper()
	r := delegation.NewUsageRecord(serviceID, time.Now().Add(-ago))
	r.EstimatedTokens = 250
	r.Success = success
	r.DurationSeconds = 2
	if !success {
		code := 1
		r.ExitCode = &code
		r.ErrorKind = delegation.KindProcessExecution
		r.ErrorMessage = "rate limited by upstream"
	}
	require.NoError(t, a.store.Append(context.Background(), r))
}

func TestNewApp_RequiresConfig(t *testing.T) {
	_, err := newApp(context.Background(), nil)
	assert.EqualError(t, err, "configuration not loaded")
}

func TestStatusReport(t *testing.T) {
	a := newTestApp(t, nil)
	appendTestRecord(t, a, "gemini", time.Minute*5, true)

	t.Run("all services", func(t *testing.T) {
		report, err := a.statusReport(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, a.store.Location(), report.Store)
		require.Len(t, report.Services, 2)
		assert.Equal(t, "gemini", report.Services[0].ServiceID)
		assert.Equal(t, 1, report.Services[0].RequestsToday)
		assert.Equal(t, 0, report.Services[0].RequestsLastMinute)
		assert.Equal(t, "qwen", report.Services[1].ServiceID)
	})

	t.Run("single service", func(t *testing.T) {
		report, err := a.statusReport(context.Background(), "qwen")
		require.NoError(t, err)
		require.Len(t, report.Services, 1)
		assert.Equal(t, "qwen", report.Services[0].ServiceID)
	})

	t.Run("unknown service", func(t *testing.T) {
		_, err := a.statusReport(context.Background(), "mistral")
		require.Error(t, err)
		assert.Equal(t, delegation.KindUnknownService, delegation.KindOf(err))
	})
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitQuotaExceeded, exitCode(&exitError{code: exitQuotaExceeded}))
	assert.Equal(t, 1, exitCode(assert.AnError))
	assert.Equal(t, "exit status 3", (&exitError{code: 3}).Error())
	assert.Equal(t, assert.AnError.Error(), (&exitError{code: 1, err: assert.AnError}).Error())
}
