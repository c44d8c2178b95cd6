package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/usage"
)

func TestGetStatusConfigFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	defaults := NewStatusConfig()
	cmd.Flags().String("service", defaults.Service, "")
	cmd.Flags().String("format", defaults.Format, "")
	cmd.Flags().Bool("watch", defaults.Watch, "")
	cmd.Flags().Duration("interval", defaults.Interval, "")

	require.NoError(t, cmd.ParseFlags([]string{"--service", "qwen", "--format", "JSON", "--watch", "--interval", "0s"}))
	config := getStatusConfigFromFlags(cmd)

	assert.Equal(t, "qwen", config.Service)
	assert.Equal(t, "json", config.Format)
	assert.True(t, config.Watch)
	assert.Equal(t, 2*time.Second, config.Interval, "non-positive intervals keep the default")
}

func TestRenderStatus(t *testing.T) {
	a := newTestApp(t, nil)
	appendTestRecord(t, a, "gemini", 10*time.Second, true)
	ctx := context.Background()

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		renderStatus(ctx, &buf, a, &StatusConfig{Service: "gemini", Format: presenter.FormatJSON}, false)

		var report presenter.StatusReport
		require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
		require.Len(t, report.Services, 1)
		assert.Equal(t, 1, report.Services[0].RequestsLastMinute)
		assert.Equal(t, 250, report.Services[0].TokensToday)
	})

	t.Run("table clears the screen", func(t *testing.T) {
		var buf bytes.Buffer
		renderStatus(ctx, &buf, a, &StatusConfig{Format: presenter.FormatTable}, true)

		out := buf.String()
		assert.True(t, strings.HasPrefix(out, "\033[H\033[2J"))
		assert.Contains(t, out, "gemini")
		assert.Contains(t, out, "qwen")
	})

	t.Run("unknown service renders nothing", func(t *testing.T) {
		var buf bytes.Buffer
		renderStatus(ctx, &buf, a, &StatusConfig{Service: "mistral", Format: presenter.FormatJSON}, false)
		assert.Empty(t, buf.String())
	})
}

func TestStoreChanges_FileBacked(t *testing.T) {
	a := newTestApp(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, stop, err := storeChanges(ctx, a.store, time.Hour)
	require.NoError(t, err)
	defer stop()

	appendTestRecord(t, a, "gemini", 0, true)

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification after append")
	}
}

func TestStoreChanges_Polled(t *testing.T) {
	mr := miniredis.RunT(t)
	store := usage.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "handoff-test")
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, stop, err := storeChanges(ctx, store, 10*time.Millisecond)
	require.NoError(t, err)
	defer stop()

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no poll tick")
	}
}

func TestWatchStatus_StopsOnCancel(t *testing.T) {
	a := newTestApp(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- watchStatus(ctx, &buf, a, &StatusConfig{Format: presenter.FormatJSON, Interval: 10 * time.Millisecond})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestDrain(t *testing.T) {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}
	drain(ch)
	assert.Empty(t, ch)
}
