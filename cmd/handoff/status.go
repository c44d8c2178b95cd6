package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/usage"
)

// StatusConfig holds configuration for the status command
type StatusConfig struct {
	Service  string
	Format   string
	Watch    bool
	Interval time.Duration
}

// NewStatusConfig creates a new StatusConfig with default values
func NewStatusConfig() *StatusConfig {
	return &StatusConfig{
		Format:   presenter.FormatTable,
		Interval: 2 * time.Second,
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show quota status of the delegated services",
	Long: `Show requests in the last minute, requests and estimated tokens in the last day,
and the quota level of every service (or of one service with --service).

With --watch the status is re-rendered whenever the usage store changes.
Problems reading the store are reported but never fail the command.

Examples:
  handoff status
  handoff status --service gemini --format json
  handoff status --watch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		config := getStatusConfigFromFlags(cmd)
		if err := presenter.ValidateFormat(config.Format); err != nil {
			return err
		}

		a, err := newApp(ctx, appConfig)
		if err != nil {
			presenter.Error(err, "Failed to load quota status")
			return nil
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if !config.Watch {
			renderStatus(ctx, out, a, config, false)
			return nil
		}
		if err := watchStatus(ctx, out, a, config); err != nil {
			presenter.Error(err, "Status watch stopped")
		}
		return nil
	},
}

func init() {
	defaults := NewStatusConfig()
	statusCmd.Flags().String("service", defaults.Service, "Only show this service")
	statusCmd.Flags().String("format", defaults.Format, "Output format: table, json or yaml")
	statusCmd.Flags().Bool("watch", defaults.Watch, "Re-render whenever the usage store changes")
	statusCmd.Flags().Duration("interval", defaults.Interval, "Minimum time between renders in watch mode")
}

// getStatusConfigFromFlags extracts status configuration from command flags
func getStatusConfigFromFlags(cmd *cobra.Command) *StatusConfig {
	config := NewStatusConfig()

	if service, err := cmd.Flags().GetString("service"); err == nil {
		config.Service = service
	}
	if format, err := cmd.Flags().GetString("format"); err == nil {
		config.Format = strings.ToLower(format)
	}
	if watch, err := cmd.Flags().GetBool("watch"); err == nil {
		config.Watch = watch
	}
	if interval, err := cmd.Flags().GetDuration("interval"); err == nil && interval > 0 {
		config.Interval = interval
	}

	return config
}

// renderStatus writes the current status once. Errors are reported, not returned.
func renderStatus(ctx context.Context, w io.Writer, a *app, config *StatusConfig, clear bool) {
	report, err := a.statusReport(ctx, config.Service)
	if err != nil {
		presenter.Error(err, "Failed to load quota status")
		return
	}

	if config.Format == presenter.FormatTable {
		if clear {
			fmt.Fprint(w, "\033[H\033[2J")
		}
		presenter.StatusTable(w, *report)
		return
	}
	if err := presenter.Encode(w, config.Format, report); err != nil {
		presenter.Error(err, "Failed to render quota status")
	}
}

// watchStatus re-renders on store changes until ctx is cancelled. File-backed
// stores are watched with fsnotify; other stores are polled. Renders are
// paced to one per interval.
func watchStatus(ctx context.Context, w io.Writer, a *app, config *StatusConfig) error {
	limiter := rate.NewLimiter(rate.Every(config.Interval), 1)
	// render reports false once ctx is done
	render := func() bool {
		if err := limiter.Wait(ctx); err != nil {
			return false
		}
		renderStatus(ctx, w, a, config, true)
		return true
	}

	if !render() {
		return nil
	}

	changes, stop, err := storeChanges(ctx, a.store, config.Interval)
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			// collapse a burst of writes into one render
			drain(changes)
			if !render() {
				return nil
			}
		}
	}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// storeChanges signals whenever the store may have changed
func storeChanges(ctx context.Context, store usage.Store, interval time.Duration) (<-chan struct{}, func(), error) {
	changes := make(chan struct{}, 1)
	notify := func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}

	fileBacked, ok := store.(usage.FileBacked)
	if !ok {
		ticker := time.NewTicker(interval)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					notify()
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		return changes, func() { ticker.Stop(); close(done) }, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create file watcher")
	}

	// watch the directory so that the log file may be created after we start
	path := fileBacked.Path()
	dir, base := filepath.Dir(path), filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, errors.Wrapf(err, "failed to watch %s", dir)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				// SQLite writes go to the -wal and -journal companions
				if strings.HasPrefix(filepath.Base(event.Name), base) &&
					event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					notify()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.G(ctx).WithError(err).Warn("usage store watch error")
			}
		}
	}()

	return changes, func() { watcher.Close() }, nil
}
