// Package dispatch runs one delegation end to end: authentication check,
// token estimate, quota admission, command build, external process and
// usage record.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/quota"
	"github.com/jingkaihe/handoff/pkg/services"
	"github.com/jingkaihe/handoff/pkg/telemetry"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
	"github.com/jingkaihe/handoff/pkg/usage"
)

const (
	// DefaultTimeout applies when neither the request nor the service sets one
	DefaultTimeout = 5 * time.Minute

	// recordTimeout bounds the final usage append, which ignores cancellation
	recordTimeout = 30 * time.Second

	// maxErrorMessage caps the error text persisted on a usage record
	maxErrorMessage = 2000
)

const tracerName = "handoff.dispatch"

// Request is one delegation attempt
type Request struct {
	ServiceID string
	Prompt    string
	Files     []string       // paths; directories are referenced as dir/**/*
	Options   map[string]any // raw options decoded by the service variant
	Timeout   time.Duration  // zero uses the service timeout
}

// Observer is told about every finished dispatch, e.g. to update metrics
type Observer interface {
	ObserveDispatch(result *delegation.DispatchResult)
}

// Dispatcher orchestrates a delegation. It holds no per-call state and is
// safe for concurrent use.
type Dispatcher struct {
	registry       *services.Registry
	policy         *quota.Policy
	store          usage.Store
	runner         Runner
	observers      []Observer
	defaultTimeout time.Duration
	now            func() time.Time
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithRunner replaces the process runner
func WithRunner(runner Runner) Option {
	return func(d *Dispatcher) {
		d.runner = runner
	}
}

// WithObserver registers an observer of finished dispatches
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		d.observers = append(d.observers, observer)
	}
}

// WithDefaultTimeout replaces DefaultTimeout
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.defaultTimeout = timeout
	}
}

// WithClock replaces time.Now for record timestamps
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a dispatcher
func New(registry *services.Registry, policy *quota.Policy, store usage.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		policy:         policy,
		store:          store,
		runner:         &ProcessRunner{},
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one delegation. The returned error is the classified failure
// and equals result.Err; the result is never nil. A quota rejection or a
// cancellation before launch starts no process and writes no record. Once a
// process has run, a record is appended whatever the outcome, and a failure
// to append only adds a warning.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*delegation.DispatchResult, error) {
	tracer := telemetry.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(attribute.String("service", req.ServiceID)))
	defer span.End()

	ctx = logger.WithLogger(ctx, logger.G(ctx).WithField("service", req.ServiceID))
	result := &delegation.DispatchResult{ServiceID: req.ServiceID, State: delegation.StatePending}
	defer func() {
		telemetry.SetAttributes(ctx,
			attribute.String("dispatch.state", string(result.State)),
			attribute.Int("dispatch.estimated_tokens", result.EstimatedTokens),
		)
		if result.Err != nil {
			telemetry.RecordError(ctx, result.Err, string(result.ErrorKind))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		for _, o := range d.observers {
			o.ObserveDispatch(result)
		}
	}()

	fail := func(state delegation.DispatchState, err error) (*delegation.DispatchResult, error) {
		if cause := ctx.Err(); errors.Is(cause, context.Canceled) {
			err = &delegation.CancelledError{Cause: cause}
		}
		result.Fail(state, err)
		logger.G(ctx).WithError(err).WithField("error_kind", result.ErrorKind).Info("dispatch did not run")
		return result, err
	}

	service, err := d.registry.Get(req.ServiceID)
	if err != nil {
		return fail(delegation.StateFailed, err)
	}
	descriptor := service.Descriptor()

	if err := service.CheckAuth(ctx); err != nil {
		return fail(delegation.StateFailed, err)
	}

	refs, missing := FileRefs(req.Files)
	for _, m := range missing {
		result.Warnings = append(result.Warnings, "file not found, skipped: "+m)
	}
	result.EstimatedTokens = EstimateTokens(ctx, req.Prompt, req.Files)

	decision, err := d.policy.Check(ctx, req.ServiceID, result.EstimatedTokens, d.store)
	if err != nil {
		return fail(delegation.StateFailed, err)
	}
	status := decision.Status
	result.Quota = &status
	telemetry.AddEvent(ctx, "quota.decision",
		attribute.Bool("admitted", decision.Admitted),
		attribute.String("level", status.Level.String()),
		attribute.String("exceeded", string(decision.Exceeded)),
	)
	if !decision.Admitted {
		return fail(delegation.StateQuotaRejected, decision.Err())
	}

	command, err := service.Build(req.Prompt, refs, req.Options)
	if err != nil {
		return fail(delegation.StateFailed, err)
	}
	result.Command = &command

	if err := ctx.Err(); err != nil {
		return fail(delegation.StateFailed, &delegation.CancelledError{Cause: err})
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = descriptor.Timeout
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	result.State = delegation.StateRunning
	startedAt := d.now()
	logger.G(ctx).WithField("timeout", timeout).WithField("estimated_tokens", result.EstimatedTokens).Info("dispatching to external service")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	var out ProcessOutput
	runErr := telemetry.WithSpan(runCtx, tracer, "dispatch.run", func(ctx context.Context) error {
		var err error
		out, err = d.runner.Run(ctx, command)
		return err
	}, attribute.String("executable", command.Executable), attribute.String("timeout", timeout.String()))
	timedOut := runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	result.Output = out.Stdout
	result.Stderr = out.Stderr
	result.ExitCode = out.ExitCode
	result.DurationSeconds = out.Duration.Seconds()

	if err := classify(ctx, timedOut, timeout, out, runErr); err != nil {
		result.Fail(delegation.StateFailed, err)
	} else {
		result.State = delegation.StateSucceeded
		result.Success = true
	}

	d.record(ctx, result, startedAt, &decision.Status)
	return result, result.Err
}

// classify maps a finished process onto success or a taxonomy error
func classify(ctx context.Context, timedOut bool, timeout time.Duration, out ProcessOutput, runErr error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return &delegation.CancelledError{Cause: ctx.Err()}
	case timedOut:
		return &delegation.TimeoutError{Timeout: timeout}
	case runErr != nil:
		return &delegation.ProcessExecutionError{ExitCode: out.ExitCode, Stderr: out.Stderr, Err: runErr}
	case strings.TrimSpace(out.Stdout) == "":
		return &delegation.ProcessExecutionError{ExitCode: out.ExitCode, Stderr: out.Stderr, Err: errors.New("no output")}
	}
	return nil
}

// record appends the usage record of a process that ran. It uses a context
// detached from cancellation so an interrupted dispatch is still accounted.
func (d *Dispatcher) record(ctx context.Context, result *delegation.DispatchResult, startedAt time.Time, status *delegation.QuotaStatus) {
	rec := delegation.NewUsageRecord(result.ServiceID, startedAt)
	rec.EstimatedTokens = result.EstimatedTokens
	rec.Success = result.Success
	rec.DurationSeconds = result.DurationSeconds
	if result.ExitCode >= 0 {
		code := result.ExitCode
		rec.ExitCode = &code
	}
	if result.Err != nil {
		rec.ErrorMessage = truncate(result.Error, maxErrorMessage)
		rec.ErrorKind = result.ErrorKind
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := d.store.Append(appendCtx, rec); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record usage")
		telemetry.AddEvent(ctx, "usage.record_failed", attribute.String("error", err.Error()))
		result.Warnings = append(result.Warnings, "usage not recorded: "+err.Error())
		return
	}
	usage.LogDispatchUsage(ctx, rec, status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
