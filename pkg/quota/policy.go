// Package quota decides whether a delegation may run. Status is always derived
// from the usage store, never kept in memory, so every dispatcher process
// sharing a store sees the same quota.
package quota

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/types/delegation"
	"github.com/jingkaihe/handoff/pkg/usage"
)

// Default policy constants
const (
	DefaultWarningThreshold  = 0.80
	DefaultCriticalThreshold = 0.95
	DefaultMinuteWindow      = time.Minute
	DefaultDayWindow         = 24 * time.Hour
)

// Config holds the thresholds and window lengths of a policy
type Config struct {
	WarningThreshold  float64       `mapstructure:"warning_threshold" json:"warning_threshold,omitempty" yaml:"warning_threshold"`
	CriticalThreshold float64       `mapstructure:"critical_threshold" json:"critical_threshold,omitempty" yaml:"critical_threshold"`
	MinuteWindow      time.Duration `mapstructure:"minute_window" json:"minute_window,omitempty" yaml:"minute_window"`
	DayWindow         time.Duration `mapstructure:"day_window" json:"day_window,omitempty" yaml:"day_window"`
}

// DefaultConfig returns the 80%/95% thresholds over 60s/24h rolling windows
func DefaultConfig() Config {
	return Config{
		WarningThreshold:  DefaultWarningThreshold,
		CriticalThreshold: DefaultCriticalThreshold,
		MinuteWindow:      DefaultMinuteWindow,
		DayWindow:         DefaultDayWindow,
	}
}

// Validate checks that thresholds are ordered and windows are positive
func (c Config) Validate() error {
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		return errors.Errorf("warning threshold must be in (0, 1], got %v", c.WarningThreshold)
	}
	if c.CriticalThreshold < c.WarningThreshold || c.CriticalThreshold > 1 {
		return errors.Errorf("critical threshold must be in [%v, 1], got %v", c.WarningThreshold, c.CriticalThreshold)
	}
	if c.MinuteWindow <= 0 {
		return errors.Errorf("minute window must be positive, got %s", c.MinuteWindow)
	}
	if c.DayWindow <= 0 {
		return errors.Errorf("day window must be positive, got %s", c.DayWindow)
	}
	return nil
}

// Level maps a usage ratio to its quota level
func (c Config) Level(ratio float64) delegation.Level {
	switch {
	case ratio >= c.CriticalThreshold:
		return delegation.LevelCritical
	case ratio >= c.WarningThreshold:
		return delegation.LevelWarning
	default:
		return delegation.LevelHealthy
	}
}

// Window returns the rolling window length of a dimension
func (c Config) Window(d delegation.Dimension) time.Duration {
	if d.IsPerMinute() {
		return c.MinuteWindow
	}
	return c.DayWindow
}

// Policy holds the per-service limits and is the single admission decision point
type Policy struct {
	limits map[string]delegation.QuotaLimits
	config Config
	now    func() time.Time
}

// Option configures a Policy
type Option func(*Policy)

// WithConfig overrides the default thresholds and windows
func WithConfig(config Config) Option {
	return func(p *Policy) {
		p.config = config
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		p.now = now
	}
}

// NewPolicy creates a policy for the given limits, keyed by their ServiceID
func NewPolicy(limits []delegation.QuotaLimits, opts ...Option) (*Policy, error) {
	p := &Policy{
		limits: make(map[string]delegation.QuotaLimits, len(limits)),
		config: DefaultConfig(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid quota configuration")
	}

	for _, l := range limits {
		if l.ServiceID == "" {
			return nil, errors.New("quota limits require a service id")
		}
		if _, exists := p.limits[l.ServiceID]; exists {
			return nil, errors.Errorf("duplicate quota limits for service %s", l.ServiceID)
		}
		p.limits[l.ServiceID] = l
	}
	return p, nil
}

// Config returns the thresholds and windows in use
func (p *Policy) Config() Config {
	return p.config
}

// Limits returns the limits of a service
func (p *Policy) Limits(serviceID string) (delegation.QuotaLimits, error) {
	l, ok := p.limits[serviceID]
	if !ok {
		return delegation.QuotaLimits{}, &delegation.UnknownServiceError{ServiceID: serviceID}
	}
	return l, nil
}

// Services returns the ids of every service with limits, sorted
func (p *Policy) Services() []string {
	ids := make([]string, 0, len(p.limits))
	for id := range p.limits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Evaluate derives the current quota status of a service from the store
func (p *Policy) Evaluate(ctx context.Context, serviceID string, store usage.Store) (delegation.QuotaStatus, error) {
	return p.evaluateAt(ctx, serviceID, store, p.now())
}

func (p *Policy) evaluateAt(ctx context.Context, serviceID string, store usage.Store, now time.Time) (delegation.QuotaStatus, error) {
	limits, err := p.Limits(serviceID)
	if err != nil {
		return delegation.QuotaStatus{}, err
	}

	minute, err := store.WindowCount(ctx, serviceID, now.Add(-p.config.MinuteWindow))
	if err != nil {
		return delegation.QuotaStatus{}, err
	}
	day, err := store.WindowCount(ctx, serviceID, now.Add(-p.config.DayWindow))
	if err != nil {
		return delegation.QuotaStatus{}, err
	}

	status := delegation.QuotaStatus{
		ServiceID:          serviceID,
		RequestsLastMinute: minute.Requests,
		TokensLastMinute:   minute.Tokens,
		RequestsToday:      day.Requests,
		TokensToday:        day.Tokens,
		Ratios:             make(map[delegation.Dimension]float64, len(delegation.Dimensions)),
		Limits:             limits,
	}

	worst := 0.0
	for _, d := range delegation.Dimensions {
		limit := limits.Limit(d)
		if limit <= 0 {
			continue
		}
		ratio := float64(status.Used(d)) / float64(limit)
		status.Ratios[d] = ratio
		worst = max(worst, ratio)
	}
	status.Level = p.config.Level(worst)

	return status, nil
}

// Decision is the outcome of an admission check
type Decision struct {
	Admitted   bool
	Status     delegation.QuotaStatus
	Exceeded   delegation.Dimension // empty when admitted
	RetryAfter time.Duration
}

// Err returns the QuotaExceededError of a rejected decision, nil otherwise
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return &delegation.QuotaExceededError{
		Status:     d.Status,
		Dimension:  d.Exceeded,
		RetryAfter: d.RetryAfter,
	}
}

// Admit reports whether a request estimated at estimatedTokens may run now
func (p *Policy) Admit(ctx context.Context, serviceID string, estimatedTokens int, store usage.Store) (bool, error) {
	decision, err := p.Check(ctx, serviceID, estimatedTokens, store)
	if err != nil {
		return false, err
	}
	return decision.Admitted, nil
}

// Check evaluates the service and rejects the request if running it would
// take any limited dimension past its limit. With a limit of N, N requests
// in a window are admitted and the next one is rejected.
func (p *Policy) Check(ctx context.Context, serviceID string, estimatedTokens int, store usage.Store) (Decision, error) {
	now := p.now()
	status, err := p.evaluateAt(ctx, serviceID, store, now)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Admitted: true, Status: status}
	for _, d := range delegation.Dimensions {
		limit := status.Limits.Limit(d)
		if limit <= 0 {
			continue
		}
		if projected(status, d, estimatedTokens) > limit {
			decision.Admitted = false
			decision.Exceeded = d
			decision.RetryAfter = p.retryAfter(ctx, store, status, d, estimatedTokens, now)
			break
		}
	}
	return decision, nil
}

// projected is the usage of a dimension once the request is counted
func projected(status delegation.QuotaStatus, d delegation.Dimension, estimatedTokens int) int {
	if d.IsTokens() {
		return status.Used(d) + estimatedTokens
	}
	return status.Used(d) + 1
}

// retryAfter finds when enough of the oldest records leave the rolling window
// for the request to fit. It falls back to the full window when the records
// cannot be read or no amount of expiry would help.
func (p *Policy) retryAfter(ctx context.Context, store usage.Store, status delegation.QuotaStatus, d delegation.Dimension, estimatedTokens int, now time.Time) time.Duration {
	window := p.config.Window(d)
	excess := projected(status, d, estimatedTokens) - status.Limits.Limit(d)

	records, err := store.Query(ctx, usage.QueryOptions{ServiceID: status.ServiceID, Since: now.Add(-window)})
	if err != nil {
		logger.G(ctx).WithError(err).WithField("service", status.ServiceID).Debug("failed to read window for retry-after hint")
		return window
	}

	freed := 0
	for _, r := range records {
		if d.IsTokens() {
			freed += r.EstimatedTokens
		} else {
			freed++
		}
		if freed >= excess {
			return max(r.Timestamp.Add(window).Sub(now), 0)
		}
	}
	return window
}
