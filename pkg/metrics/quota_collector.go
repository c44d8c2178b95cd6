package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jingkaihe/handoff/pkg/logger"
	"github.com/jingkaihe/handoff/pkg/quota"
	"github.com/jingkaihe/handoff/pkg/usage"
)

// QuotaCollector evaluates every service's quota at scrape time, so the
// gauges always reflect the shared usage store
type QuotaCollector struct {
	policy  *quota.Policy
	store   usage.Store
	timeout time.Duration

	ratio *prometheus.Desc
	level *prometheus.Desc
}

// NewQuotaCollector creates a collector over policy and store
func NewQuotaCollector(policy *quota.Policy, store usage.Store) *QuotaCollector {
	return &QuotaCollector{
		policy:  policy,
		store:   store,
		timeout: 5 * time.Second,
		ratio: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "quota", "usage_ratio"),
			"Used share of a quota dimension in its rolling window",
			[]string{"service", "dimension"}, nil,
		),
		level: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "quota", "level"),
			"Quota level of a service: 0 healthy, 1 warning, 2 critical",
			[]string{"service"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *QuotaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ratio
	ch <- c.level
}

// Collect implements prometheus.Collector. Services whose status cannot be
// read are left out of the scrape.
func (c *QuotaCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, id := range c.policy.Services() {
		status, err := c.policy.Evaluate(ctx, id, c.store)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("service", id).Warn("failed to evaluate quota for metrics")
			continue
		}

		for dimension, ratio := range status.Ratios {
			ch <- prometheus.MustNewConstMetric(c.ratio, prometheus.GaugeValue, ratio, id, string(dimension))
		}
		ch <- prometheus.MustNewConstMetric(c.level, prometheus.GaugeValue, float64(status.Level), id)
	}
}
