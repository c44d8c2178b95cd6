package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jingkaihe/handoff/pkg/config"
	"github.com/jingkaihe/handoff/pkg/presenter"
	"github.com/jingkaihe/handoff/pkg/quota"
	"github.com/jingkaihe/handoff/pkg/services"
	"github.com/jingkaihe/handoff/pkg/usage"
)

// app holds the components built from the configuration
type app struct {
	config   *config.Config
	registry *services.Registry
	policy   *quota.Policy
	store    usage.Store
}

// newApp builds the registry, the quota policy and the usage store
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}

	descriptors, err := cfg.Descriptors()
	if err != nil {
		return nil, errors.Wrap(err, "invalid service configuration")
	}
	registry, err := services.NewRegistry(descriptors, nil)
	if err != nil {
		return nil, err
	}

	policyConfig, err := cfg.Quota.Policy()
	if err != nil {
		return nil, err
	}
	policy, err := quota.NewPolicy(registry.Limits(), quota.WithConfig(policyConfig))
	if err != nil {
		return nil, err
	}

	store, err := usage.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open usage store")
	}

	return &app{
		config:   cfg,
		registry: registry,
		policy:   policy,
		store:    store,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// statusReport evaluates the quota of one service, or of every service when serviceID is empty
func (a *app) statusReport(ctx context.Context, serviceID string) (*presenter.StatusReport, error) {
	ids := a.policy.Services()
	if serviceID != "" {
		if _, err := a.registry.Get(serviceID); err != nil {
			return nil, err
		}
		ids = []string{serviceID}
	}

	doc := &presenter.StatusReport{Store: a.store.Location()}
	for _, id := range ids {
		status, err := a.policy.Evaluate(ctx, id, a.store)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to evaluate quota of %s", id)
		}
		doc.Services = append(doc.Services, status)
	}
	return doc, nil
}
