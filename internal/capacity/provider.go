package capacity

import (
	"context"
	"fmt"

	"github.com/joinflow/joinflow/custom_errors"
	"github.com/joinflow/joinflow/internal/constants"
	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus"
)

// Source loads the capacity configuration from wherever it is kept.
type Source interface {
	LoadCapacityConfig(ctx context.Context) (*types.CapacityConfig, error)
}

type Provider struct {
	source Source
	cache  *Cache
	logger logrus.FieldLogger
}

func NewProvider(source Source, cache *Cache, logger logrus.FieldLogger) *Provider {
	return &Provider{source: source, cache: cache, logger: logger}
}

// Get returns the current capacity config. It never fails: an unreadable or invalid config
// is logged and replaced by ConservativeDefaults, which are not cached so the next call retries.
func (p *Provider) Get(ctx context.Context) types.CapacityConfig {
	if cfg, ok := p.cache.Get(); ok {
		return cfg
	}

	cfg, err := p.load(ctx)
	if err != nil {
		p.logger.WithError(err).WithField("policy", constants.ConfigUnavailablePolicy).
			Warn("capacity config unavailable, using conservative defaults")
		return ConservativeDefaults()
	}

	p.cache.Set(*cfg)
	return *cfg
}

func (p *Provider) load(ctx context.Context) (*types.CapacityConfig, error) {
	cfg, err := p.source.LoadCapacityConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", custom_errors.ErrConfigUnavailable, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", custom_errors.ErrConfigUnavailable, err)
	}
	return cfg, nil
}

// Invalidate drops the cached config so the next Get reloads it.
func (p *Provider) Invalidate() {
	p.cache.Invalidate()
}
