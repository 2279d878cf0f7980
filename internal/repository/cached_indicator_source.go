package repository

import (
	"context"
	"errors"
	"time"

	"github.com/WayB98/TIWatcher/internal/domain/models"
	"github.com/WayB98/TIWatcher/internal/domain/repository"
	"github.com/WayB98/TIWatcher/pkg/cache"
	applogger "github.com/WayB98/TIWatcher/pkg/logger"
)

const indicatorsCacheKey = "indicators:enabled"

// CachedIndicatorSource serves the enabled indicator set from a cache for up
// to ttl. A zero ttl reads through on every call. Cache failures fall back to
// the wrapped source.
type CachedIndicatorSource struct {
	src   repository.IndicatorSource
	cache cache.Service
	ttl   time.Duration
	l     *applogger.Logger
}

func NewCachedIndicatorSource(src repository.IndicatorSource, c cache.Service, ttl time.Duration, l *applogger.Logger) *CachedIndicatorSource {
	if l == nil {
		l = applogger.Nop()
	}
	return &CachedIndicatorSource{src: src, cache: c, ttl: ttl, l: l}
}

func (s *CachedIndicatorSource) LoadEnabledIndicators(ctx context.Context) ([]models.Indicator, error) {
	if s.cache == nil || s.ttl <= 0 {
		return s.src.LoadEnabledIndicators(ctx)
	}

	var cached []models.Indicator
	err := s.cache.Get(ctx, indicatorsCacheKey, &cached)
	switch {
	case err == nil:
		s.l.Debug("indicators cache_hit", applogger.Int("count", len(cached)))
		return cached, nil
	case errors.Is(err, cache.ErrCacheMiss):
		s.l.Debug("indicators cache_miss")
	default:
		s.l.Warn("indicators cache_get_error", applogger.Error(err))
	}

	inds, err := s.src.LoadEnabledIndicators(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, indicatorsCacheKey, inds, s.ttl); err != nil {
		s.l.Warn("indicators cache_set_error", applogger.Error(err))
	}
	return inds, nil
}
