package sources

import (
	"context"
	"errors"
	"time"

	"github.com/ggonzalez94/dexroute/internal/cache"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/metrics"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type GuardOptions struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before a trial request.
	OpenTimeout time.Duration
	Cache       *cache.Store
	CacheTTL    time.Duration
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Guarded wraps a Source with a circuit breaker and a short-TTL response
// cache. While the breaker is open Fetch fails immediately.
type Guarded struct {
	inner   Source
	breaker *gobreaker.CircuitBreaker
	cache   *cache.Store
	ttl     time.Duration
	log     *zap.Logger
}

func Guard(inner Source, opts GuardOptions) *Guarded {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	log := opts.Logger.With(zap.String("source", inner.ID()))
	m := opts.Metrics
	settings := gobreaker.Settings{
		Name:        inner.ID(),
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		// A caller cancelling the request says nothing about the source's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("source breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			m.BreakerState(name, int(to))
		},
	}
	return &Guarded{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cache:   opts.Cache,
		ttl:     opts.CacheTTL,
		log:     log,
	}
}

func (g *Guarded) ID() string { return g.inner.ID() }

func (g *Guarded) Fetch(ctx context.Context, pair model.Pair) (model.SourceResult, error) {
	key := cacheKey(g.inner.ID(), pair)
	if g.cache != nil && g.ttl > 0 {
		var cached model.SourceResult
		hit, err := g.cache.GetJSON(key, &cached)
		if err != nil {
			g.log.Debug("source cache read failed", zap.Error(err))
		}
		if hit {
			return cached, nil
		}
	}

	v, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Fetch(ctx, pair)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return model.SourceResult{}, clierr.Wrap(clierr.CodeSourceUnavailable, "circuit open", err)
		}
		return model.SourceResult{}, err
	}
	res := v.(model.SourceResult)
	if g.cache != nil && g.ttl > 0 && res.OK() {
		if err := g.cache.SetJSON(ctx, key, res, g.ttl); err != nil {
			g.log.Debug("source cache write failed", zap.Error(err))
		}
	}
	return res, nil
}

func cacheKey(sourceID string, pair model.Pair) string {
	return cache.Key(sourceID, pair.A.Address.Hex(), pair.B.Address.Hex())
}
