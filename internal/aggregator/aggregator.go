// Package aggregator fans a pair out to every liquidity source and collects
// the settled results into a MarketSnapshot.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/metrics"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/sources"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultSourceTimeout = 8 * time.Second

type Options struct {
	// SourceTimeout bounds each adapter independently.
	SourceTimeout time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

type Aggregator struct {
	sources []sources.Source
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(srcs []sources.Source, opts Options) *Aggregator {
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = DefaultSourceTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aggregator{
		sources: srcs,
		timeout: opts.SourceTimeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Aggregate never fails: sources that error or time out appear as
// Unavailable, and an all-unavailable snapshot is returned as is.
func (a *Aggregator) Aggregate(ctx context.Context, pair model.Pair) model.MarketSnapshot {
	snap, _ := a.AggregateWithReport(ctx, pair)
	return snap
}

type settled struct {
	result  model.SourceResult
	latency time.Duration
}

// AggregateWithReport is Aggregate plus per-source latency for output metadata.
func (a *Aggregator) AggregateWithReport(ctx context.Context, pair model.Pair) (model.MarketSnapshot, []model.SourceReport) {
	requestedAt := a.now().UTC()
	results := make(chan settled, len(a.sources))
	var wg sync.WaitGroup
	for _, src := range a.sources {
		wg.Add(1)
		go func(src sources.Source) {
			defer wg.Done()
			started := time.Now()
			res := a.fetchOne(ctx, src, pair)
			results <- settled{result: res, latency: time.Since(started)}
		}(src)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	snap := model.MarketSnapshot{
		PerSource:    make(map[string]model.SourceResult, len(a.sources)),
		PriceByToken: map[string]float64{},
		RequestedAt:  requestedAt,
	}
	reports := make([]model.SourceReport, 0, len(a.sources))
	for s := range results {
		res := s.result
		snap.PerSource[res.SourceID] = res
		reports = append(reports, model.SourceReport{
			Name:      res.SourceID,
			Status:    string(res.Status),
			Pools:     len(res.Pools),
			LatencyMS: s.latency.Milliseconds(),
			Reason:    res.Reason,
		})
		a.metrics.SourceFetch(res.SourceID, string(res.Status), s.latency)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	snap.PriceByToken = medianPrices(snap)

	fields := []zap.Field{
		zap.String("pair", pair.String()),
		zap.Int("sources", len(a.sources)),
		zap.Int("available", snap.AvailableCount()),
	}
	if snap.Degraded() {
		a.log.Warn("all liquidity sources unavailable", fields...)
	} else {
		a.log.Debug("market snapshot built", fields...)
	}
	return snap, reports
}

// fetchOne runs a single adapter under its own deadline. The adapter runs in
// a separate goroutine so one that ignores cancellation still cannot hold up
// the snapshot past the deadline.
func (a *Aggregator) fetchOne(parent context.Context, src sources.Source, pair model.Pair) model.SourceResult {
	id := src.ID()
	ctx, cancel := context.WithTimeout(parent, a.timeout)
	defer cancel()

	type outcome struct {
		res model.SourceResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		res, err := src.Fetch(ctx, pair)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: clierr.Wrap(clierr.CodeSourceUnavailable, "source timed out", ctx.Err())}
	}
	if out.err == nil && out.res.Status != model.SourceStatusOK {
		out.err = clierr.New(clierr.CodeSourceUnavailable, "adapter reported unavailable: "+out.res.Reason)
	}
	if out.err != nil {
		if !errors.Is(out.err, context.Canceled) {
			a.log.Warn("liquidity source unavailable", zap.String("source", id), zap.Error(out.err))
		}
		return model.Unavailable(id, a.now().UTC(), out.err.Error())
	}
	res := out.res
	res.SourceID = id
	if res.Pools == nil {
		res.Pools = []model.PoolSample{}
	}
	if res.FetchedAt.IsZero() {
		res.FetchedAt = a.now().UTC()
	}
	return res
}

// medianPrices combines per-source USD quotes into one price per symbol.
func medianPrices(snap model.MarketSnapshot) map[string]float64 {
	bySymbol := map[string][]float64{}
	for _, id := range snap.SourceIDs() {
		res := snap.PerSource[id]
		if !res.OK() {
			continue
		}
		for symbol, price := range res.Prices {
			if price > 0 {
				bySymbol[symbol] = append(bySymbol[symbol], price)
			}
		}
	}
	out := make(map[string]float64, len(bySymbol))
	for symbol, prices := range bySymbol {
		sort.Float64s(prices)
		mid := len(prices) / 2
		if len(prices)%2 == 1 {
			out[symbol] = prices[mid]
			continue
		}
		sum := decimal.NewFromFloat(prices[mid-1]).Add(decimal.NewFromFloat(prices[mid]))
		out[symbol] = sum.Div(decimal.NewFromInt(2)).InexactFloat64()
	}
	return out
}
