// Package analysis runs one route analysis end to end: aggregate liquidity,
// build the prompt, ask the recommender and validate the answer on-chain.
// Only the most recently started analysis may produce a result.
package analysis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ggonzalez94/dexroute/internal/amount"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/metrics"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/prompt"
	"github.com/ggonzalez94/dexroute/internal/validator"
	"go.uber.org/zap"
)

type Aggregator interface {
	AggregateWithReport(ctx context.Context, pair model.Pair) (model.MarketSnapshot, []model.SourceReport)
}

type Recommender interface {
	Recommend(ctx context.Context, p prompt.Prompt) model.RouteRecommendation
}

type Validator interface {
	Validate(ctx context.Context, rec model.RouteRecommendation, req validator.Request) validator.Validation
}

type Result struct {
	Action         model.ActionKind          `json:"action"`
	Pair           string                    `json:"pair"`
	Amount         string                    `json:"amount"`
	RequestedAt    time.Time                 `json:"requested_at"`
	Degraded       bool                      `json:"degraded"`
	Sources        []model.SourceReport      `json:"sources"`
	PriceByToken   map[string]float64        `json:"price_by_token,omitempty"`
	PromptHash     string                    `json:"prompt_hash"`
	Recommendation model.RouteRecommendation `json:"recommendation"`
	Routes         []model.RankedRoute       `json:"routes"`
	Diagnostics    []validator.Diagnostic    `json:"diagnostics,omitempty"`
	HeldFraction   float64                   `json:"held_fraction"`
}

// Columns and Rows render the ranked routes for plain output.
func (r Result) Columns() []string {
	return []string{"RANK", "DEX", "STATUS", "ALLOCATION", "RATE", "VERIFIED", "CONFIDENCE", "NOTE"}
}

func (r Result) Rows() [][]string {
	rows := make([][]string, 0, len(r.Routes))
	for i, route := range r.Routes {
		dex := route.DEX
		if dex == "" {
			dex = "-"
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			dex,
			string(route.Status),
			strconv.FormatFloat(route.AllocationFraction, 'f', 2, 64),
			strconv.FormatFloat(route.EffectiveRate, 'f', 6, 64),
			strconv.FormatBool(route.QuoteVerified),
			strconv.FormatFloat(route.Confidence, 'f', 2, 64),
			route.Rationale,
		})
	}
	return rows
}

type Options struct {
	// AllowedDEXes is the venue list offered to the recommender.
	AllowedDEXes []string
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type Service struct {
	agg     Aggregator
	rec     Recommender
	val     Validator
	allowed []string
	log     *zap.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
}

func New(agg Aggregator, rec Recommender, val Validator, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		agg:     agg,
		rec:     rec,
		val:     val,
		allowed: append([]string(nil), opts.AllowedDEXes...),
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// Analyze supersedes any analysis still in flight. If another call starts
// before this one finishes, this call returns CodeSuperseded and its result
// is dropped.
func (s *Service) Analyze(ctx context.Context, intent model.Intent) (Result, error) {
	amountIn, err := amount.Positive(intent.AmountA, intent.Pair.A.Decimals)
	if err != nil {
		return Result{}, err
	}
	if intent.Pair.A.Address == intent.Pair.B.Address {
		return Result{}, clierr.New(clierr.CodeUsage, "token pair must contain two distinct tokens")
	}

	runCtx, gen := s.start(ctx)
	defer s.finish(gen)

	snap, reports := s.agg.AggregateWithReport(runCtx, intent.Pair)
	if err := s.stale(gen); err != nil {
		return Result{}, err
	}
	p := prompt.Build(intent, snap, s.allowed)
	rec := s.rec.Recommend(runCtx, p)
	if err := s.stale(gen); err != nil {
		return Result{}, err
	}
	validation := s.val.Validate(runCtx, rec, validator.Request{Pair: intent.Pair, AmountIn: amountIn})
	if err := s.stale(gen); err != nil {
		return Result{}, err
	}

	s.log.Info("analysis complete",
		zap.Uint64("generation", gen),
		zap.String("pair", intent.Pair.String()),
		zap.Int("sources_available", snap.AvailableCount()),
		zap.Bool("fallback", rec.Fallback),
		zap.Int("routes", len(validation.Routes)),
	)
	return Result{
		Action:         intent.Action,
		Pair:           intent.Pair.String(),
		Amount:         amount.Format(amountIn, intent.Pair.A.Decimals),
		RequestedAt:    snap.RequestedAt,
		Degraded:       snap.Degraded(),
		Sources:        reports,
		PriceByToken:   snap.PriceByToken,
		PromptHash:     p.Hash(),
		Recommendation: rec,
		Routes:         validation.Routes,
		Diagnostics:    validation.Diagnostics,
		HeldFraction:   validation.HeldFraction,
	}, nil
}

// Invalidate discards any in-flight analysis without starting a new one.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Service) start(ctx context.Context) (context.Context, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.generation++
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return runCtx, s.generation
}

func (s *Service) finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Service) stale(gen uint64) error {
	s.mu.Lock()
	current := s.generation
	s.mu.Unlock()
	if current == gen {
		return nil
	}
	s.metrics.Superseded()
	s.log.Debug("discarding superseded analysis", zap.Uint64("generation", gen), zap.Uint64("current", current))
	return clierr.New(clierr.CodeSuperseded, "analysis superseded by a newer request")
}
