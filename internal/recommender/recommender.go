// Package recommender obtains a RouteRecommendation from a language model and
// substitutes a deterministic conservative route whenever that fails.
package recommender

import (
	"context"
	"errors"
	"fmt"
	"time"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/metrics"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/prompt"
	"go.uber.org/zap"
)

const (
	FallbackRiskScore  = 0.8
	FallbackConfidence = 0.1

	CauseTimeout       = "timeout"
	CauseUnavailable   = "unavailable"
	CauseSchemaInvalid = "schema_invalid"
	CauseCancelled     = "cancelled"
)

type Options struct {
	Timeout    time.Duration
	DefaultDEX string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type Client struct {
	completer  Completer
	dexes      DEXResolver
	timeout    time.Duration
	defaultDEX string
	log        *zap.Logger
	metrics    *metrics.Metrics
}

func New(completer Completer, dexes DEXResolver, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		completer:  completer,
		dexes:      dexes,
		timeout:    opts.Timeout,
		defaultDEX: opts.DefaultDEX,
		log:        opts.Logger,
		metrics:    opts.Metrics,
	}
}

// Recommend always returns a structurally valid recommendation. Any failure
// of the underlying call or its output yields Fallback.
func (c *Client) Recommend(ctx context.Context, p prompt.Prompt) (rec model.RouteRecommendation) {
	defer func() {
		if r := recover(); r != nil {
			rec = c.fallback(CauseUnavailable, fmt.Errorf("recommender panic: %v", r))
		}
	}()
	if c.completer == nil {
		return c.fallback(CauseUnavailable, clierr.New(clierr.CodeUnavailable, "no recommender configured"))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	started := time.Now()
	text, err := c.completer.Complete(callCtx, p.SystemInstruction, p.UserPayload)
	if err != nil {
		return c.fallback(classify(callCtx, err), err)
	}
	rec, err = Parse(text, c.dexes)
	if err != nil {
		return c.fallback(CauseSchemaInvalid, err)
	}
	c.metrics.Recommendation("model", "")
	c.log.Debug("recommendation parsed",
		zap.String("prompt_hash", p.Hash()),
		zap.Int("allocations", len(rec.Allocations)),
		zap.Float64("total_allocation", rec.TotalAllocation()),
		zap.Duration("latency", time.Since(started)),
	)
	return rec
}

func (c *Client) fallback(cause string, err error) model.RouteRecommendation {
	c.metrics.Recommendation("fallback", cause)
	if cause != CauseCancelled {
		c.log.Warn("recommender fallback", zap.String("cause", cause), zap.Error(err))
	}
	return Fallback(c.defaultDEX, cause, err)
}

// Fallback is the one constructor for the conservative recommendation: the
// whole order to defaultDEX, executed now, high risk and low confidence.
func Fallback(defaultDEX, cause string, err error) model.RouteRecommendation {
	detail := cause
	if err != nil {
		detail = cause + ": " + err.Error()
	}
	return model.RouteRecommendation{
		Timeframe:                   "immediate",
		PredictedLiquidityChangePct: 0,
		RiskScore:                   FallbackRiskScore,
		Confidence:                  FallbackConfidence,
		Advice:                      fmt.Sprintf("Route recommendation unavailable; sending the full order through %s.", defaultDEX),
		ExpectedSlippagePct:         0,
		ExpectedSavingsUSD:          0,
		Allocations: []model.Allocation{{
			DEX:                defaultDEX,
			AllocationFraction: 1,
			Status:             model.RouteExecuteNow,
		}},
		RiskAlerts: []string{"Recommender failure (" + detail + "); using conservative default route."},
		Rationale:  "Fallback route on the configured default DEX. Market signals were not evaluated by the recommender.",
		Fallback:   true,
	}
}

func classify(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() == context.DeadlineExceeded:
		return CauseTimeout
	case errors.Is(err, context.Canceled):
		return CauseCancelled
	case clierr.Is(err, clierr.CodeSchemaInvalid):
		return CauseSchemaInvalid
	default:
		return CauseUnavailable
	}
}
