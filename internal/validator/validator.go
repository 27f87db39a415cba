// Package validator checks a route recommendation against on-chain pool
// state and ranks the result. On-chain reads always override the model.
package validator

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ggonzalez94/dexroute/internal/amount"
	"github.com/ggonzalez94/dexroute/internal/chain"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/metrics"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/poolid"
	"github.com/ggonzalez94/dexroute/internal/registry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentRoutes = 4

type Request struct {
	Pair model.Pair
	// AmountIn is the order size in token A base units. Nil or zero skips quoting.
	AmountIn *big.Int
}

// Diagnostic reports a route excluded because of a configuration problem.
type Diagnostic struct {
	DEX     string `json:"dex"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Validation struct {
	Routes      []model.RankedRoute `json:"routes"`
	Diagnostics []Diagnostic        `json:"diagnostics,omitempty"`
	// HeldFraction is the share of the order the recommendation left unallocated.
	HeldFraction float64 `json:"held_fraction"`
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Validator struct {
	reg      *registry.Registry
	reader   chain.Reader
	resolver *poolid.Resolver
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(reg *registry.Registry, reader chain.Reader, opts Options) *Validator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Validator{
		reg:      reg,
		reader:   reader,
		resolver: poolid.NewResolver(reader),
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

type checked struct {
	route    model.RankedRoute
	excluded *Diagnostic
}

func (v *Validator) Validate(ctx context.Context, rec model.RouteRecommendation, req Request) Validation {
	out := Validation{HeldFraction: heldFraction(rec)}
	pair := req.Pair
	if !v.pairListedAnywhere(pair) {
		out.Routes = []model.RankedRoute{unsupportedRoute(pair)}
		return out
	}

	results := make([]checked, len(rec.Allocations))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRoutes)
	for i, alloc := range rec.Allocations {
		i, alloc := i, alloc
		g.Go(func() error {
			results[i] = v.check(gctx, alloc, rec.Confidence, req)
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.excluded != nil {
			out.Diagnostics = append(out.Diagnostics, *res.excluded)
			continue
		}
		out.Routes = append(out.Routes, res.route)
	}
	if len(out.Routes) == 0 {
		reason := "recommendation allocated nothing; the full order is held"
		if len(out.Diagnostics) > 0 {
			reason = "every recommended route failed validation"
		}
		out.Routes = []model.RankedRoute{{
			Allocation: model.Allocation{Status: model.RouteAvoid},
			Rationale:  reason,
		}}
	}
	Rank(out.Routes)
	return out
}

// Rank orders routes by status, then effective rate, then confidence.
func Rank(routes []model.RankedRoute) {
	sort.SliceStable(routes, func(i, j int) bool {
		a, b := routes[i], routes[j]
		if a.Status.Rank() != b.Status.Rank() {
			return a.Status.Rank() < b.Status.Rank()
		}
		if a.EffectiveRate != b.EffectiveRate {
			return a.EffectiveRate > b.EffectiveRate
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.DEX < b.DEX
	})
}

func (v *Validator) check(ctx context.Context, alloc model.Allocation, confidence float64, req Request) checked {
	route := model.RankedRoute{Allocation: alloc, ReserveA: "0", ReserveB: "0", Confidence: confidence / 2}
	pair := req.Pair
	dex, ok := v.reg.DEX(alloc.DEX)
	if !ok {
		return checked{route: v.downgrade(route, "unknown_dex", "dex is not configured")}
	}
	if !dex.Supports(pair.A.Address, pair.B.Address) {
		return checked{route: v.downgrade(route, "pair_not_listed", fmt.Sprintf("%s is not listed on %s", pair, dex.Name))}
	}

	id, err := v.resolver.Verify(ctx, dex, pair.A.Address, pair.B.Address)
	route.PoolID = id.Hex()
	if err != nil {
		if clierr.Is(err, clierr.CodeIdentityMismatch) {
			v.log.Error("pool identity mismatch", zap.String("dex", dex.ID), zap.Error(err))
			return checked{excluded: &Diagnostic{DEX: dex.ID, Type: clierr.CodeIdentityMismatch.String(), Message: err.Error()}}
		}
		return checked{route: v.downgrade(route, "pool_missing", err.Error())}
	}

	reserveA, reserveB, err := v.reserves(ctx, dex, id, pair)
	if err != nil {
		return checked{route: v.downgrade(route, "reserves_unreadable", err.Error())}
	}
	route.ReserveA = reserveA.String()
	route.ReserveB = reserveB.String()
	if reserveA.Sign() == 0 || reserveB.Sign() == 0 {
		return checked{route: v.downgrade(route, "zero_reserves", fmt.Sprintf("%s pool on %s has an empty side", pair, dex.Name))}
	}

	route.EffectiveRate = rate(reserveB, pair.B.Decimals, reserveA, pair.A.Decimals)
	if req.AmountIn != nil && req.AmountIn.Sign() > 0 {
		quoted, err := v.quote(ctx, dex, pair, req.AmountIn)
		if err != nil {
			v.log.Debug("quote unavailable, using spot rate", zap.String("dex", dex.ID), zap.Error(err))
		} else if quoted.Sign() > 0 {
			route.QuoteVerified = true
			route.QuotedOut = amount.Format(quoted, pair.B.Decimals)
			route.EffectiveRate = rate(quoted, pair.B.Decimals, req.AmountIn, pair.A.Decimals)
			route.Confidence = confidence
		}
	}
	return checked{route: route}
}

func (v *Validator) downgrade(route model.RankedRoute, reason, detail string) model.RankedRoute {
	if route.Status != model.RouteAvoid {
		v.metrics.RouteDowngrade(route.DEX, reason)
	}
	route.Status = model.RouteAvoid
	route.EffectiveRate = 0
	route.QuoteVerified = false
	route.Rationale = detail
	return route
}

// reserves returns the pool's reserves mapped onto the request's token order.
func (v *Validator) reserves(ctx context.Context, dex registry.DEX, id poolid.ID, pair model.Pair) (*big.Int, *big.Int, error) {
	out, err := v.reader.ReadContract(ctx, dex.Contract, registry.PoolManagerABI, "getReserves", [32]byte(id))
	if err != nil {
		return nil, nil, err
	}
	if len(out) != 2 {
		return nil, nil, fmt.Errorf("getReserves returned %d values", len(out))
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("getReserves returned unexpected types")
	}
	if lo, _ := poolid.Sort(pair.A.Address, pair.B.Address); lo == pair.A.Address {
		return r0, r1, nil
	}
	return r1, r0, nil
}

func (v *Validator) quote(ctx context.Context, dex registry.DEX, pair model.Pair, amountIn *big.Int) (*big.Int, error) {
	out, err := v.reader.ReadContract(ctx, dex.Contract, registry.PoolManagerABI, "getAmountOut", pair.A.Address, pair.B.Address, amountIn)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("getAmountOut returned no values")
	}
	quoted, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getAmountOut returned %T", out[0])
	}
	return quoted, nil
}

func (v *Validator) pairListedAnywhere(pair model.Pair) bool {
	for _, dex := range v.reg.DEXes() {
		if dex.Supports(pair.A.Address, pair.B.Address) {
			return true
		}
	}
	return false
}

func unsupportedRoute(pair model.Pair) model.RankedRoute {
	return model.RankedRoute{
		Allocation: model.Allocation{Status: model.RouteAvoid},
		ReserveA:   "0",
		ReserveB:   "0",
		Rationale:  fmt.Sprintf("unsupported pair: no configured DEX lists a %s pool", pair),
	}
}

// rate is (out / 10^outDecimals) / (in / 10^inDecimals).
func rate(out *big.Int, outDecimals int, in *big.Int, inDecimals int) float64 {
	if in == nil || in.Sign() == 0 {
		return 0
	}
	num := decimal.NewFromBigInt(out, -int32(outDecimals))
	den := decimal.NewFromBigInt(in, -int32(inDecimals))
	return num.DivRound(den, 18).InexactFloat64()
}

func heldFraction(rec model.RouteRecommendation) float64 {
	held := 1 - rec.TotalAllocation()
	if held < 0 {
		return 0
	}
	return held
}
