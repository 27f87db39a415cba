package validator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/poolid"
	"github.com/ggonzalez94/dexroute/internal/registry"
)

type poolState struct {
	id        *poolid.ID
	reserve0  *big.Int
	reserve1  *big.Int
	amountOut  *big.Int
	quoteErr   error
	emptyQuote bool
}

type fakeChain struct {
	mu    sync.Mutex
	pools map[common.Address]poolState
	calls map[string]int
}

func (f *fakeChain) ReadContract(_ context.Context, to common.Address, _ abi.ABI, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[method]++
	f.mu.Unlock()
	state, ok := f.pools[to]
	if !ok {
		return nil, fmt.Errorf("execution reverted")
	}
	switch method {
	case "getPoolId":
		if state.id != nil {
			return []any{[32]byte(*state.id)}, nil
		}
		return []any{[32]byte(poolid.Compute(args[0].(common.Address), args[1].(common.Address)))}, nil
	case "getReserves":
		return []any{state.reserve0, state.reserve1}, nil
	case "getAmountOut":
		if state.quoteErr != nil {
			return nil, state.quoteErr
		}
		if state.emptyQuote {
			return []any{}, nil
		}
		return []any{state.amountOut}, nil
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

func setup(t *testing.T) (*registry.Registry, model.Pair, registry.DEX, registry.DEX) {
	t.Helper()
	reg, err := registry.Default()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pair, err := reg.Pair("WETH", "USDC")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	curve, _ := reg.DEX("curve")
	uni, _ := reg.DEX("uniswap")
	return reg, pair, curve, uni
}

// canonical returns whole-token reserves for a WETH/USDC pool in sorted-token
// order, scaled to base units.
func canonical(pair model.Pair, weth, usdc int64) (*big.Int, *big.Int) {
	a := new(big.Int).Mul(big.NewInt(weth), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	b := new(big.Int).Mul(big.NewInt(usdc), big.NewInt(1_000_000))
	if lo, _ := poolid.Sort(pair.A.Address, pair.B.Address); lo == pair.A.Address {
		return a, b
	}
	return b, a
}

var scenario = model.RouteRecommendation{
	RiskScore:  0.3,
	Confidence: 0.8,
	Allocations: []model.Allocation{
		{DEX: "curve", AllocationFraction: 0.6, Status: model.RouteExecuteNow},
		{DEX: "uniswap", AllocationFraction: 0.4, Status: model.RouteWait},
	},
}

func oneAndHalfWETH() *big.Int {
	v, _ := new(big.Int).SetString("1500000000000000000", 10)
	return v
}

func TestScenarioCurveFirstWhenReservesPresent(t *testing.T) {
	reg, pair, curve, uni := setup(t)
	r0, r1 := canonical(pair, 1000, 3000000)
	fc := &fakeChain{pools: map[common.Address]poolState{
		curve.Contract: {reserve0: r0, reserve1: r1, amountOut: big.NewInt(4_490_000_000)},
		uni.Contract:   {reserve0: r0, reserve1: r1, amountOut: big.NewInt(4_480_000_000)},
	}}
	res := New(reg, fc, Options{}).Validate(context.Background(), scenario, Request{Pair: pair, AmountIn: oneAndHalfWETH()})
	if len(res.Routes) != 2 {
		t.Fatalf("expected two routes, got %+v", res.Routes)
	}
	first := res.Routes[0]
	if first.DEX != "curve" || first.Status != model.RouteExecuteNow || !first.QuoteVerified {
		t.Fatalf("expected curve ExecuteNow first, got %+v", first)
	}
	if first.QuotedOut != "4490" {
		t.Fatalf("expected quoted out 4490, got %s", first.QuotedOut)
	}
	if first.EffectiveRate < 2993.3 || first.EffectiveRate > 2993.4 {
		t.Fatalf("unexpected effective rate %v", first.EffectiveRate)
	}
	if first.PoolID != poolid.Compute(pair.A.Address, pair.B.Address).Hex() {
		t.Fatalf("unexpected pool id %s", first.PoolID)
	}
	if res.HeldFraction != 0 {
		t.Fatalf("expected nothing held, got %v", res.HeldFraction)
	}
}

func TestScenarioZeroReservesOverridesRecommender(t *testing.T) {
	reg, pair, curve, uni := setup(t)
	r0, r1 := canonical(pair, 1000, 3000000)
	fc := &fakeChain{pools: map[common.Address]poolState{
		curve.Contract: {reserve0: big.NewInt(0), reserve1: r1},
		uni.Contract:   {reserve0: r0, reserve1: r1, amountOut: big.NewInt(4_480_000_000)},
	}}
	res := New(reg, fc, Options{}).Validate(context.Background(), scenario, Request{Pair: pair, AmountIn: oneAndHalfWETH()})
	curveIdx, uniIdx := -1, -1
	for i, r := range res.Routes {
		switch r.DEX {
		case "curve":
			curveIdx = i
		case "uniswap":
			uniIdx = i
		}
	}
	if curveIdx < 0 || res.Routes[curveIdx].Status != model.RouteAvoid {
		t.Fatalf("expected curve downgraded to Avoid, got %+v", res.Routes)
	}
	if uniIdx < 0 || uniIdx > curveIdx || res.Routes[uniIdx].Status != model.RouteWait {
		t.Fatalf("expected valid uniswap route promoted ahead of curve, got %+v", res.Routes)
	}
	if res.Routes[curveIdx].AllocationFraction != 0.6 {
		t.Fatal("expected allocation fraction preserved on downgraded route")
	}
}

func TestEmptyQuoteFallsBackToSpotRate(t *testing.T) {
	reg, pair, _, uni := setup(t)
	r0, r1 := canonical(pair, 1000, 3000000)
	fc := &fakeChain{pools: map[common.Address]poolState{uni.Contract: {reserve0: r0, reserve1: r1, emptyQuote: true}}}
	rec := model.RouteRecommendation{Confidence: 0.8, Allocations: []model.Allocation{{DEX: "uniswap", AllocationFraction: 1, Status: model.RouteExecuteNow}}}
	res := New(reg, fc, Options{}).Validate(context.Background(), rec, Request{Pair: pair, AmountIn: oneAndHalfWETH()})
	if len(res.Routes) != 1 {
		t.Fatalf("expected one route, got %+v", res.Routes)
	}
	route := res.Routes[0]
	if route.QuoteVerified || route.Status != model.RouteExecuteNow {
		t.Fatalf("expected unverified ExecuteNow route, got %+v", route)
	}
	if route.EffectiveRate != 3000 {
		t.Fatalf("expected spot rate 3000, got %v", route.EffectiveRate)
	}
}

func TestMissingPoolIsAvoid(t *testing.T) {
	reg, pair, curve, _ := setup(t)
	var zero poolid.ID
	fc := &fakeChain{pools: map[common.Address]poolState{curve.Contract: {id: &zero}}}
	rec := model.RouteRecommendation{Confidence: 0.9, Allocations: []model.Allocation{{DEX: "curve", AllocationFraction: 1, Status: model.RouteExecuteNow}}}
	res := New(reg, fc, Options{}).Validate(context.Background(), rec, Request{Pair: pair})
	if len(res.Routes) != 1 || res.Routes[0].Status != model.RouteAvoid {
		t.Fatalf("expected missing pool route to be Avoid, got %+v", res.Routes)
	}
	if fc.calls["getReserves"] != 0 {
		t.Fatal("expected no reserve read for a missing pool")
	}
}

func TestIdentityMismatchExcludesRoute(t *testing.T) {
	reg, pair, curve, uni := setup(t)
	wrong := poolid.ID{0xde, 0xad}
	r0, r1 := canonical(pair, 1000, 3000000)
	fc := &fakeChain{pools: map[common.Address]poolState{
		curve.Contract: {id: &wrong, reserve0: r0, reserve1: r1},
		uni.Contract:   {reserve0: r0, reserve1: r1, quoteErr: fmt.Errorf("no quoter")},
	}}
	res := New(reg, fc, Options{}).Validate(context.Background(), scenario, Request{Pair: pair, AmountIn: oneAndHalfWETH()})
	if len(res.Routes) != 1 || res.Routes[0].DEX != "uniswap" {
		t.Fatalf("expected only uniswap route, got %+v", res.Routes)
	}
	if len(res.Diagnostics) != 1 || res.Diagnostics[0].DEX != "curve" || res.Diagnostics[0].Type != clierr.CodeIdentityMismatch.String() {
		t.Fatalf("expected identity mismatch diagnostic, got %+v", res.Diagnostics)
	}
	uniRoute := res.Routes[0]
	if uniRoute.QuoteVerified || uniRoute.Confidence != 0.4 || uniRoute.EffectiveRate != 3000 {
		t.Fatalf("expected unverified spot-rate route with halved confidence, got %+v", uniRoute)
	}
}

func TestUnsupportedPairYieldsSyntheticAvoid(t *testing.T) {
	raw := `
tokens:
  - {symbol: AAA, address: "0x00000000000000000000000000000000000000aa", decimals: 18}
  - {symbol: BBB, address: "0x00000000000000000000000000000000000000bb", decimals: 18}
  - {symbol: CCC, address: "0x00000000000000000000000000000000000000cc", decimals: 18}
dexes:
  - {id: only, contract: "0x00000000000000000000000000000000000000dd", pairs: [[AAA, BBB]]}
`
	reg, err := registry.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	pair, _ := reg.Pair("AAA", "CCC")
	rec := model.RouteRecommendation{Allocations: []model.Allocation{{DEX: "only", AllocationFraction: 1, Status: model.RouteExecuteNow}}}
	res := New(reg, &fakeChain{}, Options{}).Validate(context.Background(), rec, Request{Pair: pair})
	if len(res.Routes) != 1 || res.Routes[0].Status != model.RouteAvoid || res.Routes[0].Rationale == "" {
		t.Fatalf("expected single synthetic avoid route, got %+v", res.Routes)
	}
}

func TestEmptyAllocationsHoldEverything(t *testing.T) {
	reg, pair, _, _ := setup(t)
	res := New(reg, &fakeChain{}, Options{}).Validate(context.Background(), model.RouteRecommendation{Allocations: []model.Allocation{}}, Request{Pair: pair})
	if len(res.Routes) != 1 || res.Routes[0].Status != model.RouteAvoid {
		t.Fatalf("expected synthetic avoid route, got %+v", res.Routes)
	}
	if res.HeldFraction != 1 {
		t.Fatalf("expected full order held, got %v", res.HeldFraction)
	}
}

func TestRankOrdering(t *testing.T) {
	routes := []model.RankedRoute{
		{Allocation: model.Allocation{DEX: "a", Status: model.RouteAvoid}, EffectiveRate: 9},
		{Allocation: model.Allocation{DEX: "b", Status: model.RouteWait}, EffectiveRate: 5},
		{Allocation: model.Allocation{DEX: "c", Status: model.RouteExecuteNow}, EffectiveRate: 1, Confidence: 0.2},
		{Allocation: model.Allocation{DEX: "d", Status: model.RouteExecuteNow}, EffectiveRate: 2},
		{Allocation: model.Allocation{DEX: "e", Status: model.RouteExecuteNow}, EffectiveRate: 1, Confidence: 0.9},
	}
	Rank(routes)
	var got string
	for _, r := range routes {
		got += r.DEX
	}
	if got != "decba" {
		t.Fatalf("unexpected order %s", got)
	}
}
