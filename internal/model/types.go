package model

import (
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Command   string         `json:"command"`
	Sources   []SourceReport `json:"sources,omitempty"`
	Degraded  bool           `json:"degraded"`
}

// SourceReport summarises one adapter's outcome for output metadata.
type SourceReport struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Pools     int    `json:"pools"`
	LatencyMS int64  `json:"latency_ms"`
	Reason    string `json:"reason,omitempty"`
}

// Token is a registry entry. Address is the canonical on-chain identity.
type Token struct {
	Symbol   string         `json:"symbol"`
	Address  common.Address `json:"address"`
	Decimals int            `json:"decimals"`
}

type Pair struct {
	A Token `json:"token_a"`
	B Token `json:"token_b"`
}

func (p Pair) String() string {
	return p.A.Symbol + "/" + p.B.Symbol
}

type ActionKind string

const (
	ActionCreatePool   ActionKind = "create_pool"
	ActionAddLiquidity ActionKind = "add_liquidity"
	ActionSwap         ActionKind = "swap"
)

func ParseActionKind(v string) (ActionKind, bool) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(v, "-", "_"))) {
	case "create_pool", "createpool":
		return ActionCreatePool, true
	case "add_liquidity", "addliquidity":
		return ActionAddLiquidity, true
	case "swap":
		return ActionSwap, true
	default:
		return "", false
	}
}

// Intent is what the user asked for. Amounts are decimal strings in token units.
type Intent struct {
	Action  ActionKind `json:"action"`
	Pair    Pair       `json:"pair"`
	AmountA string     `json:"amount_a"`
	AmountB string     `json:"amount_b,omitempty"`
	DEX     string     `json:"dex,omitempty"`
}

type SourceStatus string

const (
	SourceStatusOK          SourceStatus = "ok"
	SourceStatusUnavailable SourceStatus = "unavailable"
)

type PoolSample struct {
	DEX          string   `json:"dex,omitempty"`
	TokenA       string   `json:"token_a"`
	TokenB       string   `json:"token_b"`
	ReserveOrTVL float64  `json:"reserve_or_tvl"`
	FeeRate      *float64 `json:"fee_rate,omitempty"`
	PoolRef      string   `json:"pool_ref"`
}

// SourceResult is one adapter call's normalized output.
type SourceResult struct {
	SourceID  string             `json:"source_id"`
	Pools     []PoolSample       `json:"pools"`
	Prices    map[string]float64 `json:"prices,omitempty"`
	FetchedAt time.Time          `json:"fetched_at"`
	Status    SourceStatus       `json:"status"`
	Reason    string             `json:"reason,omitempty"`
}

func Unavailable(sourceID string, at time.Time, reason string) SourceResult {
	return SourceResult{
		SourceID:  sourceID,
		Pools:     []PoolSample{},
		FetchedAt: at,
		Status:    SourceStatusUnavailable,
		Reason:    reason,
	}
}

func (r SourceResult) OK() bool { return r.Status == SourceStatusOK }

type MarketSnapshot struct {
	PerSource    map[string]SourceResult `json:"per_source"`
	PriceByToken map[string]float64      `json:"price_by_token"`
	RequestedAt  time.Time               `json:"requested_at"`
}

// SourceIDs returns the snapshot's source ids in stable order.
func (s MarketSnapshot) SourceIDs() []string {
	ids := make([]string, 0, len(s.PerSource))
	for sourceID := range s.PerSource {
		ids = append(ids, sourceID)
	}
	sort.Strings(ids)
	return ids
}

func (s MarketSnapshot) AvailableCount() int {
	n := 0
	for _, res := range s.PerSource {
		if res.OK() {
			n++
		}
	}
	return n
}

// Degraded reports whether no source produced usable data.
func (s MarketSnapshot) Degraded() bool {
	return s.AvailableCount() == 0
}

type RouteStatus string

const (
	RouteExecuteNow RouteStatus = "ExecuteNow"
	RouteWait       RouteStatus = "Wait"
	RouteAvoid      RouteStatus = "Avoid"
)

func ParseRouteStatus(v string) (RouteStatus, bool) {
	switch strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(v)) {
	case "executenow":
		return RouteExecuteNow, true
	case "wait":
		return RouteWait, true
	case "avoid":
		return RouteAvoid, true
	default:
		return "", false
	}
}

// Rank orders statuses for display: lower is better.
func (s RouteStatus) Rank() int {
	switch s {
	case RouteExecuteNow:
		return 0
	case RouteWait:
		return 1
	default:
		return 2
	}
}

type Allocation struct {
	DEX                string      `json:"dex"`
	AllocationFraction float64     `json:"allocationFraction"`
	Status             RouteStatus `json:"status"`
}

type RouteRecommendation struct {
	Timeframe                   string       `json:"timeframe"`
	PredictedLiquidityChangePct float64      `json:"predictedLiquidityChangePct"`
	RiskScore                   float64      `json:"riskScore"`
	Confidence                  float64      `json:"confidence"`
	Advice                      string       `json:"advice"`
	ExpectedSlippagePct         float64      `json:"expectedSlippagePct"`
	ExpectedSavingsUSD          float64      `json:"expectedSavingsUsd"`
	Allocations                 []Allocation `json:"allocations"`
	RiskAlerts                  []string     `json:"riskAlerts"`
	Rationale                   string       `json:"rationale"`
	Fallback                    bool         `json:"fallback"`
}

func (r RouteRecommendation) TotalAllocation() float64 {
	total := 0.0
	for _, alloc := range r.Allocations {
		total += alloc.AllocationFraction
	}
	return total
}

// RankedRoute is an allocation checked against on-chain state.
type RankedRoute struct {
	Allocation
	PoolID        string  `json:"pool_id,omitempty"`
	ReserveA      string  `json:"reserve_a"`
	ReserveB      string  `json:"reserve_b"`
	QuoteVerified bool    `json:"quote_verified"`
	QuotedOut     string  `json:"quoted_out,omitempty"`
	EffectiveRate float64 `json:"effective_rate"`
	Confidence    float64 `json:"confidence"`
	Rationale     string  `json:"rationale,omitempty"`
}
