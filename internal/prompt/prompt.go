// Package prompt turns an intent and a market snapshot into the recommender
// request. Build is pure: equal inputs always yield byte-identical prompts.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/shopspring/decimal"
)

// SchemaInstruction is appended verbatim to every system instruction.
const SchemaInstruction = `Respond with exactly one JSON object and nothing else: no prose, no markdown.
The object must have exactly these fields:
{
  "timeframe": string,
  "predictedLiquidityChangePct": number,
  "riskScore": number between 0 and 1,
  "confidence": number between 0 and 1,
  "advice": string,
  "expectedSlippagePct": number,
  "expectedSavingsUsd": number,
  "allocations": [{"dex": string (one of the allowed dex ids), "allocationFraction": number between 0 and 1, "status": "ExecuteNow" | "Wait" | "Avoid"}],
  "riskAlerts": [string],
  "rationale": string
}
The allocationFraction values must sum to at most 1. Any unallocated remainder is held back and not executed.`

const rolePreamble = `You are a DEX routing analyst. Given live liquidity signals for a token pair, recommend how to split the order across the allowed DEXes, when to execute, and what risks apply.`

type Prompt struct {
	SystemInstruction string `json:"system_instruction"`
	UserPayload       string `json:"user_payload"`
}

// Hash identifies the prompt for logs and output metadata.
func (p Prompt) Hash() string {
	sum := sha256.Sum256([]byte(p.SystemInstruction + "\x00" + p.UserPayload))
	return hex.EncodeToString(sum[:])
}

type sourceSummary struct {
	ID           string `json:"id"`
	Available    bool   `json:"available"`
	PoolCount    int    `json:"pool_count"`
	LiquidityUSD string `json:"liquidity_usd"`
	Reason       string `json:"reason,omitempty"`
}

type poolSummary struct {
	Source       string  `json:"source"`
	DEX          string  `json:"dex,omitempty"`
	Pair         string  `json:"pair"`
	ReserveOrTVL string  `json:"reserve_or_tvl"`
	FeeRate      *string `json:"fee_rate,omitempty"`
}

type payload struct {
	Action        string             `json:"action"`
	Pair          string             `json:"pair"`
	Amount        string             `json:"amount"`
	AmountToken   string             `json:"amount_token"`
	OrderValueUSD string             `json:"order_value_usd"`
	PricesUSD     map[string]float64 `json:"prices_usd"`
	Degraded      bool               `json:"degraded"`
	AllowedDEXes  []string           `json:"allowed_dexes"`
	Sources       []sourceSummary    `json:"sources"`
	Pools         []poolSummary      `json:"pools"`
	RequestedAt   string             `json:"requested_at"`
}

// Build serializes the request. allowedDEXes constrains the dex ids the
// recommender may name.
func Build(intent model.Intent, snap model.MarketSnapshot, allowedDEXes []string) Prompt {
	allowed := append([]string(nil), allowedDEXes...)
	sort.Strings(allowed)

	p := payload{
		Action:        string(intent.Action),
		Pair:          intent.Pair.String(),
		Amount:        normalizeAmount(intent.AmountA),
		AmountToken:   intent.Pair.A.Symbol,
		OrderValueUSD: orderValueUSD(intent, snap),
		PricesUSD:     snap.PriceByToken,
		Degraded:      snap.Degraded(),
		AllowedDEXes:  allowed,
		Sources:       []sourceSummary{},
		Pools:         []poolSummary{},
	}
	if p.Action == "" {
		p.Action = string(model.ActionSwap)
	}
	if p.PricesUSD == nil {
		p.PricesUSD = map[string]float64{}
	}
	if !snap.RequestedAt.IsZero() {
		p.RequestedAt = snap.RequestedAt.UTC().Format(time.RFC3339)
	}
	for _, id := range snap.SourceIDs() {
		res := snap.PerSource[id]
		liquidity := decimal.Zero
		for _, pool := range res.Pools {
			liquidity = liquidity.Add(decimal.NewFromFloat(pool.ReserveOrTVL))
			ps := poolSummary{
				Source:       id,
				DEX:          pool.DEX,
				Pair:         pool.TokenA + "/" + pool.TokenB,
				ReserveOrTVL: decimal.NewFromFloat(pool.ReserveOrTVL).StringFixed(2),
			}
			if pool.FeeRate != nil {
				fee := decimal.NewFromFloat(*pool.FeeRate).String()
				ps.FeeRate = &fee
			}
			p.Pools = append(p.Pools, ps)
		}
		p.Sources = append(p.Sources, sourceSummary{
			ID:           id,
			Available:    res.OK(),
			PoolCount:    len(res.Pools),
			LiquidityUSD: liquidity.StringFixed(2),
			Reason:       res.Reason,
		})
	}
	sort.SliceStable(p.Pools, func(i, j int) bool {
		if p.Pools[i].Source != p.Pools[j].Source {
			return p.Pools[i].Source < p.Pools[j].Source
		}
		return p.Pools[i].DEX < p.Pools[j].DEX
	})

	body, _ := json.MarshalIndent(p, "", "  ")
	return Prompt{
		SystemInstruction: systemInstruction(allowed, p.Degraded),
		UserPayload:       string(body),
	}
}

func systemInstruction(allowed []string, degraded bool) string {
	var b strings.Builder
	b.WriteString(rolePreamble)
	b.WriteString("\nAllowed dex ids: ")
	b.WriteString(strings.Join(allowed, ", "))
	b.WriteString(".\n")
	if degraded {
		b.WriteString("No liquidity source responded. Treat the market data as missing and be conservative.\n")
	}
	b.WriteString("\n")
	b.WriteString(SchemaInstruction)
	return b.String()
}

func normalizeAmount(raw string) string {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return "unknown"
	}
	return d.String()
}

func orderValueUSD(intent model.Intent, snap model.MarketSnapshot) string {
	amount, err := decimal.NewFromString(strings.TrimSpace(intent.AmountA))
	if err != nil {
		return "unknown"
	}
	price, ok := snap.PriceByToken[intent.Pair.A.Symbol]
	if !ok || price <= 0 {
		return "unknown"
	}
	return amount.Mul(decimal.NewFromFloat(price)).StringFixed(2)
}
