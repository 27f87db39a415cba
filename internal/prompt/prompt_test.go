package prompt

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/dexroute/internal/model"
)

func testIntent() model.Intent {
	return model.Intent{
		Action:  model.ActionSwap,
		Pair:    model.Pair{A: model.Token{Symbol: "WETH"}, B: model.Token{Symbol: "USDC"}},
		AmountA: "1.5",
	}
}

func testSnapshot() model.MarketSnapshot {
	fee := 0.0004
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.MarketSnapshot{
		PerSource: map[string]model.SourceResult{
			"subgraph:uniswap": {SourceID: "subgraph:uniswap", Status: model.SourceStatusOK, Pools: []model.PoolSample{
				{DEX: "uniswap", TokenA: "WETH", TokenB: "USDC", ReserveOrTVL: 1000000},
			}},
			"subgraph:curve": {SourceID: "subgraph:curve", Status: model.SourceStatusOK, Pools: []model.PoolSample{
				{DEX: "curve", TokenA: "WETH", TokenB: "USDC", ReserveOrTVL: 2500000.5, FeeRate: &fee},
			}},
			"oracle": model.Unavailable("oracle", at, "rpc down"),
		},
		PriceByToken: map[string]float64{"WETH": 3000, "USDC": 1},
		RequestedAt:  at,
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	dexes := []string{"uniswap", "curve"}
	first := Build(testIntent(), testSnapshot(), dexes)
	for i := 0; i < 20; i++ {
		again := Build(testIntent(), testSnapshot(), []string{"curve", "uniswap"})
		if again != first {
			t.Fatal("expected identical prompt for identical inputs")
		}
	}
	if first.Hash() == "" || first.Hash() != Build(testIntent(), testSnapshot(), dexes).Hash() {
		t.Fatal("expected stable hash")
	}
}

func TestBuildSerializesOrderAndSources(t *testing.T) {
	p := Build(testIntent(), testSnapshot(), []string{"uniswap", "curve"})
	var decoded payload
	if err := json.Unmarshal([]byte(p.UserPayload), &decoded); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if decoded.Pair != "WETH/USDC" || decoded.Amount != "1.5" || decoded.OrderValueUSD != "4500.00" {
		t.Fatalf("unexpected order fields %+v", decoded)
	}
	if len(decoded.Sources) != 3 || decoded.Sources[0].ID != "oracle" || decoded.Sources[0].Available {
		t.Fatalf("expected sorted sources with oracle unavailable, got %+v", decoded.Sources)
	}
	if decoded.Sources[1].ID != "subgraph:curve" || decoded.Sources[1].PoolCount != 1 || decoded.Sources[1].LiquidityUSD != "2500000.50" {
		t.Fatalf("unexpected curve summary %+v", decoded.Sources[1])
	}
	if len(decoded.AllowedDEXes) != 2 || decoded.AllowedDEXes[0] != "curve" {
		t.Fatalf("expected sorted allowed dexes, got %v", decoded.AllowedDEXes)
	}
}

func TestSchemaInstructionAlwaysAppended(t *testing.T) {
	empty := model.MarketSnapshot{}
	intent := model.Intent{Pair: model.Pair{A: model.Token{Symbol: "X"}, B: model.Token{Symbol: "Y"}}, AmountA: "not-a-number"}
	for _, p := range []Prompt{
		Build(testIntent(), testSnapshot(), []string{"uniswap"}),
		Build(intent, empty, nil),
	} {
		if !strings.HasSuffix(p.SystemInstruction, SchemaInstruction) {
			t.Fatalf("expected schema instruction suffix, got %q", p.SystemInstruction)
		}
	}
	sparse := Build(intent, empty, nil)
	if !strings.Contains(sparse.UserPayload, `"order_value_usd": "unknown"`) || !strings.Contains(sparse.UserPayload, `"degraded": true`) {
		t.Fatalf("expected degraded payload with unknown order value, got %s", sparse.UserPayload)
	}
}
