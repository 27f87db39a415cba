// Package subgraph reads pool reserves from a DEX's Uniswap-v2 style subgraph.
package subgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/httpx"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/registry"
	"github.com/shopspring/decimal"
)

const pairsQuery = `query Pairs($tokens: [String!]!, $first: Int!) {
  pairs(first: $first, orderBy: reserveUSD, orderDirection: desc, where: {token0_in: $tokens, token1_in: $tokens}) {
    id
    token0 { id symbol }
    token1 { id symbol }
    reserve0
    reserve1
    reserveUSD
  }
}`

type Source struct {
	http *httpx.Client
	dex  registry.DEX
	now  func() time.Time
}

func New(httpClient *httpx.Client, dex registry.DEX) *Source {
	return &Source{http: httpClient, dex: dex, now: time.Now}
}

func (s *Source) ID() string { return "subgraph:" + s.dex.ID }

type graphRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphToken struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
}

type graphPair struct {
	ID         string     `json:"id"`
	Token0     graphToken `json:"token0"`
	Token1     graphToken `json:"token1"`
	Reserve0   string     `json:"reserve0"`
	Reserve1   string     `json:"reserve1"`
	ReserveUSD string     `json:"reserveUSD"`
}

type graphResponse struct {
	Data struct {
		Pairs []graphPair `json:"pairs"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *Source) Fetch(ctx context.Context, pair model.Pair) (model.SourceResult, error) {
	if strings.TrimSpace(s.dex.SubgraphURL) == "" {
		return model.SourceResult{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("dex %s has no subgraph configured", s.dex.ID))
	}
	body, err := json.Marshal(graphRequest{
		Query: pairsQuery,
		Variables: map[string]any{
			"tokens": []string{strings.ToLower(pair.A.Address.Hex()), strings.ToLower(pair.B.Address.Hex())},
			"first":  10,
		},
	})
	if err != nil {
		return model.SourceResult{}, clierr.Wrap(clierr.CodeInternal, "marshal subgraph query", err)
	}
	var resp graphResponse
	if _, err := httpx.DoBodyJSON(ctx, s.http, http.MethodPost, s.dex.SubgraphURL, body, map[string]string{"Content-Type": "application/json"}, &resp); err != nil {
		return model.SourceResult{}, err
	}
	if len(resp.Errors) > 0 {
		return model.SourceResult{}, clierr.New(clierr.CodeSourceUnavailable, "subgraph error: "+resp.Errors[0].Message)
	}

	fee := s.dex.FeeRate
	pools := make([]model.PoolSample, 0, len(resp.Data.Pairs))
	for _, p := range resp.Data.Pairs {
		if strings.EqualFold(p.Token0.ID, p.Token1.ID) {
			continue
		}
		tvl, err := decimal.NewFromString(strings.TrimSpace(p.ReserveUSD))
		if err != nil {
			tvl = decimal.Zero
		}
		sample := model.PoolSample{
			DEX:          s.dex.ID,
			TokenA:       symbolFor(pair, p.Token0),
			TokenB:       symbolFor(pair, p.Token1),
			ReserveOrTVL: tvl.InexactFloat64(),
			PoolRef:      p.ID,
		}
		if fee > 0 {
			sample.FeeRate = &fee
		}
		pools = append(pools, sample)
	}
	return model.SourceResult{
		SourceID:  s.ID(),
		Pools:     pools,
		FetchedAt: s.now().UTC(),
		Status:    model.SourceStatusOK,
	}, nil
}

func symbolFor(pair model.Pair, tok graphToken) string {
	switch {
	case strings.EqualFold(tok.ID, pair.A.Address.Hex()):
		return pair.A.Symbol
	case strings.EqualFold(tok.ID, pair.B.Address.Hex()):
		return pair.B.Symbol
	default:
		return strings.ToUpper(tok.Symbol)
	}
}
