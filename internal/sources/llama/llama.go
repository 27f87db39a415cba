// Package llama fetches USD token prices from the DefiLlama coins API.
package llama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/httpx"
	"github.com/ggonzalez94/dexroute/internal/model"
)

const DefaultBaseURL = "https://coins.llama.fi"

// PriceIDs maps a token symbol to its DefiLlama coin id (e.g. coingecko:ethereum).
type PriceIDs interface {
	PriceID(symbol string) (string, bool)
}

type Source struct {
	http    *httpx.Client
	ids     PriceIDs
	baseURL string
	now     func() time.Time
}

func New(httpClient *httpx.Client, ids PriceIDs, baseURL string) *Source {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Source{http: httpClient, ids: ids, baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

func (s *Source) ID() string { return "llama" }

type coinsResponse struct {
	Coins map[string]struct {
		Price      float64 `json:"price"`
		Symbol     string  `json:"symbol"`
		Timestamp  int64   `json:"timestamp"`
		Confidence float64 `json:"confidence"`
	} `json:"coins"`
}

func (s *Source) Fetch(ctx context.Context, pair model.Pair) (model.SourceResult, error) {
	bySymbol := map[string]string{}
	coinIDs := make([]string, 0, 2)
	for _, tok := range []model.Token{pair.A, pair.B} {
		if coin, ok := s.ids.PriceID(tok.Symbol); ok {
			bySymbol[coin] = tok.Symbol
			coinIDs = append(coinIDs, coin)
		}
	}
	if len(coinIDs) == 0 {
		return model.SourceResult{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no price ids configured for %s", pair))
	}

	endpoint := s.baseURL + "/prices/current/" + strings.Join(coinIDs, ",") + "?searchWidth=4h"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.SourceResult{}, clierr.Wrap(clierr.CodeInternal, "build price request", err)
	}
	var resp coinsResponse
	if _, err := s.http.DoJSON(ctx, req, &resp); err != nil {
		return model.SourceResult{}, err
	}

	prices := map[string]float64{}
	for coin, quote := range resp.Coins {
		symbol, ok := bySymbol[coin]
		if !ok || quote.Price <= 0 {
			continue
		}
		prices[symbol] = quote.Price
	}
	if len(prices) == 0 {
		return model.SourceResult{}, clierr.New(clierr.CodeSourceUnavailable, "price api returned no usable quotes")
	}
	return model.SourceResult{
		SourceID:  s.ID(),
		Pools:     []model.PoolSample{},
		Prices:    prices,
		FetchedAt: s.now().UTC(),
		Status:    model.SourceStatusOK,
	}, nil
}
