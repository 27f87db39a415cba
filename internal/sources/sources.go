// Package sources defines the liquidity source contract and the guards
// applied around every adapter.
package sources

import (
	"context"
	"time"

	"github.com/ggonzalez94/dexroute/internal/chain"
	"github.com/ggonzalez94/dexroute/internal/httpx"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/registry"
	"github.com/ggonzalez94/dexroute/internal/sources/llama"
	"github.com/ggonzalez94/dexroute/internal/sources/oracle"
	"github.com/ggonzalez94/dexroute/internal/sources/subgraph"
)

// Source fetches normalized liquidity or price data for one pair. Adapters
// return an error for any failure; callers convert it to an Unavailable result.
type Source interface {
	ID() string
	Fetch(ctx context.Context, pair model.Pair) (model.SourceResult, error)
}

type BuildOptions struct {
	HTTP          *httpx.Client
	Reader        chain.Reader
	PriceAPIURL   string
	OracleMaxAge  time.Duration
	DisablePrices bool
}

// Build returns one adapter per configured subgraph plus the price API and,
// when a chain reader is available, the on-chain oracle.
func Build(reg *registry.Registry, opts BuildOptions) []Source {
	var out []Source
	for _, dex := range reg.DEXes() {
		if dex.SubgraphURL == "" {
			continue
		}
		out = append(out, subgraph.New(opts.HTTP, dex))
	}
	if !opts.DisablePrices {
		out = append(out, llama.New(opts.HTTP, reg, opts.PriceAPIURL))
	}
	if opts.Reader != nil {
		out = append(out, oracle.New(opts.Reader, reg, opts.OracleMaxAge))
	}
	return out
}
