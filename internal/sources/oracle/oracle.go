// Package oracle reads USD prices from on-chain Chainlink aggregator feeds.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/dexroute/internal/chain"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/registry"
	"github.com/shopspring/decimal"
)

// Feeds resolves a token symbol to its aggregator contract.
type Feeds interface {
	Oracle(symbol string) (common.Address, bool)
}

type Source struct {
	reader chain.Reader
	feeds  Feeds
	maxAge time.Duration
	now    func() time.Time
}

// New builds the oracle source. Rounds older than maxAge are treated as stale.
func New(reader chain.Reader, feeds Feeds, maxAge time.Duration) *Source {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Source{reader: reader, feeds: feeds, maxAge: maxAge, now: time.Now}
}

func (s *Source) ID() string { return "oracle" }

func (s *Source) Fetch(ctx context.Context, pair model.Pair) (model.SourceResult, error) {
	prices := map[string]float64{}
	var problems []string
	for _, tok := range []model.Token{pair.A, pair.B} {
		feed, ok := s.feeds.Oracle(tok.Symbol)
		if !ok {
			continue
		}
		price, err := s.latest(ctx, feed)
		if err != nil {
			problems = append(problems, tok.Symbol+": "+err.Error())
			continue
		}
		prices[tok.Symbol] = price
	}
	if len(prices) == 0 {
		if len(problems) == 0 {
			return model.SourceResult{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no oracle feeds configured for %s", pair))
		}
		return model.SourceResult{}, clierr.New(clierr.CodeSourceUnavailable, "oracle read failed: "+strings.Join(problems, "; "))
	}
	return model.SourceResult{
		SourceID:  s.ID(),
		Pools:     []model.PoolSample{},
		Prices:    prices,
		FetchedAt: s.now().UTC(),
		Status:    model.SourceStatusOK,
	}, nil
}

func (s *Source) latest(ctx context.Context, feed common.Address) (float64, error) {
	decOut, err := s.reader.ReadContract(ctx, feed, registry.ChainlinkABI, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals returned %T", decOut[0])
	}
	round, err := s.reader.ReadContract(ctx, feed, registry.ChainlinkABI, "latestRoundData")
	if err != nil {
		return 0, err
	}
	if len(round) != 5 {
		return 0, fmt.Errorf("latestRoundData returned %d values", len(round))
	}
	answer, ok := round[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return 0, fmt.Errorf("non-positive answer")
	}
	updatedAt, ok := round[3].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("updatedAt returned %T", round[3])
	}
	age := s.now().Sub(time.Unix(updatedAt.Int64(), 0))
	if age > s.maxAge {
		return 0, fmt.Errorf("stale round (%s old)", age.Truncate(time.Second))
	}
	return decimal.NewFromBigInt(answer, -int32(decimals)).InexactFloat64(), nil
}
