package oracle

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/model"
)

type feedMap map[string]common.Address

func (f feedMap) Oracle(symbol string) (common.Address, bool) {
	v, ok := f[symbol]
	return v, ok
}

type round struct {
	answer    int64
	updatedAt time.Time
}

type fakeReader map[common.Address]round

func (f fakeReader) ReadContract(_ context.Context, to common.Address, _ abi.ABI, method string, _ ...any) ([]any, error) {
	r, ok := f[to]
	if !ok {
		return nil, fmt.Errorf("no contract at %s", to.Hex())
	}
	switch method {
	case "decimals":
		return []any{uint8(8)}, nil
	case "latestRoundData":
		return []any{big.NewInt(1), big.NewInt(r.answer), big.NewInt(0), big.NewInt(r.updatedAt.Unix()), big.NewInt(1)}, nil
	}
	return nil, fmt.Errorf("unexpected method %s", method)
}

var (
	wethFeed = common.HexToAddress("0x01")
	usdcFeed = common.HexToAddress("0x02")
	pair     = model.Pair{A: model.Token{Symbol: "WETH"}, B: model.Token{Symbol: "USDC"}}
)

func TestFetchScalesAnswerByDecimals(t *testing.T) {
	now := time.Now()
	s := New(fakeReader{
		wethFeed: {answer: 301250000000, updatedAt: now.Add(-time.Minute)},
		usdcFeed: {answer: 100010000, updatedAt: now},
	}, feedMap{"WETH": wethFeed, "USDC": usdcFeed}, time.Hour)
	res, err := s.Fetch(context.Background(), pair)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Prices["WETH"] != 3012.5 || res.Prices["USDC"] != 1.0001 {
		t.Fatalf("unexpected prices %v", res.Prices)
	}
}

func TestFetchSkipsStaleRounds(t *testing.T) {
	now := time.Now()
	s := New(fakeReader{
		wethFeed: {answer: 301250000000, updatedAt: now.Add(-2 * time.Hour)},
		usdcFeed: {answer: 100000000, updatedAt: now},
	}, feedMap{"WETH": wethFeed, "USDC": usdcFeed}, time.Hour)
	res, err := s.Fetch(context.Background(), pair)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if _, ok := res.Prices["WETH"]; ok {
		t.Fatal("expected stale WETH round to be dropped")
	}
	if res.Prices["USDC"] != 1 {
		t.Fatalf("unexpected USDC price %v", res.Prices["USDC"])
	}
}

func TestFetchAllStaleIsUnavailable(t *testing.T) {
	s := New(fakeReader{wethFeed: {answer: 1, updatedAt: time.Unix(0, 0)}}, feedMap{"WETH": wethFeed}, time.Minute)
	if _, err := s.Fetch(context.Background(), pair); !clierr.Is(err, clierr.CodeSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}
}

func TestFetchWithoutFeeds(t *testing.T) {
	s := New(fakeReader{}, feedMap{}, time.Minute)
	if _, err := s.Fetch(context.Background(), pair); !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
}
