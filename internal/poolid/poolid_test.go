package poolid

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/registry"
)

func TestComputeIsOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		var a, b common.Address
		rng.Read(a[:])
		rng.Read(b[:])
		if Compute(a, b) != Compute(b, a) {
			t.Fatalf("pool id differs by order for %s, %s", a.Hex(), b.Hex())
		}
	}
}

func TestComputeMatchesPackedKeccak(t *testing.T) {
	lo := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	hi := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	want := crypto.Keccak256(append(lo.Bytes(), hi.Bytes()...))
	got := Compute(hi, lo)
	if common.BytesToHash(want) != common.Hash(got) {
		t.Fatalf("expected %x, got %s", want, got.Hex())
	}
}

func TestSortUsesByteOrderNotChecksumCase(t *testing.T) {
	a := common.HexToAddress("0xABcdEFABcdEFabcdEfAbCdefabcdeFABcDEFabCD")
	b := common.HexToAddress("0x1000000000000000000000000000000000000000")
	lo, hi := Sort(a, b)
	if lo != b || hi != a {
		t.Fatalf("unexpected order %s %s", lo.Hex(), hi.Hex())
	}
}

type fakeReader struct {
	id  [32]byte
	err error
}

func (f fakeReader) ReadContract(_ context.Context, _ common.Address, _ abi.ABI, method string, _ ...any) ([]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []any{f.id}, nil
}

func TestVerifyAcceptsMatchingOnChainID(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	r := NewResolver(fakeReader{id: Compute(a, b)})
	id, err := r.Verify(context.Background(), registry.DEX{ID: "uniswap"}, b, a)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id != Compute(a, b) {
		t.Fatalf("unexpected id %s", id.Hex())
	}
}

func TestVerifyReportsMismatch(t *testing.T) {
	a := common.HexToAddress("0x01")
	b := common.HexToAddress("0x02")
	r := NewResolver(fakeReader{id: [32]byte{0xde, 0xad}})
	_, err := r.Verify(context.Background(), registry.DEX{ID: "curve"}, a, b)
	if !clierr.Is(err, clierr.CodeIdentityMismatch) {
		t.Fatalf("expected identity mismatch, got %v", err)
	}
}

func TestVerifyZeroOnChainIDIsPoolUnavailable(t *testing.T) {
	r := NewResolver(fakeReader{})
	_, err := r.Verify(context.Background(), registry.DEX{ID: "curve"}, common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	if !clierr.Is(err, clierr.CodePoolUnavailable) {
		t.Fatalf("expected pool unavailable, got %v", err)
	}
}

func TestVerifyReadFailureIsPoolUnavailable(t *testing.T) {
	r := NewResolver(fakeReader{err: errors.New("execution reverted")})
	_, err := r.Verify(context.Background(), registry.DEX{ID: "curve"}, common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	if !clierr.Is(err, clierr.CodePoolUnavailable) {
		t.Fatalf("expected pool unavailable, got %v", err)
	}
}
