// Package poolid computes canonical, order-independent pool identifiers and
// cross-checks them against a DEX's on-chain getPoolId view.
package poolid

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ggonzalez94/dexroute/internal/chain"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/registry"
)

// ID is a 32-byte pool identifier.
type ID [32]byte

func (id ID) Hex() string { return hexutil.Encode(id[:]) }

func (id ID) String() string { return id.Hex() }

func (id ID) IsZero() bool { return id == ID{} }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

// Sort returns the two addresses in ascending byte order.
func Sort(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		return b, a
	}
	return a, b
}

// Compute returns keccak256(abi.encodePacked(min(a,b), max(a,b))).
func Compute(a, b common.Address) ID {
	lo, hi := Sort(a, b)
	return ID(crypto.Keccak256Hash(lo.Bytes(), hi.Bytes()))
}

// Resolver pairs the local computation with the on-chain view.
type Resolver struct {
	reader chain.Reader
}

func NewResolver(reader chain.Reader) *Resolver {
	return &Resolver{reader: reader}
}

// OnChain reads the pool id the DEX contract reports for the pair.
func (r *Resolver) OnChain(ctx context.Context, dex registry.DEX, a, b common.Address) (ID, error) {
	out, err := r.reader.ReadContract(ctx, dex.Contract, registry.PoolManagerABI, "getPoolId", a, b)
	if err != nil {
		return ID{}, err
	}
	if len(out) != 1 {
		return ID{}, clierr.New(clierr.CodeUnavailable, "getPoolId returned unexpected output")
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return ID{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("getPoolId returned %T", out[0]))
	}
	return ID(raw), nil
}

// Verify computes the local id and checks it against the DEX contract. A
// zero on-chain id means the pool does not exist. Any other disagreement is
// a configuration error and is reported, never corrected.
func (r *Resolver) Verify(ctx context.Context, dex registry.DEX, a, b common.Address) (ID, error) {
	local := Compute(a, b)
	remote, err := r.OnChain(ctx, dex, a, b)
	if err != nil {
		return local, clierr.Wrap(clierr.CodePoolUnavailable, fmt.Sprintf("read pool id on %s", dex.ID), err)
	}
	if remote.IsZero() {
		return local, clierr.New(clierr.CodePoolUnavailable, fmt.Sprintf("no %s pool on %s", pairLabel(a, b), dex.ID))
	}
	if remote != local {
		return local, clierr.New(clierr.CodeIdentityMismatch,
			fmt.Sprintf("pool id mismatch on %s: local %s, on-chain %s", dex.ID, local.Hex(), remote.Hex()))
	}
	return local, nil
}

func pairLabel(a, b common.Address) string {
	lo, hi := Sort(a, b)
	return lo.Hex()[:8] + "/" + hi.Hex()[:8]
}
