// Package signer loads the local account that signs session transactions.
package signer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer signs transactions for a single account.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// KeySource selects where key material is read from.
type KeySource string

const (
	KeySourceAuto     KeySource = "auto"
	KeySourceEnv      KeySource = "env"
	KeySourceFile     KeySource = "file"
	KeySourceKeystore KeySource = "keystore"
)

func ParseKeySource(raw string) (KeySource, error) {
	switch src := KeySource(strings.ToLower(strings.TrimSpace(raw))); src {
	case "":
		return KeySourceAuto, nil
	case KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore:
		return src, nil
	default:
		return "", fmt.Errorf("unsupported key source %q (expected auto|env|file|keystore)", raw)
	}
}
