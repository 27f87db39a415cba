// Package chain is the wallet/RPC boundary: contract reads, transaction
// submission and receipt tracking against an EVM JSON-RPC endpoint.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reader performs view calls and returns the decoded outputs.
type Reader interface {
	ReadContract(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error)
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash      common.Hash  `json:"tx_hash"`
	Success     bool         `json:"success"`
	BlockNumber uint64       `json:"block_number"`
	Logs        []*types.Log `json:"logs,omitempty"`
}

// Wallet submits state-changing transactions from one account.
type Wallet interface {
	Address() common.Address
	SubmitTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error)
	WaitForReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
}
