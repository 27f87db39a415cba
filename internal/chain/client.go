package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/dexroute/internal/chain/signer"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"go.uber.org/zap"
)

type Options struct {
	RPCTimeout         time.Duration
	PollInterval       time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	Simulate           bool
}

func DefaultOptions() Options {
	return Options{
		RPCTimeout:    10 * time.Second,
		PollInterval:  2 * time.Second,
		GasMultiplier: 1.2,
		Simulate:      true,
	}
}

// Client implements Reader and Wallet over ethclient. Without a signer it is
// read-only and every Wallet method fails with a signer error.
type Client struct {
	eth    *ethclient.Client
	signer signer.Signer
	opts   Options
	log    *zap.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

var (
	_ Reader = (*Client)(nil)
	_ Wallet = (*Client)(nil)
)

func Dial(ctx context.Context, rpcURL string, txSigner signer.Signer, opts Options, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, clierr.New(clierr.CodeUsage, "missing rpc url")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return NewClient(eth, txSigner, opts, log), nil
}

func NewClient(eth *ethclient.Client, txSigner signer.Signer, opts Options, log *zap.Logger) *Client {
	def := DefaultOptions()
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = def.RPCTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = def.GasMultiplier
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{eth: eth, signer: txSigner, opts: opts, log: log}
}

func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

func (c *Client) ReadContract(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method+" call", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()
	out, err := c.eth.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, wrapEVMExecutionError(clierr.CodeUnavailable, "call "+method, err)
	}
	if len(out) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("call %s: empty return data from %s", method, to.Hex()))
	}
	decoded, err := contract.Unpack(method, out)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode "+method+" response", err)
	}
	return decoded, nil
}

func (c *Client) Address() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// SubmitTransaction simulates, prices, signs and broadcasts a call to `to`.
// It returns once the node accepts the transaction; use WaitForReceipt to
// observe the outcome.
func (c *Client) SubmitTransaction(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, clierr.New(clierr.CodeSigner, "no signer configured for transaction submission")
	}
	from := c.signer.Address()
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	msg := ethereum.CallMsg{From: from, To: &to, Value: big.NewInt(0), Data: data}

	if c.opts.Simulate {
		simCtx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
		_, err := c.eth.CallContract(simCtx, msg, nil)
		cancel()
		if err != nil {
			return common.Hash{}, wrapEVMExecutionError(clierr.CodeActionFailed, "simulate transaction (eth_call)", err)
		}
	}
	gasLimit, err := c.estimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeActionFailed, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * c.opts.GasMultiplier)

	tipCap, err := c.resolveTipCap(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	baseFee, err := c.baseFee(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, c.opts.MaxFeeGwei)
	if err != nil {
		return common.Hash{}, err
	}

	unlock := acquireSignerNonceLock(chainID, from)
	defer unlock()
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := c.signer.SignTx(chainID, tx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	c.log.Info("transaction submitted",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit),
	)
	return signed.Hash(), nil
}

type rpcReceipt struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	Status          hexutil.Uint64 `json:"status"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	Logs            []*types.Log   `json:"logs"`
}

// WaitForReceipt polls until the transaction is mined or ctx ends. The caller
// bounds the wait through ctx; expiry yields CodeActionTimeout.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		var raw *rpcReceipt
		err := c.eth.Client().CallContext(ctx, &raw, "eth_getTransactionReceipt", hash)
		if err == nil && raw != nil {
			receipt := Receipt{
				TxHash:  hash,
				Success: uint64(raw.Status) == types.ReceiptStatusSuccessful,
				Logs:    raw.Logs,
			}
			if raw.BlockNumber != nil {
				receipt.BlockNumber = (*big.Int)(raw.BlockNumber).Uint64()
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			c.log.Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return Receipt{}, clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt "+hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()
	id, err := c.eth.ChainID(callCtx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	c.chainID = id
	return id, nil
}

func (c *Client) estimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()
	arg := map[string]any{
		"from": msg.From,
		"to":   msg.To,
		"data": hexutil.Bytes(msg.Data),
	}
	var estimated hexutil.Uint64
	if err := c.eth.Client().CallContext(callCtx, &estimated, "eth_estimateGas", arg, "pending"); err != nil {
		return 0, err
	}
	return uint64(estimated), nil
}

func (c *Client) baseFee(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()
	var block struct {
		BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := c.eth.Client().CallContext(callCtx, &block, "eth_getBlockByNumber", "latest", false); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch latest block", err)
	}
	if block.BaseFeePerGas == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return new(big.Int).Set((*big.Int)(block.BaseFeePerGas)), nil
}

func (c *Client) resolveTipCap(ctx context.Context) (*big.Int, error) {
	if strings.TrimSpace(c.opts.MaxPriorityFeeGwei) != "" {
		v, err := parseGwei(c.opts.MaxPriorityFeeGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max priority fee", err)
		}
		return v, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.RPCTimeout)
	defer cancel()
	tipCap, err := c.eth.SuggestGasTipCap(callCtx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max fee", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "max fee must be >= max priority fee")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	return feeCap.Add(feeCap, tipCap), nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

var signerNonceLocks sync.Map

// acquireSignerNonceLock serialises nonce allocation per (chain, account).
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := chainID.String() + ":" + strings.ToLower(addr.Hex())
	v, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
