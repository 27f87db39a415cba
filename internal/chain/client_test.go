package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/registry"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type mockRPC struct {
	t            *testing.T
	mu           sync.Mutex
	calls        map[string]int
	callResult   func(data []byte) (string, *rpcError)
	receiptAfter int
	receiptOK    bool
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func newMockRPC(t *testing.T) (*mockRPC, *httptest.Server) {
	t.Helper()
	m := &mockRPC{t: t, calls: map[string]int{}, receiptOK: true}
	server := httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(server.Close)
	return m, server
}

func (m *mockRPC) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *mockRPC) serve(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.calls[req.Method]++
	n := m.calls[req.Method]
	m.mu.Unlock()

	switch req.Method {
	case "eth_chainId":
		writeRPCResult(w, req.ID, "0x7a69")
	case "eth_call":
		var arg struct {
			Data  hexutil.Bytes `json:"data"`
			Input hexutil.Bytes `json:"input"`
		}
		_ = json.Unmarshal(req.Params[0], &arg)
		data := arg.Input
		if len(data) == 0 {
			data = arg.Data
		}
		if m.callResult == nil {
			writeRPCResult(w, req.ID, "0x")
			return
		}
		result, rpcErr := m.callResult(data)
		if rpcErr != nil {
			writeRPCError(w, req.ID, rpcErr)
			return
		}
		writeRPCResult(w, req.ID, result)
	case "eth_estimateGas":
		writeRPCResult(w, req.ID, "0x5208")
	case "eth_maxPriorityFeePerGas":
		writeRPCResult(w, req.ID, "0x77359400")
	case "eth_getBlockByNumber":
		writeRPCResult(w, req.ID, map[string]any{"baseFeePerGas": "0x3b9aca00"})
	case "eth_getTransactionCount":
		writeRPCResult(w, req.ID, "0x3")
	case "eth_sendRawTransaction":
		writeRPCResult(w, req.ID, common.Hash{}.Hex())
	case "eth_getTransactionReceipt":
		if n <= m.receiptAfter {
			writeRPCResult(w, req.ID, nil)
			return
		}
		var hash common.Hash
		_ = json.Unmarshal(req.Params[0], &hash)
		status := "0x1"
		if !m.receiptOK {
			status = "0x0"
		}
		writeRPCResult(w, req.ID, map[string]any{
			"transactionHash": hash.Hex(),
			"status":          status,
			"blockNumber":     "0x10",
			"logs":            []any{},
		})
	default:
		writeRPCError(w, req.ID, &rpcError{Code: -32601, Message: fmt.Sprintf("method not supported in test: %s", req.Method)})
	}
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, e *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "error": e})
}

type staticSigner struct{}

func (staticSigner) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (staticSigner) SignTx(_ *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

func dialTest(t *testing.T, url string, withSigner bool) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.RPCTimeout = time.Second
	var s staticSigner
	var c *Client
	var err error
	if withSigner {
		c, err = Dial(context.Background(), url, s, opts, nil)
	} else {
		c, err = Dial(context.Background(), url, nil, opts, nil)
	}
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestReadContractDecodesOutputs(t *testing.T) {
	m, server := newMockRPC(t)
	m.callResult = func(data []byte) (string, *rpcError) {
		method, err := registry.PoolManagerABI.MethodById(data[:4])
		if err != nil || method.Name != "getReserves" {
			t.Errorf("unexpected call selector %x", data[:4])
		}
		out, _ := method.Outputs.Pack(big.NewInt(10), big.NewInt(20))
		return hexutil.Encode(out), nil
	}
	c := dialTest(t, server.URL, false)
	out, err := c.ReadContract(context.Background(), common.HexToAddress("0x01"), registry.PoolManagerABI, "getReserves", [32]byte{1})
	if err != nil {
		t.Fatalf("ReadContract failed: %v", err)
	}
	if len(out) != 2 || out[0].(*big.Int).Int64() != 10 || out[1].(*big.Int).Int64() != 20 {
		t.Fatalf("unexpected outputs %v", out)
	}
}

func TestReadContractEmptyReturnIsUnavailable(t *testing.T) {
	_, server := newMockRPC(t)
	c := dialTest(t, server.URL, false)
	_, err := c.ReadContract(context.Background(), common.HexToAddress("0x01"), registry.ERC20ABI, "allowance", common.Address{}, common.Address{})
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestReadContractDecodesRevertReason(t *testing.T) {
	m, server := newMockRPC(t)
	m.callResult = func([]byte) (string, *rpcError) {
		return "", &rpcError{Code: 3, Message: "execution reverted", Data: hexutil.Encode(encodeErrorString(t, "pool missing"))}
	}
	c := dialTest(t, server.URL, false)
	_, err := c.ReadContract(context.Background(), common.HexToAddress("0x01"), registry.PoolManagerABI, "getPoolId", common.Address{}, common.Address{})
	if err == nil || !strings.Contains(err.Error(), "pool missing") {
		t.Fatalf("expected decoded revert reason, got %v", err)
	}
}

func TestSubmitTransactionRequiresSigner(t *testing.T) {
	_, server := newMockRPC(t)
	c := dialTest(t, server.URL, false)
	_, err := c.SubmitTransaction(context.Background(), common.HexToAddress("0x01"), nil)
	if !clierr.Is(err, clierr.CodeSigner) {
		t.Fatalf("expected signer error, got %v", err)
	}
}

func TestSubmitAndWaitForReceipt(t *testing.T) {
	m, server := newMockRPC(t)
	m.receiptAfter = 2
	c := dialTest(t, server.URL, true)
	hash, err := c.SubmitTransaction(context.Background(), common.HexToAddress("0x01"), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("SubmitTransaction failed: %v", err)
	}
	if m.count("eth_sendRawTransaction") != 1 {
		t.Fatalf("expected one broadcast, got %d", m.count("eth_sendRawTransaction"))
	}
	receipt, err := c.WaitForReceipt(context.Background(), hash)
	if err != nil {
		t.Fatalf("WaitForReceipt failed: %v", err)
	}
	if !receipt.Success || receipt.BlockNumber != 16 || receipt.TxHash != hash {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if m.count("eth_getTransactionReceipt") != 3 {
		t.Fatalf("expected three receipt polls, got %d", m.count("eth_getTransactionReceipt"))
	}
}

func TestWaitForReceiptReportsRevert(t *testing.T) {
	m, server := newMockRPC(t)
	m.receiptOK = false
	c := dialTest(t, server.URL, true)
	receipt, err := c.WaitForReceipt(context.Background(), common.HexToHash("0xab"))
	if err != nil {
		t.Fatalf("WaitForReceipt failed: %v", err)
	}
	if receipt.Success {
		t.Fatal("expected reverted receipt")
	}
}

func TestWaitForReceiptTimesOut(t *testing.T) {
	m, server := newMockRPC(t)
	m.receiptAfter = 1 << 30
	c := dialTest(t, server.URL, true)
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := c.WaitForReceipt(ctx, common.HexToHash("0xab"))
	if !clierr.Is(err, clierr.CodeActionTimeout) {
		t.Fatalf("expected action timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause, got %v", err)
	}
}

func TestDecodeRevertDataCustomErrorSelector(t *testing.T) {
	reason := decodeRevertData(common.FromHex("0x12345678"))
	if !strings.Contains(reason, "0x12345678") {
		t.Fatalf("expected custom error selector in reason, got %q", reason)
	}
}

func TestAcquireSignerNonceLockSerializesSameSignerChain(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	unlock := acquireSignerNonceLock(big.NewInt(1), addr)
	secondAcquired := make(chan struct{})
	go func() {
		unlockSecond := acquireSignerNonceLock(big.NewInt(1), addr)
		close(secondAcquired)
		unlockSecond()
	}()
	select {
	case <-secondAcquired:
		t.Fatal("expected second lock attempt to block while first lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-secondAcquired:
	case <-time.After(250 * time.Millisecond):
		t.Fatal("expected second lock attempt to acquire after unlock")
	}
}

func TestParseGwei(t *testing.T) {
	v, err := parseGwei("1.5")
	if err != nil || v.String() != "1500000000" {
		t.Fatalf("unexpected parse result %v %v", v, err)
	}
	if _, err := parseGwei("-1"); err == nil {
		t.Fatal("expected negative gwei error")
	}
}

func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("create abi string type: %v", err)
	}
	encoded, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	return append(common.FromHex("0x08c379a0"), encoded...)
}
