package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/chain/chaintest"
	"github.com/unreal-ai/unreal-console/internal/retry"
)

// ── test keys (Anvil default accounts) ────────────────────────────────────────

var (
	providerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	userKeyHex     = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

// keySigner is a TxSigner over a raw private key.
type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newKeySigner(t *testing.T, hexKey string) *keySigner {
	t.Helper()
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return &keySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *keySigner) Address() (common.Address, bool) { return s.addr, s.key != nil }

func (s *keySigner) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func newNodeWaiter(t *testing.T) (*Waiter, *chaintest.Node) {
	t.Helper()
	node := chaintest.New(t, 31337)
	f := newTestFactory(t, node.Registry(common.Address{}))
	w, err := f.Waiter(context.Background(), 31337, fastPolicy)
	if err != nil {
		t.Fatalf("Waiter: %v", err)
	}
	return w, node
}

// ── Receipt outcomes ─────────────────────────────────────────────────────────

func TestWaitForReceipt_Success(t *testing.T) {
	w, node := newNodeWaiter(t)
	hash := common.HexToHash("0x01")
	node.AddReceipt(hash, true)

	rec, err := w.WaitForReceipt(context.Background(), hash, WaitOptions{Timeout: time.Second, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if rec.Status != types.ReceiptStatusSuccessful {
		t.Errorf("status: got %d", rec.Status)
	}
}

func TestWaitForReceipt_RevertedIsImmediate(t *testing.T) {
	w, node := newNodeWaiter(t)
	hash := common.HexToHash("0x02")
	node.AddReceipt(hash, false)

	before := node.Requests()
	_, err := w.WaitForReceipt(context.Background(), hash, WaitOptions{Timeout: 5 * time.Second, PollInterval: 10 * time.Millisecond})
	if !IsReverted(err) {
		t.Fatalf("expected reverted, got %v", err)
	}
	var te *TransactionError
	if errors.As(err, &te) && te.TxHash != hash {
		t.Errorf("TxHash: got %s", te.TxHash.Hex())
	}
	if got := node.Requests() - before; got != 1 {
		t.Errorf("reverted receipt should not be re-polled: %d requests", got)
	}
}

func TestWaitForReceipt_Timeout(t *testing.T) {
	w, _ := newNodeWaiter(t)

	_, err := w.WaitForReceipt(context.Background(), common.HexToHash("0x03"), WaitOptions{Timeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond})
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWaitForReceipt_WaitsForConfirmations(t *testing.T) {
	w, node := newNodeWaiter(t)
	hash := common.HexToHash("0x04")
	node.AddReceipt(hash, true)

	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(20 * time.Millisecond)
			node.Mine(1)
		}
	}()

	rec, err := w.WaitForReceipt(context.Background(), hash, WaitOptions{Confirmations: 3, Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if latest := node.BlockNumber(); latest+1 < rec.BlockNumber.Uint64()+3 {
		t.Errorf("returned before 3 confirmations: receipt block %d latest %d", rec.BlockNumber.Uint64(), latest)
	}
}

// ── Transient failures ───────────────────────────────────────────────────────

type flakyReader struct {
	failures atomic.Int32
	calls    atomic.Int32
	receipt  *types.Receipt
}

func (r *flakyReader) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	r.calls.Add(1)
	if r.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	if r.receipt == nil {
		return nil, ethereum.NotFound
	}
	return r.receipt, nil
}

func (r *flakyReader) BlockNumber(context.Context) (uint64, error) { return 10, nil }

func (r *flakyReader) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, errors.New("unavailable")
}

func TestWaitForReceipt_RetriesTransientErrors(t *testing.T) {
	r := &flakyReader{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}}
	r.failures.Store(2)
	w := NewWaiter(r, fastPolicy, zap.NewNop())

	if _, err := w.WaitForReceipt(context.Background(), common.Hash{}, WaitOptions{Timeout: time.Second}); err != nil {
		t.Fatalf("WaitForReceipt: %v", err)
	}
	if got := r.calls.Load(); got != 3 {
		t.Errorf("receipt calls: got %d want 3", got)
	}
}

func TestWaitForReceipt_TransientErrorsExhausted(t *testing.T) {
	r := &flakyReader{}
	r.failures.Store(100)
	w := NewWaiter(r, fastPolicy, zap.NewNop())

	_, err := w.WaitForReceipt(context.Background(), common.Hash{}, WaitOptions{Timeout: time.Second})
	if err == nil || IsTimeout(err) {
		t.Fatalf("expected the rpc error to surface, got %v", err)
	}
	// One attempt plus three retries.
	if got := r.calls.Load(); got != 4 {
		t.Errorf("receipt calls: got %d want 4", got)
	}
	if retry.Confirmation().MaxRetries != 3 {
		t.Errorf("confirmation policy retries: got %d want 3", retry.Confirmation().MaxRetries)
	}
}

// ── Timeout derivation ───────────────────────────────────────────────────────

func TestAverageBlockTime(t *testing.T) {
	w, _ := newNodeWaiter(t)
	avg, err := w.AverageBlockTime(context.Background(), BlockTimeSample)
	if err != nil {
		t.Fatalf("AverageBlockTime: %v", err)
	}
	if avg != chaintest.BlockTime*time.Second {
		t.Errorf("avg: got %v want %ds", avg, chaintest.BlockTime)
	}
}

func TestDeriveTimeout(t *testing.T) {
	w, _ := newNodeWaiter(t)
	// 2s blocks × 1 confirmation × 30 = 60s
	if got := w.deriveTimeout(context.Background(), 1); got != 60*time.Second {
		t.Errorf("1 confirmation: got %v want 60s", got)
	}

	fallback := NewWaiter(&flakyReader{}, fastPolicy, zap.NewNop())
	if got := fallback.deriveTimeout(context.Background(), 1); got != FallbackTimeout {
		t.Errorf("sampling failure: got %v want %v", got, FallbackTimeout)
	}
}
