package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/auth"
	"github.com/unreal-ai/unreal-console/internal/config"
)

// Embedded holds a single private key in memory.
type Embedded struct {
	key  *ecdsa.PrivateKey
	addr common.Address
	log  *zap.Logger

	mu        sync.RWMutex
	connected bool
	chainID   int64
}

func NewEmbedded(hexKey string, chainID int64, log *zap.Logger) (*Embedded, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse wallet private key: %w", err)
	}
	return &Embedded{
		key:     key,
		addr:    crypto.PubkeyToAddress(key.PublicKey),
		log:     log,
		chainID: chainID,
	}, nil
}

func (w *Embedded) Kind() string { return config.WalletEmbedded }

func (w *Embedded) Connect(_ context.Context, preferred common.Address) (common.Address, error) {
	if preferred != (common.Address{}) && preferred != w.addr {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAccount, preferred.Hex())
	}
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	w.log.Info("wallet connected", zap.String("kind", w.Kind()), zap.String("address", w.addr.Hex()))
	return w.addr, nil
}

func (w *Embedded) Address() (common.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.connected {
		return common.Address{}, false
	}
	return w.addr, true
}

func (w *Embedded) ChainID(context.Context) (int64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chainID, nil
}

func (w *Embedded) SwitchChain(_ context.Context, chainID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chainID = chainID
	return nil
}

func (w *Embedded) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	if _, ok := w.Address(); !ok {
		return nil, ErrNotConnected
	}
	return auth.Sign(msg, w.key)
}

func (w *Embedded) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	if _, ok := w.Address(); !ok {
		return nil, ErrNotConnected
	}
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (w *Embedded) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if _, ok := w.Address(); !ok {
		return nil, ErrNotConnected
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
}

func (w *Embedded) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
}
