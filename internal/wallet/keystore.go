package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/auth"
	"github.com/unreal-ai/unreal-console/internal/config"
)

// Keystore selects one of several accounts in a go-ethereum keystore
// directory.
type Keystore struct {
	ks         *keystore.KeyStore
	passphrase string
	log        *zap.Logger

	mu      sync.RWMutex
	account *accounts.Account
	chainID int64
}

func NewKeystore(dir, passphrase string, chainID int64, log *zap.Logger) (*Keystore, error) {
	if dir == "" {
		return nil, fmt.Errorf("keystore directory is required")
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return openKeystore(ks, passphrase, chainID, log), nil
}

func openKeystore(ks *keystore.KeyStore, passphrase string, chainID int64, log *zap.Logger) *Keystore {
	return &Keystore{ks: ks, passphrase: passphrase, chainID: chainID, log: log}
}

func (w *Keystore) Kind() string { return config.WalletKeystore }

// Accounts lists every address in the keystore.
func (w *Keystore) Accounts() []common.Address {
	accts := w.ks.Accounts()
	out := make([]common.Address, len(accts))
	for i, a := range accts {
		out[i] = a.Address
	}
	return out
}

// Connect unlocks preferred, or the first account when preferred is zero.
// Switching accounts locks the one connected before.
func (w *Keystore) Connect(_ context.Context, preferred common.Address) (common.Address, error) {
	var acct accounts.Account
	if preferred != (common.Address{}) {
		found, err := w.ks.Find(accounts.Account{Address: preferred})
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAccount, preferred.Hex())
		}
		acct = found
	} else {
		all := w.ks.Accounts()
		if len(all) == 0 {
			return common.Address{}, fmt.Errorf("%w: keystore is empty", ErrUnknownAccount)
		}
		acct = all[0]
	}
	if err := w.ks.Unlock(acct, w.passphrase); err != nil {
		return common.Address{}, fmt.Errorf("unlock %s: %w", acct.Address.Hex(), err)
	}

	w.mu.Lock()
	prev := w.account
	w.account = &acct
	w.mu.Unlock()
	if prev != nil && prev.Address != acct.Address {
		if err := w.ks.Lock(prev.Address); err != nil {
			w.log.Warn("lock previous account failed", zap.String("address", prev.Address.Hex()), zap.Error(err))
		}
	}
	w.log.Info("wallet connected", zap.String("kind", w.Kind()), zap.String("address", acct.Address.Hex()))
	return acct.Address, nil
}

func (w *Keystore) Address() (common.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.account == nil {
		return common.Address{}, false
	}
	return w.account.Address, true
}

func (w *Keystore) ChainID(context.Context) (int64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.chainID, nil
}

func (w *Keystore) SwitchChain(_ context.Context, chainID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chainID = chainID
	return nil
}

func (w *Keystore) current() (accounts.Account, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.account == nil {
		return accounts.Account{}, ErrNotConnected
	}
	return *w.account, nil
}

func (w *Keystore) signHash(hash []byte) ([]byte, error) {
	acct, err := w.current()
	if err != nil {
		return nil, err
	}
	sig, err := w.ks.SignHash(acct, hash)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func (w *Keystore) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	return w.signHash(auth.HashMessage(msg))
}

func (w *Keystore) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return w.signHash(digest)
}

func (w *Keystore) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	acct, err := w.current()
	if err != nil {
		return nil, err
	}
	return w.ks.SignTx(acct, tx, chainID)
}

func (w *Keystore) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.account != nil {
		_ = w.ks.Lock(w.account.Address)
		w.account = nil
	}
}
