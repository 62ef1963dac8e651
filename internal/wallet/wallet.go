// Package wallet abstracts over the ways a user can hold keys: a single
// embedded key, a local keystore with several accounts, or an external
// EIP-1193 provider.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/config"
)

var (
	ErrNotConnected   = errors.New("wallet not connected")
	ErrUnknownAccount = errors.New("unknown account")
)

// Connector is a wallet the console can sign with. Every signing method
// fails with ErrNotConnected until Connect succeeds.
type Connector interface {
	Kind() string
	Connect(ctx context.Context, preferred common.Address) (common.Address, error)
	Address() (common.Address, bool)
	ChainID(ctx context.Context) (int64, error)
	SwitchChain(ctx context.Context, chainID int64) error
	// SignMessage signs msg with EIP-191 personal_sign.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Disconnect()
}

// New builds the connector selected by cfg.Kind.
func New(cfg config.WalletConfig, chainID int64, log *zap.Logger) (Connector, error) {
	log = log.Named("wallet")
	var (
		w   Connector
		err error
	)
	switch cfg.Kind {
	case config.WalletEmbedded:
		w, err = NewEmbedded(cfg.PrivateKey, chainID, log)
	case config.WalletKeystore:
		w, err = NewKeystore(cfg.KeystoreDir, cfg.Passphrase, chainID, log)
	case config.WalletInjected:
		w, err = NewInjected(cfg.ProviderURL, log)
	default:
		return nil, fmt.Errorf("unknown wallet kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}
