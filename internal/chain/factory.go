// Package chain builds cached, retrying RPC clients for the chains in the
// registry and waits for transaction confirmations.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/chains"
	"github.com/unreal-ai/unreal-console/internal/retry"
)

// TxSigner is the part of a wallet needed to send transactions.
type TxSigner interface {
	Address() (common.Address, bool)
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// ReadClient is an ethclient bound to one chain.
type ReadClient struct {
	*ethclient.Client
	Chain chains.ChainConfig
	URL   string
}

// WriteClient is a ReadClient that signs with a wallet.
type WriteClient struct {
	*ReadClient
	From   common.Address
	signer TxSigner
}

// TransactOpts returns bind options whose signer delegates to the wallet.
func (w *WriteClient) TransactOpts(ctx context.Context) *bind.TransactOpts {
	chainID := big.NewInt(w.Chain.ID)
	return &bind.TransactOpts{
		From:    w.From,
		Context: ctx,
		Signer: func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != w.From {
				return nil, bind.ErrNotAuthorized
			}
			return w.signer.SignTx(ctx, tx, chainID)
		},
	}
}

// Factory hands out one client per chain (and per wallet and chain) for the
// life of the process.
type Factory struct {
	reg    *chains.Registry
	policy retry.Policy
	log    *zap.Logger
	http   *http.Client

	mu    sync.Mutex
	cache *gocache.Cache
	pick  func(n int) int
}

// NewFactory builds a factory whose HTTP transport retries with policy.
func NewFactory(reg *chains.Registry, policy retry.Policy, log *zap.Logger) *Factory {
	log = log.Named("chain")
	return &Factory{
		reg:    reg,
		policy: policy,
		log:    log,
		http:   &http.Client{Transport: newRetryTransport(http.DefaultTransport, policy, log)},
		cache:  gocache.New(gocache.NoExpiration, 0),
		pick:   rand.IntN,
	}
}

// Registry returns the chain table the factory dials from.
func (f *Factory) Registry() *chains.Registry { return f.reg }

// PublicClient returns the cached read client for chainID, dialing on first
// use. A chainID of 0 selects the default chain.
func (f *Factory) PublicClient(ctx context.Context, chainID int64) (*ReadClient, error) {
	cfg, err := f.reg.Resolve(chainID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("public:%d", cfg.ID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cache.Get(key); ok {
		return c.(*ReadClient), nil
	}
	c, err := f.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.cache.Set(key, c, gocache.NoExpiration)
	return c, nil
}

// WalletClient returns the cached write client for the signer's address on
// chainID.
func (f *Factory) WalletClient(ctx context.Context, signer TxSigner, chainID int64) (*WriteClient, error) {
	if signer == nil {
		return nil, &TransactionError{Reason: ReasonAccountRequired}
	}
	from, ok := signer.Address()
	if !ok {
		return nil, &TransactionError{Reason: ReasonAccountRequired}
	}
	cfg, err := f.reg.Resolve(chainID)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("wallet:%s:%d", from.Hex(), cfg.ID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cache.Get(key); ok {
		return c.(*WriteClient), nil
	}
	rc, err := f.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	wc := &WriteClient{ReadClient: rc, From: from, signer: signer}
	f.cache.Set(key, wc, gocache.NoExpiration)
	return wc, nil
}

// Waiter returns a confirmation waiter over the read client for chainID.
func (f *Factory) Waiter(ctx context.Context, chainID int64, policy retry.Policy) (*Waiter, error) {
	rc, err := f.PublicClient(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return NewWaiter(rc, policy, f.log), nil
}

// Close closes every cached client.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, item := range f.cache.Items() {
		switch c := item.Object.(type) {
		case *ReadClient:
			c.Close()
		case *WriteClient:
			c.Close()
		}
		f.cache.Delete(key)
	}
}

// dial must be called with f.mu held.
func (f *Factory) dial(ctx context.Context, cfg chains.ChainConfig) (*ReadClient, error) {
	url := cfg.RPCURLs[f.pick(len(cfg.RPCURLs))]

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rc, err := rpc.DialOptions(dialCtx, url, rpc.WithHTTPClient(f.http))
	if err != nil {
		return nil, fmt.Errorf("dial chain %d rpc: %w", cfg.ID, err)
	}
	f.log.Info("rpc client created", zap.Int64("chain_id", cfg.ID), zap.String("url", url))
	return &ReadClient{Client: ethclient.NewClient(rc), Chain: cfg, URL: url}, nil
}
