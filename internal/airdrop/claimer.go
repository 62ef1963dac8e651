// Package airdrop claims the faucet airdrop and follows its transaction to
// confirmation.
package airdrop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/backend"
	"github.com/unreal-ai/unreal-console/internal/chain"
	"github.com/unreal-ai/unreal-console/internal/config"
	"github.com/unreal-ai/unreal-console/internal/retry"
	"github.com/unreal-ai/unreal-console/internal/session"
	"github.com/unreal-ai/unreal-console/internal/wallet"
)

const (
	DefaultPollInterval = 10 * time.Second
	DefaultTimeout      = 20 * time.Minute
)

type Outcome string

const (
	OutcomeAlreadyClaimed Outcome = "already_claimed"
	OutcomeConfirming     Outcome = "confirming"
	OutcomeConfirmed      Outcome = "confirmed"
)

// Attempt is one claim as the user sees it.
type Attempt struct {
	Outcome     Outcome     `json:"outcome"`
	Message     string      `json:"message"`
	TxHash      common.Hash `json:"txHash,omitempty"`
	ChainID     int64       `json:"chainId"`
	ExplorerURL string      `json:"explorerUrl,omitempty"`
	BlockNumber uint64      `json:"blockNumber,omitempty"`
}

type Backend interface {
	ClaimAirdrop(ctx context.Context, bearer string, address common.Address) (*backend.AirdropResponse, error)
}

type Session interface {
	Token() (string, error)
	Snapshot() session.Snapshot
}

type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Policy       retry.Policy
	// OnConfirmed runs after a confirmed claim.
	OnConfirmed func(ctx context.Context)
	// Progress sees the attempt when confirmation polling starts.
	Progress func(Attempt)
}

// OptionsFromConfig fills poll interval and timeout from cfg.
func OptionsFromConfig(cfg config.AirdropConfig, policy retry.Policy) Options {
	return Options{PollInterval: cfg.PollInterval, Timeout: cfg.Timeout, Policy: policy}
}

type Claimer struct {
	backend Backend
	session Session
	factory *chain.Factory
	opts    Options
	log     *zap.Logger
}

func NewClaimer(b Backend, s Session, factory *chain.Factory, opts Options, log *zap.Logger) *Claimer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Policy.MaxRetries == 0 && opts.Policy.Initial == 0 {
		opts.Policy = retry.Confirmation()
	}
	return &Claimer{backend: b, session: s, factory: factory, opts: opts, log: log.Named("airdrop")}
}

// Claim requests the airdrop and, unless it was already claimed and
// confirmed, waits for the transaction. The returned attempt is non-nil
// whenever the backend answered.
func (c *Claimer) Claim(ctx context.Context) (*Attempt, error) {
	bearer, err := c.session.Token()
	if err != nil {
		return nil, err
	}
	snap := c.session.Snapshot()
	if !snap.Connected {
		return nil, wallet.ErrNotConnected
	}
	chainID := snap.ChainID
	if chainID == 0 {
		chainID = c.factory.Registry().DefaultID()
	}

	resp, err := c.backend.ClaimAirdrop(ctx, bearer, snap.Address)
	if err != nil {
		return nil, fmt.Errorf("claim airdrop: %w", err)
	}
	if resp.AlreadyClaimed && resp.Confirmed {
		c.log.Info("airdrop already claimed", zap.String("address", snap.Address.Hex()))
		return &Attempt{Outcome: OutcomeAlreadyClaimed, Message: "Airdrop Already Claimed", ChainID: chainID}, nil
	}

	hashBytes, err := hexutil.Decode(resp.TxHash)
	if err != nil || len(hashBytes) != common.HashLength {
		return nil, fmt.Errorf("backend returned invalid airdrop tx hash %q", resp.TxHash)
	}
	attempt := &Attempt{
		Outcome: OutcomeConfirming,
		Message: resp.Message,
		TxHash:  common.BytesToHash(hashBytes),
		ChainID: chainID,
	}
	if u, err := c.factory.Registry().ExplorerTxURL(chainID, attempt.TxHash); err == nil {
		attempt.ExplorerURL = u
	}
	if c.opts.Progress != nil {
		c.opts.Progress(*attempt)
	}

	rec, err := c.wait(ctx, attempt.TxHash, chainID)
	if err != nil {
		return attempt, err
	}
	attempt.Outcome = OutcomeConfirmed
	attempt.Message = "Airdrop Confirmed"
	attempt.BlockNumber = rec.BlockNumber.Uint64()
	c.log.Info("airdrop confirmed",
		zap.String("tx", attempt.TxHash.Hex()),
		zap.Uint64("block", attempt.BlockNumber),
	)

	// The bearer token's quota was bought before the airdrop landed.
	if c.opts.OnConfirmed != nil {
		c.opts.OnConfirmed(ctx)
	}
	return attempt, nil
}

func (c *Claimer) wait(ctx context.Context, hash common.Hash, chainID int64) (*types.Receipt, error) {
	w, err := c.factory.Waiter(ctx, chainID, c.opts.Policy)
	if err != nil {
		return nil, err
	}
	rec, err := w.WaitForReceipt(ctx, hash, chain.WaitOptions{
		Timeout:      c.opts.Timeout,
		PollInterval: c.opts.PollInterval,
	})
	var te *chain.TransactionError
	if errors.As(err, &te) {
		c.log.Warn("airdrop not confirmed", zap.String("tx", hash.Hex()), zap.String("reason", te.Reason))
	}
	return rec, err
}
