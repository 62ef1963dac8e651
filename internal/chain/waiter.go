package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/retry"
)

const (
	DefaultConfirmations = 1
	DefaultPollInterval  = 2 * time.Second
	BlockTimeSample      = 10
	SafetyMultiplier     = 30
	MinTimeout           = 30 * time.Second
	FallbackTimeout      = 5 * time.Minute
)

// ReceiptReader is the subset of an ethclient the waiter polls.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// WaitOptions tunes WaitForReceipt. Zero values select the defaults; a zero
// Timeout is derived from the chain's recent block time.
type WaitOptions struct {
	Confirmations uint64
	Timeout       time.Duration
	PollInterval  time.Duration
}

type Waiter struct {
	reader ReceiptReader
	policy retry.Policy
	log    *zap.Logger
}

func NewWaiter(reader ReceiptReader, policy retry.Policy, log *zap.Logger) *Waiter {
	return &Waiter{reader: reader, policy: policy, log: log.Named("waiter")}
}

// WaitForReceipt blocks until hash is mined with the requested number of
// confirmations. A reverted receipt is returned at once as a
// TransactionError; running out of time yields a TransactionError with
// reason "timeout".
func (w *Waiter) WaitForReceipt(ctx context.Context, hash common.Hash, opts WaitOptions) (*types.Receipt, error) {
	if opts.Confirmations == 0 {
		opts.Confirmations = DefaultConfirmations
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = w.deriveTimeout(ctx, opts.Confirmations)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	w.log.Debug("waiting for receipt",
		zap.String("tx", hash.Hex()),
		zap.Uint64("confirmations", opts.Confirmations),
		zap.Duration("timeout", opts.Timeout),
	)

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		rec, err := w.poll(waitCtx, hash, opts.Confirmations)
		switch {
		case err == nil && rec != nil:
			w.log.Info("transaction confirmed", zap.String("tx", hash.Hex()), zap.Uint64("block", rec.BlockNumber.Uint64()))
			return rec, nil
		case err != nil && waitCtx.Err() == nil:
			return nil, err
		}

		if err == nil {
			select {
			case <-ticker.C:
				continue
			case <-waitCtx.Done():
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransactionError{TxHash: hash, Reason: ReasonTimeout, Err: fmt.Errorf("not confirmed within %s", opts.Timeout)}
	}
}

// poll checks the receipt once, retrying transient RPC failures. It returns a
// nil receipt while the transaction is pending or under-confirmed.
func (w *Waiter) poll(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error) {
	var out *types.Receipt
	err := retry.Do(ctx, w.policy, func(ctx context.Context) error {
		rec, err := w.reader.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status == types.ReceiptStatusFailed {
			return retry.Permanent(&TransactionError{TxHash: hash, Reason: ReasonReverted})
		}
		if confirmations > 1 {
			latest, err := w.reader.BlockNumber(ctx)
			if err != nil {
				return err
			}
			if latest+1 < rec.BlockNumber.Uint64()+confirmations {
				return nil
			}
		}
		out = rec
		return nil
	})
	return out, err
}

func (w *Waiter) deriveTimeout(ctx context.Context, confirmations uint64) time.Duration {
	avg, err := w.AverageBlockTime(ctx, BlockTimeSample)
	if err != nil || avg <= 0 {
		w.log.Debug("block time sampling failed, using fallback timeout", zap.Error(err))
		return FallbackTimeout
	}
	t := avg * time.Duration(confirmations) * SafetyMultiplier
	if t < MinTimeout {
		t = MinTimeout
	}
	return t
}

// AverageBlockTime averages the block interval over the last sample blocks.
func (w *Waiter) AverageBlockTime(ctx context.Context, sample uint64) (time.Duration, error) {
	latest, err := w.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("latest header: %w", err)
	}
	n := latest.Number.Uint64()
	if sample > n {
		sample = n
	}
	if sample == 0 {
		return 0, errors.New("not enough blocks to sample")
	}
	earlier, err := w.reader.HeaderByNumber(ctx, new(big.Int).SetUint64(n-sample))
	if err != nil {
		return 0, fmt.Errorf("header %d: %w", n-sample, err)
	}
	if latest.Time < earlier.Time {
		return 0, errors.New("block timestamps out of order")
	}
	return time.Duration(latest.Time-earlier.Time) * time.Second / time.Duration(sample), nil
}
