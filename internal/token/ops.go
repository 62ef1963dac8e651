// Package token reads and writes ERC-20 payment tokens through the chain
// client factory.
package token

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/chain"
	"github.com/unreal-ai/unreal-console/internal/retry"
)

// DefaultDecimals is used when a token's decimals are not known.
const DefaultDecimals = 18

// Ops performs token calls on whichever chain the caller names.
type Ops struct {
	factory *chain.Factory
	policy  retry.Policy
	log     *zap.Logger
}

func NewOps(factory *chain.Factory, policy retry.Policy, log *zap.Logger) *Ops {
	return &Ops{factory: factory, policy: policy, log: log.Named("token")}
}

// TransactionResult identifies a submitted token transaction.
type TransactionResult struct {
	TxHash  common.Hash
	ChainID int64

	ops *Ops
}

// Wait blocks until the transaction is confirmed, reverts or times out.
func (r *TransactionResult) Wait(ctx context.Context, opts chain.WaitOptions) (*types.Receipt, error) {
	w, err := r.ops.factory.Waiter(ctx, r.ChainID, r.ops.policy)
	if err != nil {
		return nil, err
	}
	return w.WaitForReceipt(ctx, r.TxHash, opts)
}

func (o *Ops) caller(ctx context.Context, token common.Address, chainID int64) (*ERC20Caller, error) {
	rc, err := o.factory.PublicClient(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return NewERC20Caller(token, rc)
}

func (o *Ops) Balance(ctx context.Context, token, holder common.Address, chainID int64) (*big.Int, error) {
	c, err := o.caller(ctx, token, chainID)
	if err != nil {
		return nil, err
	}
	bal, err := c.BalanceOf(&bind.CallOpts{Context: ctx}, holder)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", holder.Hex(), err)
	}
	return bal, nil
}

func (o *Ops) Allowance(ctx context.Context, token, owner, spender common.Address, chainID int64) (*big.Int, error) {
	c, err := o.caller(ctx, token, chainID)
	if err != nil {
		return nil, err
	}
	v, err := c.Allowance(&bind.CallOpts{Context: ctx}, owner, spender)
	if err != nil {
		return nil, fmt.Errorf("allowance %s->%s: %w", owner.Hex(), spender.Hex(), err)
	}
	return v, nil
}

// Nonces returns the owner's EIP-2612 permit nonce.
func (o *Ops) Nonces(ctx context.Context, token, owner common.Address, chainID int64) (*big.Int, error) {
	c, err := o.caller(ctx, token, chainID)
	if err != nil {
		return nil, err
	}
	n, err := c.Nonces(&bind.CallOpts{Context: ctx}, owner)
	if err != nil {
		return nil, fmt.Errorf("nonces %s: %w", owner.Hex(), err)
	}
	return n, nil
}

func (o *Ops) Name(ctx context.Context, token common.Address, chainID int64) (string, error) {
	c, err := o.caller(ctx, token, chainID)
	if err != nil {
		return "", err
	}
	name, err := c.Name(&bind.CallOpts{Context: ctx})
	if err != nil {
		return "", fmt.Errorf("name: %w", err)
	}
	return name, nil
}

func (o *Ops) Symbol(ctx context.Context, token common.Address, chainID int64) (string, error) {
	c, err := o.caller(ctx, token, chainID)
	if err != nil {
		return "", err
	}
	sym, err := c.Symbol(&bind.CallOpts{Context: ctx})
	if err != nil {
		return "", fmt.Errorf("symbol: %w", err)
	}
	return sym, nil
}

func (o *Ops) Decimals(ctx context.Context, token common.Address, chainID int64) (uint8, error) {
	c, err := o.caller(ctx, token, chainID)
	if err != nil {
		return 0, err
	}
	d, err := c.Decimals(&bind.CallOpts{Context: ctx})
	if err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	return d, nil
}

func (o *Ops) Approve(ctx context.Context, signer chain.TxSigner, token, spender common.Address, amount *big.Int, chainID int64) (*TransactionResult, error) {
	return o.transact(ctx, signer, token, chainID, "approve", func(t *ERC20Transactor, opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Approve(opts, spender, amount)
	})
}

func (o *Ops) Transfer(ctx context.Context, signer chain.TxSigner, token, to common.Address, amount *big.Int, chainID int64) (*TransactionResult, error) {
	return o.transact(ctx, signer, token, chainID, "transfer", func(t *ERC20Transactor, opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Transfer(opts, to, amount)
	})
}

func (o *Ops) TransferFrom(ctx context.Context, signer chain.TxSigner, token, from, to common.Address, amount *big.Int, chainID int64) (*TransactionResult, error) {
	return o.transact(ctx, signer, token, chainID, "transferFrom", func(t *ERC20Transactor, opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.TransferFrom(opts, from, to, amount)
	})
}

func (o *Ops) transact(
	ctx context.Context,
	signer chain.TxSigner,
	token common.Address,
	chainID int64,
	method string,
	send func(*ERC20Transactor, *bind.TransactOpts) (*types.Transaction, error),
) (*TransactionResult, error) {
	wc, err := o.factory.WalletClient(ctx, signer, chainID)
	if err != nil {
		return nil, err
	}
	t, err := NewERC20Transactor(token, wc)
	if err != nil {
		return nil, fmt.Errorf("bind token: %w", err)
	}
	tx, err := send(t, wc.TransactOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s tx: %w", method, err)
	}
	o.log.Info("token transaction sent",
		zap.String("method", method),
		zap.String("token", token.Hex()),
		zap.String("tx", tx.Hash().Hex()),
		zap.Int64("chain_id", wc.Chain.ID),
	)
	return &TransactionResult{TxHash: tx.Hash(), ChainID: wc.Chain.ID, ops: o}, nil
}

// Units converts whole tokens to base units.
func Units(n int64, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return scale.Mul(scale, big.NewInt(n))
}

// WholeUnits converts base units to whole tokens, rounding down and
// saturating at math.MaxInt64.
func WholeUnits(amount *big.Int, decimals uint8) int64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole := new(big.Int).Quo(amount, scale)
	if !whole.IsInt64() {
		return math.MaxInt64
	}
	return whole.Int64()
}
