// Package registration turns a connected wallet and a call quota into a
// bearer token: it signs a registration payload, adds an EIP-2612 permit when
// the quota has to be paid for, and stores the token the backend returns.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/backend"
	"github.com/unreal-ai/unreal-console/internal/chains"
	"github.com/unreal-ai/unreal-console/internal/permit"
	"github.com/unreal-ai/unreal-console/internal/token"
	"github.com/unreal-ai/unreal-console/internal/wallet"
)

const (
	DefaultExpiry         = time.Hour
	DefaultPermitDeadline = time.Hour
)

// Wallet is the signing side of a connected wallet.
type Wallet interface {
	Address() (common.Address, bool)
	ChainID(ctx context.Context) (int64, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	permit.TypedSigner
}

type Backend interface {
	SigningAddress(ctx context.Context) (common.Address, error)
	System(ctx context.Context) (*backend.SystemInfo, error)
	Register(ctx context.Context, req backend.RegisterRequest) (string, error)
}

type Tokens interface {
	permit.TokenReader
	Balance(ctx context.Context, token, holder common.Address, chainID int64) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address, chainID int64) (*big.Int, error)
	Decimals(ctx context.Context, token common.Address, chainID int64) (uint8, error)
}

type Session interface {
	Login(ctx context.Context, addr common.Address, token string) error
}

type Deps struct {
	Wallet   Wallet
	Backend  Backend
	Tokens   Tokens
	Registry *chains.Registry
	Session  Session
	// Permits defaults to a builder over Tokens.
	Permits *permit.Builder
}

type Options struct {
	Expiry         time.Duration
	PermitDeadline time.Duration
	Now            func() time.Time
}

// Result describes a completed registration.
type Result struct {
	Token   string
	Address common.Address
	ChainID int64
	Payload Payload
	Permit  *permit.Signed
}

type Orchestrator struct {
	deps Deps
	opts Options
	log  *zap.Logger
}

func New(deps Deps, opts Options, log *zap.Logger) *Orchestrator {
	log = log.Named("registration")
	if deps.Permits == nil {
		deps.Permits = permit.NewBuilder(deps.Tokens, log)
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.PermitDeadline <= 0 {
		opts.PermitDeadline = DefaultPermitDeadline
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{deps: deps, opts: opts, log: log}
}

// Register buys callQuota calls. A quota of zero registers without a permit.
func (o *Orchestrator) Register(ctx context.Context, callQuota int64) (*Result, error) {
	if callQuota < 0 {
		return nil, fmt.Errorf("call quota must be >= 0, got %d", callQuota)
	}
	addr, chainID, err := o.account(ctx)
	if err != nil {
		return nil, err
	}
	return o.register(ctx, addr, chainID, callQuota, o.resolvePaymentToken(ctx, chainID))
}

// AutoRegister spends the wallet's whole payment token balance on calls, one
// call per whole token. Without a payment token it registers with a zero
// quota.
func (o *Orchestrator) AutoRegister(ctx context.Context) (*Result, error) {
	addr, chainID, err := o.account(ctx)
	if err != nil {
		return nil, err
	}
	tok := o.resolvePaymentToken(ctx, chainID)

	var quota int64
	if tok != nil {
		bal, err := o.deps.Tokens.Balance(ctx, *tok, addr, chainID)
		if err != nil {
			return nil, fmt.Errorf("read payment token balance: %w", err)
		}
		decimals, err := o.deps.Tokens.Decimals(ctx, *tok, chainID)
		if err != nil {
			o.log.Warn("token decimals unavailable, assuming default", zap.Error(err))
			decimals = token.DefaultDecimals
		}
		quota = token.WholeUnits(bal, decimals)
		o.log.Info("call quota derived from balance",
			zap.String("balance", bal.String()),
			zap.Int64("calls", quota),
		)
	}
	return o.register(ctx, addr, chainID, quota, tok)
}

func (o *Orchestrator) account(ctx context.Context) (common.Address, int64, error) {
	addr, ok := o.deps.Wallet.Address()
	if !ok {
		return common.Address{}, 0, wallet.ErrNotConnected
	}
	chainID, err := o.deps.Wallet.ChainID(ctx)
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("wallet chain id: %w", err)
	}
	return addr, chainID, nil
}

func (o *Orchestrator) register(ctx context.Context, addr common.Address, chainID, quota int64, tok *common.Address) (*Result, error) {
	issuer, err := o.deps.Backend.SigningAddress(ctx)
	if err != nil {
		return nil, &BackendError{Op: "signing address", Err: err}
	}

	now := o.opts.Now()
	payload := BuildPayload(issuer, addr, quota, tok, chainID, now, o.opts.Expiry)
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	sig, err := o.deps.Wallet.SignMessage(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	req := backend.RegisterRequest{
		Payload:   raw,
		Signature: hexutil.Encode(sig),
		Address:   addr,
	}

	var signed *permit.Signed
	if tok != nil && quota > 0 {
		value := token.Units(quota, token.DefaultDecimals)
		deadline := now.Add(o.opts.PermitDeadline).Unix()
		signed, err = o.deps.Permits.Build(ctx, o.deps.Wallet, *tok, addr, issuer, value, deadline, chainID)
		if err != nil {
			return nil, &PermitError{Err: err}
		}
		req.Permit = &signed.Message
		req.PermitSignature = hexutil.Encode(signed.Signature)
		o.logAllowance(ctx, *tok, addr, issuer, chainID, value)
	}

	bearer, err := o.deps.Backend.Register(ctx, req)
	if err != nil {
		return nil, &BackendError{Op: "register", Err: err}
	}
	if err := o.deps.Session.Login(ctx, addr, bearer); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	o.log.Info("registered",
		zap.String("address", addr.Hex()),
		zap.Int64("chain_id", chainID),
		zap.Int64("calls", quota),
		zap.Bool("permit", signed != nil),
	)
	return &Result{Token: bearer, Address: addr, ChainID: chainID, Payload: payload, Permit: signed}, nil
}

// PaymentToken resolves the payment token for chainID the same way a
// registration does.
func (o *Orchestrator) PaymentToken(ctx context.Context, chainID int64) (common.Address, bool) {
	tok := o.resolvePaymentToken(ctx, chainID)
	if tok == nil {
		return common.Address{}, false
	}
	return *tok, true
}

// resolvePaymentToken asks the backend first and falls back to the chain
// registry. It returns nil when neither knows a token.
func (o *Orchestrator) resolvePaymentToken(ctx context.Context, chainID int64) *common.Address {
	info, err := o.deps.Backend.System(ctx)
	if err != nil {
		o.log.Debug("system info unavailable", zap.Error(err))
	}
	if addr, ok := info.PaymentToken(chainID); ok {
		return &addr
	}
	addr, err := o.deps.Registry.UnrealTokenAddress(chainID)
	if err != nil {
		o.log.Warn("registering without a payment token",
			zap.Int64("chain_id", chainID),
			zap.Error(errors.Join(ErrPaymentTokenUnresolved, err)),
		)
		return nil
	}
	return &addr
}

// logAllowance records the current allowance next to the permit value.
func (o *Orchestrator) logAllowance(ctx context.Context, tok, owner, spender common.Address, chainID int64, value *big.Int) {
	allowance, err := o.deps.Tokens.Allowance(ctx, tok, owner, spender, chainID)
	if err != nil {
		o.log.Debug("allowance check failed", zap.Error(err))
		return
	}
	o.log.Debug("allowance before permit",
		zap.String("allowance", allowance.String()),
		zap.String("permit_value", value.String()),
		zap.Bool("sufficient", allowance.Cmp(value) >= 0),
	)
}
