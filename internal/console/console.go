// Package console ties the wallet, chain, backend and session together into
// the operations the CLI and the local HTTP API expose.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/airdrop"
	"github.com/unreal-ai/unreal-console/internal/backend"
	"github.com/unreal-ai/unreal-console/internal/chain"
	"github.com/unreal-ai/unreal-console/internal/chains"
	"github.com/unreal-ai/unreal-console/internal/config"
	"github.com/unreal-ai/unreal-console/internal/inference"
	"github.com/unreal-ai/unreal-console/internal/registration"
	"github.com/unreal-ai/unreal-console/internal/retry"
	"github.com/unreal-ai/unreal-console/internal/session"
	"github.com/unreal-ai/unreal-console/internal/token"
	"github.com/unreal-ai/unreal-console/internal/wallet"
)

// Action names reported by Actions.
const (
	ActionConnect  = "connect"
	ActionRegister = "register"
	ActionVerify   = "verify"
	ActionKeys     = "keys"
	ActionAirdrop  = "airdrop"
)

// Balance is the wallet's payment token holding on the active chain.
type Balance struct {
	ChainID  int64          `json:"chainId"`
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Amount   string         `json:"amount"`
	// Calls is how many inference calls the balance pays for.
	Calls int64 `json:"calls"`
	// Allowance is what the backend signing address may already pull, when
	// it could be read.
	Allowance string `json:"allowance,omitempty"`
}

type Console struct {
	cfg       *config.Config
	registry  *chains.Registry
	factory   *chain.Factory
	tokens    *token.Ops
	wallet    wallet.Connector
	backend   *backend.Client
	session   *session.State
	registrar *registration.Orchestrator
	airdrop   *airdrop.Claimer
	inference *inference.Client
	actions   *tracker
	log       *zap.Logger
}

// Build wires every component from cfg and restores any saved session.
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Console, error) {
	reg := chains.NewRegistry()
	var err error
	if cfg.Chain.DefaultID != 0 && cfg.Chain.DefaultID != reg.DefaultID() {
		if reg, err = reg.WithDefault(cfg.Chain.DefaultID); err != nil {
			return nil, err
		}
	}
	if cfg.Chain.RPCURL != "" {
		if reg, err = reg.WithRPCOverride(reg.DefaultID(), cfg.Chain.RPCURL); err != nil {
			return nil, err
		}
	}

	policy := retry.FromConfig(cfg.Retry)
	factory := chain.NewFactory(reg, policy, log)
	tokens := token.NewOps(factory, policy, log)

	w, err := wallet.New(cfg.Wallet, reg.DefaultID(), log)
	if err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	store, err := session.NewStore(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	st := session.New(store, log)
	if err := st.Restore(ctx); err != nil {
		return nil, err
	}

	bc := backend.NewClient(cfg.Backend.URL, cfg.Backend.Timeout, log)
	c := &Console{
		cfg:      cfg,
		registry: reg,
		factory:  factory,
		tokens:   tokens,
		wallet:   w,
		backend:  bc,
		session:  st,
		registrar: registration.New(registration.Deps{
			Wallet:   w,
			Backend:  bc,
			Tokens:   tokens,
			Registry: reg,
			Session:  st,
		}, registration.Options{}, log),
		inference: inference.NewClient(cfg.Inference, st, log),
		log:       log.Named("console"),
	}
	c.actions = newTracker(c.log)

	opts := airdrop.OptionsFromConfig(cfg.Airdrop, policy)
	opts.OnConfirmed = c.onAirdropConfirmed
	opts.Progress = func(a airdrop.Attempt) {
		c.actions.progress(ActionAirdrop, "confirming "+a.TxHash.Hex())
	}
	c.airdrop = airdrop.NewClaimer(bc, st, factory, opts, log)
	return c, nil
}

// Close disconnects the wallet and releases RPC connections.
func (c *Console) Close() {
	c.inference.Abort()
	c.wallet.Disconnect()
	c.factory.Close()
	if closer, ok := c.wallet.(interface{ Close() }); ok {
		closer.Close()
	}
}

func (c *Console) Session() session.Snapshot { return c.session.Snapshot() }

// Subscribe forwards session changes to fn.
func (c *Console) Subscribe(fn func(session.Snapshot)) { c.session.Subscribe(fn) }

func (c *Console) Actions() []Action { return c.actions.snapshot() }

func (c *Console) Registry() *chains.Registry { return c.registry }

// Connect connects the wallet and makes sure the session holds a valid token
// for it, registering when the stored token is missing, rejected or issued
// to another address.
func (c *Console) Connect(ctx context.Context) (session.Snapshot, error) {
	err := c.actions.run(ctx, ActionConnect, func(ctx context.Context) (string, error) {
		addr, err := c.connectWallet(ctx)
		if err != nil {
			return "", err
		}

		if _, err := c.session.Token(); err == nil {
			res, err := c.session.Verify(ctx, c.backend)
			if err != nil {
				return "", fmt.Errorf("verify stored token: %w", err)
			}
			if res != nil && res.Address == addr {
				return "session restored", nil
			}
			if res != nil {
				c.log.Info("stored token belongs to another address", zap.String("token_address", res.Address.Hex()))
				if err := c.session.Logout(ctx); err != nil {
					return "", err
				}
			}
		}
		if err := c.autoRegister(ctx); err != nil {
			return "", err
		}
		return "registered", nil
	})
	return c.session.Snapshot(), err
}

// ConnectWallet connects the wallet without touching the stored token.
func (c *Console) ConnectWallet(ctx context.Context) (session.Snapshot, error) {
	_, err := c.connectWallet(ctx)
	return c.session.Snapshot(), err
}

func (c *Console) connectWallet(ctx context.Context) (common.Address, error) {
	var preferred common.Address
	if common.IsHexAddress(c.cfg.Wallet.Address) {
		preferred = common.HexToAddress(c.cfg.Wallet.Address)
	}
	addr, err := c.wallet.Connect(ctx, preferred)
	if err != nil {
		return common.Address{}, fmt.Errorf("connect wallet: %w", err)
	}
	chainID, err := c.activeChain(ctx)
	if err != nil {
		return common.Address{}, err
	}
	c.session.SetWallet(addr, chainID)
	return addr, nil
}

// activeChain returns the wallet's chain, switching it to the default when
// the registry does not know it.
func (c *Console) activeChain(ctx context.Context) (int64, error) {
	chainID, err := c.wallet.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("wallet chain: %w", err)
	}
	if _, err := c.registry.Chain(chainID); err == nil {
		return chainID, nil
	}
	def := c.registry.DefaultID()
	c.log.Info("switching wallet to default chain", zap.Int64("from", chainID), zap.Int64("to", def))
	if err := c.wallet.SwitchChain(ctx, def); err != nil {
		return 0, fmt.Errorf("switch chain: %w", err)
	}
	return def, nil
}

func (c *Console) autoRegister(ctx context.Context) error {
	if _, err := c.registrar.AutoRegister(ctx); err != nil {
		return err
	}
	c.refreshVerify(ctx)
	return nil
}

// refreshVerify fills the quota fields after a registration.
func (c *Console) refreshVerify(ctx context.Context) {
	if _, err := c.session.Verify(ctx, c.backend); err != nil {
		c.log.Debug("verify after registration failed", zap.Error(err))
	}
}

// Register buys calls for the connected wallet.
func (c *Console) Register(ctx context.Context, calls int64) (*registration.Result, error) {
	var res *registration.Result
	err := c.actions.run(ctx, ActionRegister, func(ctx context.Context) (string, error) {
		var err error
		if res, err = c.registrar.Register(ctx, calls); err != nil {
			return "", err
		}
		c.refreshVerify(ctx)
		return fmt.Sprintf("registered for %d calls", calls), nil
	})
	return res, err
}

// Verify re-checks the session token. A rejected token logs the user out and
// returns backend.ErrTokenInvalid.
func (c *Console) Verify(ctx context.Context) (*backend.VerifyResult, error) {
	var res *backend.VerifyResult
	err := c.actions.run(ctx, ActionVerify, func(ctx context.Context) (string, error) {
		var err error
		res, err = c.session.Verify(ctx, c.backend)
		if err != nil {
			return "", err
		}
		if res == nil {
			return "", backend.ErrTokenInvalid
		}
		return fmt.Sprintf("%d calls remaining", res.Remaining), nil
	})
	return res, err
}

func (c *Console) Logout(ctx context.Context) error {
	c.inference.Abort()
	return c.session.Logout(ctx)
}

func (c *Console) CreateKey(ctx context.Context, name string) (*backend.CreatedKey, error) {
	if name == "" {
		return nil, errors.New("key name required")
	}
	var created *backend.CreatedKey
	err := c.actions.run(ctx, ActionKeys, func(ctx context.Context) (string, error) {
		bearer, err := c.session.Token()
		if err != nil {
			return "", err
		}
		if created, err = c.backend.CreateKey(ctx, bearer, name); err != nil {
			return "", err
		}
		c.session.SetAPIKey(created.Key)
		keys, err := c.backend.ListKeys(ctx, bearer)
		if err != nil {
			return "", err
		}
		c.session.SetAPIKeys(keys)
		return "created " + name, nil
	})
	return created, err
}

func (c *Console) ListKeys(ctx context.Context) ([]backend.APIKey, error) {
	bearer, err := c.session.Token()
	if err != nil {
		return nil, err
	}
	keys, err := c.backend.ListKeys(ctx, bearer)
	if err != nil {
		return nil, err
	}
	c.session.SetAPIKeys(keys)
	return keys, nil
}

func (c *Console) DeleteKey(ctx context.Context, hash string) error {
	return c.actions.run(ctx, ActionKeys, func(ctx context.Context) (string, error) {
		bearer, err := c.session.Token()
		if err != nil {
			return "", err
		}
		if err := c.backend.DeleteKey(ctx, bearer, hash); err != nil {
			return "", err
		}
		c.session.RemoveAPIKey(hash)
		return "deleted " + hash, nil
	})
}

// ClaimAirdrop claims and waits for confirmation; see airdrop.Claimer.
func (c *Console) ClaimAirdrop(ctx context.Context) (*airdrop.Attempt, error) {
	var attempt *airdrop.Attempt
	err := c.actions.run(ctx, ActionAirdrop, func(ctx context.Context) (string, error) {
		var err error
		attempt, err = c.airdrop.Claim(ctx)
		if err != nil {
			return "", err
		}
		return attempt.Message, nil
	})
	return attempt, err
}

func (c *Console) onAirdropConfirmed(ctx context.Context) {
	if err := c.Logout(ctx); err != nil {
		c.log.Error("logout after airdrop", zap.Error(err))
	}
}

// Balance reads the connected wallet's payment token balance.
func (c *Console) Balance(ctx context.Context) (*Balance, error) {
	snap := c.session.Snapshot()
	if !snap.Connected {
		return nil, wallet.ErrNotConnected
	}
	chainID := snap.ChainID
	tok, ok := c.registrar.PaymentToken(ctx, chainID)
	if !ok {
		return nil, &chains.ChainError{ChainID: chainID, Reason: "no payment token"}
	}
	amount, err := c.tokens.Balance(ctx, tok, snap.Address, chainID)
	if err != nil {
		return nil, err
	}
	decimals, err := c.tokens.Decimals(ctx, tok, chainID)
	if err != nil {
		decimals = token.DefaultDecimals
	}
	symbol, err := c.tokens.Symbol(ctx, tok, chainID)
	if err != nil {
		symbol = ""
	}
	return &Balance{
		ChainID:  chainID,
		Token:    tok,
		Symbol:   symbol,
		Decimals: decimals,
		Amount:   amount.String(),
		Calls:    token.WholeUnits(amount, decimals),
	}, nil
}

// Allowance returns what the backend's signing address may pull from the
// wallet.
func (c *Console) Allowance(ctx context.Context) (*big.Int, error) {
	snap := c.session.Snapshot()
	if !snap.Connected {
		return nil, wallet.ErrNotConnected
	}
	tok, ok := c.registrar.PaymentToken(ctx, snap.ChainID)
	if !ok {
		return nil, &chains.ChainError{ChainID: snap.ChainID, Reason: "no payment token"}
	}
	spender, err := c.backend.SigningAddress(ctx)
	if err != nil {
		return nil, err
	}
	return c.tokens.Allowance(ctx, tok, snap.Address, spender, snap.ChainID)
}

func (c *Console) Models(ctx context.Context) ([]openai.Model, error) {
	return c.inference.Models(ctx)
}

func (c *Console) Pricing(ctx context.Context) (json.RawMessage, error) {
	return c.inference.Pricing(ctx)
}

// Chat streams a reply to prompt into w. A newer chat aborts this one.
func (c *Console) Chat(ctx context.Context, model, prompt string, w io.Writer) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
	}
	return c.inference.Stream(ctx, req, func(delta string) error {
		_, err := io.WriteString(w, delta)
		return err
	})
}
