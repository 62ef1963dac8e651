// Package session holds the console's single authentication state: the
// connected wallet, the bearer token and the API keys created with it.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/backend"
)

// ErrNoSession is returned by operations that need a bearer token.
var ErrNoSession = errors.New("not logged in")

// Snapshot is a point-in-time copy of the session.
type Snapshot struct {
	Address       common.Address   `json:"address"`
	Connected     bool             `json:"connected"`
	ChainID       int64            `json:"chainId"`
	Token         string           `json:"-"`
	Authenticated bool             `json:"authenticated"`
	Remaining     int64            `json:"remaining"`
	Expiry        int64            `json:"exp,omitempty"`
	APIKey        string           `json:"-"`
	APIKeys       []backend.APIKey `json:"apiKeys"`
}

// HasAPIKey reports whether a key secret is available for inference.
func (s Snapshot) HasAPIKey() bool { return s.APIKey != "" }

// Verifier checks a bearer token with the backend.
type Verifier interface {
	Verify(ctx context.Context, token string) (*backend.VerifyResult, error)
}

// State is safe for concurrent use. Listeners run after every change, outside
// the lock.
type State struct {
	store TokenStore
	log   *zap.Logger

	mu   sync.RWMutex
	cur  Snapshot
	subs []func(Snapshot)
}

func New(store TokenStore, log *zap.Logger) *State {
	return &State{store: store, log: log.Named("session")}
}

// Subscribe registers fn to receive every new snapshot.
func (s *State) Subscribe(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Token returns the bearer token, or ErrNoSession.
func (s *State) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur.Token == "" {
		return "", ErrNoSession
	}
	return s.cur.Token, nil
}

// Restore loads a previously saved token. The session counts as
// authenticated until Verify says otherwise.
func (s *State) Restore(ctx context.Context) error {
	token, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	s.update(func(c *Snapshot) {
		c.Token = token
		c.Authenticated = token != ""
	})
	if token != "" {
		s.log.Info("session restored")
	}
	return nil
}

// SetWallet records the connected account. A zero address marks the wallet
// disconnected.
func (s *State) SetWallet(addr common.Address, chainID int64) {
	s.update(func(c *Snapshot) {
		c.Address = addr
		c.Connected = addr != (common.Address{})
		c.ChainID = chainID
	})
}

// Login persists token and marks the session authenticated for addr.
func (s *State) Login(ctx context.Context, addr common.Address, token string) error {
	if err := s.store.Save(ctx, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	s.update(func(c *Snapshot) {
		c.Address = addr
		c.Token = token
		c.Authenticated = true
		c.Remaining = 0
		c.Expiry = 0
		c.APIKey = ""
		c.APIKeys = nil
	})
	s.log.Info("logged in", zap.String("address", addr.Hex()))
	return nil
}

// Logout forgets the token and every key. The wallet stays connected.
func (s *State) Logout(ctx context.Context) error {
	err := s.store.Clear(ctx)
	s.update(func(c *Snapshot) {
		c.Token = ""
		c.Authenticated = false
		c.Remaining = 0
		c.Expiry = 0
		c.APIKey = ""
		c.APIKeys = nil
	})
	s.log.Info("logged out")
	if err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// SetVerify applies a successful verification result.
func (s *State) SetVerify(res *backend.VerifyResult) {
	s.update(func(c *Snapshot) {
		c.Authenticated = res.Valid
		c.Remaining = res.Remaining
		c.Expiry = res.Exp
	})
}

// Verify checks the stored token. When the backend rejects it the session is
// reset and Verify returns a nil result with a nil error.
func (s *State) Verify(ctx context.Context, v Verifier) (*backend.VerifyResult, error) {
	token, err := s.Token()
	if err != nil {
		return nil, err
	}
	res, err := v.Verify(ctx, token)
	if errors.Is(err, backend.ErrTokenInvalid) {
		s.log.Warn("stored token rejected, resetting session")
		if err := s.Logout(ctx); err != nil {
			s.log.Error("logout after invalid token", zap.Error(err))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.SetVerify(res)
	return res, nil
}

// SetAPIKey makes secret the credential used for inference.
func (s *State) SetAPIKey(secret string) {
	s.update(func(c *Snapshot) { c.APIKey = secret })
}

func (s *State) SetAPIKeys(keys []backend.APIKey) {
	s.update(func(c *Snapshot) { c.APIKeys = slices.Clone(keys) })
}

// RemoveAPIKey drops the key with hash from the listed keys.
func (s *State) RemoveAPIKey(hash string) {
	s.update(func(c *Snapshot) {
		c.APIKeys = slices.DeleteFunc(c.APIKeys, func(k backend.APIKey) bool { return k.Hash == hash })
	})
}

func (s *State) update(fn func(*Snapshot)) {
	s.mu.Lock()
	fn(&s.cur)
	snap := s.copyLocked()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
}

func (s *State) copyLocked() Snapshot {
	c := s.cur
	c.APIKeys = slices.Clone(s.cur.APIKeys)
	return c
}
