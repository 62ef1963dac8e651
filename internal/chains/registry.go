// Package chains is the static table of supported EVM chains: RPC endpoints,
// explorers and the payment token deployed on each.
package chains

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

//go:embed chains.yaml
var builtin []byte

// NativeToken describes a chain's gas currency.
type NativeToken struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
}

// ChainConfig is one immutable registry entry. Registry accessors hand out
// copies, so callers cannot modify the table.
type ChainConfig struct {
	ID                  int64          `json:"id"`
	Name                string         `json:"name"`
	RPCURLs             []string       `json:"rpcUrls"`
	ExplorerURL         string         `json:"explorerUrl"`
	NativeToken         NativeToken    `json:"nativeToken"`
	PaymentTokenAddress common.Address `json:"paymentTokenAddress"`
	Testnet             bool           `json:"testnet"`
}

// HasPaymentToken reports whether a payment token is configured.
func (c ChainConfig) HasPaymentToken() bool {
	return c.PaymentTokenAddress != (common.Address{})
}

func (c ChainConfig) clone() ChainConfig {
	c.RPCURLs = append([]string(nil), c.RPCURLs...)
	return c
}

// rawTable mirrors chains.yaml.
type rawTable struct {
	Default int64      `yaml:"default"`
	Chains  []rawChain `yaml:"chains"`
}

type rawChain struct {
	ID           int64       `yaml:"id"`
	Name         string      `yaml:"name"`
	RPCURLs      []string    `yaml:"rpc_urls"`
	ExplorerURL  string      `yaml:"explorer_url"`
	NativeToken  NativeToken `yaml:"native_token"`
	PaymentToken string      `yaml:"payment_token"`
	Testnet      bool        `yaml:"testnet"`
}

// Registry is a read-only lookup table keyed by chain id.
type Registry struct {
	byID      map[int64]ChainConfig
	defaultID int64
}

// NewRegistry returns the built-in registry.
func NewRegistry() *Registry {
	r, err := NewRegistryFromYAML(builtin)
	if err != nil {
		panic(fmt.Sprintf("chains: builtin table: %v", err))
	}
	return r
}

// NewRegistryFromYAML parses a table in the chains.yaml format.
func NewRegistryFromYAML(data []byte) (*Registry, error) {
	var raw rawTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse chain table: %w", err)
	}
	if len(raw.Chains) == 0 {
		return nil, fmt.Errorf("chain table is empty")
	}

	r := &Registry{byID: make(map[int64]ChainConfig, len(raw.Chains)), defaultID: raw.Default}
	for _, rc := range raw.Chains {
		if rc.ID <= 0 {
			return nil, fmt.Errorf("chain %q: invalid id %d", rc.Name, rc.ID)
		}
		if _, dup := r.byID[rc.ID]; dup {
			return nil, fmt.Errorf("chain %d listed twice", rc.ID)
		}
		if len(rc.RPCURLs) == 0 {
			return nil, &ChainError{ChainID: rc.ID, Reason: "no rpc urls"}
		}
		cfg := ChainConfig{
			ID:          rc.ID,
			Name:        rc.Name,
			RPCURLs:     rc.RPCURLs,
			ExplorerURL: strings.TrimRight(rc.ExplorerURL, "/"),
			NativeToken: rc.NativeToken,
			Testnet:     rc.Testnet,
		}
		if rc.PaymentToken != "" {
			if !common.IsHexAddress(rc.PaymentToken) {
				return nil, &ChainError{ChainID: rc.ID, Reason: "invalid payment token address " + rc.PaymentToken}
			}
			cfg.PaymentTokenAddress = common.HexToAddress(rc.PaymentToken)
		}
		r.byID[rc.ID] = cfg
	}
	if r.defaultID == 0 {
		r.defaultID = raw.Chains[0].ID
	}
	if _, ok := r.byID[r.defaultID]; !ok {
		return nil, &ChainError{ChainID: r.defaultID, Reason: "default chain not in table"}
	}
	return r, nil
}

// Chain returns the config for id.
func (r *Registry) Chain(id int64) (ChainConfig, error) {
	c, ok := r.byID[id]
	if !ok {
		return ChainConfig{}, &ChainError{ChainID: id, Reason: "unsupported chain"}
	}
	return c.clone(), nil
}

// Default returns the default chain.
func (r *Registry) Default() ChainConfig {
	return r.byID[r.defaultID].clone()
}

// DefaultID returns the default chain id.
func (r *Registry) DefaultID() int64 { return r.defaultID }

// Resolve maps id 0 to the default chain and looks up everything else.
func (r *Registry) Resolve(id int64) (ChainConfig, error) {
	if id == 0 {
		return r.Default(), nil
	}
	return r.Chain(id)
}

// UnrealTokenAddress returns the payment token deployed on chain id.
func (r *Registry) UnrealTokenAddress(id int64) (common.Address, error) {
	c, err := r.Chain(id)
	if err != nil {
		return common.Address{}, err
	}
	if !c.HasPaymentToken() {
		return common.Address{}, &ChainError{ChainID: id, Reason: "no payment token configured"}
	}
	return c.PaymentTokenAddress, nil
}

// All returns every chain ordered by id.
func (r *Registry) All() []ChainConfig {
	out := make([]ChainConfig, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExplorerTxURL links to a transaction on the chain's explorer.
func (r *Registry) ExplorerTxURL(id int64, txHash common.Hash) (string, error) {
	c, err := r.Chain(id)
	if err != nil {
		return "", err
	}
	if c.ExplorerURL == "" {
		return "", &ChainError{ChainID: id, Reason: "no explorer configured"}
	}
	return c.ExplorerURL + "/tx/" + txHash.Hex(), nil
}

// WithDefault returns a copy of the registry whose default chain is id.
func (r *Registry) WithDefault(id int64) (*Registry, error) {
	if _, ok := r.byID[id]; !ok {
		return nil, &ChainError{ChainID: id, Reason: "unsupported chain"}
	}
	out := r.copy()
	out.defaultID = id
	return out, nil
}

// WithRPCOverride returns a copy of the registry in which chain id uses only url.
func (r *Registry) WithRPCOverride(id int64, url string) (*Registry, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, &ChainError{ChainID: id, Reason: "unsupported chain"}
	}
	out := r.copy()
	c.RPCURLs = []string{url}
	out.byID[id] = c
	return out, nil
}

func (r *Registry) copy() *Registry {
	out := &Registry{byID: make(map[int64]ChainConfig, len(r.byID)), defaultID: r.defaultID}
	for id, c := range r.byID {
		out.byID[id] = c.clone()
	}
	return out
}
