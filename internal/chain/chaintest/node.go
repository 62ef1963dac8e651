// Package chaintest runs an in-process Ethereum JSON-RPC node for tests. It
// serves just enough of the eth namespace for ethclient and bind to read
// blocks and receipts, call ERC-20 views and submit signed transfers and
// approvals.
package chaintest

import (
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/unreal-ai/unreal-console/internal/chains"
)

// ERC20ABI is the token surface the node understands, including the
// EIP-2612 nonces view.
const ERC20ABI = `[
{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var erc20, _ = abi.JSON(strings.NewReader(ERC20ABI))

// BlockTime is the fixed interval between the node's blocks, in seconds.
const BlockTime = 2

// Node is a fake chain. Every submitted transaction is mined into its own
// block unless auto-mining is off.
type Node struct {
	t       testing.TB
	chainID *big.Int
	srv     *httptest.Server

	mu          sync.Mutex
	block       uint64
	genesisTime uint64
	baseFee     *big.Int
	autoMine    bool
	tokens      map[common.Address]*Token
	nonces      map[common.Address]uint64
	receipts    map[common.Hash]*types.Receipt
	sent        []*types.Transaction

	requests atomic.Int64
	failN    atomic.Int64
	failCode atomic.Int64
}

// New starts a node for chainID and stops it when the test ends.
func New(t testing.TB, chainID int64) *Node {
	t.Helper()
	n := &Node{
		t:           t,
		chainID:     big.NewInt(chainID),
		block:       100,
		genesisTime: 1_700_000_000,
		baseFee:     big.NewInt(1_000_000_000),
		autoMine:    true,
		tokens:      make(map[common.Address]*Token),
		nonces:      make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
	}

	server := rpc.NewServer()
	if err := server.RegisterName("eth", &ethAPI{n: n}); err != nil {
		t.Fatalf("register eth api: %v", err)
	}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.requests.Add(1)
		if n.failN.Load() > 0 {
			n.failN.Add(-1)
			http.Error(w, "unavailable", int(n.failCode.Load()))
			return
		}
		server.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		n.srv.Close()
		server.Stop()
	})
	return n
}

// URL is the node's HTTP endpoint.
func (n *Node) URL() string { return n.srv.URL }

// ChainID returns the chain id the node reports.
func (n *Node) ChainID() int64 { return n.chainID.Int64() }

// Registry returns a one-chain registry pointing at the node, with token as
// its payment token (zero for none).
func (n *Node) Registry(token common.Address) *chains.Registry {
	n.t.Helper()
	doc := fmt.Sprintf("default: %d\nchains:\n  - id: %d\n    name: Test Chain\n    rpc_urls: [%q]\n    explorer_url: https://explorer.test\n    native_token: { symbol: TEST, decimals: 18 }\n",
		n.ChainID(), n.ChainID(), n.URL())
	if token != (common.Address{}) {
		doc += fmt.Sprintf("    payment_token: %q\n", token.Hex())
	}
	reg, err := chains.NewRegistryFromYAML([]byte(doc))
	if err != nil {
		n.t.Fatalf("test registry: %v", err)
	}
	return reg
}

// Requests counts HTTP requests that reached the node, failed ones included.
func (n *Node) Requests() int { return int(n.requests.Load()) }

// FailRequests makes the next count HTTP requests fail with status.
func (n *Node) FailRequests(count, status int) {
	n.failCode.Store(int64(status))
	n.failN.Store(int64(count))
}

// SetAutoMine controls whether submitted transactions get a receipt at once.
func (n *Node) SetAutoMine(on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.autoMine = on
}

// Mine advances the chain by count empty blocks.
func (n *Node) Mine(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.block += uint64(count)
}

// BlockNumber returns the latest block.
func (n *Node) BlockNumber() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.block
}

// AddReceipt records a receipt for hash mined in the next block.
func (n *Node) AddReceipt(hash common.Hash, success bool) *types.Receipt {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.block++
	rec := n.receipt(hash, success)
	n.receipts[hash] = rec
	return rec
}

// Sent returns every transaction submitted so far.
func (n *Node) Sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Transaction(nil), n.sent...)
}

// AddToken deploys an ERC-20 at addr.
func (n *Node) AddToken(addr common.Address, name, symbol string, decimals uint8) *Token {
	n.mu.Lock()
	defer n.mu.Unlock()
	tok := &Token{
		n:          n,
		Name:       name,
		Symbol:     symbol,
		Decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
		nonces:     make(map[common.Address]*big.Int),
	}
	n.tokens[addr] = tok
	return tok
}

// must be called with n.mu held.
func (n *Node) receipt(hash common.Hash, success bool) *types.Receipt {
	status := types.ReceiptStatusSuccessful
	if !success {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		Type:              types.DynamicFeeTxType,
		Status:            status,
		CumulativeGasUsed: 50_000,
		GasUsed:           50_000,
		Logs:              []*types.Log{},
		TxHash:            hash,
		BlockNumber:       new(big.Int).SetUint64(n.block),
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(n.block)),
		EffectiveGasPrice: new(big.Int).Set(n.baseFee),
	}
}

// must be called with n.mu held.
func (n *Node) header(number uint64) *types.Header {
	return &types.Header{
		ParentHash: common.BigToHash(new(big.Int).SetUint64(number - 1)),
		Difficulty: new(big.Int),
		Number:     new(big.Int).SetUint64(number),
		GasLimit:   30_000_000,
		Time:       n.genesisTime + number*BlockTime,
		BaseFee:    new(big.Int).Set(n.baseFee),
	}
}

// Token is an ERC-20 living on a Node.
type Token struct {
	n *Node

	Name     string
	Symbol   string
	Decimals uint8

	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int
	nonces     map[common.Address]*big.Int
}

func (t *Token) SetBalance(holder common.Address, amount *big.Int) {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	t.balances[holder] = new(big.Int).Set(amount)
}

func (t *Token) Balance(holder common.Address) *big.Int {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	return new(big.Int).Set(t.balanceOf(holder))
}

func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	return new(big.Int).Set(t.allowanceOf(owner, spender))
}

// SetNonce sets the EIP-2612 permit nonce of owner.
func (t *Token) SetNonce(owner common.Address, nonce int64) {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	t.nonces[owner] = big.NewInt(nonce)
}

func (t *Token) balanceOf(a common.Address) *big.Int {
	if b, ok := t.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (t *Token) allowanceOf(owner, spender common.Address) *big.Int {
	if v, ok := t.allowances[[2]common.Address{owner, spender}]; ok {
		return v
	}
	return new(big.Int)
}

func (t *Token) nonceOf(owner common.Address) *big.Int {
	if v, ok := t.nonces[owner]; ok {
		return v
	}
	return new(big.Int)
}

// apply executes a state-changing call and reports whether it succeeded.
func (t *Token) apply(from common.Address, input []byte) bool {
	if len(input) < 4 {
		return false
	}
	method, err := erc20.MethodById(input[:4])
	if err != nil {
		return false
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return false
	}
	switch method.Name {
	case "approve":
		spender, value := args[0].(common.Address), args[1].(*big.Int)
		t.allowances[[2]common.Address{from, spender}] = new(big.Int).Set(value)
		return true
	case "transfer":
		return t.move(from, args[0].(common.Address), args[1].(*big.Int))
	case "transferFrom":
		owner, to, value := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		allowed := t.allowanceOf(owner, from)
		if allowed.Cmp(value) < 0 {
			return false
		}
		if !t.move(owner, to, value) {
			return false
		}
		t.allowances[[2]common.Address{owner, from}] = new(big.Int).Sub(allowed, value)
		return true
	}
	return false
}

func (t *Token) move(from, to common.Address, value *big.Int) bool {
	bal := t.balanceOf(from)
	if bal.Cmp(value) < 0 {
		return false
	}
	t.balances[from] = new(big.Int).Sub(bal, value)
	t.balances[to] = new(big.Int).Add(t.balanceOf(to), value)
	return true
}

// view answers an eth_call against the token.
func (t *Token) view(input []byte) ([]byte, error) {
	if len(input) < 4 {
		return nil, fmt.Errorf("execution reverted")
	}
	method, err := erc20.MethodById(input[:4])
	if err != nil {
		return nil, fmt.Errorf("execution reverted: unknown selector")
	}
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, fmt.Errorf("execution reverted: %v", err)
	}
	switch method.Name {
	case "name":
		return method.Outputs.Pack(t.Name)
	case "symbol":
		return method.Outputs.Pack(t.Symbol)
	case "decimals":
		return method.Outputs.Pack(t.Decimals)
	case "balanceOf":
		return method.Outputs.Pack(t.balanceOf(args[0].(common.Address)))
	case "allowance":
		return method.Outputs.Pack(t.allowanceOf(args[0].(common.Address), args[1].(common.Address)))
	case "nonces":
		return method.Outputs.Pack(t.nonceOf(args[0].(common.Address)))
	}
	return nil, fmt.Errorf("execution reverted: %s is not a view", method.Name)
}
