package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/config"
)

// Injected talks to an external EIP-1193 provider over JSON-RPC. Keys never
// leave the provider.
type Injected struct {
	client *rpc.Client
	log    *zap.Logger

	mu   sync.RWMutex
	addr *common.Address
}

func NewInjected(url string, log *zap.Logger) (*Injected, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet provider: %w", err)
	}
	return &Injected{client: c, log: log}, nil
}

func (w *Injected) Kind() string { return config.WalletInjected }

// Connect requests account access and selects preferred if the provider
// exposes it, otherwise the provider's first account.
func (w *Injected) Connect(ctx context.Context, preferred common.Address) (common.Address, error) {
	var accts []common.Address
	if err := w.client.CallContext(ctx, &accts, "eth_requestAccounts"); err != nil {
		return common.Address{}, fmt.Errorf("eth_requestAccounts: %w", err)
	}
	if len(accts) == 0 {
		return common.Address{}, fmt.Errorf("%w: provider exposed no accounts", ErrUnknownAccount)
	}
	chosen := accts[0]
	if preferred != (common.Address{}) {
		found := false
		for _, a := range accts {
			if a == preferred {
				chosen, found = a, true
				break
			}
		}
		if !found {
			return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAccount, preferred.Hex())
		}
	}

	w.mu.Lock()
	w.addr = &chosen
	w.mu.Unlock()
	w.log.Info("wallet connected", zap.String("kind", w.Kind()), zap.String("address", chosen.Hex()))
	return chosen, nil
}

func (w *Injected) Address() (common.Address, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.addr == nil {
		return common.Address{}, false
	}
	return *w.addr, true
}

func (w *Injected) ChainID(ctx context.Context) (int64, error) {
	var id hexutil.Big
	if err := w.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, fmt.Errorf("eth_chainId: %w", err)
	}
	return id.ToInt().Int64(), nil
}

func (w *Injected) SwitchChain(ctx context.Context, chainID int64) error {
	param := map[string]string{"chainId": hexutil.EncodeUint64(uint64(chainID))}
	if err := w.client.CallContext(ctx, nil, "wallet_switchEthereumChain", param); err != nil {
		return fmt.Errorf("wallet_switchEthereumChain: %w", err)
	}
	return nil
}

func (w *Injected) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	addr, ok := w.Address()
	if !ok {
		return nil, ErrNotConnected
	}
	var sig hexutil.Bytes
	if err := w.client.CallContext(ctx, &sig, "personal_sign", hexutil.Encode(msg), addr); err != nil {
		return nil, fmt.Errorf("personal_sign: %w", err)
	}
	return sig, nil
}

func (w *Injected) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	addr, ok := w.Address()
	if !ok {
		return nil, ErrNotConnected
	}
	var sig hexutil.Bytes
	if err := w.client.CallContext(ctx, &sig, "eth_signTypedData_v4", addr, jsonSafe(data)); err != nil {
		return nil, fmt.Errorf("eth_signTypedData_v4: %w", err)
	}
	return sig, nil
}

// txArgs is the eth_signTransaction request object.
type txArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Data                 hexutil.Bytes   `json:"data"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

func (w *Injected) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	addr, ok := w.Address()
	if !ok {
		return nil, ErrNotConnected
	}
	args := txArgs{
		From:    addr,
		To:      tx.To(),
		Gas:     hexutil.Uint64(tx.Gas()),
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   hexutil.Uint64(tx.Nonce()),
		Data:    tx.Data(),
		ChainID: (*hexutil.Big)(chainID),
	}
	if tx.Type() == types.DynamicFeeTxType {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	}

	var raw hexutil.Bytes
	if err := w.client.CallContext(ctx, &raw, "eth_signTransaction", args); err != nil {
		return nil, fmt.Errorf("eth_signTransaction: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return signed, nil
}

func (w *Injected) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addr = nil
}

// Close releases the provider connection.
func (w *Injected) Close() { w.client.Close() }

// jsonSafe replaces big integers in the message with decimal strings, which
// providers accept for uint256 and which survive JSON number parsing.
func jsonSafe(data apitypes.TypedData) apitypes.TypedData {
	msg := make(apitypes.TypedDataMessage, len(data.Message))
	for k, v := range data.Message {
		if b, ok := v.(*big.Int); ok {
			msg[k] = b.String()
			continue
		}
		msg[k] = v
	}
	data.Message = msg
	return data
}
