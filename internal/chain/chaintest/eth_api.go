package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// callArgs accepts both the "input" and the legacy "data" field.
type callArgs struct {
	From  *common.Address `json:"from"`
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
}

func (a callArgs) data() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

// ethAPI is registered under the "eth" namespace.
type ethAPI struct{ n *Node }

func (api *ethAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).Set(api.n.chainID))
}

func (api *ethAPI) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(api.n.BlockNumber())
}

func (api *ethAPI) GetBlockByNumber(number rpc.BlockNumber, _ bool) *types.Header {
	n := api.n
	n.mu.Lock()
	defer n.mu.Unlock()
	num := n.block
	if number >= 0 {
		if uint64(number) > n.block {
			return nil
		}
		num = uint64(number)
	}
	return n.header(num)
}

func (api *ethAPI) GetTransactionReceipt(hash common.Hash) *types.Receipt {
	n := api.n
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.receipts[hash]
}

func (api *ethAPI) Call(args callArgs, _ *rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	n := api.n
	n.mu.Lock()
	defer n.mu.Unlock()
	if args.To == nil {
		return nil, errors.New("contract creation not supported")
	}
	tok, ok := n.tokens[*args.To]
	if !ok {
		return hexutil.Bytes{}, nil
	}
	return tok.view(args.data())
}

func (api *ethAPI) GetCode(addr common.Address, _ rpc.BlockNumberOrHash) hexutil.Bytes {
	n := api.n
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.tokens[addr]; ok {
		return hexutil.Bytes{0x60, 0x80, 0x60, 0x40}
	}
	return hexutil.Bytes{}
}

func (api *ethAPI) GasPrice() *hexutil.Big {
	n := api.n
	n.mu.Lock()
	defer n.mu.Unlock()
	return (*hexutil.Big)(new(big.Int).Mul(n.baseFee, big.NewInt(2)))
}

func (api *ethAPI) MaxPriorityFeePerGas() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1_000_000))
}

func (api *ethAPI) GetTransactionCount(addr common.Address, _ rpc.BlockNumberOrHash) hexutil.Uint64 {
	n := api.n
	n.mu.Lock()
	defer n.mu.Unlock()
	return hexutil.Uint64(n.nonces[addr])
}

func (api *ethAPI) EstimateGas(_ callArgs, _ *rpc.BlockNumberOrHash) hexutil.Uint64 {
	return 60_000
}

func (api *ethAPI) SendRawTransaction(_ context.Context, raw hexutil.Bytes) (common.Hash, error) {
	n := api.n
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("decode transaction: %w", err)
	}
	if tx.ChainId().Cmp(n.chainID) != 0 {
		return common.Hash{}, fmt.Errorf("invalid chain id %s", tx.ChainId())
	}
	from, err := types.Sender(types.LatestSignerForChainID(n.chainID), tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if tx.Nonce() != n.nonces[from] {
		return common.Hash{}, fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), n.nonces[from])
	}
	n.nonces[from]++
	n.sent = append(n.sent, tx)

	success := true
	if tx.To() != nil {
		if tok, ok := n.tokens[*tx.To()]; ok {
			success = tok.apply(from, tx.Data())
		}
	}
	if n.autoMine {
		n.block++
		n.receipts[tx.Hash()] = n.receipt(tx.Hash(), success)
	}
	return tx.Hash(), nil
}
