// Command checkbal prints an owner's payment token balance, allowance and
// permit nonce on one chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/unreal-ai/unreal-console/internal/chain"
	"github.com/unreal-ai/unreal-console/internal/chains"
	"github.com/unreal-ai/unreal-console/internal/retry"
	"github.com/unreal-ai/unreal-console/internal/token"
)

func main() {
	chainID := flag.Int64("chain", 0, "chain id (0 = default chain)")
	rpcURL := flag.String("rpc", "", "override the chain's RPC URL")
	tokenFlag := flag.String("token", "", "token address (default: the chain's payment token)")
	ownerFlag := flag.String("owner", "", "holder address")
	spenderFlag := flag.String("spender", "", "spender to report the allowance for")
	flag.Parse()

	if !common.IsHexAddress(*ownerFlag) {
		fatalf("-owner must be a hex address")
	}
	owner := common.HexToAddress(*ownerFlag)

	reg := chains.NewRegistry()
	id := *chainID
	if id == 0 {
		id = reg.DefaultID()
	}
	if *rpcURL != "" {
		var err error
		if reg, err = reg.WithRPCOverride(id, *rpcURL); err != nil {
			fatalf("%v", err)
		}
	}

	var tok common.Address
	switch {
	case *tokenFlag != "":
		if !common.IsHexAddress(*tokenFlag) {
			fatalf("-token must be a hex address")
		}
		tok = common.HexToAddress(*tokenFlag)
	default:
		var err error
		if tok, err = reg.UnrealTokenAddress(id); err != nil {
			fatalf("%v (pass -token)", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log := zap.NewNop()
	factory := chain.NewFactory(reg, retry.Transport(), log)
	defer factory.Close()
	ops := token.NewOps(factory, retry.Transport(), log)

	symbol, err := ops.Symbol(ctx, tok, id)
	if err != nil {
		fatalf("symbol: %v", err)
	}
	decimals, err := ops.Decimals(ctx, tok, id)
	if err != nil {
		fatalf("decimals: %v", err)
	}
	bal, err := ops.Balance(ctx, tok, owner, id)
	if err != nil {
		fatalf("balance: %v", err)
	}
	nonce, err := ops.Nonces(ctx, tok, owner, id)
	if err != nil {
		fatalf("nonce: %v", err)
	}

	fmt.Printf("chain:     %d\n", id)
	fmt.Printf("token:     %s (%s, %d decimals)\n", tok.Hex(), symbol, decimals)
	fmt.Printf("balance:   %s (%d whole)\n", bal, token.WholeUnits(bal, decimals))
	fmt.Printf("nonce:     %s\n", nonce)

	if *spenderFlag != "" {
		if !common.IsHexAddress(*spenderFlag) {
			fatalf("-spender must be a hex address")
		}
		allowance, err := ops.Allowance(ctx, tok, owner, common.HexToAddress(*spenderFlag), id)
		if err != nil {
			fatalf("allowance: %v", err)
		}
		fmt.Printf("allowance: %s\n", allowance)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "checkbal: "+format+"\n", args...)
	os.Exit(1)
}
