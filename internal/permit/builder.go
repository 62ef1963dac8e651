package permit

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"go.uber.org/zap"
)

// TokenReader reads the on-chain values a permit commits to.
type TokenReader interface {
	Name(ctx context.Context, token common.Address, chainID int64) (string, error)
	Nonces(ctx context.Context, token, owner common.Address, chainID int64) (*big.Int, error)
}

// TypedSigner signs EIP-712 typed data.
type TypedSigner interface {
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

type Builder struct {
	tokens TokenReader
	log    *zap.Logger
}

func NewBuilder(tokens TokenReader, log *zap.Logger) *Builder {
	return &Builder{tokens: tokens, log: log.Named("permit")}
}

// Build reads the token's name and the owner's nonce, then asks signer for
// the typed-data signature.
func (b *Builder) Build(
	ctx context.Context,
	signer TypedSigner,
	token, owner, spender common.Address,
	value *big.Int,
	deadline int64,
	chainID int64,
) (*Signed, error) {
	if signer == nil {
		return nil, errors.New("no signer")
	}
	name, err := b.tokens.Name(ctx, token, chainID)
	if err != nil {
		return nil, fmt.Errorf("read token name: %w", err)
	}
	nonce, err := b.tokens.Nonces(ctx, token, owner, chainID)
	if err != nil {
		return nil, fmt.Errorf("read permit nonce: %w", err)
	}

	msg := Message{Owner: owner, Spender: spender, Value: new(big.Int).Set(value), Nonce: nonce, Deadline: deadline}
	dom := Domain{Name: name, Version: Version, ChainID: chainID, VerifyingContract: token}

	sig, err := signer.SignTypedData(ctx, TypedData(msg, dom))
	if err != nil {
		return nil, fmt.Errorf("sign permit: %w", err)
	}
	b.log.Debug("permit signed",
		zap.String("token", token.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("value", value.String()),
		zap.String("nonce", nonce.String()),
	)
	return &Signed{Message: msg, Domain: dom, Signature: sig}, nil
}
