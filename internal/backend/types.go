package backend

import (
	"encoding/json"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/unreal-ai/unreal-console/internal/permit"
)

// RegisterRequest is the body of POST /auth/register. Payload holds the
// exact bytes that were signed.
type RegisterRequest struct {
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"signature"`
	Address         common.Address  `json:"address"`
	Permit          *permit.Message `json:"permit,omitempty"`
	PermitSignature string          `json:"permitSignature,omitempty"`
}

type RegisterResponse struct {
	Token string `json:"token"`
}

// VerifyResult describes a bearer token the backend still accepts.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Remaining int64          `json:"remaining"`
	Address   common.Address `json:"address"`
	Exp       int64          `json:"exp"`
}

// CreatedKey is returned once, when the secret is still visible.
type CreatedKey struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

type APIKey struct {
	Name      string `json:"name"`
	Hash      string `json:"hash"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

type AirdropResponse struct {
	TxHash         string `json:"txHash"`
	AlreadyClaimed bool   `json:"alreadyClaimed"`
	Confirmed      bool   `json:"confirmed"`
	Message        string `json:"message"`
}

type SystemChain struct {
	PaymentToken string   `json:"paymentToken"`
	RPCURLs      []string `json:"rpcUrls"`
}

// SystemInfo is the backend's view of the chains it settles on. Maps are
// keyed by decimal chain id.
type SystemInfo struct {
	Chains              map[string]SystemChain `json:"chains"`
	PaymentTokens       map[string]string      `json:"paymentTokens"`
	DefaultPaymentToken string                 `json:"defaultPaymentToken"`
}

// PaymentToken resolves the token for chainID from, in order, the
// paymentTokens map, the chain entry and the default.
func (s *SystemInfo) PaymentToken(chainID int64) (common.Address, bool) {
	if s == nil {
		return common.Address{}, false
	}
	key := strconv.FormatInt(chainID, 10)
	candidates := []string{s.PaymentTokens[key]}
	if c, ok := s.Chains[key]; ok {
		candidates = append(candidates, c.PaymentToken)
	}
	candidates = append(candidates, s.DefaultPaymentToken)
	for _, c := range candidates {
		if common.IsHexAddress(c) && common.HexToAddress(c) != (common.Address{}) {
			return common.HexToAddress(c), true
		}
	}
	return common.Address{}, false
}
