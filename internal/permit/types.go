// Package permit builds and signs EIP-2612 permits so the backend can pull
// payment tokens without a separate approve transaction.
package permit

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Version is the EIP-712 domain version of the payment token.
const Version = "1"

// Message is the Permit struct the owner signs. On the wire, value and nonce
// are decimal strings and deadline is a unix timestamp.
type Message struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Nonce    *big.Int
	Deadline int64
}

type messageJSON struct {
	Owner    common.Address `json:"owner"`
	Spender  common.Address `json:"spender"`
	Value    string         `json:"value"`
	Nonce    string         `json:"nonce"`
	Deadline int64          `json:"deadline"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		Owner:    m.Owner,
		Spender:  m.Spender,
		Value:    decimal(m.Value),
		Nonce:    decimal(m.Nonce),
		Deadline: m.Deadline,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	value, ok := new(big.Int).SetString(raw.Value, 10)
	if !ok {
		return fmt.Errorf("permit value %q is not a decimal integer", raw.Value)
	}
	nonce, ok := new(big.Int).SetString(raw.Nonce, 10)
	if !ok {
		return fmt.Errorf("permit nonce %q is not a decimal integer", raw.Nonce)
	}
	*m = Message{Owner: raw.Owner, Spender: raw.Spender, Value: value, Nonce: nonce, Deadline: raw.Deadline}
	return nil
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Domain is the token's EIP-712 domain.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Signed is a permit together with the owner's signature.
type Signed struct {
	Message   Message
	Domain    Domain
	Signature []byte
}
