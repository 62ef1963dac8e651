package registration

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Payload is what the wallet signs to register. PaymentToken and ChainID are
// set together, and only when a permit accompanies the payload: a resolved
// payment token and a positive quota.
type Payload struct {
	Issuer       common.Address  `json:"iss"`
	IssuedAt     int64           `json:"iat"`
	Subject      common.Address  `json:"sub"`
	Expiry       int64           `json:"exp"`
	CallQuota    int64           `json:"calls"`
	PaymentToken *common.Address `json:"paymentToken,omitempty"`
	ChainID      *int64          `json:"chainId,omitempty"`
}

// BuildPayload assembles a payload valid for ttl from now. token is dropped
// when quota is zero since no permit is sent for it.
func BuildPayload(issuer, subject common.Address, quota int64, token *common.Address, chainID int64, now time.Time, ttl time.Duration) Payload {
	p := Payload{
		Issuer:    issuer,
		IssuedAt:  now.Unix(),
		Subject:   subject,
		Expiry:    now.Add(ttl).Unix(),
		CallQuota: quota,
	}
	if token != nil && quota > 0 {
		t := *token
		p.PaymentToken = &t
		p.ChainID = &chainID
	}
	return p
}
