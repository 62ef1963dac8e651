package chain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionError reasons.
const (
	ReasonReverted        = "reverted"
	ReasonTimeout         = "timeout"
	ReasonAccountRequired = "account required"
)

// TransactionError reports a write that failed on or before reaching the chain.
type TransactionError struct {
	TxHash common.Hash
	Reason string
	Err    error
}

func (e *TransactionError) Error() string {
	msg := "transaction"
	if e.TxHash != (common.Hash{}) {
		msg += " " + e.TxHash.Hex()
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TransactionError) Unwrap() error { return e.Err }

// IsReverted reports whether err is a TransactionError for a reverted receipt.
func IsReverted(err error) bool { return hasReason(err, ReasonReverted) }

// IsTimeout reports whether err is a TransactionError for a wait that timed out.
func IsTimeout(err error) bool { return hasReason(err, ReasonTimeout) }

func hasReason(err error, reason string) bool {
	var te *TransactionError
	return errors.As(err, &te) && te.Reason == reason
}
