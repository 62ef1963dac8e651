package chains

import "fmt"

// ChainError reports an unsupported or misconfigured chain.
type ChainError struct {
	ChainID int64
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %d: %s", e.ChainID, e.Reason)
}
