package registration

import (
	"errors"
	"fmt"

	"github.com/unreal-ai/unreal-console/internal/backend"
)

// ErrPaymentTokenUnresolved is logged, not returned: registration carries on
// without a payment token.
var ErrPaymentTokenUnresolved = errors.New("payment token unresolved")

// PermitError aborts a registration before anything is sent to the backend.
type PermitError struct {
	Err error
}

func (e *PermitError) Error() string { return fmt.Sprintf("permit creation failed: %v", e.Err) }
func (e *PermitError) Unwrap() error { return e.Err }

// BackendError wraps a failed backend call made during registration.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend registration failed (%s): %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Status returns the backend's HTTP status, or 0 if the request never got a
// response.
func (e *BackendError) Status() int {
	var he *backend.HTTPError
	if errors.As(e.Err, &he) {
		return he.Status
	}
	return 0
}
