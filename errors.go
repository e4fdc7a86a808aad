package arksdk

import (
	"errors"
	"fmt"

	"github.com/arkade-os/ark-sdk/internal/utils"
)

var (
	ErrNotInitialized     = errors.New("client not initialized")
	ErrAlreadyInitialized = errors.New("client already initialized")
	ErrNoSignerSessions   = errors.New("no signer sessions for the vtxo tree")
	ErrInvalidReceiver    = errors.New("invalid receiver")
	ErrInvalidServerTx    = errors.New("invalid tx signed by the server")

	ErrInsufficientFunds = utils.ErrInsufficientFunds
	ErrFeesExceedAmount  = utils.ErrFeesExceedAmount
)

// DigestMismatchError is returned when the server config differs from the
// one the client was initialized with.
type DigestMismatchError struct {
	Expected string
	Actual   string
}

func (e DigestMismatchError) Error() string {
	return fmt.Sprintf("arkd info digest mismatch: expected %s, actual %s", e.Expected, e.Actual)
}
