package exchange

import (
	"errors"

	"github.com/custodex/custodex/pkg/exchange/book"
	"github.com/custodex/custodex/pkg/exchange/ledger"
)

// Every failure an engine operation can surface. Errors are terminal for the
// requested operation and leave no partial state behind; retrying is the
// caller's decision.
var (
	// ErrInvalidAmount rejects a non-positive amount.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidAsset rejects the native sentinel on a token path, or a
	// token that was never registered.
	ErrInvalidAsset = errors.New("invalid asset for this operation")

	// ErrTransferRejected reports that the external token service (or the
	// native bridge) declined to move funds. The ledger is untouched.
	ErrTransferRejected = errors.New("external transfer rejected")

	// ErrUnauthorized rejects a cancel by anyone but the order's creator.
	ErrUnauthorized = errors.New("caller is not the order creator")

	// Re-exported so callers match every engine failure against one package.
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrOrderNotFound       = book.ErrOrderNotFound
	ErrInvalidTransition   = book.ErrInvalidTransition
)
