package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodex/custodex/pkg/exchange/book"
)

// ExchangeAccount is the identity under which the engine holds token custody
// at the token service. Depositors grant their allowance to this account.
var ExchangeAccount = common.HexToAddress("0xCc000000000000000000000000000000000000Cc")

// TokenService is the external collaborator holding actual token funds. The
// engine treats any non-nil error as a rejection and leaves its own ledger
// untouched for that call. Allowance grants happen out of band, directly
// between the owner and the service.
type TokenService interface {
	// TransferFrom moves amount of asset from owner into dest, consuming
	// owner's allowance toward the exchange.
	TransferFrom(assetID, owner, dest common.Address, amount *big.Int) error
	// Transfer moves amount of asset from the exchange's own holdings to dest.
	Transfer(assetID, dest common.Address, amount *big.Int) error
	BalanceOf(assetID, account common.Address) *big.Int
	Allowance(assetID, owner, spender common.Address) *big.Int
}

// NativeBridge releases native currency back to an account on withdrawal.
// The engine debits its ledger first and rolls the debit back if Release
// fails, so funds never leave accounting state without leaving custody.
type NativeBridge interface {
	Release(account common.Address, amount *big.Int) error
}

// ReleaseFunc adapts a function to the NativeBridge interface.
type ReleaseFunc func(account common.Address, amount *big.Int) error

func (f ReleaseFunc) Release(account common.Address, amount *big.Int) error {
	return f(account, amount)
}

// Store persists the effects of one mutating operation. Apply must be
// atomic: either every change in the set becomes durable or none does.
type Store interface {
	Apply(ch ChangeSet) error
}

// ChangeSet is the write set of a single engine operation, expressed as
// final values so replaying it is idempotent.
type ChangeSet struct {
	Balances []BalanceChange
	Orders   []*book.Order // full post-operation records
	Counter  uint64        // new order counter value; 0 means unchanged
}

type BalanceChange struct {
	Asset   common.Address
	Account common.Address
	Amount  *big.Int
}
