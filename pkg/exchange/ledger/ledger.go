package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInsufficientBalance is returned by Debit when the entry holds less than
// the requested amount. It is the single guard keeping balances non-negative.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Entry identifies one balance: an asset held by an account.
type Entry struct {
	Asset   common.Address
	Account common.Address
}

// Ledger is the authoritative (asset, account) -> amount store. Amounts are
// 18-decimal fixed-point big integers and are never negative. Entries are
// created lazily on first credit; a zero balance is a valid resting state.
//
// The ledger exposes only single-entry mutations. Multi-entry atomicity (a
// fill touches four entries) is the exchange engine's responsibility.
type Ledger struct {
	mu       sync.RWMutex
	balances map[Entry]*big.Int
}

func New() *Ledger {
	return &Ledger{balances: make(map[Entry]*big.Int)}
}

// Credit increases (asset, account) by amount. A negative amount is a
// programming error on the caller's side and panics; there is no failure
// mode for a well-formed credit.
func (l *Ledger) Credit(assetID, account common.Address, amount *big.Int) {
	if amount.Sign() < 0 {
		panic(fmt.Sprintf("ledger: credit of negative amount %s", amount))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := Entry{Asset: assetID, Account: account}
	cur, ok := l.balances[key]
	if !ok {
		cur = new(big.Int)
		l.balances[key] = cur
	}
	cur.Add(cur, amount)
}

// Debit decreases (asset, account) by amount, failing with
// ErrInsufficientBalance when the entry holds less than amount.
func (l *Ledger) Debit(assetID, account common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		panic(fmt.Sprintf("ledger: debit of negative amount %s", amount))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := Entry{Asset: assetID, Account: account}
	cur, ok := l.balances[key]
	if !ok || cur.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have.Set(cur)
		}
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, have, amount)
	}
	cur.Sub(cur, amount)
	return nil
}

// BalanceOf returns the current amount for (asset, account), zero if the
// entry was never credited. The returned value is a copy.
func (l *Ledger) BalanceOf(assetID, account common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if cur, ok := l.balances[Entry{Asset: assetID, Account: account}]; ok {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// SetBalance overwrites one entry. Used only when rebuilding state from the
// persistence layer at startup.
func (l *Ledger) SetBalance(assetID, account common.Address, amount *big.Int) {
	if amount.Sign() < 0 {
		panic(fmt.Sprintf("ledger: set of negative amount %s", amount))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[Entry{Asset: assetID, Account: account}] = new(big.Int).Set(amount)
}

// Each calls fn for every entry with a copy of its amount.
func (l *Ledger) Each(fn func(e Entry, amount *big.Int)) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for e, amt := range l.balances {
		fn(e, new(big.Int).Set(amt))
	}
}
