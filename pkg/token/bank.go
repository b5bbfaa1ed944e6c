// Package token is an in-process stand-in for the external token service the
// exchange custodies funds with. It reproduces fungible-token transfer and
// allowance semantics: fixed supply minted to a deployer, transfers bounded
// by balance, delegated transfers bounded by a prior allowance grant.
package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodex/custodex/pkg/exchange/asset"
)

var (
	ErrUnknownToken         = errors.New("unknown token")
	ErrInsufficientFunds    = errors.New("insufficient token balance")
	ErrInsufficientApproval = errors.New("insufficient allowance")
)

// state holds one deployed token's full accounting.
type state struct {
	meta       asset.Asset
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int // owner -> spender -> amount
}

// Bank hosts every deployed token. Thread-safe.
type Bank struct {
	mu     sync.RWMutex
	tokens map[common.Address]*state
}

func NewBank() *Bank {
	return &Bank{tokens: make(map[common.Address]*state)}
}

// Deploy creates a token and mints its entire supply to owner.
func (b *Bank) Deploy(meta asset.Asset, supply *big.Int, owner common.Address) error {
	if asset.IsNative(meta.ID) {
		return fmt.Errorf("token id must not be the native sentinel")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tokens[meta.ID]; exists {
		return fmt.Errorf("token %s already deployed", meta.ID.Hex())
	}
	b.tokens[meta.ID] = &state{
		meta:       meta,
		supply:     new(big.Int).Set(supply),
		balances:   map[common.Address]*big.Int{owner: new(big.Int).Set(supply)},
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
	return nil
}

// Transfer moves amount from one holder to another.
func (b *Bank) Transfer(assetID, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("transfer amount must be non-negative")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.get(assetID)
	if err != nil {
		return err
	}
	return t.move(from, to, amount)
}

// Approve grants spender the right to move up to amount of owner's tokens.
// A later grant replaces the earlier one.
func (b *Bank) Approve(assetID, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("approval amount must be non-negative")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.get(assetID)
	if err != nil {
		return err
	}
	grants, ok := t.allowances[owner]
	if !ok {
		grants = make(map[common.Address]*big.Int)
		t.allowances[owner] = grants
	}
	grants[spender] = new(big.Int).Set(amount)
	return nil
}

// TransferFrom moves amount from owner to dest on spender's authority,
// consuming the owner's allowance toward the spender.
func (b *Bank) TransferFrom(assetID, spender, owner, dest common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("transfer amount must be non-negative")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.get(assetID)
	if err != nil {
		return err
	}

	allowed := t.allowance(owner, spender)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: approved %s, need %s", ErrInsufficientApproval, allowed, amount)
	}
	if err := t.move(owner, dest, amount); err != nil {
		return err
	}
	grants, ok := t.allowances[owner]
	if !ok {
		grants = make(map[common.Address]*big.Int)
		t.allowances[owner] = grants
	}
	grants[spender] = allowed.Sub(allowed, amount)
	return nil
}

// BalanceOf returns account's holding of the token, zero if none.
func (b *Bank) BalanceOf(assetID, account common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, err := b.get(assetID)
	if err != nil {
		return new(big.Int)
	}
	if cur, ok := t.balances[account]; ok {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// Allowance returns what spender may still move on owner's behalf.
func (b *Bank) Allowance(assetID, owner, spender common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, err := b.get(assetID)
	if err != nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.allowance(owner, spender))
}

// TotalSupply returns the token's fixed supply.
func (b *Bank) TotalSupply(assetID common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, err := b.get(assetID)
	if err != nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.supply)
}

// Meta returns the token's identity metadata.
func (b *Bank) Meta(assetID common.Address) (asset.Asset, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, err := b.get(assetID)
	if err != nil {
		return asset.Asset{}, err
	}
	return t.meta, nil
}

func (b *Bank) get(assetID common.Address) (*state, error) {
	t, ok := b.tokens[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, assetID.Hex())
	}
	return t, nil
}

func (t *state) move(from, to common.Address, amount *big.Int) error {
	cur, ok := t.balances[from]
	if !ok || cur.Cmp(amount) < 0 {
		have := new(big.Int)
		if ok {
			have.Set(cur)
		}
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, have, amount)
	}
	cur.Sub(cur, amount)

	dst, ok := t.balances[to]
	if !ok {
		dst = new(big.Int)
		t.balances[to] = dst
	}
	dst.Add(dst, amount)
	return nil
}

func (t *state) allowance(owner, spender common.Address) *big.Int {
	if grants, ok := t.allowances[owner]; ok {
		if a, ok := grants[spender]; ok {
			return a
		}
	}
	return new(big.Int)
}
