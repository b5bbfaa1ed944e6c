package asset

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Decimals is the fixed-point precision every ledger amount is expressed in.
const Decimals = 18

// unit is 10^18, one whole unit of any asset.
var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Units returns n whole units in 18-decimal fixed point.
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

// Fraction returns num/den units in 18-decimal fixed point, e.g.
// Fraction(1, 100) is 0.01 units.
func Fraction(num, den int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(num), unit)
	return v.Div(v, big.NewInt(den))
}

// Native is the reserved identifier for the native currency. Every other
// address refers to an external token registered with the Registry.
var Native = common.Address{}

// IsNative reports whether id is the native-currency sentinel.
func IsNative(id common.Address) bool {
	return id == Native
}

// Asset describes a registered external token. Identity only; balances live
// in the ledger and supplies live in the token service.
type Asset struct {
	ID       common.Address `json:"id"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Decimals uint8          `json:"decimals"`
}

// Registry tracks the set of tokens the exchange will custody.
// Thread-safe; registration normally happens once at startup.
type Registry struct {
	mu     sync.RWMutex
	assets map[common.Address]*Asset
}

func NewRegistry() *Registry {
	return &Registry{assets: make(map[common.Address]*Asset)}
}

// Register adds a token to the registry.
// The native sentinel and duplicate identifiers are rejected.
func (r *Registry) Register(a *Asset) error {
	if a == nil {
		return fmt.Errorf("cannot register nil asset")
	}
	if IsNative(a.ID) {
		return fmt.Errorf("cannot register the native currency as a token")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[a.ID]; exists {
		return fmt.Errorf("asset %s already registered", a.ID.Hex())
	}
	r.assets[a.ID] = a
	return nil
}

// Get retrieves a registered token by identifier.
func (r *Registry) Get(id common.Address) (*Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.assets[id]
	if !exists {
		return nil, fmt.Errorf("asset %s not registered", id.Hex())
	}
	return a, nil
}

// Known reports whether id is a registered token.
func (r *Registry) Known(id common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.assets[id]
	return exists
}

// List returns all registered tokens. Snapshot copy, safe to range over.
func (r *Registry) List() []*Asset {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	return out
}
