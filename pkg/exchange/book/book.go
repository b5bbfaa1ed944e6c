package book

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrOrderNotFound is returned when an id was never allocated.
	ErrOrderNotFound = errors.New("order not found")
	// ErrInvalidTransition is returned when a terminal order is acted on.
	ErrInvalidTransition = errors.New("order is not open")
)

// Status is the lifecycle state of an order. Transitions are one-way:
// Open -> Filled or Open -> Cancelled, never back, never between terminals.
type Status int8

const (
	Open Status = iota
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the order can no longer be acted on.
func (s Status) Terminal() bool {
	return s == Filled || s == Cancelled
}

// Order is a maker's standing offer: AmountGive of AssetGive in exchange for
// AmountGet of AssetGet. All fields except Status are immutable after
// creation. Orders are never deleted; terminal orders stay queryable.
type Order struct {
	ID         uint64         `json:"id"`
	Creator    common.Address `json:"creator"`
	AssetGet   common.Address `json:"assetGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	AssetGive  common.Address `json:"assetGive"`
	AmountGive *big.Int       `json:"amountGive"`
	CreatedAt  time.Time      `json:"createdAt"`
	Status     Status         `json:"status"`
}

// Clone returns a deep copy; mutating the copy never touches book state.
func (o *Order) Clone() *Order {
	c := *o
	c.AmountGet = new(big.Int).Set(o.AmountGet)
	c.AmountGive = new(big.Int).Set(o.AmountGive)
	return &c
}

// Book stores every order ever created, keyed by a monotonically increasing
// id. It is the final arbiter of whether an order is still actionable: the
// mark transitions below fail on anything but an Open order, so two fills of
// the same id can never both succeed.
type Book struct {
	mu     sync.RWMutex
	seq    uint64
	orders map[uint64]*Order
}

func New() *Book {
	return &Book{orders: make(map[uint64]*Order)}
}

// NextID allocates and returns the next order id. Ids start at 1, strictly
// increase, and are never reused even if the order is later cancelled.
func (b *Book) NextID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// Insert stores a newly created order under its id.
func (b *Book) Insert(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ID] = o
}

// Get returns a copy of the order, or ErrOrderNotFound for an id that was
// never allocated.
func (b *Book) Get(id uint64) (*Order, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	o, ok := b.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

// MarkFilled transitions an Open order to Filled.
func (b *Book) MarkFilled(id uint64) error {
	return b.mark(id, Filled)
}

// MarkCancelled transitions an Open order to Cancelled.
func (b *Book) MarkCancelled(id uint64) error {
	return b.mark(id, Cancelled)
}

func (b *Book) mark(id uint64, to Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrOrderNotFound, id)
	}
	if o.Status != Open {
		return fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, id, o.Status)
	}
	o.Status = to
	return nil
}

// All returns copies of every order, ordered by id.
func (b *Book) All() []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Order, 0, len(b.orders))
	for id := uint64(1); id <= b.seq; id++ {
		if o, ok := b.orders[id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Counter returns the highest id allocated so far.
func (b *Book) Counter() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Restore reinstates an order and advances the counter past its id. Used
// only when rebuilding state from the persistence layer at startup.
func (b *Book) Restore(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.orders[o.ID] = o
	if o.ID > b.seq {
		b.seq = o.ID
	}
}

// SetCounter forces the counter forward to n. Startup-only, like Restore.
func (b *Book) SetCounter(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.seq {
		b.seq = n
	}
}
