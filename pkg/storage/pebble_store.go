package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/custodex/custodex/pkg/exchange"
	"github.com/custodex/custodex/pkg/exchange/asset"
	"github.com/custodex/custodex/pkg/exchange/book"
	"github.com/custodex/custodex/pkg/exchange/ledger"
)

// PebbleStore persists exchange state. Every engine operation lands as one
// synced Pebble batch, so a fill's five balance legs and the order's status
// flip become durable together or not at all.
type PebbleStore struct {
	db     *pebble.DB
	closed bool
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close is idempotent; a second call is a no-op.
func (s *PebbleStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// balanceRecord is the stored form of one ledger entry.
type balanceRecord struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
}

// Apply writes one operation's change set atomically.
func (s *PebbleStore) Apply(ch exchange.ChangeSet) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, bc := range ch.Balances {
		data, err := json.Marshal(balanceRecord{Asset: bc.Asset, Account: bc.Account, Amount: bc.Amount})
		if err != nil {
			return fmt.Errorf("marshal balance: %w", err)
		}
		if err := batch.Set(balanceKey(bc.Asset, bc.Account), data, nil); err != nil {
			return err
		}
	}
	for _, o := range ch.Orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal order: %w", err)
		}
		if err := batch.Set(orderKey(o.ID), data, nil); err != nil {
			return err
		}
	}
	if ch.Counter != 0 {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], ch.Counter)
		if err := batch.Set(keyCounter, v[:], nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.Sync)
}

// SaveAsset persists registered token metadata so the registry can be
// rebuilt on restart.
func (s *PebbleStore) SaveAsset(a *asset.Asset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal asset: %w", err)
	}
	return s.db.Set(tokenKey(a.ID), data, pebble.Sync)
}

// Load rebuilds ledger, book and registry from disk.
func (s *PebbleStore) Load(l *ledger.Ledger, b *book.Book, r *asset.Registry) error {
	if err := s.loadBalances(l); err != nil {
		return err
	}
	if err := s.loadOrders(b); err != nil {
		return err
	}
	if err := s.loadAssets(r); err != nil {
		return err
	}

	val, closer, err := s.db.Get(keyCounter)
	if err == nil {
		b.SetCounter(binary.BigEndian.Uint64(val))
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("load counter: %w", err)
	}
	return nil
}

func (s *PebbleStore) loadBalances(l *ledger.Ledger) error {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec balanceRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("unmarshal balance %q: %w", iter.Key(), err)
		}
		l.SetBalance(rec.Asset, rec.Account, rec.Amount)
	}
	return iter.Error()
}

func (s *PebbleStore) loadOrders(b *book.Book) error {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var o book.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return fmt.Errorf("unmarshal order %q: %w", iter.Key(), err)
		}
		b.Restore(&o)
	}
	return iter.Error()
}

func (s *PebbleStore) loadAssets(r *asset.Registry) error {
	prefix := []byte(prefixToken)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var a asset.Asset
		if err := json.Unmarshal(iter.Value(), &a); err != nil {
			return fmt.Errorf("unmarshal asset %q: %w", iter.Key(), err)
		}
		if err := r.Register(&a); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ exchange.Store = (*PebbleStore)(nil)
