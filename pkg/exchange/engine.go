package exchange

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/custodex/custodex/params"
	"github.com/custodex/custodex/pkg/exchange/asset"
	"github.com/custodex/custodex/pkg/exchange/book"
	"github.com/custodex/custodex/pkg/exchange/ledger"
	"github.com/custodex/custodex/pkg/util"
)

// Engine orchestrates every mutation of the ledger and the order book. All
// mutating operations serialize through one write lock, so each operation is
// observed either fully applied or not at all; two fills of the same order
// can never both succeed because the second sees the first one's terminal
// state. Read accessors take the read lock and may run concurrently.
//
// Callers arrive already authenticated by the transport layer; the engine
// only compares identities (cancel ownership) and never authenticates.
type Engine struct {
	mu sync.RWMutex

	ledger   *ledger.Ledger
	book     *book.Book
	registry *asset.Registry
	tokens   TokenService
	bridge   NativeBridge
	store    Store // optional; nil runs purely in memory
	fee      params.Fee
	clock    util.Clock
	log      *zap.SugaredLogger

	depositFeed  event.Feed
	withdrawFeed event.Feed
	orderFeed    event.Feed
	cancelFeed   event.Feed
	tradeFeed    event.Feed
	scope        event.SubscriptionScope
}

// Options bundles the engine's collaborators. Ledger, Book and Registry are
// created fresh when nil; TokenService and NativeBridge must be supplied.
type Options struct {
	Ledger   *ledger.Ledger
	Book     *book.Book
	Registry *asset.Registry
	Tokens   TokenService
	Bridge   NativeBridge
	Store    Store
	Fee      params.Fee
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

func New(opts Options) *Engine {
	if opts.Ledger == nil {
		opts.Ledger = ledger.New()
	}
	if opts.Book == nil {
		opts.Book = book.New()
	}
	if opts.Registry == nil {
		opts.Registry = asset.NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	return &Engine{
		ledger:   opts.Ledger,
		book:     opts.Book,
		registry: opts.Registry,
		tokens:   opts.Tokens,
		bridge:   opts.Bridge,
		store:    opts.Store,
		fee:      opts.Fee,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

// Close tears down all event subscriptions.
func (e *Engine) Close() {
	e.scope.Close()
}

// Registry exposes the token registry for startup wiring and the gateway.
func (e *Engine) Registry() *asset.Registry { return e.registry }

// FeeAccount returns the account credited with every taker fee.
func (e *Engine) FeeAccount() common.Address { return e.fee.Account }

// FeePercent returns the integer fee percentage applied on each fill.
func (e *Engine) FeePercent() uint64 { return e.fee.Percent }

// ---------------------------------------------------------------------------
// Deposits and withdrawals
// ---------------------------------------------------------------------------

// DepositNative credits account with amount of native currency. The caller
// (transport layer) has already taken custody of the funds.
func (e *Engine) DepositNative(account common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ledger.Credit(asset.Native, account, amount)
	balance := e.ledger.BalanceOf(asset.Native, account)

	if err := e.persist(ChangeSet{Balances: []BalanceChange{
		{Asset: asset.Native, Account: account, Amount: balance},
	}}); err != nil {
		return err
	}

	e.log.Infow("deposit", "asset", "native", "account", account.Hex(), "amount", amount, "balance", balance)
	e.depositFeed.Send(DepositEvent{Asset: asset.Native, Account: account, Amount: amount, Balance: balance})
	return nil
}

// WithdrawNative debits account and instructs the native bridge to release
// the funds. The debit is recorded (and persisted) before the release; if
// the release fails the debit is rolled back, so funds never leave
// accounting state without leaving custody.
func (e *Engine) WithdrawNative(account common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ledger.Debit(asset.Native, account, amount); err != nil {
		return err
	}
	if err := e.persist(ChangeSet{Balances: []BalanceChange{
		{Asset: asset.Native, Account: account, Amount: e.ledger.BalanceOf(asset.Native, account)},
	}}); err != nil {
		e.ledger.Credit(asset.Native, account, amount)
		return err
	}

	if err := e.bridge.Release(account, amount); err != nil {
		// Undo the debit: the funds never left custody.
		e.ledger.Credit(asset.Native, account, amount)
		rollbackErr := e.persist(ChangeSet{Balances: []BalanceChange{
			{Asset: asset.Native, Account: account, Amount: e.ledger.BalanceOf(asset.Native, account)},
		}})
		if rollbackErr != nil {
			return rollbackErr
		}
		e.log.Warnw("withdraw_rejected", "asset", "native", "account", account.Hex(), "amount", amount, "err", err)
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	balance := e.ledger.BalanceOf(asset.Native, account)
	e.log.Infow("withdraw", "asset", "native", "account", account.Hex(), "amount", amount, "balance", balance)
	e.withdrawFeed.Send(WithdrawEvent{Asset: asset.Native, Account: account, Amount: amount, Balance: balance})
	return nil
}

// DepositToken pulls amount of a registered token from account into custody
// via the token service (which consumes the account's prior allowance grant)
// and credits the ledger. Token and native deposits use disjoint paths; the
// native sentinel is rejected here.
func (e *Engine) DepositToken(account, assetID common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := e.checkToken(assetID); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.tokens.TransferFrom(assetID, account, ExchangeAccount, amount); err != nil {
		e.log.Warnw("deposit_rejected", "asset", assetID.Hex(), "account", account.Hex(), "amount", amount, "err", err)
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	e.ledger.Credit(assetID, account, amount)
	balance := e.ledger.BalanceOf(assetID, account)

	if err := e.persist(ChangeSet{Balances: []BalanceChange{
		{Asset: assetID, Account: account, Amount: balance},
	}}); err != nil {
		return err
	}

	e.log.Infow("deposit", "asset", assetID.Hex(), "account", account.Hex(), "amount", amount, "balance", balance)
	e.depositFeed.Send(DepositEvent{Asset: assetID, Account: account, Amount: amount, Balance: balance})
	return nil
}

// WithdrawToken debits the ledger, then asks the token service to move the
// funds from custody back to the account. Same ordering discipline as
// WithdrawNative: debit first, roll back if the external transfer fails.
func (e *Engine) WithdrawToken(account, assetID common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := e.checkToken(assetID); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ledger.Debit(assetID, account, amount); err != nil {
		return err
	}
	if err := e.persist(ChangeSet{Balances: []BalanceChange{
		{Asset: assetID, Account: account, Amount: e.ledger.BalanceOf(assetID, account)},
	}}); err != nil {
		e.ledger.Credit(assetID, account, amount)
		return err
	}

	if err := e.tokens.Transfer(assetID, account, amount); err != nil {
		e.ledger.Credit(assetID, account, amount)
		rollbackErr := e.persist(ChangeSet{Balances: []BalanceChange{
			{Asset: assetID, Account: account, Amount: e.ledger.BalanceOf(assetID, account)},
		}})
		if rollbackErr != nil {
			return rollbackErr
		}
		e.log.Warnw("withdraw_rejected", "asset", assetID.Hex(), "account", account.Hex(), "amount", amount, "err", err)
		return fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}

	balance := e.ledger.BalanceOf(assetID, account)
	e.log.Infow("withdraw", "asset", assetID.Hex(), "account", account.Hex(), "amount", amount, "balance", balance)
	e.withdrawFeed.Send(WithdrawEvent{Asset: assetID, Account: account, Amount: amount, Balance: balance})
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// MakeOrder posts a standing offer: amountGive of assetGive in exchange for
// amountGet of assetGet. No balance is checked or reserved at creation; an
// order may rest with no funds behind it, and insufficiency only surfaces at
// fill time.
func (e *Engine) MakeOrder(creator, assetGet common.Address, amountGet *big.Int, assetGive common.Address, amountGive *big.Int) (*book.Order, error) {
	if err := checkAmount(amountGet); err != nil {
		return nil, err
	}
	if err := checkAmount(amountGive); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	o := &book.Order{
		ID:         e.book.NextID(),
		Creator:    creator,
		AssetGet:   assetGet,
		AmountGet:  new(big.Int).Set(amountGet),
		AssetGive:  assetGive,
		AmountGive: new(big.Int).Set(amountGive),
		CreatedAt:  e.clock.Now(),
		Status:     book.Open,
	}
	e.book.Insert(o)

	if err := e.persist(ChangeSet{Orders: []*book.Order{o.Clone()}, Counter: o.ID}); err != nil {
		return nil, err
	}

	e.log.Infow("order", "id", o.ID, "creator", creator.Hex(),
		"asset_get", assetGet.Hex(), "amount_get", amountGet,
		"asset_give", assetGive.Hex(), "amount_give", amountGive)
	e.orderFeed.Send(OrderEvent{Order: o.Clone()})
	return o.Clone(), nil
}

// CancelOrder marks an Open order Cancelled. Only the creator may cancel,
// and cancellation is always legal for the creator while the order is Open.
func (e *Engine) CancelOrder(caller common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.book.Get(id)
	if err != nil {
		return err
	}
	if o.Creator != caller {
		return fmt.Errorf("%w: order %d belongs to %s", ErrUnauthorized, id, o.Creator.Hex())
	}
	if err := e.book.MarkCancelled(id); err != nil {
		return err
	}
	o.Status = book.Cancelled

	if err := e.persist(ChangeSet{Orders: []*book.Order{o}}); err != nil {
		return err
	}

	e.log.Infow("cancel", "id", id, "creator", caller.Hex())
	e.cancelFeed.Send(CancelEvent{Order: o})
	return nil
}

// FillOrder executes an Open order wholly against the taker. The taker
// supplies AmountGet (plus the fee) of AssetGet and receives AmountGive of
// AssetGive; the maker receives exactly AmountGet, so the fee is borne by
// the taker. All five ledger legs apply atomically or not at all. Partial
// fills do not exist, and nothing prevents a maker from filling their own
// order.
func (e *Engine) FillOrder(taker common.Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.book.Get(id)
	if err != nil {
		return err
	}
	if o.Status != book.Open {
		return fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, id, o.Status)
	}

	fee := e.feeFor(o.AmountGet)
	cost := new(big.Int).Add(o.AmountGet, fee)

	// Leg 1: taker pays amount_get plus the fee. The only balance check
	// fill performs against the taker.
	if err := e.ledger.Debit(o.AssetGet, taker, cost); err != nil {
		return err
	}
	// Legs 2-3: maker receives exactly amount_get, the fee account takes
	// the slice on top.
	e.ledger.Credit(o.AssetGet, o.Creator, o.AmountGet)
	e.ledger.Credit(o.AssetGet, e.fee.Account, fee)
	// Leg 4: the maker's side. If the maker no longer holds the funds the
	// whole fill unwinds.
	if err := e.ledger.Debit(o.AssetGive, o.Creator, o.AmountGive); err != nil {
		// Unwind legs 1-3 under the same critical section; these debits
		// remove exactly what was just credited, so they cannot fail.
		mustDebit(e.ledger, o.AssetGet, e.fee.Account, fee)
		mustDebit(e.ledger, o.AssetGet, o.Creator, o.AmountGet)
		e.ledger.Credit(o.AssetGet, taker, cost)
		return err
	}
	// Leg 5: taker receives the asset they came for.
	e.ledger.Credit(o.AssetGive, taker, o.AmountGive)

	if err := e.book.MarkFilled(id); err != nil {
		// Unreachable: status was verified under this lock.
		panic(fmt.Sprintf("exchange: fill of non-open order %d: %v", id, err))
	}
	o.Status = book.Filled

	if err := e.persist(ChangeSet{
		Balances: []BalanceChange{
			{Asset: o.AssetGet, Account: taker, Amount: e.ledger.BalanceOf(o.AssetGet, taker)},
			{Asset: o.AssetGet, Account: o.Creator, Amount: e.ledger.BalanceOf(o.AssetGet, o.Creator)},
			{Asset: o.AssetGet, Account: e.fee.Account, Amount: e.ledger.BalanceOf(o.AssetGet, e.fee.Account)},
			{Asset: o.AssetGive, Account: o.Creator, Amount: e.ledger.BalanceOf(o.AssetGive, o.Creator)},
			{Asset: o.AssetGive, Account: taker, Amount: e.ledger.BalanceOf(o.AssetGive, taker)},
		},
		Orders: []*book.Order{o},
	}); err != nil {
		return err
	}

	e.log.Infow("trade", "id", id, "maker", o.Creator.Hex(), "taker", taker.Hex(),
		"amount_get", o.AmountGet, "amount_give", o.AmountGive, "fee", fee)
	e.tradeFeed.Send(TradeEvent{Order: o, Taker: taker, Fee: fee})
	return nil
}

// ---------------------------------------------------------------------------
// Read accessors
// ---------------------------------------------------------------------------

// BalanceOf returns the custody balance of (asset, account), zero if absent.
func (e *Engine) BalanceOf(assetID, account common.Address) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.BalanceOf(assetID, account)
}

// Order returns the order with the given id, terminal or not.
func (e *Engine) Order(id uint64) (*book.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Get(id)
}

// Orders returns every order ever created, in id order.
func (e *Engine) Orders() []*book.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.All()
}

// OrderCounter returns the highest order id allocated so far.
func (e *Engine) OrderCounter() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Counter()
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// feeFor computes floor(amountGet * feePercent / 100).
func (e *Engine) feeFor(amountGet *big.Int) *big.Int {
	fee := new(big.Int).SetUint64(e.fee.Percent)
	fee.Mul(fee, amountGet)
	return fee.Div(fee, big.NewInt(100))
}

func (e *Engine) persist(ch ChangeSet) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Apply(ch); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

func (e *Engine) checkToken(assetID common.Address) error {
	if asset.IsNative(assetID) {
		return fmt.Errorf("%w: native currency on a token path", ErrInvalidAsset)
	}
	if !e.registry.Known(assetID) {
		return fmt.Errorf("%w: %s not registered", ErrInvalidAsset, assetID.Hex())
	}
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func mustDebit(l *ledger.Ledger, assetID, account common.Address, amount *big.Int) {
	if err := l.Debit(assetID, account, amount); err != nil {
		panic(fmt.Sprintf("exchange: unwind debit failed: %v", err))
	}
}
