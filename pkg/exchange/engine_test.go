package exchange_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodex/custodex/params"
	"github.com/custodex/custodex/pkg/exchange"
	"github.com/custodex/custodex/pkg/exchange/asset"
	"github.com/custodex/custodex/pkg/exchange/book"
	"github.com/custodex/custodex/pkg/token"
)

var (
	deployer   = common.HexToAddress("0xDD00000000000000000000000000000000000000")
	feeAccount = common.HexToAddress("0xFe00000000000000000000000000000000000000")
	user1      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	user2      = common.HexToAddress("0x2000000000000000000000000000000000000002")

	dapp = asset.Asset{
		ID:       common.HexToAddress("0xDa00000000000000000000000000000000000001"),
		Symbol:   "DAPP",
		Name:     "DApp Token",
		Decimals: asset.Decimals,
	}
)

// env wires an engine against an in-process token bank and a togglable
// native bridge. The token's supply starts with deployer.
type env struct {
	engine    *exchange.Engine
	bank      *token.Bank
	bridgeErr error
}

func newTestEnv(t *testing.T) *env {
	t.Helper()

	e := &env{bank: token.NewBank()}
	if err := e.bank.Deploy(dapp, asset.Units(1_000_000), deployer); err != nil {
		t.Fatalf("deploy token: %v", err)
	}

	registry := asset.NewRegistry()
	if err := registry.Register(&dapp); err != nil {
		t.Fatalf("register token: %v", err)
	}

	e.engine = exchange.New(exchange.Options{
		Registry: registry,
		Tokens:   &token.Client{Bank: e.bank, Self: exchange.ExchangeAccount},
		Bridge: exchange.ReleaseFunc(func(common.Address, *big.Int) error {
			return e.bridgeErr
		}),
		Fee: params.Fee{Account: feeAccount, Percent: 1},
	})
	t.Cleanup(e.engine.Close)
	return e
}

// fundTokens moves n whole tokens from the deployer to account and deposits
// them into exchange custody via an allowance grant.
func (e *env) fundTokens(t *testing.T, account common.Address, n int64) {
	t.Helper()

	amount := asset.Units(n)
	if err := e.bank.Transfer(dapp.ID, deployer, account, amount); err != nil {
		t.Fatalf("transfer tokens: %v", err)
	}
	if err := e.bank.Approve(dapp.ID, account, exchange.ExchangeAccount, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := e.engine.DepositToken(account, dapp.ID, amount); err != nil {
		t.Fatalf("deposit tokens: %v", err)
	}
}

func checkBalance(t *testing.T, e *env, assetID, account common.Address, want *big.Int) {
	t.Helper()
	if got := e.engine.BalanceOf(assetID, account); got.Cmp(want) != 0 {
		t.Errorf("balance(%s, %s) = %s, want %s", assetID.Hex(), account.Hex(), got, want)
	}
}

// ---------------------------------------------------------------------------
// Deposits and withdrawals
// ---------------------------------------------------------------------------

func TestDepositNative(t *testing.T) {
	e := newTestEnv(t)

	events := make(chan exchange.DepositEvent, 4)
	sub := e.engine.SubscribeDeposits(events)
	defer sub.Unsubscribe()

	if err := e.engine.DepositNative(user1, asset.Units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	checkBalance(t, e, asset.Native, user1, asset.Units(1))

	ev := <-events
	if ev.Asset != asset.Native || ev.Account != user1 {
		t.Errorf("event identity = (%s, %s)", ev.Asset.Hex(), ev.Account.Hex())
	}
	if ev.Amount.Cmp(asset.Units(1)) != 0 || ev.Balance.Cmp(asset.Units(1)) != 0 {
		t.Errorf("event amounts = %s / %s, want 1 / 1 unit", ev.Amount, ev.Balance)
	}
}

func TestDepositNativeRejectsNonPositiveAmount(t *testing.T) {
	e := newTestEnv(t)

	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if err := e.engine.DepositNative(user1, amt); !errors.Is(err, exchange.ErrInvalidAmount) {
			t.Errorf("deposit(%v) err = %v, want ErrInvalidAmount", amt, err)
		}
	}
}

func TestWithdrawNativeRoundTrip(t *testing.T) {
	e := newTestEnv(t)

	events := make(chan exchange.WithdrawEvent, 4)
	sub := e.engine.SubscribeWithdrawals(events)
	defer sub.Unsubscribe()

	if err := e.engine.DepositNative(user1, asset.Units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := e.engine.WithdrawNative(user1, asset.Units(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	// Deposit-then-withdraw returns the balance to its prior value.
	checkBalance(t, e, asset.Native, user1, new(big.Int))

	ev := <-events
	if ev.Balance.Sign() != 0 {
		t.Errorf("event balance = %s, want 0", ev.Balance)
	}
}

func TestWithdrawNativeInsufficient(t *testing.T) {
	e := newTestEnv(t)
	e.engine.DepositNative(user1, asset.Units(1))

	err := e.engine.WithdrawNative(user1, asset.Units(100))
	if !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	checkBalance(t, e, asset.Native, user1, asset.Units(1))
}

func TestWithdrawNativeRollsBackWhenBridgeFails(t *testing.T) {
	e := newTestEnv(t)
	e.engine.DepositNative(user1, asset.Units(1))

	events := make(chan exchange.WithdrawEvent, 4)
	sub := e.engine.SubscribeWithdrawals(events)
	defer sub.Unsubscribe()

	e.bridgeErr = errors.New("rail offline")
	err := e.engine.WithdrawNative(user1, asset.Units(1))
	if !errors.Is(err, exchange.ErrTransferRejected) {
		t.Fatalf("err = %v, want ErrTransferRejected", err)
	}

	// The debit was rolled back and no event escaped.
	checkBalance(t, e, asset.Native, user1, asset.Units(1))
	if len(events) != 0 {
		t.Errorf("got %d withdraw events on a failed withdrawal", len(events))
	}
}

func TestDepositTokenRejectsNativeSentinel(t *testing.T) {
	e := newTestEnv(t)

	if err := e.engine.DepositToken(user1, asset.Native, asset.Units(1)); !errors.Is(err, exchange.ErrInvalidAsset) {
		t.Errorf("deposit err = %v, want ErrInvalidAsset", err)
	}
	if err := e.engine.WithdrawToken(user1, asset.Native, asset.Units(1)); !errors.Is(err, exchange.ErrInvalidAsset) {
		t.Errorf("withdraw err = %v, want ErrInvalidAsset", err)
	}
}

func TestDepositTokenRejectsUnregisteredAsset(t *testing.T) {
	e := newTestEnv(t)
	unknown := common.HexToAddress("0xBadBadBadBadBadBadBadBadBadBadBadBadBad1")

	if err := e.engine.DepositToken(user1, unknown, asset.Units(1)); !errors.Is(err, exchange.ErrInvalidAsset) {
		t.Errorf("err = %v, want ErrInvalidAsset", err)
	}
}

func TestDepositTokenWithoutAllowance(t *testing.T) {
	e := newTestEnv(t)

	// user2 holds tokens but never granted an allowance.
	if err := e.bank.Transfer(dapp.ID, deployer, user2, asset.Units(10)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	err := e.engine.DepositToken(user2, dapp.ID, asset.Units(10))
	if !errors.Is(err, exchange.ErrTransferRejected) {
		t.Fatalf("err = %v, want ErrTransferRejected", err)
	}
	// The ledger stayed untouched.
	checkBalance(t, e, dapp.ID, user2, new(big.Int))
}

func TestDepositTokenMovesCustody(t *testing.T) {
	e := newTestEnv(t)
	e.fundTokens(t, user2, 10)

	checkBalance(t, e, dapp.ID, user2, asset.Units(10))
	// The bank now holds the funds under the exchange's custody account.
	if got := e.bank.BalanceOf(dapp.ID, exchange.ExchangeAccount); got.Cmp(asset.Units(10)) != 0 {
		t.Errorf("custody holding = %s, want 10 units", got)
	}
	if got := e.bank.BalanceOf(dapp.ID, user2); got.Sign() != 0 {
		t.Errorf("user2 bank balance = %s, want 0", got)
	}
}

func TestWithdrawToken(t *testing.T) {
	e := newTestEnv(t)
	e.fundTokens(t, user2, 10)

	if err := e.engine.WithdrawToken(user2, dapp.ID, asset.Units(10)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	checkBalance(t, e, dapp.ID, user2, new(big.Int))
	if got := e.bank.BalanceOf(dapp.ID, user2); got.Cmp(asset.Units(10)) != 0 {
		t.Errorf("user2 bank balance = %s, want 10 units", got)
	}
}

func TestWithdrawTokenInsufficient(t *testing.T) {
	e := newTestEnv(t)
	e.fundTokens(t, user2, 10)

	err := e.engine.WithdrawToken(user2, dapp.ID, asset.Units(11))
	if !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	checkBalance(t, e, dapp.ID, user2, asset.Units(10))
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func TestMakeOrder(t *testing.T) {
	e := newTestEnv(t)

	events := make(chan exchange.OrderEvent, 4)
	sub := e.engine.SubscribeOrders(events)
	defer sub.Unsubscribe()

	o, err := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}

	if o.ID != 1 {
		t.Errorf("id = %d, want 1", o.ID)
	}
	if o.Creator != user1 || o.AssetGet != dapp.ID || o.AssetGive != asset.Native {
		t.Error("order identity fields wrong")
	}
	if o.Status != book.Open {
		t.Errorf("status = %s, want open", o.Status)
	}
	if o.CreatedAt.IsZero() {
		t.Error("timestamp not set")
	}

	ev := <-events
	if ev.Order.ID != 1 {
		t.Errorf("event order id = %d, want 1", ev.Order.ID)
	}
}

// Creation does not check balances: an order may rest with nothing behind it.
func TestMakeOrderRequiresNoFunds(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1000), asset.Native, asset.Units(1000)); err != nil {
		t.Fatalf("make order with empty balances: %v", err)
	}
}

func TestOrderIDsStrictlyIncreaseAcrossTerminalStates(t *testing.T) {
	e := newTestEnv(t)
	e.engine.DepositNative(user1, asset.Units(10))
	e.fundTokens(t, user2, 10)

	o1, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	if err := e.engine.CancelOrder(user1, o1.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	o2, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	if err := e.engine.FillOrder(user2, o2.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	o3, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))

	if o1.ID != 1 || o2.ID != 2 || o3.ID != 3 {
		t.Errorf("ids = %d, %d, %d, want 1, 2, 3", o1.ID, o2.ID, o3.ID)
	}
}

func TestCancelOrder(t *testing.T) {
	e := newTestEnv(t)

	events := make(chan exchange.CancelEvent, 4)
	sub := e.engine.SubscribeCancels(events)
	defer sub.Unsubscribe()

	o, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	if err := e.engine.CancelOrder(user1, o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, _ := e.engine.Order(o.ID)
	if got.Status != book.Cancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	ev := <-events
	if ev.Order.ID != o.ID || ev.Order.Status != book.Cancelled {
		t.Errorf("event order = %+v", ev.Order)
	}

	// A cancelled order can never be filled.
	if err := e.engine.FillOrder(user2, o.ID); !errors.Is(err, exchange.ErrInvalidTransition) {
		t.Errorf("fill after cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelOrderUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	o, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))

	err := e.engine.CancelOrder(user2, o.ID)
	if !errors.Is(err, exchange.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	// The order stays open for its creator.
	got, _ := e.engine.Order(o.ID)
	if got.Status != book.Open {
		t.Errorf("status = %s, want open", got.Status)
	}
}

func TestCancelOrderUnknownID(t *testing.T) {
	e := newTestEnv(t)

	if err := e.engine.CancelOrder(user1, 42); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// The reference trade: 1% fee. Maker posts 1 native for 1 token; the taker
// pays 1.01 tokens all in, the maker receives exactly 1 token, the fee
// account keeps 0.01.
func TestFillOrderBalancesAndFee(t *testing.T) {
	e := newTestEnv(t)
	e.engine.DepositNative(user1, asset.Units(1))
	e.fundTokens(t, user2, 2)

	trades := make(chan exchange.TradeEvent, 4)
	sub := e.engine.SubscribeTrades(trades)
	defer sub.Unsubscribe()

	o, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	if err := e.engine.FillOrder(user2, o.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}

	// Maker holds the tokens, taker holds the native side, the fee account
	// keeps the 1% slice, and the taker's token change is 2 - 1 - 0.01.
	checkBalance(t, e, dapp.ID, user1, asset.Units(1))
	checkBalance(t, e, asset.Native, user1, new(big.Int))
	checkBalance(t, e, asset.Native, user2, asset.Units(1))
	checkBalance(t, e, dapp.ID, user2, asset.Fraction(99, 100))
	checkBalance(t, e, dapp.ID, feeAccount, asset.Fraction(1, 100))

	got, _ := e.engine.Order(o.ID)
	if got.Status != book.Filled {
		t.Errorf("status = %s, want filled", got.Status)
	}

	ev := <-trades
	if ev.Taker != user2 || ev.Order.ID != o.ID {
		t.Errorf("trade event = order %d taker %s", ev.Order.ID, ev.Taker.Hex())
	}
	if ev.Fee.Cmp(asset.Fraction(1, 100)) != 0 {
		t.Errorf("trade fee = %s, want 0.01 unit", ev.Fee)
	}
}

func TestFillOrderUnknownID(t *testing.T) {
	e := newTestEnv(t)

	if err := e.engine.FillOrder(user2, 7); !errors.Is(err, exchange.ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestFillOrderTwiceFailsWithoutLedgerChange(t *testing.T) {
	e := newTestEnv(t)
	e.engine.DepositNative(user1, asset.Units(1))
	e.fundTokens(t, user2, 4)

	o, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	if err := e.engine.FillOrder(user2, o.ID); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	after := e.engine.BalanceOf(dapp.ID, user2)

	if err := e.engine.FillOrder(user2, o.ID); !errors.Is(err, exchange.ErrInvalidTransition) {
		t.Fatalf("second fill err = %v, want ErrInvalidTransition", err)
	}
	checkBalance(t, e, dapp.ID, user2, after)
}

func TestFillOrderTakerInsufficient(t *testing.T) {
	e := newTestEnv(t)
	e.engine.DepositNative(user1, asset.Units(1))
	// Taker holds 1 token, needs 1.01 with the fee.
	e.fundTokens(t, user2, 1)

	o, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	err := e.engine.FillOrder(user2, o.ID)
	if !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// No leg applied; the order stays open.
	checkBalance(t, e, dapp.ID, user2, asset.Units(1))
	checkBalance(t, e, asset.Native, user1, asset.Units(1))
	got, _ := e.engine.Order(o.ID)
	if got.Status != book.Open {
		t.Errorf("status = %s, want open", got.Status)
	}
}

// The maker's side is only checked at fill time. When the maker moved their
// funds out after posting, the whole fill unwinds and the taker keeps
// everything, fee included.
func TestFillOrderMakerInsufficientUnwinds(t *testing.T) {
	e := newTestEnv(t)
	e.fundTokens(t, user2, 2)

	// Maker posts with no native deposit at all.
	o, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	err := e.engine.FillOrder(user2, o.ID)
	if !errors.Is(err, exchange.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	checkBalance(t, e, dapp.ID, user2, asset.Units(2))
	checkBalance(t, e, dapp.ID, user1, new(big.Int))
	checkBalance(t, e, dapp.ID, feeAccount, new(big.Int))
	got, _ := e.engine.Order(o.ID)
	if got.Status != book.Open {
		t.Errorf("status = %s, want open", got.Status)
	}
}

// Nothing forbids a maker from taking their own order; the net effect is
// paying the fee.
func TestSelfFillPermitted(t *testing.T) {
	e := newTestEnv(t)
	e.engine.DepositNative(user1, asset.Units(1))
	e.fundTokens(t, user1, 2)

	o, _ := e.engine.MakeOrder(user1, dapp.ID, asset.Units(1), asset.Native, asset.Units(1))
	if err := e.engine.FillOrder(user1, o.ID); err != nil {
		t.Fatalf("self fill: %v", err)
	}

	// Native moves out and back; tokens shrink by exactly the fee.
	checkBalance(t, e, asset.Native, user1, asset.Units(1))
	want := new(big.Int).Sub(asset.Units(2), asset.Fraction(1, 100))
	checkBalance(t, e, dapp.ID, user1, want)
	checkBalance(t, e, dapp.ID, feeAccount, asset.Fraction(1, 100))
}

func TestFeeFloorsTowardZero(t *testing.T) {
	e := newTestEnv(t)
	e.engine.DepositNative(user1, big.NewInt(50))
	e.fundTokens(t, user2, 1)

	// amount_get of 50 wei at 1% floors to a zero fee.
	o, _ := e.engine.MakeOrder(user1, dapp.ID, big.NewInt(50), asset.Native, big.NewInt(50))
	if err := e.engine.FillOrder(user2, o.ID); err != nil {
		t.Fatalf("fill: %v", err)
	}
	checkBalance(t, e, dapp.ID, feeAccount, new(big.Int))
	checkBalance(t, e, dapp.ID, user1, big.NewInt(50))
}
