package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/custodex/custodex/pkg/exchange/book"
)

// Domain events. Exactly one event is sent per successful mutating call,
// after the mutation has been applied and, when a store is configured,
// persisted. Failed calls emit nothing.

// DepositEvent reports a credit of custody funds.
type DepositEvent struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"` // resulting balance
}

// WithdrawEvent mirrors DepositEvent for funds leaving custody.
type WithdrawEvent struct {
	Asset   common.Address `json:"asset"`
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"`
}

// OrderEvent reports a newly created order.
type OrderEvent struct {
	Order *book.Order `json:"order"`
}

// CancelEvent reports an order cancelled by its creator.
type CancelEvent struct {
	Order *book.Order `json:"order"`
}

// TradeEvent reports a filled order together with the executing taker.
type TradeEvent struct {
	Order *book.Order    `json:"order"`
	Taker common.Address `json:"taker"`
	Fee   *big.Int       `json:"fee"`
}

// SubscribeDeposits sends a DepositEvent for every successful deposit.
func (e *Engine) SubscribeDeposits(ch chan<- DepositEvent) event.Subscription {
	return e.scope.Track(e.depositFeed.Subscribe(ch))
}

// SubscribeWithdrawals sends a WithdrawEvent for every successful withdrawal.
func (e *Engine) SubscribeWithdrawals(ch chan<- WithdrawEvent) event.Subscription {
	return e.scope.Track(e.withdrawFeed.Subscribe(ch))
}

// SubscribeOrders sends an OrderEvent for every order created.
func (e *Engine) SubscribeOrders(ch chan<- OrderEvent) event.Subscription {
	return e.scope.Track(e.orderFeed.Subscribe(ch))
}

// SubscribeCancels sends a CancelEvent for every cancelled order.
func (e *Engine) SubscribeCancels(ch chan<- CancelEvent) event.Subscription {
	return e.scope.Track(e.cancelFeed.Subscribe(ch))
}

// SubscribeTrades sends a TradeEvent for every executed fill.
func (e *Engine) SubscribeTrades(ch chan<- TradeEvent) event.Subscription {
	return e.scope.Track(e.tradeFeed.Subscribe(ch))
}
