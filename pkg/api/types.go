package api

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/custodex/custodex/pkg/exchange/book"
)

// Request/response types for REST endpoints and WebSocket messages. Amounts
// travel as decimal strings in 18-decimal fixed point; identities are hex
// addresses already authenticated by the fronting transport.

// ==============================
// REST Request Types
// ==============================

// FundsRequest moves funds in or out of custody. An omitted or zero asset
// means the native currency.
type FundsRequest struct {
	From   string `json:"from"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

// MakeOrderRequest posts a new order for From.
type MakeOrderRequest struct {
	From       string `json:"from"`
	AssetGet   string `json:"assetGet"`
	AmountGet  string `json:"amountGet"`
	AssetGive  string `json:"assetGive"`
	AmountGive string `json:"amountGive"`
}

// CancelOrderRequest cancels order ID on behalf of From.
type CancelOrderRequest struct {
	From string `json:"from"`
	ID   uint64 `json:"id"`
}

// FillOrderRequest fills an order with From as the taker.
type FillOrderRequest struct {
	From string `json:"from"`
}

// ==============================
// REST Response Types
// ==============================

// BalanceInfo is one custody balance.
type BalanceInfo struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// OrderInfo is the wire form of an order.
type OrderInfo struct {
	ID         uint64 `json:"id"`
	Creator    string `json:"creator"`
	AssetGet   string `json:"assetGet"`
	AmountGet  string `json:"amountGet"`
	AssetGive  string `json:"assetGive"`
	AmountGive string `json:"amountGive"`
	CreatedAt  int64  `json:"createdAt"` // Unix milliseconds
	Status     string `json:"status"`
}

// AssetInfo is a registered token.
type AssetInfo struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest subscribes or unsubscribes channels:
// "deposits", "withdrawals", "orders", "cancels", "trades".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage wraps every broadcast payload with its channel.
type WSMessage struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

func orderInfo(o *book.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Creator:    o.Creator.Hex(),
		AssetGet:   o.AssetGet.Hex(),
		AmountGet:  o.AmountGet.String(),
		AssetGive:  o.AssetGive.Hex(),
		AmountGive: o.AmountGive.String(),
		CreatedAt:  o.CreatedAt.UnixMilli(),
		Status:     o.Status.String(),
	}
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) && s != "" {
		return common.Address{}, fmt.Errorf("malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}
