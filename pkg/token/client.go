package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Client narrows the Bank to the exchange engine's TokenService view: every
// call acts with Self as the transacting identity, the way a contract's
// msg.sender would.
type Client struct {
	Bank *Bank
	Self common.Address // the exchange's custody account
}

// TransferFrom pulls amount of asset from owner into dest on the exchange's
// authority, consuming owner's allowance toward Self.
func (c *Client) TransferFrom(assetID, owner, dest common.Address, amount *big.Int) error {
	return c.Bank.TransferFrom(assetID, c.Self, owner, dest, amount)
}

// Transfer releases amount of asset from the exchange's own holdings.
func (c *Client) Transfer(assetID, dest common.Address, amount *big.Int) error {
	return c.Bank.Transfer(assetID, c.Self, dest, amount)
}

func (c *Client) BalanceOf(assetID, account common.Address) *big.Int {
	return c.Bank.BalanceOf(assetID, account)
}

func (c *Client) Allowance(assetID, owner, spender common.Address) *big.Int {
	return c.Bank.Allowance(assetID, owner, spender)
}
