package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	bal:<asset-hex>:<account-hex> → balance record (JSON)
//	ord:<8-byte-BE-id>            → order record (JSON)
//	tok:<asset-hex>               → registered asset metadata (JSON)
//	seq                            → order counter (8-byte BE)
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixToken   = "tok:"
)

var keyCounter = []byte("seq")

func balanceKey(assetID, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, assetID.Hex(), account.Hex()))
}

// orderKey encodes the id big-endian so iteration yields orders in id order.
func orderKey(id uint64) []byte {
	k := make([]byte, len(prefixOrder)+8)
	copy(k, prefixOrder)
	binary.BigEndian.PutUint64(k[len(prefixOrder):], id)
	return k
}

func tokenKey(assetID common.Address) []byte {
	return []byte(prefixToken + assetID.Hex())
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff
}
