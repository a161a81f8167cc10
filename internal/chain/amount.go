package chain

import "github.com/holiman/uint256"

// Amount is a 128-bit-range token quantity. The account tree commits
// to balances as u128; uint256.Int is used as the in-memory
// representation (matching go-ethereum's post-merge convention for
// state values) with the top 128 bits always zero.
type Amount = uint256.Int

// NewAmount builds an Amount from a uint64, a common convenience for
// tests and fee arithmetic.
func NewAmount(v uint64) *Amount {
	return uint256.NewInt(v)
}
