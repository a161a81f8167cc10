// Package chain defines the core data model of the rollup: accounts,
// tokens, the transaction and priority-operation sum types, and blocks.
// It has no I/O of its own — storage and the account tree consume these
// types, they don't own them.
package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AccountID identifies an account inside the rollup's account tree.
// Stable for the lifetime of the account; never reused or renumbered.
type AccountID uint32

// TokenID identifies a fungible or NFT token. Strictly increasing,
// never renumbered. Token 0 is always native ETH.
type TokenID uint32

// NFTTokenIDThreshold is the first token_id reserved for MintNFT output.
// Tokens below the threshold are registered ERC20/native tokens.
const NFTTokenIDThreshold TokenID = 1 << 20

// TokenKind classifies a token row.
type TokenKind uint8

const (
	TokenKindNone TokenKind = iota
	TokenKindERC20
	TokenKindNFT
)

// Token is a registered asset.
type Token struct {
	ID       TokenID
	Kind     TokenKind
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// PubKeyHash is the rollup's zk-signature public key hash, distinct
// from the account's L1 owner address.
type PubKeyHash [20]byte

// Account is a leaf of the account tree. Balances are keyed by token.
// An account is created, never deleted: emptying every balance leaves
// the account present in the tree with zero balances.
type Account struct {
	ID         AccountID
	Address    common.Address
	PubKeyHash PubKeyHash
	Nonce      uint32
	Balances   map[TokenID]*uint256.Int
}

// NewAccount constructs an empty account for the given id/address.
func NewAccount(id AccountID, addr common.Address) *Account {
	return &Account{
		ID:       id,
		Address:  addr,
		Balances: make(map[TokenID]*uint256.Int),
	}
}

// Balance returns the balance for token, or zero if the account never
// held it.
func (a *Account) Balance(token TokenID) *uint256.Int {
	if b, ok := a.Balances[token]; ok {
		return b
	}
	return uint256.NewInt(0)
}

// Clone returns a deep copy, used by the state keeper's pending-block
// overlay so that a failed op can be rolled back by discarding the copy.
func (a *Account) Clone() *Account {
	cp := &Account{
		ID:         a.ID,
		Address:    a.Address,
		PubKeyHash: a.PubKeyHash,
		Nonce:      a.Nonce,
		Balances:   make(map[TokenID]*uint256.Int, len(a.Balances)),
	}
	for t, b := range a.Balances {
		cp.Balances[t] = new(uint256.Int).Set(b)
	}
	return cp
}

// AccountAuthMode is how an account's pubkey hash authority was
// established, which decides the ChangePubKey auth kinds the mempool
// accepts for it (a CREATE2 account accepts only the CREATE2 witness).
// The state keeper records it from each executed ChangePubKey's auth
// kind; it is not derivable from the account alone.
type AccountAuthMode uint8

const (
	AuthModeUnset AccountAuthMode = iota
	AuthModeNormal
	AuthModeCREATE2
	AuthModeNo2FA
)
