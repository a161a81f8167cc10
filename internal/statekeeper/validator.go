package statekeeper

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/zkseq/sequencer/internal/chain"
)

// TokenExists reports whether token has been registered at or below
// the tree's current max token id (tokens are allocated strictly
// increasing and never renumbered, so existence is a range check).
func (k *StateKeeper) TokenExists(id chain.TokenID) bool {
	if id == 0 {
		return true // native ETH, always registered
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if id < chain.NFTTokenIDThreshold {
		return id <= k.lastFungibleTokenID
	}
	return id < k.nextNFTID
}

// ResolveAccount looks up the account id bound to an L1 address, if any.
func (k *StateKeeper) ResolveAccount(addr common.Address) (chain.AccountID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id, ok := k.addrIndex[addr]
	return id, ok
}

// AccountAuthMode reports the account's change-pubkey authorization
// mode. Every account defaults to Normal once created; execChangePubKey
// sets CREATE2/No2FA explicitly when a ChangePubKey establishes them
// (spec §4.3's change-pubkey auth variants), and they persist until a
// later ChangePubKey changes them again.
func (k *StateKeeper) AccountAuthMode(id chain.AccountID) chain.AccountAuthMode {
	k.mu.Lock()
	defer k.mu.Unlock()
	if mode, ok := k.authMode[id]; ok {
		return mode
	}
	if _, ok := k.tree.Account(id); ok {
		return chain.AuthModeNormal
	}
	return chain.AuthModeUnset
}

// MinFee returns the configured minimum fee. The sequencer's fee
// schedule does not vary by token (spec §6 only names one
// configuration key for this), so token is accepted to satisfy
// mempool.Validator but otherwise unused.
func (k *StateKeeper) MinFee(token chain.TokenID) *chain.Amount {
	return k.cfg.MinFee
}

// VerifySignature is the hook cryptographic signature verification
// plugs into; concrete signature/curve primitives are an explicit
// non-goal (spec.md §1, "external collaborators"), so this accepts
// every tx. A production deployment replaces this with a real verifier
// bound to the rollup's actual signature scheme.
func (k *StateKeeper) VerifySignature(tx *chain.Tx) error { return nil }

// LazyValidator breaks the construction cycle between the mempool
// (which needs a Validator up front) and the state keeper (which needs
// an already-constructed mempool): callers build a LazyValidator, pass
// it to mempool.New, build the StateKeeper, then Bind it.
type LazyValidator struct {
	keeper *StateKeeper
}

// Bind attaches the real keeper once it exists.
func (l *LazyValidator) Bind(k *StateKeeper) { l.keeper = k }

func (l *LazyValidator) VerifySignature(tx *chain.Tx) error { return l.keeper.VerifySignature(tx) }
func (l *LazyValidator) TokenExists(id chain.TokenID) bool  { return l.keeper.TokenExists(id) }
func (l *LazyValidator) ResolveAccount(addr common.Address) (chain.AccountID, bool) {
	return l.keeper.ResolveAccount(addr)
}
func (l *LazyValidator) AccountAuthMode(id chain.AccountID) chain.AccountAuthMode {
	return l.keeper.AccountAuthMode(id)
}
func (l *LazyValidator) MinFee(token chain.TokenID) *chain.Amount { return l.keeper.MinFee(token) }
