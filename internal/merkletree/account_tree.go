package merkletree

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zkseq/sequencer/internal/chain"
)

// AccountTree is the sparse Merkle tree over accounts. It holds an
// in-memory overlay that the state keeper mutates directly; it is not
// safe for concurrent use from more than one writer (the state keeper
// is the sole owner per spec §5's shared-resource policy).
type AccountTree struct {
	mu sync.RWMutex

	accountDepth int
	balanceDepth int

	accounts map[chain.AccountID]*chain.Account
	balTrees map[chain.AccountID]*BalanceTree
	leaves   map[uint64]common.Hash // account_id -> account leaf hash
	nextID   chain.AccountID

	// witnessCache is an LRU keyed by a node's (level, index) packed
	// into one uint64. SetAccount purges it on every call; nothing in
	// this package adds entries to it or reads from it.
	witnessCache *lru.Cache[uint64, common.Hash]
}

// New builds an empty account tree at genesis.
func New(accountDepth, balanceDepth int) *AccountTree {
	cache, _ := lru.New[uint64, common.Hash](4096)
	return &AccountTree{
		accountDepth: accountDepth,
		balanceDepth: balanceDepth,
		accounts:     make(map[chain.AccountID]*chain.Account),
		balTrees:     make(map[chain.AccountID]*BalanceTree),
		leaves:       make(map[uint64]common.Hash),
		witnessCache: cache,
	}
}

// Account returns the live account (not a copy); callers that intend
// to mutate it must Clone first and call SetAccount to commit.
func (t *AccountTree) Account(id chain.AccountID) (*chain.Account, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accounts[id]
	return a, ok
}

// SetAccount installs/updates an account and recomputes its leaf hash.
func (t *AccountTree) SetAccount(a *chain.Account) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.accounts[a.ID] = a
	if a.ID >= t.nextID {
		t.nextID = a.ID + 1
	}
	bt, ok := t.balTrees[a.ID]
	if !ok {
		bt = newBalanceTree(t.balanceDepth)
		t.balTrees[a.ID] = bt
	}
	balRoot := common.Hash{}
	for tok, bal := range a.Balances {
		balRoot = bt.Set(tok, bal)
	}
	if len(a.Balances) == 0 {
		balRoot = bt.Root()
	}
	t.leaves[uint64(a.ID)] = accountLeafHash(a, balRoot)
	t.witnessCache.Purge()
}

func accountLeafHash(a *chain.Account, balanceRoot common.Hash) common.Hash {
	var nonce [4]byte
	nonce[0] = byte(a.Nonce >> 24)
	nonce[1] = byte(a.Nonce >> 16)
	nonce[2] = byte(a.Nonce >> 8)
	nonce[3] = byte(a.Nonce)
	return crypto.Keccak256Hash(
		a.Address.Bytes(),
		a.PubKeyHash[:],
		nonce[:],
		balanceRoot.Bytes(),
	)
}

// Root returns the deterministic root hash of the whole tree.
func (t *AccountTree) Root() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.leaves) == 0 {
		return zeroSubtreeHash(t.accountDepth)
	}
	return foldLevels(t.leaves, t.accountDepth)
}

// NextAccountID returns the account id that would be assigned to the
// next newly created account (the tree's account space is append-only
// in the sense that ids are never reused, even though map iteration
// order is not).
func (t *AccountTree) NextAccountID() chain.AccountID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID
}
