// Package merkletree implements the sparse Merkle account tree (C2):
// a fixed-depth tree over account_id, where each leaf is itself the
// root of a fixed-depth balance sub-tree over token_id. Nodes are held
// in array-backed, index-addressed levels rather than as a pointer
// graph — there are no parent pointers, matching the design note in
// spec.md §9 ("back-references are not stored; witnesses are produced
// by index arithmetic").
package merkletree

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zkseq/sequencer/internal/chain"
)

// Depths are configuration constants (spec §3); defaults match a
// 24-bit account space and a 24-bit per-account token space, which
// covers NFT token ids starting at chain.NFTTokenIDThreshold (1<<20).
const (
	DefaultAccountTreeDepth = 24
	DefaultBalanceTreeDepth = 24
)

var zeroHash = common.Hash{}

// BalanceTree is the sparse Merkle tree over one account's token
// balances. Empty slots hash to the zero value's hash, so the tree
// never needs to materialize unset leaves.
type BalanceTree struct {
	depth  int
	leaves map[chain.TokenID]common.Hash
}

func newBalanceTree(depth int) *BalanceTree {
	return &BalanceTree{depth: depth, leaves: make(map[chain.TokenID]common.Hash)}
}

func hashBalance(b *chain.Amount) common.Hash {
	if b == nil || b.IsZero() {
		return zeroHash
	}
	buf := b.Bytes32()
	return crypto.Keccak256Hash(buf[:])
}

// Set updates the leaf for token and returns the new sub-tree root.
func (bt *BalanceTree) Set(token chain.TokenID, balance *chain.Amount) common.Hash {
	h := hashBalance(balance)
	if h == zeroHash {
		delete(bt.leaves, token)
	} else {
		bt.leaves[token] = h
	}
	return bt.Root()
}

// Root recomputes the sub-tree root from the current sparse leaf set.
// Levels are folded pairwise bottom-up; an empty subtree at any level
// folds to a precomputed "zero hash at level d" so cost is
// proportional to the number of set leaves, not 2^depth.
func (bt *BalanceTree) Root() common.Hash {
	if len(bt.leaves) == 0 {
		return zeroSubtreeHash(bt.depth)
	}
	frontier := make(map[uint64]common.Hash, len(bt.leaves))
	for tok, h := range bt.leaves {
		frontier[uint64(tok)] = h
	}
	return foldLevels(frontier, bt.depth)
}

// zeroHashes[d] is the root of an empty subtree of depth d.
var zeroHashes = buildZeroHashes(64)

func buildZeroHashes(n int) []common.Hash {
	hs := make([]common.Hash, n)
	hs[0] = zeroHash
	for i := 1; i < n; i++ {
		hs[i] = crypto.Keccak256Hash(hs[i-1].Bytes(), hs[i-1].Bytes())
	}
	return hs
}

func zeroSubtreeHash(depth int) common.Hash {
	if depth < len(zeroHashes) {
		return zeroHashes[depth]
	}
	return zeroHashes[len(zeroHashes)-1]
}

// foldLevels combines a sparse set of leaf hashes, indexed by their
// position at level 0, up to a single root at the given depth.
func foldLevels(level map[uint64]common.Hash, depth int) common.Hash {
	for d := 0; d < depth; d++ {
		next := make(map[uint64]common.Hash, len(level))
		seen := make(map[uint64]bool, len(level))
		for idx := range level {
			parent := idx / 2
			if seen[parent] {
				continue
			}
			seen[parent] = true
			leftIdx, rightIdx := parent*2, parent*2+1
			left, ok := level[leftIdx]
			if !ok {
				left = zeroSubtreeHash(d)
			}
			right, ok := level[rightIdx]
			if !ok {
				right = zeroSubtreeHash(d)
			}
			next[parent] = crypto.Keccak256Hash(left.Bytes(), right.Bytes())
		}
		level = next
	}
	for _, h := range level {
		return h
	}
	return zeroSubtreeHash(depth)
}
