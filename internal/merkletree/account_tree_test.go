package merkletree

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zkseq/sequencer/internal/chain"
)

func TestAccountTreeDeterministicRoot(t *testing.T) {
	build := func() common.Hash {
		tree := New(8, 8)
		acc := chain.NewAccount(1, common.HexToAddress("0x01"))
		acc.Balances[0] = chain.NewAmount(1000)
		tree.SetAccount(acc)
		return tree.Root()
	}

	r1 := build()
	r2 := build()
	if r1 != r2 {
		t.Fatalf("root not deterministic: %x != %x", r1, r2)
	}
}

func TestAccountTreeRootChangesOnBalanceUpdate(t *testing.T) {
	tree := New(8, 8)
	acc := chain.NewAccount(1, common.HexToAddress("0x01"))
	tree.SetAccount(acc)
	r0 := tree.Root()

	acc2 := acc.Clone()
	acc2.Balances[0] = chain.NewAmount(500)
	tree.SetAccount(acc2)
	r1 := tree.Root()

	if r0 == r1 {
		t.Fatalf("expected root to change after balance update")
	}
}

func TestEmptyTreeRootIsZeroSubtreeHash(t *testing.T) {
	tree := New(8, 8)
	if tree.Root() != zeroSubtreeHash(8) {
		t.Fatalf("empty tree root mismatch")
	}
}

func TestNextAccountIDIsMonotonic(t *testing.T) {
	tree := New(8, 8)
	if got := tree.NextAccountID(); got != 0 {
		t.Fatalf("expected next id 0, got %d", got)
	}
	tree.SetAccount(chain.NewAccount(0, common.HexToAddress("0x01")))
	if got := tree.NextAccountID(); got != 1 {
		t.Fatalf("expected next id 1, got %d", got)
	}
	tree.SetAccount(chain.NewAccount(5, common.HexToAddress("0x02")))
	if got := tree.NextAccountID(); got != 6 {
		t.Fatalf("expected next id 6, got %d", got)
	}
}

func TestS1DepositThenTransferRoots(t *testing.T) {
	tree := New(8, 8)

	acc1 := chain.NewAccount(1, common.HexToAddress("0x01"))
	acc1.Balances[0] = chain.NewAmount(1000)
	tree.SetAccount(acc1)
	r1 := tree.Root()

	acc1b := acc1.Clone()
	acc1b.Balances[0] = chain.NewAmount(299)
	acc1b.Nonce = 1
	tree.SetAccount(acc1b)

	acc2 := chain.NewAccount(2, common.HexToAddress("0x02"))
	acc2.Balances[0] = chain.NewAmount(700)
	tree.SetAccount(acc2)

	feeAcc := chain.NewAccount(0, common.HexToAddress("0x00"))
	feeAcc.Balances[0] = chain.NewAmount(1)
	tree.SetAccount(feeAcc)

	r2 := tree.Root()
	if r1 == r2 {
		t.Fatalf("expected root to change after transfer, R1==R2")
	}
}
