package statekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/zkseq/sequencer/internal/chain"
	"github.com/zkseq/sequencer/internal/mempool"
	"github.com/zkseq/sequencer/internal/merkletree"
	"github.com/zkseq/sequencer/internal/storage"
)

type stubTxStore struct{}

func (stubTxStore) InsertMempoolTx(ctx context.Context, row *storage.MempoolTxRow) error { return nil }
func (stubTxStore) RemoveMempoolTx(ctx context.Context, txHash []byte) error             { return nil }

type stubValidator struct{}

func (stubValidator) VerifySignature(tx *chain.Tx) error { return nil }
func (stubValidator) TokenExists(id chain.TokenID) bool  { return true }
func (stubValidator) ResolveAccount(addr common.Address) (chain.AccountID, bool) {
	return 0, false
}
func (stubValidator) AccountAuthMode(id chain.AccountID) chain.AccountAuthMode {
	return chain.AuthModeNormal
}
func (stubValidator) MinFee(token chain.TokenID) *chain.Amount { return chain.NewAmount(0) }

const feeAccountID = chain.AccountID(1000)

func newTestKeeper(t *testing.T, sizes []uint32) *StateKeeper {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := storage.NewWithDB(db)
	tree := merkletree.New(16, 8)
	mp := mempool.New(stubTxStore{}, stubValidator{})
	cfg := Config{
		SupportedChunkSizes:     sizes,
		MaxPendingBlockAge:      time.Hour,
		FastWithdrawMinBlockAge: time.Hour,
		FeeAccountID:            feeAccountID,
		MinFee:                  chain.NewAmount(0),
	}
	k := New(tree, store, mp, nil, cfg)
	if err := k.LoadOrInit(context.Background()); err != nil {
		t.Fatalf("load or init: %v", err)
	}
	return k
}

func deposit(t *testing.T, k *StateKeeper, serial uint64, recipient common.Address, amount uint64) {
	t.Helper()
	pop := chain.PriorityOp{
		SerialID: serial,
		Kind:     chain.PriorityOpDeposit,
		Deposit: &chain.Deposit{
			Sender:    recipient,
			Recipient: recipient,
			Token:     0,
			Amount:    chain.NewAmount(amount),
		},
		EthHash: crypto.Keccak256Hash([]byte{byte(serial)}),
	}
	k.mp.InjectPriorityOp(pop)
	if err := k.tick(context.Background()); err != nil {
		t.Fatalf("tick (deposit %d): %v", serial, err)
	}
}

// TestDepositThenTransferChangesRoot covers spec scenario S1: a deposit
// followed by a transfer produces two distinct account-tree roots.
func TestDepositThenTransferChangesRoot(t *testing.T) {
	k := newTestKeeper(t, []uint32{10, 32, 72})
	recipient := common.HexToAddress("0x01")

	rootGenesis := k.tree.Root()
	deposit(t, k, 0, recipient, 1000)
	rootAfterDeposit := k.tree.Root()
	if rootAfterDeposit == rootGenesis {
		t.Fatal("root did not change after deposit")
	}

	fromID, ok := k.addrIndex[recipient]
	if !ok {
		t.Fatal("recipient account was not created")
	}
	acc, _ := k.tree.Account(fromID)
	if acc.Balance(0).Uint64() != 1000 {
		t.Fatalf("balance after deposit = %d, want 1000", acc.Balance(0).Uint64())
	}

	to := common.HexToAddress("0x02")
	tx := &chain.Tx{
		Kind: chain.TxTransfer,
		Transfer: &chain.Transfer{
			From:     fromID,
			To:       to,
			Token:    0,
			Amount:   chain.NewAmount(100),
			FeeToken: 0,
			Fee:      chain.NewAmount(1),
			Nonce:    0,
		},
	}
	hash := crypto.Keccak256Hash([]byte("tx-transfer-1"))
	if err := k.mp.Submit(context.Background(), tx, hash, time.Now()); err != nil {
		t.Fatalf("submit transfer: %v", err)
	}
	if err := k.tick(context.Background()); err != nil {
		t.Fatalf("tick (transfer): %v", err)
	}
	rootAfterTransfer := k.tree.Root()
	if rootAfterTransfer == rootAfterDeposit {
		t.Fatal("root did not change after transfer")
	}

	fromAcc, _ := k.tree.Account(fromID)
	if fromAcc.Balance(0).Uint64() != 899 {
		t.Fatalf("sender balance = %d, want 899", fromAcc.Balance(0).Uint64())
	}
	toID := k.addrIndex[to]
	toAcc, _ := k.tree.Account(toID)
	if toAcc.Balance(0).Uint64() != 100 {
		t.Fatalf("recipient balance = %d, want 100", toAcc.Balance(0).Uint64())
	}

	if len(k.ops) != 2 {
		t.Fatalf("expected 2 recorded ops, got %d", len(k.ops))
	}
	if !k.ops[0].Success || !k.ops[1].Success {
		t.Fatal("expected both ops to succeed")
	}
}

// TestBatchWithdrawAtomicFailure covers spec scenario S2: when one
// batch member fails execution, the whole batch is marked failed and
// no balance in the batch moves.
func TestBatchWithdrawAtomicFailure(t *testing.T) {
	k := newTestKeeper(t, []uint32{10, 32, 72})
	addrA := common.HexToAddress("0xaa")
	addrB := common.HexToAddress("0xbb")

	deposit(t, k, 0, addrA, 500)
	deposit(t, k, 1, addrB, 10)

	idA := k.addrIndex[addrA]
	idB := k.addrIndex[addrB]

	withdrawA := &chain.Tx{
		Kind: chain.TxWithdraw,
		Withdraw: &chain.Withdraw{
			From:   idA,
			ToL1:   addrA,
			Token:  0,
			Amount: chain.NewAmount(100),
			Fee:    chain.NewAmount(1),
			Nonce:  0,
		},
	}
	withdrawB := &chain.Tx{
		Kind: chain.TxWithdraw,
		Withdraw: &chain.Withdraw{
			From:   idB,
			ToL1:   addrB,
			Token:  0,
			Amount: chain.NewAmount(1000), // exceeds balance, forces batch failure
			Fee:    chain.NewAmount(1),
			Nonce:  0,
		},
	}
	h1 := crypto.Keccak256Hash([]byte("withdraw-a"))
	h2 := crypto.Keccak256Hash([]byte("withdraw-b"))
	batchID, err := k.mp.SubmitBatch(context.Background(), []*chain.Tx{withdrawA, withdrawB}, []common.Hash{h1, h2}, time.Now())
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	opsBeforeBatch := len(k.ops)
	if err := k.tick(context.Background()); err != nil {
		t.Fatalf("tick (batch): %v", err)
	}

	if len(k.ops) != opsBeforeBatch+2 {
		t.Fatalf("expected %d recorded ops after the batch, got %d", opsBeforeBatch+2, len(k.ops))
	}
	for _, op := range k.ops[opsBeforeBatch:] {
		if op.Success {
			t.Fatal("batch member succeeded, want the whole batch to fail")
		}
		if op.BatchID == nil || *op.BatchID != batchID {
			t.Fatal("batch member has wrong/missing batch id")
		}
	}

	accA, _ := k.tree.Account(idA)
	accB, _ := k.tree.Account(idB)
	if accA.Balance(0).Uint64() != 500 {
		t.Fatalf("account A balance = %d, want untouched 500", accA.Balance(0).Uint64())
	}
	if accB.Balance(0).Uint64() != 10 {
		t.Fatalf("account B balance = %d, want untouched 10", accB.Balance(0).Uint64())
	}
}

// TestSealsWhenChunkBudgetFull covers spec scenario S6: the block seals
// as soon as its ops exactly fill the smallest configured size class.
func TestSealsWhenChunkBudgetFull(t *testing.T) {
	k := newTestKeeper(t, []uint32{4}) // one transfer costs 2 chunks; two fill it exactly
	from := common.HexToAddress("0x10")
	deposit(t, k, 0, from, 1000)
	fromID := k.addrIndex[from]

	numberBeforeSeal := k.number
	for i, to := range []common.Address{common.HexToAddress("0x11"), common.HexToAddress("0x12")} {
		tx := &chain.Tx{
			Kind: chain.TxTransfer,
			Transfer: &chain.Transfer{
				From:     fromID,
				To:       to,
				Token:    0,
				Amount:   chain.NewAmount(10),
				FeeToken: 0,
				Fee:      chain.NewAmount(1),
				Nonce:    uint32(i),
			},
		}
		hash := crypto.Keccak256Hash([]byte{byte(0xF0 + i)})
		if err := k.mp.Submit(context.Background(), tx, hash, time.Now()); err != nil {
			t.Fatalf("submit transfer %d: %v", i, err)
		}
	}

	if err := k.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if k.number != numberBeforeSeal+1 {
		t.Fatalf("block number = %d, want %d (block should have sealed)", k.number, numberBeforeSeal+1)
	}
	if len(k.ops) != 0 {
		t.Fatalf("pending ops = %d, want 0 after seal", len(k.ops))
	}
	if k.sizeUsed != 0 {
		t.Fatalf("sizeUsed = %d, want 0 after seal", k.sizeUsed)
	}

	lastSealed, err := k.store.LastSealedBlockNumber(context.Background())
	if err != nil {
		t.Fatalf("last sealed: %v", err)
	}
	if lastSealed != numberBeforeSeal {
		t.Fatalf("last sealed block = %d, want %d", lastSealed, numberBeforeSeal)
	}
}

// TestForcedExitRecordsActualWithdrawnAmount covers spec §4.3: a
// ForcedExit's persisted executed_transactions.Amount must be the
// target's pre-debit balance minus fee, not a placeholder, since
// ForcedExit withdraws "everything" rather than a sender-chosen amount.
func TestForcedExitRecordsActualWithdrawnAmount(t *testing.T) {
	k := newTestKeeper(t, []uint32{10, 32, 72})
	initiatorAddr := common.HexToAddress("0x20")
	targetAddr := common.HexToAddress("0x21")

	deposit(t, k, 0, initiatorAddr, 1000)
	deposit(t, k, 1, targetAddr, 300)
	initiatorID := k.addrIndex[initiatorAddr]

	tx := &chain.Tx{
		Kind: chain.TxForcedExit,
		ForcedExit: &chain.ForcedExit{
			Initiator: initiatorID,
			Target:    targetAddr,
			Token:     0,
			Fee:       chain.NewAmount(5),
			Nonce:     0,
		},
	}
	hash := crypto.Keccak256Hash([]byte("forced-exit-1"))
	if err := k.mp.Submit(context.Background(), tx, hash, time.Now()); err != nil {
		t.Fatalf("submit forced exit: %v", err)
	}
	if err := k.tick(context.Background()); err != nil {
		t.Fatalf("tick (forced exit): %v", err)
	}

	targetID := k.addrIndex[targetAddr]
	targetAcc, _ := k.tree.Account(targetID)
	if targetAcc.Balance(0).Uint64() != 0 {
		t.Fatalf("target balance after forced exit = %d, want 0", targetAcc.Balance(0).Uint64())
	}

	var row storage.ExecutedTransactionRow
	if err := k.store.DB().Where("tx_hash = ?", hash.Bytes()).First(&row).Error; err != nil {
		t.Fatalf("load executed_transactions row: %v", err)
	}
	if !row.Success {
		t.Fatalf("forced exit row FailReason = %q, want success", row.FailReason)
	}
	if row.Amount != "295" {
		t.Fatalf("persisted Amount = %q, want %q (target balance 300 - fee 5)", row.Amount, "295")
	}
}

// TestLoadOrInitRebuildsTreeFromDurableAccounts verifies the account
// tree overlay is fully reconstructible from accounts/balances alone,
// the invariant the whole crash-recovery design rests on.
func TestLoadOrInitRebuildsTreeFromDurableAccounts(t *testing.T) {
	k := newTestKeeper(t, []uint32{10, 32})
	addr := common.HexToAddress("0x42")
	deposit(t, k, 0, addr, 777)
	id := k.addrIndex[addr]

	tree2 := merkletree.New(16, 8)
	mp2 := mempool.New(stubTxStore{}, stubValidator{})
	k2 := New(tree2, k.store, mp2, nil, k.cfg)
	if err := k2.LoadOrInit(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	acc, ok := k2.tree.Account(id)
	if !ok {
		t.Fatal("reloaded tree missing account")
	}
	if acc.Balance(0).Uint64() != 777 {
		t.Fatalf("reloaded balance = %d, want 777", acc.Balance(0).Uint64())
	}
}
