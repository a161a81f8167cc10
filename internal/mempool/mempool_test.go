package mempool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zkseq/sequencer/internal/chain"
	"github.com/zkseq/sequencer/internal/storage"
)

// fakeStore is an in-memory TxStore, grounded on
// _examples/ethereum-go-ethereum/core/txpool's pattern of testing pool
// logic against a trivial backend rather than a live database.
type fakeStore struct {
	byHash map[string]*storage.MempoolTxRow
}

func newFakeStore() *fakeStore { return &fakeStore{byHash: make(map[string]*storage.MempoolTxRow)} }

func (f *fakeStore) InsertMempoolTx(ctx context.Context, row *storage.MempoolTxRow) error {
	key := string(row.TxHash)
	if _, ok := f.byHash[key]; ok {
		return storage.ErrDuplicateTx
	}
	f.byHash[key] = row
	return nil
}

func (f *fakeStore) RemoveMempoolTx(ctx context.Context, txHash []byte) error {
	delete(f.byHash, string(txHash))
	return nil
}

// fakeValidator always passes unless configured otherwise.
type fakeValidator struct {
	sigErr     error
	missingTok bool
	minFee     *chain.Amount
	authMode   chain.AccountAuthMode
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{minFee: chain.NewAmount(0), authMode: chain.AuthModeNormal}
}

func (v *fakeValidator) VerifySignature(tx *chain.Tx) error { return v.sigErr }
func (v *fakeValidator) TokenExists(id chain.TokenID) bool  { return !v.missingTok }
func (v *fakeValidator) ResolveAccount(addr common.Address) (chain.AccountID, bool) {
	return 1, true
}
func (v *fakeValidator) AccountAuthMode(id chain.AccountID) chain.AccountAuthMode { return v.authMode }
func (v *fakeValidator) MinFee(token chain.TokenID) *chain.Amount                 { return v.minFee }

func sampleTransfer(nonce uint32, fee uint64) (*chain.Tx, common.Hash) {
	tr := &chain.Transfer{
		From:     1,
		To:       common.HexToAddress("0x02"),
		Token:    0,
		Amount:   chain.NewAmount(100),
		FeeToken: 0,
		Fee:      chain.NewAmount(fee),
		Nonce:    nonce,
	}
	tx := &chain.Tx{Kind: chain.TxTransfer, Transfer: tr}
	h := common.BytesToHash([]byte{byte(nonce), byte(fee)})
	return tx, h
}

func TestSubmitAdmitsValidTransfer(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	tx, hash := sampleTransfer(0, 10)
	if err := mp.Submit(context.Background(), tx, hash, time.Now()); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	got, gotTx, _ := mp.TakeIterator().Peek()
	if got != hash || gotTx == nil {
		t.Fatalf("expected peek to return admitted tx")
	}
}

func TestSubmitRejectsDuplicateHash(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	tx, hash := sampleTransfer(0, 10)
	if err := mp.Submit(context.Background(), tx, hash, time.Now()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	err := mp.Submit(context.Background(), tx, hash, time.Now())
	var rej *Reject
	if !errors.As(err, &rej) || rej.Kind != RejectDuplicateHash {
		t.Fatalf("expected RejectDuplicateHash, got %v", err)
	}
}

func TestSubmitRejectsLowFee(t *testing.T) {
	v := newFakeValidator()
	v.minFee = chain.NewAmount(50)
	mp := New(newFakeStore(), v)
	tx, hash := sampleTransfer(0, 10)
	err := mp.Submit(context.Background(), tx, hash, time.Now())
	var rej *Reject
	if !errors.As(err, &rej) || rej.Kind != RejectLowFee {
		t.Fatalf("expected RejectLowFee, got %v", err)
	}
}

func TestSubmitRejectsUnknownToken(t *testing.T) {
	v := newFakeValidator()
	v.missingTok = true
	mp := New(newFakeStore(), v)
	tx, hash := sampleTransfer(0, 10)
	err := mp.Submit(context.Background(), tx, hash, time.Now())
	var rej *Reject
	if !errors.As(err, &rej) || rej.Kind != RejectUnknownToken {
		t.Fatalf("expected RejectUnknownToken, got %v", err)
	}
}

func TestSubmitRejectsInvalidSignature(t *testing.T) {
	v := newFakeValidator()
	v.sigErr = errors.New("bad sig")
	mp := New(newFakeStore(), v)
	tx, hash := sampleTransfer(0, 10)
	err := mp.Submit(context.Background(), tx, hash, time.Now())
	var rej *Reject
	if !errors.As(err, &rej) || rej.Kind != RejectInvalidSig {
		t.Fatalf("expected RejectInvalidSig, got %v", err)
	}
}

func TestSubmitRejectsForbiddenRecipient(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	tx, hash := sampleTransfer(0, 10)
	tx.Transfer.To = common.Address{}
	err := mp.Submit(context.Background(), tx, hash, time.Now())
	var rej *Reject
	if !errors.As(err, &rej) || rej.Kind != RejectForbiddenRecipient {
		t.Fatalf("expected RejectForbiddenRecipient, got %v", err)
	}
}

func TestSubmitRejectsExpiredValidityWindow(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	tx, hash := sampleTransfer(0, 10)
	tx.Transfer.ValidFrom = time.Now().Add(-2 * time.Hour)
	tx.Transfer.ValidUntil = time.Now().Add(-time.Hour)
	err := mp.Submit(context.Background(), tx, hash, time.Now())
	var rej *Reject
	if !errors.As(err, &rej) || rej.Kind != RejectExpired {
		t.Fatalf("expected RejectExpired, got %v", err)
	}
}

// TestSubmitBatchAtomicRollback covers spec §4.2's batch atomicity:
// one invalid member must prevent the whole batch from being admitted.
func TestSubmitBatchAtomicRollback(t *testing.T) {
	v := newFakeValidator()
	mp := New(newFakeStore(), v)

	tx1, h1 := sampleTransfer(0, 10)
	tx2, h2 := sampleTransfer(1, 10)
	tx2.Transfer.To = common.Address{} // forbidden recipient, fails admission

	_, err := mp.SubmitBatch(context.Background(), []*chain.Tx{tx1, tx2}, []common.Hash{h1, h2}, time.Now())
	if err == nil {
		t.Fatalf("expected batch admission to fail")
	}

	if _, tx, _ := mp.TakeIterator().Peek(); tx != nil {
		t.Fatalf("expected no txs admitted after failed batch, found one")
	}
}

func TestSubmitBatchAllMembersAdmittedTogether(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	tx1, h1 := sampleTransfer(0, 10)
	tx2, h2 := sampleTransfer(1, 10)

	batchID, err := mp.SubmitBatch(context.Background(), []*chain.Tx{tx1, tx2}, []common.Hash{h1, h2}, time.Now())
	if err != nil {
		t.Fatalf("expected batch admission to succeed, got %v", err)
	}

	members := mp.BatchMembers(batchID)
	if len(members) != 2 {
		t.Fatalf("expected 2 batch members, got %d", len(members))
	}
}

func TestIteratorDrainsInArrivalOrder(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	tx1, h1 := sampleTransfer(0, 10)
	tx2, h2 := sampleTransfer(1, 11)
	mp.Submit(context.Background(), tx1, h1, time.Now())
	mp.Submit(context.Background(), tx2, h2, time.Now())

	it := mp.TakeIterator()
	first, _, _ := it.Peek()
	if first != h1 {
		t.Fatalf("expected first peek to be h1")
	}
	it.Advance()
	second, _, _ := it.Peek()
	if second != h2 {
		t.Fatalf("expected second peek to be h2")
	}
}

func TestCommitRemovesFromMempool(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	tx, hash := sampleTransfer(0, 10)
	mp.Submit(context.Background(), tx, hash, time.Now())

	if err := mp.Commit(context.Background(), hash); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, tx, _ := mp.TakeIterator().Peek(); tx != nil {
		t.Fatalf("expected mempool empty after commit")
	}
}

// TestPriorityOpRelayOrdering injects deposits out of serial_id order
// and checks the buffer yields them exactly in injection order; it does
// not sort by serial_id.
func TestPriorityOpRelayOrdering(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	mp.InjectPriorityOp(chain.PriorityOp{SerialID: 9})
	mp.InjectPriorityOp(chain.PriorityOp{SerialID: 7})
	mp.InjectPriorityOp(chain.PriorityOp{SerialID: 8})

	ops := mp.NextPriorityOps(3)
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(ops))
	}
	// The relay buffer preserves arrival order; the watcher is
	// responsible for delivering ops in ascending serial_id, so the
	// buffer here reflects exactly what it was handed.
	if ops[0].SerialID != 9 || ops[1].SerialID != 7 || ops[2].SerialID != 8 {
		t.Fatalf("unexpected relay order: %+v", ops)
	}
}

func TestAckPriorityOpsDropsThroughThreshold(t *testing.T) {
	mp := New(newFakeStore(), newFakeValidator())
	mp.InjectPriorityOp(chain.PriorityOp{SerialID: 7})
	mp.InjectPriorityOp(chain.PriorityOp{SerialID: 8})
	mp.InjectPriorityOp(chain.PriorityOp{SerialID: 9})

	mp.AckPriorityOps(8)
	ops := mp.NextPriorityOps(10)
	if len(ops) != 1 || ops[0].SerialID != 9 {
		t.Fatalf("expected only serial 9 left, got %+v", ops)
	}
}
