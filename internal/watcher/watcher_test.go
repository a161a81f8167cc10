package watcher

import (
	"context"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/zkseq/sequencer/internal/contracts"
	"github.com/zkseq/sequencer/internal/storage"
)

// fakeL1Client is a scripted L1Client: one fixed head, and one set of
// logs returned regardless of the requested range (tests only ever
// issue a single scan window).
type fakeL1Client struct {
	head uint64
	logs []types.Log
	err  error
}

func (f *fakeL1Client) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeL1Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.logs, nil
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.NewWithDB(db)
}

func parsedRollupABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(contracts.RollupABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

func priorityRequestLog(t *testing.T, parsed abi.ABI, blockNumber uint64, logIndex uint, serialID uint64, opType uint8, pubData []byte, expiration uint64) types.Log {
	t.Helper()
	data, err := parsed.Events["NewPriorityRequest"].Inputs.Pack(serialID, opType, pubData, new(big.Int).SetUint64(expiration))
	if err != nil {
		t.Fatalf("pack NewPriorityRequest: %v", err)
	}
	return types.Log{
		Address:     common.Address{},
		Topics:      []common.Hash{parsed.Events["NewPriorityRequest"].ID},
		Data:        data,
		BlockNumber: blockNumber,
		Index:       logIndex,
		TxHash:      common.BytesToHash([]byte{byte(serialID)}),
	}
}

func newTokenLog(t *testing.T, parsed abi.ABI, token common.Address, tokenID uint16) types.Log {
	t.Helper()
	data, err := parsed.Events["NewToken"].Inputs.NonIndexed().Pack(tokenID)
	if err != nil {
		t.Fatalf("pack NewToken: %v", err)
	}
	return types.Log{
		Topics: []common.Hash{parsed.Events["NewToken"].ID, common.BytesToHash(token.Bytes())},
		Data:   data,
	}
}

// TestTickEmitsPriorityOpsInSerialOrderAndAdvancesState covers the
// golden path: a confirmed window with one priority op is emitted,
// nextSerialID/lastSafe both advance, and the new state is persisted.
func TestTickEmitsPriorityOpsInSerialOrderAndAdvancesState(t *testing.T) {
	store := newTestStore(t)
	parsed := parsedRollupABI(t)
	deposit := chainPubData(t)
	lg := priorityRequestLog(t, parsed, 100, 0, 0, 0, deposit, 200)

	client := &fakeL1Client{head: 110, logs: []types.Log{lg}}
	w, err := New(client, store, common.Address{}, 10, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch := make(chan PriorityRequestEvent, 4)
	sub := w.SubscribePriorityOps(ch)
	defer sub.Unsubscribe()

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(ch) != 1 {
		t.Fatalf("got %d priority events, want 1", len(ch))
	}
	ev := <-ch
	if ev.SerialID != 0 {
		t.Errorf("SerialID = %d, want 0", ev.SerialID)
	}
	if w.nextSerialID != 1 {
		t.Errorf("nextSerialID = %d, want 1", w.nextSerialID)
	}
	if w.lastSafe != 100 {
		t.Errorf("lastSafe = %d, want 100 (head %d - confirmations %d)", w.lastSafe, client.head, 10)
	}

	lastSafe, nextSerial, err := store.LoadWatcherState(context.Background())
	if err != nil {
		t.Fatalf("LoadWatcherState: %v", err)
	}
	if lastSafe != 100 || nextSerial != 1 {
		t.Errorf("persisted state = (%d,%d), want (100,1)", lastSafe, nextSerial)
	}
}

// TestTickRejectsSerialGap covers the fatal halt condition: a priority
// log whose serial id skips ahead of what the watcher expects.
func TestTickRejectsSerialGap(t *testing.T) {
	store := newTestStore(t)
	parsed := parsedRollupABI(t)
	lg := priorityRequestLog(t, parsed, 100, 0, 5, 0, chainPubData(t), 200)

	client := &fakeL1Client{head: 110, logs: []types.Log{lg}}
	w, err := New(client, store, common.Address{}, 10, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = w.tick(context.Background())
	if err == nil {
		t.Fatal("expected a serial gap error")
	}
}

// TestTickWithholdsBeforeConfirmationWindowOpens: a chain head below
// the confirmation depth yields no safe block yet, and no error.
func TestTickWithholdsBeforeConfirmationWindowOpens(t *testing.T) {
	store := newTestStore(t)
	client := &fakeL1Client{head: 3}
	w, err := New(client, store, common.Address{}, 10, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if w.lastSafe != 0 {
		t.Errorf("lastSafe = %d, want 0", w.lastSafe)
	}
}

// TestTickEmitsTokenEvents covers the NewToken decode path.
func TestTickEmitsTokenEvents(t *testing.T) {
	store := newTestStore(t)
	parsed := parsedRollupABI(t)
	addr := common.HexToAddress("0x00000000000000000000000000000000000001")
	lg := newTokenLog(t, parsed, addr, 7)

	client := &fakeL1Client{head: 110, logs: []types.Log{lg}}
	w, err := New(client, store, common.Address{}, 10, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch := make(chan TokenAddedEvent, 4)
	sub := w.SubscribeTokens(ch)
	defer sub.Unsubscribe()

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(ch) != 1 {
		t.Fatalf("got %d token events, want 1", len(ch))
	}
	ev := <-ch
	if ev.TokenID != 7 || ev.Token != addr {
		t.Errorf("got %+v, want TokenID=7 Token=%s", ev, addr)
	}
}

func chainPubData(t *testing.T) []byte {
	t.Helper()
	return make([]byte, 56) // a zero-valued Deposit pubdata payload
}
