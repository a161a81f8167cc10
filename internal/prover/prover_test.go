package prover

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/zkseq/sequencer/internal/storage"
)

// newTestStore opens a fresh in-memory store and returns the raw *gorm.DB
// alongside it so tests can seed rows directly. The dequeue/heartbeat
// paths that rely on clause.Locking's "FOR UPDATE SKIP LOCKED" are
// exercised against Postgres in production; sqlite has no row-lock
// syntax to speak of, so these tests stick to seeding rows directly and
// exercising the aggregate-selection/contiguous-range logic layered on
// top, not the locking dequeue itself.
func newTestStore(t *testing.T) (*storage.Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.NewWithDB(db), db
}

func seedProof(t *testing.T, db *gorm.DB, first, last uint64) {
	t.Helper()
	if err := db.Create(&storage.AggregatedProofRow{FirstBlock: first, LastBlock: last, Proof: []byte("p")}).Error; err != nil {
		t.Fatalf("seed proof [%d,%d]: %v", first, last, err)
	}
}

func TestMaybeEmitAggregatePrefersLargestFittingSize(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	for i := uint64(1); i <= 6; i++ {
		seedProof(t, db, i, i)
	}

	sched := New(store, 15*time.Second, []uint64{1, 4, 8, 18})
	emitted, err := sched.MaybeEmitAggregate(ctx, 1)
	if err != nil {
		t.Fatalf("maybe emit: %v", err)
	}
	if !emitted {
		t.Fatal("expected an aggregate job to be emitted")
	}

	var jobs []storage.ProverJobRow
	if err := db.Where("kind = ?", string(KindAggregate)).Find(&jobs).Error; err != nil {
		t.Fatalf("load jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 aggregate job, got %d", len(jobs))
	}
	// 6 contiguous proofs available; largest configured size that fits is 4.
	if jobs[0].FirstBlock != 1 || jobs[0].LastBlock != 4 {
		t.Fatalf("aggregate job range = [%d,%d], want [1,4]", jobs[0].FirstBlock, jobs[0].LastBlock)
	}
}

func TestLocalQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewLocalQueue()
	q.Push(storage.ProverJobRow{ID: 1}, 0)
	q.Push(storage.ProverJobRow{ID: 2}, 5)
	q.Push(storage.ProverJobRow{ID: 3}, 5)
	q.Push(storage.ProverJobRow{ID: 4}, 1)

	want := []uint64{2, 3, 4, 1}
	for _, w := range want {
		job, ok := q.Pop()
		if !ok {
			t.Fatal("expected a job, queue empty early")
		}
		if job.ID != w {
			t.Fatalf("pop order wrong: got job %d, want %d", job.ID, w)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, len=%d", q.Len())
	}
}

func TestMaybeEmitAggregateNoContiguousRangeYieldsFalse(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sched := New(store, 15*time.Second, []uint64{1, 4, 8, 18})

	emitted, err := sched.MaybeEmitAggregate(ctx, 1)
	if err != nil {
		t.Fatalf("maybe emit: %v", err)
	}
	if emitted {
		t.Fatal("expected no aggregate job with zero proven blocks")
	}
}

func TestFailJobReturnsRetryExhaustedAtCap(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	sched := New(store, 15*time.Second, []uint64{1, 4, 8})

	if err := store.EnqueueProverJob(ctx, &storage.ProverJobRow{ID: 99, Kind: string(KindSingleBlock), FirstBlock: 1, LastBlock: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	err := sched.FailJob(ctx, 99, MaxRetries, 3)
	if err == nil {
		t.Fatal("expected ErrRetryExhausted at the retry cap")
	}
}
