// Package prover implements the Prover Job Scheduler (C7): lease-based
// dequeue of single-block and aggregate proof jobs, heartbeat-driven
// lease renewal, a reaper that reclaims stale leases, and aggregate-job
// emission once enough contiguous single-block proofs exist. The
// in-memory priority queue is grounded on the erigon exec package's
// heap-based task queue (other_examples/.../core-exec-txtask.go.go);
// the durable dequeue itself lives in storage.DequeueNextProverJob's
// UPDATE ... RETURNING-shaped transaction, so the heap here is only a
// same-process fast path that avoids a DB round trip when the scheduler
// already knows the queue's shape.
package prover

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/zkseq/sequencer/internal/storage"
)

// JobKind mirrors spec.md §4.4's job kind enum.
type JobKind string

const (
	KindSingleBlock JobKind = "SingleBlock"
	KindAggregate   JobKind = "Aggregate"
)

// ErrStale is returned by Heartbeat/SubmitResult when the caller no
// longer owns the job (lease expired and was reassigned, or already
// completed).
var ErrStale = errors.New("prover: stale lease")

// MaxRetries is the attempt count at which FailJob reports
// ErrRetryExhausted so the node raises an operator alert (spec §4.4's
// "retry cap"); the job itself is returned to Idle either way.
const MaxRetries = 5

// ErrRetryExhausted is raised once a job has failed MaxRetries times;
// the caller is expected to surface this as an operator alert.
var ErrRetryExhausted = errors.New("prover: retry cap exhausted, operator alert required")

// Scheduler is C7: it owns lease bookkeeping over storage's
// prover_job_queue and decides when contiguous single-block proofs are
// ready to be folded into an aggregate job.
type Scheduler struct {
	store            *storage.Store
	log              log.Logger
	heartbeatTTL     time.Duration
	aggregationSizes []uint64 // ascending; e.g. [1,4,8,18]
}

// New constructs a Scheduler. aggregationSizes should be sorted
// ascending; New sorts defensively so callers don't have to.
func New(store *storage.Store, heartbeatTTL time.Duration, aggregationSizes []uint64) *Scheduler {
	sizes := append([]uint64(nil), aggregationSizes...)
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return &Scheduler{
		store:            store,
		log:              log.New("component", "prover"),
		heartbeatTTL:     heartbeatTTL,
		aggregationSizes: sizes,
	}
}

// EnqueueSingleBlock enqueues a SingleBlock job for one sealed block.
func (s *Scheduler) EnqueueSingleBlock(ctx context.Context, blockNumber uint64, payload []byte) error {
	return s.store.EnqueueProverJob(ctx, &storage.ProverJobRow{
		Status:     "Idle",
		Priority:   0,
		Kind:       string(KindSingleBlock),
		FirstBlock: blockNumber,
		LastBlock:  blockNumber,
		Payload:    payload,
	})
}

// NextJob atomically dequeues the highest-priority idle job for
// worker, or nil if none is available.
func (s *Scheduler) NextJob(ctx context.Context, worker string) (*storage.ProverJobRow, error) {
	return s.store.DequeueNextProverJob(ctx, worker)
}

// Heartbeat renews worker's lease on jobID; returns ErrStale if
// ownership was already lost.
func (s *Scheduler) Heartbeat(ctx context.Context, jobID uint64, worker string) error {
	ok, err := s.store.Heartbeat(ctx, jobID, worker)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStale
	}
	return nil
}

// SubmitResult records a completed proof for jobID, keyed on
// (first_block, last_block), iff worker still owns it.
func (s *Scheduler) SubmitResult(ctx context.Context, jobID uint64, worker string, firstBlock, lastBlock uint64, proof []byte) error {
	ok, err := s.store.SubmitResult(ctx, jobID, worker, &storage.AggregatedProofRow{
		FirstBlock: firstBlock,
		LastBlock:  lastBlock,
		Proof:      proof,
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrStale
	}
	return nil
}

// FailJob returns jobID straight to Idle with its priority raised by
// one and its attempt count bumped; there is no separate Failed status,
// and the reaper plays no part in it. Callers should treat
// ErrRetryExhausted as a fatal operator alert rather than retry the job
// again themselves — the job is still back in Idle for another worker
// to pick up, but the node must have already raised its alert by this
// point.
func (s *Scheduler) FailJob(ctx context.Context, jobID uint64, attempts int32, priority int32) error {
	if attempts >= MaxRetries {
		if err := s.store.FailJob(ctx, jobID, priority+1); err != nil {
			return err
		}
		return fmt.Errorf("job %d: %w", jobID, ErrRetryExhausted)
	}
	return s.store.FailJob(ctx, jobID, priority+1)
}

// Reap returns every InProgress job whose lease has expired back to
// Idle, making it eligible for redequeue by another worker within one
// reaper period (spec §8 property 9, scenario S4).
func (s *Scheduler) Reap(ctx context.Context) (int64, error) {
	n, err := s.store.ReapExpiredLeases(ctx, s.heartbeatTTL)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("reclaimed stale prover leases", "count", n)
	}
	return n, nil
}

// RunReaper ticks Reap on interval until ctx is cancelled.
func (s *Scheduler) RunReaper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Reap(ctx); err != nil {
				s.log.Error("reaper tick failed", "err", err)
			}
		}
	}
}

// MaybeEmitAggregate checks whether a new aggregate job can be built
// from contiguous single-block proofs starting at from, preferring the
// largest configured aggregation size that currently-proven blocks can
// satisfy (spec §4.4's "selection prefers the largest size that can be
// built"). Returns false if no configured size fits yet.
func (s *Scheduler) MaybeEmitAggregate(ctx context.Context, from uint64) (bool, error) {
	if len(s.aggregationSizes) == 0 {
		return false, nil
	}
	maxSpan := s.aggregationSizes[len(s.aggregationSizes)-1]
	lastProven, err := s.store.ContiguousProvenRange(ctx, from, maxSpan)
	if err != nil {
		return false, err
	}
	if lastProven < from {
		return false, nil // nothing contiguous yet
	}
	available := lastProven - from + 1

	var chosen uint64
	for _, size := range s.aggregationSizes {
		if size <= available {
			chosen = size
		}
	}
	if chosen == 0 {
		return false, nil
	}

	lastBlock := from + chosen - 1
	if err := s.store.EnqueueProverJob(ctx, &storage.ProverJobRow{
		Status:     "Idle",
		Priority:   1, // aggregate jobs outrank freshly-sealed single-block jobs
		Kind:       string(KindAggregate),
		FirstBlock: from,
		LastBlock:  lastBlock,
	}); err != nil {
		return false, err
	}
	s.log.Info("emitted aggregate prover job", "first", from, "last", lastBlock, "size", chosen)
	return true, nil
}

// heapItem/priorityQueue implement container/heap for an in-memory
// high-priority-first view of jobs already known to the caller (e.g.
// freshly enqueued in this process) without a DB round trip; the
// durable dequeue in storage remains authoritative for cross-process
// correctness.
type heapItem struct {
	job      storage.ProverJobRow
	priority int32
	seq      uint64 // FIFO tie-break among equal priority, lower seq first
}

type priorityQueue []*heapItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(*heapItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// LocalQueue is a same-process priority buffer the scheduler can keep
// warm between dequeue calls, avoiding a DB round trip for every
// next_job when several workers are polling concurrently. Not a
// substitute for the durable queue: every job it holds was already
// leased via storage.DequeueNextProverJob.
type LocalQueue struct {
	pq  priorityQueue
	seq uint64
}

// NewLocalQueue returns an empty local queue.
func NewLocalQueue() *LocalQueue { return &LocalQueue{} }

// Push adds job to the local queue at priority.
func (q *LocalQueue) Push(job storage.ProverJobRow, priority int32) {
	q.seq++
	heap.Push(&q.pq, &heapItem{job: job, priority: priority, seq: q.seq})
}

// Pop removes and returns the highest-priority, earliest-pushed job, or
// false if the queue is empty.
func (q *LocalQueue) Pop() (storage.ProverJobRow, bool) {
	if q.pq.Len() == 0 {
		return storage.ProverJobRow{}, false
	}
	item := heap.Pop(&q.pq).(*heapItem)
	return item.job, true
}

// Len reports the number of jobs currently buffered locally.
func (q *LocalQueue) Len() int { return q.pq.Len() }
