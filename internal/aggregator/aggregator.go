// Package aggregator implements the Commit Aggregator (C8): it polls
// sealed-but-not-yet-queued blocks and folds contiguous runs into
// CommitBlocks/PublishProof/ExecuteBlocks aggregated operations by size
// and age policy (spec.md §4.5). Grounded on the same poll-a-durable-
// queue-and-emit-the-next-step loop the prover scheduler uses
// (internal/prover), generalized from one step to the three-stage
// commit/prove/execute pipeline.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/zkseq/sequencer/internal/contracts"
	"github.com/zkseq/sequencer/internal/storage"
)

const (
	kindCommit  = "CommitBlocks"
	kindProve   = "PublishProof"
	kindExecute = "ExecuteBlocks"
)

// Config is the aggregator's size/age policy (spec.md §6's
// configuration table: commit batch size and max block age govern when
// a short-of-max-size range still gets flushed).
type Config struct {
	MaxCommitBlocks               uint64
	MaxCommitAge                  time.Duration
	WithdrawalFinalizationDelay   time.Duration
	FastWithdrawFinalizationDelay time.Duration
}

// Aggregator is C8.
type Aggregator struct {
	store *storage.Store
	cfg   Config
	log   log.Logger
}

// New constructs an Aggregator.
func New(store *storage.Store, cfg Config) *Aggregator {
	return &Aggregator{store: store, cfg: cfg, log: log.New("component", "aggregator")}
}

// Run ticks Tick on interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.Tick(ctx); err != nil {
				a.log.Error("aggregator tick failed", "err", err)
			}
		}
	}
}

// Tick evaluates all three emission policies once and returns which
// aggregated ops (if any) were queued, in commit/prove/execute order.
// Prove reads commits that are merely queued, so a block committed in
// this tick can also be queued for proof in it; execute waits for a
// confirmed PublishProof, so a freshly sealed block never reaches
// execute in the tick that commits it.
func (a *Aggregator) Tick(ctx context.Context) ([]string, error) {
	var emitted []string

	committed, err := a.maybeEmitCommit(ctx)
	if err != nil {
		return emitted, fmt.Errorf("aggregator: commit: %w", err)
	}
	if committed {
		emitted = append(emitted, kindCommit)
	}

	proved, err := a.maybeEmitProve(ctx)
	if err != nil {
		return emitted, fmt.Errorf("aggregator: prove: %w", err)
	}
	if proved {
		emitted = append(emitted, kindProve)
	}

	executed, err := a.maybeEmitExecute(ctx)
	if err != nil {
		return emitted, fmt.Errorf("aggregator: execute: %w", err)
	}
	if executed {
		emitted = append(emitted, kindExecute)
	}

	return emitted, nil
}

// maybeEmitCommit emits CommitBlocks(from, to) once either the
// contiguous sealed range reaches MaxCommitBlocks, or the oldest
// not-yet-queued sealed block's age exceeds MaxCommitAge (or it is
// flagged fast-withdraw, which always flushes immediately).
func (a *Aggregator) maybeEmitCommit(ctx context.Context) (bool, error) {
	from, err := a.store.HighestEmittedBlockByKind(ctx, kindCommit)
	if err != nil {
		return false, err
	}
	from++

	blocks, err := a.store.SealedBlocksInRange(ctx, from, from+a.cfg.MaxCommitBlocks-1)
	if err != nil {
		return false, err
	}
	run := contiguousPrefix(blocks, from)
	if len(run) == 0 {
		return false, nil
	}

	ready := uint64(len(run)) >= a.cfg.MaxCommitBlocks
	if !ready {
		oldest := run[0]
		age := time.Since(oldest.Timestamp)
		if oldest.FastWithdraw || age >= a.cfg.MaxCommitAge {
			ready = true
		}
	}
	if !ready {
		return false, nil
	}

	to := run[len(run)-1].Number
	var storedLastBlock contracts.StoredBlockInfoArg
	if from > 0 {
		prev, err := a.store.SealedBlocksInRange(ctx, from-1, from-1)
		if err != nil {
			return false, err
		}
		if len(prev) == 1 {
			storedLastBlock = storedBlockInfoArg(prev[0])
		}
	}
	args, err := commitArgs(storedLastBlock, run)
	if err != nil {
		return false, err
	}
	if err := a.store.InsertAggregatedOperation(ctx, &storage.AggregateOperationRow{
		ActionType: kindCommit,
		Arguments:  args,
		FromBlock:  from,
		ToBlock:    to,
	}); err != nil {
		return false, err
	}
	a.log.Info("emitted CommitBlocks", "from", from, "to", to)
	return true, nil
}

// maybeEmitProve emits PublishProof(from, to) once the next
// not-yet-queued committed range has a matching aggregate proof.
func (a *Aggregator) maybeEmitProve(ctx context.Context) (bool, error) {
	from, err := a.store.HighestEmittedBlockByKind(ctx, kindProve)
	if err != nil {
		return false, err
	}
	from++

	committedUpTo, err := a.store.HighestEmittedBlockByKind(ctx, kindCommit)
	if err != nil {
		return false, err
	}
	if from > committedUpTo {
		return false, nil // nothing committed yet past what's already queued for proof
	}

	proof, err := a.store.AggregatedProofStartingAt(ctx, from, committedUpTo)
	if err != nil {
		return false, err
	}
	if proof == nil {
		return false, nil
	}

	blocks, err := a.store.SealedBlocksInRange(ctx, proof.FirstBlock, proof.LastBlock)
	if err != nil {
		return false, err
	}
	committed := make([]contracts.StoredBlockInfoArg, len(blocks))
	for i, b := range blocks {
		committed[i] = storedBlockInfoArg(b)
	}
	args, err := contracts.EncodeProveBlocksArgs(contracts.ProveBlocksArgs{
		Committed: committed,
		Proof:     proof.Proof,
	})
	if err != nil {
		return false, err
	}
	if err := a.store.InsertAggregatedOperation(ctx, &storage.AggregateOperationRow{
		ActionType: kindProve,
		Arguments:  args,
		FromBlock:  proof.FirstBlock,
		ToBlock:    proof.LastBlock,
	}); err != nil {
		return false, err
	}
	a.log.Info("emitted PublishProof", "from", proof.FirstBlock, "to", proof.LastBlock)
	return true, nil
}

// maybeEmitExecute emits ExecuteBlocks(from, to) once the next
// not-yet-queued proven range has fully elapsed its withdrawal
// finalization delay. A confirmed PublishProof is required (not merely
// queued) since execution actually releases L1 funds.
func (a *Aggregator) maybeEmitExecute(ctx context.Context) (bool, error) {
	from, err := a.store.HighestEmittedBlockByKind(ctx, kindExecute)
	if err != nil {
		return false, err
	}
	from++

	provenUpTo, err := a.store.LastBlockByKind(ctx, kindProve)
	if err != nil {
		return false, err
	}
	if from > provenUpTo {
		return false, nil
	}

	blocks, err := a.store.SealedBlocksInRange(ctx, from, provenUpTo)
	if err != nil {
		return false, err
	}
	run := contiguousPrefix(blocks, from)

	var eligible []storage.BlockRow
	for _, b := range run {
		delay := a.cfg.WithdrawalFinalizationDelay
		if b.FastWithdraw {
			delay = a.cfg.FastWithdrawFinalizationDelay
		}
		if time.Since(b.Timestamp) < delay {
			break
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		return false, nil
	}

	to := eligible[len(eligible)-1].Number
	args, err := executeArgs(eligible)
	if err != nil {
		return false, err
	}
	if err := a.store.InsertAggregatedOperation(ctx, &storage.AggregateOperationRow{
		ActionType: kindExecute,
		Arguments:  args,
		FromBlock:  from,
		ToBlock:    to,
	}); err != nil {
		return false, err
	}
	a.log.Info("emitted ExecuteBlocks", "from", from, "to", to)
	return true, nil
}

// contiguousPrefix returns the leading run of blocks whose numbers are
// exactly from, from+1, from+2, ... with no gap.
func contiguousPrefix(blocks []storage.BlockRow, from uint64) []storage.BlockRow {
	want := from
	var run []storage.BlockRow
	for _, b := range blocks {
		if b.Number != want {
			break
		}
		run = append(run, b)
		want++
	}
	return run
}

// storedBlockInfoArg builds the lightweight StoredBlockInfo reference
// tuple (spec.md §6) out of a sealed block's durable row.
func storedBlockInfoArg(b storage.BlockRow) contracts.StoredBlockInfoArg {
	return contracts.StoredBlockInfoArg{
		BlockNumber: uint32(b.Number),
		Timestamp:   b.Timestamp.Unix(),
		StateHash:   b.RootHash,
		Commitment:  b.Commitment,
	}
}

// onchainBlockArg builds commitBlocks' bit-exact per-block tuple
// (block_number, fee_account_id, new_state_hash, public_data,
// timestamp, onchain_operations[]) out of a sealed block's durable
// row — the full fields spec.md §6 requires, not just its commitment
// hash.
func onchainBlockArg(b storage.BlockRow) (contracts.OnchainBlockArg, error) {
	var onchainOps [][]byte
	if len(b.OnchainOps) > 0 {
		if err := json.Unmarshal(b.OnchainOps, &onchainOps); err != nil {
			return contracts.OnchainBlockArg{}, fmt.Errorf("aggregator: decode onchain ops for block %d: %w", b.Number, err)
		}
	}
	return contracts.OnchainBlockArg{
		BlockNumber:       uint32(b.Number),
		FeeAccountID:      b.FeeAccountID,
		NewStateHash:      b.RootHash,
		PublicData:        b.PublicData,
		Timestamp:         b.Timestamp.Unix(),
		OnchainOperations: onchainOps,
	}, nil
}

func commitArgs(storedLastBlock contracts.StoredBlockInfoArg, run []storage.BlockRow) ([]byte, error) {
	newBlocks := make([]contracts.OnchainBlockArg, len(run))
	for i, b := range run {
		ob, err := onchainBlockArg(b)
		if err != nil {
			return nil, err
		}
		newBlocks[i] = ob
	}
	return contracts.EncodeCommitBlocksArgs(contracts.CommitBlocksArgs{
		StoredLastBlock: storedLastBlock,
		NewBlocks:       newBlocks,
	})
}

func executeArgs(run []storage.BlockRow) ([]byte, error) {
	stored := make([]contracts.StoredBlockInfoArg, len(run))
	for i, b := range run {
		stored[i] = storedBlockInfoArg(b)
	}
	return contracts.EncodeExecuteBlocksArgs(contracts.ExecuteBlocksArgs{Stored: stored})
}
