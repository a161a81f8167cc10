package statekeeper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/zkseq/sequencer/internal/chain"
	"github.com/zkseq/sequencer/internal/events"
	"github.com/zkseq/sequencer/internal/storage"
)

// sealLocked snapshots the open pending block to incomplete_blocks,
// computes its root hash and commitment off the now-current account
// tree, promotes it to a sealed blocks row, and resets the keeper's
// pending-block state for the next block (spec §4.3's Pending →
// Incomplete → Sealed lifecycle).
func (k *StateKeeper) sealLocked(ctx context.Context) error {
	payload, err := json.Marshal(k.ops)
	if err != nil {
		return err
	}
	sizeClass := selectSizeClass(k.cfg.SupportedChunkSizes, k.sizeUsed)
	timestamp := time.Now()

	incomplete := &storage.IncompleteBlockRow{
		Number:                      k.number,
		FeeAccountID:                uint32(k.cfg.FeeAccountID),
		Timestamp:                   timestamp,
		SizeClass:                   sizeClass,
		UnprocessedPriorityOpBefore: k.unprocessedBefore,
		UnprocessedPriorityOpAfter:  k.unprocessedAfter,
		FastWithdraw:                k.hasFastWithdraw,
		OpsPayload:                  payload,
	}
	if err := k.store.SealIncompleteBlock(ctx, incomplete); err != nil {
		return fmt.Errorf("statekeeper: seal incomplete: %w", err)
	}

	if err := k.promoteLocked(ctx, incomplete); err != nil {
		return err
	}

	k.number++
	k.ops = nil
	k.sizeUsed = 0
	k.hasFastWithdraw = false
	k.startedAt = time.Time{}
	k.unprocessedBefore = k.unprocessedAfter
	return k.store.ClearPendingBlock(ctx)
}

// promoteIncompleteLocked finishes a seal left half-done by a crash:
// the incomplete_blocks row exists but its blocks row never got
// written. The tree overlay was already rebuilt from accounts/balances
// (which this block's ops durably updated before the crash), so the
// root is recomputed identically to a live seal.
func (k *StateKeeper) promoteIncompleteLocked(ctx context.Context, incomplete *storage.IncompleteBlockRow) error {
	return k.promoteLocked(ctx, incomplete)
}

// promoteLocked computes the commitment for an incomplete block already
// durable in incomplete_blocks and writes its sealed blocks row.
func (k *StateKeeper) promoteLocked(ctx context.Context, incomplete *storage.IncompleteBlockRow) error {
	prevRoot := k.lastRoot
	newRoot := k.tree.Root()

	var ops []chain.ExecutedOp
	if err := json.Unmarshal(incomplete.OpsPayload, &ops); err != nil {
		return fmt.Errorf("statekeeper: decode ops payload: %w", err)
	}
	publicData, onchainOps := chain.EncodeBlockPublicData(ops)
	onchainOpsPayload, err := json.Marshal(onchainOps)
	if err != nil {
		return err
	}

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(incomplete.Timestamp.Unix()))
	commitment := crypto.Keccak256Hash(prevRoot.Bytes(), newRoot.Bytes(), tsBuf[:], publicData)

	blockRow := &storage.BlockRow{
		Number:                      incomplete.Number,
		RootHash:                    newRoot.Bytes(),
		PrevRootHash:                prevRoot.Bytes(),
		FeeAccountID:                incomplete.FeeAccountID,
		Timestamp:                   incomplete.Timestamp,
		SizeClass:                   incomplete.SizeClass,
		Commitment:                  commitment.Bytes(),
		UnprocessedPriorityOpBefore: incomplete.UnprocessedPriorityOpBefore,
		UnprocessedPriorityOpAfter:  incomplete.UnprocessedPriorityOpAfter,
		FastWithdraw:                incomplete.FastWithdraw,
		PublicData:                  publicData,
		OnchainOps:                  onchainOpsPayload,
	}
	eventPayload, err := json.Marshal(blockRow)
	if err != nil {
		return err
	}
	event := &storage.EventRow{
		BlockNumber: blockRow.Number,
		Kind:        string(events.KindBlock),
		Payload:     eventPayload,
		CreatedAt:   time.Now(),
	}
	if err := k.store.PromoteToSealedWithEvent(ctx, blockRow, event); err != nil {
		return fmt.Errorf("statekeeper: promote sealed: %w", err)
	}
	k.lastRoot = newRoot
	return nil
}
