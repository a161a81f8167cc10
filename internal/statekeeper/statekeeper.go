// Package statekeeper implements the State Keeper (C5) and Block
// Proposer (C6): it owns the in-memory account-tree overlay, drains
// priority ops and mempool txs into the open pending block, applies
// the execution rules for each op kind, and seals/promotes blocks
// through the Pending → Incomplete → Sealed lifecycle. The main loop's
// select shape (a drain ticker that also checks seal triggers, plus the
// exit channel and context cancellation) is grounded on
// _examples/ethereum-go-ethereum/miner/test_backend.go's worker
// harness, the closest surviving example of go-ethereum's
// block-assembly control flow in this retrieval pack.
package statekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/zkseq/sequencer/internal/chain"
	"github.com/zkseq/sequencer/internal/events"
	"github.com/zkseq/sequencer/internal/mempool"
	"github.com/zkseq/sequencer/internal/merkletree"
	"github.com/zkseq/sequencer/internal/storage"
)

// Config holds the proposer/keeper's policy knobs (spec.md §6).
type Config struct {
	SupportedChunkSizes     []uint32
	MaxPendingBlockAge      time.Duration
	FastWithdrawMinBlockAge time.Duration
	FeeAccountID            chain.AccountID
	MinFee                  *chain.Amount
}

// StateKeeper is C5+C6 combined: the spec separates them conceptually,
// but the proposer's seal decision and the keeper's block assembly
// share the same mutable pending-block state, so one type owns both,
// matching how the teacher's worker type folds "decide when to seal"
// and "assemble the sealed unit" into one struct.
type StateKeeper struct {
	tree  *merkletree.AccountTree
	store *storage.Store
	mp    *mempool.Mempool
	notif *events.Notifier
	cfg   Config
	log   log.Logger

	mu sync.Mutex

	addrIndex           map[common.Address]chain.AccountID
	nextNFTID           chain.TokenID
	lastFungibleTokenID chain.TokenID
	authMode            map[chain.AccountID]chain.AccountAuthMode
	nextSeq             uint64
	lastRoot            common.Hash

	number            uint64
	startedAt         time.Time
	ops               []chain.ExecutedOp
	sizeUsed          uint32
	hasFastWithdraw   bool
	unprocessedBefore uint64
	unprocessedAfter  uint64

	exitCh chan struct{}
}

// New constructs a StateKeeper over an already-built account tree.
// Call LoadOrInit before Run to recover any crash-time state.
func New(tree *merkletree.AccountTree, store *storage.Store, mp *mempool.Mempool, notif *events.Notifier, cfg Config) *StateKeeper {
	return &StateKeeper{
		tree:      tree,
		store:     store,
		mp:        mp,
		notif:     notif,
		cfg:       cfg,
		log:       log.New("component", "statekeeper"),
		addrIndex: make(map[common.Address]chain.AccountID),
		authMode:  make(map[chain.AccountID]chain.AccountAuthMode),
		exitCh:    make(chan struct{}),
	}
}

// LoadOrInit rebuilds the in-memory tree overlay from durable accounts/
// balances, determines the next block number, and resumes any pending
// block left open by a crash (spec §4.3: "the pending block is
// re-sealable").
func (k *StateKeeper) LoadOrInit(ctx context.Context) error {
	accounts, err := k.store.AllAccounts(ctx)
	if err != nil {
		return fmt.Errorf("statekeeper: load accounts: %w", err)
	}
	balances, err := k.store.AllBalances(ctx)
	if err != nil {
		return fmt.Errorf("statekeeper: load balances: %w", err)
	}
	byAccount := make(map[uint32]*chain.Account, len(accounts))
	for _, row := range accounts {
		acc := chain.NewAccount(chain.AccountID(row.ID), common.BytesToAddress(row.Address))
		acc.Nonce = row.Nonce
		copy(acc.PubKeyHash[:], row.PubKeyHash)
		byAccount[row.ID] = acc
		k.addrIndex[acc.Address] = acc.ID
	}
	for _, b := range balances {
		acc, ok := byAccount[b.AccountID]
		if !ok {
			continue
		}
		amt := new(chain.Amount)
		if err := amt.SetFromDecimal(b.Balance); err != nil {
			return fmt.Errorf("statekeeper: bad balance decimal %q for account %d: %w", b.Balance, b.AccountID, err)
		}
		acc.Balances[chain.TokenID(b.TokenID)] = amt
	}
	for _, acc := range byAccount {
		k.tree.SetAccount(acc)
	}

	maxToken, err := k.store.MaxTokenID(ctx)
	if err != nil {
		return fmt.Errorf("statekeeper: load max token: %w", err)
	}
	if chain.TokenID(maxToken) >= chain.NFTTokenIDThreshold {
		k.nextNFTID = chain.TokenID(maxToken) + 1
		k.lastFungibleTokenID = chain.NFTTokenIDThreshold - 1
	} else {
		k.nextNFTID = chain.NFTTokenIDThreshold
		k.lastFungibleTokenID = chain.TokenID(maxToken)
	}

	lastSealed, err := k.store.LastSealedBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("statekeeper: load last sealed: %w", err)
	}
	k.number = lastSealed + 1
	if lastSealed > 0 {
		rows, err := k.store.SealedBlocksInRange(ctx, lastSealed, lastSealed)
		if err != nil {
			return fmt.Errorf("statekeeper: load last root: %w", err)
		}
		if len(rows) > 0 {
			k.lastRoot = common.BytesToHash(rows[0].RootHash)
		}
	}

	// A crash between SealIncompleteBlock and PromoteToSealed leaves an
	// incomplete_blocks row with no matching blocks row; the account
	// tree overlay above already reflects its ops (accounts/balances
	// were written durably alongside the executed-op rows), so promote
	// it now using the freshly rebuilt root before resuming ticking.
	incomplete, err := k.store.LoadIncompleteBlock(ctx)
	if err != nil {
		return fmt.Errorf("statekeeper: load incomplete block: %w", err)
	}
	if incomplete != nil && incomplete.Number == k.number {
		if err := k.promoteIncompleteLocked(ctx, incomplete); err != nil {
			return fmt.Errorf("statekeeper: recover incomplete block: %w", err)
		}
		k.number++
	}

	pending, err := k.store.LoadPendingBlock(ctx)
	if err != nil {
		return fmt.Errorf("statekeeper: load pending block: %w", err)
	}
	if pending == nil {
		k.startedAt = time.Time{}
		k.unprocessedBefore = 0
		k.unprocessedAfter = 0
		return nil
	}
	k.number = pending.Number
	k.startedAt = pending.StartedAt
	k.unprocessedBefore = pending.UnprocessedPriorityOpBefore
	k.unprocessedAfter = pending.NextPriorityOpSerialID
	k.hasFastWithdraw = pending.FastWithdraw
	if len(pending.OpsPayload) > 0 {
		if err := json.Unmarshal(pending.OpsPayload, &k.ops); err != nil {
			return fmt.Errorf("statekeeper: decode pending ops: %w", err)
		}
	}
	for _, op := range k.ops {
		k.sizeUsed += chunkCost(&op)
	}
	return nil
}

// Stop signals Run's main loop to exit after flushing the pending
// block, per spec §5's cancellation contract.
func (k *StateKeeper) Stop() { close(k.exitCh) }

// UnconsumedPriorityOpCursor returns the serial id below which every
// priority op has already been durably applied. Callers reload the
// mempool's in-memory relay buffer from storage starting just after
// this cursor on startup, since that buffer itself is never persisted.
func (k *StateKeeper) UnconsumedPriorityOpCursor() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.unprocessedBefore == 0 {
		return 0
	}
	return k.unprocessedBefore - 1
}

// Run is the channel-driven main loop: it wakes on a fixed tick to
// drain priority ops and mempool txs into the open block, and checks
// seal triggers every tick, exiting only once the pending block (if
// any) has been durably flushed.
func (k *StateKeeper) Run(ctx context.Context, drainInterval time.Duration) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return k.drainToIncomplete(context.Background())
		case <-k.exitCh:
			return k.drainToIncomplete(context.Background())
		case <-ticker.C:
			if err := k.tick(ctx); err != nil {
				k.log.Error("statekeeper tick failed", "err", err)
				return err
			}
		}
	}
}

func (k *StateKeeper) tick(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.startedAt.IsZero() && len(k.ops) == 0 {
		k.startedAt = time.Now()
		k.unprocessedBefore = k.unprocessedAfter
	}

	for _, pop := range k.mp.NextPriorityOps(64) {
		if pop.SerialID != k.unprocessedAfter {
			break // out-of-order or already consumed; wait for the right one
		}
		op, touched := k.applyPriorityOpLocked(pop)
		if err := k.persistExecutedPriorityOpLocked(ctx, op, touched); err != nil {
			return err
		}
		k.ops = append(k.ops, op)
		k.sizeUsed += chunkCost(&op)
		k.unprocessedAfter++
	}
	if k.unprocessedAfter > k.unprocessedBefore {
		k.mp.AckPriorityOps(k.unprocessedAfter - 1)
	}

	it := k.mp.TakeIterator()
	for {
		hash, tx, batchID := it.Peek()
		if tx == nil {
			break
		}
		if batchID != nil {
			members := k.mp.BatchMembers(*batchID)
			hashes := make([]common.Hash, 0, len(members))
			txs := make([]*chain.Tx, 0, len(members))
			total := uint32(0)
			for _, h := range members {
				t, ok := k.mp.Get(h)
				if !ok {
					continue
				}
				hashes = append(hashes, h)
				txs = append(txs, t)
				total += chunkCost(&chain.ExecutedOp{Kind: chain.ExecutedL2, Tx: t})
			}
			if k.sizeUsed+total > k.largestSizeClass() {
				break
			}
			ops, touched := k.applyBatchLocked(hashes, txs, *batchID)
			for i, op := range ops {
				if err := k.persistExecutedTxLocked(ctx, op, touched); err != nil {
					return err
				}
				k.ops = append(k.ops, op)
				k.sizeUsed += chunkCost(&op)
				if isFastWithdraw(txs[i]) {
					k.hasFastWithdraw = true
				}
			}
			for _, h := range hashes {
				it.Advance()
				if err := k.mp.Commit(ctx, h); err != nil {
					return err
				}
			}
			continue
		}
		if k.sizeUsed+chunkCost(&chain.ExecutedOp{Kind: chain.ExecutedL2, Tx: tx}) > k.largestSizeClass() {
			break
		}
		op, touched := k.applyTxLocked(hash, tx, batchID)
		if err := k.persistExecutedTxLocked(ctx, op, touched); err != nil {
			return err
		}
		k.ops = append(k.ops, op)
		k.sizeUsed += chunkCost(&op)
		if isFastWithdraw(tx) {
			k.hasFastWithdraw = true
		}
		it.Advance()
		if err := k.mp.Commit(ctx, hash); err != nil {
			return err
		}
	}

	if err := k.persistPendingLocked(ctx); err != nil {
		return err
	}

	if k.shouldSealLocked() {
		return k.sealLocked(ctx)
	}
	return nil
}

func (k *StateKeeper) largestSizeClass() uint32 {
	max := k.cfg.SupportedChunkSizes[0]
	for _, s := range k.cfg.SupportedChunkSizes {
		if s > max {
			max = s
		}
	}
	return max
}

func (k *StateKeeper) shouldSealLocked() bool {
	if len(k.ops) == 0 {
		return false
	}
	fit := selectSizeClass(k.cfg.SupportedChunkSizes, k.sizeUsed)
	if k.sizeUsed >= fit {
		return true
	}
	age := time.Since(k.startedAt)
	if age >= k.cfg.MaxPendingBlockAge {
		return true
	}
	if k.hasFastWithdraw && age >= k.cfg.FastWithdrawMinBlockAge {
		return true
	}
	return false
}

func isFastWithdraw(tx *chain.Tx) bool {
	return tx.Kind == chain.TxWithdraw || tx.Kind == chain.TxWithdrawNFT || tx.Kind == chain.TxForcedExit
}

func (k *StateKeeper) persistPendingLocked(ctx context.Context) error {
	payload, err := json.Marshal(k.ops)
	if err != nil {
		return err
	}
	return k.store.SavePendingBlock(ctx, &storage.PendingBlockRow{
		Number:                      k.number,
		StartedAt:                   k.startedAt,
		OpsPayload:                  payload,
		UnprocessedPriorityOpBefore: k.unprocessedBefore,
		NextPriorityOpSerialID:      k.unprocessedAfter,
		FastWithdraw:                k.hasFastWithdraw,
	})
}

// drainToIncomplete flushes whatever pending state exists to the
// incomplete_blocks table on shutdown, satisfying spec §5's "the State
// Keeper flushes the pending block to the incomplete-block table
// before exit" cancellation contract.
func (k *StateKeeper) drainToIncomplete(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.ops) == 0 {
		return nil
	}
	return k.sealLocked(ctx)
}

// DepositOrFullExit applies an L1-originated priority op outside the
// normal drain loop (used by tests and by callers that need synchronous
// application, e.g. replay/recovery tooling).
func (k *StateKeeper) DepositOrFullExit(ctx context.Context, op chain.PriorityOp) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	executed, touched := k.applyPriorityOpLocked(op)
	if err := k.persistExecutedPriorityOpLocked(ctx, executed, touched); err != nil {
		return err
	}
	k.ops = append(k.ops, executed)
	k.sizeUsed += chunkCost(&executed)
	return nil
}

func (k *StateKeeper) nextSequence() uint64 {
	k.nextSeq++
	return k.nextSeq
}

// accountByID returns a mutable clone ready for SetAccount, creating a
// fresh account at the tree's next id if it doesn't exist.
func (k *StateKeeper) accountByID(id chain.AccountID, addr common.Address) *chain.Account {
	if acc, ok := k.tree.Account(id); ok {
		return acc.Clone()
	}
	acc := chain.NewAccount(id, addr)
	return acc
}
