// Command sequencer wires together the Durable Store, Account Tree,
// L1 Watcher, Mempool, State Keeper/Block Proposer, Prover Job
// Scheduler, Commit Aggregator, Ethereum Sender, and Event Notifier
// into one running process. There is no CLI surface beyond
// environment-driven configuration (config.FromEnv); flags/subcommands
// are an explicit non-goal, matching spec.md §1's "operator UI/CLI" in
// the list of external collaborators.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/zkseq/sequencer/internal/aggregator"
	"github.com/zkseq/sequencer/internal/chain"
	"github.com/zkseq/sequencer/internal/config"
	"github.com/zkseq/sequencer/internal/ethsender"
	"github.com/zkseq/sequencer/internal/events"
	"github.com/zkseq/sequencer/internal/mempool"
	"github.com/zkseq/sequencer/internal/merkletree"
	"github.com/zkseq/sequencer/internal/prover"
	"github.com/zkseq/sequencer/internal/statekeeper"
	"github.com/zkseq/sequencer/internal/storage"
	"github.com/zkseq/sequencer/internal/watcher"
)

func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandler(os.Stderr, true)))

	if err := run(); err != nil {
		log.Crit("sequencer exited", "err", err)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	tree := merkletree.New(cfg.AccountTreeDepth, cfg.BalanceTreeDepth)

	lazyValidator := &statekeeper.LazyValidator{}
	mp := mempool.New(store, lazyValidator)
	notifier := events.New(store)

	keeper := statekeeper.New(tree, store, mp, notifier, statekeeper.Config{
		SupportedChunkSizes:     cfg.SupportedChunkSizes,
		MaxPendingBlockAge:      cfg.MaxPendingBlockAge,
		FastWithdrawMinBlockAge: cfg.FastWithdrawMinBlockAge,
		FeeAccountID:            chain.AccountID(cfg.FeeAccountID),
		MinFee:                  chain.NewAmount(0),
	})
	lazyValidator.Bind(keeper)

	if err := keeper.LoadOrInit(ctx); err != nil {
		return fmt.Errorf("recover state keeper: %w", err)
	}
	if err := reloadPriorityOps(ctx, store, mp, keeper); err != nil {
		return fmt.Errorf("reload priority ops: %w", err)
	}

	l1Client, err := ethclient.DialContext(ctx, cfg.L1RPCURL)
	if err != nil {
		return fmt.Errorf("dial L1 RPC: %w", err)
	}
	rollupAddr := common.HexToAddress(cfg.RollupAddr)

	lastSafeBlock, nextSerialID, err := store.LoadWatcherState(ctx)
	if err != nil {
		return fmt.Errorf("load watcher state: %w", err)
	}
	l1Watcher, err := watcher.New(l1Client, store, rollupAddr, cfg.L1WatcherConfirmations, nextSerialID, lastSafeBlock)
	if err != nil {
		return fmt.Errorf("construct watcher: %w", err)
	}

	aggregationSizes := make([]uint64, len(cfg.AggregationSizes))
	for i, v := range cfg.AggregationSizes {
		aggregationSizes[i] = uint64(v)
	}
	sched := prover.New(store, cfg.ProverHeartbeatTTL, aggregationSizes)

	agg := aggregator.New(store, aggregator.Config{
		MaxCommitBlocks:               cfg.MaxCommitBlocks,
		MaxCommitAge:                  cfg.MaxPendingBlockAge,
		WithdrawalFinalizationDelay:   cfg.WithdrawalFinalizationDelay,
		FastWithdrawFinalizationDelay: cfg.FastWithdrawFinalizationDelay,
	})

	operatorKey, err := crypto.HexToECDSA(cfg.OperatorKeyHex)
	if err != nil {
		return fmt.Errorf("parse operator key: %w", err)
	}
	sender, err := ethsender.New(ethsender.Config{
		L1Client:              l1Client,
		ChainID:               new(big.Int).SetUint64(cfg.ChainID),
		PrivKey:               operatorKey,
		RollupAddr:            rollupAddr,
		GasEscalationFactor:   cfg.GasEscalationFactor,
		GasPriceCapWei:        new(big.Int).SetUint64(cfg.GasPriceCapWei),
		EthereumConfirmations: cfg.EthereumConfirmations,
		DeadlineBlockSpan:     cfg.GasEscalationDeadlineBlocks,
	}, store)
	if err != nil {
		return fmt.Errorf("construct ethsender: %w", err)
	}
	if err := sender.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile ethsender nonce: %w", err)
	}

	priorityOpCh := make(chan watcher.PriorityRequestEvent, 256)
	tokenCh := make(chan watcher.TokenAddedEvent, 64)
	l1Watcher.SubscribePriorityOps(priorityOpCh)
	l1Watcher.SubscribeTokens(tokenCh)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return keeper.Run(gctx, time.Second) })
	group.Go(func() error { return l1Watcher.Run(gctx, 15*time.Second) })
	group.Go(func() error { return sched.RunReaper(gctx, cfg.ProverHeartbeatTTL) })
	group.Go(func() error { return agg.Run(gctx, 5*time.Second) })
	group.Go(func() error { return sender.Run(gctx, 5*time.Second) })
	group.Go(func() error { return notifier.Run(gctx, cfg.DatabaseDSN) })
	group.Go(func() error { return relayPriorityOps(gctx, store, mp, priorityOpCh) })
	group.Go(func() error { return relayTokens(gctx, store, tokenCh) })

	return group.Wait()
}

// reloadPriorityOps replays every buffered priority op the keeper has
// not yet durably applied into the mempool's in-memory relay buffer,
// since that buffer is never itself persisted across restarts.
func reloadPriorityOps(ctx context.Context, store *storage.Store, mp *mempool.Mempool, keeper *statekeeper.StateKeeper) error {
	cursor := keeper.UnconsumedPriorityOpCursor()
	rows, err := store.NextPriorityOps(ctx, cursor, 1<<16)
	if err != nil {
		return err
	}
	for _, row := range rows {
		pop, err := decodeRelayedPriorityOp(row)
		if err != nil {
			return err
		}
		mp.InjectPriorityOp(pop)
	}
	return nil
}

// relayPriorityOps decodes each confirmed NewPriorityRequest log the
// watcher emits, persists it to the durable relay buffer, and hands it
// to the mempool for immediate in-memory visibility.
func relayPriorityOps(ctx context.Context, store *storage.Store, mp *mempool.Mempool, ch <-chan watcher.PriorityRequestEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			pop, data, err := decodePriorityRequestEvent(ev)
			if err != nil {
				return fmt.Errorf("decode priority request (serial %d): %w", ev.SerialID, err)
			}
			row := &storage.MempoolPriorityOperationRow{
				SerialID:      ev.SerialID,
				Data:          data,
				EthHash:       ev.EthHash.Bytes(),
				EthBlock:      ev.EthBlock,
				EthBlockIndex: int32(ev.EthBlockIndex),
				DeadlineBlock: ev.ExpirationBlock.Uint64(),
			}
			if err := store.InsertPriorityOp(ctx, row); err != nil {
				return fmt.Errorf("persist priority op (serial %d): %w", ev.SerialID, err)
			}
			mp.InjectPriorityOp(pop)
		}
	}
}

// relayTokens persists every newly registered L1 token. The state
// keeper's TokenExists range check reads the token table only in
// LoadOrInit, so a token persisted here is admitted after the next
// restart, not while this process keeps running.
func relayTokens(ctx context.Context, store *storage.Store, ch <-chan watcher.TokenAddedEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			row := &storage.TokenRow{
				ID:      uint32(ev.TokenID),
				Address: ev.Token.Bytes(),
			}
			if err := store.UpsertToken(ctx, row); err != nil {
				return fmt.Errorf("persist token %d: %w", ev.TokenID, err)
			}
		}
	}
}

// relayedKindDeposit/relayedKindFullExit are the one-byte discriminator
// prefixed onto the wire pubdata before it is stored in
// mempool_priority_operations: that table has no dedicated kind column,
// so the opaque Data blob carries its own tag.
const (
	relayedKindDeposit  byte = 0
	relayedKindFullExit byte = 1
)

func decodePriorityRequestEvent(ev watcher.PriorityRequestEvent) (chain.PriorityOp, []byte, error) {
	pop := chain.PriorityOp{
		SerialID:      ev.SerialID,
		EthHash:       ev.EthHash,
		EthBlock:      ev.EthBlock,
		EthBlockIndex: ev.EthBlockIndex,
		DeadlineBlock: ev.ExpirationBlock.Uint64(),
	}
	switch ev.OpType {
	case uint8(chain.PriorityOpDeposit):
		pop.Kind = chain.PriorityOpDeposit
		d, err := chain.DecodeDepositPubData(ev.PubData)
		if err != nil {
			return pop, nil, err
		}
		pop.Deposit = d
		return pop, append([]byte{relayedKindDeposit}, ev.PubData...), nil
	case uint8(chain.PriorityOpFullExit):
		pop.Kind = chain.PriorityOpFullExit
		f, err := chain.DecodeFullExitPubData(ev.PubData)
		if err != nil {
			return pop, nil, err
		}
		pop.FullExit = f
		return pop, append([]byte{relayedKindFullExit}, ev.PubData...), nil
	default:
		return pop, nil, fmt.Errorf("unrecognized priority op type %d", ev.OpType)
	}
}

func decodeRelayedPriorityOp(row storage.MempoolPriorityOperationRow) (chain.PriorityOp, error) {
	pop := chain.PriorityOp{
		SerialID:      row.SerialID,
		EthHash:       common.BytesToHash(row.EthHash),
		EthBlock:      row.EthBlock,
		EthBlockIndex: uint32(row.EthBlockIndex),
		DeadlineBlock: row.DeadlineBlock,
	}
	if len(row.Data) == 0 {
		return pop, fmt.Errorf("priority op %d: empty payload", row.SerialID)
	}
	kind, payload := row.Data[0], row.Data[1:]
	switch kind {
	case relayedKindDeposit:
		pop.Kind = chain.PriorityOpDeposit
		d, err := chain.DecodeDepositPubData(payload)
		if err != nil {
			return pop, err
		}
		pop.Deposit = d
	case relayedKindFullExit:
		pop.Kind = chain.PriorityOpFullExit
		f, err := chain.DecodeFullExitPubData(payload)
		if err != nil {
			return pop, err
		}
		pop.FullExit = f
	default:
		return pop, fmt.Errorf("priority op %d: unrecognized stored kind %d", row.SerialID, kind)
	}
	return pop, nil
}
