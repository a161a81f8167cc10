// Package watcher implements the L1 Watcher (C3): it scans the base
// chain for priority operations and contract events, tracks a
// "last safe block" = head − confirmations, and surfaces confirmed
// priority ops exactly once per serial_id. Grounded on
// _examples/ethereum-go-ethereum/eth/filters (log-window scanning over
// a ring of feeds) and on the Optimism batch-submitter driver's
// block-range computation (other_examples/2a885176_...driver.go.go's
// GetBatchBlockRange).
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/zkseq/sequencer/internal/contracts"
	"github.com/zkseq/sequencer/internal/storage"
)

// L1Client is the subset of ethclient.Client the watcher needs; an
// interface so tests can supply a fake rather than a real RPC endpoint.
type L1Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ErrSerialGap is the fatal protocol-invariant violation from spec §4.1
// ("persistent mismatch between observed serial_id and expected next").
var ErrSerialGap = errors.New("watcher: priority op serial id gap")

// PriorityRequestEvent is a decoded NewPriorityRequest log.
type PriorityRequestEvent struct {
	SerialID        uint64
	OpType          uint8
	PubData         []byte
	ExpirationBlock *big.Int
	EthBlock        uint64
	EthBlockIndex   uint32
	EthHash         common.Hash
}

// TokenAddedEvent is a decoded NewToken log.
type TokenAddedEvent struct {
	Token   common.Address
	TokenID uint16
}

// Watcher is C3: a confirmed-log scanner with reorg tolerance.
type Watcher struct {
	client        L1Client
	store         *storage.Store
	rollupAddr    common.Address
	abi           abi.ABI
	confirmations uint64

	priorityFeed gethevent.Feed
	tokenFeed    gethevent.Feed
	fatalFeed    gethevent.Feed

	log log.Logger

	nextSerialID uint64
	lastSafe     uint64

	backoff func() backoff.BackOff
}

// New constructs a Watcher, recovering nextSerialID/lastSafe from the
// caller (normally loaded from storage.EthWatcherStateRow) so this
// package has no hidden "first run" special case.
func New(client L1Client, store *storage.Store, rollupAddr common.Address, confirmations, nextSerialID, lastSafe uint64) (*Watcher, error) {
	parsed, err := abi.JSON(strings.NewReader(contracts.RollupABI))
	if err != nil {
		return nil, fmt.Errorf("watcher: parse abi: %w", err)
	}
	return &Watcher{
		client:        client,
		store:         store,
		rollupAddr:    rollupAddr,
		abi:           parsed,
		confirmations: confirmations,
		log:           log.New("component", "watcher"),
		nextSerialID:  nextSerialID,
		lastSafe:      lastSafe,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}, nil
}

// SubscribePriorityOps registers an in-process listener for confirmed
// priority ops, delivered at-most-once per serial_id.
func (w *Watcher) SubscribePriorityOps(ch chan<- PriorityRequestEvent) gethevent.Subscription {
	return w.priorityFeed.Subscribe(ch)
}

// SubscribeTokens registers an in-process listener for NewToken events.
func (w *Watcher) SubscribeTokens(ch chan<- TokenAddedEvent) gethevent.Subscription {
	return w.tokenFeed.Subscribe(ch)
}

// SubscribeFatal registers a listener for the halt-and-recover signal
// raised when a serial gap is detected. Reorgs below last-safe are not
// detected; the confirmation depth is the only reorg protection.
func (w *Watcher) SubscribeFatal(ch chan<- error) gethevent.Subscription {
	return w.fatalFeed.Subscribe(ch)
}

// Run polls for new safe blocks until ctx is cancelled, scanning
// [lastSafe+1, currentSafe] each tick and advancing lastSafe only once
// that window's events have been emitted and persisted.
func (w *Watcher) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				if errors.Is(err, ErrSerialGap) {
					w.fatalFeed.Send(err)
					return err
				}
				w.log.Warn("watcher tick failed", "err", err)
			}
		}
	}
}

func (w *Watcher) tick(ctx context.Context) error {
	var head uint64
	op := func() error {
		h, err := w.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(w.backoff(), ctx)); err != nil {
		return fmt.Errorf("watcher: head: %w", err)
	}

	if head < w.confirmations {
		return nil // chain too young to have any safe block yet
	}
	currentSafe := head - w.confirmations
	if currentSafe <= w.lastSafe {
		return nil // no new safe window
	}

	from, to := w.lastSafe+1, currentSafe

	var logs []types.Log
	op = func() error {
		l, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{w.rollupAddr},
		})
		if err != nil {
			return err
		}
		logs = l
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(w.backoff(), ctx)); err != nil {
		return fmt.Errorf("watcher: filter logs [%d,%d]: %w", from, to, err)
	}

	priorityEvents, tokenEvents, err := w.decode(logs)
	if err != nil {
		return err
	}

	// Tie-break on same block: sort by log_index (spec §4.1).
	sort.Slice(priorityEvents, func(i, j int) bool {
		if priorityEvents[i].EthBlock != priorityEvents[j].EthBlock {
			return priorityEvents[i].EthBlock < priorityEvents[j].EthBlock
		}
		return priorityEvents[i].EthBlockIndex < priorityEvents[j].EthBlockIndex
	})

	for _, ev := range priorityEvents {
		if ev.SerialID != w.nextSerialID {
			return fmt.Errorf("%w: expected %d, got %d", ErrSerialGap, w.nextSerialID, ev.SerialID)
		}
		w.priorityFeed.Send(ev)
		w.nextSerialID++
	}
	for _, ev := range tokenEvents {
		w.tokenFeed.Send(ev)
	}

	w.lastSafe = currentSafe
	return w.store.SaveWatcherState(ctx, w.lastSafe, w.nextSerialID)
}

func (w *Watcher) decode(logs []types.Log) ([]PriorityRequestEvent, []TokenAddedEvent, error) {
	priorityTopic := w.abi.Events["NewPriorityRequest"].ID
	tokenTopic := w.abi.Events["NewToken"].ID

	var priorityEvents []PriorityRequestEvent
	var tokenEvents []TokenAddedEvent

	for _, lg := range logs {
		if len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case priorityTopic:
			var decoded struct {
				SerialID        uint64
				OpType          uint8
				PubData         []byte
				ExpirationBlock *big.Int
			}
			if err := w.abi.UnpackIntoInterface(&decoded, "NewPriorityRequest", lg.Data); err != nil {
				return nil, nil, fmt.Errorf("watcher: decode priority request: %w", err)
			}
			priorityEvents = append(priorityEvents, PriorityRequestEvent{
				SerialID:        decoded.SerialID,
				OpType:          decoded.OpType,
				PubData:         decoded.PubData,
				ExpirationBlock: decoded.ExpirationBlock,
				EthBlock:        lg.BlockNumber,
				EthBlockIndex:   uint32(lg.Index),
				EthHash:         lg.TxHash,
			})
		case tokenTopic:
			if len(lg.Topics) < 2 {
				continue
			}
			var decoded struct {
				TokenID uint16
			}
			if err := w.abi.UnpackIntoInterface(&decoded, "NewToken", lg.Data); err != nil {
				return nil, nil, fmt.Errorf("watcher: decode new token: %w", err)
			}
			tokenEvents = append(tokenEvents, TokenAddedEvent{
				Token:   common.BytesToAddress(lg.Topics[1].Bytes()),
				TokenID: decoded.TokenID,
			})
		}
	}
	return priorityEvents, tokenEvents, nil
}
