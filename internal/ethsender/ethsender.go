// Package ethsender implements the Ethereum Sender (C9): it drains the
// aggregated-operation FIFO, signs and broadcasts one L1 transaction per
// op at a strictly increasing nonce, escalates gas on an attempt that
// outlives its deadline window, and tracks confirmations. Grounded
// directly on the Optimism batch-submitter driver
// (other_examples/2a885176_..._l2output-driver.go.go): a Config struct
// holding an *ethclient.Client and a private key, a wallet address
// derived via crypto.PubkeyToAddress, and a bound contract used to
// craft calldata before the sender signs and sends it itself (the
// driver's CraftBatchTx/SubmitBatchTx split, generalized from one
// aggregated-op kind to three).
package ethsender

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/zkseq/sequencer/internal/contracts"
	"github.com/zkseq/sequencer/internal/storage"
)

// ActionType mirrors spec.md §4.5's aggregate_operations.action_type.
type ActionType string

const (
	ActionCommitBlocks  ActionType = "CommitBlocks"
	ActionPublishProof  ActionType = "PublishProof"
	ActionExecuteBlocks ActionType = "ExecuteBlocks"
)

// ErrNonceDesync is the fatal protocol-invariant violation from spec
// §4.5/§7: the operator account's on-chain nonce advanced out-of-band.
var ErrNonceDesync = errors.New("ethsender: on-chain nonce advanced out of band")

// ErrFatalRevert marks an attempt whose receipt reverted; spec's state
// machine calls this terminal state Fatal and requires an operator alert.
var ErrFatalRevert = errors.New("ethsender: attempt reverted, operator alert required")

// L1Client is the subset of ethclient.Client the sender needs. An
// interface so tests can inject a fake instead of a live RPC endpoint,
// same separation the watcher package draws.
type L1Client interface {
	bind.ContractBackend
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds the sender's wiring and retry policy (spec.md §6's
// gas_escalation_factor/gas_price_cap/ethereum_confirmations keys).
type Config struct {
	L1Client              L1Client
	ChainID               *big.Int
	PrivKey               *ecdsa.PrivateKey
	RollupAddr            common.Address
	GasEscalationFactor   float64
	GasPriceCapWei        *big.Int
	EthereumConfirmations uint64
	// DeadlineBlockSpan is how many L1 blocks an attempt gets before the
	// sender escalates gas and resends under the same nonce (spec §4.5's
	// "block B > deadline" transition, scenario S5's 10-block window).
	DeadlineBlockSpan uint64
}

// Sender is C9.
type Sender struct {
	cfg        Config
	store      *storage.Store
	rollup     *contracts.Rollup
	walletAddr common.Address
	log        log.Logger
}

// New constructs a Sender bound to cfg.RollupAddr.
func New(cfg Config, store *storage.Store) (*Sender, error) {
	rollup, err := contracts.NewRollup(cfg.RollupAddr, cfg.L1Client)
	if err != nil {
		return nil, fmt.Errorf("ethsender: bind rollup: %w", err)
	}
	return &Sender{
		cfg:        cfg,
		store:      store,
		rollup:     rollup,
		walletAddr: crypto.PubkeyToAddress(cfg.PrivKey.PublicKey),
		log:        log.New("component", "ethsender"),
	}, nil
}

// WalletAddr is the address paying for every aggregated-op transaction.
func (s *Sender) WalletAddr() common.Address { return s.walletAddr }

// Reconcile resolves the sender's local nonce against the chain at
// startup (spec §9 "Ethereum Sender and nonce reuse"): the stored
// eth_parameters.nonce and the on-chain nonce are compared, the larger
// wins, and any stored attempt below the winning nonce is marked
// confirmed (it either landed or was superseded).
func (s *Sender) Reconcile(ctx context.Context) error {
	params, err := s.store.LoadEthParameters(ctx)
	if err != nil {
		return fmt.Errorf("ethsender: load parameters: %w", err)
	}
	onchain, err := s.cfg.L1Client.NonceAt(ctx, s.walletAddr, nil)
	if err != nil {
		return fmt.Errorf("ethsender: query nonce: %w", err)
	}
	next := params.Nonce
	if onchain > next {
		next = onchain
	}

	unconfirmed, err := s.store.UnconfirmedEthOperations(ctx)
	if err != nil {
		return fmt.Errorf("ethsender: load unconfirmed: %w", err)
	}
	for _, op := range unconfirmed {
		if op.Nonce < next {
			if err := s.store.FinalizeEthOperation(ctx, op.ID, nil); err != nil {
				return fmt.Errorf("ethsender: reconcile op %d: %w", op.ID, err)
			}
		}
	}

	params.Nonce = next
	return s.store.SaveEthParameters(ctx, params)
}

// Run drains the aggregated-operation FIFO and polls in-flight attempts
// until ctx is cancelled. Per spec §5's cancellation contract, Run does
// not abort in-flight L1 txs on cancellation — it simply stops issuing
// new attempts once the current tick finishes.
func (s *Sender) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if errors.Is(err, ErrNonceDesync) || errors.Is(err, ErrFatalRevert) {
					s.log.Error("ethsender fatal", "err", err)
					return err
				}
				s.log.Warn("ethsender tick failed", "err", err)
			}
		}
	}
}

func (s *Sender) tick(ctx context.Context) error {
	if err := s.dispatchNext(ctx); err != nil {
		return err
	}
	return s.pollInFlight(ctx)
}

// dispatchNext sends at most one new aggregated op per tick, preserving
// strict FIFO: a later op is never sent before the earlier one is at
// least in-flight (spec §5's "Aggregated-op FIFO never reorders").
func (s *Sender) dispatchNext(ctx context.Context) error {
	op, err := s.store.NextUnprocessedAggregatedOp(ctx)
	if err != nil {
		return fmt.Errorf("ethsender: next unprocessed: %w", err)
	}
	if op == nil {
		return nil
	}

	params, err := s.store.LoadEthParameters(ctx)
	if err != nil {
		return err
	}

	data, err := s.craft(ActionType(op.ActionType), op.Arguments)
	if err != nil {
		return fmt.Errorf("ethsender: craft op %d: %w", op.ID, err)
	}

	gasPrice, err := s.cfg.L1Client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("ethsender: suggest gas: %w", err)
	}
	gasPrice = capGasPrice(gasPrice, s.cfg.GasPriceCapWei)

	head, err := s.cfg.L1Client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("ethsender: head: %w", err)
	}
	deadline := head + s.cfg.DeadlineBlockSpan

	signed, err := s.signAndSend(ctx, params.Nonce, gasPrice, data)
	if err != nil {
		return fmt.Errorf("ethsender: send op %d: %w", op.ID, err)
	}

	ethOp := &storage.EthOperationRow{
		OpType:            op.ActionType,
		Nonce:             params.Nonce,
		LastDeadlineBlock: deadline,
		LastUsedGasPrice:  gasPrice.String(),
	}
	if err := s.store.CreateEthOperation(ctx, ethOp); err != nil {
		return err
	}
	if err := s.store.AppendEthTxHash(ctx, &storage.EthTxHashRow{
		EthOpID:  ethOp.ID,
		TxHash:   signed.Hash().Bytes(),
		GasPrice: gasPrice.String(),
	}); err != nil {
		return err
	}
	if err := s.store.BindEthOperation(ctx, op.ID, ethOp.ID); err != nil {
		return err
	}

	params.Nonce++
	if err := s.store.SaveEthParameters(ctx, params); err != nil {
		return err
	}
	s.log.Info("sent aggregated op", "id", op.ID, "action", op.ActionType, "nonce", ethOp.Nonce, "gas_price", gasPrice)
	return nil
}

// pollInFlight checks every unconfirmed attempt for either a confirmed
// receipt or an expired deadline requiring escalation.
func (s *Sender) pollInFlight(ctx context.Context) error {
	head, err := s.cfg.L1Client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("ethsender: head: %w", err)
	}
	unconfirmed, err := s.store.UnconfirmedEthOperations(ctx)
	if err != nil {
		return err
	}

	for _, op := range unconfirmed {
		confirmedHash, found, err := s.checkReceipts(ctx, op.ID, head)
		if err != nil {
			return err
		}
		if found {
			if err := s.store.FinalizeEthOperation(ctx, op.ID, confirmedHash.Bytes()); err != nil {
				return err
			}
			aggOp, err := s.store.AggregatedOpByEthOpID(ctx, op.ID)
			if err != nil {
				return fmt.Errorf("ethsender: resolve aggregated op for eth op %d: %w", op.ID, err)
			}
			if err := s.store.MarkAggregatedOpConfirmed(ctx, aggOp.ID); err != nil {
				return err
			}
			continue
		}

		if head <= op.LastDeadlineBlock {
			continue // still within this attempt's window
		}
		if err := s.escalate(ctx, op, head); err != nil {
			return err
		}
	}
	return nil
}

// checkReceipts returns the hash of whichever attempt actually landed
// with at least EthereumConfirmations blocks behind it. On a revert it
// returns ErrFatalRevert.
func (s *Sender) checkReceipts(ctx context.Context, ethOpID uint64, head uint64) (common.Hash, bool, error) {
	attempts, err := s.store.TxHashesForOp(ctx, ethOpID)
	if err != nil {
		return common.Hash{}, false, err
	}
	for _, a := range attempts {
		hash := common.BytesToHash(a.TxHash)
		receipt, err := s.cfg.L1Client.TransactionReceipt(ctx, hash)
		if err != nil {
			continue // not mined yet (or RPC hiccup); try the next attempt/tick
		}
		if receipt.Status == types.ReceiptStatusFailed {
			return common.Hash{}, false, fmt.Errorf("tx %s: %w", hash, ErrFatalRevert)
		}
		if receipt.BlockNumber == nil {
			continue
		}
		confirmations := head - receipt.BlockNumber.Uint64()
		if confirmations >= s.cfg.EthereumConfirmations {
			return hash, true, nil
		}
	}
	return common.Hash{}, false, nil
}

// escalate resends an attempt whose deadline has passed at a higher gas
// price (spec §4.5/§8 scenario S5): new_price = max(market, previous *
// factor), capped, same nonce and deadline span extended from now.
func (s *Sender) escalate(ctx context.Context, op storage.EthOperationRow, head uint64) error {
	previous, ok := new(big.Int).SetString(op.LastUsedGasPrice, 10)
	if !ok {
		return fmt.Errorf("ethsender: bad stored gas price %q for op %d", op.LastUsedGasPrice, op.ID)
	}
	market, err := s.cfg.L1Client.SuggestGasPrice(ctx)
	if err != nil {
		return err
	}
	escalated := new(big.Float).Mul(new(big.Float).SetInt(previous), big.NewFloat(s.cfg.GasEscalationFactor))
	escalatedInt, _ := escalated.Int(nil)

	next := market
	if escalatedInt.Cmp(next) > 0 {
		next = escalatedInt
	}
	capped := capGasPrice(next, s.cfg.GasPriceCapWei)
	// Once capped, keep rebroadcasting the same payload with no further
	// escalation (spec §4.5: "if the cap is hit... keeps re-broadcasting
	// without escalation").
	if capped.Cmp(previous) <= 0 {
		capped = previous
	}

	aggOp, err := s.store.AggregatedOpByEthOpID(ctx, op.ID)
	if err != nil {
		return fmt.Errorf("ethsender: resolve aggregated op for eth op %d: %w", op.ID, err)
	}
	data, err := s.craft(ActionType(aggOp.ActionType), aggOp.Arguments)
	if err != nil {
		return err
	}

	signed, err := s.signAndSend(ctx, op.Nonce, capped, data)
	if err != nil {
		return fmt.Errorf("ethsender: resend op %d: %w", op.ID, err)
	}

	newDeadline := head + s.cfg.DeadlineBlockSpan
	if err := s.store.AppendEthTxHash(ctx, &storage.EthTxHashRow{
		EthOpID:  op.ID,
		TxHash:   signed.Hash().Bytes(),
		GasPrice: capped.String(),
	}); err != nil {
		return err
	}
	s.log.Info("resent aggregated op with escalated gas", "op", op.ID, "nonce", op.Nonce, "gas_price", capped)
	return s.store.UpdateEthOperationAttempt(ctx, op.ID, newDeadline, capped.String())
}

func (s *Sender) craft(action ActionType, arguments []byte) ([]byte, error) {
	switch action {
	case ActionCommitBlocks:
		return s.rollup.PackCommitBlocksArgs(arguments)
	case ActionPublishProof:
		return s.rollup.PackProveBlocksArgs(arguments)
	case ActionExecuteBlocks:
		return s.rollup.PackExecuteBlocksArgs(arguments)
	default:
		return nil, fmt.Errorf("ethsender: unknown action type %q", action)
	}
}

func (s *Sender) signAndSend(ctx context.Context, nonce uint64, gasPrice *big.Int, data []byte) (*types.Transaction, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &s.cfg.RollupAddr,
		GasPrice: gasPrice,
		Gas:      3_000_000,
		Data:     data,
	})
	signer := types.LatestSignerForChainID(s.cfg.ChainID)
	signed, err := types.SignTx(tx, signer, s.cfg.PrivKey)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.L1Client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func capGasPrice(price, priceCap *big.Int) *big.Int {
	if priceCap != nil && price.Cmp(priceCap) > 0 {
		return new(big.Int).Set(priceCap)
	}
	return price
}
