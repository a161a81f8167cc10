// Package config loads the sequencer's recognized configuration keys
// (spec.md §6) from the environment. Configuration loading is an
// explicit non-goal (external collaborator) — this is the minimal
// typed struct + env reader the rest of the ambient stack needs, not a
// CLI/flag framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized key from spec.md §6.
type Config struct {
	SupportedChunkSizes     []uint32
	AggregationSizes        []uint32
	MaxPendingBlockAge      time.Duration
	FastWithdrawMinBlockAge time.Duration
	EthereumConfirmations   uint64
	GasEscalationFactor     float64
	GasPriceCapWei          uint64
	ProverHeartbeatTTL      time.Duration
	L1WatcherConfirmations  uint64
	FeeAccountID            uint32
	BlockChunkSizes         []uint32
	VKTreeRoot              string

	AccountTreeDepth int
	BalanceTreeDepth int

	GasEscalationDeadlineBlocks   uint64
	WithdrawalFinalizationDelay   time.Duration
	FastWithdrawFinalizationDelay time.Duration

	// MaxCommitBlocks caps the contiguous sealed-block range size the
	// commit aggregator (C8) will batch into a single CommitBlocks
	// operation (spec.md §4.5's "contiguous range size reaches a policy
	// max"); spec.md's configuration table does not name this key
	// explicitly. Default sets it to 50 blocks.
	MaxCommitBlocks uint64

	DatabaseDSN    string
	L1RPCURL       string
	RollupAddr     string
	OperatorKeyHex string
	ChainID        uint64
}

// Default returns reasonable defaults matching spec.md's concrete
// scenarios (S4/S5/S6), overridable by FromEnv.
func Default() *Config {
	return &Config{
		SupportedChunkSizes:     []uint32{10, 32, 72, 156, 322, 654},
		AggregationSizes:        []uint32{1, 4, 8, 18},
		MaxPendingBlockAge:      10 * time.Second,
		FastWithdrawMinBlockAge: 2 * time.Second,
		EthereumConfirmations:   10,
		GasEscalationFactor:     1.5,
		GasPriceCapWei:          500_000_000_000,
		ProverHeartbeatTTL:      15 * time.Second,
		L1WatcherConfirmations:  10,
		FeeAccountID:            0,
		BlockChunkSizes:         []uint32{10, 32, 72, 156, 322, 654},
		AccountTreeDepth:        24,
		BalanceTreeDepth:        24,
		GasEscalationDeadlineBlocks:   10,
		WithdrawalFinalizationDelay:   time.Hour,
		FastWithdrawFinalizationDelay: time.Minute,
		MaxCommitBlocks:               50,
		ChainID:                       1,
	}
}

// FromEnv overlays environment variables onto Default().
func FromEnv() (*Config, error) {
	c := Default()
	c.DatabaseDSN = os.Getenv("ZKSEQ_DATABASE_DSN")
	c.L1RPCURL = os.Getenv("ZKSEQ_L1_RPC_URL")
	c.RollupAddr = os.Getenv("ZKSEQ_ROLLUP_ADDRESS")
	c.OperatorKeyHex = os.Getenv("ZKSEQ_OPERATOR_PRIVATE_KEY")

	if v := os.Getenv("ZKSEQ_FEE_ACCOUNT_ID"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: ZKSEQ_FEE_ACCOUNT_ID: %w", err)
		}
		c.FeeAccountID = uint32(n)
	}
	if v := os.Getenv("ZKSEQ_ETHEREUM_CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: ZKSEQ_ETHEREUM_CONFIRMATIONS: %w", err)
		}
		c.EthereumConfirmations = n
	}
	if v := os.Getenv("ZKSEQ_MAX_PENDING_BLOCK_AGE_MS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: ZKSEQ_MAX_PENDING_BLOCK_AGE_MS: %w", err)
		}
		c.MaxPendingBlockAge = time.Duration(n) * time.Millisecond
	}
	return c, nil
}
