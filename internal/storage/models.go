// Package storage is the durable store (C1): gorm models and
// repositories over Postgres, plus the triggers-as-application-code
// counters (tx_filters/txs_count) and the event log that the Event
// Notifier tails. Grounded on the teacher's own rollup toolkit
// (`rollup/missing_header_fields/export-headers-toolkit`, which wires
// gorm.io/gorm + gorm.io/driver/postgres) and on
// `_examples/other_examples/manifests/josephblackelite-nhbchain/go.mod`
// for the same pairing plus jackc/pgx/v5 as the underlying driver.
package storage

import (
	"time"

	"gorm.io/gorm"
)

// BlockRow persists a sealed block (blocks table).
type BlockRow struct {
	Number                      uint64 `gorm:"primaryKey"`
	RootHash                    []byte
	PrevRootHash                []byte
	FeeAccountID                uint32
	Timestamp                   time.Time
	SizeClass                   uint32
	CommitGasLimit              uint64
	VerifyGasLimit              uint64
	Commitment                  []byte
	UnprocessedPriorityOpBefore uint64
	UnprocessedPriorityOpAfter  uint64
	FastWithdraw                bool
	PublicData                  []byte // packed onchain-visible ops, spec.md §6
	OnchainOps                  []byte // JSON [][]byte, one entry per onchain-visible op
}

func (BlockRow) TableName() string { return "blocks" }

// IncompleteBlockRow mirrors BlockRow minus the fields only known once
// the tree root is computed (root_hash, commitment). Existence of a row
// here after a crash is what lets the state keeper resume without
// replaying the tree from genesis.
type IncompleteBlockRow struct {
	Number                      uint64 `gorm:"primaryKey"`
	FeeAccountID                uint32
	Timestamp                   time.Time
	SizeClass                   uint32
	CommitGasLimit              uint64
	VerifyGasLimit              uint64
	UnprocessedPriorityOpBefore uint64
	UnprocessedPriorityOpAfter  uint64
	FastWithdraw                bool
	OpsPayload                  []byte // serialized []chain.ExecutedOp
}

func (IncompleteBlockRow) TableName() string { return "incomplete_blocks" }

// PendingBlockRow is the singleton current unsealed block.
type PendingBlockRow struct {
	ID                          uint `gorm:"primaryKey"`
	Number                      uint64
	StartedAt                   time.Time
	OpsPayload                  []byte
	UnprocessedPriorityOpBefore uint64
	NextPriorityOpSerialID      uint64
	FastWithdraw                bool
}

func (PendingBlockRow) TableName() string { return "pending_block" }

// AccountRow is a row of the accounts table.
type AccountRow struct {
	ID         uint32 `gorm:"primaryKey"`
	Address    []byte `gorm:"index"`
	Nonce      uint32
	PubKeyHash []byte
}

func (AccountRow) TableName() string { return "accounts" }

// BalanceRow is a row of the balances table, one per (account, token).
type BalanceRow struct {
	AccountID uint32 `gorm:"primaryKey"`
	TokenID   uint32 `gorm:"primaryKey"`
	Balance   string // decimal string; u128 doesn't fit a native SQL int
}

func (BalanceRow) TableName() string { return "balances" }

// TokenRow is a row of the tokens table.
type TokenRow struct {
	ID       uint32 `gorm:"primaryKey"`
	Kind     string
	Address  []byte
	Symbol   string
	Decimals uint8
}

func (TokenRow) TableName() string { return "tokens" }

// AccountBalanceUpdateRow records one in-block balance diff, ordered by
// UpdateOrderID so the tree can be replayed deterministically.
type AccountBalanceUpdateRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	BlockNumber   uint64 `gorm:"index"`
	UpdateOrderID uint32
	AccountID     uint32
	TokenID       uint32
	OldBalance    string
	NewBalance    string
}

func (AccountBalanceUpdateRow) TableName() string { return "account_balance_updates" }

// AccountCreateRow records an account creation diff.
type AccountCreateRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	BlockNumber   uint64 `gorm:"index"`
	UpdateOrderID uint32
	AccountID     uint32
	Address       []byte
}

func (AccountCreateRow) TableName() string { return "account_creates" }

// AccountPubKeyUpdateRow records a ChangePubKey diff.
type AccountPubKeyUpdateRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	BlockNumber   uint64 `gorm:"index"`
	UpdateOrderID uint32
	AccountID     uint32
	OldPubKeyHash []byte
	NewPubKeyHash []byte
}

func (AccountPubKeyUpdateRow) TableName() string { return "account_pubkey_updates" }

// MintNFTUpdateRow records a MintNFT diff.
type MintNFTUpdateRow struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	BlockNumber   uint64 `gorm:"index"`
	UpdateOrderID uint32
	TokenID       uint32
	CreatorID     uint32
	ContentHash   []byte
	Serial        uint64
}

func (MintNFTUpdateRow) TableName() string { return "mint_nft_updates" }

// MempoolTxRow is a row of the mempool_txs table.
type MempoolTxRow struct {
	TxHash                 []byte `gorm:"primaryKey"`
	BatchID                *uint64 `gorm:"index"`
	Tx                     []byte
	Signature              []byte
	CreatedAt              time.Time
	NextPriorityOpSerialID *uint64
	Reverted               bool
}

func (MempoolTxRow) TableName() string { return "mempool_txs" }

// MempoolBatchRow groups a batch_id with its atomic submission state.
type MempoolBatchRow struct {
	BatchID   uint64 `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (MempoolBatchRow) TableName() string { return "mempool_batches" }

// MempoolBatchSignatureRow stores the single Ethereum signature (if
// any) that covers a batch's concatenated tx digests.
type MempoolBatchSignatureRow struct {
	BatchID   uint64 `gorm:"primaryKey"`
	Signature []byte
}

func (MempoolBatchSignatureRow) TableName() string { return "mempool_batches_signatures" }

// MempoolPriorityOperationRow is the relay buffer from the L1 watcher.
type MempoolPriorityOperationRow struct {
	SerialID      uint64 `gorm:"primaryKey"`
	Data          []byte
	EthHash       []byte
	EthBlock      uint64
	EthBlockIndex int32
	DeadlineBlock uint64
}

func (MempoolPriorityOperationRow) TableName() string { return "mempool_priority_operations" }

// ExecutedTransactionRow is a row of executed_transactions.
type ExecutedTransactionRow struct {
	TxHash         []byte `gorm:"primaryKey"`
	BlockNumber    uint64 `gorm:"index"`
	BlockIndex     uint32
	Success        bool
	FailReason     string
	FromAccount    uint32
	ToAccount      *uint32
	Token          uint32
	Amount         string
	Fee            string
	Nonce          uint32
	Tx             []byte
	EthSignData    []byte
	SequenceNumber uint64 `gorm:"uniqueIndex"`
	BatchID        *uint64 `gorm:"index"`
}

func (ExecutedTransactionRow) TableName() string { return "executed_transactions" }

// ExecutedPriorityOperationRow is a row of executed_priority_operations.
type ExecutedPriorityOperationRow struct {
	SerialID       uint64 `gorm:"primaryKey"`
	TxHash         []byte
	EthHash        []byte
	EthBlock       uint64
	EthBlockIndex  int32
	BlockNumber    uint64 `gorm:"index"`
	BlockIndex     uint32
	Operation      []byte
	SequenceNumber uint64 `gorm:"uniqueIndex"`
}

func (ExecutedPriorityOperationRow) TableName() string { return "executed_priority_operations" }

// TxFilterRow indexes executed ops by (address, token) for range
// queries; maintained in application code (see DESIGN.md's resolution
// of the spec's trigger-vs-app-code Open Question), inside the same
// transaction that inserts the executed-op row.
type TxFilterRow struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement"`
	Address []byte `gorm:"index:idx_tx_filters_addr_token"`
	Token   uint32 `gorm:"index:idx_tx_filters_addr_token"`
	TxHash  []byte
}

func (TxFilterRow) TableName() string { return "tx_filters" }

// TxsCountRow is the denormalized per (address, token) executed-tx
// counter, incremented in the same transaction as TxFilterRow.
type TxsCountRow struct {
	Address []byte `gorm:"primaryKey"`
	Token   uint32 `gorm:"primaryKey"`
	Count   uint64
}

func (TxsCountRow) TableName() string { return "txs_count" }

// ProverJobRow is a row of prover_job_queue.
type ProverJobRow struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	Status         string `gorm:"index"`
	Priority       int32  `gorm:"index"`
	Kind           string
	AssignedWorker *string
	AssignedAt     *time.Time
	UpdatedAt      time.Time
	FirstBlock     uint64
	LastBlock      uint64
	Payload        []byte
	Attempts       int32
}

func (ProverJobRow) TableName() string { return "prover_job_queue" }

// AggregatedProofRow is a row of aggregated_proofs.
type AggregatedProofRow struct {
	FirstBlock uint64 `gorm:"primaryKey"`
	LastBlock  uint64 `gorm:"primaryKey"`
	Proof      []byte
}

func (AggregatedProofRow) TableName() string { return "aggregated_proofs" }

// AggregateOperationRow is a row of aggregate_operations.
type AggregateOperationRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	ActionType string
	Arguments  []byte
	FromBlock  uint64
	ToBlock    uint64
	Confirmed  bool
}

func (AggregateOperationRow) TableName() string { return "aggregate_operations" }

// EthOperationRow is a row of eth_operations.
type EthOperationRow struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"`
	OpType            string
	Nonce             uint64 `gorm:"index"`
	LastDeadlineBlock uint64
	LastUsedGasPrice  string
	FinalHash         []byte
	Confirmed         bool
}

func (EthOperationRow) TableName() string { return "eth_operations" }

// EthTxHashRow is one attempt's hash, 1-to-many against EthOperationRow.
type EthTxHashRow struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	EthOpID  uint64 `gorm:"index"`
	TxHash   []byte
	GasPrice string
	SentAt   time.Time
}

func (EthTxHashRow) TableName() string { return "eth_tx_hashes" }

// EthAggregatedOpsBindingRow links an aggregated operation to the
// eth_operations row driving it onchain.
type EthAggregatedOpsBindingRow struct {
	OpID    uint64 `gorm:"primaryKey"`
	EthOpID uint64 `gorm:"index"`
}

func (EthAggregatedOpsBindingRow) TableName() string { return "eth_aggregated_ops_binding" }

// EthUnprocessedAggregatedOpRow is the FIFO queue of aggregated
// operations awaiting an L1 transaction.
type EthUnprocessedAggregatedOpRow struct {
	OpID uint64 `gorm:"primaryKey"`
}

func (EthUnprocessedAggregatedOpRow) TableName() string { return "eth_unprocessed_aggregated_ops" }

// EthParametersRow is the singleton row tracking the sender's view of
// L1 finality and its local nonce.
type EthParametersRow struct {
	ID                 uint   `gorm:"primaryKey"`
	LastCommittedBlock uint64
	LastVerifiedBlock  uint64
	LastExecutedBlock  uint64
	Nonce              uint64
}

func (EthParametersRow) TableName() string { return "eth_parameters" }

// EthWatcherStateRow persists the L1 watcher's "last safe block".
type EthWatcherStateRow struct {
	ID            uint `gorm:"primaryKey"`
	LastSafeBlock uint64
	NextSerialID  uint64
}

func (EthWatcherStateRow) TableName() string { return "eth_watcher_state" }

// EventRow is a row of the durable event log.
type EventRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	BlockNumber uint64
	Kind        string
	Payload     []byte
	CreatedAt   time.Time
}

func (EventRow) TableName() string { return "events" }

// AllModels lists every model for AutoMigrate, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&BlockRow{}, &IncompleteBlockRow{}, &PendingBlockRow{},
		&AccountRow{}, &BalanceRow{}, &TokenRow{},
		&AccountBalanceUpdateRow{}, &AccountCreateRow{}, &AccountPubKeyUpdateRow{}, &MintNFTUpdateRow{},
		&MempoolTxRow{}, &MempoolBatchRow{}, &MempoolBatchSignatureRow{}, &MempoolPriorityOperationRow{},
		&ExecutedTransactionRow{}, &ExecutedPriorityOperationRow{},
		&TxFilterRow{}, &TxsCountRow{},
		&ProverJobRow{}, &AggregatedProofRow{},
		&AggregateOperationRow{},
		&EthOperationRow{}, &EthTxHashRow{}, &EthAggregatedOpsBindingRow{}, &EthUnprocessedAggregatedOpRow{}, &EthParametersRow{},
		&EthWatcherStateRow{},
		&EventRow{},
	}
}

// Migrate runs AutoMigrate for every model. Schema evolution beyond
// additive columns is out of scope for the sequencer's hard core.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
