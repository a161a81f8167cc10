package chain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlockStatus is the sealed-block lifecycle state from spec §4.3.
type BlockStatus uint8

const (
	BlockPending BlockStatus = iota
	BlockIncomplete
	BlockSealed
	BlockCommitted
	BlockProven
	BlockExecuted
)

func (s BlockStatus) String() string {
	switch s {
	case BlockPending:
		return "Pending"
	case BlockIncomplete:
		return "Incomplete"
	case BlockSealed:
		return "Sealed"
	case BlockCommitted:
		return "Committed"
	case BlockProven:
		return "Proven"
	case BlockExecuted:
		return "Executed"
	default:
		return "Unknown"
	}
}

// SizeClass is one of the configured chunk-count block sizes.
type SizeClass uint32

// Block is a sealed unit of the rollup chain.
type Block struct {
	Number                   uint64
	RootHash                 common.Hash
	PrevRootHash             common.Hash
	FeeAccountID             AccountID
	Timestamp                time.Time
	SizeClass                SizeClass
	CommitGasLimit           uint64
	VerifyGasLimit           uint64
	Commitment               common.Hash
	UnprocessedPriorityOpBefore uint64
	UnprocessedPriorityOpAfter  uint64
	FastWithdraw             bool

	Ops []ExecutedOp
}

// ExecutedOpKind distinguishes L1 (priority-op) and L2 executed ops for
// the purposes of the global sequence_number ordering.
type ExecutedOpKind uint8

const (
	ExecutedL2 ExecutedOpKind = iota
	ExecutedPriority
)

// ExecutedOp records the outcome of applying a single op (L2 tx or
// priority op) to the account tree within a block.
type ExecutedOp struct {
	Kind           ExecutedOpKind
	Hash           common.Hash // mempool tx hash; zero for priority ops
	Tx             *Tx         // set when Kind == ExecutedL2
	PriorityOp     *PriorityOp // set when Kind == ExecutedPriority
	BatchID        *uint64     // nil unless part of an L2 batch
	Success        bool
	FailReason     string
	BlockNumber    uint64
	BlockIndex     uint32
	SequenceNumber uint64

	// ComputedAmount carries a persisted amount that isn't a direct field
	// on Tx/PriorityOp itself — currently only ForcedExit's actual
	// withdrawal (the target's pre-debit balance minus fee), which the
	// tx struct never states since ForcedExit withdraws "everything".
	ComputedAmount *Amount
}

// AggregatedOpKind is the three on-chain entry points an aggregated
// operation eventually drives.
type AggregatedOpKind uint8

const (
	AggCommitBlocks AggregatedOpKind = iota
	AggPublishProof
	AggExecuteBlocks
)

func (k AggregatedOpKind) String() string {
	switch k {
	case AggCommitBlocks:
		return "CommitBlocks"
	case AggPublishProof:
		return "PublishProof"
	case AggExecuteBlocks:
		return "ExecuteBlocks"
	default:
		return "Unknown"
	}
}

// AggregatedOperation bundles a contiguous block range into one
// on-chain transaction category.
type AggregatedOperation struct {
	ID        uint64
	Kind      AggregatedOpKind
	FromBlock uint64
	ToBlock   uint64
	Arguments []byte // ABI-encoded arguments, opaque to this package
	Confirmed bool
}
