// Package contracts binds the rollup contract's three entry points
// (commitBlocks/proveBlocks/executeBlocks) and its priority-op/token
// events. The contract's Solidity is an explicit non-goal (external
// collaborator, spec.md §1); this package only needs an ABI fragment
// covering the surface spec.md §6 describes, bound by hand the same
// way the Optimism batch-submitter driver binds its StateRootOracle
// contract (`other_examples/2a885176_..._l2output-driver.go.go`):
// abi.JSON + bind.NewBoundContract, no abigen step.
package contracts

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// RollupABI is the fragment of the rollup contract's ABI this
// sequencer drives: the three aggregated-operation entry points plus
// the priority-operation and token-added events the L1 Watcher scans.
// commitBlocks/proveBlocks/executeBlocks take proper ABI tuples rather
// than opaque bytes so the on-chain call actually carries spec.md §6's
// bit-exact per-block fields instead of a bare hash.
const RollupABI = `[
	{"type":"function","name":"commitBlocks","stateMutability":"nonpayable","inputs":[
		{"name":"storedLastBlock","type":"tuple","components":[
			{"name":"blockNumber","type":"uint32"},
			{"name":"timestamp","type":"uint256"},
			{"name":"stateHash","type":"bytes32"},
			{"name":"commitment","type":"bytes32"}
		]},
		{"name":"newBlocks","type":"tuple[]","components":[
			{"name":"blockNumber","type":"uint32"},
			{"name":"feeAccountID","type":"uint32"},
			{"name":"newStateHash","type":"bytes32"},
			{"name":"publicData","type":"bytes"},
			{"name":"timestamp","type":"uint256"},
			{"name":"onchainOperations","type":"bytes[]"}
		]}
	],"outputs":[]},
	{"type":"function","name":"proveBlocks","stateMutability":"nonpayable","inputs":[
		{"name":"committed","type":"tuple[]","components":[
			{"name":"blockNumber","type":"uint32"},
			{"name":"timestamp","type":"uint256"},
			{"name":"stateHash","type":"bytes32"},
			{"name":"commitment","type":"bytes32"}
		]},
		{"name":"proof","type":"bytes"}
	],"outputs":[]},
	{"type":"function","name":"executeBlocks","stateMutability":"nonpayable","inputs":[
		{"name":"stored","type":"tuple[]","components":[
			{"name":"blockNumber","type":"uint32"},
			{"name":"timestamp","type":"uint256"},
			{"name":"stateHash","type":"bytes32"},
			{"name":"commitment","type":"bytes32"}
		]}
	],"outputs":[]},
	{"type":"event","name":"NewPriorityRequest","anonymous":false,"inputs":[
		{"name":"serialId","type":"uint64","indexed":false},
		{"name":"opType","type":"uint8","indexed":false},
		{"name":"pubData","type":"bytes","indexed":false},
		{"name":"expirationBlock","type":"uint256","indexed":false}
	]},
	{"type":"event","name":"NewToken","anonymous":false,"inputs":[
		{"name":"token","type":"address","indexed":true},
		{"name":"tokenId","type":"uint16","indexed":false}
	]}
]`

// StoredBlockInfo is the lightweight reference tuple proveBlocks and
// executeBlocks take for a block that was already committed: just
// enough to let the contract recompute and check the commitment
// without re-receiving the full block (spec.md §6).
type StoredBlockInfo struct {
	BlockNumber uint32
	Timestamp   *big.Int
	StateHash   [32]byte
	Commitment  [32]byte
}

// OnchainBlock is commitBlocks' bit-exact per-block tuple, spec.md
// §6: "(block_number, fee_account_id, new_state_hash, public_data,
// timestamp, onchain_operations[])".
type OnchainBlock struct {
	BlockNumber       uint32
	FeeAccountID      uint32
	NewStateHash      [32]byte
	PublicData        []byte
	Timestamp         *big.Int
	OnchainOperations [][]byte
}

// Rollup is a thin hand-written binding, analogous to an abigen output
// but limited to what this sequencer actually calls.
type Rollup struct {
	Address  common.Address
	contract *bind.BoundContract
	abi      abi.ABI
}

// NewRollup parses RollupABI and binds it at addr over backend (an
// ethclient.Client satisfies bind.ContractBackend).
func NewRollup(addr common.Address, backend bind.ContractBackend) (*Rollup, error) {
	parsed, err := abi.JSON(strings.NewReader(RollupABI))
	if err != nil {
		return nil, err
	}
	return &Rollup{
		Address:  addr,
		contract: bind.NewBoundContract(addr, parsed, backend, backend, backend),
		abi:      parsed,
	}, nil
}

// PackCommitBlocks ABI-encodes a commitBlocks call.
func (r *Rollup) PackCommitBlocks(storedLastBlock StoredBlockInfo, newBlocks []OnchainBlock) ([]byte, error) {
	return r.abi.Pack("commitBlocks", storedLastBlock, newBlocks)
}

// PackProveBlocks ABI-encodes a proveBlocks call.
func (r *Rollup) PackProveBlocks(committed []StoredBlockInfo, proof []byte) ([]byte, error) {
	return r.abi.Pack("proveBlocks", committed, proof)
}

// PackExecuteBlocks ABI-encodes an executeBlocks call.
func (r *Rollup) PackExecuteBlocks(stored []StoredBlockInfo) ([]byte, error) {
	return r.abi.Pack("executeBlocks", stored)
}

// StoredBlockInfoArg/OnchainBlockArg are StoredBlockInfo/OnchainBlock
// made JSON-codable ([32]byte/*big.Int don't round-trip cleanly
// through JSON; []byte and int64 do) for storage in
// aggregate_operations.arguments.
type StoredBlockInfoArg struct {
	BlockNumber uint32 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
	StateHash   []byte `json:"stateHash"`
	Commitment  []byte `json:"commitment"`
}

type OnchainBlockArg struct {
	BlockNumber       uint32   `json:"blockNumber"`
	FeeAccountID      uint32   `json:"feeAccountId"`
	NewStateHash      []byte   `json:"newStateHash"`
	PublicData        []byte   `json:"publicData"`
	Timestamp         int64    `json:"timestamp"`
	OnchainOperations [][]byte `json:"onchainOperations"`
}

// CommitBlocksArgs/ProveBlocksArgs/ExecuteBlocksArgs are the JSON-coded
// argument shapes the Commit Aggregator (C8) writes into
// aggregate_operations.arguments and the Ethereum Sender (C9) decodes
// back out before packing the call.
type CommitBlocksArgs struct {
	StoredLastBlock StoredBlockInfoArg `json:"storedLastBlock"`
	NewBlocks       []OnchainBlockArg  `json:"newBlocks"`
}

type ProveBlocksArgs struct {
	Committed []StoredBlockInfoArg `json:"committed"`
	Proof     []byte               `json:"proof"`
}

type ExecuteBlocksArgs struct {
	Stored []StoredBlockInfoArg `json:"stored"`
}

func EncodeCommitBlocksArgs(a CommitBlocksArgs) ([]byte, error)   { return json.Marshal(a) }
func EncodeProveBlocksArgs(a ProveBlocksArgs) ([]byte, error)     { return json.Marshal(a) }
func EncodeExecuteBlocksArgs(a ExecuteBlocksArgs) ([]byte, error) { return json.Marshal(a) }

func DecodeCommitBlocksArgs(raw []byte) (CommitBlocksArgs, error) {
	var a CommitBlocksArgs
	err := json.Unmarshal(raw, &a)
	return a, err
}

func DecodeProveBlocksArgs(raw []byte) (ProveBlocksArgs, error) {
	var a ProveBlocksArgs
	err := json.Unmarshal(raw, &a)
	return a, err
}

func DecodeExecuteBlocksArgs(raw []byte) (ExecuteBlocksArgs, error) {
	var a ExecuteBlocksArgs
	err := json.Unmarshal(raw, &a)
	return a, err
}

func bytes32(b []byte, field string) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("contracts: %s: expected 32 bytes, got %d", field, len(b))
	}
	copy(out[:], b)
	return out, nil
}

func toStoredBlockInfo(a StoredBlockInfoArg) (StoredBlockInfo, error) {
	stateHash, err := bytes32(a.StateHash, "stateHash")
	if err != nil {
		return StoredBlockInfo{}, err
	}
	commitment, err := bytes32(a.Commitment, "commitment")
	if err != nil {
		return StoredBlockInfo{}, err
	}
	return StoredBlockInfo{
		BlockNumber: a.BlockNumber,
		Timestamp:   big.NewInt(a.Timestamp),
		StateHash:   stateHash,
		Commitment:  commitment,
	}, nil
}

func toOnchainBlock(a OnchainBlockArg) (OnchainBlock, error) {
	newStateHash, err := bytes32(a.NewStateHash, "newStateHash")
	if err != nil {
		return OnchainBlock{}, err
	}
	return OnchainBlock{
		BlockNumber:       a.BlockNumber,
		FeeAccountID:      a.FeeAccountID,
		NewStateHash:      newStateHash,
		PublicData:        a.PublicData,
		Timestamp:         big.NewInt(a.Timestamp),
		OnchainOperations: a.OnchainOperations,
	}, nil
}

// PackCommitBlocksArgs/PackProveBlocksArgs/PackExecuteBlocksArgs decode
// the stored JSON arguments, convert them to their ABI tuple types, and
// ABI-pack the call in one step, the path the Ethereum Sender drives
// every dispatch and resend through.
func (r *Rollup) PackCommitBlocksArgs(raw []byte) ([]byte, error) {
	a, err := DecodeCommitBlocksArgs(raw)
	if err != nil {
		return nil, err
	}
	storedLastBlock, err := toStoredBlockInfo(a.StoredLastBlock)
	if err != nil {
		return nil, err
	}
	newBlocks := make([]OnchainBlock, len(a.NewBlocks))
	for i, b := range a.NewBlocks {
		ob, err := toOnchainBlock(b)
		if err != nil {
			return nil, err
		}
		newBlocks[i] = ob
	}
	return r.PackCommitBlocks(storedLastBlock, newBlocks)
}

func (r *Rollup) PackProveBlocksArgs(raw []byte) ([]byte, error) {
	a, err := DecodeProveBlocksArgs(raw)
	if err != nil {
		return nil, err
	}
	committed := make([]StoredBlockInfo, len(a.Committed))
	for i, c := range a.Committed {
		sb, err := toStoredBlockInfo(c)
		if err != nil {
			return nil, err
		}
		committed[i] = sb
	}
	return r.PackProveBlocks(committed, a.Proof)
}

func (r *Rollup) PackExecuteBlocksArgs(raw []byte) ([]byte, error) {
	a, err := DecodeExecuteBlocksArgs(raw)
	if err != nil {
		return nil, err
	}
	stored := make([]StoredBlockInfo, len(a.Stored))
	for i, s := range a.Stored {
		sb, err := toStoredBlockInfo(s)
		if err != nil {
			return nil, err
		}
		stored[i] = sb
	}
	return r.PackExecuteBlocks(stored)
}

// Transactor exposes the bound contract for callers that want to use
// bind.TransactOpts directly (the Ethereum Sender builds its own
// signed txs instead, so it can control nonce/gas escalation itself;
// this is kept for callers — e.g. tests, or an operator CLI — that want
// the standard bind-managed path).
func (r *Rollup) Transactor() *bind.BoundContract { return r.contract }
