package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriorityOpKind distinguishes the two L1-originated operation kinds.
type PriorityOpKind uint8

const (
	PriorityOpDeposit PriorityOpKind = iota
	PriorityOpFullExit
)

// Deposit credits an account (creating it if necessary) with funds
// locked on L1.
type Deposit struct {
	Sender    common.Address
	Recipient common.Address
	Token     TokenID
	Amount    *Amount
}

// FullExit zeroes an account's balance for a token and emits an
// onchain-withdraw record; requested directly against the rollup
// contract by the account owner, bypassing the sequencer's admission
// checks entirely.
type FullExit struct {
	AccountID  AccountID
	Token      TokenID
	EthAddress common.Address
}

// PriorityOp is an L1-originated operation the sequencer must apply in
// strict serial_id order. Exactly one of Deposit/FullExit is set,
// selected by Kind.
type PriorityOp struct {
	SerialID      uint64
	Kind          PriorityOpKind
	Deposit       *Deposit
	FullExit      *FullExit
	EthHash       common.Hash
	EthBlock      uint64
	EthBlockIndex uint32
	DeadlineBlock uint64
}

// depositPubDataLen/fullExitPubDataLen are this rollup's wire layout
// for the NewPriorityRequest event's opaque pubData field (the rollup
// contract's own encoding is an explicit non-goal, spec.md §1, so this
// package defines a fixed layout rather than depending on one):
// Deposit is recipient(20) || token(4, big-endian) || amount(32,
// big-endian); FullExit is accountID(4, big-endian) || ethAddress(20)
// || token(4, big-endian).
const (
	depositPubDataLen = 20 + 4 + 32
	fullExitPubDataLen = 4 + 20 + 4
)

// DecodeDepositPubData parses a NewPriorityRequest log's pubData for a
// Deposit op. The L1 sender (who funded the deposit) is not itself
// part of the wire payload; callers that need it read it from the
// event's transaction sender instead.
func DecodeDepositPubData(data []byte) (*Deposit, error) {
	if len(data) != depositPubDataLen {
		return nil, fmt.Errorf("chain: deposit pubdata length = %d, want %d", len(data), depositPubDataLen)
	}
	recipient := common.BytesToAddress(data[0:20])
	token := TokenID(binary.BigEndian.Uint32(data[20:24]))
	amount := new(uint256.Int).SetBytes(data[24:56])
	return &Deposit{Recipient: recipient, Token: token, Amount: amount}, nil
}

// EncodeDepositPubData is DecodeDepositPubData's inverse, used by tests
// and by anything crafting a synthetic priority request.
func EncodeDepositPubData(d *Deposit) []byte {
	buf := make([]byte, depositPubDataLen)
	copy(buf[0:20], d.Recipient.Bytes())
	binary.BigEndian.PutUint32(buf[20:24], uint32(d.Token))
	amt := d.Amount.Bytes32()
	copy(buf[24:56], amt[:])
	return buf
}

// DecodeFullExitPubData parses a NewPriorityRequest log's pubData for a
// FullExit op.
func DecodeFullExitPubData(data []byte) (*FullExit, error) {
	if len(data) != fullExitPubDataLen {
		return nil, fmt.Errorf("chain: full exit pubdata length = %d, want %d", len(data), fullExitPubDataLen)
	}
	accountID := AccountID(binary.BigEndian.Uint32(data[0:4]))
	ethAddr := common.BytesToAddress(data[4:24])
	token := TokenID(binary.BigEndian.Uint32(data[24:28]))
	return &FullExit{AccountID: accountID, EthAddress: ethAddr, Token: token}, nil
}

// EncodeFullExitPubData is DecodeFullExitPubData's inverse.
func EncodeFullExitPubData(f *FullExit) []byte {
	buf := make([]byte, fullExitPubDataLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.AccountID))
	copy(buf[4:24], f.EthAddress.Bytes())
	binary.BigEndian.PutUint32(buf[24:28], uint32(f.Token))
	return buf
}
