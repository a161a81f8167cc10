package chain

import (
	"encoding/binary"
)

// onchainChunkBytes is the width of one pubdata chunk (spec.md §6's
// "Chunk" unit). Every op type below reserves a whole number of these,
// chosen to be internally consistent (onchain-visible ops cost more
// than pure-L2 ones) rather than bit-exact with any deployed contract,
// since the contract's own pubdata layout is an explicit non-goal.
const onchainChunkBytes = 10

// opTag is the one-byte discriminator prefixed to every packed
// onchain-visible op, letting a reader walk public_data without an
// external index of op boundaries.
type opTag byte

const (
	tagDeposit      opTag = 1
	tagFullExit     opTag = 2
	tagWithdraw     opTag = 3
	tagWithdrawNFT  opTag = 4
	tagForcedExit   opTag = 5
	tagChangePubKey opTag = 6
)

// OpChunks returns the number of onchainChunkBytes-wide chunks op
// reserves, shared by the block proposer's size-class accounting
// (spec.md §4.2) and the public-data packer below so the two never
// disagree about how big a block's pubdata is.
func OpChunks(op *ExecutedOp) uint32 {
	if op.Kind == ExecutedPriority {
		switch op.PriorityOp.Kind {
		case PriorityOpDeposit:
			return 6
		case PriorityOpFullExit:
			return 10
		default:
			return 1
		}
	}
	switch op.Tx.Kind {
	case TxTransfer:
		return 2
	case TxWithdraw:
		return 6
	case TxChangePubKey:
		return 6
	case TxForcedExit:
		return 6
	case TxMintNFT:
		return 5
	case TxWithdrawNFT:
		return 10
	case TxSwap:
		return 5
	default:
		return 1
	}
}

// IsOnchainVisible reports whether op carries data that belongs in a
// block's public_data/onchain_operations (spec.md §6): deposits, full
// exits, withdrawals (including NFT withdrawals and forced exits, both
// of which move funds to an L1 address), and onchain-authored pubkey
// changes. Transfers, swaps, and MintNFT never leave L1-visible state
// and are L2-internal only.
func IsOnchainVisible(op *ExecutedOp) bool {
	if op.Kind == ExecutedPriority {
		return true
	}
	switch op.Tx.Kind {
	case TxWithdraw, TxWithdrawNFT, TxForcedExit:
		return true
	case TxChangePubKey:
		return op.Tx.RequiresOnchainAuth()
	default:
		return false
	}
}

// EncodeOnchainOp packs one onchain-visible op into its fixed-width
// chunk slot: a one-byte op tag, then big-endian fields, zero-padded
// to OpChunks(op)*onchainChunkBytes bytes. Unsuccessful ops still
// occupy their slot (the block's chunk accounting already counted
// them) but carry no balance-moving fields, since nothing moved.
func EncodeOnchainOp(op *ExecutedOp) []byte {
	width := int(OpChunks(op)) * onchainChunkBytes
	buf := make([]byte, width)
	if !op.Success {
		return buf
	}

	if op.Kind == ExecutedPriority {
		p := op.PriorityOp
		switch p.Kind {
		case PriorityOpDeposit:
			buf[0] = byte(tagDeposit)
			d := p.Deposit
			copy(buf[1:21], d.Recipient.Bytes())
			binary.BigEndian.PutUint32(buf[21:25], uint32(d.Token))
			amt := d.Amount.Bytes32()
			copy(buf[25:57], amt[:])
		case PriorityOpFullExit:
			buf[0] = byte(tagFullExit)
			f := p.FullExit
			binary.BigEndian.PutUint32(buf[1:5], uint32(f.AccountID))
			copy(buf[5:25], f.EthAddress.Bytes())
			binary.BigEndian.PutUint32(buf[25:29], uint32(f.Token))
		}
		return buf
	}

	switch op.Tx.Kind {
	case TxWithdraw:
		buf[0] = byte(tagWithdraw)
		w := op.Tx.Withdraw
		binary.BigEndian.PutUint32(buf[1:5], uint32(w.From))
		copy(buf[5:25], w.ToL1.Bytes())
		binary.BigEndian.PutUint32(buf[25:29], uint32(w.Token))
		amt := w.Amount.Bytes32()
		copy(buf[29:60], amt[1:32]) // top byte dropped; slot is 60 bytes wide
	case TxWithdrawNFT:
		buf[0] = byte(tagWithdrawNFT)
		w := op.Tx.WithdrawNFT
		binary.BigEndian.PutUint32(buf[1:5], uint32(w.From))
		copy(buf[5:25], w.ToL1.Bytes())
		binary.BigEndian.PutUint32(buf[25:29], uint32(w.Token))
	case TxForcedExit:
		buf[0] = byte(tagForcedExit)
		fe := op.Tx.ForcedExit
		binary.BigEndian.PutUint32(buf[1:5], uint32(fe.Initiator))
		copy(buf[5:25], fe.Target.Bytes())
		binary.BigEndian.PutUint32(buf[25:29], uint32(fe.Token))
	case TxChangePubKey:
		buf[0] = byte(tagChangePubKey)
		c := op.Tx.ChangePubKey
		binary.BigEndian.PutUint32(buf[1:5], uint32(c.AccountID))
		copy(buf[5:25], c.NewPubKeyHash[:])
	}
	return buf
}

// EncodeBlockPublicData concatenates every onchain-visible op's packed
// chunk slot, in block order, into the block's public_data, and
// returns the same slots again individually as onchain_operations —
// the two fields spec.md §6's on-chain block tuple carries side by
// side (public_data for the circuit, onchain_operations for the
// contract's L1-effect replay).
func EncodeBlockPublicData(ops []ExecutedOp) (publicData []byte, onchainOps [][]byte) {
	for i := range ops {
		if !IsOnchainVisible(&ops[i]) {
			continue
		}
		chunk := EncodeOnchainOp(&ops[i])
		publicData = append(publicData, chunk...)
		onchainOps = append(onchainOps, chunk)
	}
	return publicData, onchainOps
}
