package contracts

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func newTestRollup(t *testing.T) *Rollup {
	t.Helper()
	r, err := NewRollup(common.Address{}, nil)
	if err != nil {
		t.Fatalf("NewRollup: %v", err)
	}
	return r
}

func sampleStoredBlockInfoArg(n uint32) StoredBlockInfoArg {
	return StoredBlockInfoArg{
		BlockNumber: n,
		Timestamp:   1700000000,
		StateHash:   bytes.Repeat([]byte{byte(n)}, 32),
		Commitment:  bytes.Repeat([]byte{byte(n), 0xc0}, 16),
	}
}

func sampleOnchainBlockArg(n uint32) OnchainBlockArg {
	return OnchainBlockArg{
		BlockNumber:       n,
		FeeAccountID:      7,
		NewStateHash:      bytes.Repeat([]byte{byte(n)}, 32),
		PublicData:        []byte{0x01, 0x02, 0x03},
		Timestamp:         1700000000,
		OnchainOperations: [][]byte{{0xaa}, {0xbb, 0xcc}},
	}
}

func TestCommitBlocksArgsRoundTripThroughPack(t *testing.T) {
	r := newTestRollup(t)
	args := CommitBlocksArgs{
		StoredLastBlock: sampleStoredBlockInfoArg(0),
		NewBlocks:       []OnchainBlockArg{sampleOnchainBlockArg(1), sampleOnchainBlockArg(2)},
	}
	raw, err := EncodeCommitBlocksArgs(args)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeCommitBlocksArgs(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.StoredLastBlock.Commitment, args.StoredLastBlock.Commitment) {
		t.Errorf("StoredLastBlock.Commitment = %v, want %v", decoded.StoredLastBlock.Commitment, args.StoredLastBlock.Commitment)
	}
	if len(decoded.NewBlocks) != 2 {
		t.Fatalf("NewBlocks len = %d, want 2", len(decoded.NewBlocks))
	}

	calldata, err := r.PackCommitBlocksArgs(raw)
	if err != nil {
		t.Fatalf("PackCommitBlocksArgs: %v", err)
	}

	storedLastBlock, err := toStoredBlockInfo(args.StoredLastBlock)
	if err != nil {
		t.Fatalf("toStoredBlockInfo: %v", err)
	}
	newBlocks := make([]OnchainBlock, len(args.NewBlocks))
	for i, b := range args.NewBlocks {
		ob, err := toOnchainBlock(b)
		if err != nil {
			t.Fatalf("toOnchainBlock: %v", err)
		}
		newBlocks[i] = ob
	}
	direct, err := r.PackCommitBlocks(storedLastBlock, newBlocks)
	if err != nil {
		t.Fatalf("PackCommitBlocks: %v", err)
	}
	if !bytes.Equal(calldata, direct) {
		t.Error("PackCommitBlocksArgs produced different calldata than packing the same values directly")
	}
}

func TestProveBlocksArgsRoundTripThroughPack(t *testing.T) {
	r := newTestRollup(t)
	args := ProveBlocksArgs{
		Committed: []StoredBlockInfoArg{sampleStoredBlockInfoArg(1), sampleStoredBlockInfoArg(2)},
		Proof:     []byte("a-proof-blob"),
	}
	raw, err := EncodeProveBlocksArgs(args)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	calldata, err := r.PackProveBlocksArgs(raw)
	if err != nil {
		t.Fatalf("PackProveBlocksArgs: %v", err)
	}

	committed := make([]StoredBlockInfo, len(args.Committed))
	for i, c := range args.Committed {
		sb, err := toStoredBlockInfo(c)
		if err != nil {
			t.Fatalf("toStoredBlockInfo: %v", err)
		}
		committed[i] = sb
	}
	direct, err := r.PackProveBlocks(committed, args.Proof)
	if err != nil {
		t.Fatalf("PackProveBlocks: %v", err)
	}
	if !bytes.Equal(calldata, direct) {
		t.Error("PackProveBlocksArgs produced different calldata than packing the same values directly")
	}
}

func TestExecuteBlocksArgsRoundTripThroughPack(t *testing.T) {
	r := newTestRollup(t)
	args := ExecuteBlocksArgs{Stored: []StoredBlockInfoArg{sampleStoredBlockInfoArg(1)}}
	raw, err := EncodeExecuteBlocksArgs(args)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	calldata, err := r.PackExecuteBlocksArgs(raw)
	if err != nil {
		t.Fatalf("PackExecuteBlocksArgs: %v", err)
	}

	stored := make([]StoredBlockInfo, len(args.Stored))
	for i, s := range args.Stored {
		sb, err := toStoredBlockInfo(s)
		if err != nil {
			t.Fatalf("toStoredBlockInfo: %v", err)
		}
		stored[i] = sb
	}
	direct, err := r.PackExecuteBlocks(stored)
	if err != nil {
		t.Fatalf("PackExecuteBlocks: %v", err)
	}
	if !bytes.Equal(calldata, direct) {
		t.Error("PackExecuteBlocksArgs produced different calldata than packing the same values directly")
	}
}

func TestDecodeCommitBlocksArgsRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeCommitBlocksArgs([]byte("not json")); err == nil {
		t.Fatal("expected a decode error for malformed JSON")
	}
}

func TestToStoredBlockInfoRejectsShortHash(t *testing.T) {
	bad := sampleStoredBlockInfoArg(1)
	bad.StateHash = bad.StateHash[:10]
	if _, err := toStoredBlockInfo(bad); err == nil {
		t.Fatal("expected an error for a short stateHash")
	}
}
