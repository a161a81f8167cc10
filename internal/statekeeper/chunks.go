package statekeeper

import "github.com/zkseq/sequencer/internal/chain"

// chunkCost delegates to chain.OpChunks, the canonical per-op-kind
// chunk width also used to pack a sealed block's public_data — sizing
// and encoding must never disagree about how many chunks an op costs.
func chunkCost(op *chain.ExecutedOp) uint32 {
	return chain.OpChunks(op)
}

// selectSizeClass returns the smallest configured size class that fits
// usedChunks, or the largest configured size class if none do — the
// block still seals, using the largest as a best-effort ceiling.
func selectSizeClass(supported []uint32, usedChunks uint32) uint32 {
	fit := uint32(0)
	largest := supported[0]
	for _, s := range supported {
		if s > largest {
			largest = s
		}
		if s >= usedChunks && (fit == 0 || s < fit) {
			fit = s
		}
	}
	if fit == 0 {
		return largest
	}
	return fit
}
