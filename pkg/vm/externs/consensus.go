package externs

import (
	"bytes"
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
)

// DecodedHeader is the subset of a block header this core needs to
// adjudicate a consensus fault claim. A real deployment decodes its
// chain's actual header type into this shape.
type DecodedHeader struct {
	CID        []byte
	Miner      abi.ActorID
	Height     abi.ChainEpoch
	Parents    [][]byte
	Signature  []byte
	SignedData []byte
}

// HeaderDecoder turns raw bytes into a DecodedHeader.
type HeaderDecoder func(raw []byte) (*DecodedHeader, error)

// WorkerKeyResolver resolves the address that signed on a miner's
// behalf at a given lookback height, and verifies a signature against
// it. A real deployment implements this against the actual state tree
// and miner-actor state at that height (see workerKeyAtLookback in
// venus's pkg/vm/fvm.go for the shape this generalizes).
type WorkerKeyResolver interface {
	WorkerKeyAtLookback(ctx context.Context, miner abi.ActorID, height abi.ChainEpoch) (address.Address, error)
	VerifySignature(signer address.Address, data, sig []byte) error
}

// consensus implements Consensus by decoding raw headers and running
// the same fault checks venus's FvmExtern.VerifyConsensusFault
// performs, generalized away from the cgo ffi_cgo.ConsensusFault
// return shape.
type consensus struct {
	decode  HeaderDecoder
	workers WorkerKeyResolver
}

// NewConsensus builds a Consensus collaborator from a header decoder
// and a worker-key resolver.
func NewConsensus(decode HeaderDecoder, workers WorkerKeyResolver) Consensus {
	return &consensus{decode: decode, workers: workers}
}

func cidArrsEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func cidArrsContains(set [][]byte, target []byte) bool {
	for _, c := range set {
		if bytes.Equal(c, target) {
			return true
		}
	}
	return false
}

func (c *consensus) VerifyConsensusFault(ctx context.Context, a, b, extra []byte) (*ConsensusFault, error) {
	blockA, err := c.decode(a)
	if err != nil {
		return logAndNoFault("cannot decode first block header: %v", err)
	}
	blockB, err := c.decode(b)
	if err != nil {
		return logAndNoFault("cannot decode second block header: %v", err)
	}
	if bytes.Equal(blockA.CID, blockB.CID) {
		return logAndNoFault("submitted blocks are the same")
	}
	if blockA.Miner != blockB.Miner {
		return logAndNoFault("blocks not mined by the same miner")
	}
	if blockB.Height < blockA.Height {
		return logAndNoFault("first block must not be of higher height than second")
	}

	faultType := ConsensusFaultNone

	// (a) double-fork mining: same miner, same height, different blocks.
	if blockA.Height == blockB.Height {
		faultType = ConsensusFaultDoubleForkMining
	}

	// (b) time-offset mining: same parents, different heights.
	if cidArrsEqual(blockA.Parents, blockB.Parents) && blockA.Height != blockB.Height {
		faultType = ConsensusFaultTimeOffsetMining
	}

	// (c) parent grinding: a third block (extra) shows A was omitted
	// from B's tipset despite being B's sibling.
	if len(extra) > 0 {
		blockC, err := c.decode(extra)
		if err != nil {
			return logAndNoFault("cannot decode extra: %v", err)
		}
		if cidArrsEqual(blockA.Parents, blockC.Parents) && blockA.Height == blockC.Height &&
			cidArrsContains(blockB.Parents, blockC.CID) && !cidArrsContains(blockB.Parents, blockA.CID) {
			faultType = ConsensusFaultParentGrinding
		}
	}

	if faultType == ConsensusFaultNone {
		return logAndNoFault("no fault detected")
	}

	// Expensive final checks: both blocks must carry a valid signature
	// from their miner's worker key at their respective heights. extra
	// need not be checked: it's B's parent, so it was already signed
	// and willingly included.
	if err := c.verifyBlockSignature(ctx, blockA); err != nil {
		return logAndNoFault("cannot verify first block sig: %v", err)
	}
	if err := c.verifyBlockSignature(ctx, blockB); err != nil {
		return logAndNoFault("cannot verify second block sig: %v", err)
	}

	return &ConsensusFault{Target: blockA.Miner, Epoch: blockB.Height, Type: faultType}, nil
}

func (c *consensus) verifyBlockSignature(ctx context.Context, h *DecodedHeader) error {
	waddr, err := c.workers.WorkerKeyAtLookback(ctx, h.Miner, h.Height)
	if err != nil {
		return err
	}
	return c.workers.VerifySignature(waddr, h.SignedData, h.Signature)
}

func (c *consensus) VerifyBlockSignature(ctx context.Context, raw []byte) error {
	h, err := c.decode(raw)
	if err != nil {
		return err
	}
	return c.verifyBlockSignature(ctx, h)
}
