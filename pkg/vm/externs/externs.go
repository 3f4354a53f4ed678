// Package externs defines the collaborators a Machine reaches outside
// its own call stack: chain randomness and consensus-fault detection.
// This mirrors the role of venus's FvmExtern/Rand types at the cgo
// boundary (pkg/vm/fvm.go), reimplemented natively instead of wrapping
// filecoin-ffi.
package externs

import (
	"context"

	logging "github.com/ipfs/go-log/v2"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/crypto"
)

var log = logging.Logger("externs")

// Rand supplies randomness derived from the chain and from the
// randomness beacon, keyed by domain-separation tag and round.
type Rand interface {
	GetChainRandomness(ctx context.Context, tag crypto.DomainSeparationTag, round abi.ChainEpoch, entropy []byte) ([32]byte, error)
	GetBeaconRandomness(ctx context.Context, tag crypto.DomainSeparationTag, round abi.ChainEpoch, entropy []byte) ([32]byte, error)
}

// ConsensusFaultType classifies the kind of fault VerifyConsensusFault
// detected, mirroring ffi_cgo.ConsensusFaultType's enumeration.
type ConsensusFaultType int64

const (
	ConsensusFaultNone ConsensusFaultType = iota
	ConsensusFaultDoubleForkMining
	ConsensusFaultParentGrinding
	ConsensusFaultTimeOffsetMining
)

// ConsensusFault is the result of successfully verifying a consensus
// fault between two block headers.
type ConsensusFault struct {
	Target abi.ActorID
	Epoch  abi.ChainEpoch
	Type   ConsensusFaultType
}

// Consensus decodes and cross-checks two raw block headers for a
// consensus fault (double-fork mining, parent grinding, or time-offset
// mining). Failures to decode or an absence of fault are both reported
// as "no fault" rather than an error — any validly signed block is
// accepted pursuant to the caller's own checks, matching the upstream
// FVM's never-errors contract for this extern.
type Consensus interface {
	VerifyConsensusFault(ctx context.Context, blockA, blockB, blockExtra []byte) (*ConsensusFault, error)
	VerifyBlockSignature(ctx context.Context, header []byte) error
}

// Externs is the full collaborator set a Machine needs beyond its own
// state tree and blockstore.
type Externs interface {
	Rand
	Consensus
}

// noFaultResult is returned whenever a consensus fault claim fails a
// cheap precondition: same CID, different miners, or a decode error.
func noFaultResult() (*ConsensusFault, error) {
	return &ConsensusFault{Type: ConsensusFaultNone}, nil
}

// logAndNoFault records why a consensus fault claim was rejected and
// returns the uniform "no fault" result, mirroring FvmExtern's
// VerifyConsensusFault contract of never propagating an error for a
// malformed claim.
func logAndNoFault(format string, args ...interface{}) (*ConsensusFault, error) {
	log.Infof("invalid consensus fault: "+format, args...)
	return noFaultResult()
}
