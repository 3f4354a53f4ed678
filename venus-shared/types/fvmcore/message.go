// Package fvmcore holds the wire types the execution core exchanges
// with its caller: the unsigned message it executes and the receipt it
// hands back. These mirror venus-shared's chain message/receipt types
// but are scoped to exactly what ExecuteMessage needs.
package fvmcore

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
)

// Message is the unsigned on-chain message the executor applies.
type Message struct {
	Version    uint64
	To         address.Address
	From       address.Address
	Nonce      uint64
	Value      big.Int
	GasLimit   int64
	GasFeeCap  big.Int
	GasPremium big.Int
	Method     abi.MethodNum
	Params     []byte
	// ReadOnly marks the message as a read-only call (spec.md §4.5):
	// value transfer, state mutation, self-destruct, event emission,
	// and actor creation are all rejected, and the whole call tree it
	// spawns inherits the restriction.
	ReadOnly bool
}

// Receipt is the result of applying one message, mirroring the four
// fields the chain actually commits (exit code, return data, gas used,
// and the events root introduced alongside FVM event support).
type Receipt struct {
	ExitCode   exitcode.ExitCode
	ReturnData []byte
	GasUsed    int64
	// EventsRoot is nil when the message emitted no events, rather
	// than encoding a sentinel CID.
	EventsRoot *cid.Cid
}
