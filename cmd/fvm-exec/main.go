// Command fvm-exec applies a single message against a state root using
// a code bundle loaded from disk, printing the resulting receipt and
// new state root. It exists to drive the execution core end to end
// without a full chain node wrapped around it, the way lotus's cmd/tvx
// drives a vector through the VM directly.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/go-state-types/network"
	badger "github.com/ipfs/go-ds-badger2"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/blake2b"

	gofvm "github.com/filecoin-project/go-fvm-core/pkg/vm"
	"github.com/filecoin-project/go-fvm-core/pkg/gas"
	"github.com/filecoin-project/go-fvm-core/pkg/vm/externs"
	"github.com/filecoin-project/go-fvm-core/venus-shared/types/fvmcore"
)

var log = logging.Logger("fvm-exec")

func main() {
	app := &cli.App{
		Name:  "fvm-exec",
		Usage: "apply a message against a state root using a local actor bundle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "repo", Usage: "badger datastore directory", Value: "./fvm-exec-repo"},
			&cli.StringFlag{Name: "bundle", Usage: "directory of <codecid>.wasm actor code files", Required: true},
			&cli.StringFlag{Name: "state-root", Usage: "base32 CID of the state root to apply against (empty for a fresh tree)"},
			&cli.StringFlag{Name: "from", Usage: "sender ID address, e.g. f01000", Required: true},
			&cli.StringFlag{Name: "to", Usage: "receiver address", Required: true},
			&cli.Uint64Flag{Name: "method", Usage: "method number", Value: 0},
			&cli.Uint64Flag{Name: "nonce", Usage: "sender call sequence number", Value: 0},
			&cli.Uint64Flag{Name: "gas-limit", Usage: "gas limit", Value: 1_000_000_000},
			&cli.StringFlag{Name: "value", Usage: "attofil value to transfer", Value: "0"},
			&cli.StringFlag{Name: "params-hex", Usage: "hex-encoded method parameters"},
			&cli.StringFlag{Name: "account-actor-code", Usage: "base32 CID of the account actor's code", Required: true},
			&cli.Uint64Flag{Name: "epoch", Usage: "chain epoch in effect", Value: 0},
			&cli.Uint64Flag{Name: "network-version", Usage: "network version in effect", Value: uint64(network.Version21)},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fvm-exec: %v", err)
	}
}

func run(c *cli.Context) error {
	ctx := context.Background()

	ds, err := badger.NewDatastore(c.String("repo"), nil)
	if err != nil {
		return fmt.Errorf("opening repo: %w", err)
	}
	defer ds.Close()
	bs := blockstore.NewBlockstore(ds)

	accountCode, err := cid.Decode(c.String("account-actor-code"))
	if err != nil {
		return fmt.Errorf("parsing account-actor-code: %w", err)
	}

	opts := gofvm.Opts{
		Epoch:            abi.ChainEpoch(c.Uint64("epoch")),
		NetworkVersion:   network.Version(c.Uint64("network-version")),
		BaseFee:          big.Zero(),
		CircSupply:       big.Zero(),
		AccountActorCode: accountCode,
		LoadCode:         bundleLoader(c.String("bundle")),
		Externs:          externs.Externs(newFixedExterns()),
		Prices:           gas.NewPricesSchedule(nil),
	}

	fvm, err := gofvm.NewFVM(ctx, bs, opts)
	if err != nil {
		return fmt.Errorf("building fvm: %w", err)
	}

	var root cid.Cid
	if sr := c.String("state-root"); sr != "" {
		root, err = cid.Decode(sr)
		if err != nil {
			return fmt.Errorf("parsing state-root: %w", err)
		}
	}

	from, err := address.NewFromString(c.String("from"))
	if err != nil {
		return fmt.Errorf("parsing from: %w", err)
	}
	to, err := address.NewFromString(c.String("to"))
	if err != nil {
		return fmt.Errorf("parsing to: %w", err)
	}
	value, err := big.FromString(c.String("value"))
	if err != nil {
		return fmt.Errorf("parsing value: %w", err)
	}
	params, err := decodeHexFlag(c.String("params-hex"))
	if err != nil {
		return fmt.Errorf("parsing params-hex: %w", err)
	}

	msg := fvmcore.Message{
		Version:    0,
		From:       from,
		To:         to,
		Nonce:      c.Uint64("nonce"),
		Value:      value,
		GasLimit:   int64(c.Uint64("gas-limit")),
		GasFeeCap:  big.Zero(),
		GasPremium: big.Zero(),
		Method:     abi.MethodNum(c.Uint64("method")),
		Params:     params,
	}

	newRoot, apply, prevalidation := fvm.ApplyMessage(ctx, root, msg, len(params))
	if prevalidation != nil {
		return fmt.Errorf("message rejected before execution: %s", prevalidation.Error())
	}

	out := struct {
		NewStateRoot string          `json:"newStateRoot"`
		Receipt      fvmcore.Receipt `json:"receipt"`
		Outputs      gas.Outputs     `json:"outputs"`
		Frames       int             `json:"backtraceFrames"`
	}{
		NewStateRoot: newRoot.String(),
		Receipt:      apply.Receipt,
		Outputs:      apply.Outputs,
		Frames:       len(apply.Backtrace.Frames),
	}
	enc, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

func decodeHexFlag(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// bundleLoader returns a gofvm.LoadCode reading "<codecid>.wasm" out of
// dir, the simplest possible stand-in for a real actor bundle CAR.
func bundleLoader(dir string) gofvm.LoadCode {
	return func(ctx context.Context, codeCID cid.Cid) ([]byte, error) {
		path := filepath.Join(dir, codeCID.String()+".wasm")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading actor code %s: %w", codeCID, err)
		}
		return data, nil
	}
}

// fixedExterns is a minimal externs.Externs for driving a message
// through the core without a real chain behind it: randomness is
// derived deterministically from its inputs, and every consensus-fault
// claim is rejected for lack of any header to decode.
type fixedExterns struct {
	consensus externs.Consensus
}

func newFixedExterns() *fixedExterns {
	return &fixedExterns{
		consensus: externs.NewConsensus(failingDecoder, noopWorkerKeys{}),
	}
}

func (f *fixedExterns) GetChainRandomness(ctx context.Context, tag crypto.DomainSeparationTag, round abi.ChainEpoch, entropy []byte) ([32]byte, error) {
	return deriveRandomness("chain", tag, round, entropy), nil
}

func (f *fixedExterns) GetBeaconRandomness(ctx context.Context, tag crypto.DomainSeparationTag, round abi.ChainEpoch, entropy []byte) ([32]byte, error) {
	return deriveRandomness("beacon", tag, round, entropy), nil
}

func (f *fixedExterns) VerifyConsensusFault(ctx context.Context, blockA, blockB, blockExtra []byte) (*externs.ConsensusFault, error) {
	return f.consensus.VerifyConsensusFault(ctx, blockA, blockB, blockExtra)
}

func (f *fixedExterns) VerifyBlockSignature(ctx context.Context, header []byte) error {
	return f.consensus.VerifyBlockSignature(ctx, header)
}

func deriveRandomness(domain string, tag crypto.DomainSeparationTag, round abi.ChainEpoch, entropy []byte) [32]byte {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s:%d:%d:", domain, tag, round)
	h.Write(entropy)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func failingDecoder(raw []byte) (*externs.DecodedHeader, error) {
	return nil, fmt.Errorf("fvm-exec: no chain available to decode block headers")
}

type noopWorkerKeys struct{}

func (noopWorkerKeys) WorkerKeyAtLookback(ctx context.Context, miner abi.ActorID, height abi.ChainEpoch) (address.Address, error) {
	return address.Undef, fmt.Errorf("fvm-exec: no chain available to resolve worker keys")
}

func (noopWorkerKeys) VerifySignature(signer address.Address, data, sig []byte) error {
	return fmt.Errorf("fvm-exec: no chain available to verify signatures")
}
