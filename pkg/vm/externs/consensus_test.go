package externs

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/require"
)

// testHeader is the wire shape encode/decode in these tests round-trip
// through, standing in for a real chain's block header.
type testHeader struct {
	CID        string
	Miner      abi.ActorID
	Height     abi.ChainEpoch
	Parents    []string
	Signature  string
	SignedData string
}

func encodeHeader(h testHeader) []byte {
	b, err := json.Marshal(h)
	if err != nil {
		panic(err)
	}
	return b
}

func jsonDecoder(raw []byte) (*DecodedHeader, error) {
	var h testHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	parents := make([][]byte, len(h.Parents))
	for i, p := range h.Parents {
		parents[i] = []byte(p)
	}
	return &DecodedHeader{
		CID:        []byte(h.CID),
		Miner:      h.Miner,
		Height:     h.Height,
		Parents:    parents,
		Signature:  []byte(h.Signature),
		SignedData: []byte(h.SignedData),
	}, nil
}

type fixedWorkerKeys struct {
	verifyErr error
}

func (f fixedWorkerKeys) WorkerKeyAtLookback(ctx context.Context, miner abi.ActorID, height abi.ChainEpoch) (address.Address, error) {
	return address.NewIDAddress(uint64(miner))
}

func (f fixedWorkerKeys) VerifySignature(signer address.Address, data, sig []byte) error {
	return f.verifyErr
}

func TestVerifyConsensusFaultDoubleForkMining(t *testing.T) {
	c := NewConsensus(jsonDecoder, fixedWorkerKeys{})

	a := encodeHeader(testHeader{CID: "a", Miner: 1, Height: 10, Parents: []string{"p"}})
	b := encodeHeader(testHeader{CID: "b", Miner: 1, Height: 10, Parents: []string{"p"}})

	fault, err := c.VerifyConsensusFault(context.Background(), a, b, nil)
	require.NoError(t, err)
	require.Equal(t, ConsensusFaultDoubleForkMining, fault.Type)
	require.Equal(t, abi.ActorID(1), fault.Target)
}

func TestVerifyConsensusFaultTimeOffsetMining(t *testing.T) {
	c := NewConsensus(jsonDecoder, fixedWorkerKeys{})

	a := encodeHeader(testHeader{CID: "a", Miner: 1, Height: 10, Parents: []string{"shared"}})
	b := encodeHeader(testHeader{CID: "b", Miner: 1, Height: 11, Parents: []string{"shared"}})

	fault, err := c.VerifyConsensusFault(context.Background(), a, b, nil)
	require.NoError(t, err)
	require.Equal(t, ConsensusFaultTimeOffsetMining, fault.Type)
}

func TestVerifyConsensusFaultParentGrinding(t *testing.T) {
	c := NewConsensus(jsonDecoder, fixedWorkerKeys{})

	a := encodeHeader(testHeader{CID: "a", Miner: 1, Height: 10, Parents: []string{"shared"}})
	b := encodeHeader(testHeader{CID: "b", Miner: 1, Height: 11, Parents: []string{"c"}})
	extra := encodeHeader(testHeader{CID: "c", Miner: 1, Height: 10, Parents: []string{"shared"}})

	fault, err := c.VerifyConsensusFault(context.Background(), a, b, extra)
	require.NoError(t, err)
	require.Equal(t, ConsensusFaultParentGrinding, fault.Type)
}

func TestVerifyConsensusFaultDifferentMinersIsNoFault(t *testing.T) {
	c := NewConsensus(jsonDecoder, fixedWorkerKeys{})

	a := encodeHeader(testHeader{CID: "a", Miner: 1, Height: 10})
	b := encodeHeader(testHeader{CID: "b", Miner: 2, Height: 10})

	fault, err := c.VerifyConsensusFault(context.Background(), a, b, nil)
	require.NoError(t, err)
	require.Equal(t, ConsensusFaultNone, fault.Type)
}

func TestVerifyConsensusFaultSameBlockIsNoFault(t *testing.T) {
	c := NewConsensus(jsonDecoder, fixedWorkerKeys{})

	a := encodeHeader(testHeader{CID: "same", Miner: 1, Height: 10})

	fault, err := c.VerifyConsensusFault(context.Background(), a, a, nil)
	require.NoError(t, err)
	require.Equal(t, ConsensusFaultNone, fault.Type)
}

func TestVerifyConsensusFaultUndecodableHeaderIsNoFaultNotError(t *testing.T) {
	c := NewConsensus(jsonDecoder, fixedWorkerKeys{})

	b := encodeHeader(testHeader{CID: "b", Miner: 1, Height: 10})
	fault, err := c.VerifyConsensusFault(context.Background(), []byte("not json"), b, nil)
	require.NoError(t, err)
	require.Equal(t, ConsensusFaultNone, fault.Type)
}

func TestVerifyConsensusFaultBadSignatureIsNoFault(t *testing.T) {
	c := NewConsensus(jsonDecoder, fixedWorkerKeys{verifyErr: fmt.Errorf("bad signature")})

	a := encodeHeader(testHeader{CID: "a", Miner: 1, Height: 10, Parents: []string{"p"}})
	b := encodeHeader(testHeader{CID: "b", Miner: 1, Height: 10, Parents: []string{"p"}})

	fault, err := c.VerifyConsensusFault(context.Background(), a, b, nil)
	require.NoError(t, err)
	require.Equal(t, ConsensusFaultNone, fault.Type)
}
