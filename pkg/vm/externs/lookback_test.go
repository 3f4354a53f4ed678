package externs

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/require"
)

// testTip is a minimal Tip[int] over a linear chain, keyed by height.
type testTip struct {
	height abi.ChainEpoch
	parent int
}

func (t testTip) Height() abi.ChainEpoch { return t.height }
func (t testTip) Key() int               { return int(t.height) }
func (t testTip) Parents() int           { return t.parent }

func buildChain(length int) map[int]testTip {
	chain := make(map[int]testTip, length)
	for i := 0; i < length; i++ {
		parent := i - 1
		if parent < 0 {
			parent = 0
		}
		chain[i] = testTip{height: abi.ChainEpoch(i), parent: parent}
	}
	return chain
}

func TestLookbackIndexWalksBackWithinSkipLength(t *testing.T) {
	chain := buildChain(100)
	load := func(ctx context.Context, key int) (testTip, error) { return chain[key], nil }
	idx := NewLookbackIndex[int, testTip](load, 20)

	got, err := idx.GetByHeight(context.Background(), chain[50], 45)
	require.NoError(t, err)
	require.Equal(t, abi.ChainEpoch(45), got.Height())
}

func TestLookbackIndexUsesSkipListBeyondSkipLength(t *testing.T) {
	chain := buildChain(200)
	load := func(ctx context.Context, key int) (testTip, error) { return chain[key], nil }
	idx := NewLookbackIndex[int, testTip](load, 20)

	got, err := idx.GetByHeight(context.Background(), chain[199], 37)
	require.NoError(t, err)
	require.Equal(t, abi.ChainEpoch(37), got.Height())
}

func TestLookbackIndexReachesGenesis(t *testing.T) {
	chain := buildChain(60)
	load := func(ctx context.Context, key int) (testTip, error) { return chain[key], nil }
	idx := NewLookbackIndex[int, testTip](load, 20)

	got, err := idx.GetByHeight(context.Background(), chain[59], 0)
	require.NoError(t, err)
	require.Equal(t, abi.ChainEpoch(0), got.Height())
}

func TestLookbackIndexCachesSkipListEntries(t *testing.T) {
	chain := buildChain(200)
	calls := 0
	load := func(ctx context.Context, key int) (testTip, error) {
		calls++
		return chain[key], nil
	}
	idx := NewLookbackIndex[int, testTip](load, 20)

	_, err := idx.GetByHeight(context.Background(), chain[199], 10)
	require.NoError(t, err)
	firstCalls := calls

	_, err = idx.GetByHeight(context.Background(), chain[199], 10)
	require.NoError(t, err)
	require.True(t, calls < firstCalls*2, "second lookup should reuse cached skip-list entries")
}

func TestLookbackIndexRejectsHeightAboveStart(t *testing.T) {
	chain := buildChain(10)
	load := func(ctx context.Context, key int) (testTip, error) { return chain[key], nil }
	idx := NewLookbackIndex[int, testTip](load, 20)

	_, err := idx.GetByHeight(context.Background(), chain[5], 8)
	require.Error(t, err)
}
