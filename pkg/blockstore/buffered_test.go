package blockstore

import (
	"testing"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-fvm-core/pkg/ipldlink"
)

func newMemBase() blockstore.Blockstore {
	return blockstore.NewBlockstore(dssync.MutexWrap(ds.NewMapDatastore()))
}

func mustCID(t *testing.T, codec uint64, data []byte) cid.Cid {
	t.Helper()
	digest, err := mh.Sum(data, mh.BLAKE2B_256, 32)
	require.NoError(t, err)
	return cid.NewCidV1(codec, digest)
}

func TestBasicBufferedStore(t *testing.T) {
	base := newMemBase()
	buf := New(base)

	data := []byte{8}
	c := mustCID(t, ipldlink.CodecCBOR, data)
	buf.PutKeyed(c, data)

	_, err := base.Get(c)
	require.ErrorIs(t, err, blockstore.ErrNotFound)

	got, err := buf.Get(c)
	require.NoError(t, err)
	require.Equal(t, data, got.RawData())

	require.NoError(t, buf.Flush(c))

	got, err = base.Get(c)
	require.NoError(t, err)
	require.Equal(t, data, got.RawData())
}

func TestFlushOnlyWritesReachableBlocks(t *testing.T) {
	base := newMemBase()
	buf := New(base)

	leafData := []byte{1, 2, 3}
	leaf := mustCID(t, ipldlink.CodecRaw, leafData)
	buf.PutKeyed(leaf, leafData)

	unconnectedData := []byte{9, 9, 9}
	unconnected := mustCID(t, ipldlink.CodecRaw, unconnectedData)
	buf.PutKeyed(unconnected, unconnectedData)

	// root is a raw block with no parseable links (raw codec never
	// gets scanned for links), so only root itself is reachable.
	rootData := []byte{7}
	root := mustCID(t, ipldlink.CodecRaw, rootData)
	buf.PutKeyed(root, rootData)

	require.NoError(t, buf.Flush(root))

	_, err := base.Get(root)
	require.NoError(t, err)

	_, err = base.Get(unconnected)
	require.ErrorIs(t, err, blockstore.ErrNotFound)
}

func TestHasChecksBufferThenBase(t *testing.T) {
	base := newMemBase()
	buf := New(base)

	data := []byte{1}
	c := mustCID(t, ipldlink.CodecRaw, data)

	ok, err := buf.Has(c)
	require.NoError(t, err)
	require.False(t, ok)

	buf.PutKeyed(c, data)
	ok, err = buf.Has(c)
	require.NoError(t, err)
	require.True(t, ok)
}
