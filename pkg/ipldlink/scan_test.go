package ipldlink

import (
	"bytes"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func mustCID(t *testing.T, codec uint64, data []byte) cid.Cid {
	t.Helper()
	digest, err := mh.Sum(data, mh.BLAKE2B_256, 32)
	require.NoError(t, err)
	return cid.NewCidV1(codec, digest)
}

// tagCID encodes a CID the way DAG-CBOR does: tag 42 over a byte
// string whose first byte is the 0x00 multibase-identity prefix.
func tagCID(buf *bytes.Buffer, c cid.Cid) {
	raw := c.Bytes()
	payload := append([]byte{0}, raw...)
	// tag(42)
	buf.WriteByte(0xd8)
	buf.WriteByte(42)
	writeByteStringHeader(buf, len(payload))
	buf.Write(payload)
}

func writeByteStringHeader(buf *bytes.Buffer, n int) {
	switch {
	case n <= 23:
		buf.WriteByte(0x40 | byte(n))
	case n <= 0xff:
		buf.WriteByte(0x58)
		buf.WriteByte(byte(n))
	default:
		panic("test helper only supports short byte strings")
	}
}

func writeArrayHeader(buf *bytes.Buffer, n int) {
	buf.WriteByte(0x80 | byte(n))
}

func TestScanForLinksFindsTaggedCID(t *testing.T) {
	leaf := mustCID(t, CodecRaw, []byte("leaf"))

	var buf bytes.Buffer
	writeArrayHeader(&buf, 1)
	tagCID(&buf, leaf)

	links, err := ScanForLinks(buf.Bytes(), nil)
	require.NoError(t, err)
	require.Equal(t, []cid.Cid{leaf}, links)
}

func TestScanForLinksSkipsNonCIDTags(t *testing.T) {
	var buf bytes.Buffer
	// array of 1 element: a tag(1) wrapping a small uint, which is not
	// a CID tag and must be descended into rather than treated as a
	// link.
	writeArrayHeader(&buf, 1)
	buf.WriteByte(0xc1) // tag(1)
	buf.WriteByte(5)    // uint 5

	links, err := ScanForLinks(buf.Bytes(), nil)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestScanForLinksNestedArraysAndMaps(t *testing.T) {
	a := mustCID(t, CodecRaw, []byte("a"))
	b := mustCID(t, CodecDagCBOR, []byte("b"))

	var inner bytes.Buffer
	writeArrayHeader(&inner, 2)
	tagCID(&inner, a)
	tagCID(&inner, b)

	var buf bytes.Buffer
	// map{"x": [a, b]}
	buf.WriteByte(0xa1) // map(1)
	writeByteStringHeader(&buf, 1)
	buf.WriteByte('x')
	buf.Write(inner.Bytes())

	links, err := ScanForLinks(buf.Bytes(), nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []cid.Cid{a, b}, links)
}

func TestCheckLinkCodecRejectsUnknown(t *testing.T) {
	c := mustCID(t, 0x99, []byte("x"))
	require.Error(t, CheckLinkCodec(c))
}

func TestCheckHashConstructionRejectsSha256(t *testing.T) {
	digest, err := mh.Sum([]byte("x"), mh.SHA2_256, -1)
	require.NoError(t, err)
	c := cid.NewCidV1(CodecRaw, digest)
	require.Error(t, CheckHashConstruction(c))
}

func TestIsOpaqueTerminal(t *testing.T) {
	c := mustCID(t, CodecFilCommitmentSealed, []byte("s"))
	require.True(t, IsOpaqueTerminal(c))
	require.False(t, IsOpaqueTerminal(mustCID(t, CodecRaw, []byte("r"))))
}
