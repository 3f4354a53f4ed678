// Package ipldlink implements the low-level CBOR header walk used to
// find every CID a DAG-CBOR block links to, without paying the cost of
// fully deserializing it. It backs the buffered blockstore's
// reachability sweep; the kernel does not call it.
package ipldlink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// IPLD codec table (multicodec values), named the way venus-shared and
// go-cid reference them.
const (
	CodecCBOR    = 0x51
	CodecDagCBOR = 0x71
	CodecRaw     = 0x55

	// Commitment codecs, for sealed/unsealed sector pieces. These CIDs
	// are opaque terminals: they never point at a block in any
	// blockstore and must never be dereferenced.
	CodecFilCommitmentUnsealed = 0xf101
	CodecFilCommitmentSealed   = 0xf102
)

const (
	Blake2b256       = uint64(mh.BLAKE2B_256)
	Blake2b256Length = 32
	Identity         = uint64(mh.IDENTITY)
)

// cbor major types, per RFC 7049 Appendix C.
const (
	majUnsignedInt = 0
	majNegativeInt = 1
	majByteString  = 2
	majTextString  = 3
	majArray       = 4
	majMap         = 5
	majTag         = 6
	majOther       = 7
)

// readHeader reads one CBOR item header, returning its major type and
// the accompanying "extra" length/value field. This mirrors
// cbor_read_header_buf from the upstream FVM blockstore, reimplemented
// here because go-ipld-cbor's decoder does not expose a header-only
// peek and fully unmarshaling every candidate block would be wasteful.
func readHeader(r io.Reader) (maj uint8, extra uint64, err error) {
	var first [1]byte
	if _, err = io.ReadFull(r, first[:]); err != nil {
		return 0, 0, err
	}
	maj = (first[0] & 0xe0) >> 5
	low := first[0] & 0x1f

	switch {
	case low <= 23:
		return maj, uint64(low), nil
	case low == 24:
		var b [1]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return 0, 0, err
		}
		return maj, uint64(b[0]), nil
	case low == 25:
		var b [2]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return 0, 0, err
		}
		return maj, uint64(binary.BigEndian.Uint16(b[:])), nil
	case low == 26:
		var b [4]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return 0, 0, err
		}
		return maj, uint64(binary.BigEndian.Uint32(b[:])), nil
	case low == 27:
		var b [8]byte
		if _, err = io.ReadFull(r, b[:]); err != nil {
			return 0, 0, err
		}
		return maj, binary.BigEndian.Uint64(b[:]), nil
	default:
		return 0, 0, fmt.Errorf("ipldlink: invalid cbor header additional-info %d", low)
	}
}

// ScanForLinks walks a DAG-CBOR encoded buffer and appends every CID it
// links to onto out, without deserializing the rest of the structure.
func ScanForLinks(buf []byte, out []cid.Cid) ([]cid.Cid, error) {
	r := bytes.NewReader(buf)
	remaining := uint64(1)
	for remaining > 0 {
		maj, extra, err := readHeader(r)
		if err != nil {
			return out, fmt.Errorf("ipldlink: %w", err)
		}
		switch maj {
		case majUnsignedInt, majNegativeInt, majOther:
			// no payload to skip
		case majByteString, majTextString:
			if _, err := r.Seek(int64(extra), io.SeekCurrent); err != nil {
				return out, fmt.Errorf("ipldlink: unexpected end of cbor stream: %w", err)
			}
		case majTag:
			if extra == 42 {
				tagMaj, tagExtra, err := readHeader(r)
				if err != nil {
					return out, fmt.Errorf("ipldlink: %w", err)
				}
				if tagMaj != majByteString {
					return out, fmt.Errorf("ipldlink: expected cbor byte string for cid tag, got major type %d", tagMaj)
				}
				cidBuf := make([]byte, tagExtra)
				if _, err := io.ReadFull(r, cidBuf); err != nil {
					return out, fmt.Errorf("ipldlink: unexpected end of cbor stream: %w", err)
				}
				if len(cidBuf) == 0 || cidBuf[0] != 0 {
					return out, fmt.Errorf("ipldlink: dag-cbor cid does not start with a 0x00 byte")
				}
				c, err := cid.Cast(cidBuf[1:])
				if err != nil {
					return out, fmt.Errorf("ipldlink: %w", err)
				}
				out = append(out, c)
			} else {
				remaining++
			}
		case majArray:
			remaining += extra
		case majMap:
			remaining += extra * 2
		default:
			return out, fmt.Errorf("ipldlink: invalid cbor major type %d", maj)
		}
		remaining--
	}
	return out, nil
}

// CheckLinkCodec reports whether c is safe to dereference as a block:
// raw, cbor, and dag-cbor are allowed; commitment CIDs are deliberately
// skipped by callers (they are terminals, never blocks); anything else
// is rejected outright.
func CheckLinkCodec(c cid.Cid) error {
	switch c.Prefix().Codec {
	case CodecFilCommitmentUnsealed, CodecFilCommitmentSealed:
		return nil
	case CodecRaw, CodecDagCBOR, CodecCBOR:
		return nil
	default:
		return fmt.Errorf("ipldlink: cid %s has unexpected codec %d", c, c.Prefix().Codec)
	}
}

// IsOpaqueTerminal reports whether c is a commitment CID that must
// never be looked up in any blockstore.
func IsOpaqueTerminal(c cid.Cid) bool {
	switch c.Prefix().Codec {
	case CodecFilCommitmentUnsealed, CodecFilCommitmentSealed:
		return true
	default:
		return false
	}
}

// CheckHashConstruction reports whether c's multihash is one this core
// accepts: non-truncated blake2b-256, or the identity hash at any
// length (small inline values are stored directly in the CID).
func CheckHashConstruction(c cid.Cid) error {
	code := c.Prefix().MhType
	length := c.Prefix().MhLength
	switch {
	case code == Blake2b256 && length == Blake2b256Length:
		return nil
	case code == Identity:
		return nil
	default:
		return fmt.Errorf("ipldlink: cid %s has unexpected multihash (code=%d, len=%d)", c, code, length)
	}
}

// IdentityDigest extracts the inline payload of an identity-hash CID.
func IdentityDigest(c cid.Cid) ([]byte, error) {
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("ipldlink: %w", err)
	}
	return decoded.Digest, nil
}
