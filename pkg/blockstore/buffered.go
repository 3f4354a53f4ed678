// Package blockstore provides the write-buffering layer the execution
// core stacks on top of a node's persistent blockstore: every block an
// in-flight message creates stays in memory until Flush walks the DAG
// reachable from a root and writes back only what's actually linked.
package blockstore

import (
	"fmt"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"

	"github.com/filecoin-project/go-fvm-core/pkg/ipldlink"
)

// Buffered wraps a base blockstore and intercepts every write into an
// in-memory overlay, matching the role of fvm_ipld_blockstore::Buffered
// in the upstream FVM.
type Buffered struct {
	base blockstore.Blockstore

	mu    sync.Mutex
	write map[cid.Cid][]byte
}

// New wraps base in a fresh, empty write buffer.
func New(base blockstore.Blockstore) *Buffered {
	return &Buffered{base: base, write: make(map[cid.Cid][]byte)}
}

// Get returns a block, preferring the write buffer over the base
// store.
func (b *Buffered) Get(c cid.Cid) (blocks.Block, error) {
	b.mu.Lock()
	data, ok := b.write[c]
	b.mu.Unlock()
	if ok {
		return blocks.NewBlockWithCid(data, c)
	}
	return b.base.Get(c)
}

// Has reports whether a block is present in either the buffer or the
// base store.
func (b *Buffered) Has(c cid.Cid) (bool, error) {
	b.mu.Lock()
	_, ok := b.write[c]
	b.mu.Unlock()
	if ok {
		return true, nil
	}
	return b.base.Has(c)
}

// PutKeyed buffers a block under an already-computed CID without
// touching the base store.
func (b *Buffered) PutKeyed(c cid.Cid, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	b.write[c] = buf
}

// Flush walks every block reachable from root through the write
// buffer, moving each one into the base store and leaving everything
// else (garbage from discarded sub-calls, or blocks the node already
// has) behind.
func (b *Buffered) Flush(root cid.Cid) error {
	b.mu.Lock()
	reachable, err := takeReachable(b.write, root)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if len(reachable) == 0 {
		return nil
	}
	toPut := make([]blocks.Block, 0, len(reachable))
	for _, kv := range reachable {
		blk, err := blocks.NewBlockWithCid(kv.data, kv.cid)
		if err != nil {
			return fmt.Errorf("blockstore: flush: %w", err)
		}
		toPut = append(toPut, blk)
	}
	return b.base.PutMany(toPut)
}

type keyedBlock struct {
	cid  cid.Cid
	data []byte
}

// takeReachable performs a depth-first walk from root over cache,
// removing and returning every block transitively linked to it. Blocks
// missing from the buffer are assumed already present in the base
// store (per upstream FVM semantics: a client is never missing state
// reachable from a root it already committed).
func takeReachable(cache map[cid.Cid][]byte, root cid.Cid) ([]keyedBlock, error) {
	stack := []cid.Cid{root}
	var result []keyedBlock

	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if ipldlink.IsOpaqueTerminal(k) {
			continue
		}
		if err := ipldlink.CheckLinkCodec(k); err != nil {
			return nil, err
		}
		if err := ipldlink.CheckHashConstruction(k); err != nil {
			return nil, err
		}

		if k.Prefix().MhType == ipldlink.Identity {
			if k.Prefix().Codec == ipldlink.CodecDagCBOR {
				digest, err := ipldlink.IdentityDigest(k)
				if err != nil {
					return nil, err
				}
				stack, err = ipldlink.ScanForLinks(digest, stack)
				if err != nil {
					return nil, err
				}
			}
			continue
		}

		block, ok := cache[k]
		if !ok {
			continue
		}
		delete(cache, k)

		if k.Prefix().Codec == ipldlink.CodecDagCBOR {
			var err error
			stack, err = ipldlink.ScanForLinks(block, stack)
			if err != nil {
				return nil, err
			}
		}

		result = append(result, keyedBlock{cid: k, data: block})
	}

	return result, nil
}
