// block/archive.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// archiveBuffer assembles staged blocks into the raw byte layout of one
// archive object before it is compressed and sealed. Grounded on
// storage/packidx.go's blob-framing idea (a varint-length-prefixed
// concatenation of blobs) and storage/disk.go's staging-file discipline,
// but simplified: block *location* bookkeeping lives in the manifest's SQL
// blocks table (§4.4), not in a side index file, so this type only needs
// to track offsets within the buffer being built.
package block

import (
	"bytes"

	"github.com/mmp/coldpack/crypto"
)

// pending is one block waiting to be sealed into an archive.
type pending struct {
	hash   crypto.Hash
	offset int64
	length int
}

// archiveBuffer accumulates raw block bytes for the archive currently being
// built, in the order blocks were first seen this run (§4.3: "staging order
// within an archive is the order blocks were first seen... not
// semantically observable").
type archiveBuffer struct {
	buf     bytes.Buffer
	pending []pending
	seen    map[crypto.Hash]struct{}
}

func newArchiveBuffer() *archiveBuffer {
	return &archiveBuffer{seen: make(map[crypto.Hash]struct{})}
}

// add appends data under hash if it is not already staged in this buffer.
// The caller is responsible for having already checked the durable index
// (Index.Have) before calling add — this only protects against a hash
// being staged twice within the same not-yet-sealed archive.
func (a *archiveBuffer) add(hash crypto.Hash, data []byte) {
	if _, ok := a.seen[hash]; ok {
		return
	}
	a.seen[hash] = struct{}{}
	a.pending = append(a.pending, pending{hash: hash, offset: int64(a.buf.Len()), length: len(data)})
	a.buf.Write(data)
}

func (a *archiveBuffer) has(hash crypto.Hash) bool {
	_, ok := a.seen[hash]
	return ok
}

func (a *archiveBuffer) len() int64 { return int64(a.buf.Len()) }

func (a *archiveBuffer) isEmpty() bool { return a.buf.Len() == 0 }

func (a *archiveBuffer) bytes() []byte { return a.buf.Bytes() }

func (a *archiveBuffer) reset() {
	a.buf.Reset()
	a.pending = nil
	a.seen = make(map[crypto.Hash]struct{})
}
