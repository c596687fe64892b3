// block/store.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package block implements the block store (§4.3): the mapping from block
// hash to its location inside a sealed remote archive, staging of newly
// seen blocks into an in-memory archive buffer, and sealing that buffer
// (compress + encrypt + upload) once it grows past a threshold. Grounded
// on storage/storage.go's Backend interface (dedup-by-hash idiom),
// storage/compressed.go and storage/encrypted.go (wrapper-layering idiom,
// now folded into one seal step using Zstd + the XChaCha20-Poly1305
// envelope instead of gzip + AES-CFB), and storage/packidx.go (async
// buffering discipline).
package block

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	cr "github.com/mmp/coldpack/crypto"
	"github.com/mmp/coldpack/remote"
	u "github.com/mmp/coldpack/util"
)

// Location is where one block's bytes live within a sealed archive.
type Location struct {
	ArchiveID uint64
	Offset    int64
	Length    int
}

// Index is the narrow slice of the manifest store the block store needs:
// dedup lookups, location lookups, and durable recording of a newly sealed
// archive's blocks. Kept as an interface (rather than importing package
// manifest directly) so block has no dependency on the SQL layer and can be
// exercised in tests with a trivial in-memory implementation.
type Index interface {
	Have(hash cr.Hash) (bool, error)
	Location(hash cr.Hash) (Location, bool, error)
	NextArchiveID(ctx context.Context) (uint64, error)
	RecordArchive(ctx context.Context, archiveID uint64, objectName string, uncompressedLen int64, locations map[cr.Hash]Location) error
}

// Config configures a Store's sealing and caching behavior, drawn from the
// recognized configuration options (§6).
type Config struct {
	CompressionLevel int
	MinArchiveLen    int64
	ArchiveCacheBytes int64

	// StagingDir, if set, enables the local staging integrity layer of
	// §10.5: each archive buffer is written to disk with a Reed-Solomon
	// parity sidecar before upload. Unset (the default) keeps staging
	// purely in memory, as the teacher's own in-memory pack buffer does.
	StagingDir string
}

// Store implements §4.3's block store operations.
type Store struct {
	idx    Index
	remote remote.Adapter
	cfg    Config

	archiveKey cr.Key
	log        *u.Logger

	mu     sync.Mutex
	buffer *archiveBuffer

	cache *archiveCache
}

// New returns a Store. masterKey is the run's master key; the "archive"
// sub-key is derived from it once here (§4.1).
func New(idx Index, adapter remote.Adapter, masterKey cr.Key, cfg Config, log *u.Logger) *Store {
	if cfg.ArchiveCacheBytes == 0 {
		cfg.ArchiveCacheBytes = 256 << 20
	}
	return &Store{
		idx:        idx,
		remote:     adapter,
		cfg:        cfg,
		archiveKey: cr.DeriveKey(masterKey, cr.DomainArchive),
		log:        log,
		buffer:     newArchiveBuffer(),
		cache:      newArchiveCache(cfg.ArchiveCacheBytes),
	}
}

// Have reports whether hash is already durably stored or staged in the
// current archive buffer (§4.3: `have`).
func (s *Store) Have(hash cr.Hash) (bool, error) {
	s.mu.Lock()
	staged := s.buffer.has(hash)
	s.mu.Unlock()
	if staged {
		return true, nil
	}
	return s.idx.Have(hash)
}

// Stage appends data under hash to the current archive buffer unless it is
// already stored, per §4.3's `stage` operation. Staging is serialized by a
// mutex so archive layout is deterministic with respect to "hash first
// seen" even when callers run on a worker pool (§4.5's concurrency note).
func (s *Store) Stage(hash cr.Hash, data []byte) error {
	have, err := s.Have(hash)
	if err != nil {
		return err
	}
	if have {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer.add(hash, data)
	return nil
}

// FlushIfFull seals the current archive if staged bytes have reached
// MinArchiveLen (§4.3: `flush_if_full`).
func (s *Store) FlushIfFull(ctx context.Context) error {
	s.mu.Lock()
	full := s.buffer.len() >= s.cfg.MinArchiveLen
	s.mu.Unlock()
	if !full {
		return nil
	}
	return s.SealCurrent(ctx)
}

// SealCurrent compresses, encrypts, and uploads the current archive buffer,
// then records its blocks in the manifest transactionally (§4.3:
// `seal_current`). It is a no-op if the buffer is empty. If upload fails
// the buffer is left intact so the next call retries with the same
// (not-yet-consumed) archive id, satisfying the "archive id is only
// consumed on success" crash-safety property (§7).
func (s *Store) SealCurrent(ctx context.Context) error {
	s.mu.Lock()
	if s.buffer.isEmpty() {
		s.mu.Unlock()
		return nil
	}
	raw := s.buffer.bytes()
	pendingBlocks := append([]pending(nil), s.buffer.pending...)
	uncompressedLen := s.buffer.len()
	s.mu.Unlock()

	id, err := s.idx.NextArchiveID(ctx)
	if err != nil {
		return err
	}
	name := objectName("archive", id)

	stagedPath, sidecarPath, err := s.stageToDisk(id, raw)
	if err != nil {
		return err
	}

	compressed, err := compress(raw, s.cfg.CompressionLevel)
	if err != nil {
		return err
	}

	sealed, err := cr.Seal(s.archiveKey, []byte(name), compressed)
	if err != nil {
		return err
	}

	if err := s.remote.Put(ctx, name, sealed); err != nil {
		return u.RemoteError(err, "upload archive %s", name)
	}

	locations := make(map[cr.Hash]Location, len(pendingBlocks))
	for _, p := range pendingBlocks {
		locations[p.hash] = Location{ArchiveID: id, Offset: p.offset, Length: p.length}
	}
	if err := s.idx.RecordArchive(ctx, id, name, uncompressedLen, locations); err != nil {
		return err
	}
	cleanupStaging(stagedPath, sidecarPath)

	s.log.Verbose("sealed archive %s (%s raw, %s compressed, %d blocks)\n",
		name, u.FmtBytes(uncompressedLen), u.FmtBytes(int64(len(compressed))), len(pendingBlocks))

	s.mu.Lock()
	s.buffer.reset()
	s.mu.Unlock()
	return nil
}

// FetchBlock downloads (with caching and single-flight coalescing) the
// archive containing hash, slices out the block, and verifies its BLAKE3
// hash (§4.3: `fetch_block`).
func (s *Store) FetchBlock(ctx context.Context, hash cr.Hash) ([]byte, error) {
	loc, ok, err := s.idx.Location(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, u.CorruptionError(nil, "no location recorded for block %x", hash)
	}

	plaintext, err := s.cache.fetchOnce(ctx, loc.ArchiveID, func(ctx context.Context) ([]byte, error) {
		return s.downloadAndOpen(ctx, loc.ArchiveID)
	})
	if err != nil {
		return nil, err
	}

	if loc.Offset+int64(loc.Length) > int64(len(plaintext)) {
		return nil, u.CorruptionError(nil, "block %x location out of range of archive %d", hash, loc.ArchiveID)
	}
	data := plaintext[loc.Offset : loc.Offset+int64(loc.Length)]

	if cr.HashBytes(data) != hash {
		return nil, u.CorruptionError(nil, "block %x failed hash verification", hash)
	}
	return data, nil
}

func (s *Store) downloadAndOpen(ctx context.Context, archiveID uint64) ([]byte, error) {
	name := objectName("archive", archiveID)
	sealed, err := s.remote.Get(ctx, name)
	if err != nil {
		return nil, u.RemoteError(err, "download archive %s", name)
	}
	compressed, err := cr.Open(s.archiveKey, []byte(name), sealed)
	if err != nil {
		return nil, err // already an IntegrityError
	}
	return decompress(compressed)
}

func objectName(kind string, id uint64) string {
	return fmt.Sprintf("%s/%016d", kind, id)
}

func compress(data []byte, level int) ([]byte, error) {
	if level == 0 {
		level = 17
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(level)))
	if err != nil {
		return nil, u.IoError(err, "initialize zstd encoder")
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, u.IoError(err, "initialize zstd decoder")
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, u.CorruptionError(err, "zstd decode failed")
	}
	return out, nil
}

// zstdLevel maps the config's arbitrary compression_level (the Rust
// original's zstd binding exposes levels up to 22) onto klauspost/compress's
// coarser SpeedFastest..SpeedBestCompression scale.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}
