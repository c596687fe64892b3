// block/store_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	cr "github.com/mmp/coldpack/crypto"
	"github.com/mmp/coldpack/remote"
	u "github.com/mmp/coldpack/util"
)

// fakeIndex is a minimal in-memory Index for exercising Store without a
// real SQL manifest.
type fakeIndex struct {
	mu        sync.Mutex
	locations map[cr.Hash]Location
	nextID    uint64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{locations: make(map[cr.Hash]Location)}
}

func (f *fakeIndex) Have(hash cr.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.locations[hash]
	return ok, nil
}

func (f *fakeIndex) Location(hash cr.Hash) (Location, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.locations[hash]
	return loc, ok, nil
}

func (f *fakeIndex) NextArchiveID(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeIndex) RecordArchive(ctx context.Context, archiveID uint64, objectName string, uncompressedLen int64, locations map[cr.Hash]Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for h, loc := range locations {
		f.locations[h] = loc
	}
	return nil
}

func testStore(t *testing.T) (*Store, *fakeIndex, *remote.Memory) {
	idx := newFakeIndex()
	mem := remote.NewMemory()
	var key cr.Key
	_, _ = rand.Read(key[:])
	s := New(idx, mem, key, Config{CompressionLevel: 3, MinArchiveLen: 1 << 20}, u.NewLogger(false, false))
	return s, idx, mem
}

func TestStageDedupAndSeal(t *testing.T) {
	s, _, mem := testStore(t)
	ctx := context.Background()

	data := []byte("hello, block store")
	hash := cr.HashBytes(data)

	if have, _ := s.Have(hash); have {
		t.Fatalf("unexpectedly already have block before staging")
	}
	if err := s.Stage(hash, data); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if have, _ := s.Have(hash); !have {
		t.Fatalf("expected Have to report true right after Stage")
	}

	// Staging again should be a no-op (dedup), and force sealing to verify
	// exactly one block landed in the archive.
	if err := s.Stage(hash, data); err != nil {
		t.Fatalf("Stage (dup): %v", err)
	}
	if err := s.SealCurrent(ctx); err != nil {
		t.Fatalf("SealCurrent: %v", err)
	}

	names, err := mem.List(ctx, "archive/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 archive object, got %d", len(names))
	}

	got, err := s.FetchBlock(ctx, hash)
	if err != nil {
		t.Fatalf("FetchBlock: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("fetched block mismatch: got %q want %q", got, data)
	}
}

func TestSealCurrentNoOpWhenEmpty(t *testing.T) {
	s, _, mem := testStore(t)
	ctx := context.Background()
	if err := s.SealCurrent(ctx); err != nil {
		t.Fatalf("SealCurrent on empty buffer: %v", err)
	}
	names, _ := mem.List(ctx, "archive/")
	if len(names) != 0 {
		t.Fatalf("expected no archives from sealing an empty buffer, got %d", len(names))
	}
}

func TestFetchBlockDetectsTampering(t *testing.T) {
	s, idx, mem := testStore(t)
	ctx := context.Background()

	data := []byte("integrity matters")
	hash := cr.HashBytes(data)
	if err := s.Stage(hash, data); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := s.SealCurrent(ctx); err != nil {
		t.Fatalf("SealCurrent: %v", err)
	}

	loc, _, _ := idx.Location(hash)
	name := objectName("archive", loc.ArchiveID)
	obj, err := mem.Get(ctx, name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	obj[len(obj)-1] ^= 0xff
	_ = mem.Delete(ctx, name)
	if err := mem.Put(ctx, name, obj); err != nil {
		t.Fatalf("Put tampered: %v", err)
	}

	// The archive-buffer cache would otherwise mask the tamper by serving
	// the still-good plaintext for this process's lifetime, so build a
	// fresh Store sharing the same index, remote and archive key to force a
	// re-fetch. New derives the archive key from a master key, so the
	// derived key is copied over directly.
	s2 := New(idx, mem, s.archiveKey, Config{CompressionLevel: 3, MinArchiveLen: 1 << 20}, u.NewLogger(false, false))
	s2.archiveKey = s.archiveKey
	if _, err := s2.FetchBlock(ctx, hash); err == nil {
		t.Fatalf("expected FetchBlock to fail on tampered archive")
	}
}
