// snapshot/walker_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package snapshot

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	blk "github.com/mmp/coldpack/block"
	cr "github.com/mmp/coldpack/crypto"
	"github.com/mmp/coldpack/manifest"
	"github.com/mmp/coldpack/remote"
	u "github.com/mmp/coldpack/util"
)

func testEngine(t *testing.T) (*Engine, *manifest.DB, remote.Adapter, cr.Key) {
	t.Helper()
	db, err := manifest.Open(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mem := remote.NewMemory()
	var master cr.Key
	_, _ = rand.Read(master[:])

	store := blk.New(db, mem, master, blk.Config{CompressionLevel: 3, MinArchiveLen: 1 << 20}, u.NewLogger(false, false))
	eng := New(db, store, Config{NumThreads: 2}, u.NewLogger(false, false))
	patchsetKey := cr.DeriveKey(master, cr.DomainPatchset)
	return eng, db, mem, patchsetKey
}

func TestRunBacksUpNewTreeAndReusesUnchanged(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("nested content"), 0644); err != nil {
		t.Fatal(err)
	}

	eng, db, adapter, patchsetKey := testEngine(t)
	eng.cfg.IncludePaths = []string{root}

	id1, err := eng.Run(ctx, adapter, patchsetKey)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if id1 != 1 {
		t.Fatalf("expected first patchset id 1, got %d", id1)
	}

	paths, err := db.ListPaths(ctx)
	if err != nil {
		t.Fatalf("ListPaths: %v", err)
	}
	if len(paths) < 3 { // root dir, sub dir, a.txt, sub/b.txt
		t.Fatalf("expected at least 3 recorded paths, got %d: %v", len(paths), paths)
	}

	// A second run with no filesystem changes has nothing to record, so it
	// commits without publishing a patchset and without erroring.
	if _, err := eng.Run(ctx, adapter, patchsetKey); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}

func TestRunTombstonesRemovedFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fpath := filepath.Join(root, "gone.txt")
	if err := os.WriteFile(fpath, []byte("temporary"), 0644); err != nil {
		t.Fatal(err)
	}

	eng, db, adapter, patchsetKey := testEngine(t)
	eng.cfg.IncludePaths = []string{root}

	if _, err := eng.Run(ctx, adapter, patchsetKey); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := os.Remove(fpath); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Run(ctx, adapter, patchsetKey); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	v, ok, err := db.LatestVersion(ctx, fpath)
	if err != nil || !ok {
		t.Fatalf("LatestVersion: ok=%v err=%v", ok, err)
	}
	if v.Size != 0 || v.Mode != 0 {
		t.Fatalf("expected tombstone version, got %+v", v)
	}
}
