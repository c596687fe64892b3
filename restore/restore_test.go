// restore/restore_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

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
	"github.com/mmp/coldpack/snapshot"
	u "github.com/mmp/coldpack/util"
)

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("nested content, a bit longer this time"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a.txt", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	db, err := manifest.Open(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	mem := remote.NewMemory()
	var master cr.Key
	_, _ = rand.Read(master[:])
	store := blk.New(db, mem, master, blk.Config{CompressionLevel: 3, MinArchiveLen: 1 << 20}, u.NewLogger(false, false))

	snapEng := snapshot.New(db, store, snapshot.Config{IncludePaths: []string{src}, NumThreads: 2}, u.NewLogger(false, false))
	patchsetKey := cr.DeriveKey(master, cr.DomainPatchset)
	if _, err := snapEng.Run(ctx, mem, patchsetKey); err != nil {
		t.Fatalf("snapshot Run: %v", err)
	}

	dest := t.TempDir()
	restoreEng := New(db, store, Config{NumThreads: 4}, u.NewLogger(false, false))
	if err := restoreEng.Restore(ctx, src, dest); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil {
		t.Fatalf("read restored a.txt: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("a.txt mismatch: %q", got)
	}

	got2, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("read restored sub/b.txt: %v", err)
	}
	if string(got2) != "nested content, a bit longer this time" {
		t.Fatalf("sub/b.txt mismatch: %q", got2)
	}

	target, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil {
		t.Fatalf("readlink restored link: %v", err)
	}
	if target != "a.txt" {
		t.Fatalf("link target mismatch: %q", target)
	}
}
