// manifest/manifest_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"testing"

	blk "github.com/mmp/coldpack/block"
	cr "github.com/mmp/coldpack/crypto"
	"github.com/mmp/coldpack/remote"
)

func randKey() cr.Key {
	var k cr.Key
	_, _ = rand.Read(k[:])
	return k
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionCommitRecordsFileAndArchive(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mem := remote.NewMemory()
	patchsetKey := randKey()

	sess, err := db.BeginSession(ctx)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}

	fileID, err := sess.InsertFile(ctx, "/etc/hosts")
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if err := sess.InsertVersion(ctx, fileID, 0, 1000, 42, 0644, ""); err != nil {
		t.Fatalf("InsertVersion: %v", err)
	}
	hash := cr.HashBytes([]byte("block contents"))
	if err := sess.InsertVersionBlock(ctx, fileID, 0, 0, hash); err != nil {
		t.Fatalf("InsertVersionBlock: %v", err)
	}
	if err := sess.CloseVersion(ctx, fileID, 0); err != nil {
		t.Fatalf("CloseVersion: %v", err)
	}
	locs := map[cr.Hash]blk.Location{hash: {ArchiveID: 1, Offset: 0, Length: 14}}
	if err := sess.RecordArchive(ctx, 1, "archive/0000000000000001", 14, locs); err != nil {
		t.Fatalf("RecordArchive: %v", err)
	}

	if len(sess.Changes()) == 0 {
		t.Fatalf("expected a non-empty changelog before commit")
	}

	id, err := sess.Commit(ctx, mem, patchsetKey)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first patchset id 1, got %d", id)
	}

	names, err := mem.List(ctx, "patchset/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 uploaded patchset, got %d", len(names))
	}

	paths, err := db.ListPaths(ctx)
	if err != nil {
		t.Fatalf("ListPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/etc/hosts" {
		t.Fatalf("unexpected paths: %v", paths)
	}

	loc, ok, err := db.Location(hash)
	if err != nil || !ok {
		t.Fatalf("Location: ok=%v err=%v", ok, err)
	}
	if loc.ArchiveID != 1 || loc.Length != 14 {
		t.Fatalf("unexpected location: %+v", loc)
	}
}

func TestBootstrapReplaysPatchsetsIntoFreshDB(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	patchsetKey := randKey()
	baseKey := randKey()

	writer := openTestDB(t)
	sess, _ := writer.BeginSession(ctx)
	fileID, _ := sess.InsertFile(ctx, "/var/log/syslog")
	_ = sess.InsertVersion(ctx, fileID, 0, 10, 5, 0644, "")
	hash := cr.HashBytes([]byte("hello"))
	_ = sess.InsertVersionBlock(ctx, fileID, 0, 0, hash)
	_ = sess.CloseVersion(ctx, fileID, 0)
	_ = sess.RecordArchive(ctx, 1, "archive/0000000000000001", 5, map[cr.Hash]blk.Location{hash: {ArchiveID: 1, Offset: 0, Length: 5}})
	if _, err := sess.Commit(ctx, mem, patchsetKey); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := openTestDB(t)
	if err := reader.Bootstrap(ctx, mem, baseKey, patchsetKey); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	paths, err := reader.ListPaths(ctx)
	if err != nil {
		t.Fatalf("ListPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/var/log/syslog" {
		t.Fatalf("unexpected paths after bootstrap: %v", paths)
	}

	blocks, err := reader.VersionBlocks(ctx, fileID, 0)
	if err != nil {
		t.Fatalf("VersionBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != hash {
		t.Fatalf("unexpected blocks after bootstrap: %v", blocks)
	}

	// Replaying again (e.g. a second run before any new patchsets exist)
	// must be a no-op rather than erroring on duplicate rows.
	if err := reader.Bootstrap(ctx, mem, baseKey, patchsetKey); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
}

// TestBootstrapAppliesBaseSnapshotIntoFreshDB drives Global Invariant 3 and
// Testable Property 4 directly: after a patchset compaction has folded
// everything below some id into a base snapshot and advanced
// meta.base_patchset_id, a completely fresh local database (the "lost
// laptop" case) must still recover every row that snapshot folded in, not
// just the patchsets layered on top of it.
func TestBootstrapAppliesBaseSnapshotIntoFreshDB(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemory()
	patchsetKey := randKey()
	baseKey := randKey()

	writer := openTestDB(t)
	sess, _ := writer.BeginSession(ctx)
	fileID, _ := sess.InsertFile(ctx, "/var/log/folded")
	_ = sess.InsertVersion(ctx, fileID, 0, 10, 5, 0644, "")
	hash := cr.HashBytes([]byte("folded"))
	_ = sess.InsertVersionBlock(ctx, fileID, 0, 0, hash)
	_ = sess.CloseVersion(ctx, fileID, 0)
	_ = sess.RecordArchive(ctx, 1, "archive/0000000000000001", 6, map[cr.Hash]blk.Location{hash: {ArchiveID: 1, Offset: 0, Length: 6}})
	patchsetID, err := sess.Commit(ctx, mem, patchsetKey)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Fold everything up through patchsetID into a base snapshot and
	// delete the now-superseded patchset object, the way
	// compact.Compactor.CompactPatchsets does.
	snapshotBytes, err := writer.SerializeBase(ctx)
	if err != nil {
		t.Fatalf("SerializeBase: %v", err)
	}
	baseName := objectName("base", patchsetID)
	sealed, err := cr.Seal(baseKey, []byte(baseName), snapshotBytes)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := mem.Put(ctx, baseName, sealed); err != nil {
		t.Fatalf("Put base snapshot: %v", err)
	}
	if err := writer.AdvanceBase(ctx, patchsetID); err != nil {
		t.Fatalf("AdvanceBase: %v", err)
	}
	if err := mem.Delete(ctx, objectName("patchset", patchsetID)); err != nil {
		t.Fatalf("delete superseded patchset: %v", err)
	}

	// A brand-new local database, as if the original had been lost, must
	// still recover /var/log/folded and its block purely from the base
	// snapshot: no patchset above it exists to replay.
	fresh := openTestDB(t)
	if err := fresh.Bootstrap(ctx, mem, baseKey, patchsetKey); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	paths, err := fresh.ListPaths(ctx)
	if err != nil {
		t.Fatalf("ListPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/var/log/folded" {
		t.Fatalf("unexpected paths after bootstrap from base snapshot: %v", paths)
	}
	blocks, err := fresh.VersionBlocks(ctx, fileID, 0)
	if err != nil {
		t.Fatalf("VersionBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != hash {
		t.Fatalf("unexpected blocks after bootstrap from base snapshot: %v", blocks)
	}
	gotBaseID, err := fresh.BasePatchsetID(ctx)
	if err != nil {
		t.Fatalf("BasePatchsetID: %v", err)
	}
	if gotBaseID != patchsetID {
		t.Fatalf("expected local base patchset id %d, got %d", patchsetID, gotBaseID)
	}
}

// TestBootstrapAdoptsOrphanedPatchsetFromCrashBeforeCommit drives §8
// scenario S6 literally: a patchset object durably reaches the remote
// store, but the process dies before the local transaction that recorded
// it commits, so the local patchsets table never learns its id. Session.Commit
// is not re-entrant across a real process crash, so the crash is simulated
// by hand-driving the same upload-then-commit sequence and rolling the
// local transaction back instead of committing it.
//
// remote.Memory.Put (like remote.B2's Exists-gated Put) rejects a same-name
// retry with ErrAlreadyExists rather than silently accepting it as a
// harmless re-publish, so the only way a later run can make forward
// progress is for Bootstrap to adopt the orphaned object into the local
// database, exactly as it would have looked had the crash not happened;
// see the design note on Session.Commit and DESIGN.md's S6 resolution.
func TestBootstrapAdoptsOrphanedPatchsetFromCrashBeforeCommit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	mem := remote.NewMemory()
	patchsetKey := randKey()
	baseKey := randKey()

	sess, err := db.BeginSession(ctx)
	if err != nil {
		t.Fatalf("BeginSession: %v", err)
	}
	fileID, err := sess.InsertFile(ctx, "/etc/crashed")
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	if err := sess.InsertVersion(ctx, fileID, 0, 10, 5, 0644, ""); err != nil {
		t.Fatalf("InsertVersion: %v", err)
	}
	if err := sess.CloseVersion(ctx, fileID, 0); err != nil {
		t.Fatalf("CloseVersion: %v", err)
	}

	id, err := sess.nextPatchsetID(ctx)
	if err != nil {
		t.Fatalf("nextPatchsetID: %v", err)
	}
	name := objectName("patchset", id)
	payload, err := json.Marshal(sess.changes)
	if err != nil {
		t.Fatalf("marshal changes: %v", err)
	}
	sealed, err := cr.Seal(patchsetKey, []byte(name), payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := mem.Put(ctx, name, sealed); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Simulate the crash: the local transaction never commits.
	if err := sess.tx.Rollback(); err != nil {
		t.Fatalf("simulated crash rollback: %v", err)
	}
	db.clearActive(sess)

	// A naive retry of the same upload is exactly what must NOT happen:
	// the object is already there and Put is not idempotent.
	if err := mem.Put(ctx, name, sealed); err != remote.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists on same-name retry, got %v", err)
	}

	if err := db.Bootstrap(ctx, mem, baseKey, patchsetKey); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	paths, err := db.ListPaths(ctx)
	if err != nil {
		t.Fatalf("ListPaths: %v", err)
	}
	if len(paths) != 1 || paths[0] != "/etc/crashed" {
		t.Fatalf("expected orphaned patchset adopted, got paths %v", paths)
	}

	// A subsequent normal session must derive a fresh id rather than
	// colliding with the adopted orphan's object name.
	sess2, err := db.BeginSession(ctx)
	if err != nil {
		t.Fatalf("BeginSession (post-adopt): %v", err)
	}
	if _, err := sess2.InsertFile(ctx, "/etc/after"); err != nil {
		t.Fatalf("InsertFile (post-adopt): %v", err)
	}
	if _, err := sess2.Commit(ctx, mem, patchsetKey); err != nil {
		t.Fatalf("Commit (post-adopt): %v", err)
	}
}

func TestNextArchiveIDIsStableAcrossFailedSeal(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	id1, err := db.NextArchiveID(ctx)
	if err != nil {
		t.Fatalf("NextArchiveID: %v", err)
	}
	if id1 != 1 {
		t.Fatalf("expected first archive id 1, got %d", id1)
	}
	// Simulate a failed seal: never call RecordArchive. The next call must
	// return the same id rather than skipping ahead.
	id2, err := db.NextArchiveID(ctx)
	if err != nil {
		t.Fatalf("NextArchiveID (retry): %v", err)
	}
	if id2 != id1 {
		t.Fatalf("expected retry to reuse id %d, got %d", id1, id2)
	}
}
