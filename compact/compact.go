// compact/compact.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package compact implements the two compaction sweeps of §4.7: archive
// compaction (rewriting sparsely-referenced archives into denser ones) and
// patchset compaction (collapsing many small patchsets into a new base
// manifest snapshot). The teacher has no compaction concept at all — these
// sweeps are grounded on original_source/src/manifest.rs's
// collect_small_archives/collect_small_patchsets (the "read everything
// small, re-stage live data, upload fresh, repoint, then delete the old
// objects" shape), re-expressed against this module's SQL manifest and
// content-addressed block store instead of sqlite3session changesets.
package compact

import (
	"context"
	"fmt"
	"sort"

	blk "github.com/mmp/coldpack/block"
	cr "github.com/mmp/coldpack/crypto"
	"github.com/mmp/coldpack/manifest"
	"github.com/mmp/coldpack/remote"
	u "github.com/mmp/coldpack/util"
)

// Config holds the thresholds named in §6. A SmallArchivesUpperLimit of 0
// disables the archive sweep; a SmallPatchsetsLimit of 0 disables only the
// count trigger of the patchset sweep (see CompactPatchsets).
type Config struct {
	SmallArchivesUpperLimit int
	SmallArchivesLowerLimit int
	StaleLiveRatio          float64

	SmallPatchsetsLimit int
	MaxManifestLen      int64
}

// Compactor runs both sweeps against a manifest/block-store pair.
type Compactor struct {
	db     *manifest.DB
	store  *blk.Store
	remote remote.Adapter
	cfg    Config
	log    *u.Logger
}

func New(db *manifest.DB, store *blk.Store, adapter remote.Adapter, cfg Config, log *u.Logger) *Compactor {
	if cfg.StaleLiveRatio == 0 {
		cfg.StaleLiveRatio = 0.5
	}
	return &Compactor{db: db, store: store, remote: adapter, cfg: cfg, log: log}
}

// byLiveRatioThenSize implements §4.7's "ascending live ratio, ties broken
// by descending archive size" ordering, resolving Open Question 1 (§11):
// larger archives compact first among equal-ratio candidates, since
// rewriting them recovers more dead space per compaction pass.
type byLiveRatioThenSize []manifest.ArchiveStat

func (s byLiveRatioThenSize) Len() int      { return len(s) }
func (s byLiveRatioThenSize) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byLiveRatioThenSize) Less(i, j int) bool {
	ri, rj := s[i].LiveRatio(), s[j].LiveRatio()
	if ri != rj {
		return ri < rj
	}
	return s[i].UncompressedLen > s[j].UncompressedLen
}

// ArchiveStats reports live-ratio bookkeeping for every archive, exposed so
// callers (tests, the CLI's verify/list verbs) can inspect compaction
// candidacy without running a sweep.
func (c *Compactor) ArchiveStats(ctx context.Context) ([]manifest.ArchiveStat, error) {
	return c.db.ArchiveLiveness(ctx)
}

// CompactArchives runs the archive-compaction sweep (§4.7). It is a no-op
// unless more than SmallArchivesUpperLimit archives currently have a live
// ratio below StaleLiveRatio, and always a no-op if SmallArchivesUpperLimit
// is 0.
func (c *Compactor) CompactArchives(ctx context.Context) (int, error) {
	if c.cfg.SmallArchivesUpperLimit == 0 {
		return 0, nil
	}

	stats, err := c.db.ArchiveLiveness(ctx)
	if err != nil {
		return 0, err
	}

	var stale []manifest.ArchiveStat
	for _, s := range stats {
		if s.LiveRatio() < c.cfg.StaleLiveRatio {
			stale = append(stale, s)
		}
	}
	if len(stale) <= c.cfg.SmallArchivesUpperLimit {
		return 0, nil
	}

	sort.Sort(byLiveRatioThenSize(stale))
	target := len(stale) - c.cfg.SmallArchivesLowerLimit
	if target > len(stale) {
		target = len(stale)
	}
	victims := stale[:target]

	rewritten := 0
	for _, v := range victims {
		if err := c.rewriteArchive(ctx, v); err != nil {
			return rewritten, err
		}
		rewritten++
	}
	return rewritten, nil
}

// rewriteArchive downloads one archive, re-stages every block still
// referenced by a non-closed file version into the block store's current
// staging buffer, seals it into fresh archive(s), repoints block locations
// in the same transaction that removes the old archive row, and only then
// deletes the old remote object (§4.7: restartable by construction, since
// the old archive and its rows stay intact until the new one is durably
// recorded).
func (c *Compactor) rewriteArchive(ctx context.Context, v manifest.ArchiveStat) error {
	liveHashes, err := c.db.LiveBlocksInArchive(ctx, v.ID)
	if err != nil {
		return err
	}

	for _, h := range liveHashes {
		data, err := c.store.FetchBlock(ctx, h)
		if err != nil {
			return err
		}
		if err := c.store.Stage(h, data); err != nil {
			return err
		}
	}
	if err := c.store.FlushIfFull(ctx); err != nil {
		return err
	}
	if err := c.store.SealCurrent(ctx); err != nil {
		return err
	}

	if err := c.db.RetireArchive(ctx, v.ID, v.ObjectName); err != nil {
		return err
	}

	return c.remote.Delete(ctx, v.ObjectName)
}

// CompactPatchsets runs the patchset-compaction sweep (§4.7): once the
// patchset count exceeds SmallPatchsetsLimit, or the combined byte size of
// every outstanding patchset exceeds MaxManifestLen (§6: "patchset size
// above which patchset compaction is forced"), the whole manifest is
// re-serialized into a new base snapshot at the current maximum patchset
// id, uploaded, and the superseded patchsets are deleted remotely. A limit
// of 0 disables the count trigger; a MaxManifestLen of 0 disables the size
// trigger. Both are OR'd together, since either one growing unbounded
// defeats the point of patchsets being small, cheaply-replayed deltas.
func (c *Compactor) CompactPatchsets(ctx context.Context, baseKey cr.Key) error {
	if c.cfg.SmallPatchsetsLimit == 0 && c.cfg.MaxManifestLen == 0 {
		return nil
	}

	count, maxID, totalBytes, superseded, err := c.db.PatchsetSummary(ctx)
	if err != nil {
		return err
	}

	overCount := c.cfg.SmallPatchsetsLimit != 0 && count > c.cfg.SmallPatchsetsLimit
	overSize := c.cfg.MaxManifestLen != 0 && totalBytes > c.cfg.MaxManifestLen
	if !overCount && !overSize {
		return nil
	}

	snapshotBytes, err := c.db.SerializeBase(ctx)
	if err != nil {
		return err
	}

	name := objectName("base", maxID)
	sealed, err := cr.Seal(baseKey, []byte(name), snapshotBytes)
	if err != nil {
		return err
	}
	if err := c.remote.Put(ctx, name, sealed); err != nil {
		return u.RemoteError(err, "upload base snapshot %s", name)
	}

	if err := c.db.AdvanceBase(ctx, maxID); err != nil {
		return err
	}

	for _, id := range superseded {
		if err := c.remote.Delete(ctx, objectName("patchset", id)); err != nil {
			c.log.Error("delete superseded patchset %d: %s", id, err)
		}
	}
	return nil
}

func objectName(kind string, id uint64) string {
	return fmt.Sprintf("%s/%016d", kind, id)
}
