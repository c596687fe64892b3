// manifest/compact_support.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"context"
	"encoding/json"

	cr "github.com/mmp/coldpack/crypto"
	u "github.com/mmp/coldpack/util"
)

// liveVersionsCTE selects, for every file, only its highest-numbered
// version, excluding it if that version is an explicit tombstone (mode 0,
// size 0, no symlink target — the convention snapshot.Engine uses to
// record a deleted file, see DESIGN.md). This package resolves §3's
// "highest unclosed version is current" in terms of version_ix rather than
// the closed flag: closed here instead marks "this version's blocks are
// durably recorded", which lets restore and compaction both use the same
// simple "take the max version_ix, skip it if it's a tombstone" rule.
const liveVersionsCTE = `
	latest AS (
		SELECT file_id, MAX(version_ix) AS version_ix FROM file_versions GROUP BY file_id
	),
	live_versions AS (
		SELECT fv.file_id, fv.version_ix FROM file_versions fv
		JOIN latest l ON l.file_id = fv.file_id AND l.version_ix = fv.version_ix
		WHERE NOT (fv.size = 0 AND fv.mode = 0 AND fv.symlink_target IS NULL)
	),
	live_blocks AS (
		SELECT DISTINCT vb.block_hash FROM version_blocks vb
		JOIN live_versions lv ON lv.file_id = vb.file_id AND lv.version_ix = vb.version_ix
	)
`

// ArchiveStat is one archive's live-ratio bookkeeping for the compactor
// (§4.7).
type ArchiveStat struct {
	ID              uint64
	ObjectName      string
	UncompressedLen int64
	LiveBytes       int64
}

func (a ArchiveStat) LiveRatio() float64 {
	if a.UncompressedLen == 0 {
		return 0
	}
	return float64(a.LiveBytes) / float64(a.UncompressedLen)
}

// ArchiveLiveness reports the live-ratio bookkeeping for every archive.
func (d *DB) ArchiveLiveness(ctx context.Context) ([]ArchiveStat, error) {
	rows, err := d.reader().QueryContext(ctx, `
		WITH `+liveVersionsCTE+`
		SELECT a.id, a.object_name, a.uncompressed_len, COALESCE(SUM(b.length), 0)
		FROM archives a
		LEFT JOIN blocks b ON b.archive_id = a.id AND b.hash IN (SELECT block_hash FROM live_blocks)
		GROUP BY a.id, a.object_name, a.uncompressed_len
		ORDER BY a.id ASC`)
	if err != nil {
		return nil, u.CorruptionError(err, "query archive liveness")
	}
	defer rows.Close()

	var stats []ArchiveStat
	for rows.Next() {
		var s ArchiveStat
		if err := rows.Scan(&s.ID, &s.ObjectName, &s.UncompressedLen, &s.LiveBytes); err != nil {
			return nil, u.CorruptionError(err, "scan archive liveness row")
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// LiveBlocksInArchive returns the hashes of blocks within archiveID that
// are still referenced by some file's current (non-tombstoned) version.
func (d *DB) LiveBlocksInArchive(ctx context.Context, archiveID uint64) ([]cr.Hash, error) {
	rows, err := d.reader().QueryContext(ctx, `
		WITH `+liveVersionsCTE+`
		SELECT b.hash FROM blocks b
		WHERE b.archive_id = ? AND b.hash IN (SELECT block_hash FROM live_blocks)`, archiveID)
	if err != nil {
		return nil, u.CorruptionError(err, "query live blocks in archive %d", archiveID)
	}
	defer rows.Close()

	var hashes []cr.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, u.CorruptionError(err, "scan live block hash")
		}
		var h cr.Hash
		copy(h[:], raw)
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// RetireArchive deletes archiveID's row and its block-location rows in one
// transaction. It must only be called after the archive's live blocks have
// already been re-staged and sealed into a fresh archive elsewhere, so that
// invariant 1 (every live block has a location) never observably breaks:
// DB.RecordArchive (called from block.Store.SealCurrent) for the
// replacement archive commits before this
// does, so the new locations exist before the old ones disappear.
func (d *DB) RetireArchive(ctx context.Context, archiveID uint64, objectName string) error {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return u.IoError(err, "begin retire-archive transaction")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE archive_id = ?`, archiveID); err != nil {
		tx.Rollback()
		return u.CorruptionError(err, "delete blocks for retired archive %d", archiveID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM archives WHERE id = ?`, archiveID); err != nil {
		tx.Rollback()
		return u.CorruptionError(err, "delete retired archive %d", archiveID)
	}
	if err := tx.Commit(); err != nil {
		return u.IoError(err, "commit retire-archive transaction for %d", archiveID)
	}
	return nil
}

// PatchsetSummary reports the current patchset count, the highest patchset
// id, the total byte size of every currently outstanding patchset (the
// quantity max_manifest_len bounds, §6), and every patchset id that would
// be superseded by folding them all into a new base snapshot (§4.7:
// patchset compaction).
func (d *DB) PatchsetSummary(ctx context.Context) (count int, maxID uint64, totalBytes int64, supersededIDs []uint64, err error) {
	rows, err := d.reader().QueryContext(ctx, `SELECT id, byte_size FROM patchsets ORDER BY id ASC`)
	if err != nil {
		return 0, 0, 0, nil, u.CorruptionError(err, "query patchset ids")
	}
	defer rows.Close()
	for rows.Next() {
		var id uint64
		var byteSize int64
		if err := rows.Scan(&id, &byteSize); err != nil {
			return 0, 0, 0, nil, u.CorruptionError(err, "scan patchset row")
		}
		supersededIDs = append(supersededIDs, id)
		if id > maxID {
			maxID = id
		}
		totalBytes += byteSize
		count++
	}
	return count, maxID, totalBytes, supersededIDs, rows.Err()
}

// baseSnapshot is the full manifest serialized for upload as a base
// snapshot object (§4.4).
type baseSnapshot struct {
	Files         []fileRow         `json:"files"`
	FileVersions  []fileVersionRow  `json:"file_versions"`
	VersionBlocks []versionBlockRow `json:"version_blocks"`
	Archives      []archiveRow      `json:"archives"`
	Blocks        []blockRow        `json:"blocks"`
}

type fileRow struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}
type fileVersionRow struct {
	FileID        int64  `json:"file_id"`
	VersionIx     int64  `json:"version_ix"`
	Mtime         int64  `json:"mtime"`
	Size          int64  `json:"size"`
	Mode          uint32 `json:"mode"`
	Closed        bool   `json:"closed"`
	SymlinkTarget string `json:"symlink_target,omitempty"`
}
type versionBlockRow struct {
	FileID    int64  `json:"file_id"`
	VersionIx int64  `json:"version_ix"`
	Position  int64  `json:"position"`
	BlockHash []byte `json:"block_hash"`
}
type archiveRow struct {
	ID              uint64 `json:"id"`
	ObjectName      string `json:"object_name"`
	UncompressedLen int64  `json:"uncompressed_len"`
}
type blockRow struct {
	Hash      []byte `json:"hash"`
	ArchiveID uint64 `json:"archive_id"`
	Offset    int64  `json:"offset"`
	Length    int    `json:"length"`
}

// SerializeBase dumps the entire local manifest to the JSON form uploaded
// as a base snapshot object.
func (d *DB) SerializeBase(ctx context.Context) ([]byte, error) {
	var snap baseSnapshot

	fileRows, err := d.sqlDB.QueryContext(ctx, `SELECT id, path FROM files`)
	if err != nil {
		return nil, u.CorruptionError(err, "query files for base snapshot")
	}
	for fileRows.Next() {
		var r fileRow
		if err := fileRows.Scan(&r.ID, &r.Path); err != nil {
			fileRows.Close()
			return nil, u.CorruptionError(err, "scan file row")
		}
		snap.Files = append(snap.Files, r)
	}
	fileRows.Close()

	fvRows, err := d.sqlDB.QueryContext(ctx, `SELECT file_id, version_ix, mtime, size, mode, closed, symlink_target FROM file_versions`)
	if err != nil {
		return nil, u.CorruptionError(err, "query file_versions for base snapshot")
	}
	for fvRows.Next() {
		var r fileVersionRow
		var closed int
		var target *string
		if err := fvRows.Scan(&r.FileID, &r.VersionIx, &r.Mtime, &r.Size, &r.Mode, &closed, &target); err != nil {
			fvRows.Close()
			return nil, u.CorruptionError(err, "scan file_version row")
		}
		r.Closed = closed != 0
		if target != nil {
			r.SymlinkTarget = *target
		}
		snap.FileVersions = append(snap.FileVersions, r)
	}
	fvRows.Close()

	vbRows, err := d.sqlDB.QueryContext(ctx, `SELECT file_id, version_ix, position, block_hash FROM version_blocks`)
	if err != nil {
		return nil, u.CorruptionError(err, "query version_blocks for base snapshot")
	}
	for vbRows.Next() {
		var r versionBlockRow
		if err := vbRows.Scan(&r.FileID, &r.VersionIx, &r.Position, &r.BlockHash); err != nil {
			vbRows.Close()
			return nil, u.CorruptionError(err, "scan version_block row")
		}
		snap.VersionBlocks = append(snap.VersionBlocks, r)
	}
	vbRows.Close()

	arRows, err := d.sqlDB.QueryContext(ctx, `SELECT id, object_name, uncompressed_len FROM archives`)
	if err != nil {
		return nil, u.CorruptionError(err, "query archives for base snapshot")
	}
	for arRows.Next() {
		var r archiveRow
		if err := arRows.Scan(&r.ID, &r.ObjectName, &r.UncompressedLen); err != nil {
			arRows.Close()
			return nil, u.CorruptionError(err, "scan archive row")
		}
		snap.Archives = append(snap.Archives, r)
	}
	arRows.Close()

	blRows, err := d.sqlDB.QueryContext(ctx, `SELECT hash, archive_id, offset, length FROM blocks`)
	if err != nil {
		return nil, u.CorruptionError(err, "query blocks for base snapshot")
	}
	for blRows.Next() {
		var r blockRow
		if err := blRows.Scan(&r.Hash, &r.ArchiveID, &r.Offset, &r.Length); err != nil {
			blRows.Close()
			return nil, u.CorruptionError(err, "scan block row")
		}
		snap.Blocks = append(snap.Blocks, r)
	}
	blRows.Close()

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, u.IoError(err, "marshal base snapshot")
	}
	return payload, nil
}

// applyBaseSnapshot decodes a downloaded base snapshot and inserts its rows
// into the local tables, in a single transaction, using INSERT OR IGNORE
// throughout so that re-applying an already-adopted snapshot (or one whose
// rows overlap locally-replayed patchsets) is a harmless no-op rather than
// a primary-key error. Table order follows the schema's reference chain
// (files/archives before the rows that point at them) even though SQLite
// here runs without foreign-key enforcement, since it's cheap and keeps
// this function readable as a direct counterpart to SerializeBase.
func (d *DB) applyBaseSnapshot(ctx context.Context, payload []byte) error {
	var snap baseSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return u.CorruptionError(err, "decode base snapshot")
	}

	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return u.IoError(err, "begin apply-base-snapshot transaction")
	}

	for _, r := range snap.Files {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO files (id, path) VALUES (?, ?)`,
			r.ID, r.Path); err != nil {
			tx.Rollback()
			return u.CorruptionError(err, "apply base snapshot file row")
		}
	}
	for _, r := range snap.Archives {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO archives (id, object_name, uncompressed_len) VALUES (?, ?, ?)`,
			r.ID, r.ObjectName, r.UncompressedLen); err != nil {
			tx.Rollback()
			return u.CorruptionError(err, "apply base snapshot archive row")
		}
	}
	for _, r := range snap.Blocks {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO blocks (hash, archive_id, offset, length) VALUES (?, ?, ?, ?)`,
			r.Hash, r.ArchiveID, r.Offset, r.Length); err != nil {
			tx.Rollback()
			return u.CorruptionError(err, "apply base snapshot block row")
		}
	}
	for _, r := range snap.FileVersions {
		closed := 0
		if r.Closed {
			closed = 1
		}
		var target interface{}
		if r.SymlinkTarget != "" {
			target = r.SymlinkTarget
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO file_versions (file_id, version_ix, mtime, size, mode, closed, symlink_target) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.FileID, r.VersionIx, r.Mtime, r.Size, r.Mode, closed, target); err != nil {
			tx.Rollback()
			return u.CorruptionError(err, "apply base snapshot file_version row")
		}
	}
	for _, r := range snap.VersionBlocks {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO version_blocks (file_id, version_ix, position, block_hash) VALUES (?, ?, ?, ?)`,
			r.FileID, r.VersionIx, r.Position, r.BlockHash); err != nil {
			tx.Rollback()
			return u.CorruptionError(err, "apply base snapshot version_block row")
		}
	}

	if err := tx.Commit(); err != nil {
		return u.IoError(err, "commit apply-base-snapshot transaction")
	}
	return nil
}

// AdvanceBase records that the local manifest's state as of patchsetID is
// now captured by a just-uploaded base snapshot, and clears the superseded
// local patchset rows.
func (d *DB) AdvanceBase(ctx context.Context, patchsetID uint64) error {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return u.IoError(err, "begin advance-base transaction")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET base_patchset_id = ? WHERE id = 0`, patchsetID); err != nil {
		tx.Rollback()
		return u.CorruptionError(err, "update base patchset id")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM patchsets WHERE id <= ?`, patchsetID); err != nil {
		tx.Rollback()
		return u.CorruptionError(err, "clear superseded patchsets")
	}
	if err := tx.Commit(); err != nil {
		return u.IoError(err, "commit advance-base transaction")
	}
	return nil
}
