// manifest/query.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"context"
	"database/sql"

	cr "github.com/mmp/coldpack/crypto"
	u "github.com/mmp/coldpack/util"
)

// FileVersion is one closed or in-progress version of a file (§3).
type FileVersion struct {
	FileID        int64
	VersionIx     int64
	Mtime         int64
	Size          int64
	Mode          uint32
	Closed        bool
	SymlinkTarget string
}

// LatestVersion returns the most recent version recorded for path, if any.
// The snapshot walker (§4.5) uses this to decide whether a file's content
// has changed since it was last backed up.
func (d *DB) LatestVersion(ctx context.Context, path string) (FileVersion, bool, error) {
	row := d.reader().QueryRowContext(ctx, `
		SELECT fv.file_id, fv.version_ix, fv.mtime, fv.size, fv.mode, fv.closed, fv.symlink_target
		FROM file_versions fv
		JOIN files f ON f.id = fv.file_id
		WHERE f.path = ?
		ORDER BY fv.version_ix DESC
		LIMIT 1`, path)

	var v FileVersion
	var closed int
	var target sql.NullString
	if err := row.Scan(&v.FileID, &v.VersionIx, &v.Mtime, &v.Size, &v.Mode, &closed, &target); err != nil {
		if err == sql.ErrNoRows {
			return FileVersion{}, false, nil
		}
		return FileVersion{}, false, u.CorruptionError(err, "query latest version of %s", path)
	}
	v.Closed = closed != 0
	v.SymlinkTarget = target.String
	return v, true, nil
}

// VersionBlocks returns the ordered block hashes making up one file
// version's content, for the restore engine (§4.6).
func (d *DB) VersionBlocks(ctx context.Context, fileID int64, versionIx int64) ([]cr.Hash, error) {
	rows, err := d.reader().QueryContext(ctx, `
		SELECT block_hash FROM version_blocks
		WHERE file_id = ? AND version_ix = ?
		ORDER BY position ASC`, fileID, versionIx)
	if err != nil {
		return nil, u.CorruptionError(err, "query version blocks")
	}
	defer rows.Close()

	var hashes []cr.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, u.CorruptionError(err, "scan version block hash")
		}
		var h cr.Hash
		copy(h[:], raw)
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// AllBlocks returns every recorded block hash, regardless of whether any
// current file version still references it, for the verify CLI verb (§6)
// which re-checks every archive's content against what the manifest
// recorded, not just what is presently live.
func (d *DB) AllBlocks(ctx context.Context) ([]cr.Hash, error) {
	rows, err := d.reader().QueryContext(ctx, `SELECT hash FROM blocks`)
	if err != nil {
		return nil, u.CorruptionError(err, "query all blocks")
	}
	defer rows.Close()

	var hashes []cr.Hash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, u.CorruptionError(err, "scan block hash")
		}
		var h cr.Hash
		copy(h[:], raw)
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// ListPaths returns every distinct file path with at least one closed
// version, for the list/browse CLI verbs and the FUSE mount.
func (d *DB) ListPaths(ctx context.Context) ([]string, error) {
	rows, err := d.reader().QueryContext(ctx, `
		SELECT DISTINCT f.path
		FROM files f
		JOIN file_versions fv ON fv.file_id = f.id
		WHERE fv.closed = 1
		ORDER BY f.path ASC`)
	if err != nil {
		return nil, u.CorruptionError(err, "list paths")
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, u.CorruptionError(err, "scan path")
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
