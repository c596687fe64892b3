// manifest/changelog.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"context"
	"database/sql"

	blk "github.com/mmp/coldpack/block"
	cr "github.com/mmp/coldpack/crypto"
)

// Change is one recorded mutation, in a form that can be serialized,
// shipped to remote storage as part of a patchset, and replayed later by
// applyChanges, which runs one fixed statement per Table/Op pair (§4.4).
//
// modernc.org/sqlite doesn't expose SQLite's C sqlite3session extension, so
// this is this package's from-scratch equivalent: every mutating Session
// method appends one Change here in addition to executing the real SQL.
type Change struct {
	Table string                 `json:"table"`
	Op    string                 `json:"op"`
	Row   map[string]interface{} `json:"row"`
}

// Session wraps the run's single write transaction. Every mutation the run
// makes to the manifest goes exclusively through the typed methods below,
// each of which both executes real SQL against tx and appends a Change to
// changes. At Commit time changes is serialized, encrypted, and uploaded as
// the run's patchset object before the wrapped transaction is committed; a
// crash between upload and commit leaves an orphaned patchset that the next
// run's Bootstrap adopts by replaying it (see Commit).
type Session struct {
	tx      *sql.Tx
	db      *DB
	changes []Change
}

func (s *Session) record(c Change) {
	s.changes = append(s.changes, c)
}

// Changes returns the changelog accumulated so far.
func (s *Session) Changes() []Change { return s.changes }

// InsertFile creates a files row for path if one does not already exist and
// returns its id either way.
func (s *Session) InsertFile(ctx context.Context, path string) (int64, error) {
	var id int64
	row := s.tx.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, path)
	if err := row.Scan(&id); err == nil {
		return id, nil
	} else if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := s.tx.ExecContext(ctx, `INSERT INTO files (path) VALUES (?)`, path)
	if err != nil {
		return 0, err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.record(Change{Table: "files", Op: "insert", Row: map[string]interface{}{
		"id": id, "path": path,
	}})
	return id, nil
}

// InsertVersion opens a new, not-yet-closed file_versions row (§4.5: a new
// version is opened when a file's content changes or it is first seen).
// symlinkTarget is empty for regular files and directories.
func (s *Session) InsertVersion(ctx context.Context, fileID int64, versionIx int64, mtime int64, size int64, mode uint32, symlinkTarget string) error {
	var target interface{}
	if symlinkTarget != "" {
		target = symlinkTarget
	}
	_, err := s.tx.ExecContext(ctx,
		`INSERT INTO file_versions (file_id, version_ix, mtime, size, mode, closed, symlink_target) VALUES (?, ?, ?, ?, ?, 0, ?)`,
		fileID, versionIx, mtime, size, mode, target)
	if err != nil {
		return err
	}
	s.record(Change{Table: "file_versions", Op: "insert", Row: map[string]interface{}{
		"file_id": fileID, "version_ix": versionIx, "mtime": mtime, "size": size,
		"mode": mode, "closed": 0, "symlink_target": symlinkTarget,
	}})
	return nil
}

// CloseVersion marks a file_versions row closed once every block of its
// content has been staged and its version_blocks rows written, making it
// eligible to be read back by Restore (§4.5).
func (s *Session) CloseVersion(ctx context.Context, fileID int64, versionIx int64) error {
	if _, err := s.tx.ExecContext(ctx,
		`UPDATE file_versions SET closed = 1 WHERE file_id = ? AND version_ix = ?`, fileID, versionIx); err != nil {
		return err
	}
	s.record(Change{Table: "file_versions", Op: "close", Row: map[string]interface{}{
		"file_id": fileID, "version_ix": versionIx,
	}})
	return nil
}

// InsertVersionBlock records the block at position within a file version's
// content (§4.4: version_blocks).
func (s *Session) InsertVersionBlock(ctx context.Context, fileID int64, versionIx int64, position int64, hash cr.Hash) error {
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO version_blocks (file_id, version_ix, position, block_hash) VALUES (?, ?, ?, ?)`,
		fileID, versionIx, position, hash[:]); err != nil {
		return err
	}
	s.record(Change{Table: "version_blocks", Op: "insert", Row: map[string]interface{}{
		"file_id": fileID, "version_ix": versionIx, "position": position, "block_hash": hash[:],
	}})
	return nil
}

// RecordArchive durably records a sealed archive and the locations of the
// blocks it contains (§4.3: `record_archive`).
func (s *Session) RecordArchive(ctx context.Context, archiveID uint64, objectName string, uncompressedLen int64, locations map[cr.Hash]blk.Location) error {
	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO archives (id, object_name, uncompressed_len) VALUES (?, ?, ?)`,
		archiveID, objectName, uncompressedLen); err != nil {
		return err
	}
	s.record(Change{Table: "archives", Op: "insert", Row: map[string]interface{}{
		"id": archiveID, "object_name": objectName, "uncompressed_len": uncompressedLen,
	}})

	for hash, loc := range locations {
		if _, err := s.tx.ExecContext(ctx,
			`INSERT INTO blocks (hash, archive_id, offset, length) VALUES (?, ?, ?, ?)`,
			hash[:], loc.ArchiveID, loc.Offset, loc.Length); err != nil {
			return err
		}
		s.record(Change{Table: "blocks", Op: "insert", Row: map[string]interface{}{
			"hash": hash[:], "archive_id": loc.ArchiveID, "offset": loc.Offset, "length": loc.Length,
		}})
	}
	return nil
}
