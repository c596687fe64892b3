// manifest/db.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package manifest implements the durable metadata store (§4.4): the
// mapping from file paths to their version history and block lists, the
// mapping from block hash to archive location, and the patchset/base
// snapshot mechanism that makes that metadata itself content-addressed and
// incrementally shippable to remote storage.
//
// mmp-bk has no SQL layer of its own — it keeps everything as
// content-addressed blobs plus a gob-encoded directory tree
// (storage/packidx.go). This package instead follows the pack's other
// SQLite users (glycerine-rpc25519 imports both mattn/go-sqlite3 and
// modernc.org/sqlite) and picks modernc.org/sqlite, the cgo-free one, to
// match this corpus's general avoidance of cgo dependencies.
package manifest

import (
	"context"
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"

	blk "github.com/mmp/coldpack/block"
	cr "github.com/mmp/coldpack/crypto"
	u "github.com/mmp/coldpack/util"
)

// DB is the SQL-backed manifest store. It satisfies block.Index directly so
// a Store can be built against it in place of a test double.
type DB struct {
	sqlDB *sql.DB

	mu     sync.Mutex
	active *Session
}

// Open opens (creating if necessary) the local SQLite manifest file at
// path and ensures its schema exists.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, u.IoError(err, "open manifest database %s", path)
	}
	sqlDB.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn
	if _, err := sqlDB.Exec(schemaDDL); err != nil {
		sqlDB.Close()
		return nil, u.CorruptionError(err, "initialize manifest schema")
	}
	return &DB{sqlDB: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.sqlDB.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting read helpers
// run against whichever is live: the ambient DB when no Session is open, or
// the Session's transaction (so reads observe this run's uncommitted
// writes) when one is.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (d *DB) reader() querier {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return d.active.tx
	}
	return d.sqlDB
}

// Have reports whether hash already has a recorded location (§4.3: `have`).
func (d *DB) Have(hash cr.Hash) (bool, error) {
	_, ok, err := d.Location(hash)
	return ok, err
}

// Location returns the archive location previously recorded for hash.
func (d *DB) Location(hash cr.Hash) (blk.Location, bool, error) {
	row := d.reader().QueryRowContext(context.Background(),
		`SELECT archive_id, offset, length FROM blocks WHERE hash = ?`, hash[:])
	var loc blk.Location
	if err := row.Scan(&loc.ArchiveID, &loc.Offset, &loc.Length); err != nil {
		if err == sql.ErrNoRows {
			return blk.Location{}, false, nil
		}
		return blk.Location{}, false, u.CorruptionError(err, "query block location")
	}
	return loc, true, nil
}

// NextArchiveID returns the id the next sealed archive should use: one past
// the highest id recorded so far (including ids recorded earlier in the
// currently active Session but not yet committed). Because it is derived
// rather than consumed from a counter, a failed upload that never reaches
// RecordArchive leaves the next call returning the same id, matching the
// "archive id is only consumed on success" crash-safety property (§7).
func (d *DB) NextArchiveID(ctx context.Context) (uint64, error) {
	row := d.reader().QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM archives`)
	var max uint64
	if err := row.Scan(&max); err != nil {
		return 0, u.CorruptionError(err, "query next archive id")
	}
	return max + 1, nil
}

// RecordArchive durably records a sealed archive and its blocks' locations
// (§4.3: `record_archive`). If a Session is active, the writes go through
// it (and are captured in its changelog); otherwise a private autocommit
// transaction is used, for standalone callers such as tests and the
// compactor's read-modify-write of a single archive.
func (d *DB) RecordArchive(ctx context.Context, archiveID uint64, objectName string, uncompressedLen int64, locations map[cr.Hash]blk.Location) error {
	d.mu.Lock()
	sess := d.active
	d.mu.Unlock()

	if sess != nil {
		return sess.RecordArchive(ctx, archiveID, objectName, uncompressedLen, locations)
	}

	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return u.IoError(err, "begin archive-record transaction")
	}
	scratch := &Session{tx: tx}
	if err := scratch.RecordArchive(ctx, archiveID, objectName, uncompressedLen, locations); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return u.IoError(err, "commit archive-record transaction")
	}
	return nil
}

// BeginSession opens the run's single write transaction and returns the
// Session wrapping it. Only one Session may be active on a DB at a time.
func (d *DB) BeginSession(ctx context.Context) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, u.ConcurrencyError(nil, "manifest already has an open session")
	}
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, u.IoError(err, "begin manifest session")
	}
	sess := &Session{tx: tx, db: d}
	d.active = sess
	return sess, nil
}

func (d *DB) clearActive(sess *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == sess {
		d.active = nil
	}
}

// BasePatchsetID returns the id of the base snapshot the local manifest was
// bootstrapped from; local patchsets with id greater than this one are the
// ones this run still needs to layer on top when reconstructing state
// (§4.4).
func (d *DB) BasePatchsetID(ctx context.Context) (uint64, error) {
	row := d.reader().QueryRowContext(ctx, `SELECT base_patchset_id FROM meta WHERE id = 0`)
	var id uint64
	if err := row.Scan(&id); err != nil {
		return 0, u.CorruptionError(err, "query base patchset id")
	}
	return id, nil
}

// FileID returns the id of the file row for path and whether one exists. It
// only reads and never creates a row; InsertFile (the Session method) is
// what creates file rows and records the change.
func (d *DB) FileID(ctx context.Context, path string) (int64, bool, error) {
	row := d.reader().QueryRowContext(ctx, `SELECT id FROM files WHERE path = ?`, path)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, u.CorruptionError(err, "query file id for %s", path)
	}
	return id, true, nil
}
