// manifest/patchset.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	cr "github.com/mmp/coldpack/crypto"
	"github.com/mmp/coldpack/remote"
	u "github.com/mmp/coldpack/util"
)

// Commit uploads the session's accumulated changelog as a patchset object
// (§4.4) and only then commits the wrapped transaction. A crash between the
// two leaves the local database exactly as it was before the run started
// (the local patchsets row was never inserted) while the object is already
// durably published remotely under a name the next Session.Commit would
// try to reuse (nextPatchsetID re-derives the id from the local patchsets
// table and base id, both unchanged). The remote's Put is not idempotent — it fails with
// ErrAlreadyExists on a same-name retry (remote/memory.go, remote/b2.go's
// Exists-gated Put) — so this orphan is never re-uploaded. Instead,
// Bootstrap's replay loop treats any remote patchset with id greater than
// what the local patchsets table has recorded as work to adopt, whether it
// is new or orphaned by a crash right here: replaying its changelog puts
// the local database in exactly the state a successful commit would have
// left it in, satisfying §4.4's apply(base, patchsets) reconstruction
// without any explicit crash-detection logic (§8 scenario S6).
//
// A session with no changes commits its (empty) transaction without
// publishing anything, since an empty patchset would add nothing to the
// apply(base, patchsets) reconstruction in §4.4.
func (s *Session) Commit(ctx context.Context, adapter remote.Adapter, patchsetKey cr.Key) (uint64, error) {
	defer s.db.clearActive(s)

	if len(s.changes) == 0 {
		if err := s.tx.Commit(); err != nil {
			return 0, u.IoError(err, "commit empty manifest session")
		}
		return 0, nil
	}

	id, err := s.nextPatchsetID(ctx)
	if err != nil {
		s.tx.Rollback()
		return 0, err
	}
	name := objectName("patchset", id)

	payload, err := json.Marshal(s.changes)
	if err != nil {
		s.tx.Rollback()
		return 0, u.IoError(err, "marshal patchset %s", name)
	}

	sealed, err := cr.Seal(patchsetKey, []byte(name), payload)
	if err != nil {
		s.tx.Rollback()
		return 0, err
	}

	if err := adapter.Put(ctx, name, sealed); err != nil {
		s.tx.Rollback()
		return 0, u.RemoteError(err, "upload patchset %s", name)
	}

	if _, err := s.tx.ExecContext(ctx,
		`INSERT INTO patchsets (id, byte_size, rows) VALUES (?, ?, ?)`,
		id, len(sealed), len(s.changes)); err != nil {
		s.tx.Rollback()
		return 0, u.IoError(err, "record patchset %s", name)
	}

	if err := s.tx.Commit(); err != nil {
		return 0, u.IoError(err, "commit manifest session for patchset %s", name)
	}
	return id, nil
}

// Rollback abandons the session's transaction and any accumulated
// changelog without publishing anything.
func (s *Session) Rollback() error {
	defer s.db.clearActive(s)
	return s.tx.Rollback()
}

func (s *Session) nextPatchsetID(ctx context.Context) (uint64, error) {
	// AdvanceBase deletes the patchset rows a base snapshot folds in, so the
	// base id also bounds the next id from below.
	row := s.tx.QueryRowContext(ctx, `SELECT MAX(
		COALESCE((SELECT MAX(id) FROM patchsets), 0),
		COALESCE((SELECT base_patchset_id FROM meta WHERE id = 0), 0))`)
	var max uint64
	if err := row.Scan(&max); err != nil {
		return 0, u.CorruptionError(err, "query next patchset id")
	}
	return max + 1, nil
}

func objectName(kind string, id uint64) string {
	return fmt.Sprintf("%s/%016d", kind, id)
}

// latestBaseID returns the highest-numbered "base/<id>" object currently
// published, and its name, or (0, "", nil) if no base snapshot has ever
// been uploaded.
func latestBaseID(ctx context.Context, adapter remote.Adapter) (uint64, string, error) {
	names, err := adapter.List(ctx, "base/")
	if err != nil {
		return 0, "", u.RemoteError(err, "list base snapshots")
	}

	var maxID uint64
	var maxName string
	for _, name := range names {
		var id uint64
		if _, err := fmt.Sscanf(name, "base/%016d", &id); err != nil {
			continue
		}
		if id >= maxID {
			maxID = id
			maxName = name
		}
	}
	return maxID, maxName, nil
}

// Bootstrap reconstructs local manifest state by downloading the current
// base snapshot and every patchset above it, in id order, and replaying
// each through applyChanges, one fixed statement per recorded Change (§4.4:
// "state = apply(base, patchsets-in-id-order)"). It is idempotent: calling
// it again after more patchsets have appeared only replays the new ones.
//
// The base snapshot's id is discovered remotely (by listing "base/" and
// taking the highest one found), not read from the local meta table: a
// lost or freshly created local database has meta.base_patchset_id = 0
// regardless of what compaction has folded into a remote base snapshot,
// so trusting the local value would silently skip applying it (Global
// Invariant 3, Testable Property 4 in SPEC_FULL.md). When the remote base
// is newer than what this database has already adopted, its rows are
// decoded and applied before any patchset replay begins; when it is not
// newer, its rows were already applied the run that first adopted it, and
// re-probing it on every call would cost a download for no benefit.
//
// Per the master-key-rotation resolution recorded in DESIGN.md, Bootstrap
// fails with a ConfigError if the base snapshot cannot be opened with
// baseKey, rather than silently treating the local store as empty.
func (d *DB) Bootstrap(ctx context.Context, adapter remote.Adapter, baseKey, patchsetKey cr.Key) error {
	localBaseID, err := d.BasePatchsetID(ctx)
	if err != nil {
		return err
	}

	remoteBaseID, baseName, err := latestBaseID(ctx, adapter)
	if err != nil {
		return err
	}

	if remoteBaseID > localBaseID {
		sealed, err := adapter.Get(ctx, baseName)
		if err != nil {
			return u.RemoteError(err, "download base snapshot %s", baseName)
		}
		payload, err := cr.Open(baseKey, []byte(baseName), sealed)
		if err != nil {
			return u.ConfigError(err, "master key cannot open base snapshot %s; refusing to bootstrap against a possibly-rotated key", baseName)
		}
		if err := d.applyBaseSnapshot(ctx, payload); err != nil {
			return err
		}
		if err := d.AdvanceBase(ctx, remoteBaseID); err != nil {
			return err
		}
	}

	names, err := adapter.List(ctx, "patchset/")
	if err != nil {
		return u.RemoteError(err, "list patchsets")
	}
	sort.Strings(names)

	row := d.sqlDB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM patchsets`)
	var haveMax uint64
	if err := row.Scan(&haveMax); err != nil {
		return u.CorruptionError(err, "query locally applied patchset id")
	}

	for _, name := range names {
		var id uint64
		if _, err := fmt.Sscanf(name, "patchset/%016d", &id); err != nil {
			continue
		}
		if id <= haveMax {
			continue
		}
		sealed, err := adapter.Get(ctx, name)
		if err != nil {
			return u.RemoteError(err, "download patchset %s", name)
		}
		payload, err := cr.Open(patchsetKey, []byte(name), sealed)
		if err != nil {
			return err
		}
		var changes []Change
		if err := json.Unmarshal(payload, &changes); err != nil {
			return u.CorruptionError(err, "decode patchset %s", name)
		}
		if err := d.replay(ctx, id, len(sealed), changes); err != nil {
			return err
		}
	}
	return nil
}

// replay applies one downloaded patchset's changes to the local database in
// a single transaction, then records its patchsets row. It does not go
// through Session.Commit: these changes were already published by whoever
// authored them, so replay must not re-upload them.
func (d *DB) replay(ctx context.Context, patchsetID uint64, byteSize int, changes []Change) error {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return u.IoError(err, "begin replay transaction for patchset %d", patchsetID)
	}
	if err := applyChanges(ctx, tx, changes); err != nil {
		tx.Rollback()
		return u.CorruptionError(err, "replay patchset %d", patchsetID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO patchsets (id, byte_size, rows) VALUES (?, ?, ?)`,
		patchsetID, byteSize, len(changes)); err != nil {
		tx.Rollback()
		return u.IoError(err, "record replayed patchset %d", patchsetID)
	}
	if err := tx.Commit(); err != nil {
		return u.IoError(err, "commit replay of patchset %d", patchsetID)
	}
	return nil
}

// applyChanges replays a decoded changelog against tx, one SQL statement per
// recorded Change, in the same order the original Session produced them.
func applyChanges(ctx context.Context, tx *sql.Tx, changes []Change) error {
	for _, c := range changes {
		var err error
		switch {
		case c.Table == "files" && c.Op == "insert":
			_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO files (id, path) VALUES (?, ?)`,
				c.Row["id"], c.Row["path"])
		case c.Table == "file_versions" && c.Op == "insert":
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO file_versions (file_id, version_ix, mtime, size, mode, closed, symlink_target) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.Row["file_id"], c.Row["version_ix"], c.Row["mtime"], c.Row["size"], c.Row["mode"], c.Row["closed"], c.Row["symlink_target"])
		case c.Table == "file_versions" && c.Op == "close":
			_, err = tx.ExecContext(ctx,
				`UPDATE file_versions SET closed = 1 WHERE file_id = ? AND version_ix = ?`,
				c.Row["file_id"], c.Row["version_ix"])
		case c.Table == "version_blocks" && c.Op == "insert":
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO version_blocks (file_id, version_ix, position, block_hash) VALUES (?, ?, ?, ?)`,
				c.Row["file_id"], c.Row["version_ix"], c.Row["position"], decodeHashField(c.Row["block_hash"]))
		case c.Table == "archives" && c.Op == "insert":
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO archives (id, object_name, uncompressed_len) VALUES (?, ?, ?)`,
				c.Row["id"], c.Row["object_name"], c.Row["uncompressed_len"])
		case c.Table == "blocks" && c.Op == "insert":
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO blocks (hash, archive_id, offset, length) VALUES (?, ?, ?, ?)`,
				decodeHashField(c.Row["hash"]), c.Row["archive_id"], c.Row["offset"], c.Row["length"])
		default:
			err = fmt.Errorf("unrecognized changelog entry %s/%s", c.Table, c.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// decodeHashField recovers a raw []byte from a Change.Row value that was
// round-tripped through JSON, where []byte encodes as a base64 string.
func decodeHashField(v interface{}) []byte {
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err == nil {
			return b
		}
	}
	return nil
}
