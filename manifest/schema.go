// manifest/schema.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package manifest

const schemaVersion = 1

// schemaDDL creates every logical table named in §4.4, plus the
// supplemented symlink_target column (§3). No example repo in this
// module's corpus has a SQL layer of its own (the teacher, mmp-bk, stores
// everything as content-addressed blobs and gob-encoded trees), so this
// schema is grounded on original_source/src/manifest.rs's final table
// shapes rather than on any Go example.
var schemaDDL = `
CREATE TABLE IF NOT EXISTS archives (
	id INTEGER PRIMARY KEY,
	object_name TEXT NOT NULL,
	uncompressed_len INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	hash BLOB PRIMARY KEY,
	archive_id INTEGER NOT NULL REFERENCES archives(id),
	offset INTEGER NOT NULL,
	length INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY,
	path TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS file_versions (
	file_id INTEGER NOT NULL REFERENCES files(id),
	version_ix INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	size INTEGER NOT NULL,
	mode INTEGER NOT NULL,
	closed INTEGER NOT NULL DEFAULT 0,
	symlink_target TEXT,
	PRIMARY KEY (file_id, version_ix)
);

CREATE TABLE IF NOT EXISTS version_blocks (
	file_id INTEGER NOT NULL,
	version_ix INTEGER NOT NULL,
	position INTEGER NOT NULL,
	block_hash BLOB NOT NULL REFERENCES blocks(hash),
	PRIMARY KEY (file_id, version_ix, position),
	FOREIGN KEY (file_id, version_ix) REFERENCES file_versions(file_id, version_ix)
);

CREATE TABLE IF NOT EXISTS patchsets (
	id INTEGER PRIMARY KEY,
	byte_size INTEGER NOT NULL,
	rows INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	base_patchset_id INTEGER NOT NULL DEFAULT 0,
	schema_version INTEGER NOT NULL
);

INSERT OR IGNORE INTO meta (id, base_patchset_id, schema_version) VALUES (0, 0, ` + itoa(schemaVersion) + `);
`

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
