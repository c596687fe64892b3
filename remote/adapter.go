// remote/adapter.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package remote defines the narrow object-store contract the core storage
// engine depends on (§4.8/§9: "the remote adapter is the only place that
// warrants an abstraction barrier"), and provides two implementations: an
// in-memory one for tests (grounded on storage/memory.go) and a Backblaze
// B2 one (grounded on original_source/src/client.rs).
package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get/Exists-adjacent calls when name does not
// exist remotely.
var ErrNotFound = errors.New("remote: object not found")

// ErrAlreadyExists is returned by Put when name already exists: the
// contract requires atomic publish with overwrite disallowed.
var ErrAlreadyExists = errors.New("remote: object already exists")

// Adapter is the object-store capability the block store, manifest store,
// and compactor consume. Implementations must make Put atomic and
// non-overwriting, must make Delete idempotent, and may return a
// listing that is only eventually consistent — the core never relies on
// List to observe a write it just performed in the same run.
type Adapter interface {
	// Put uploads bytes under name. It fails with ErrAlreadyExists if an
	// object under that name is already visible to this adapter.
	Put(ctx context.Context, name string, data []byte) error

	// Get downloads the full contents of name. Returns ErrNotFound if it
	// does not exist.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns every object name with the given prefix. The order and
	// freshness are not guaranteed beyond "eventually consistent".
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes name. It is not an error to delete a name that does
	// not exist.
	Delete(ctx context.Context, name string) error

	// Exists reports whether name is currently visible to this adapter.
	Exists(ctx context.Context, name string) (bool, error)
}
