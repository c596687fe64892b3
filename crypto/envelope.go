// crypto/envelope.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package crypto implements the frame-level authenticated encryption
// envelope every remote object (archive, patchset, base snapshot) is
// wrapped in. It replaces the teacher's per-chunk AES-CFB+PBKDF2 scheme
// (storage/encrypted.go) with a single XChaCha20-Poly1305 frame per object
// and BLAKE3-keyed domain-separated sub-keys, matching the envelope design
// a sealed object must satisfy.
package crypto

import (
	"crypto/rand"
	"io"

	"github.com/glycerine/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	u "github.com/mmp/coldpack/util"
)

// KeySize is the length in bytes of the master key and of every derived
// sub-key.
const KeySize = 32

// Domain labels used to derive independent sub-keys from the master key.
// Using distinct sub-keys per logical stream means a compromise or misuse
// of one stream's key material does not help an attacker with another.
const (
	DomainArchive  = "archive"
	DomainPatchset = "patchset"
	DomainBase     = "base"
)

// Key is a 32-byte symmetric key: either the master key loaded from
// configuration, or a sub-key derived from it via DeriveKey.
type Key [KeySize]byte

// DeriveKey computes subkey = BLAKE3_keyed(masterKey, domainLabel), used to
// give each object class (archive/patchset/base) its own key while storing
// only one secret in configuration.
func DeriveKey(master Key, domainLabel string) Key {
	h := blake3.New(32, master[:])
	_, _ = h.Write([]byte(domainLabel))
	var out Key
	sum := h.Sum(nil)
	copy(out[:], sum)
	return out
}

// Seal encrypts plaintext under key, binding associatedData (the object's
// logical name) into the authentication tag, and returns
// nonce(24) || ciphertext || tag(16).
func Seal(key Key, associatedData, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, u.ConfigError(err, "initialize XChaCha20-Poly1305")
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, u.IoError(err, "read random nonce")
	}

	sealed := aead.Seal(nil, nonce, plaintext, associatedData)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts an envelope produced by Seal, verifying associatedData
// matches what was sealed. Any failure — truncated input, wrong key, wrong
// associated data, tampered ciphertext — is reported as an IntegrityError:
// fatal, never retried.
func Open(key Key, associatedData, envelope []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, u.ConfigError(err, "initialize XChaCha20-Poly1305")
	}

	if len(envelope) < chacha20poly1305.NonceSizeX {
		return nil, u.IntegrityError(nil, "envelope shorter than nonce")
	}
	nonce := envelope[:chacha20poly1305.NonceSizeX]
	sealed := envelope[chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, sealed, associatedData)
	if err != nil {
		return nil, u.IntegrityError(err, "authentication failed")
	}
	return plaintext, nil
}

// Hash is a content hash: the sole identity of a Block (§3).
type Hash [32]byte

// HashBytes computes the BLAKE3 hash of b.
func HashBytes(b []byte) Hash {
	return Hash(blake3.Sum256(b))
}

// Probe attempts to decrypt a small envelope with key and reports whether
// it succeeds, without returning the plaintext.
func Probe(key Key, associatedData, envelope []byte) error {
	_, err := Open(key, associatedData, envelope)
	return err
}
