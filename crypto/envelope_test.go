// crypto/envelope_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package crypto

import (
	"bytes"
	"math/rand"
	"testing"
)

func randomKey() Key {
	var k Key
	_, _ = rand.Read(k[:])
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := randomKey()
	name := []byte("archive/0000000000000001")
	plaintext := make([]byte, 1+rand.Intn(1<<20))
	_, _ = rand.Read(plaintext)

	sealed, err := Seal(key, name, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := Open(key, name, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("round trip mismatch")
	}
}

func TestOpenFailsOnWrongAssociatedData(t *testing.T) {
	key := randomKey()
	sealed, err := Seal(key, []byte("archive/1"), []byte("hello"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(key, []byte("archive/2"), sealed); err == nil {
		t.Fatalf("expected integrity failure on mismatched associated data")
	}
}

func TestOpenFailsOnTamperedCiphertext(t *testing.T) {
	key := randomKey()
	name := []byte("patchset/7")
	sealed, err := Seal(key, name, []byte("hello world"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := Open(key, name, sealed); err == nil {
		t.Fatalf("expected integrity failure on tampered ciphertext")
	}
}

func TestOpenFailsOnWrongKey(t *testing.T) {
	name := []byte("base/1")
	sealed, err := Seal(randomKey(), name, []byte("hello world"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(randomKey(), name, sealed); err == nil {
		t.Fatalf("expected integrity failure on wrong key")
	}
}

func TestDeriveKeyIsDeterministicAndDomainSeparated(t *testing.T) {
	master := randomKey()
	a1 := DeriveKey(master, DomainArchive)
	a2 := DeriveKey(master, DomainArchive)
	if a1 != a2 {
		t.Fatalf("DeriveKey not deterministic")
	}

	p := DeriveKey(master, DomainPatchset)
	if a1 == p {
		t.Fatalf("archive and patchset sub-keys collided")
	}
}

func TestHashBytesStable(t *testing.T) {
	data := []byte("the quick brown fox")
	if HashBytes(data) != HashBytes(data) {
		t.Fatalf("HashBytes not deterministic")
	}
	if HashBytes(data) == HashBytes([]byte("the quick brown fo")) {
		t.Fatalf("different inputs hashed identically")
	}
}
