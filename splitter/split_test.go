// splitter/split_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package splitter

import (
	"bytes"
	"math/rand"
	"os"
	"testing"

	"github.com/mmp/coldpack/crypto"
)

func TestSplitCorrectAndDistribution(t *testing.T) {
	seed := int64(os.Getpid())
	rand.Seed(seed)
	t.Logf("Seed %d", seed)

	const sz = 8 * 1024 * 1024
	b := make([]byte, sz+rand.Intn(sz))
	_, _ = rand.Read(b)

	for _, target := range []int{1 << 14, 1 << 16, 1 << 18} {
		s := New(target/4, target, target*4)

		var sliced []byte
		numBlocks := 0
		blocks, raws, err := SplitBytes(b, s)
		if err != nil {
			t.Fatalf("SplitBytes: %v", err)
		}
		for _, raw := range raws {
			sliced = append(sliced, raw...)
			numBlocks++
		}
		if !bytes.Equal(b, sliced) {
			t.Fatalf("contents don't match for target %d", target)
		}
		for i, blk := range blocks {
			if blk.Length != len(raws[i]) {
				t.Errorf("block %d: length %d != raw length %d", i, blk.Length, len(raws[i]))
			}
		}

		expected := len(b) / target
		if numBlocks < expected/4 || numBlocks > expected*4 {
			t.Errorf("target %d: got %d blocks, expected ~%d", target, numBlocks, expected)
		}
	}
}

func TestSplitRespectsMinAndMax(t *testing.T) {
	const min, target, max = 1024, 4096, 16384
	s := New(min, target, max)

	// All-zero input never satisfies the mask condition until forced by
	// max, so every block except possibly the last should be exactly max.
	data := make([]byte, max*5+37)
	blocks, _, err := SplitBytes(data, s)
	if err != nil {
		t.Fatalf("SplitBytes: %v", err)
	}
	for i, b := range blocks[:len(blocks)-1] {
		if b.Length != max {
			t.Errorf("block %d: length %d, expected max %d", i, b.Length, max)
		}
	}
	last := blocks[len(blocks)-1]
	if last.Length != 37 {
		t.Errorf("last block length %d, expected 37", last.Length)
	}
}

func TestSplitByteChangeIsLocal(t *testing.T) {
	seed := int64(os.Getpid())
	rand.Seed(seed)
	t.Logf("Seed %d", seed)

	orig := make([]byte, 512*1024)
	_, _ = rand.Read(orig)

	const min, target, max = 4096, 16384, 65536

	blocksOf := func(b []byte) map[crypto.Hash]struct{} {
		s := New(min, target, max)
		blocks, _, err := SplitBytes(b, s)
		if err != nil {
			t.Fatalf("SplitBytes: %v", err)
		}
		m := make(map[crypto.Hash]struct{})
		for _, blk := range blocks {
			m[crypto.Hash(blk.Hash)] = struct{}{}
		}
		return m
	}

	before := blocksOf(orig)

	changed := make([]byte, len(orig))
	copy(changed, orig)
	offset := rand.Intn(len(changed) - 2)
	changed[offset] ^= 0xff

	after := blocksOf(changed)

	newBlocks := 0
	for h := range after {
		if _, ok := before[h]; !ok {
			newBlocks++
		}
	}

	// A single-byte change should only perturb a small, bounded number of
	// blocks near the edit, not the whole file.
	if newBlocks > 4 {
		t.Errorf("single-byte change produced %d new blocks, expected a small number", newBlocks)
	}
}
