// splitter/split.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package splitter implements content-defined chunking: a rolling checksum
// over a 64-byte window decides block boundaries so that inserting or
// deleting bytes near one boundary does not reshuffle blocks far away from
// the edit. This is the "bup" style two-sum rolling checksum, adapted from
// storage/split.go's HashSplitter: instead of a single splitBits parameter
// producing chunks averaging 1<<splitBits bytes, the boundary decision now
// takes independent min/target/max sizes, and every emitted block is
// hashed with BLAKE3 instead of left for the caller to hash arbitrarily.
package splitter

import (
	"bufio"
	"io"
	"math/bits"

	"github.com/mmp/coldpack/crypto"
	u "github.com/mmp/coldpack/util"
)

// Default block sizes.
const (
	DefaultMinSize    = 64 * 1024
	DefaultTargetSize = 1 * 1024 * 1024
	DefaultMaxSize    = 8 * 1024 * 1024
)

// Block is one content-defined chunk: its position in the stream, its
// length, and the BLAKE3 hash of its exact bytes.
type Block struct {
	Offset int64
	Length int
	Hash   crypto.Hash
}

const (
	charOffset = 31
	windowBits = 6
	windowSize = 1 << windowBits
)

// Splitter holds the rolling-checksum state for one logical stream. A
// stream may be split across multiple calls to SplitFromReader as long as
// the same Splitter (with its window state) is reused across the pause, so
// that "same input bytes yield identical splits regardless of where the
// stream is paused/resumed" holds.
type Splitter struct {
	minSize    int
	targetMask uint32
	maxSize    int

	s1, s2 uint32
	window [windowSize]byte
	wofs   int
	count  int
}

// New returns a Splitter with the given min/target/max block sizes.
// targetSize must be a power of two (the spec's "low N bits of the rolling
// hash equal a fixed mask" boundary rule needs a power-of-two period).
func New(minSize, targetSize, maxSize int) *Splitter {
	if minSize <= 0 || targetSize <= 0 || maxSize <= 0 || minSize > targetSize || targetSize > maxSize {
		panic("splitter: sizes must satisfy 0 < min <= target <= max")
	}
	if targetSize&(targetSize-1) != 0 {
		panic("splitter: targetSize must be a power of two")
	}
	s := &Splitter{
		minSize:    minSize,
		targetMask: uint32(targetSize - 1),
		maxSize:    maxSize,
	}
	s.resetWindow()
	return s
}

// NewDefault returns a Splitter using the spec's default sizes (64 KiB min,
// 1 MiB target, 8 MiB max).
func NewDefault() *Splitter {
	return New(DefaultMinSize, DefaultTargetSize, DefaultMaxSize)
}

func (s *Splitter) resetWindow() {
	s.s1 = windowSize * charOffset
	s.s2 = windowSize * (windowSize - 1) * charOffset
	s.wofs = 0
	s.count = 0
	for i := range s.window {
		s.window[i] = 0
	}
}

func (s *Splitter) addByte(b byte) {
	drop := s.window[s.wofs]
	s.s1 += uint32(b) - uint32(drop)
	s.s2 += s.s1 - (windowSize * uint32(int(drop)+charOffset))
	s.window[s.wofs] = b
	s.wofs = (s.wofs + 1) % windowSize
	s.count++
}

func (s *Splitter) splitNow() bool {
	if s.count >= s.maxSize {
		return true
	}
	if s.count < s.minSize || s.count < 8*windowSize {
		return false
	}
	digest := (s.s1 << 16) | (s.s2 & 0xffff)
	return digest&s.targetMask == s.targetMask
}

// SplitFromReader reads bytes one at a time from r until a block boundary
// is found (or r is exhausted) and returns the block's raw bytes. The
// caller must reset the window state (via Reset) before requesting the
// next block. Returns a zero-length slice at end of stream.
func (s *Splitter) SplitFromReader(r io.ByteReader) ([]byte, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, u.IoError(err, "read byte during split")
		}
		s.addByte(b)
		buf = append(buf, b)
		if s.splitNow() {
			return buf, nil
		}
	}
}

// Reset clears the rolling-checksum window and the byte count between
// blocks, so each block starts a fresh count against minSize/maxSize.
func (s *Splitter) Reset() {
	s.resetWindow()
}

// Split consumes r to completion and returns the ordered sequence of
// blocks, each hashed with BLAKE3 over its exact bytes, per §4.2's
// contract: split(bytes-stream) -> ordered sequence of (offset, length,
// content-hash).
func Split(r io.Reader, s *Splitter) ([]Block, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	var blocks []Block
	var offset int64
	for {
		raw, err := s.SplitFromReader(br)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return blocks, nil
		}
		blocks = append(blocks, Block{
			Offset: offset,
			Length: len(raw),
			Hash:   crypto.HashBytes(raw),
		})
		offset += int64(len(raw))
		s.Reset()
	}
}

// SplitBytes is a convenience wrapper for callers that already hold the
// full byte slice in memory and want both blocks and their raw bytes.
func SplitBytes(data []byte, s *Splitter) ([]Block, [][]byte, error) {
	var blocks []Block
	var raws [][]byte
	var offset int64
	br := &byteSliceReader{data: data}
	for {
		raw, err := s.SplitFromReader(br)
		if err != nil {
			return nil, nil, err
		}
		if len(raw) == 0 {
			return blocks, raws, nil
		}
		blocks = append(blocks, Block{
			Offset: offset,
			Length: len(raw),
			Hash:   crypto.HashBytes(raw),
		})
		raws = append(raws, raw)
		offset += int64(len(raw))
		s.Reset()
	}
}

type byteSliceReader struct {
	data []byte
	pos  int
}

func (r *byteSliceReader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// targetBits returns the number of low bits fixed by targetMask, useful
// for logging/diagnostics (e.g. "splitting at ~1<<20 bytes").
func targetBits(mask uint32) int {
	return bits.Len32(mask)
}
