// localparity/parity.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package localparity repurposes the teacher's rdso package (whole-file
// Reed-Solomon parity, rdso/rdso.go) as an optional integrity layer over
// the block store's not-yet-uploaded archive staging file (§10.5). Instead
// of protecting a finished backup file end to end, it protects the narrow
// window between "blocks staged to local disk" and "archive uploaded",
// which the original program left unguarded. The segment-hashing scheme is
// unchanged from rdso; only the hash primitive (now the module's own
// BLAKE3 block hash, not an ad hoc SHAKE256 type) and the entry points
// (staging-buffer-shaped, not CLI-file-shaped) are adapted.
package localparity

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/klauspost/reedsolomon"

	"github.com/mmp/coldpack/crypto"
	u "github.com/mmp/coldpack/util"
)

// Sidecar holds the Reed-Solomon parity shards and per-segment hashes for
// one staged archive buffer, persisted next to it as a ".rsparity" file.
type Sidecar struct {
	DataSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]crypto.Hash // data hashes, then parity hashes
	ParityShards               [][]byte
}

// Encode computes parity shards for the staging buffer at dataPath and
// writes them to sidecarPath. nDataShards/nParityShards follow the
// Reed-Solomon scheme rdso used; hashRate is the segment size used for
// fine-grained corruption localization.
func Encode(dataPath, sidecarPath string, nDataShards, nParityShards int, hashRate int64) error {
	shards, size, err := readAndShard(dataPath, nDataShards)
	if err != nil {
		return err
	}

	sc := Sidecar{DataSize: size, NDataShards: nDataShards, NParityShards: nParityShards, HashRate: hashRate}
	for i := 0; i < nParityShards; i++ {
		sc.ParityShards = append(sc.ParityShards, make([]byte, len(shards[0])))
	}

	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return u.IoError(err, "initialize reed-solomon encoder")
	}
	all := append(append([][]byte{}, shards...), sc.ParityShards...)
	if err := enc.Encode(all); err != nil {
		return u.IoError(err, "reed-solomon encode")
	}

	for _, s := range shards {
		sc.Hashes = append(sc.Hashes, hashSegments(s, hashRate))
	}
	for _, s := range sc.ParityShards {
		sc.Hashes = append(sc.Hashes, hashSegments(s, hashRate))
	}

	f, err := os.Create(sidecarPath)
	if err != nil {
		return u.IoError(err, "create sidecar %s", sidecarPath)
	}
	if err := gob.NewEncoder(f).Encode(sc); err != nil {
		f.Close()
		return u.IoError(err, "write sidecar %s", sidecarPath)
	}
	return f.Close()
}

// Check verifies dataPath against its sidecar, returning a CorruptionError
// giving the number of segments whose content no longer matches its
// recorded hash, if there are any.
func Check(dataPath, sidecarPath string) error {
	return checkOrRestore(dataPath, sidecarPath, false)
}

// Restore writes a repaired copy of dataPath to dataPath + ".recovered"
// using the sidecar's parity shards, provided no more than nParityShards
// segments are simultaneously damaged; dataPath itself is left unchanged.
func Restore(dataPath, sidecarPath string) error {
	return checkOrRestore(dataPath, sidecarPath, true)
}

func checkOrRestore(dataPath, sidecarPath string, restore bool) error {
	sc, err := readSidecar(sidecarPath)
	if err != nil {
		return err
	}

	dataShards, _, err := readAndShard(dataPath, sc.NDataShards)
	if err != nil {
		return err
	}

	var allSegs [][][]byte
	for _, s := range dataShards {
		allSegs = append(allSegs, segment(s, sc.HashRate))
	}
	for _, s := range sc.ParityShards {
		allSegs = append(allSegs, segment(s, sc.HashRate))
	}

	errCount := 0
	nSegs := len(allSegs[0])
	for seg := 0; seg < nSegs; seg++ {
		for shardIx := 0; shardIx < len(allSegs); shardIx++ {
			if crypto.HashBytes(allSegs[shardIx][seg]) != sc.Hashes[shardIx][seg] {
				errCount++
				allSegs[shardIx][seg] = nil
			}
		}
	}

	if errCount == 0 {
		return nil
	}
	if !restore {
		return u.CorruptionError(nil, "%s: %d segment(s) failed integrity check", dataPath, errCount)
	}

	enc, err := reedsolomon.New(sc.NDataShards, sc.NParityShards)
	if err != nil {
		return u.IoError(err, "initialize reed-solomon decoder")
	}

	for seg := 0; seg < nSegs; seg++ {
		missing := 0
		var recon [][]byte
		for _, s := range allSegs {
			recon = append(recon, s[seg])
			if s[seg] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err := enc.Reconstruct(recon); err != nil {
				return u.CorruptionError(err, "%s: unrecoverable at segment %d", dataPath, seg)
			}
		}
		for i := 0; i < sc.NDataShards; i++ {
			copy(dataShards[i][int64(seg)*sc.HashRate:], recon[i])
		}
	}

	out, err := os.Create(dataPath + ".recovered")
	if err != nil {
		return u.IoError(err, "create recovered file")
	}
	remaining := sc.DataSize
	for _, s := range dataShards {
		n := int64(len(s))
		if n > remaining {
			n = remaining
		}
		if _, err := out.Write(s[:n]); err != nil {
			out.Close()
			return u.IoError(err, "write recovered file")
		}
		remaining -= n
	}
	return out.Close()
}

func readAndShard(path string, n int) ([][]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, u.IoError(err, "open %s", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, u.IoError(err, "stat %s", path)
	}
	size := fi.Size()

	shardSize := (size + int64(n) - 1) / int64(n)
	buf := make([]byte, int64(n)*shardSize)
	if _, err := io.ReadFull(f, buf[:size]); err != nil {
		return nil, 0, u.IoError(err, "read %s", path)
	}

	return segment(buf, shardSize), size, nil
}

func segment(b []byte, size int64) [][]byte {
	var segs [][]byte
	for int64(len(b)) > size {
		segs = append(segs, b[:size])
		b = b[size:]
	}
	segs = append(segs, b)
	return segs
}

func hashSegments(shard []byte, rate int64) []crypto.Hash {
	var out []crypto.Hash
	for _, s := range segment(shard, rate) {
		out = append(out, crypto.HashBytes(s))
	}
	return out
}

func readSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	f, err := os.Open(path)
	if err != nil {
		return sc, u.IoError(err, "open sidecar %s", path)
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&sc); err != nil {
		return sc, u.IoError(err, "decode sidecar %s", path)
	}
	return sc, nil
}
