// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coldpack.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app_key_id: keyid
app_key: secret
bucket_id: bucket1
bucket_name: my-bucket
key: `+"0000000000000000000000000000000000000000000000000000000000000000"[:64]+`
includes:
  - /data
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CompressionLevel != defCompressionLevel {
		t.Errorf("CompressionLevel = %d, want %d", cfg.CompressionLevel, defCompressionLevel)
	}
	if cfg.MinArchiveLen != defMinArchiveLen {
		t.Errorf("MinArchiveLen = %d, want %d", cfg.MinArchiveLen, defMinArchiveLen)
	}
	if cfg.MaxManifestLen != defMaxManifestLen {
		t.Errorf("MaxManifestLen = %d, want %d", cfg.MaxManifestLen, defMaxManifestLen)
	}
	if cfg.SmallArchivesUpperLimit != defSmallArchivesUpperLimit {
		t.Errorf("SmallArchivesUpperLimit = %d, want %d", cfg.SmallArchivesUpperLimit, defSmallArchivesUpperLimit)
	}
	if cfg.ArchiveCacheBytes != defArchiveCacheBytes {
		t.Errorf("ArchiveCacheBytes = %d, want %d", cfg.ArchiveCacheBytes, defArchiveCacheBytes)
	}
	if cfg.RequestTimeoutSeconds != defRequestTimeoutSeconds {
		t.Errorf("RequestTimeoutSeconds = %d, want %d", cfg.RequestTimeoutSeconds, defRequestTimeoutSeconds)
	}
	if cfg.NumThreads <= 0 {
		t.Errorf("NumThreads = %d, want > 0", cfg.NumThreads)
	}
	if cfg.KeepDeletedFiles != false {
		t.Errorf("KeepDeletedFiles = %v, want false", cfg.KeepDeletedFiles)
	}
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
app_key_id: keyid
app_key: secret
bucket_id: bucket1
bucket_name: my-bucket
key: `+"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"[:64]+`
includes:
  - /data
num_threads: 4
compression_level: 3
min_archive_len: 1000
keep_deleted_files: true
small_patchsets_limit: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NumThreads != 4 {
		t.Errorf("NumThreads = %d, want 4", cfg.NumThreads)
	}
	if cfg.CompressionLevel != 3 {
		t.Errorf("CompressionLevel = %d, want 3", cfg.CompressionLevel)
	}
	if cfg.MinArchiveLen != 1000 {
		t.Errorf("MinArchiveLen = %d, want 1000", cfg.MinArchiveLen)
	}
	if !cfg.KeepDeletedFiles {
		t.Errorf("KeepDeletedFiles = false, want true")
	}
	if cfg.SmallPatchsetsLimit != 1 {
		t.Errorf("SmallPatchsetsLimit = %d, want 1", cfg.SmallPatchsetsLimit)
	}

	key, err := cfg.MasterKey()
	if err != nil {
		t.Fatalf("MasterKey: %v", err)
	}
	if key[0] != 0x01 || key[1] != 0x23 {
		t.Errorf("MasterKey decoded wrong: %x", key[:4])
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
includes:
  - /data
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected ConfigError for missing credentials/key")
	}
}

func TestLoadRejectsMalformedKey(t *testing.T) {
	path := writeConfig(t, `
app_key_id: keyid
app_key: secret
bucket_id: bucket1
bucket_name: my-bucket
key: not-hex
includes:
  - /data
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected ConfigError for malformed key")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
