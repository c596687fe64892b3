// config/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package config loads the YAML configuration file (§6, §10.1) into a
// Config struct and applies the recognized defaults. Grounded on
// original_source/src/main.rs's Config struct and its def_* default
// functions (keep_deleted_files false, compression_level 17,
// min_archive_len 50_000_000, max_manifest_len), layered here over
// gopkg.in/yaml.v3, with defaults applied after Unmarshal rather than via
// zero-value coincidence.
package config

import (
	"encoding/hex"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	cr "github.com/mmp/coldpack/crypto"
	u "github.com/mmp/coldpack/util"
)

// Config is the full recognized option set of §6.
type Config struct {
	AppKeyID   string `yaml:"app_key_id"`
	AppKey     string `yaml:"app_key"`
	BucketID   string `yaml:"bucket_id"`
	BucketName string `yaml:"bucket_name"`

	Key string `yaml:"key"`

	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`

	KeepDeletedFiles bool `yaml:"keep_deleted_files"`
	NumThreads       int  `yaml:"num_threads"`

	CompressionLevel int   `yaml:"compression_level"`
	MinArchiveLen    int64 `yaml:"min_archive_len"`
	MaxManifestLen   int64 `yaml:"max_manifest_len"`

	SmallArchivesUpperLimit int `yaml:"small_archives_upper_limit"`
	SmallArchivesLowerLimit int `yaml:"small_archives_lower_limit"`
	SmallPatchsetsLimit     int `yaml:"small_patchsets_limit"`

	ArchiveCacheBytes int64 `yaml:"archive_cache_bytes"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	RequestMaxRetries     int `yaml:"request_max_retries"`

	UploadBytesPerSec   int `yaml:"upload_bytes_per_sec"`
	DownloadBytesPerSec int `yaml:"download_bytes_per_sec"`

	// StagingDir enables the local staging integrity layer (§10.5). Empty
	// (the default) keeps archive staging purely in memory.
	StagingDir string `yaml:"staging_dir"`

	// AuthorizeURL overrides the B2 authorize endpoint; used only by the
	// end-to-end test harness to point at a local fake B2 server.
	AuthorizeURL string `yaml:"authorize_url"`
}

// Default values, named after the Rust original's def_* functions.
const (
	defKeepDeletedFiles        = false
	defCompressionLevel        = 17
	defMinArchiveLen     int64 = 50_000_000
	defMaxManifestLen    int64 = 10_000_000

	defSmallArchivesUpperLimit = 10
	defSmallArchivesLowerLimit = 5
	defSmallPatchsetsLimit     = 25

	defArchiveCacheBytes int64 = 256 << 20

	defRequestTimeoutSeconds = 60
	defRequestMaxRetries     = 5
)

// Load reads and parses the YAML file at path, applying defaults to any
// option the file left unset, and validates that the fields required to
// run at all are present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, u.ConfigError(err, "read config file %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, u.ConfigError(err, "parse config file %s", path)
	}

	// Which keys the file sets at all, so that an explicit 0 for an option
	// where 0 means "disabled" is not replaced by its default.
	var present map[string]interface{}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return nil, u.ConfigError(err, "parse config file %s", path)
	}

	cfg.applyDefaults(present)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(present map[string]interface{}) {
	if c.NumThreads <= 0 {
		c.NumThreads = runtime.NumCPU()
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = defCompressionLevel
	}
	if c.MinArchiveLen == 0 {
		c.MinArchiveLen = defMinArchiveLen
	}
	if c.MaxManifestLen == 0 {
		c.MaxManifestLen = defMaxManifestLen
	}
	if _, set := present["small_archives_upper_limit"]; !set {
		c.SmallArchivesUpperLimit = defSmallArchivesUpperLimit
	}
	if c.SmallArchivesLowerLimit == 0 {
		c.SmallArchivesLowerLimit = defSmallArchivesLowerLimit
	}
	if _, set := present["small_patchsets_limit"]; !set {
		c.SmallPatchsetsLimit = defSmallPatchsetsLimit
	}
	if c.ArchiveCacheBytes == 0 {
		c.ArchiveCacheBytes = defArchiveCacheBytes
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = defRequestTimeoutSeconds
	}
	if c.RequestMaxRetries == 0 {
		c.RequestMaxRetries = defRequestMaxRetries
	}
	// KeepDeletedFiles, UploadBytesPerSec and DownloadBytesPerSec default
	// to their Go zero values already (false and 0/unlimited), matching
	// def_keep_deleted_files and the teacher's unlimited-by-default
	// bandwidth limiter.
	_ = defKeepDeletedFiles
}

func (c *Config) validate() error {
	if c.Key == "" {
		return u.ConfigError(nil, "missing required field: key")
	}
	if len(c.Key) != 2*cr.KeySize {
		return u.ConfigError(nil, "key must be %d hex chars, got %d", 2*cr.KeySize, len(c.Key))
	}
	if _, err := hex.DecodeString(c.Key); err != nil {
		return u.ConfigError(err, "key is not valid hex")
	}
	if c.AppKeyID == "" || c.AppKey == "" {
		return u.ConfigError(nil, "missing required remote credentials: app_key_id/app_key")
	}
	if c.BucketID == "" || c.BucketName == "" {
		return u.ConfigError(nil, "missing required field: bucket_id/bucket_name")
	}
	if len(c.Includes) == 0 {
		return u.ConfigError(nil, "missing required field: includes")
	}
	return nil
}

// MasterKey decodes the hex-encoded key field, mirroring the Rust
// original's Config::key().
func (c *Config) MasterKey() (cr.Key, error) {
	var key cr.Key
	raw, err := hex.DecodeString(c.Key)
	if err != nil {
		return key, u.ConfigError(err, "decode master key")
	}
	if len(raw) != cr.KeySize {
		return key, u.ConfigError(nil, "decoded key is %d bytes, want %d", len(raw), cr.KeySize)
	}
	copy(key[:], raw)
	return key, nil
}
