// Package config loads the client configuration for the cache service:
// where it lives, how to authenticate, and the fingerprint salt.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/buildstash/stash/archive"
	"github.com/buildstash/stash/transfer"
)

// Environment variable names recognized by FromEnv. Environment values
// override file values field by field.
const (
	EnvEndpoint    = "STASH_ENDPOINT"
	EnvCredential  = "STASH_CREDENTIAL"
	EnvSalt        = "STASH_SALT"
	EnvCompression = "STASH_COMPRESSION"
	EnvFrameBytes  = "STASH_FRAME_BYTES"
)

// Config describes one cache service connection.
//
// Example:
//
//	{
//	  "endpoint": "cache.internal:9443",
//	  "credential": "s3cret",
//	  "salt": "2",
//	  "compression": "zstd"
//	}
type Config struct {
	// Endpoint is the host:port of the cache service.
	Endpoint string `json:"endpoint"`

	// Credential is the bearer token sent with every request.
	Credential string `json:"credential"`

	// Salt versions all fingerprints produced under this config.
	Salt string `json:"salt,omitempty"`

	// Compression selects the archive codec ("none", "gzip", "zstd").
	// Empty means the default codec.
	Compression string `json:"compression,omitempty"`

	// FrameBytes sets the upload frame size. Zero means the default.
	FrameBytes int64 `json:"frame_bytes,omitempty"`
}

// LoadFile reads a JSON config from path and validates it.
func LoadFile(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("config: empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// FromEnv overlays environment variables onto c and validates the result.
// Unset variables leave the corresponding field untouched.
func (c Config) FromEnv() (Config, error) {
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv(EnvCredential); v != "" {
		c.Credential = v
	}
	if v := os.Getenv(EnvSalt); v != "" {
		c.Salt = v
	}
	if v := os.Getenv(EnvCompression); v != "" {
		c.Compression = v
	}
	if v := os.Getenv(EnvFrameBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("config: invalid %s %q: %w", EnvFrameBytes, v, err)
		}
		c.FrameBytes = n
	}
	return c, c.Validate()
}

// Validate checks that c can open a connection.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("config: endpoint is required")
	}
	if c.Credential == "" {
		return errors.New("config: credential is required")
	}
	switch c.Compression {
	case "", archive.TagNone, archive.TagGzip, archive.TagZstd:
	default:
		return fmt.Errorf("config: invalid compression %q", c.Compression)
	}
	if c.FrameBytes < 0 || c.FrameBytes > transfer.MaxFrameBytes {
		return fmt.Errorf("config: frame_bytes %d outside (0, %d]", c.FrameBytes, transfer.MaxFrameBytes)
	}
	return nil
}
