package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stash.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"endpoint": "cache.internal:9443",
		"credential": "s3cret",
		"salt": "2",
		"compression": "gzip",
		"frame_bytes": 65536
	}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := Config{
		Endpoint: "cache.internal:9443", Credential: "s3cret",
		Salt: "2", Compression: "gzip", FrameBytes: 65536,
	}
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing endpoint":    `{"credential": "x"}`,
		"missing credential":  `{"endpoint": "h:1"}`,
		"unknown compression": `{"endpoint": "h:1", "credential": "x", "compression": "brotli"}`,
		"negative frame":      `{"endpoint": "h:1", "credential": "x", "frame_bytes": -1}`,
		"not json":            `endpoint = h:1`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFileEmptyPath(t *testing.T) {
	if _, err := LoadFile(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestFromEnvOverlays(t *testing.T) {
	t.Setenv(EnvEndpoint, "env.internal:1234")
	t.Setenv(EnvCredential, "env-token")
	t.Setenv(EnvSalt, "9")
	t.Setenv(EnvFrameBytes, "4096")

	cfg, err := Config{Endpoint: "file.internal:1", Credential: "file-token", Compression: "zstd"}.FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	want := Config{
		Endpoint: "env.internal:1234", Credential: "env-token",
		Salt: "9", Compression: "zstd", FrameBytes: 4096,
	}
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestFromEnvRejectsBadFrameBytes(t *testing.T) {
	t.Setenv(EnvFrameBytes, "lots")
	if _, err := (Config{Endpoint: "h:1", Credential: "x"}).FromEnv(); err == nil {
		t.Fatal("expected error for non-numeric frame bytes")
	}
}
