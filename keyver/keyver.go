// Package keyver derives stable fingerprints from cache inputs.
//
// A fingerprint is a BLAKE2b-256 hex digest over an ordered component list:
// the cached paths (caller-supplied order, unmodified), the compression tag
// when present, a platform marker when the cache is platform-scoped, the
// symbolic key when present, and a version salt. Two fingerprints are equal
// iff all components are equal.
//
// Components are fed to the hash length-prefixed (decimal byte length, a
// newline, then the component bytes), so no component value can collide
// with a different component split. Determinism and order sensitivity are
// load-bearing: save and restore must supply identical inputs or restores
// never hit.
package keyver

import (
	"encoding/hex"
	"runtime"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// windowsOnlyMarker scopes a fingerprint to Windows-like platforms when the
// caller did not request a cross-platform cache.
const windowsOnlyMarker = "windows-only"

// Inputs are the versioned cache inputs. The zero value of every optional
// field means "absent".
type Inputs struct {
	// Paths in canonical, stable caller order. An empty list is
	// permitted here; the caller validates non-emptiness.
	Paths []string

	// CompressionTag names the archive codec ("zstd", "gzip", ...).
	CompressionTag string

	// CrossPlatform requests a fingerprint shared across platforms.
	CrossPlatform bool

	// WindowsLike reports whether the current platform is Windows-like.
	// See RunningOnWindows for the usual source.
	WindowsLike bool

	// SymbolicKey is the user-facing cache key, when the fingerprint is
	// key-scoped (save and per-candidate restore lookups).
	SymbolicKey string

	// Salt versions the fingerprint scheme itself.
	Salt string
}

// Fingerprint computes the deterministic fingerprint for in. Pure: no I/O,
// no failure modes.
func Fingerprint(in Inputs) string {
	components := make([]string, 0, len(in.Paths)+4)
	components = append(components, in.Paths...)
	if in.CompressionTag != "" {
		components = append(components, in.CompressionTag)
	}
	if in.WindowsLike && !in.CrossPlatform {
		components = append(components, windowsOnlyMarker)
	}
	if in.SymbolicKey != "" {
		components = append(components, in.SymbolicKey)
	}
	components = append(components, in.Salt)

	h, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors on oversized keys; nil key is
		// always valid.
		panic(err)
	}
	for _, c := range components {
		h.Write([]byte(strconv.Itoa(len(c))))
		h.Write([]byte{'\n'})
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RunningOnWindows reports whether the current platform is Windows-like.
func RunningOnWindows() bool {
	return runtime.GOOS == "windows"
}
