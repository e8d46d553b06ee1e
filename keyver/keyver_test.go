package keyver

import (
	"encoding/hex"
	"testing"
)

func baseInputs() Inputs {
	return Inputs{
		Paths:          []string{"node_modules", "vendor/cache"},
		CompressionTag: "zstd",
		SymbolicKey:    "deps-linux-a1b2c3",
		Salt:           "1",
	}
}

func TestFingerprintDeterminism(t *testing.T) {
	in := baseInputs()
	first := Fingerprint(in)
	for i := 0; i < 10; i++ {
		if got := Fingerprint(in); got != first {
			t.Fatalf("call %d: fingerprint changed: %s vs %s", i, got, first)
		}
	}
	if raw, err := hex.DecodeString(first); err != nil || len(raw) != 32 {
		t.Fatalf("fingerprint %q is not a 32-byte hex digest (err=%v)", first, err)
	}
}

func TestFingerprintComponentSensitivity(t *testing.T) {
	base := Fingerprint(baseInputs())

	variants := map[string]Inputs{
		"extra path": func() Inputs {
			in := baseInputs()
			in.Paths = append(in.Paths, "target")
			return in
		}(),
		"path order": func() Inputs {
			in := baseInputs()
			in.Paths = []string{"vendor/cache", "node_modules"}
			return in
		}(),
		"compression tag": func() Inputs {
			in := baseInputs()
			in.CompressionTag = "gzip"
			return in
		}(),
		"symbolic key": func() Inputs {
			in := baseInputs()
			in.SymbolicKey = "deps-linux-d4e5f6"
			return in
		}(),
		"salt": func() Inputs {
			in := baseInputs()
			in.Salt = "2"
			return in
		}(),
		"windows scoping": func() Inputs {
			in := baseInputs()
			in.WindowsLike = true
			return in
		}(),
	}

	seen := map[string]string{"base": base}
	for name, in := range variants {
		got := Fingerprint(in)
		for prior, fp := range seen {
			if got == fp {
				t.Fatalf("variant %q collides with %q: %s", name, prior, got)
			}
		}
		seen[name] = got
	}
}

func TestFingerprintCrossPlatformIgnoresWindowsMarker(t *testing.T) {
	in := baseInputs()
	in.CrossPlatform = true
	in.WindowsLike = false
	posix := Fingerprint(in)

	in.WindowsLike = true
	windows := Fingerprint(in)

	if posix != windows {
		t.Fatalf("cross-platform fingerprints differ: %s vs %s", posix, windows)
	}
}

func TestFingerprintNoComponentSplitCollision(t *testing.T) {
	// The length-prefixed encoding must distinguish inputs whose naive
	// delimiter-joined forms are identical.
	a := Fingerprint(Inputs{Paths: []string{"a|b"}, Salt: "1"})
	b := Fingerprint(Inputs{Paths: []string{"a", "b"}, Salt: "1"})
	if a == b {
		t.Fatalf("path %q collides with paths [a b]", "a|b")
	}

	c := Fingerprint(Inputs{Paths: []string{"ab"}, Salt: "1"})
	d := Fingerprint(Inputs{Paths: []string{"a"}, SymbolicKey: "b", Salt: "1"})
	if c == d {
		t.Fatalf("component boundaries leak between paths and symbolic key")
	}
}

func TestFingerprintEmptyPathsPermitted(t *testing.T) {
	// Non-emptiness is the caller's validation; the engine itself
	// accepts an empty list.
	got := Fingerprint(Inputs{SymbolicKey: "k", Salt: "1"})
	if got == "" {
		t.Fatal("expected a fingerprint for empty path list")
	}
}
