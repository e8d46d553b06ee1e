package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// DigestBytes returns the ContentDigest of data.
func DigestBytes(data []byte) ContentDigest {
	sum := sha256.Sum256(data)
	return ContentDigest{Hash: hex.EncodeToString(sum[:]), SizeBytes: uint64(len(data))}
}

// DigestFile hashes the file at path and returns its ContentDigest. The
// file is read once, streaming; it is not loaded into memory.
func DigestFile(path string) (ContentDigest, error) {
	f, err := os.Open(path)
	if err != nil {
		return ContentDigest{}, fmt.Errorf("opening %s for digest: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return ContentDigest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return ContentDigest{Hash: hex.EncodeToString(h.Sum(nil)), SizeBytes: uint64(n)}, nil
}
