package grpcstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/buildstash/stash/remote"
)

// DiskBackend stores blobs and association records under a root directory.
//
// Blobs are immutable files keyed by digest, sharded on the first two hash
// characters. Associations are JSON files keyed by fingerprint; registering
// under an existing fingerprint replaces the file.
//
//	<root>/blobs/<hh>/<hash>-<size>
//	<root>/assoc/<ff>/<fingerprint>.json
type DiskBackend struct {
	root string
}

var _ Backend = (*DiskBackend)(nil)

// NewDiskBackend constructs a backend rooted at root. The directory is
// created if needed.
func NewDiskBackend(root string) (*DiskBackend, error) {
	if root == "" {
		return nil, errors.New("grpcstore: root directory is required")
	}
	for _, sub := range []string{"blobs", "assoc"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &DiskBackend{root: root}, nil
}

type diskRecord struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Hash        string `json:"hash"`
	SizeBytes   uint64 `json:"size_bytes"`
	Paths       string `json:"paths"`
}

func (b *DiskBackend) Association(fingerprint string) (remote.AssociationRecord, error) {
	data, err := os.ReadFile(b.associationPath(fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return remote.AssociationRecord{}, remote.ErrNotFound
		}
		return remote.AssociationRecord{}, err
	}
	var rec diskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return remote.AssociationRecord{}, fmt.Errorf("grpcstore: corrupt association %s: %w", fingerprint, err)
	}
	return remote.AssociationRecord{
		ID:          rec.ID,
		Fingerprint: rec.Fingerprint,
		Digest:      remote.ContentDigest{Hash: rec.Hash, SizeBytes: rec.SizeBytes},
		Paths:       rec.Paths,
	}, nil
}

func (b *DiskBackend) SaveAssociation(record remote.AssociationRecord) (string, error) {
	record.ID = uuid.NewString()
	data, err := json.Marshal(diskRecord{
		ID:          record.ID,
		Fingerprint: record.Fingerprint,
		Hash:        record.Digest.Hash,
		SizeBytes:   record.Digest.SizeBytes,
		Paths:       record.Paths,
	})
	if err != nil {
		return "", err
	}
	path := b.associationPath(record.Fingerprint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	// Write-then-rename so a concurrent Lookup never sees a torn record.
	tmp := path + ".tmp." + record.ID
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return record.ID, nil
}

func (b *DiskBackend) Blob(d remote.ContentDigest) ([]byte, error) {
	data, err := os.ReadFile(b.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, remote.ErrNotFound
		}
		return nil, err
	}
	got := remote.DigestBytes(data)
	if got != d {
		return nil, remote.ErrDigestMismatch
	}
	return data, nil
}

func (b *DiskBackend) SaveBlob(d remote.ContentDigest, data []byte) error {
	path := b.blobPath(d)
	if _, err := os.Stat(path); err == nil {
		// Blobs are content-addressed; an existing file is the same bytes.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o444); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (b *DiskBackend) HasBlob(d remote.ContentDigest) bool {
	_, err := os.Stat(b.blobPath(d))
	return err == nil
}

func (b *DiskBackend) blobPath(d remote.ContentDigest) string {
	name := fmt.Sprintf("%s-%d", d.Hash, d.SizeBytes)
	shard := "xx"
	if len(d.Hash) >= 2 {
		shard = d.Hash[:2]
	}
	return filepath.Join(b.root, "blobs", shard, name)
}

func (b *DiskBackend) associationPath(fingerprint string) string {
	shard := "xx"
	if len(fingerprint) >= 2 {
		shard = fingerprint[:2]
	}
	return filepath.Join(b.root, "assoc", shard, fingerprint+".json")
}
