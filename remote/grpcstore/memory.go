package grpcstore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/buildstash/stash/remote"
)

// MemoryBackend keeps associations and blobs in process memory. Useful for
// tests and short-lived development servers.
type MemoryBackend struct {
	mu           sync.RWMutex
	associations map[string]remote.AssociationRecord
	blobs        map[remote.ContentDigest][]byte
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		associations: make(map[string]remote.AssociationRecord),
		blobs:        make(map[remote.ContentDigest][]byte),
	}
}

func (b *MemoryBackend) Association(fingerprint string) (remote.AssociationRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	record, ok := b.associations[fingerprint]
	if !ok {
		return remote.AssociationRecord{}, remote.ErrNotFound
	}
	return record, nil
}

func (b *MemoryBackend) SaveAssociation(record remote.AssociationRecord) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	record.ID = uuid.NewString()
	b.associations[record.Fingerprint] = record
	return record.ID, nil
}

func (b *MemoryBackend) Blob(d remote.ContentDigest) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[d]
	if !ok {
		return nil, remote.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *MemoryBackend) SaveBlob(d remote.ContentDigest, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	b.blobs[d] = stored
	return nil
}

func (b *MemoryBackend) HasBlob(d remote.ContentDigest) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[d]
	return ok
}
