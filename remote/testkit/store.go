// Package testkit provides an in-memory remote.Store fake with fault
// injection, plus a conformance suite that any Store implementation must
// pass.
package testkit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/buildstash/stash/remote"
)

// Store is an in-memory remote.Store. The zero value is not usable; call
// NewStore.
//
// Fault injection hooks run before the corresponding operation; a non-nil
// return is surfaced to the caller unchanged. CommitShortfall simulates a
// remote that commits fewer bytes than were streamed.
type Store struct {
	mu           sync.Mutex
	associations map[string]remote.AssociationRecord
	blobs        map[string][]byte
	nextID       int

	LookupErr   func(fingerprint string) error
	RegisterErr func(record remote.AssociationRecord) error
	SendErr     func(frame remote.WriteFrame) error

	// CommitShortfall is subtracted from the reported committed size.
	CommitShortfall int64

	// ChunkSize bounds download chunk lengths. Zero means 64 KiB.
	ChunkSize int

	// Frames records every frame received across all uploads, in order.
	Frames []remote.WriteFrame

	// Lookups records every fingerprint queried, in order.
	Lookups []string
}

func NewStore() *Store {
	return &Store{
		associations: make(map[string]remote.AssociationRecord),
		blobs:        make(map[string][]byte),
	}
}

// SeedAssociation installs a record as if a prior save had registered it.
func (s *Store) SeedAssociation(record remote.AssociationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.associations[record.Fingerprint] = record
}

// SeedBlob installs blob bytes addressed by their digest.
func (s *Store) SeedBlob(data []byte) remote.ContentDigest {
	d := remote.DigestBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[remote.BlobResource(d)] = append([]byte(nil), data...)
	return d
}

// Blob returns the stored bytes for a digest, if any.
func (s *Store) Blob(d remote.ContentDigest) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[remote.BlobResource(d)]
	return b, ok
}

// Association returns the stored record for a fingerprint, if any.
func (s *Store) Association(fingerprint string) (remote.AssociationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.associations[fingerprint]
	return rec, ok
}

func (s *Store) LookupAssociation(ctx context.Context, fingerprint string) (remote.AssociationRecord, error) {
	s.mu.Lock()
	s.Lookups = append(s.Lookups, fingerprint)
	s.mu.Unlock()

	if s.LookupErr != nil {
		if err := s.LookupErr(fingerprint); err != nil {
			return remote.AssociationRecord{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.associations[fingerprint]
	if !ok {
		return remote.AssociationRecord{}, remote.ErrNotFound
	}
	return rec, nil
}

func (s *Store) RegisterAssociation(ctx context.Context, record remote.AssociationRecord) (string, error) {
	if s.RegisterErr != nil {
		if err := s.RegisterErr(record); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	record.ID = fmt.Sprintf("assoc-%d", s.nextID)
	s.associations[record.Fingerprint] = record
	return record.ID, nil
}

func (s *Store) OpenUploadStream(ctx context.Context) (remote.UploadStream, error) {
	return &uploadStream{store: s}, nil
}

func (s *Store) OpenDownloadStream(ctx context.Context, resourceName string) (remote.DownloadStream, error) {
	s.mu.Lock()
	data, ok := s.blobs[resourceName]
	s.mu.Unlock()
	if !ok {
		return nil, remote.ErrNotFound
	}

	chunk := s.ChunkSize
	if chunk == 0 {
		chunk = 64 * 1024
	}
	return &downloadStream{reader: bytes.NewReader(data), chunk: chunk}, nil
}

type uploadStream struct {
	store    *Store
	resource string
	buf      bytes.Buffer
	finished bool
}

func (u *uploadStream) Send(frame remote.WriteFrame) error {
	if u.store.SendErr != nil {
		if err := u.store.SendErr(frame); err != nil {
			return err
		}
	}
	if u.finished {
		return fmt.Errorf("testkit: frame after FinishWrite")
	}
	if u.resource == "" {
		u.resource = frame.ResourceName
	} else if frame.ResourceName != "" && frame.ResourceName != u.resource {
		return fmt.Errorf("testkit: resource name changed mid-stream")
	}
	if frame.WriteOffset != int64(u.buf.Len()) {
		return fmt.Errorf("testkit: offset %d, expected %d", frame.WriteOffset, u.buf.Len())
	}
	u.buf.Write(frame.Data)
	u.finished = frame.FinishWrite

	u.store.mu.Lock()
	u.store.Frames = append(u.store.Frames, remote.WriteFrame{
		ResourceName: frame.ResourceName,
		Data:         append([]byte(nil), frame.Data...),
		WriteOffset:  frame.WriteOffset,
		FinishWrite:  frame.FinishWrite,
	})
	u.store.mu.Unlock()
	return nil
}

func (u *uploadStream) CloseAndRecv() (int64, error) {
	if !u.finished {
		return 0, fmt.Errorf("testkit: stream closed without FinishWrite")
	}
	_, d, err := remote.ParseResource(u.resource)
	if err != nil {
		return 0, err
	}

	committed := int64(u.buf.Len()) - u.store.CommitShortfall
	if committed < 0 {
		committed = 0
	}
	if committed == int64(u.buf.Len()) {
		u.store.mu.Lock()
		u.store.blobs[remote.BlobResource(d)] = append([]byte(nil), u.buf.Bytes()...)
		u.store.mu.Unlock()
	}
	return committed, nil
}

type downloadStream struct {
	reader *bytes.Reader
	chunk  int
}

func (d *downloadStream) Next() ([]byte, error) {
	buf := make([]byte, d.chunk)
	n, err := d.reader.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.EOF {
		return nil, io.EOF
	}
	return nil, err
}

func (d *downloadStream) Close() error { return nil }
