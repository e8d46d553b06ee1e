package testkit

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/buildstash/stash/remote"
)

// NewStoreFunc constructs a fresh, empty Store instance for a test.
// The returned Store MUST be isolated from other tests.
type NewStoreFunc func(t *testing.T) remote.Store

// RunStoreConformance exercises the remote.Store contract against an
// implementation. Both the in-memory fake and the gRPC client/server pair
// run this suite.
func RunStoreConformance(t *testing.T, newStore NewStoreFunc) {
	t.Helper()
	ctx := context.Background()

	t.Run("LookupMissingIsNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.LookupAssociation(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
		if !remote.IsNotFound(err) {
			t.Fatalf("lookup missing: got err=%v, want ErrNotFound", err)
		}
	})

	t.Run("RegisterThenLookup", func(t *testing.T) {
		store := newStore(t)
		record := remote.AssociationRecord{
			Fingerprint: "f0f0f0f0",
			Digest:      remote.DigestBytes([]byte("payload")),
			Paths:       "node_modules",
		}
		id, err := store.RegisterAssociation(ctx, record)
		if err != nil {
			t.Fatalf("RegisterAssociation: %v", err)
		}
		if id == "" {
			t.Fatal("expected a non-empty association id")
		}

		got, err := store.LookupAssociation(ctx, record.Fingerprint)
		if err != nil {
			t.Fatalf("LookupAssociation: %v", err)
		}
		if got.Digest != record.Digest || got.Paths != record.Paths {
			t.Fatalf("lookup mismatch: got %+v, want %+v", got, record)
		}
	})

	t.Run("UploadDownloadRoundTrip", func(t *testing.T) {
		store := newStore(t)
		payload := bytes.Repeat([]byte("stash conformance "), 1000)
		d := remote.DigestBytes(payload)

		stream, err := store.OpenUploadStream(ctx)
		if err != nil {
			t.Fatalf("OpenUploadStream: %v", err)
		}
		resource := remote.UploadResource("conformance-session", d)
		const frame = 4096
		for off := 0; off < len(payload); off += frame {
			end := off + frame
			if end > len(payload) {
				end = len(payload)
			}
			err := stream.Send(remote.WriteFrame{
				ResourceName: resource,
				Data:         payload[off:end],
				WriteOffset:  int64(off),
				FinishWrite:  end == len(payload),
			})
			if err != nil {
				t.Fatalf("Send at offset %d: %v", off, err)
			}
		}
		committed, err := stream.CloseAndRecv()
		if err != nil {
			t.Fatalf("CloseAndRecv: %v", err)
		}
		if committed != int64(len(payload)) {
			t.Fatalf("committed %d, want %d", committed, len(payload))
		}

		down, err := store.OpenDownloadStream(ctx, remote.BlobResource(d))
		if err != nil {
			t.Fatalf("OpenDownloadStream: %v", err)
		}
		defer down.Close()
		var got []byte
		for {
			chunk, err := down.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			got = append(got, chunk...)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("downloaded %d bytes, mismatch with %d uploaded", len(got), len(payload))
		}
	})

	t.Run("DownloadMissingIsNotFound", func(t *testing.T) {
		store := newStore(t)
		d := remote.DigestBytes([]byte("never uploaded"))
		down, err := store.OpenDownloadStream(ctx, remote.BlobResource(d))
		if err == nil {
			// Some transports surface NotFound on the first receive
			// rather than at open.
			_, err = down.Next()
			down.Close()
		}
		if !remote.IsNotFound(err) {
			t.Fatalf("download missing: got err=%v, want ErrNotFound", err)
		}
	})
}
