package remote

import "context"

// Store is the minimal capability interface over the remote cache service.
//
// Contract:
// - LookupAssociation MUST return ErrNotFound when no record exists for the
//   fingerprint. Any other error is a genuine transport failure.
// - RegisterAssociation overwrites any existing record for the fingerprint;
//   the server owns record lifetime and eviction.
// - OpenUploadStream returns a stream that accepts frames in strictly
//   increasing offset order for a single resource; the final frame carries
//   FinishWrite and CloseAndRecv reports the committed byte count.
// - OpenDownloadStream delivers blob bytes in order on a single stream and
//   MUST return ErrNotFound when the resource is absent.
type Store interface {
	LookupAssociation(ctx context.Context, fingerprint string) (AssociationRecord, error)
	RegisterAssociation(ctx context.Context, record AssociationRecord) (string, error)
	OpenUploadStream(ctx context.Context) (UploadStream, error)
	OpenDownloadStream(ctx context.Context, resourceName string) (DownloadStream, error)
}

// UploadStream is a single logical write stream for one blob upload.
type UploadStream interface {
	// Send transmits one frame. Frames for a given upload share a
	// resource name and strictly increase in WriteOffset.
	Send(frame WriteFrame) error

	// CloseAndRecv completes the stream and returns the byte count the
	// remote side committed.
	CloseAndRecv() (committed int64, err error)
}

// DownloadStream is a single logical read stream for one blob download.
type DownloadStream interface {
	// Next returns the next chunk of blob bytes, or io.EOF after the
	// final chunk. Chunks arrive in blob order.
	Next() ([]byte, error)

	// Close releases the stream. Safe to call after Next returned io.EOF.
	Close() error
}
