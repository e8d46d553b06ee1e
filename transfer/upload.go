// Package transfer implements the streaming pipelines that move blob bytes
// between local files and the remote store: chunked, ordered upload with
// exactly-once finish semantics, and chunked download with in-order
// reassembly and digest verification.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/buildstash/stash/remote"
)

// Frame size bounds. The remote transport rejects messages near 4 MiB, so
// the hard cap leaves headroom for the frame envelope.
const (
	DefaultFrameBytes = 64 * 1024
	MaxFrameBytes     = 4*1024*1024 - 1024
)

// UploadRequest describes one blob upload plus the association to register
// once the bytes are committed.
type UploadRequest struct {
	FilePath    string
	Digest      remote.ContentDigest
	Fingerprint string

	// PathsLabel is the output path label recorded with the association.
	PathsLabel string

	// FrameBytes bounds each frame's data length. Zero selects
	// DefaultFrameBytes. Values above MaxFrameBytes are rejected.
	FrameBytes int64
}

// UploadResult reports the committed byte count and the id of the
// registered association.
type UploadResult struct {
	AssociationID string
	Committed     int64
}

// Upload streams the file at req.FilePath to the remote store in frames of
// at most req.FrameBytes, then registers the fingerprint-to-digest
// association. Frames are sent in strict offset order on one stream; the
// final frame (when remaining bytes reach zero) carries FinishWrite.
//
// A committed size short of the declared size fails with ErrIncomplete and
// no association is registered. Registration failure after a complete
// transfer fails with ErrRegistration.
func Upload(ctx context.Context, store remote.Store, req UploadRequest) (UploadResult, error) {
	frameBytes := req.FrameBytes
	if frameBytes == 0 {
		frameBytes = DefaultFrameBytes
	}
	if frameBytes < 0 || frameBytes > MaxFrameBytes {
		return UploadResult{}, fmt.Errorf("transfer: frame size %d outside (0, %d]", frameBytes, MaxFrameBytes)
	}
	if !req.Digest.Defined() {
		return UploadResult{}, remote.ErrInvalidDigest
	}

	f, err := os.Open(req.FilePath)
	if err != nil {
		return UploadResult{}, fmt.Errorf("opening %s: %w", req.FilePath, err)
	}
	defer f.Close()

	stream, err := store.OpenUploadStream(ctx)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: opening upload stream: %v", ErrTransfer, err)
	}

	// A fresh session id per attempt: two concurrent uploads of the same
	// digest must never share a resource name.
	resource := remote.UploadResource(uuid.NewString(), req.Digest)

	declared := int64(req.Digest.SizeBytes)
	buf := make([]byte, frameBytes)
	var offset int64
	for {
		remaining := declared - offset
		toRead := frameBytes
		if remaining < toRead {
			toRead = remaining
		}
		n, rerr := io.ReadFull(f, buf[:toRead])
		if rerr != nil {
			return UploadResult{}, fmt.Errorf("%w: reading %s at offset %d: %v", ErrTransfer, req.FilePath, offset, rerr)
		}
		frame := remote.WriteFrame{
			ResourceName: resource,
			Data:         buf[:n],
			WriteOffset:  offset,
			FinishWrite:  offset+int64(n) == declared,
		}
		if err := stream.Send(frame); err != nil {
			return UploadResult{}, fmt.Errorf("%w: sending frame at offset %d: %v", ErrTransfer, offset, err)
		}
		offset += int64(n)
		if frame.FinishWrite {
			break
		}
	}

	committed, err := stream.CloseAndRecv()
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: finishing upload: %v", ErrTransfer, err)
	}
	if committed < declared {
		return UploadResult{}, fmt.Errorf("%w: committed %d of %d bytes", ErrIncomplete, committed, declared)
	}

	id, err := store.RegisterAssociation(ctx, remote.AssociationRecord{
		Fingerprint: req.Fingerprint,
		Digest:      req.Digest,
		Paths:       req.PathsLabel,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	return UploadResult{AssociationID: id, Committed: committed}, nil
}
