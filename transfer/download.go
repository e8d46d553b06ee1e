package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/buildstash/stash/remote"
)

// Download streams the blob addressed by digest into a freshly created file
// at destPath. Chunks are appended in arrival order; the protocol
// guarantees in-order delivery on a single stream, so no offset bookkeeping
// is needed on read.
//
// Any transport error mid-stream leaves a partial file at destPath that the
// caller must discard. After the stream ends, the received bytes are
// re-hashed and checked against digest; a mismatch fails with
// remote.ErrDigestMismatch.
func Download(ctx context.Context, store remote.Store, digest remote.ContentDigest, destPath string) error {
	if !digest.Defined() {
		return remote.ErrInvalidDigest
	}

	stream, err := store.OpenDownloadStream(ctx, remote.BlobResource(digest))
	if err != nil {
		if remote.IsNotFound(err) {
			return err
		}
		return fmt.Errorf("%w: opening download stream: %v", ErrTransfer, err)
	}
	defer stream.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer f.Close()

	h := sha256.New()
	var received uint64
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if remote.IsNotFound(err) {
				return err
			}
			return fmt.Errorf("%w: receiving at offset %d: %v", ErrTransfer, received, err)
		}
		if _, err := f.Write(chunk); err != nil {
			return fmt.Errorf("writing %s: %w", destPath, err)
		}
		h.Write(chunk)
		received += uint64(len(chunk))
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", destPath, err)
	}
	if received != digest.SizeBytes {
		return fmt.Errorf("%w: received %d of %d bytes", remote.ErrDigestMismatch, received, digest.SizeBytes)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != digest.Hash {
		return fmt.Errorf("%w: content hash %s, expected %s", remote.ErrDigestMismatch, sum, digest.Hash)
	}
	return nil
}
