package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// Resource name layout. Uploads carry a session segment so the remote side
// can track in-flight writes; reads address committed blobs directly.
//
//	uploads/<session>/blobs/<hash>/<size>
//	blobs/<hash>/<size>
//
// Embedding hash and size lets the remote side validate the claimed digest
// against the bytes it receives.

// UploadResource returns the resource name for a new upload session.
// session must be unique per upload attempt (two concurrent uploads must
// never share a resource name).
func UploadResource(session string, d ContentDigest) string {
	return fmt.Sprintf("uploads/%s/blobs/%s/%d", session, d.Hash, d.SizeBytes)
}

// BlobResource returns the resource name addressing a committed blob.
func BlobResource(d ContentDigest) string {
	return fmt.Sprintf("blobs/%s/%d", d.Hash, d.SizeBytes)
}

// ParseResource parses either resource form. For the blob form the returned
// session is empty.
func ParseResource(name string) (session string, d ContentDigest, err error) {
	parts := strings.Split(name, "/")
	switch {
	case len(parts) == 5 && parts[0] == "uploads" && parts[2] == "blobs":
		session = parts[1]
		parts = parts[2:]
	case len(parts) == 3 && parts[0] == "blobs":
	default:
		return "", ContentDigest{}, fmt.Errorf("%w: resource %q", ErrInvalidDigest, name)
	}
	if session == "" && strings.HasPrefix(name, "uploads/") {
		return "", ContentDigest{}, fmt.Errorf("%w: resource %q", ErrInvalidDigest, name)
	}
	size, perr := strconv.ParseUint(parts[2], 10, 64)
	if perr != nil || parts[1] == "" {
		return "", ContentDigest{}, fmt.Errorf("%w: resource %q", ErrInvalidDigest, name)
	}
	return session, ContentDigest{Hash: parts[1], SizeBytes: size}, nil
}
