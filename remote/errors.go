package remote

import "errors"

var (
	// ErrNotFound means no association or blob exists at the requested
	// fingerprint or resource. It is control-flow data for key
	// resolution, not a failure.
	ErrNotFound = errors.New("remote: not found")

	// ErrInvalidDigest means a digest or resource name is malformed.
	ErrInvalidDigest = errors.New("remote: invalid digest")

	// ErrDigestMismatch means blob bytes do not match their declared
	// digest.
	ErrDigestMismatch = errors.New("remote: digest mismatch")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
