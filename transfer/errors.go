package transfer

import "errors"

var (
	// ErrIncomplete means the remote side committed fewer bytes than the
	// declared blob size. Fatal for the save attempt; never retried here.
	ErrIncomplete = errors.New("transfer: committed size less than declared size")

	// ErrRegistration means the blob was stored but the key-to-digest
	// association could not be written. The blob remains orphaned
	// remotely; a later save can re-link or re-upload.
	ErrRegistration = errors.New("transfer: association registration failed")

	// ErrTransfer is any other transport-level failure during upload or
	// download streaming.
	ErrTransfer = errors.New("transfer: stream failed")
)
