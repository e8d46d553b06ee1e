package remote

// ContentDigest identifies a blob uniquely and verifiably. Hash is the
// lowercase hex SHA-256 of the blob bytes; SizeBytes is the exact byte
// length. Both are immutable once produced.
type ContentDigest struct {
	Hash      string
	SizeBytes uint64
}

// Defined reports whether the digest carries a hash.
func (d ContentDigest) Defined() bool { return d.Hash != "" }

// AssociationRecord is the server-held mapping from a cache key fingerprint
// to one content digest plus an output path label. The client never mutates
// a record; re-registering under the same fingerprint replaces it server-side.
type AssociationRecord struct {
	// ID is the server-assigned record identifier. Empty on registration
	// input; populated on lookup results.
	ID string

	Fingerprint string
	Digest      ContentDigest

	// Paths is the output path label recorded with the association,
	// joined with newlines when multiple paths were cached.
	Paths string
}

// WriteFrame is one bounded-size message of an upload stream. The sum of all
// frame data lengths for one upload equals the declared blob size, offsets
// strictly increase, and FinishWrite is true on exactly the last frame.
type WriteFrame struct {
	ResourceName string
	Data         []byte
	WriteOffset  int64
	FinishWrite  bool
}
