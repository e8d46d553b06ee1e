// Package resolver finds the first cache key in an ordered candidate list
// with an existing remote association.
//
// NotFound lookup results are normal control flow (a clean miss for that
// key), never failures. Precedence follows the caller-declared fallback
// order, most specific first, regardless of network completion timing.
package resolver

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/buildstash/stash/keyver"
	"github.com/buildstash/stash/remote"
)

// Request names the primary key, its ordered fallbacks, and the fingerprint
// inputs shared by every candidate.
type Request struct {
	Paths          []string
	PrimaryKey     string
	FallbackKeys   []string
	CompressionTag string
	CrossPlatform  bool
	WindowsLike    bool
	Salt           string
}

// Outcome is either a Hit carrying the matched key and its association, or
// a Miss (the zero value).
type Outcome struct {
	Hit        bool
	MatchedKey string
	Record     remote.AssociationRecord
}

// ResolutionError aggregates the genuine (non-NotFound) lookup failures
// encountered across fallback keys when no hit was found.
type ResolutionError struct {
	Failures []error
}

func (e *ResolutionError) Error() string {
	if len(e.Failures) == 1 {
		return fmt.Sprintf("resolver: fallback lookup failed: %v", e.Failures[0])
	}
	return fmt.Sprintf("resolver: %d fallback lookups failed, first: %v", len(e.Failures), e.Failures[0])
}

// Unwrap exposes the aggregated failures to errors.Is and errors.As.
func (e *ResolutionError) Unwrap() []error { return e.Failures }

func (r Request) fingerprint(key string) string {
	return keyver.Fingerprint(keyver.Inputs{
		Paths:          r.Paths,
		CompressionTag: r.CompressionTag,
		CrossPlatform:  r.CrossPlatform,
		WindowsLike:    r.WindowsLike,
		SymbolicKey:    key,
		Salt:           r.Salt,
	})
}

// Resolve probes the primary key first. A NotFound there falls through to
// the fallback keys, which are looked up concurrently and then scanned in
// declared order; any other primary failure aborts immediately.
//
// A hit found in declared order wins even when an earlier-listed fallback
// failed with a genuine error. When no hit exists and at least one genuine
// error occurred, Resolve fails with *ResolutionError; when all candidates
// missed cleanly, the outcome is a Miss with no error.
func Resolve(ctx context.Context, store remote.Store, req Request) (Outcome, error) {
	record, err := store.LookupAssociation(ctx, req.fingerprint(req.PrimaryKey))
	switch {
	case err == nil:
		return Outcome{Hit: true, MatchedKey: req.PrimaryKey, Record: record}, nil
	case !remote.IsNotFound(err):
		return Outcome{}, fmt.Errorf("resolver: primary key lookup: %w", err)
	}

	if len(req.FallbackKeys) == 0 {
		return Outcome{}, nil
	}

	type lookup struct {
		record remote.AssociationRecord
		err    error
	}
	results := make([]lookup, len(req.FallbackKeys))

	// One concurrent request per fallback key, no shared state beyond the
	// indexed results slice. No early cancellation: every request settles
	// before the ordered scan, keeping precedence deterministic.
	var g errgroup.Group
	for i, key := range req.FallbackKeys {
		i, key := i, key
		g.Go(func() error {
			rec, err := store.LookupAssociation(ctx, req.fingerprint(key))
			results[i] = lookup{record: rec, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var failures []error
	for i, res := range results {
		switch {
		case res.err == nil && res.record.Digest.Defined() && res.record.Paths != "":
			return Outcome{Hit: true, MatchedKey: req.FallbackKeys[i], Record: res.record}, nil
		case res.err == nil || remote.IsNotFound(res.err):
			// Clean miss, or a record with no recorded output: skip.
		default:
			failures = append(failures, fmt.Errorf("key %q: %w", req.FallbackKeys[i], res.err))
		}
	}
	if len(failures) > 0 {
		return Outcome{}, &ResolutionError{Failures: failures}
	}
	return Outcome{}, nil
}
