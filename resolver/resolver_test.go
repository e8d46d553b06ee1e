package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/buildstash/stash/keyver"
	"github.com/buildstash/stash/remote"
	"github.com/buildstash/stash/remote/testkit"
)

func testRequest(fallbacks ...string) Request {
	return Request{
		Paths:          []string{"node_modules"},
		PrimaryKey:     "deps-linux-abc",
		FallbackKeys:   fallbacks,
		CompressionTag: "zstd",
		Salt:           "1",
	}
}

func fingerprintFor(req Request, key string) string {
	return keyver.Fingerprint(keyver.Inputs{
		Paths:          req.Paths,
		CompressionTag: req.CompressionTag,
		CrossPlatform:  req.CrossPlatform,
		WindowsLike:    req.WindowsLike,
		SymbolicKey:    key,
		Salt:           req.Salt,
	})
}

func seedKey(store *testkit.Store, req Request, key string) remote.AssociationRecord {
	record := remote.AssociationRecord{
		ID:          "assoc-" + key,
		Fingerprint: fingerprintFor(req, key),
		Digest:      remote.DigestBytes([]byte("blob for " + key)),
		Paths:       "node_modules",
	}
	store.SeedAssociation(record)
	return record
}

func TestResolvePrimaryHitSkipsFallbacks(t *testing.T) {
	store := testkit.NewStore()
	req := testRequest("deps-linux", "deps")
	want := seedKey(store, req, req.PrimaryKey)

	outcome, err := Resolve(context.Background(), store, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !outcome.Hit || outcome.MatchedKey != req.PrimaryKey {
		t.Fatalf("outcome = %+v, want primary hit", outcome)
	}
	if outcome.Record != want {
		t.Fatalf("record = %+v, want %+v", outcome.Record, want)
	}
	if len(store.Lookups) != 1 {
		t.Fatalf("issued %d lookups, want 1 (no fallback lookups on primary hit)", len(store.Lookups))
	}
}

func TestResolveFallbackPrecedenceByDeclaredOrder(t *testing.T) {
	store := testkit.NewStore()
	req := testRequest("deps-linux", "deps")
	// Only the second fallback is seeded; the first misses cleanly.
	want := seedKey(store, req, "deps")

	outcome, err := Resolve(context.Background(), store, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !outcome.Hit || outcome.MatchedKey != "deps" {
		t.Fatalf("outcome = %+v, want hit on %q", outcome, "deps")
	}
	if outcome.Record != want {
		t.Fatalf("record = %+v, want %+v", outcome.Record, want)
	}
}

func TestResolveEarlierFallbackWinsWhenBothExist(t *testing.T) {
	store := testkit.NewStore()
	req := testRequest("deps-linux", "deps")
	first := seedKey(store, req, "deps-linux")
	seedKey(store, req, "deps")

	outcome, err := Resolve(context.Background(), store, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if outcome.MatchedKey != "deps-linux" || outcome.Record != first {
		t.Fatalf("outcome = %+v, want declared-order winner %q", outcome, "deps-linux")
	}
}

func TestResolveAllCleanMissesIsMiss(t *testing.T) {
	store := testkit.NewStore()
	req := testRequest("deps-linux", "deps")

	outcome, err := Resolve(context.Background(), store, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if outcome.Hit {
		t.Fatalf("outcome = %+v, want miss", outcome)
	}
}

func TestResolvePrimaryMissNoFallbacksIsMiss(t *testing.T) {
	store := testkit.NewStore()
	req := testRequest()

	outcome, err := Resolve(context.Background(), store, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if outcome.Hit {
		t.Fatalf("outcome = %+v, want miss", outcome)
	}
	if len(store.Lookups) != 1 {
		t.Fatalf("issued %d lookups, want 1", len(store.Lookups))
	}
}

func TestResolvePrimaryGenuineErrorAborts(t *testing.T) {
	store := testkit.NewStore()
	req := testRequest("deps")
	seedKey(store, req, "deps")
	boom := errors.New("permission denied")
	store.LookupErr = func(fingerprint string) error {
		if fingerprint == fingerprintFor(req, req.PrimaryKey) {
			return boom
		}
		return nil
	}

	_, err := Resolve(context.Background(), store, req)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if len(store.Lookups) != 1 {
		t.Fatalf("issued %d lookups, want abort before fallbacks", len(store.Lookups))
	}
}

func TestResolveFallbackGenuineErrorWithNoHit(t *testing.T) {
	store := testkit.NewStore()
	req := testRequest("deps-linux", "deps")
	boom := errors.New("permission denied")
	store.LookupErr = func(fingerprint string) error {
		if fingerprint == fingerprintFor(req, "deps-linux") {
			return boom
		}
		return nil
	}

	_, err := Resolve(context.Background(), store, req)
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("err = %v, want *ResolutionError", err)
	}
	if len(resErr.Failures) != 1 || !errors.Is(resErr, boom) {
		t.Fatalf("aggregated failures = %v, want the genuine error", resErr.Failures)
	}
}

func TestResolveHitWinsOverEarlierFallbackError(t *testing.T) {
	// A genuine error on an earlier fallback does not suppress a hit on a
	// later one: availability of the hit is favored over reporting
	// partial errors.
	store := testkit.NewStore()
	req := testRequest("deps-linux", "deps")
	want := seedKey(store, req, "deps")
	store.LookupErr = func(fingerprint string) error {
		if fingerprint == fingerprintFor(req, "deps-linux") {
			return errors.New("backend unavailable")
		}
		return nil
	}

	outcome, err := Resolve(context.Background(), store, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !outcome.Hit || outcome.MatchedKey != "deps" || outcome.Record != want {
		t.Fatalf("outcome = %+v, want hit on %q despite earlier error", outcome, "deps")
	}
}

func TestResolveSkipsRecordWithoutOutputs(t *testing.T) {
	store := testkit.NewStore()
	req := testRequest("deps-linux", "deps")
	store.SeedAssociation(remote.AssociationRecord{
		Fingerprint: fingerprintFor(req, "deps-linux"),
		Digest:      remote.DigestBytes([]byte("x")),
		// No recorded output paths.
	})
	want := seedKey(store, req, "deps")

	outcome, err := Resolve(context.Background(), store, req)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if outcome.MatchedKey != "deps" || outcome.Record != want {
		t.Fatalf("outcome = %+v, want skip of output-less record", outcome)
	}
}
