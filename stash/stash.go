// Package stash is the top-level cache engine: it archives declared paths,
// uploads the archive to a remote content-addressable store keyed by a
// versioned fingerprint, and restores it again on later runs.
//
// The engine degrades gracefully. A remote outage during Save or Restore is
// logged and reported as a no-op or a miss; only malformed caller input is
// surfaced as an error. Builds must never fail because the cache is down.
package stash

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildstash/stash/archive"
	"github.com/buildstash/stash/keyver"
	"github.com/buildstash/stash/remote"
	"github.com/buildstash/stash/resolver"
	"github.com/buildstash/stash/transfer"
)

// Archiver packs paths into a single file and unpacks that file again. The
// engine treats the result as opaque bytes; tests substitute lighter fakes.
type Archiver interface {
	Pack(destDir string, paths []string, tag string) (string, error)
	Unpack(archivePath, destDir, tag string) error
}

type tarArchiver struct{}

func (tarArchiver) Pack(destDir string, paths []string, tag string) (string, error) {
	return archive.Pack(destDir, paths, tag)
}

func (tarArchiver) Unpack(archivePath, destDir, tag string) error {
	return archive.Unpack(archivePath, destDir, tag)
}

// Settings carries the per-installation parameters of an Engine.
type Settings struct {
	// Salt is mixed into every fingerprint. Changing it invalidates all
	// existing cache entries at once.
	Salt string

	// CompressionTag selects the archive codec. Defaults to
	// archive.DefaultTag. The tag participates in fingerprints.
	CompressionTag string

	// FrameBytes is the default upload frame size. Zero means
	// transfer.DefaultFrameBytes.
	FrameBytes int64

	// WorkspaceDir is where restored archives are unpacked. Defaults to
	// the current directory, matching how paths were recorded at save.
	WorkspaceDir string
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithLogger sets the logger used for degradation warnings and progress.
// The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithArchiver replaces the tar-based archive collaborator.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) {
		if a != nil {
			e.archiver = a
		}
	}
}

// WithWindowsLike overrides host platform detection for fingerprinting.
// Tests use this to exercise the platform-scoping behavior anywhere.
func WithWindowsLike(v bool) Option {
	return func(e *Engine) { e.windowsLike = v }
}

// Engine coordinates the archive, fingerprint, resolution and transfer
// collaborators behind the two caller-facing operations, Save and Restore.
type Engine struct {
	store       remote.Store
	salt        string
	tag         string
	frameBytes  int64
	workspace   string
	windowsLike bool
	logger      *slog.Logger
	archiver    Archiver
}

// New builds an Engine over the given remote store.
func New(store remote.Store, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		salt:        settings.Salt,
		tag:         settings.CompressionTag,
		frameBytes:  settings.FrameBytes,
		workspace:   settings.WorkspaceDir,
		windowsLike: keyver.RunningOnWindows(),
		logger:      slog.Default(),
		archiver:    tarArchiver{},
	}
	if e.tag == "" {
		e.tag = archive.DefaultTag
	}
	if e.workspace == "" {
		e.workspace = "."
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SaveRequest declares what to cache and under which key.
type SaveRequest struct {
	// Paths are the files and directories to archive. Order matters: it
	// participates in the fingerprint.
	Paths []string

	// Key is the symbolic cache key this entry is registered under.
	Key string

	// CrossPlatform makes the entry restorable across operating systems.
	// Without it, entries saved on Windows-like hosts are scoped to them.
	CrossPlatform bool

	// FrameBytes overrides the engine's upload frame size when non-zero.
	FrameBytes int64
}

// Save archives req.Paths, uploads the archive, and registers it under
// req.Key. It returns the registration id of the new entry.
//
// Transport and filesystem failures degrade: Save logs a warning and
// returns ("", nil) so the caller's build proceeds uncached. Validation
// failures are returned as *Error with Kind KindValidation.
func (e *Engine) Save(ctx context.Context, req SaveRequest) (string, error) {
	if err := validateSave(req); err != nil {
		return "", err
	}

	scratch, err := os.MkdirTemp("", "stash-save-*")
	if err != nil {
		return "", e.degradeSave(req.Key, fmt.Errorf("creating scratch dir: %w", err))
	}
	defer e.removeAll(scratch)

	archivePath, err := e.archiver.Pack(scratch, req.Paths, e.tag)
	if err != nil {
		return "", e.degradeSave(req.Key, fmt.Errorf("packing paths: %w", err))
	}

	digest, err := remote.DigestFile(archivePath)
	if err != nil {
		return "", e.degradeSave(req.Key, fmt.Errorf("digesting archive: %w", err))
	}

	frameBytes := req.FrameBytes
	if frameBytes == 0 {
		frameBytes = e.frameBytes
	}
	result, err := transfer.Upload(ctx, e.store, transfer.UploadRequest{
		FilePath:    archivePath,
		Digest:      digest,
		Fingerprint: e.fingerprint(req.Paths, req.Key, req.CrossPlatform),
		PathsLabel:  strings.Join(req.Paths, "\n"),
		FrameBytes:  frameBytes,
	})
	if err != nil {
		return "", e.degradeSave(req.Key, err)
	}

	e.logger.Info("cache entry saved",
		"key", req.Key, "hash", digest.Hash, "bytes", digest.SizeBytes, "id", result.AssociationID)
	return result.AssociationID, nil
}

// RestoreRequest declares which keys to try and where the content goes.
type RestoreRequest struct {
	// Paths are the same declared paths the entry was saved with. They
	// participate in the fingerprint, not in extraction.
	Paths []string

	// PrimaryKey is resolved first, alone.
	PrimaryKey string

	// FallbackKeys are resolved concurrently if the primary misses; the
	// earliest declared hit wins.
	FallbackKeys []string

	// CrossPlatform must match the value used at save time.
	CrossPlatform bool
}

// RestoreResult reports the outcome of a Restore or Lookup.
type RestoreResult struct {
	// Hit is true when a usable entry was found (and, for Restore,
	// unpacked into the workspace).
	Hit bool

	// MatchedKey is the symbolic key that produced the hit.
	MatchedKey string
}

// Restore resolves req's keys and, on a hit, downloads and unpacks the
// matched entry into the workspace.
//
// Misses are not errors: they return {Hit: false} with a nil error.
// Transport failures degrade to a logged miss. Validation failures are
// returned as *Error with Kind KindValidation.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	return e.restore(ctx, req, false)
}

// Lookup is Restore without the download: it reports whether any of the
// keys would hit, and which one, touching nothing on disk.
func (e *Engine) Lookup(ctx context.Context, req RestoreRequest) (RestoreResult, error) {
	return e.restore(ctx, req, true)
}

func (e *Engine) restore(ctx context.Context, req RestoreRequest, lookupOnly bool) (RestoreResult, error) {
	if err := validateRestore(req); err != nil {
		return RestoreResult{}, err
	}

	outcome, err := resolver.Resolve(ctx, e.store, resolver.Request{
		Paths:          req.Paths,
		PrimaryKey:     req.PrimaryKey,
		FallbackKeys:   req.FallbackKeys,
		CompressionTag: e.tag,
		CrossPlatform:  req.CrossPlatform,
		WindowsLike:    e.windowsLike,
		Salt:           e.salt,
	})
	if err != nil {
		return e.degradeRestore(req.PrimaryKey, fmt.Errorf("resolving keys: %w", err)), nil
	}
	if !outcome.Hit {
		e.logger.Info("cache miss", "key", req.PrimaryKey, "fallbacks", len(req.FallbackKeys))
		return RestoreResult{}, nil
	}
	if lookupOnly {
		return RestoreResult{Hit: true, MatchedKey: outcome.MatchedKey}, nil
	}

	scratch, err := os.MkdirTemp("", "stash-restore-*")
	if err != nil {
		return e.degradeRestore(outcome.MatchedKey, fmt.Errorf("creating scratch dir: %w", err)), nil
	}
	defer e.removeAll(scratch)

	archivePath := filepath.Join(scratch, "cache.download")
	if err := transfer.Download(ctx, e.store, outcome.Record.Digest, archivePath); err != nil {
		return e.degradeRestore(outcome.MatchedKey, fmt.Errorf("downloading entry: %w", err)), nil
	}
	if err := e.archiver.Unpack(archivePath, e.workspace, e.tag); err != nil {
		return e.degradeRestore(outcome.MatchedKey, fmt.Errorf("unpacking entry: %w", err)), nil
	}

	e.logger.Info("cache entry restored",
		"key", outcome.MatchedKey, "hash", outcome.Record.Digest.Hash, "bytes", outcome.Record.Digest.SizeBytes)
	return RestoreResult{Hit: true, MatchedKey: outcome.MatchedKey}, nil
}

func (e *Engine) fingerprint(paths []string, key string, crossPlatform bool) string {
	return keyver.Fingerprint(keyver.Inputs{
		Paths:          paths,
		CompressionTag: e.tag,
		CrossPlatform:  crossPlatform,
		WindowsLike:    e.windowsLike,
		SymbolicKey:    key,
		Salt:           e.salt,
	})
}

func (e *Engine) degradeSave(key string, err error) error {
	e.logger.Warn("cache save skipped", "key", key, "error", err)
	return nil
}

func (e *Engine) degradeRestore(key string, err error) RestoreResult {
	e.logger.Warn("cache restore degraded to miss", "key", key, "error", err)
	return RestoreResult{}
}

// removeAll is best-effort: scratch space that cannot be removed is logged,
// never fatal.
func (e *Engine) removeAll(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("leaving scratch dir behind", "dir", dir, "error", err)
	}
}
