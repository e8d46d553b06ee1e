package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildstash/stash/remote"
	"github.com/buildstash/stash/remote/testkit"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "archive.tzst")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path, data
}

func TestUploadFrameShape(t *testing.T) {
	const size = 10*1024 + 512 // 11 frames of 1 KiB: ceil(size/frame)
	const frame = 1024
	store := testkit.NewStore()
	path, data := writeTempFile(t, size)
	d := remote.DigestBytes(data)

	result, err := Upload(context.Background(), store, UploadRequest{
		FilePath:    path,
		Digest:      d,
		Fingerprint: "fp-frame-shape",
		PathsLabel:  "out",
		FrameBytes:  frame,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if result.Committed != size {
		t.Fatalf("committed %d, want %d", result.Committed, size)
	}

	wantFrames := (size + frame - 1) / frame
	if len(store.Frames) != wantFrames {
		t.Fatalf("sent %d frames, want ceil(%d/%d)=%d", len(store.Frames), size, frame, wantFrames)
	}
	var offset int64
	var total int
	for i, fr := range store.Frames {
		if fr.WriteOffset != offset {
			t.Fatalf("frame %d: offset %d, want %d", i, fr.WriteOffset, offset)
		}
		last := i == len(store.Frames)-1
		if fr.FinishWrite != last {
			t.Fatalf("frame %d: FinishWrite=%v, want %v", i, fr.FinishWrite, last)
		}
		if !last && len(fr.Data) != frame {
			t.Fatalf("frame %d: %d data bytes, want %d", i, len(fr.Data), frame)
		}
		offset += int64(len(fr.Data))
		total += len(fr.Data)
	}
	if total != size {
		t.Fatalf("frame data sums to %d, want %d", total, size)
	}

	if !strings.HasPrefix(store.Frames[0].ResourceName, "uploads/") {
		t.Fatalf("resource name %q missing uploads prefix", store.Frames[0].ResourceName)
	}
	_, parsed, err := remote.ParseResource(store.Frames[0].ResourceName)
	if err != nil || parsed != d {
		t.Fatalf("resource %q does not encode digest %+v (err=%v)", store.Frames[0].ResourceName, d, err)
	}
}

func TestUploadEmptyFileSingleFinishFrame(t *testing.T) {
	store := testkit.NewStore()
	path, data := writeTempFile(t, 0)

	_, err := Upload(context.Background(), store, UploadRequest{
		FilePath:    path,
		Digest:      remote.DigestBytes(data),
		Fingerprint: "fp-empty",
		PathsLabel:  "out",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(store.Frames) != 1 || !store.Frames[0].FinishWrite || len(store.Frames[0].Data) != 0 {
		t.Fatalf("frames = %+v, want one empty finish frame", store.Frames)
	}
}

func TestUploadFreshResourcePerAttempt(t *testing.T) {
	store := testkit.NewStore()
	path, data := writeTempFile(t, 100)
	d := remote.DigestBytes(data)

	for i := 0; i < 2; i++ {
		_, err := Upload(context.Background(), store, UploadRequest{
			FilePath: path, Digest: d, Fingerprint: "fp-fresh", PathsLabel: "out",
		})
		if err != nil {
			t.Fatalf("Upload %d: %v", i, err)
		}
	}
	if store.Frames[0].ResourceName == store.Frames[1].ResourceName {
		t.Fatalf("two upload attempts shared resource %q", store.Frames[0].ResourceName)
	}
}

func TestUploadShortCommitFailsWithoutRegistration(t *testing.T) {
	store := testkit.NewStore()
	store.CommitShortfall = 1
	path, data := writeTempFile(t, 4096)
	d := remote.DigestBytes(data)

	_, err := Upload(context.Background(), store, UploadRequest{
		FilePath: path, Digest: d, Fingerprint: "fp-short", PathsLabel: "out",
	})
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
	if _, ok := store.Association("fp-short"); ok {
		t.Fatal("association registered despite incomplete transfer")
	}
}

func TestUploadRegistrationFailureIsDistinct(t *testing.T) {
	store := testkit.NewStore()
	store.RegisterErr = func(remote.AssociationRecord) error {
		return errors.New("association table unavailable")
	}
	path, data := writeTempFile(t, 4096)

	_, err := Upload(context.Background(), store, UploadRequest{
		FilePath: path, Digest: remote.DigestBytes(data), Fingerprint: "fp-reg", PathsLabel: "out",
	})
	if !errors.Is(err, ErrRegistration) {
		t.Fatalf("err = %v, want ErrRegistration", err)
	}
	if errors.Is(err, ErrTransfer) || errors.Is(err, ErrIncomplete) {
		t.Fatalf("registration failure conflated with transfer failure: %v", err)
	}
}

func TestUploadStreamErrorIsTransfer(t *testing.T) {
	store := testkit.NewStore()
	store.SendErr = func(frame remote.WriteFrame) error {
		if frame.WriteOffset > 0 {
			return errors.New("connection reset")
		}
		return nil
	}
	path, data := writeTempFile(t, 4096)

	_, err := Upload(context.Background(), store, UploadRequest{
		FilePath: path, Digest: remote.DigestBytes(data), Fingerprint: "fp-send", PathsLabel: "out", FrameBytes: 1024,
	})
	if !errors.Is(err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", err)
	}
}

func TestUploadRejectsOversizedFrames(t *testing.T) {
	store := testkit.NewStore()
	path, data := writeTempFile(t, 10)

	_, err := Upload(context.Background(), store, UploadRequest{
		FilePath: path, Digest: remote.DigestBytes(data), Fingerprint: "fp-big", PathsLabel: "out",
		FrameBytes: MaxFrameBytes + 1,
	})
	if err == nil {
		t.Fatal("expected error for frame size above transport limit")
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	store := testkit.NewStore()
	store.ChunkSize = 1000 // force many chunks with ragged boundaries
	payload := bytes.Repeat([]byte("round trip payload "), 700)
	d := store.SeedBlob(payload)

	dest := filepath.Join(t.TempDir(), "restored.tzst")
	if err := Download(context.Background(), store, d, dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading %s: %v", dest, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("restored %d bytes, mismatch with %d stored", len(got), len(payload))
	}
}

func TestDownloadMissingBlobIsNotFound(t *testing.T) {
	store := testkit.NewStore()
	d := remote.DigestBytes([]byte("absent"))
	err := Download(context.Background(), store, d, filepath.Join(t.TempDir(), "out"))
	if !remote.IsNotFound(err) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDownloadDetectsCorruptBytes(t *testing.T) {
	store := testkit.NewStore()
	d := store.SeedBlob([]byte("expected payload"))
	blob, _ := store.Blob(d)
	copy(blob, "tampered")

	err := Download(context.Background(), store, d, filepath.Join(t.TempDir(), "out"))
	if !errors.Is(err, remote.ErrDigestMismatch) {
		t.Fatalf("err = %v, want ErrDigestMismatch", err)
	}
}

func TestUploadThenDownloadByteIdentical(t *testing.T) {
	store := testkit.NewStore()
	path, data := writeTempFile(t, 64*1024+37)
	d := remote.DigestBytes(data)

	_, err := Upload(context.Background(), store, UploadRequest{
		FilePath: path, Digest: d, Fingerprint: "fp-rt", PathsLabel: "out", FrameBytes: 8 * 1024,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "restored")
	if err := Download(context.Background(), store, d, dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("restored bytes differ from uploaded bytes")
	}
}
