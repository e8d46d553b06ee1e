// Package archive packs filesystem paths into a single compressed tar file
// and unpacks it again. It is the archive collaborator of the cache engine;
// the transfer pipelines treat its output as an opaque byte stream.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression tags. The tag participates in cache key fingerprints, so a
// codec change never restores an archive packed with another codec.
const (
	TagNone = "none"
	TagGzip = "gzip"
	TagZstd = "zstd"
)

// DefaultTag is the codec used when the caller does not choose one.
const DefaultTag = TagZstd

func extension(tag string) (string, error) {
	switch tag {
	case TagNone:
		return ".tar", nil
	case TagGzip:
		return ".tar.gz", nil
	case TagZstd:
		return ".tar.zst", nil
	default:
		return "", fmt.Errorf("archive: unknown compression tag %q", tag)
	}
}

// Pack archives paths into a new file under destDir and returns its path.
// Entry names are the given paths cleaned and made slash-separated, with
// any leading "/" or drive prefix stripped, so Unpack recreates the same
// relative layout.
func Pack(destDir string, paths []string, tag string) (string, error) {
	ext, err := extension(tag)
	if err != nil {
		return "", err
	}
	archivePath := filepath.Join(destDir, "cache"+ext)

	f, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("creating archive %s: %w", archivePath, err)
	}
	defer f.Close()

	w, closeCompressor, err := compressor(f, tag)
	if err != nil {
		return "", err
	}

	tw := tar.NewWriter(w)
	for _, p := range paths {
		if err := addPath(tw, p); err != nil {
			return "", err
		}
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("finishing tar: %w", err)
	}
	if err := closeCompressor(); err != nil {
		return "", fmt.Errorf("finishing %s stream: %w", tag, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing archive: %w", err)
	}
	return archivePath, nil
}

func compressor(w io.Writer, tag string) (io.Writer, func() error, error) {
	switch tag {
	case TagNone:
		return w, func() error { return nil }, nil
	case TagGzip:
		gw := gzip.NewWriter(w)
		return gw, gw.Close, nil
	case TagZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing zstd: %w", err)
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, fmt.Errorf("archive: unknown compression tag %q", tag)
	}
}

func entryName(path string) string {
	name := filepath.ToSlash(filepath.Clean(path))
	name = strings.TrimPrefix(name, "/")
	if vol := filepath.VolumeName(path); vol != "" {
		name = strings.TrimPrefix(name, filepath.ToSlash(vol)+"/")
	}
	return name
}

func addPath(tw *tar.Writer, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return addEntry(tw, path, entryName(path), info)
	}
	base := entryName(path)
	return filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		name := base
		if rel != "." {
			name = base + "/" + filepath.ToSlash(rel)
		}
		return addEntry(tw, p, name, info)
	})
}

func addEntry(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", path, err)
		}
		link = target
	}
	switch {
	case info.Mode().IsRegular(), info.IsDir(), link != "":
	default:
		// Sockets, devices and the like are not cacheable content.
		return nil
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("tar header for %s: %w", path, err)
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing header for %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", path, err)
	}
	return nil
}

// Unpack extracts archivePath under destDir. Entry names are validated so
// no entry can escape destDir.
func Unpack(archivePath, destDir, tag string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer f.Close()

	r, closeDecompressor, err := decompressor(f, tag)
	if err != nil {
		return err
	}
	defer closeDecompressor()

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}
		if err := extractEntry(tr, header, destDir); err != nil {
			return err
		}
	}
}

func decompressor(r io.Reader, tag string) (io.Reader, func(), error) {
	switch tag {
	case TagNone:
		return r, func() {}, nil
	case TagGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing gzip: %w", err)
		}
		return gr, func() { gr.Close() }, nil
	case TagZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing zstd: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("archive: unknown compression tag %q", tag)
	}
}

// rejectSymlinkParents refuses entries whose parent chain passes through a
// symlink. The lexical escape check cannot see a previously extracted
// symlink pointing outside destDir; creating an entry through one would
// land it outside the destination.
func rejectSymlinkParents(destDir, target, entryName string) error {
	rel, err := filepath.Rel(destDir, filepath.Dir(target))
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	cur := destDir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			// The rest of the chain does not exist yet and will be
			// created as real directories.
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive: entry %q traverses symlink %q", entryName, part)
		}
	}
	return nil
}

func extractEntry(tr *tar.Reader, header *tar.Header, destDir string) error {
	name := filepath.FromSlash(header.Name)
	target := filepath.Join(destDir, name)
	if rel, err := filepath.Rel(destDir, target); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("archive: entry %q escapes destination", header.Name)
	}
	if err := rejectSymlinkParents(destDir, target, header.Name); err != nil {
		return err
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, fs.FileMode(header.Mode)|0o700)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.RemoveAll(target); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(header.Mode))
		if err != nil {
			return fmt.Errorf("creating %s: %w", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extracting %s: %w", header.Name, err)
		}
		return out.Close()
	default:
		return nil
	}
}
