// Package layer extracts tar.gz OCI layers over an existing directory tree,
// applying AUFS whiteout semantics, per spec §4.5.
package layer

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/a3s-run/a3s/internal/boxerr"
)

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// ExtractResult reports the diff-ID of the tar stream that was extracted.
type ExtractResult struct {
	DiffID string // "sha256:<hex>" of the uncompressed tar stream
}

// Extract applies the compressed tar stream at gzPath onto root, handling
// AUFS whiteouts, and returns the diff-ID of the uncompressed tar for
// comparison against the image config's rootfs.diff_ids.
func Extract(gzPath, root string) (*ExtractResult, error) {
	f, err := os.Open(gzPath)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "opening layer blob")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "opening gzip stream")
	}
	defer gz.Close()

	h := sha256.New()
	tr := tar.NewReader(io.TeeReader(gz, h))

	opaqueDirs, deleted, err := prescan(tr)
	if err != nil {
		return nil, err
	}

	for dir := range opaqueDirs {
		if err := clearDir(filepath.Join(root, dir)); err != nil {
			return nil, err
		}
	}
	for target := range deleted {
		if err := os.RemoveAll(filepath.Join(root, target)); err != nil {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "removing whiteout target %q", target)
		}
	}

	// Re-open to extract from the start; the prescan consumed the reader.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "seeking layer blob")
	}
	gz2, err := gzip.NewReader(f)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "reopening gzip stream")
	}
	defer gz2.Close()

	h2 := sha256.New()
	tr2 := tar.NewReader(io.TeeReader(gz2, h2))
	if err := extractEntries(tr2, root); err != nil {
		return nil, err
	}

	return &ExtractResult{DiffID: "sha256:" + hex.EncodeToString(h2.Sum(nil))}, nil
}

// prescan walks the tar once to find opaque-directory and per-entry
// whiteout markers without touching disk.
func prescan(tr *tar.Reader) (opaqueDirs map[string]struct{}, deleted map[string]struct{}, err error) {
	opaqueDirs = map[string]struct{}{}
	deleted = map[string]struct{}{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, boxerr.Wrap(boxerr.KindIoError, err, "reading tar header")
		}
		name := filepath.Clean(hdr.Name)
		base := filepath.Base(name)
		dir := filepath.Dir(name)

		switch {
		case base == opaqueMarker:
			opaqueDirs[dir] = struct{}{}
		case strings.HasPrefix(base, whiteoutPrefix):
			real := strings.TrimPrefix(base, whiteoutPrefix)
			deleted[filepath.Join(dir, real)] = struct{}{}
		}
	}
	return opaqueDirs, deleted, nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return boxerr.Wrap(boxerr.KindIoError, err, "reading opaque dir %q", dir)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return boxerr.Wrap(boxerr.KindIoError, err, "clearing opaque dir %q", dir)
		}
	}
	return nil
}

func extractEntries(tr *tar.Reader, root string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return boxerr.Wrap(boxerr.KindIoError, err, "reading tar header")
		}

		name := filepath.Clean(hdr.Name)
		base := filepath.Base(name)
		if base == opaqueMarker || strings.HasPrefix(base, whiteoutPrefix) {
			continue // whiteout markers are metadata, not content
		}
		if strings.HasPrefix(name, "..") {
			return boxerr.New(boxerr.KindIoError, "tar entry %q escapes extraction root", hdr.Name)
		}

		target := filepath.Join(root, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode&0o777)); err != nil {
				return boxerr.Wrap(boxerr.KindIoError, err, "creating dir %q", target)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return boxerr.Wrap(boxerr.KindIoError, err, "creating parent dir for %q", target)
			}
			if err := writeRegularFile(tr, target, os.FileMode(hdr.Mode&0o777)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return boxerr.Wrap(boxerr.KindIoError, err, "creating symlink %q", target)
			}
		case tar.TypeLink:
			linkTarget := filepath.Join(root, filepath.Clean(hdr.Linkname))
			os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return boxerr.Wrap(boxerr.KindIoError, err, "creating hard link %q", target)
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			// Device and FIFO entries are skipped for safety (spec §4.5).
			continue
		default:
			continue
		}

		if err := os.Chmod(target, os.FileMode(hdr.Mode&0o777)); err != nil && hdr.Typeflag != tar.TypeSymlink {
			return boxerr.Wrap(boxerr.KindIoError, err, "chmod %q", target)
		}
	}
	return nil
}

func writeRegularFile(tr *tar.Reader, target string, mode os.FileMode) error {
	os.Remove(target)
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating file %q", target)
	}
	defer out.Close()
	if _, err := io.Copy(out, tr); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "writing file %q", target)
	}
	return nil
}

// VerifyDiffID computes the diff-ID of an already-materialized layer blob
// path without extracting it, for pull-time integrity checks against the
// image config's rootfs.diff_ids.
func VerifyDiffID(gzPath string) (string, error) {
	f, err := os.Open(gzPath)
	if err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "opening layer blob")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "opening gzip stream")
	}
	defer gz.Close()

	h := sha256.New()
	if _, err := io.Copy(h, gz); err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "hashing layer stream")
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
