package layer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func buildLayer(t *testing.T, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.data)),
			Typeflag: tar.TypeReg,
		}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if !e.dir {
			if _, err := tw.Write(e.data); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "layer.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type tarEntry struct {
	name string
	data []byte
	dir  bool
}

func TestExtractBasic(t *testing.T) {
	gzPath := buildLayer(t, []tarEntry{
		{name: "etc/", dir: true},
		{name: "etc/hostname", data: []byte("box\n")},
	})
	root := t.TempDir()

	result, err := Extract(gzPath, root)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.DiffID == "" {
		t.Fatal("empty DiffID")
	}

	data, err := os.ReadFile(filepath.Join(root, "etc/hostname"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "box\n" {
		t.Errorf("content = %q, want %q", data, "box\n")
	}
}

func TestExtractWhiteoutRemovesFile(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "etc/old.conf"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	gzPath := buildLayer(t, []tarEntry{
		{name: "etc/.wh.old.conf", data: []byte{}},
	})

	if _, err := Extract(gzPath, root); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "etc/old.conf")); !os.IsNotExist(err) {
		t.Fatalf("expected whited-out file removed, stat err = %v", err)
	}
}

func TestExtractOpaqueDirClearsChildren(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "data/stale"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	gzPath := buildLayer(t, []tarEntry{
		{name: "data/.wh..wh..opq", data: []byte{}},
		{name: "data/fresh", data: []byte("y")},
	})

	if _, err := Extract(gzPath, root); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "data/stale")); !os.IsNotExist(err) {
		t.Fatalf("expected opaque dir to clear stale child, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "data/fresh")); err != nil {
		t.Fatalf("expected fresh child present: %v", err)
	}
}

func TestVerifyDiffIDMatchesExtract(t *testing.T) {
	gzPath := buildLayer(t, []tarEntry{{name: "a", data: []byte("content")}})

	want, err := VerifyDiffID(gzPath)
	if err != nil {
		t.Fatalf("VerifyDiffID: %v", err)
	}

	got, err := Extract(gzPath, t.TempDir())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.DiffID != want {
		t.Errorf("DiffID mismatch: Extract=%q VerifyDiffID=%q", got.DiffID, want)
	}
}
