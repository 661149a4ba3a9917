package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/a3s-run/a3s/internal/ref"
)

// fakeRegistry serves a single-layer OCI image over the v2 registry API,
// enough for remote.Get/remote.Image to walk manifest -> config -> layer.
func fakeRegistry(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	layerData := []byte("hello from a fake layer\n")
	layerSum := sha256.Sum256(layerData)
	layerDigest := "sha256:" + hex.EncodeToString(layerSum[:])

	config := map[string]any{
		"architecture": "amd64",
		"os":           "linux",
		"config":       map[string]any{},
		"rootfs": map[string]any{
			"type":     "layers",
			"diff_ids": []string{layerDigest},
		},
	}
	configBytes, err := json.Marshal(config)
	if err != nil {
		t.Fatal(err)
	}
	configSum := sha256.Sum256(configBytes)
	configDigest := "sha256:" + hex.EncodeToString(configSum[:])

	manifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.docker.distribution.manifest.v2+json",
		"config": map[string]any{
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"size":      len(configBytes),
			"digest":    configDigest,
		},
		"layers": []map[string]any{{
			"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
			"size":      len(layerData),
			"digest":    layerDigest,
		}},
	}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v2/app/manifests/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.docker.distribution.manifest.v2+json")
		w.Write(manifestBytes)
	})
	mux.HandleFunc("/v2/app/blobs/"+configDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(configBytes)
	})
	mux.HandleFunc("/v2/app/blobs/"+layerDigest, func(w http.ResponseWriter, r *http.Request) {
		w.Write(layerData)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func TestClientPull(t *testing.T) {
	srv, host := fakeRegistry(t)
	_ = srv

	r, err := ref.Parse(host + "/app:latest")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	dir := t.TempDir()
	c := New()
	result, err := c.Pull(context.Background(), r, Auth{}, dir)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if result.ManifestDigest == "" || result.ConfigDigest == "" {
		t.Fatalf("missing digests in result: %+v", result)
	}
	if len(result.LayerDigests) != 1 {
		t.Fatalf("LayerDigests = %v, want 1 entry", result.LayerDigests)
	}

	if _, err := os.Stat(filepath.Join(dir, "oci-layout")); err != nil {
		t.Errorf("oci-layout missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "index.json")); err != nil {
		t.Errorf("index.json missing: %v", err)
	}

	layerHex := strings.TrimPrefix(result.LayerDigests[0], "sha256:")
	if _, err := os.Stat(filepath.Join(dir, "blobs", "sha256", layerHex)); err != nil {
		t.Errorf("layer blob missing: %v", err)
	}
}

func TestClientDigest(t *testing.T) {
	_, host := fakeRegistry(t)

	r, err := ref.Parse(fmt.Sprintf("%s/app:latest", host))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c := New()
	digest, err := c.Digest(context.Background(), r, Auth{})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if !strings.HasPrefix(digest, "sha256:") {
		t.Errorf("Digest = %q, want sha256:... prefix", digest)
	}
}

func TestAuthAnonymous(t *testing.T) {
	a := Auth{}
	if a.authenticator() == nil {
		t.Fatal("expected non-nil anonymous authenticator")
	}
}
