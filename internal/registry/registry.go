// Package registry pulls OCI manifests, configs, and layers over HTTPS via
// go-containerregistry's remote transport, per spec §4.3. The manifest
// write and the config fetch/verify/write run concurrently since neither
// depends on the other's result; layer fetches stay sequential to keep
// peak memory bounded.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"golang.org/x/sync/errgroup"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/credstore"
	"github.com/a3s-run/a3s/internal/ref"
)

// Auth carries the credential for a pull; zero value means anonymous.
type Auth struct {
	Username string
	Password string
}

func (a Auth) authenticator() authn.Authenticator {
	if a.Username == "" && a.Password == "" {
		return authn.Anonymous
	}
	return &authn.Basic{Username: a.Username, Password: a.Password}
}

// FromCredStore looks up a stored credential for r's registry, returning
// anonymous Auth if none is stored.
func FromCredStore(store *credstore.Store, r ref.Reference) (Auth, error) {
	cred, ok, err := store.Get(r.Registry)
	if err != nil {
		return Auth{}, err
	}
	if !ok {
		return Auth{}, nil
	}
	return Auth{Username: cred.Username, Password: cred.Password}, nil
}

// PullResult describes what landed on disk.
type PullResult struct {
	ManifestDigest string
	ConfigDigest   string
	LayerDigests   []string
}

// Client pulls image content into an OCI layout directory tree.
type Client struct{}

func New() *Client { return &Client{} }

// Digest resolves r to its manifest digest without persisting any blobs.
// Used by the pull orchestrator to check whether the image is already
// cached under that digest.
func (c *Client) Digest(ctx context.Context, r ref.Reference, auth Auth) (string, error) {
	nr, err := r.NameReference()
	if err != nil {
		return "", boxerr.Wrap(boxerr.KindInvalidReference, err, "invalid reference %q", r.Canonical())
	}
	desc, err := remote.Get(nr, remote.WithContext(ctx), remote.WithAuth(auth.authenticator()))
	if err != nil {
		return "", boxerr.Wrap(boxerr.KindRegistryError, err, "fetching manifest for %q", r.Canonical())
	}
	return desc.Digest.String(), nil
}

// Pull fetches the manifest, config, and all layers for r into layoutDir,
// laid out as blobs/sha256/<hex> plus an OCI layout marker and index.json.
func (c *Client) Pull(ctx context.Context, r ref.Reference, auth Auth, layoutDir string) (*PullResult, error) {
	nr, err := r.NameReference()
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindInvalidReference, err, "invalid reference %q", r.Canonical())
	}

	desc, err := remote.Get(nr, remote.WithContext(ctx), remote.WithAuth(auth.authenticator()))
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindRegistryError, err, "fetching manifest for %q", r.Canonical())
	}
	switch desc.MediaType {
	case types.OCIManifestSchema1, types.DockerManifestSchema2:
		// ok
	default:
		return nil, boxerr.New(boxerr.KindUnsupportedManifest,
			"media type %q is not a single-platform image manifest (fat manifests / image indexes are unsupported)", desc.MediaType)
	}

	img, err := desc.Image()
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindUnsupportedManifest, err, "manifest for %q is not an image", r.Canonical())
	}

	blobsDir := filepath.Join(layoutDir, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating blob dir")
	}

	var configDigest v1.Hash
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		manifestBytes, err := img.RawManifest()
		if err != nil {
			return boxerr.Wrap(boxerr.KindRegistryError, err, "reading raw manifest")
		}
		return writeBlob(blobsDir, manifestBytes)
	})
	g.Go(func() error {
		configBytes, err := img.RawConfigFile()
		if err != nil {
			return boxerr.Wrap(boxerr.KindRegistryError, err, "reading config blob")
		}
		digest, err := img.ConfigName()
		if err != nil {
			return boxerr.Wrap(boxerr.KindRegistryError, err, "reading config digest")
		}
		if gotHash := sha256.Sum256(configBytes); hex.EncodeToString(gotHash[:]) != digest.Hex {
			return boxerr.New(boxerr.KindLayerDigestMismatch, "config blob digest mismatch for %q", r.Canonical())
		}
		if err := writeBlob(blobsDir, configBytes); err != nil {
			return err
		}
		configDigest = digest
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindRegistryError, err, "reading layer list")
	}

	result := &PullResult{
		ManifestDigest: desc.Digest.String(),
		ConfigDigest:   "sha256:" + configDigest.Hex,
	}

	for i, l := range layers {
		digest, err := l.Digest()
		if err != nil {
			return nil, boxerr.Wrap(boxerr.KindRegistryError, err, "reading digest for layer %d", i)
		}
		if err := fetchLayer(blobsDir, l, digest.Hex); err != nil {
			return nil, err
		}
		result.LayerDigests = append(result.LayerDigests, digest.String())
	}

	if err := writeOCILayout(layoutDir); err != nil {
		return nil, err
	}
	if err := writeIndex(layoutDir, desc.Digest.String(), desc.MediaType, desc.Size); err != nil {
		return nil, err
	}

	return result, nil
}

func fetchLayer(blobsDir string, l v1.Layer, wantHex string) error {
	rc, err := l.Compressed()
	if err != nil {
		return boxerr.Wrap(boxerr.KindRegistryError, err, "opening layer %s", wantHex)
	}
	defer rc.Close()

	dest := filepath.Join(blobsDir, wantHex)
	tmp, err := os.CreateTemp(blobsDir, wantHex+".*.tmp")
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating temp blob")
	}
	tmpName := tmp.Name()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), rc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindRegistryError, err, "streaming layer %s", wantHex)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindIoError, err, "closing temp blob")
	}

	gotHex := hex.EncodeToString(h.Sum(nil))
	if gotHex != wantHex {
		os.Remove(tmpName)
		return boxerr.New(boxerr.KindLayerDigestMismatch, "layer digest mismatch: want %s got %s", wantHex, gotHex)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindIoError, err, "renaming layer blob")
	}
	return nil
}

func writeBlob(blobsDir string, data []byte) error {
	sum := sha256.Sum256(data)
	dest := filepath.Join(blobsDir, hex.EncodeToString(sum[:]))
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	tmp, err := os.CreateTemp(blobsDir, "blob.*.tmp")
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating temp blob")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindIoError, err, "writing blob")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindIoError, err, "closing temp blob")
	}
	return os.Rename(tmpName, dest)
}

func writeOCILayout(layoutDir string) error {
	marker := []byte(`{"imageLayoutVersion":"1.0.0"}`)
	return os.WriteFile(filepath.Join(layoutDir, "oci-layout"), marker, 0o644)
}

type ociIndex struct {
	SchemaVersion int          `json:"schemaVersion"`
	Manifests     []ociDescEnt `json:"manifests"`
}
type ociDescEnt struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

func writeIndex(layoutDir, digest string, mediaType types.MediaType, size int64) error {
	idx := ociIndex{
		SchemaVersion: 2,
		Manifests: []ociDescEnt{{
			MediaType: string(mediaType),
			Digest:    digest,
			Size:      size,
		}},
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling index.json")
	}
	return os.WriteFile(filepath.Join(layoutDir, "index.json"), data, 0o644)
}
