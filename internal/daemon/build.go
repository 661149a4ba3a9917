package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/build"
	"github.com/a3s-run/a3s/internal/events"
	"github.com/a3s-run/a3s/internal/imagestore"
	"github.com/a3s-run/a3s/internal/layer"
)

// BuildOptions is the daemon-facing request for `a3s build`.
type BuildOptions struct {
	Reference    string
	Dockerfile   string // raw instruction text
	ContextDir   string
	BuildArgs    map[string]string
}

// Build resolves the FROM base image, runs the instruction stream against
// a working copy of its rootfs, and assembles the resulting layers into a
// new OCI-layout entry in the image store, generalizing Pull's manifest
// assembly to locally produced content (spec §4.7).
func (e *Engine) Build(ctx context.Context, opts BuildOptions) (*imagestore.Entry, error) {
	instructions, err := build.ParseDockerfile(opts.Dockerfile)
	if err != nil {
		return nil, err
	}
	if len(instructions) == 0 || instructions[0].Kind != build.KindFrom {
		return nil, boxerr.New(boxerr.KindInvalidConfig, "Dockerfile must start with FROM")
	}
	baseImage := instructions[0].Args[0]

	stagingDir, err := os.MkdirTemp(e.Images.Root, "build-*")
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating build staging dir")
	}
	defer os.RemoveAll(stagingDir)

	workingDir := filepath.Join(stagingDir, "rootfs")
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating build working dir")
	}

	var baseDiffIDs []string
	if baseImage != "scratch" {
		entry, ok, err := e.Images.Get(baseImage)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, boxerr.New(boxerr.KindNotFound, "base image %q not pulled", baseImage)
		}
		layers, err := readManifestLayers(entry.ContentPath)
		if err != nil {
			return nil, err
		}
		for i, l := range layers {
			if _, err := layer.Extract(l.BlobPath, workingDir); err != nil {
				return nil, boxerr.Wrap(boxerr.KindIoError, err, "applying base layer %d", i)
			}
			baseDiffIDs = append(baseDiffIDs, l.DiffID)
		}
	}

	if opts.ContextDir != "" {
		instructions = rewriteCopySources(instructions, opts.ContextDir)
	}

	result, err := build.Run(instructions, build.Options{
		WorkingDir:  workingDir,
		StagingDir:  stagingDir,
		BuildArgs:   opts.BuildArgs,
	})
	if err != nil {
		return nil, err
	}

	digest, err := assembleImage(stagingDir, baseDiffIDs, result)
	if err != nil {
		return nil, err
	}

	if err := e.Images.Put(opts.Reference, digest, stagingDir); err != nil {
		return nil, err
	}
	entry, _, err := e.Images.GetByDigest(digest)
	if err != nil {
		return nil, err
	}
	e.EventBus.Publish(ctx, events.BoxEvent{Key: events.KeyBoxReady, Payload: map[string]any{"image": opts.Reference, "digest": digest, "built": true}})
	return &entry, nil
}

// rewriteCopySources rewrites COPY source arguments to be relative to the
// build context directory rather than the working rootfs, since build.Run
// resolves COPY src paths under opts.WorkingDir.
func rewriteCopySources(instructions []build.Instruction, contextDir string) []build.Instruction {
	out := make([]build.Instruction, len(instructions))
	copy(out, instructions)
	for i, instr := range out {
		if instr.Kind == build.KindCopy && instr.From == "" && len(instr.Args) == 2 {
			out[i].Args = []string{filepath.Join(contextDir, instr.Args[0]), instr.Args[1]}
		}
	}
	return out
}

type ociConfig struct {
	Created      time.Time         `json:"created"`
	Architecture string            `json:"architecture"`
	OS           string            `json:"os"`
	Config       ociRuntimeConfig  `json:"config"`
	Rootfs       ociRootfs         `json:"rootfs"`
	History      []ociHistoryEntry `json:"history"`
}

type ociRuntimeConfig struct {
	Env          []string          `json:"Env,omitempty"`
	Entrypoint   []string          `json:"Entrypoint,omitempty"`
	Cmd          []string          `json:"Cmd,omitempty"`
	WorkingDir   string            `json:"WorkingDir,omitempty"`
	User         string            `json:"User,omitempty"`
	Labels       map[string]string `json:"Labels,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
}

type ociRootfs struct {
	Type    string   `json:"type"`
	DiffIDs []string `json:"diff_ids"`
}

type ociHistoryEntry struct {
	Created    time.Time `json:"created"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	EmptyLayer bool      `json:"empty_layer,omitempty"`
}

type ociManifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        ociDescriptor     `json:"config"`
	Layers        []ociDescriptor   `json:"layers"`
}

type ociDescriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

type ociIndex struct {
	SchemaVersion int              `json:"schemaVersion"`
	Manifests     []ociDescriptor  `json:"manifests"`
}

const (
	mediaTypeManifest = "application/vnd.oci.image.manifest.v1+json"
	mediaTypeConfig   = "application/vnd.oci.image.config.v1+json"
	mediaTypeLayer    = "application/vnd.oci.image.layer.v1.tar+gzip"
)

// assembleImage moves build.Result's layer blobs into blobs/sha256,
// writes the OCI config/manifest/index, and returns the manifest digest.
func assembleImage(layoutDir string, baseDiffIDs []string, result *build.Result) (string, error) {
	blobsDir := filepath.Join(layoutDir, "blobs", "sha256")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "creating blob dir")
	}

	diffIDs := append([]string{}, baseDiffIDs...)
	history := make([]ociHistoryEntry, 0, len(result.History))
	for _, h := range result.History {
		history = append(history, ociHistoryEntry{Created: h.Created, CreatedBy: h.CreatedBy, Comment: h.Comment, EmptyLayer: h.EmptyLayer})
	}

	layerDescs := make([]ociDescriptor, 0, len(result.Layers))
	for _, l := range result.Layers {
		if err := adoptBlob(blobsDir, l.BlobPath, l.Digest); err != nil {
			return "", err
		}
		layerDescs = append(layerDescs, ociDescriptor{MediaType: mediaTypeLayer, Digest: l.Digest, Size: l.SizeBytes})
		diffIDs = append(diffIDs, l.DiffID)
	}

	state := result.State
	cfg := ociConfig{
		Created:      time.Now(),
		Architecture: "amd64",
		OS:           "linux",
		Config: ociRuntimeConfig{
			Env:        envSlice(state.Env),
			Entrypoint: state.Entrypoint,
			Cmd:        state.Cmd,
			WorkingDir: state.WorkDir,
			User:       state.User,
			Labels:     state.Labels,
		},
		Rootfs:  ociRootfs{Type: "layers", DiffIDs: diffIDs},
		History: history,
	}
	if len(state.ExposedPorts) > 0 {
		cfg.Config.ExposedPorts = map[string]struct{}{}
		for _, p := range state.ExposedPorts {
			cfg.Config.ExposedPorts[p] = struct{}{}
		}
	}

	configDigest, configSize, err := writeJSONBlob(blobsDir, cfg)
	if err != nil {
		return "", err
	}

	manifest := ociManifest{
		SchemaVersion: 2,
		MediaType:     mediaTypeManifest,
		Config:        ociDescriptor{MediaType: mediaTypeConfig, Digest: configDigest, Size: configSize},
		Layers:        layerDescs,
	}
	manifestDigest, manifestSize, err := writeJSONBlob(blobsDir, manifest)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(filepath.Join(layoutDir, "oci-layout"), []byte(`{"imageLayoutVersion":"1.0.0"}`), 0o644); err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "writing oci-layout marker")
	}
	idx := ociIndex{SchemaVersion: 2, Manifests: []ociDescriptor{{MediaType: mediaTypeManifest, Digest: manifestDigest, Size: manifestSize}}}
	idxData, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "marshaling index.json")
	}
	if err := os.WriteFile(filepath.Join(layoutDir, "index.json"), idxData, 0o644); err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "writing index.json")
	}

	return manifestDigest, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// adoptBlob renames src (a layer tarball produced under the staging dir)
// into blobsDir under its content digest, verifying the digest on the way.
func adoptBlob(blobsDir, src, wantDigest string) error {
	f, err := os.Open(src)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "opening layer blob")
	}
	h := sha256.New()
	_, err = io.Copy(h, f)
	f.Close()
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "hashing layer blob")
	}
	gotDigest := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if gotDigest != wantDigest {
		return boxerr.New(boxerr.KindLayerDigestMismatch, "layer blob digest mismatch: want %s got %s", wantDigest, gotDigest)
	}
	dest := filepath.Join(blobsDir, digestHex(wantDigest))
	return os.Rename(src, dest)
}

func writeJSONBlob(blobsDir string, v any) (digest string, size int64, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", 0, boxerr.Wrap(boxerr.KindIoError, err, "marshaling blob")
	}
	sum := sha256.Sum256(data)
	d := "sha256:" + hex.EncodeToString(sum[:])
	if err := os.WriteFile(filepath.Join(blobsDir, digestHex(d)), data, 0o644); err != nil {
		return "", 0, boxerr.Wrap(boxerr.KindIoError, err, "writing blob")
	}
	return d, int64(len(data)), nil
}
