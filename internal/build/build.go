// Package build executes a Dockerfile-like instruction stream against a
// working rootfs, emitting layers for RUN/COPY and mutating in-memory
// image state for everything else, per spec §4.7.
package build

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// InstructionKind names a Dockerfile-like verb.
type InstructionKind string

const (
	KindFrom       InstructionKind = "FROM"
	KindWorkdir    InstructionKind = "WORKDIR"
	KindEnv        InstructionKind = "ENV"
	KindEntrypoint InstructionKind = "ENTRYPOINT"
	KindCmd        InstructionKind = "CMD"
	KindExpose     InstructionKind = "EXPOSE"
	KindLabel      InstructionKind = "LABEL"
	KindUser       InstructionKind = "USER"
	KindArg        InstructionKind = "ARG"
	KindRun        InstructionKind = "RUN"
	KindCopy       InstructionKind = "COPY"
)

// Instruction is one resolved line of the build instruction stream.
type Instruction struct {
	Kind InstructionKind
	Args []string // verb-specific; for RUN, the shell command; for COPY, [src, dst]
	From string    // COPY --from=<stage>; non-empty means unsupported multi-stage copy
}

// State is the in-memory image being assembled.
type State struct {
	WorkDir    string
	Env        map[string]string
	Entrypoint []string
	Cmd        []string
	ExposedPorts []string
	Labels     map[string]string
	User       string
}

func newState() *State {
	return &State{
		WorkDir: "/",
		Env:     map[string]string{},
		Labels:  map[string]string{},
	}
}

// HistoryEntry records one executed instruction, mirroring an OCI config's
// history array.
type HistoryEntry struct {
	Created   time.Time
	CreatedBy string
	EmptyLayer bool
	Comment   string
}

// LayerOutput is one layer produced by a RUN/COPY instruction.
type LayerOutput struct {
	BlobPath string // gzip tarball written under the staging dir
	Digest   string // sha256 of the compressed blob
	DiffID   string // sha256 of the uncompressed tar
	SizeBytes int64
}

// Result is everything the build produced, ready for C4 assembly.
type Result struct {
	State   *State
	Layers  []LayerOutput
	History []HistoryEntry
}

// Options configures a Run.
type Options struct {
	WorkingDir string            // the live rootfs the instructions execute against
	StagingDir string            // where layer tarballs are written
	BuildArgs  map[string]string // --build-arg overrides
	DefaultArgs map[string]string // ARG defaults declared in the instruction stream
}

// Run executes instructions in order against opts.WorkingDir.
func Run(instructions []Instruction, opts Options) (*Result, error) {
	state := newState()
	args := map[string]string{}
	for k, v := range opts.DefaultArgs {
		args[k] = v
	}
	for k, v := range opts.BuildArgs {
		args[k] = v
	}

	result := &Result{State: state}

	if err := os.MkdirAll(opts.StagingDir, 0o755); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating build staging dir")
	}

	for i, instr := range instructions {
		if instr.From != "" {
			result.History = append(result.History, HistoryEntry{
				Created:    now(),
				CreatedBy:  fmt.Sprintf("%s --from=%s (unsupported, skipped)", instr.Kind, instr.From),
				EmptyLayer: true,
			})
			continue
		}

		switch instr.Kind {
		case KindFrom:
			// Base image resolution happens before Run is called; FROM is a
			// no-op marker instruction here.
		case KindWorkdir:
			if len(instr.Args) != 1 {
				return nil, boxerr.New(boxerr.KindInvalidConfig, "WORKDIR requires exactly one argument")
			}
			state.WorkDir = interpolate(instr.Args[0], state.Env, args)
		case KindEnv:
			if len(instr.Args) != 2 {
				return nil, boxerr.New(boxerr.KindInvalidConfig, "ENV requires key and value")
			}
			state.Env[instr.Args[0]] = interpolate(instr.Args[1], state.Env, args)
		case KindEntrypoint:
			state.Entrypoint = instr.Args
		case KindCmd:
			state.Cmd = instr.Args
		case KindExpose:
			state.ExposedPorts = append(state.ExposedPorts, instr.Args...)
		case KindLabel:
			if len(instr.Args) != 2 {
				return nil, boxerr.New(boxerr.KindInvalidConfig, "LABEL requires key and value")
			}
			state.Labels[instr.Args[0]] = interpolate(instr.Args[1], state.Env, args)
		case KindUser:
			if len(instr.Args) != 1 {
				return nil, boxerr.New(boxerr.KindInvalidConfig, "USER requires exactly one argument")
			}
			state.User = instr.Args[0]
		case KindArg:
			if len(instr.Args) < 1 {
				return nil, boxerr.New(boxerr.KindInvalidConfig, "ARG requires a name")
			}
			name := instr.Args[0]
			if _, overridden := args[name]; !overridden && len(instr.Args) == 2 {
				args[name] = instr.Args[1]
			}
		case KindRun:
			layerOut, entry, err := runShell(i, instr.Args, opts, state, args)
			if err != nil {
				return nil, err
			}
			result.Layers = append(result.Layers, *layerOut)
			result.History = append(result.History, *entry)
			continue
		case KindCopy:
			if len(instr.Args) != 2 {
				return nil, boxerr.New(boxerr.KindInvalidConfig, "COPY requires src and dst")
			}
			layerOut, entry, err := runCopy(i, instr.Args[0], instr.Args[1], opts, state, args)
			if err != nil {
				return nil, err
			}
			result.Layers = append(result.Layers, *layerOut)
			result.History = append(result.History, *entry)
			continue
		default:
			return nil, boxerr.New(boxerr.KindInvalidConfig, "unknown instruction %q", instr.Kind)
		}

		result.History = append(result.History, HistoryEntry{
			Created:    now(),
			CreatedBy:  fmt.Sprintf("%s %s", instr.Kind, strings.Join(instr.Args, " ")),
			EmptyLayer: true,
		})
	}

	return result, nil
}

func interpolate(s string, env, args map[string]string) string {
	for name, val := range args {
		s = strings.ReplaceAll(s, "${"+name+"}", val)
	}
	for name, val := range env {
		s = strings.ReplaceAll(s, "${"+name+"}", val)
	}
	return s
}

func runShell(idx int, cmdArgs []string, opts Options, state *State, args map[string]string) (*LayerOutput, *HistoryEntry, error) {
	if len(cmdArgs) == 0 {
		return nil, nil, boxerr.New(boxerr.KindInvalidConfig, "RUN requires a command")
	}
	shellCmd := interpolate(strings.Join(cmdArgs, " "), state.Env, args)

	cmd := exec.Command("/bin/sh", "-c", shellCmd)
	cmd.Dir = filepath.Join(opts.WorkingDir, state.WorkDir)
	cmd.Env = envSlice(state.Env)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, nil, boxerr.Wrap(boxerr.KindIoError, err, "RUN %q failed", shellCmd)
	}

	layerOut, err := packLayer(idx, opts)
	if err != nil {
		return nil, nil, err
	}
	return layerOut, &HistoryEntry{
		Created:   now(),
		CreatedBy: fmt.Sprintf("RUN %s", shellCmd),
	}, nil
}

func runCopy(idx int, src, dst string, opts Options, state *State, args map[string]string) (*LayerOutput, *HistoryEntry, error) {
	src = interpolate(src, state.Env, args)
	dst = interpolate(dst, state.Env, args)

	srcPath := filepath.Join(opts.WorkingDir, src)
	dstPath := filepath.Join(opts.WorkingDir, state.WorkDir, dst)

	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, nil, boxerr.Wrap(boxerr.KindIoError, err, "COPY source %q not found", src)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return nil, nil, boxerr.Wrap(boxerr.KindIoError, err, "creating COPY destination dir")
	}
	if info.IsDir() {
		if err := copyDir(srcPath, dstPath); err != nil {
			return nil, nil, err
		}
	} else {
		if err := copyFile(srcPath, dstPath, info.Mode()); err != nil {
			return nil, nil, err
		}
	}

	layerOut, err := packLayer(idx, opts)
	if err != nil {
		return nil, nil, err
	}
	return layerOut, &HistoryEntry{
		Created:   now(),
		CreatedBy: fmt.Sprintf("COPY %s %s", src, dst),
	}, nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "reading COPY source")
	}
	if err := os.WriteFile(dst, data, mode); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "writing COPY destination")
	}
	return nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

// packLayer tars+gzips opts.WorkingDir's full current tree as a new layer.
// A production build engine would diff against the pre-instruction state to
// capture only changed paths; this engine packs the whole tree per layer,
// trading layer size for a simpler, auditable history.
func packLayer(idx int, opts Options) (*LayerOutput, error) {
	tarPath := filepath.Join(opts.StagingDir, fmt.Sprintf("layer-%d.tar.gz", idx))
	f, err := os.Create(tarPath)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating layer staging file")
	}
	defer f.Close()

	diffHash := sha256.New()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(io.MultiWriter(gz, diffHash))

	err = filepath.Walk(opts.WorkingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(opts.WorkingDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()
			if _, err := io.Copy(tw, file); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "packing layer tarball")
	}
	if err := tw.Close(); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "closing tar writer")
	}
	if err := gz.Close(); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "closing gzip writer")
	}

	compressedHash := sha256.New()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "seeking layer blob")
	}
	size, err := io.Copy(compressedHash, f)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "hashing compressed layer")
	}

	return &LayerOutput{
		BlobPath:  tarPath,
		Digest:    "sha256:" + hex.EncodeToString(compressedHash.Sum(nil)),
		DiffID:    "sha256:" + hex.EncodeToString(diffHash.Sum(nil)),
		SizeBytes: size,
	}, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// now is a var so tests can pin History timestamps.
var now = time.Now
