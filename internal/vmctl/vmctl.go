// Package vmctl builds a box's InstanceSpec, locates and spawns the a3s-shim
// binary, and owns the resulting process: graceful-then-force stop,
// liveness probes, and CPU/RSS metrics sampling.
package vmctl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

const shimBinaryName = "a3s-shim"

// LocateShim finds the a3s-shim binary: well-known install paths first,
// then a sibling of the currently running executable, then PATH.
func LocateShim() (string, error) {
	candidates := []string{
		"/usr/local/libexec/a3s/" + shimBinaryName,
		"/usr/libexec/a3s/" + shimBinaryName,
		"/opt/a3s/bin/" + shimBinaryName,
	}
	for _, c := range candidates {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c, nil
		}
	}

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), shimBinaryName)
		if st, err := os.Stat(sibling); err == nil && !st.IsDir() {
			return sibling, nil
		}
	}

	if p, err := exec.LookPath(shimBinaryName); err == nil {
		return p, nil
	}

	return "", boxerr.New(boxerr.KindIoError, "couldn't locate %s in well-known paths, next to this binary, or on PATH", shimBinaryName)
}

// BuildSpec constructs the InstanceSpec for b given a resolved rootfs path
// and an assigned vsock context ID. The spec is valid only up to the moment
// it is handed to the shim.
func BuildSpec(b *boxtypes.Box, rootfsPath string, cid uint32) *boxtypes.InstanceSpec {
	mounts := make([]boxtypes.VirtioFSMount, 0, len(b.Mounts))
	for i, m := range b.Mounts {
		mounts = append(mounts, boxtypes.VirtioFSMount{
			Tag:      fmt.Sprintf("mount%d", i),
			HostPath: m.HostPath,
			ReadOnly: m.ReadOnly,
		})
	}

	var tee *boxtypes.TEEConfig
	if b.TEE.Enabled {
		tee = &b.TEE
	}

	entrypoint := b.Entrypoint
	entrypoint = append(append([]string{}, entrypoint...), b.Cmd...)

	return &boxtypes.InstanceSpec{
		BoxID:       b.ID,
		VCPUs:       b.Resources.VCPUs,
		MemoryMB:    b.Resources.MemoryMB,
		RootfsPath:  rootfsPath,
		Sockets:     b.Sockets(),
		Mounts:      mounts,
		Entrypoint:  entrypoint,
		Env:         b.Env,
		WorkDir:     b.WorkDir,
		ConsolePath: filepath.Join(b.LogDir(), "console.log"),
		TEE:         tee,
		Ports:       b.Ports,
		VsockCID:    cid,
	}
}

// Handler owns a spawned (or reattached) shim process: its PID, an
// optional live *os.Process for a child this controller spawned, and a
// metrics sampler that needs state across calls to compute CPU percent.
type Handler struct {
	boxID string
	pid   int
	proc  *os.Process // nil when reattached rather than freshly spawned

	mu      sync.Mutex
	metrics metricsState
}

type metricsState struct {
	sampled    bool
	lastUTime  uint64
	lastSTime  uint64
	lastSample time.Time
	cpuPercent float64
	rssBytes   uint64
}

// Metrics is the last-sampled resource snapshot for a box.
type Metrics struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Start builds the per-box socket directory, removes any stale sockets
// left by a prior run, serializes spec, and spawns the shim with stdin
// null and stdout/stderr inherited.
func Start(ctx context.Context, shimPath string, b *boxtypes.Box, spec *boxtypes.InstanceSpec) (*Handler, error) {
	if err := os.MkdirAll(b.SocketDir(), 0o755); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating socket dir %q", b.SocketDir())
	}
	for _, s := range []string{spec.Sockets.Agent, spec.Sockets.Exec, spec.Sockets.PTY, spec.Sockets.Attest} {
		if err := os.Remove(s); err != nil && !os.IsNotExist(err) {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "removing stale socket %q", s)
		}
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindInvalidConfig, err, "marshaling instance spec")
	}

	cmd := exec.CommandContext(ctx, shimPath, string(specJSON))
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	slog.InfoContext(ctx, "vmctl.Start", "box_id", b.ID, "shim", shimPath)

	if err := cmd.Start(); err != nil {
		return nil, boxerr.Wrap(boxerr.KindBoxBootError, err, "spawning shim for box %q", b.ID)
	}

	return &Handler{boxID: b.ID, pid: cmd.Process.Pid, proc: cmd.Process}, nil
}

// Attach reconstructs a Handler for a box whose PID was recorded by a
// previous process, e.g. after a daemon restart.
func Attach(boxID string, pid int) *Handler {
	return &Handler{boxID: boxID, pid: pid}
}

// PID returns the handler's process ID.
func (h *Handler) PID() int { return h.pid }

// IsRunning reports whether the process is still alive via a signal-0
// probe.
func (h *Handler) IsRunning() bool {
	return isAlive(h.pid)
}

func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop sends SIGTERM, polls for exit over a 2s budget at 50ms ticks, and
// SIGKILLs if the process is still alive afterward. It is idempotent: a
// process that is already gone is treated as a successful stop.
func (h *Handler) Stop(ctx context.Context) error {
	if !isAlive(h.pid) {
		h.reap()
		return nil
	}

	proc, err := os.FindProcess(h.pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !isAlive(h.pid) {
		h.reap()
		return nil
	}

	deadline := time.Now().Add(2 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if !isAlive(h.pid) {
			h.reap()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if isAlive(h.pid) {
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			return boxerr.Wrap(boxerr.KindIoError, err, "sending SIGKILL to box %q pid %d", h.boxID, h.pid)
		}
	}
	h.reap()
	return nil
}

// reap calls Wait on an owned child to avoid leaving a zombie. A reattached
// handler (h.proc == nil) has no child to reap; the parent process that
// spawned it is responsible for that.
func (h *Handler) reap() {
	if h.proc == nil {
		return
	}
	if runtime.GOOS != "windows" {
		_, _ = h.proc.Wait()
	}
}

// Sample refreshes the metrics state from /proc and returns the current
// snapshot. CPU percent requires two refreshes separated by a nonzero
// interval; the first call after Start always reports 0% CPU.
func (h *Handler) Sample() (Metrics, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	utime, stime, rss, err := readProcStat(h.pid)
	if err != nil {
		return Metrics{}, err
	}

	now := time.Now()
	if h.metrics.sampled {
		elapsed := now.Sub(h.metrics.lastSample).Seconds()
		if elapsed > 0 {
			deltaTicks := float64((utime + stime) - (h.metrics.lastUTime + h.metrics.lastSTime))
			h.metrics.cpuPercent = (deltaTicks / clockTicksPerSecond) / elapsed * 100
		}
	} else {
		h.metrics.cpuPercent = 0
	}

	h.metrics.sampled = true
	h.metrics.lastUTime = utime
	h.metrics.lastSTime = stime
	h.metrics.lastSample = now
	h.metrics.rssBytes = rss

	return Metrics{CPUPercent: h.metrics.cpuPercent, RSSBytes: rss}, nil
}
