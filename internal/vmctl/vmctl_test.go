package vmctl

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/a3s-run/a3s/internal/boxtypes"
)

func TestBuildSpecConcatenatesEntrypointAndCmd(t *testing.T) {
	b := &boxtypes.Box{
		ID:         "box1",
		Root:       "/var/lib/a3s/boxes/box1",
		Resources:  boxtypes.ResourceLimits{VCPUs: 2, MemoryMB: 512},
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{"echo hi"},
		Mounts: []boxtypes.Mount{
			{HostPath: "/host/a", GuestPath: "/guest/a", ReadOnly: true},
		},
	}

	spec := BuildSpec(b, "/var/lib/a3s/boxes/box1/rootfs", 42)

	wantEntry := []string{"/bin/sh", "-c", "echo hi"}
	if len(spec.Entrypoint) != len(wantEntry) {
		t.Fatalf("Entrypoint = %v, want %v", spec.Entrypoint, wantEntry)
	}
	for i := range wantEntry {
		if spec.Entrypoint[i] != wantEntry[i] {
			t.Errorf("Entrypoint[%d] = %q, want %q", i, spec.Entrypoint[i], wantEntry[i])
		}
	}
	if len(spec.Mounts) != 1 || spec.Mounts[0].Tag != "mount0" {
		t.Errorf("Mounts = %+v", spec.Mounts)
	}
	if spec.VsockCID != 42 {
		t.Errorf("VsockCID = %d, want 42", spec.VsockCID)
	}
	if spec.TEE != nil {
		t.Errorf("TEE = %+v, want nil when not enabled", spec.TEE)
	}
	if spec.Sockets.Agent != b.Sockets().Agent {
		t.Errorf("Sockets.Agent = %q, want %q", spec.Sockets.Agent, b.Sockets().Agent)
	}
}

func TestBuildSpecCarriesTEEConfig(t *testing.T) {
	b := &boxtypes.Box{
		ID:  "box2",
		TEE: boxtypes.TEEConfig{Enabled: true, AllowSimulated: true},
	}
	spec := BuildSpec(b, "/rootfs", 7)
	if spec.TEE == nil || !spec.TEE.Enabled || !spec.TEE.AllowSimulated {
		t.Errorf("TEE = %+v, want enabled+allowSimulated", spec.TEE)
	}
}

func TestLocateShimFindsSiblingOfCurrentExecutable(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable unavailable: %v", err)
	}
	sibling := filepath.Join(filepath.Dir(exe), shimBinaryName)
	if err := os.WriteFile(sibling, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Skipf("cannot write beside test executable: %v", err)
	}
	defer os.Remove(sibling)

	got, err := LocateShim()
	if err != nil {
		t.Fatalf("LocateShim: %v", err)
	}
	if got != sibling {
		t.Errorf("LocateShim() = %q, want %q", got, sibling)
	}
}

func TestLocateShimErrorsWhenNotFound(t *testing.T) {
	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", t.TempDir())
	t.Cleanup(func() { os.Setenv("PATH", oldPath) })

	if _, err := LocateShim(); err == nil {
		t.Error("expected an error when a3s-shim cannot be found anywhere")
	}
}

func TestHandlerStopIsGracefulThenIdempotent(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot spawn sleep: %v", err)
	}
	defer cmd.Wait()

	h := &Handler{boxID: "box3", pid: cmd.Process.Pid, proc: cmd.Process}
	if !h.IsRunning() {
		t.Fatal("expected process to be running immediately after spawn")
	}

	if err := h.Stop(t.Context()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.IsRunning() {
		t.Error("expected process to be stopped")
	}

	// Stop must be idempotent: calling it again on an already-dead
	// process must not error or hang.
	if err := h.Stop(t.Context()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestHandlerSampleRequiresTwoRefreshesForCPU(t *testing.T) {
	h := Attach("self", os.Getpid())

	first, err := h.Sample()
	if err != nil {
		t.Fatalf("first Sample: %v", err)
	}
	if first.CPUPercent != 0 {
		t.Errorf("first sample CPUPercent = %v, want 0 before a second refresh", first.CPUPercent)
	}
	if first.RSSBytes == 0 {
		t.Error("expected nonzero RSS for the running test process")
	}

	time.Sleep(20 * time.Millisecond)

	second, err := h.Sample()
	if err != nil {
		t.Fatalf("second Sample: %v", err)
	}
	if second.CPUPercent < 0 {
		t.Errorf("second sample CPUPercent = %v, want >= 0", second.CPUPercent)
	}
}

func TestIsAliveFalseForBogusPID(t *testing.T) {
	if isAlive(0) {
		t.Error("isAlive(0) should be false")
	}
}
