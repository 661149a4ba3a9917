// Command a3s-shim is the process a box's VM controller spawns to boot
// one microVM. It never returns on success: after building the
// hypervisor's argument list from an InstanceSpec it execs directly into
// the hypervisor binary, so the process image this binary started as
// becomes the VM (spec §4.13). It is deliberately a separate binary from
// cmd/a3s because of that takeover — a package that could exec over
// itself at any point is not one you want driving a long-lived daemon.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kata-containers/govmm/qemu"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: a3s-shim <instance-spec-json>")
		os.Exit(1)
	}

	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "a3s-shim: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
	// run only returns on error; success replaces this process entirely.
}

func run(rawSpec string) error {
	spec, err := parseSpec(rawSpec)
	if err != nil {
		return err
	}
	if err := validateSpec(spec); err != nil {
		return err
	}

	hvPath, err := locateHypervisor()
	if err != nil {
		return err
	}
	kernelPath, initrdPath, err := locateBootFiles()
	if err != nil {
		return err
	}

	cfg := &qemu.Config{
		Path:    hvPath,
		Name:    spec.BoxID,
		Machine: qemu.Machine{Type: qemu.MachineTypeMicrovm, Acceleration: "kvm"},
		SMP:     qemu.SMP{CPUs: uint32(spec.VCPUs)},
		Memory:  qemu.Memory{Size: fmt.Sprintf("%dM", spec.MemoryMB)},
		Kernel:  qemu.Kernel{Path: kernelPath, InitrdPath: initrdPath, Params: kernelParams(spec)},
		Knobs:   qemu.Knobs{NoGraphic: true, NoUserConfig: true},
		Devices: buildDevices(spec),
	}

	if err := raiseNoFileLimit(); err != nil {
		return err
	}

	argv := append([]string{hvPath}, buildArgs(cfg)...)
	return boxerr.Wrap(boxerr.KindBoxBootError, syscall.Exec(hvPath, argv, os.Environ()), "exec into hypervisor")
}

func parseSpec(raw string) (*boxtypes.InstanceSpec, error) {
	// The spec may be passed as a literal JSON string or as a path to a
	// file containing it; InstanceSpec JSON can exceed typical argv-size
	// comfort, so the controller is free to use either form.
	data := []byte(raw)
	if !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		b, err := os.ReadFile(raw)
		if err != nil {
			return nil, boxerr.Wrap(boxerr.KindInvalidConfig, err, "reading instance spec")
		}
		data = b
	}

	var spec boxtypes.InstanceSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, boxerr.Wrap(boxerr.KindInvalidConfig, err, "parsing instance spec")
	}
	return &spec, nil
}

func validateSpec(spec *boxtypes.InstanceSpec) error {
	if spec.RootfsPath == "" {
		return boxerr.New(boxerr.KindInvalidConfig, "instance spec has no rootfs path")
	}
	if _, err := os.Stat(spec.RootfsPath); err != nil {
		return boxerr.Wrap(boxerr.KindInvalidConfig, err, "rootfs path %q", spec.RootfsPath)
	}
	for _, m := range spec.Mounts {
		if _, err := os.Stat(m.HostPath); err != nil {
			return boxerr.Wrap(boxerr.KindInvalidConfig, err, "mount %q host path %q", m.Tag, m.HostPath)
		}
	}
	if spec.VCPUs <= 0 {
		return boxerr.New(boxerr.KindInvalidConfig, "vcpus must be positive, got %d", spec.VCPUs)
	}
	if spec.MemoryMB <= 0 {
		return boxerr.New(boxerr.KindInvalidConfig, "memoryMb must be positive, got %d", spec.MemoryMB)
	}
	return nil
}

func kernelParams(spec *boxtypes.InstanceSpec) string {
	params := []string{"console=hvc0", "reboot=k", "panic=1", "root=/dev/vda", "rootfstype=virtiofs", "rw"}
	if spec.WorkDir != "" {
		params = append(params, "a3s.workdir="+spec.WorkDir)
	}
	return strings.Join(params, " ")
}

// exitCodeFor maps a failed run's error to the shim's process exit code:
// KindInvalidConfig exits with 22 (EINVAL) so an invalid configuration is
// distinguishable from other failures, and every other error exits with 1.
func exitCodeFor(err error) int {
	if boxerr.KindOf(err) == boxerr.KindInvalidConfig {
		return 22
	}
	return 1
}

// locateHypervisor searches the directory next to this executable, then
// well-known install paths, then $PATH, in that order.
func locateHypervisor() (string, error) {
	const binName = "qemu-system-x86_64"

	candidates := []string{
		"/usr/lib/a3s/" + binName,
		"/usr/local/lib/a3s/" + binName,
		"/usr/bin/" + binName,
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append([]string{filepath.Join(filepath.Dir(exe), binName)}, candidates...)
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	if path, err := exec.LookPath(binName); err == nil {
		return path, nil
	}
	return "", boxerr.New(boxerr.KindInvalidConfig, "%s not found in well-known paths or PATH", binName)
}

// locateBootFiles finds the kernel/initrd shipped alongside the runtime;
// every box boots the same kernel, with the guest agent and entrypoint
// supplied entirely through the rootfs and virtio-fs mounts.
func locateBootFiles() (kernel, initrd string, err error) {
	dirs := []string{"/usr/lib/a3s", "/usr/local/lib/a3s"}
	if exe, err := os.Executable(); err == nil {
		dirs = append([]string{filepath.Dir(exe)}, dirs...)
	}
	for _, d := range dirs {
		k := filepath.Join(d, "vmlinux")
		i := filepath.Join(d, "initrd.img")
		if _, err := os.Stat(k); err == nil {
			if _, err := os.Stat(i); err == nil {
				return k, i, nil
			}
			return k, "", nil
		}
	}
	return "", "", boxerr.New(boxerr.KindInvalidConfig, "no vmlinux found alongside the shim binary or in /usr/lib/a3s")
}
