package main

import (
	"fmt"
	"strings"

	"github.com/kata-containers/govmm/qemu"

	"github.com/a3s-run/a3s/internal/boxtypes"
)

// buildDevices translates an InstanceSpec's mounts, vsock channel, console,
// and port map into govmm qemu.Device values.
func buildDevices(spec *boxtypes.InstanceSpec) []qemu.Device {
	var devices []qemu.Device

	for i, m := range spec.Mounts {
		devices = append(devices, qemu.FSDevice{
			Driver:        qemu.Virtio9P,
			FSDriver:      qemu.Local,
			ID:            fmt.Sprintf("mount%d", i),
			Path:          m.HostPath,
			MountTag:      m.Tag,
			SecurityModel: qemu.None,
		})
	}

	if spec.VsockCID != 0 {
		devices = append(devices, qemu.VSOCKDevice{
			ID:        "vsock0",
			ContextID: uint64(spec.VsockCID),
		})
	}

	if spec.ConsolePath != "" {
		devices = append(devices, qemu.CharDevice{
			Backend: qemu.File,
			Driver:  qemu.Console,
			ID:      "console0",
			Path:    spec.ConsolePath,
			Name:    "console0",
		})
	}

	if len(spec.Ports) > 0 {
		devices = append(devices, portMapDevice{ports: spec.Ports})
	}

	return devices
}

// portMapDevice implements qemu.Device directly (rather than using
// NetDevice, which targets Kata's tap-based networking) to emit the
// usermode-NAT hostfwd args govmm doesn't model: a single
// "-netdev user,hostfwd=..." line listing every published port.
type portMapDevice struct {
	ports []boxtypes.PortMapping
}

func (d portMapDevice) Valid() bool { return len(d.ports) > 0 }

func (d portMapDevice) QemuParams(_ *qemu.Config) []string {
	parts := []string{"user", "id=net0"}
	for _, p := range d.ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		parts = append(parts, fmt.Sprintf("hostfwd=%s::%d-:%d", proto, p.HostPort, p.GuestPort))
	}
	return []string{
		"-netdev", strings.Join(parts, ","),
		"-device", "virtio-net-pci,netdev=net0",
	}
}

// buildArgs renders cfg into a qemu argv, reproducing the subset of
// govmm's unexported Config.append* sequence this runtime actually needs
// (name, machine, memory, smp, kernel, knobs, devices) since that
// sequence isn't exposed as a public API that stops short of also
// spawning the process.
func buildArgs(cfg *qemu.Config) []string {
	var args []string

	if cfg.Name != "" {
		args = append(args, "-name", cfg.Name)
	}
	if cfg.Machine.Type != "" {
		m := []string{cfg.Machine.Type}
		if cfg.Machine.Acceleration != "" {
			m = append(m, "accel="+cfg.Machine.Acceleration)
		}
		args = append(args, "-machine", strings.Join(m, ","))
	}
	if cfg.Memory.Size != "" {
		args = append(args, "-m", cfg.Memory.Size)
	}
	if cfg.SMP.CPUs > 0 {
		args = append(args, "-smp", fmt.Sprintf("%d", cfg.SMP.CPUs))
	}
	if cfg.Kernel.Path != "" {
		args = append(args, "-kernel", cfg.Kernel.Path)
		if cfg.Kernel.InitrdPath != "" {
			args = append(args, "-initrd", cfg.Kernel.InitrdPath)
		}
		if cfg.Kernel.Params != "" {
			args = append(args, "-append", cfg.Kernel.Params)
		}
	}
	if cfg.Knobs.NoUserConfig {
		args = append(args, "-no-user-config")
	}
	if cfg.Knobs.NoGraphic {
		args = append(args, "-nographic")
	}

	for _, d := range cfg.Devices {
		if !d.Valid() {
			continue
		}
		args = append(args, d.QemuParams(cfg)...)
	}

	return args
}
