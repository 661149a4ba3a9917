package main

import (
	"strings"
	"testing"

	"github.com/kata-containers/govmm/qemu"

	"github.com/a3s-run/a3s/internal/boxtypes"
)

func TestBuildDevicesMounts(t *testing.T) {
	spec := &boxtypes.InstanceSpec{
		Mounts: []boxtypes.VirtioFSMount{
			{Tag: "rootfs", HostPath: "/var/a3s/boxes/1/rootfs"},
			{Tag: "work", HostPath: "/var/a3s/boxes/1/work", ReadOnly: true},
		},
	}
	devices := buildDevices(spec)
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}
	for i, d := range devices {
		fs, ok := d.(qemu.FSDevice)
		if !ok {
			t.Fatalf("devices[%d] = %T, want qemu.FSDevice", i, d)
		}
		if fs.MountTag != spec.Mounts[i].Tag || fs.Path != spec.Mounts[i].HostPath {
			t.Errorf("devices[%d] = %+v, want tag/path from %+v", i, fs, spec.Mounts[i])
		}
		if fs.SecurityModel != qemu.None {
			t.Errorf("devices[%d].SecurityModel = %v, want qemu.None", i, fs.SecurityModel)
		}
	}
}

func TestBuildDevicesVsock(t *testing.T) {
	spec := &boxtypes.InstanceSpec{VsockCID: 42}
	devices := buildDevices(spec)
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}
	vsock, ok := devices[0].(qemu.VSOCKDevice)
	if !ok {
		t.Fatalf("devices[0] = %T, want qemu.VSOCKDevice", devices[0])
	}
	if vsock.ContextID != 42 {
		t.Errorf("vsock.ContextID = %d, want 42", vsock.ContextID)
	}
	if !vsock.Valid() {
		t.Error("vsock.Valid() = false, want true")
	}
}

func TestBuildDevicesConsole(t *testing.T) {
	spec := &boxtypes.InstanceSpec{ConsolePath: "/var/a3s/boxes/1/console.sock"}
	devices := buildDevices(spec)
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}
	console, ok := devices[0].(qemu.CharDevice)
	if !ok {
		t.Fatalf("devices[0] = %T, want qemu.CharDevice", devices[0])
	}
	if console.Driver != qemu.Console || console.Path != spec.ConsolePath {
		t.Errorf("console = %+v", console)
	}
}

func TestBuildDevicesPorts(t *testing.T) {
	spec := &boxtypes.InstanceSpec{
		Ports: []boxtypes.PortMapping{{HostPort: 8080, GuestPort: 80}},
	}
	devices := buildDevices(spec)
	if len(devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(devices))
	}
	if _, ok := devices[0].(portMapDevice); !ok {
		t.Fatalf("devices[0] = %T, want portMapDevice", devices[0])
	}
}

func TestBuildDevicesEmptySpec(t *testing.T) {
	if devices := buildDevices(&boxtypes.InstanceSpec{}); len(devices) != 0 {
		t.Errorf("len(devices) = %d, want 0", len(devices))
	}
}

func TestPortMapDeviceQemuParams(t *testing.T) {
	d := portMapDevice{ports: []boxtypes.PortMapping{
		{HostPort: 8080, GuestPort: 80},
		{HostPort: 2222, GuestPort: 22, Protocol: "udp"},
	}}
	if !d.Valid() {
		t.Fatal("Valid() = false, want true")
	}
	params := d.QemuParams(nil)
	joined := strings.Join(params, " ")
	if !strings.Contains(joined, "hostfwd=tcp::8080-:80") {
		t.Errorf("params = %q, missing tcp hostfwd", joined)
	}
	if !strings.Contains(joined, "hostfwd=udp::2222-:22") {
		t.Errorf("params = %q, missing udp hostfwd", joined)
	}
	if !strings.Contains(joined, "virtio-net-pci,netdev=net0") {
		t.Errorf("params = %q, missing virtio-net-pci device", joined)
	}
}

func TestPortMapDeviceInvalidWhenEmpty(t *testing.T) {
	d := portMapDevice{}
	if d.Valid() {
		t.Error("Valid() = true for empty port list, want false")
	}
}

func TestBuildArgsBasicFields(t *testing.T) {
	cfg := &qemu.Config{
		Name:    "box-1",
		Machine: qemu.Machine{Type: qemu.MachineTypeMicrovm, Acceleration: "kvm"},
		Memory:  qemu.Memory{Size: "512M"},
		SMP:     qemu.SMP{CPUs: 2},
		Kernel:  qemu.Kernel{Path: "/boot/vmlinux", InitrdPath: "/boot/initrd.img", Params: "console=hvc0"},
		Knobs:   qemu.Knobs{NoGraphic: true, NoUserConfig: true},
	}
	args := buildArgs(cfg)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"-name box-1",
		"-machine microvm,accel=kvm",
		"-m 512M",
		"-smp 2",
		"-kernel /boot/vmlinux",
		"-initrd /boot/initrd.img",
		"-append console=hvc0",
		"-no-user-config",
		"-nographic",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("buildArgs() = %q, missing %q", joined, want)
		}
	}
}

func TestBuildArgsSkipsInvalidDevices(t *testing.T) {
	cfg := &qemu.Config{
		Devices: []qemu.Device{
			portMapDevice{}, // invalid: no ports
			portMapDevice{ports: []boxtypes.PortMapping{{HostPort: 80, GuestPort: 80}}},
		},
	}
	args := buildArgs(cfg)
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "hostfwd=tcp::80-:80") {
		t.Errorf("buildArgs() = %q, want the valid device's params", joined)
	}
	if strings.Count(joined, "-netdev") != 1 {
		t.Errorf("buildArgs() = %q, want exactly one -netdev (invalid device skipped)", joined)
	}
}

func TestBuildArgsOmitsUnsetFields(t *testing.T) {
	args := buildArgs(&qemu.Config{})
	if len(args) != 0 {
		t.Errorf("buildArgs(empty config) = %v, want empty", args)
	}
}
