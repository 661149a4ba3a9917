package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

func TestValidateSpecRequiresRootfs(t *testing.T) {
	spec := &boxtypes.InstanceSpec{VCPUs: 1, MemoryMB: 128}
	if err := validateSpec(spec); boxerr.KindOf(err) != boxerr.KindInvalidConfig {
		t.Fatalf("validateSpec() = %v, want KindInvalidConfig", err)
	}
}

func TestValidateSpecRejectsMissingRootfsPath(t *testing.T) {
	spec := &boxtypes.InstanceSpec{RootfsPath: "/nonexistent/rootfs.img", VCPUs: 1, MemoryMB: 128}
	if err := validateSpec(spec); boxerr.KindOf(err) != boxerr.KindInvalidConfig {
		t.Fatalf("validateSpec() = %v, want KindInvalidConfig", err)
	}
}

func TestValidateSpecRejectsMissingMountHostPath(t *testing.T) {
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs.img")
	writeFile(t, rootfs)

	spec := &boxtypes.InstanceSpec{
		RootfsPath: rootfs,
		VCPUs:      1,
		MemoryMB:   128,
		Mounts: []boxtypes.VirtioFSMount{
			{Tag: "work", HostPath: filepath.Join(dir, "missing")},
		},
	}
	if err := validateSpec(spec); boxerr.KindOf(err) != boxerr.KindInvalidConfig {
		t.Fatalf("validateSpec() = %v, want KindInvalidConfig", err)
	}
}

func TestValidateSpecRejectsNonPositiveResources(t *testing.T) {
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs.img")
	writeFile(t, rootfs)

	cases := []struct {
		name string
		spec *boxtypes.InstanceSpec
	}{
		{"vcpus", &boxtypes.InstanceSpec{RootfsPath: rootfs, VCPUs: 0, MemoryMB: 128}},
		{"memory", &boxtypes.InstanceSpec{RootfsPath: rootfs, VCPUs: 1, MemoryMB: 0}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := validateSpec(c.spec); boxerr.KindOf(err) != boxerr.KindInvalidConfig {
				t.Fatalf("validateSpec() = %v, want KindInvalidConfig", err)
			}
		})
	}
}

func TestValidateSpecAcceptsWellFormedSpec(t *testing.T) {
	dir := t.TempDir()
	rootfs := filepath.Join(dir, "rootfs.img")
	mountHost := filepath.Join(dir, "work")
	writeFile(t, rootfs)
	writeFile(t, mountHost)

	spec := &boxtypes.InstanceSpec{
		RootfsPath: rootfs,
		VCPUs:      2,
		MemoryMB:   512,
		Mounts:     []boxtypes.VirtioFSMount{{Tag: "work", HostPath: mountHost}},
	}
	if err := validateSpec(spec); err != nil {
		t.Fatalf("validateSpec() = %v, want nil", err)
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := exitCodeFor(boxerr.New(boxerr.KindInvalidConfig, "bad")); got != 22 {
		t.Errorf("exitCodeFor(InvalidConfig) = %d, want 22", got)
	}
	if got := exitCodeFor(boxerr.New(boxerr.KindBoxBootError, "boom")); got != 1 {
		t.Errorf("exitCodeFor(BoxBootError) = %d, want 1", got)
	}
}

func TestKernelParams(t *testing.T) {
	base := kernelParams(&boxtypes.InstanceSpec{})
	want := "console=hvc0 reboot=k panic=1 root=/dev/vda rootfstype=virtiofs rw"
	if base != want {
		t.Errorf("kernelParams(no workdir) = %q, want %q", base, want)
	}

	withWorkdir := kernelParams(&boxtypes.InstanceSpec{WorkDir: "/srv/app"})
	wantSuffix := " a3s.workdir=/srv/app"
	if withWorkdir != want+wantSuffix {
		t.Errorf("kernelParams(workdir) = %q, want %q", withWorkdir, want+wantSuffix)
	}
}

func TestParseSpecLiteralJSON(t *testing.T) {
	spec, err := parseSpec(`{"boxId":"abc123","vcpus":2}`)
	if err != nil {
		t.Fatalf("parseSpec: %v", err)
	}
	if spec.BoxID != "abc123" || spec.VCPUs != 2 {
		t.Errorf("parseSpec() = %+v", spec)
	}
}

func TestParseSpecFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.json")
	writeFileContent(t, path, `{"boxId":"from-file","vcpus":4}`)

	spec, err := parseSpec(path)
	if err != nil {
		t.Fatalf("parseSpec: %v", err)
	}
	if spec.BoxID != "from-file" || spec.VCPUs != 4 {
		t.Errorf("parseSpec() = %+v", spec)
	}
}

func TestParseSpecRejectsInvalidJSON(t *testing.T) {
	if _, err := parseSpec(`{not json`); boxerr.KindOf(err) != boxerr.KindInvalidConfig {
		t.Fatalf("parseSpec() = %v, want KindInvalidConfig", err)
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	writeFileContent(t, path, "")
}

func writeFileContent(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
