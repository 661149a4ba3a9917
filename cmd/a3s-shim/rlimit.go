package main

import (
	"syscall"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// raiseNoFileLimit raises RLIMIT_NOFILE to its hard maximum; a virtio-fs
// mount opens one fd per shared directory plus per-queue fds, and a box
// with many mounts can otherwise hit the default 1024 soft limit well
// before qemu even starts.
func raiseNoFileLimit() error {
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "reading RLIMIT_NOFILE")
	}
	rlim.Cur = rlim.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "raising RLIMIT_NOFILE to %d", rlim.Max)
	}
	return nil
}
