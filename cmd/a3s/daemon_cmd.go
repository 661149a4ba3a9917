package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/a3s-run/a3s/internal/daemon"
)

type DaemonCmd struct {
	Action   string `arg:"" optional:"" default:"status" enum:"start,stop,restart,status" help:"start, stop, restart, or status (default)"`
	BaseDir  string `help:"daemon base dir (internal flag used when re-exec'ing the daemon process)" hidden:""`
}

func (c *DaemonCmd) Run(cctx *Context) error {
	ctx := context.Background()
	switch c.Action {
	case "start":
		return c.start(ctx, cctx)
	case "stop":
		return c.stop(ctx, cctx)
	case "restart":
		return c.restart(ctx, cctx)
	default:
		return c.status(ctx, cctx)
	}
}

func (c *DaemonCmd) status(ctx context.Context, cctx *Context) error {
	if err := cctx.Client.Ping(ctx); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	fmt.Println("daemon is running")
	return nil
}

// start runs the daemon in the foreground of this process -- this is the
// entrypoint re-exec'd by EnsureDaemon with --base-dir, not something a
// user normally invokes directly.
func (c *DaemonCmd) start(ctx context.Context, cctx *Context) error {
	if err := cctx.Client.Ping(ctx); err == nil {
		fmt.Println("daemon is already running")
		return nil
	}

	baseDir := c.BaseDir
	if baseDir == "" {
		baseDir = cctx.AppBaseDir
	}
	d, err := daemon.New(baseDir)
	if err != nil {
		return err
	}
	return d.Serve(ctx)
}

func (c *DaemonCmd) stop(ctx context.Context, cctx *Context) error {
	if err := cctx.Client.Ping(ctx); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	if err := cctx.Client.Shutdown(ctx); err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}
	fmt.Println("daemon stopped")
	return nil
}

func (c *DaemonCmd) restart(ctx context.Context, cctx *Context) error {
	if err := cctx.Client.Ping(ctx); err == nil {
		if err := cctx.Client.Shutdown(ctx); err != nil {
			return fmt.Errorf("stopping daemon: %w", err)
		}
		fmt.Println("daemon stopped")
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.CommandContext(ctx, exe, "daemon", "start", "--base-dir", cctx.AppBaseDir)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	socketPath := filepath.Join(cctx.AppBaseDir, "a3s.sock")
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			fmt.Println("daemon restarted")
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start")
}
