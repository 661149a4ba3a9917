package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/transport"
)

// dialSocket connects directly to one of box's per-channel Unix sockets,
// bypassing the daemon entirely for the exec/PTY/attest data planes.
func dialSocket(path string) (net.Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "dialing %s", path)
	}
	return conn, nil
}

type ExecCmd struct {
	ID   string   `arg:"" help:"box ID or name"`
	Argv []string `arg:"" passthrough:"" help:"command and args to execute"`

	Workdir string   `help:"working directory inside the box"`
	User    string   `help:"user to run as"`
	Env     []string `short:"e" placeholder:"KEY=VALUE" help:"set an environment variable (repeatable)"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	b, err := cctx.Client.Inspect(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if !b.IsRunning() {
		return boxerr.New(boxerr.KindInvalidConfig, "box %q is not running", c.ID)
	}

	env, err := parseEnv(c.Env)
	if err != nil {
		return err
	}

	conn, err := dialSocket(b.Sockets().Exec)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := transport.ExecRequest{
		Argv:    c.Argv,
		Env:     env,
		Workdir: c.Workdir,
		User:    c.User,
	}
	if err := transport.SendExecRequest(conn, req); err != nil {
		return err
	}
	out, err := transport.RecvExecOutput(conn)
	if err != nil {
		return err
	}

	os.Stdout.Write(out.Stdout)
	os.Stderr.Write(out.Stderr)
	if out.ExitCode != 0 {
		return boxerr.New(boxerr.KindBoxBootError, "exec exited with status %d", out.ExitCode)
	}
	return nil
}

type AttachCmd struct {
	ID      string   `arg:"" help:"box ID or name"`
	Argv    []string `arg:"" optional:"" passthrough:"" help:"command to run (defaults to a shell)"`
	Workdir string   `help:"working directory inside the box"`
	User    string   `help:"user to run as"`
}

func (c *AttachCmd) Run(cctx *Context) error {
	b, err := cctx.Client.Inspect(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if !b.IsRunning() {
		return boxerr.New(boxerr.KindInvalidConfig, "box %q is not running", c.ID)
	}

	argv := c.Argv
	if len(argv) == 0 {
		argv = []string{"/bin/sh"}
	}

	conn, err := dialSocket(b.Sockets().PTY)
	if err != nil {
		return err
	}
	defer conn.Close()

	cols, rows := uint16(80), uint16(24)
	if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
		cols, rows = uint16(w), uint16(h)
	}

	req := transport.PTYRequest{Argv: argv, Workdir: c.Workdir, User: c.User, Cols: cols, Rows: rows}
	if err := transport.SendPTYRequest(conn, req); err != nil {
		return err
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		prev, err := term.MakeRaw(stdin)
		if err == nil {
			defer term.Restore(stdin, prev)
		}
	}

	errCh := make(chan error, 2)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := os.Stdin.Read(buf)
			if n > 0 {
				if werr := transport.SendPTYData(conn, buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if rerr != nil {
				errCh <- nil
				return
			}
		}
	}()

	go func() {
		for {
			frame, ferr := transport.RecvPTYFrame(conn)
			if ferr != nil {
				errCh <- ferr
				return
			}
			switch frame.Type {
			case transport.FramePTYData:
				os.Stdout.Write(frame.Data)
			case transport.FramePTYExit:
				if frame.Exit.ExitCode != 0 {
					errCh <- boxerr.New(boxerr.KindBoxBootError, "attach exited with status %d", frame.Exit.ExitCode)
				} else {
					errCh <- nil
				}
				return
			case transport.FramePTYError:
				errCh <- boxerr.New(boxerr.KindIoError, "%s", frame.Error.Message)
				return
			}
		}
	}()

	return <-errCh
}

// TopCmd runs a process listing inside the box over the exec channel; there
// is no separate procfs-over-vsock route, so it is just exec with a fixed
// argv.
type TopCmd struct {
	ID string `arg:"" help:"box ID or name"`
}

func (c *TopCmd) Run(cctx *Context) error {
	exec := &ExecCmd{ID: c.ID, Argv: []string{"ps", "-ef"}}
	return exec.Run(cctx)
}

type LogsCmd struct {
	ID     string `arg:"" help:"box ID or name"`
	Follow bool   `short:"f" help:"follow the log output"`
	Tail   int    `default:"0" help:"number of lines to show from the end (0 means all)"`
}

func (c *LogsCmd) Run(cctx *Context) error {
	b, err := cctx.Client.Inspect(context.Background(), c.ID)
	if err != nil {
		return err
	}

	path := filepath.Join(b.LogDir(), "container.json")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return boxerr.Wrap(boxerr.KindIoError, err, "opening log file")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "reading log file")
	}

	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if c.Tail > 0 && len(lines) > c.Tail {
		lines = lines[len(lines)-c.Tail:]
	}
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		fmt.Println(string(line))
	}

	if !c.Follow {
		return nil
	}
	for {
		line, rerr := readLine(f)
		if rerr == io.EOF {
			continue
		}
		if rerr != nil {
			return rerr
		}
		fmt.Print(line)
	}
}

func readLine(f *os.File) (string, error) {
	buf := make([]byte, 1)
	var line []byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			line = append(line, buf[0])
			if buf[0] == '\n' {
				return string(line), nil
			}
		}
		if err != nil {
			return "", err
		}
	}
}
