package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
	"github.com/a3s-run/a3s/internal/daemon"
)

// boxFlags is the shared flag set between `run` and `create`, grounded
// on the teacher's flat per-command flag structs (cmd/sand/exec_cmd.go).
type boxFlags struct {
	Name        string   `help:"box name (auto-generated if unset)"`
	Entrypoint  []string `help:"override the image's entrypoint"`
	Env         []string `short:"e" placeholder:"KEY=VALUE" help:"set an environment variable (repeatable)"`
	Mount       []string `short:"v" placeholder:"host:guest[:ro]" help:"bind mount a host path into the box (repeatable)"`
	Volume      []string `placeholder:"name" help:"attach a named volume (repeatable)"`
	Port        []string `short:"p" placeholder:"host:guest[/proto]" help:"publish a port (repeatable)"`
	VCPUs       int      `default:"1" help:"number of virtual CPUs"`
	MemoryMB    int      `default:"512" help:"memory in megabytes"`
	Network     string   `default:"bridge" help:"network mode: bridge, none, host, or a network name"`
	Hostname    string   `help:"box hostname"`
	User        string   `help:"user to run as inside the box"`
	WorkDir     string   `help:"working directory inside the box"`
	Restart     string   `default:"no" enum:"no,always,on-failure,unless-stopped" help:"restart policy"`
	LogDriver   string   `default:"json" enum:"json,none" help:"log driver"`
	CapAdd      []string `help:"add a Linux capability (repeatable)"`
	Privileged  bool     `help:"run with elevated guest privileges"`
	TEE         bool     `help:"request hardware attestation for this box"`
	AllowSimTEE bool     `name:"allow-simulated-tee" help:"permit a simulated TEE when hardware attestation is unavailable"`

	Image string `arg:"" help:"image reference to run"`
	Cmd   []string `arg:"" optional:"" passthrough:"" help:"command and args to run instead of the image default"`
}

func (f *boxFlags) toRunOptions() (daemon.RunOptions, error) {
	env, err := parseEnv(f.Env)
	if err != nil {
		return daemon.RunOptions{}, err
	}
	mounts, err := parseMounts(f.Mount)
	if err != nil {
		return daemon.RunOptions{}, err
	}
	ports, err := parsePorts(f.Port)
	if err != nil {
		return daemon.RunOptions{}, err
	}

	return daemon.RunOptions{
		Name:        f.Name,
		Image:       f.Image,
		Entrypoint:  f.Entrypoint,
		Cmd:         f.Cmd,
		Env:         env,
		Mounts:      mounts,
		Volumes:     f.Volume,
		Ports:       ports,
		Resources:   boxtypes.ResourceLimits{VCPUs: f.VCPUs, MemoryMB: f.MemoryMB},
		NetworkMode: f.Network,
		Hostname:    f.Hostname,
		User:        f.User,
		WorkDir:     f.WorkDir,
		RestartPolicy: boxtypes.RestartPolicy{
			Kind: boxtypes.RestartPolicyKind(f.Restart),
		},
		LogConfig: boxtypes.LogConfig{Driver: f.LogDriver},
		Security: boxtypes.SecurityConfig{
			CapAdd:     f.CapAdd,
			Privileged: f.Privileged,
		},
		TEE: boxtypes.TEEConfig{
			Enabled:        f.TEE,
			AllowSimulated: f.AllowSimTEE,
		},
	}, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, boxerr.New(boxerr.KindInvalidConfig, "invalid --env %q, want KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

func parseMounts(specs []string) ([]boxtypes.Mount, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	mounts := make([]boxtypes.Mount, 0, len(specs))
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, boxerr.New(boxerr.KindInvalidConfig, "invalid --mount %q, want host:guest[:ro]", s)
		}
		m := boxtypes.Mount{HostPath: parts[0], GuestPath: parts[1]}
		if len(parts) == 3 && parts[2] == "ro" {
			m.ReadOnly = true
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

func parsePorts(specs []string) ([]boxtypes.PortMapping, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	ports := make([]boxtypes.PortMapping, 0, len(specs))
	for _, s := range specs {
		proto := "tcp"
		if idx := strings.Index(s, "/"); idx >= 0 {
			proto = s[idx+1:]
			s = s[:idx]
		}
		parts := strings.Split(s, ":")
		if len(parts) != 2 {
			return nil, boxerr.New(boxerr.KindInvalidConfig, "invalid --port %q, want host:guest[/proto]", s)
		}
		hostPort, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, boxerr.New(boxerr.KindInvalidConfig, "invalid host port in %q", s)
		}
		guestPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, boxerr.New(boxerr.KindInvalidConfig, "invalid guest port in %q", s)
		}
		ports = append(ports, boxtypes.PortMapping{HostPort: hostPort, GuestPort: guestPort, Protocol: proto})
	}
	return ports, nil
}

type RunCmd struct {
	boxFlags
	Detach bool `short:"d" help:"run in the background and print the box ID"`
}

func (c *RunCmd) Run(cctx *Context) error {
	opts, err := c.toRunOptions()
	if err != nil {
		return err
	}
	ctx := context.Background()

	b, err := cctx.Client.Run(ctx, opts)
	if err != nil {
		return err
	}

	if c.Detach {
		fmt.Println(b.ID)
		return nil
	}

	exitCode, err := cctx.Client.Wait(ctx, b.ID)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return boxerr.New(boxerr.KindBoxBootError, "box exited with status %d", exitCode)
	}
	return nil
}

type CreateCmd struct {
	boxFlags
}

func (c *CreateCmd) Run(cctx *Context) error {
	opts, err := c.toRunOptions()
	if err != nil {
		return err
	}
	b, err := cctx.Client.Create(context.Background(), opts)
	if err != nil {
		return err
	}
	fmt.Println(b.ID)
	return nil
}
