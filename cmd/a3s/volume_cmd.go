package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// VolumeCmd groups the volume subcommands the way the teacher groups
// related operations under one namespaced command.
type VolumeCmd struct {
	Create  VolumeCreateCmd  `cmd:"" help:"create a named volume"`
	Ls      VolumeLsCmd      `cmd:"" help:"list volumes"`
	Rm      VolumeRmCmd      `cmd:"" help:"remove one or more volumes"`
	Inspect VolumeInspectCmd `cmd:"" help:"show detailed volume information"`
	Prune   VolumePruneCmd   `cmd:"" help:"remove volumes with no attachments"`
}

type VolumeCreateCmd struct {
	Name  string   `arg:"" help:"volume name"`
	Label []string `placeholder:"KEY=VALUE" help:"attach a label (repeatable)"`
}

func (c *VolumeCreateCmd) Run(cctx *Context) error {
	labels, err := parseEnv(c.Label)
	if err != nil {
		return err
	}
	v, err := cctx.Client.VolumeCreate(context.Background(), c.Name, labels)
	if err != nil {
		return err
	}
	fmt.Println(v.Name)
	return nil
}

type VolumeLsCmd struct{}

func (c *VolumeLsCmd) Run(cctx *Context) error {
	volumes, err := cctx.Client.VolumeList(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMOUNTPOINT\tCREATED\t")
	for _, v := range volumes {
		fmt.Fprintf(w, "%s\t%s\t%s\t\n", v.Name, v.MountPoint, v.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return w.Flush()
}

type VolumeRmCmd struct {
	Name  []string `arg:"" help:"volume name(s) to remove"`
	Force bool     `short:"f" help:"remove even if attached to boxes"`
}

func (c *VolumeRmCmd) Run(cctx *Context) error {
	return forEachID(c.Name, func(name string) error {
		return cctx.Client.VolumeRemove(context.Background(), name, c.Force)
	})
}

type VolumeInspectCmd struct {
	Name []string `arg:"" help:"volume name(s)"`
}

func (c *VolumeInspectCmd) Run(cctx *Context) error {
	for _, name := range c.Name {
		v, err := cctx.Client.VolumeInspect(context.Background(), name)
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", v)
	}
	return nil
}

// VolumePruneCmd removes every volume with no attachments, printing the
// name of each volume it removed.
type VolumePruneCmd struct{}

func (c *VolumePruneCmd) Run(cctx *Context) error {
	vols, err := cctx.Client.VolumeList(context.Background())
	if err != nil {
		return err
	}
	for _, v := range vols {
		if len(v.Attachments) > 0 {
			continue
		}
		if err := cctx.Client.VolumeRemove(context.Background(), v.Name, false); err != nil {
			return err
		}
		fmt.Println(v.Name)
	}
	return nil
}
