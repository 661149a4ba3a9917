package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/a3s-run/a3s/internal/boxtypes"
)

type PsCmd struct {
	All bool `short:"a" help:"show stopped boxes too"`
}

func (c *PsCmd) Run(cctx *Context) error {
	boxes, err := cctx.Client.List(context.Background(), c.All)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BOX ID\tNAME\tIMAGE\tSTATUS\tCREATED\t")
	for _, b := range boxes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n", b.ShortID, b.Name, b.Image, b.Status, b.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

type InspectCmd struct {
	ID []string `arg:"" help:"box ID(s) or name(s) to inspect"`
}

func (c *InspectCmd) Run(cctx *Context) error {
	boxes := make([]*boxtypes.Box, 0, len(c.ID))
	for _, id := range c.ID {
		b, err := cctx.Client.Inspect(context.Background(), id)
		if err != nil {
			return err
		}
		boxes = append(boxes, b)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(boxes)
}

type StatsCmd struct {
	ID string `arg:"" help:"box ID or name"`
}

func (c *StatsCmd) Run(cctx *Context) error {
	m, err := cctx.Client.Stats(context.Background(), c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("CPU: %.2f%%\tMEM: %d bytes\n", m.CPUPercent, m.RSSBytes)
	return nil
}

// DiffCmd lists rootfs paths whose mtime is newer than the box's
// StartedAt, a lightweight stand-in for a true overlay-diff since the
// shim composes a plain virtiofs share rather than a layered filesystem.
type DiffCmd struct {
	ID string `arg:"" help:"box ID or name"`
}

func (c *DiffCmd) Run(cctx *Context) error {
	b, err := cctx.Client.Inspect(context.Background(), c.ID)
	if err != nil {
		return err
	}
	if b.StartedAt == nil {
		return fmt.Errorf("box %q has never started", c.ID)
	}

	since := *b.StartedAt
	return filepath.Walk(b.RootfsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if info.ModTime().After(since) {
			rel, relErr := filepath.Rel(b.RootfsDir(), path)
			if relErr != nil {
				rel = path
			}
			fmt.Printf("C /%s\n", rel)
		}
		return nil
	})
}

type EventsCmd struct{}

func (c *EventsCmd) Run(cctx *Context) error {
	ctx := context.Background()
	ch, err := cctx.Client.Events(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for ev := range ch {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
