package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/a3s-run/a3s/internal/boxtypes"
)

// forEachID runs fn concurrently over ids, printing each id on success and
// aggregating every failure, matching the teacher's bulk-command shape
// (cmd/sand/stop_cmd.go / rm_cmd.go): one goroutine per ID, and every
// failure is joined into the returned error (errors.Join), in ID order.
func forEachID(ids []string, fn func(id string) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if err := fn(id); err != nil {
				errs[i] = fmt.Errorf("%s: %w", id, err)
				return
			}
			fmt.Println(id)
		}(i, id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

type StartCmd struct {
	ID []string `arg:"" help:"box ID(s) or name(s) to start"`
}

func (c *StartCmd) Run(cctx *Context) error {
	return forEachID(c.ID, func(id string) error {
		_, err := cctx.Client.Start(context.Background(), id)
		return err
	})
}

type StopCmd struct {
	ID  []string `arg:"" optional:"" help:"box ID(s) or name(s) to stop"`
	All bool     `short:"a" help:"stop all running boxes"`
}

func (c *StopCmd) Run(cctx *Context) error {
	ids, err := c.resolveIDs(cctx)
	if err != nil {
		return err
	}
	return forEachID(ids, func(id string) error {
		_, err := cctx.Client.Stop(context.Background(), id)
		return err
	})
}

func (c *StopCmd) resolveIDs(cctx *Context) ([]string, error) {
	if !c.All {
		return c.ID, nil
	}
	boxes, err := cctx.Client.List(context.Background(), false)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(boxes))
	for i, b := range boxes {
		ids[i] = b.ID
	}
	return ids, nil
}

type RestartCmd struct {
	ID []string `arg:"" help:"box ID(s) or name(s) to restart"`
}

func (c *RestartCmd) Run(cctx *Context) error {
	return forEachID(c.ID, func(id string) error {
		_, err := cctx.Client.Restart(context.Background(), id)
		return err
	})
}

type PauseCmd struct {
	ID []string `arg:"" help:"box ID(s) or name(s) to pause"`
}

func (c *PauseCmd) Run(cctx *Context) error {
	return forEachID(c.ID, func(id string) error {
		_, err := cctx.Client.Pause(context.Background(), id)
		return err
	})
}

type UnpauseCmd struct {
	ID []string `arg:"" help:"box ID(s) or name(s) to unpause"`
}

func (c *UnpauseCmd) Run(cctx *Context) error {
	return forEachID(c.ID, func(id string) error {
		_, err := cctx.Client.Unpause(context.Background(), id)
		return err
	})
}

type KillCmd struct {
	ID []string `arg:"" help:"box ID(s) or name(s) to kill"`
}

func (c *KillCmd) Run(cctx *Context) error {
	return forEachID(c.ID, func(id string) error {
		_, err := cctx.Client.Kill(context.Background(), id)
		return err
	})
}

type RmCmd struct {
	ID    []string `arg:"" optional:"" help:"box ID(s) or name(s) to remove"`
	Force bool     `short:"f" help:"force removal, stopping the box first if running"`
	All   bool     `short:"a" help:"remove all boxes"`
}

func (c *RmCmd) Run(cctx *Context) error {
	ids := c.ID
	if c.All {
		boxes, err := cctx.Client.List(context.Background(), true)
		if err != nil {
			return err
		}
		ids = nil
		for _, b := range boxes {
			ids = append(ids, b.ID)
		}
	}
	return forEachID(ids, func(id string) error {
		return cctx.Client.Remove(context.Background(), id, c.Force)
	})
}

type RenameCmd struct {
	ID      string `arg:"" help:"box ID or name"`
	NewName string `arg:"" help:"new name"`
}

func (c *RenameCmd) Run(cctx *Context) error {
	_, err := cctx.Client.Rename(context.Background(), c.ID, c.NewName)
	return err
}

type WaitCmd struct {
	ID []string `arg:"" help:"box ID(s) or name(s) to wait on"`
}

func (c *WaitCmd) Run(cctx *Context) error {
	last := 0
	for _, id := range c.ID {
		code, err := cctx.Client.Wait(context.Background(), id)
		if err != nil {
			return err
		}
		fmt.Println(code)
		last = code
	}
	if last != 0 {
		return fmt.Errorf("box exited with status %d", last)
	}
	return nil
}

type UpdateCmd struct {
	ID       string `arg:"" help:"box ID or name"`
	VCPUs    int    `help:"new vCPU count (0 leaves unchanged)"`
	MemoryMB int    `help:"new memory limit in MB (0 leaves unchanged)"`
	Restart  string `enum:",no,always,on-failure,unless-stopped" default:"" help:"new restart policy"`
}

func (c *UpdateCmd) Run(cctx *Context) error {
	_, err := cctx.Client.Update(context.Background(), c.ID,
		boxtypes.ResourceLimits{VCPUs: c.VCPUs, MemoryMB: c.MemoryMB},
		boxtypes.RestartPolicy{Kind: boxtypes.RestartPolicyKind(c.Restart)},
	)
	return err
}
