package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

type NetworkCmd struct {
	Create     NetworkCreateCmd     `cmd:"" help:"create a network"`
	Ls         NetworkLsCmd         `cmd:"" help:"list networks"`
	Rm         NetworkRmCmd         `cmd:"" help:"remove one or more networks"`
	Inspect    NetworkInspectCmd    `cmd:"" help:"show detailed network information"`
	Connect    NetworkConnectCmd    `cmd:"" help:"connect a box to a network"`
	Disconnect NetworkDisconnectCmd `cmd:"" help:"disconnect a box from a network"`
	Prune      NetworkPruneCmd      `cmd:"" help:"remove networks with no endpoints"`
}

type NetworkCreateCmd struct {
	Name string `arg:"" help:"network name"`
	CIDR string `default:"" help:"subnet CIDR (auto-allocated if unset)"`
}

func (c *NetworkCreateCmd) Run(cctx *Context) error {
	n, err := cctx.Client.NetworkCreate(context.Background(), c.Name, c.CIDR)
	if err != nil {
		return err
	}
	fmt.Println(n.ID)
	return nil
}

type NetworkLsCmd struct{}

func (c *NetworkLsCmd) Run(cctx *Context) error {
	networks, err := cctx.Client.NetworkList(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCIDR\tENDPOINTS\t")
	for _, n := range networks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t\n", n.ID, n.Name, n.CIDR, len(n.Endpoints))
	}
	return w.Flush()
}

type NetworkRmCmd struct {
	ID    []string `arg:"" help:"network ID(s) or name(s) to remove"`
	Force bool     `short:"f" help:"remove even if boxes are still connected"`
}

func (c *NetworkRmCmd) Run(cctx *Context) error {
	return forEachID(c.ID, func(id string) error {
		return cctx.Client.NetworkRemove(context.Background(), id, c.Force)
	})
}

type NetworkInspectCmd struct {
	ID []string `arg:"" help:"network ID(s) or name(s)"`
}

func (c *NetworkInspectCmd) Run(cctx *Context) error {
	networks, err := cctx.Client.NetworkList(context.Background())
	if err != nil {
		return err
	}
	for _, id := range c.ID {
		for _, n := range networks {
			if n.ID == id || n.Name == id {
				fmt.Printf("%+v\n", n)
			}
		}
	}
	return nil
}

type NetworkConnectCmd struct {
	Network string `arg:"" help:"network ID or name"`
	Box     string `arg:"" help:"box ID or name"`
	Alias   string `help:"network alias for the box"`
}

func (c *NetworkConnectCmd) Run(cctx *Context) error {
	ip, err := cctx.Client.NetworkConnect(context.Background(), c.Network, c.Box, c.Alias)
	if err != nil {
		return err
	}
	fmt.Println(ip)
	return nil
}

type NetworkDisconnectCmd struct {
	Network string `arg:"" help:"network ID or name"`
	Box     string `arg:"" help:"box ID or name"`
}

func (c *NetworkDisconnectCmd) Run(cctx *Context) error {
	return cctx.Client.NetworkDisconnect(context.Background(), c.Network, c.Box)
}

// NetworkPruneCmd removes networks with zero connected endpoints. Unlike
// volume pruning, this has no engine-level sweep to lean on yet, so it
// lists and filters client-side.
type NetworkPruneCmd struct{}

func (c *NetworkPruneCmd) Run(cctx *Context) error {
	networks, err := cctx.Client.NetworkList(context.Background())
	if err != nil {
		return err
	}
	for _, n := range networks {
		if len(n.Endpoints) > 0 {
			continue
		}
		if err := cctx.Client.NetworkRemove(context.Background(), n.ID, false); err != nil {
			continue
		}
		fmt.Println(n.ID)
	}
	return nil
}
