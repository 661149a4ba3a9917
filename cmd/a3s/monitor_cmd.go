package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/a3s-run/a3s/internal/events"
)

// MonitorCmd tails the restart monitor's activity. The monitor's backoff
// state lives inside the daemon process, so this streams the event bus
// filtered to the keys the monitor itself publishes rather than exposing
// a separate query surface.
type MonitorCmd struct{}

var monitorKeys = map[events.Key]bool{
	events.KeyBoxRestarted: true,
	events.KeyBoxError:     true,
	events.KeyBoxExited:    true,
}

func (c *MonitorCmd) Run(cctx *Context) error {
	ch, err := cctx.Client.Events(context.Background())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for ev := range ch {
		if !monitorKeys[ev.Key] {
			continue
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
