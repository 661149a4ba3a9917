package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/a3s-run/a3s/internal/boxtypes"
	"github.com/a3s-run/a3s/internal/events"
	"github.com/a3s-run/a3s/internal/imagestore"
	"github.com/a3s-run/a3s/internal/vmctl"
)

// Client talks to a running Daemon over its Unix socket. Every method
// maps to one route in serveHTTP.
type Client struct {
	appBaseDir string
	httpClient *http.Client
}

// NewClient builds a Client dialing the daemon socket under appBaseDir.
// It does not verify the daemon is running; that happens on first request.
func NewClient(appBaseDir string) *Client {
	socketPath := filepath.Join(appBaseDir, socketName)
	return &Client{
		appBaseDir: appBaseDir,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = strings.NewReader(string(raw))
	} else {
		bodyReader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, "/ping", nil, nil)
}

func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.doRequest(ctx, http.MethodPost, "/shutdown", nil, nil); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := os.Stat(filepath.Join(c.appBaseDir, socketName)); err == nil {
		return fmt.Errorf("daemon may not have shut down cleanly")
	}
	return nil
}

func (c *Client) Run(ctx context.Context, opts RunOptions) (*boxtypes.Box, error) {
	var box boxtypes.Box
	if err := c.doRequest(ctx, http.MethodPost, "/boxes/run", runRequestFrom(opts), &box); err != nil {
		return nil, err
	}
	return &box, nil
}

func (c *Client) Create(ctx context.Context, opts RunOptions) (*boxtypes.Box, error) {
	var box boxtypes.Box
	if err := c.doRequest(ctx, http.MethodPost, "/boxes/create", runRequestFrom(opts), &box); err != nil {
		return nil, err
	}
	return &box, nil
}

func runRequestFrom(opts RunOptions) runRequest {
	return runRequest{
		Name:          opts.Name,
		Image:         opts.Image,
		Entrypoint:    opts.Entrypoint,
		Cmd:           opts.Cmd,
		Env:           opts.Env,
		Mounts:        opts.Mounts,
		Volumes:       opts.Volumes,
		Ports:         opts.Ports,
		Resources:     opts.Resources,
		NetworkMode:   opts.NetworkMode,
		Hostname:      opts.Hostname,
		User:          opts.User,
		WorkDir:       opts.WorkDir,
		RestartPolicy: opts.RestartPolicy,
		LogConfig:     opts.LogConfig,
		Security:      opts.Security,
		TEE:           opts.TEE,
	}
}

func (c *Client) boxAction(ctx context.Context, path, id string) (*boxtypes.Box, error) {
	var box boxtypes.Box
	if err := c.doRequest(ctx, http.MethodPost, path, idRequest{ID: id}, &box); err != nil {
		return nil, err
	}
	return &box, nil
}

func (c *Client) Start(ctx context.Context, id string) (*boxtypes.Box, error) {
	return c.boxAction(ctx, "/boxes/start", id)
}

func (c *Client) Stop(ctx context.Context, id string) (*boxtypes.Box, error) {
	return c.boxAction(ctx, "/boxes/stop", id)
}

func (c *Client) Restart(ctx context.Context, id string) (*boxtypes.Box, error) {
	return c.boxAction(ctx, "/boxes/restart", id)
}

func (c *Client) Kill(ctx context.Context, id string) (*boxtypes.Box, error) {
	return c.boxAction(ctx, "/boxes/kill", id)
}

func (c *Client) Pause(ctx context.Context, id string) (*boxtypes.Box, error) {
	return c.boxAction(ctx, "/boxes/pause", id)
}

func (c *Client) Unpause(ctx context.Context, id string) (*boxtypes.Box, error) {
	return c.boxAction(ctx, "/boxes/unpause", id)
}

func (c *Client) Update(ctx context.Context, id string, resources boxtypes.ResourceLimits, restartPolicy boxtypes.RestartPolicy) (*boxtypes.Box, error) {
	var box boxtypes.Box
	err := c.doRequest(ctx, http.MethodPost, "/boxes/update", struct {
		ID            string                  `json:"id"`
		Resources     boxtypes.ResourceLimits `json:"resources"`
		RestartPolicy boxtypes.RestartPolicy  `json:"restartPolicy"`
	}{id, resources, restartPolicy}, &box)
	if err != nil {
		return nil, err
	}
	return &box, nil
}

func (c *Client) Wait(ctx context.Context, id string) (int, error) {
	var resp struct {
		ExitCode int `json:"exitCode"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/boxes/wait", idRequest{ID: id}, &resp); err != nil {
		return 0, err
	}
	return resp.ExitCode, nil
}

func (c *Client) ImagesPrune(ctx context.Context) ([]string, error) {
	var removed []string
	if err := c.doRequest(ctx, http.MethodPost, "/images/prune", struct{}{}, &removed); err != nil {
		return nil, err
	}
	return removed, nil
}

func (c *Client) SystemPrune(ctx context.Context) (map[string][]string, error) {
	var removed map[string][]string
	if err := c.doRequest(ctx, http.MethodPost, "/system/prune", struct{}{}, &removed); err != nil {
		return nil, err
	}
	return removed, nil
}

func (c *Client) Df(ctx context.Context) (DiskUsage, error) {
	var usage DiskUsage
	if err := c.doRequest(ctx, http.MethodPost, "/system/df", struct{}{}, &usage); err != nil {
		return DiskUsage{}, err
	}
	return usage, nil
}

func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	return c.doRequest(ctx, http.MethodPost, "/boxes/remove", struct {
		ID    string `json:"id"`
		Force bool   `json:"force"`
	}{id, force}, nil)
}

func (c *Client) Rename(ctx context.Context, id, newName string) (*boxtypes.Box, error) {
	var box boxtypes.Box
	err := c.doRequest(ctx, http.MethodPost, "/boxes/rename", struct {
		ID      string `json:"id"`
		NewName string `json:"newName"`
	}{id, newName}, &box)
	if err != nil {
		return nil, err
	}
	return &box, nil
}

func (c *Client) List(ctx context.Context, includeAll bool) ([]*boxtypes.Box, error) {
	path := "/boxes/list"
	if includeAll {
		path += "?all=true"
	}
	var boxes []*boxtypes.Box
	if err := c.doRequest(ctx, http.MethodPost, path, struct{}{}, &boxes); err != nil {
		return nil, err
	}
	return boxes, nil
}

func (c *Client) Inspect(ctx context.Context, id string) (*boxtypes.Box, error) {
	var box boxtypes.Box
	if err := c.doRequest(ctx, http.MethodPost, "/boxes/inspect?id="+id, struct{}{}, &box); err != nil {
		return nil, err
	}
	return &box, nil
}

func (c *Client) Stats(ctx context.Context, id string) (vmctl.Metrics, error) {
	var stats vmctl.Metrics
	if err := c.doRequest(ctx, http.MethodPost, "/boxes/stats?id="+id, struct{}{}, &stats); err != nil {
		return vmctl.Metrics{}, err
	}
	return stats, nil
}

// Events streams the daemon's event bus as ndjson into the returned
// channel, closing it when ctx is canceled or the connection drops.
func (c *Client) Events(ctx context.Context) (<-chan events.BoxEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/events", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}

	out := make(chan events.BoxEvent)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var ev events.BoxEvent
			if err := dec.Decode(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) Pull(ctx context.Context, reference string) (*imagestore.Entry, error) {
	var entry imagestore.Entry
	err := c.doRequest(ctx, http.MethodPost, "/images/pull", struct {
		Reference string `json:"reference"`
	}{reference}, &entry)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) Build(ctx context.Context, reference, dockerfile, contextDir string, buildArgs map[string]string) (*imagestore.Entry, error) {
	var entry imagestore.Entry
	err := c.doRequest(ctx, http.MethodPost, "/images/build", struct {
		Reference  string            `json:"reference"`
		Dockerfile string            `json:"dockerfile"`
		ContextDir string            `json:"contextDir"`
		BuildArgs  map[string]string `json:"buildArgs"`
	}{reference, dockerfile, contextDir, buildArgs}, &entry)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Client) ImagesList(ctx context.Context) ([]imagestore.Entry, error) {
	var entries []imagestore.Entry
	if err := c.doRequest(ctx, http.MethodPost, "/images/list", struct{}{}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) ImagesRemove(ctx context.Context, reference string) error {
	return c.doRequest(ctx, http.MethodPost, "/images/remove", struct {
		Reference string `json:"reference"`
	}{reference}, nil)
}

func (c *Client) VolumeCreate(ctx context.Context, name string, labels map[string]string) (*boxtypes.Volume, error) {
	var v boxtypes.Volume
	err := c.doRequest(ctx, http.MethodPost, "/volumes/create", struct {
		Name   string            `json:"name"`
		Labels map[string]string `json:"labels"`
	}{name, labels}, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) VolumeList(ctx context.Context) ([]*boxtypes.Volume, error) {
	var vols []*boxtypes.Volume
	if err := c.doRequest(ctx, http.MethodPost, "/volumes/list", struct{}{}, &vols); err != nil {
		return nil, err
	}
	return vols, nil
}

func (c *Client) VolumeRemove(ctx context.Context, name string, force bool) error {
	return c.doRequest(ctx, http.MethodPost, "/volumes/remove", struct {
		Name  string `json:"name"`
		Force bool   `json:"force"`
	}{name, force}, nil)
}

func (c *Client) VolumeInspect(ctx context.Context, name string) (*boxtypes.Volume, error) {
	var v boxtypes.Volume
	if err := c.doRequest(ctx, http.MethodPost, "/volumes/inspect?name="+name, struct{}{}, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) NetworkCreate(ctx context.Context, name, cidr string) (*boxtypes.Network, error) {
	var n boxtypes.Network
	err := c.doRequest(ctx, http.MethodPost, "/networks/create", struct {
		Name string `json:"name"`
		CIDR string `json:"cidr"`
	}{name, cidr}, &n)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *Client) NetworkList(ctx context.Context) ([]*boxtypes.Network, error) {
	var nets []*boxtypes.Network
	if err := c.doRequest(ctx, http.MethodPost, "/networks/list", struct{}{}, &nets); err != nil {
		return nil, err
	}
	return nets, nil
}

func (c *Client) NetworkRemove(ctx context.Context, id string, force bool) error {
	return c.doRequest(ctx, http.MethodPost, "/networks/remove", struct {
		ID    string `json:"id"`
		Force bool   `json:"force"`
	}{id, force}, nil)
}

func (c *Client) NetworkConnect(ctx context.Context, networkID, boxID, alias string) (string, error) {
	var resp struct {
		IP string `json:"ip"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/networks/connect", struct {
		NetworkID string `json:"networkId"`
		BoxID     string `json:"boxId"`
		Alias     string `json:"alias"`
	}{networkID, boxID, alias}, &resp)
	if err != nil {
		return "", err
	}
	return resp.IP, nil
}

func (c *Client) NetworkDisconnect(ctx context.Context, networkID, boxID string) error {
	return c.doRequest(ctx, http.MethodPost, "/networks/disconnect", struct {
		NetworkID string `json:"networkId"`
		BoxID     string `json:"boxId"`
	}{networkID, boxID}, nil)
}

// EnsureDaemon connects to the daemon socket under appBaseDir, starting
// a detached daemon process if none is listening yet.
func EnsureDaemon(ctx context.Context, appBaseDir string) error {
	socketPath := filepath.Join(appBaseDir, socketName)

	if conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond); err == nil {
		conn.Close()
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cmd := exec.Command(exe, "daemon", "start", "--base-dir", appBaseDir)
	slog.Info("starting daemon", "cmd", strings.Join(cmd.Args, " "))
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("daemon failed to start within 2s")
}
