package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

const (
	socketName = "a3s.sock"
	lockName   = "a3s.lock"
)

// Daemon wraps an Engine in a Unix-socket HTTP front end: one long-lived
// process per AppBaseDir, guarded by an exclusive flock so a second
// `daemon start` refuses to run alongside an existing one.
type Daemon struct {
	AppBaseDir string
	Engine     *Engine

	listener net.Listener
	lockFile *os.File
	shutdown chan struct{}
}

// New constructs a Daemon rooted at appBaseDir, building its Engine.
func New(appBaseDir string) (*Daemon, error) {
	e, err := NewEngine(appBaseDir)
	if err != nil {
		return nil, err
	}
	return &Daemon{AppBaseDir: appBaseDir, Engine: e, shutdown: make(chan struct{})}, nil
}

func (d *Daemon) socketPath() string { return filepath.Join(d.AppBaseDir, socketName) }
func (d *Daemon) lockPath() string   { return filepath.Join(d.AppBaseDir, lockName) }

// Serve acquires the daemon lock, starts the HTTP server and the restart
// monitor, and blocks until shutdown (the monitor runs for the daemon's
// whole lifetime, not per-command).
func (d *Daemon) Serve(ctx context.Context) error {
	if err := os.MkdirAll(d.AppBaseDir, 0o755); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating app base dir")
	}

	lf, err := acquireLock(d.lockPath())
	if err != nil {
		return err
	}
	d.lockFile = lf

	if err := os.Remove(d.socketPath()); err != nil && !os.IsNotExist(err) {
		return boxerr.Wrap(boxerr.KindIoError, err, "removing stale socket")
	}

	ln, err := net.Listen("unix", d.socketPath())
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "listening on %q", d.socketPath())
	}
	d.listener = ln

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go func() {
		if err := d.Engine.Mon.Run(monitorCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("monitor exited", "error", err)
		}
	}()

	go d.waitForSignal()
	go d.serveHTTP()

	slog.Info("daemon listening", "socket", d.socketPath())
	<-d.shutdown
	return nil
}

func (d *Daemon) waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		_ = d.Shutdown(context.Background())
	case <-d.shutdown:
	}
}

// Shutdown closes the listener and socket, releases the lock, and
// unblocks Serve. Safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) error {
	select {
	case <-d.shutdown:
		return nil
	default:
	}

	if d.listener != nil {
		_ = d.listener.Close()
	}
	_ = os.Remove(d.socketPath())

	if d.lockFile != nil {
		_ = syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)
		_ = d.lockFile.Close()
		_ = os.Remove(d.lockPath())
	}

	close(d.shutdown)
	return nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "opening lock file %q", path)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, boxerr.New(boxerr.KindInvalidConfig, "daemon already running (lock held on %q)", path)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "truncating lock file")
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "writing pid to lock file")
	}
	return f, nil
}

func (d *Daemon) serveHTTP() {
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/shutdown", d.handleShutdown)

	mux.HandleFunc("/boxes/run", d.handleRun)
	mux.HandleFunc("/boxes/create", d.handleCreate)
	mux.HandleFunc("/boxes/start", d.boxAction(d.Engine.Start))
	mux.HandleFunc("/boxes/stop", d.boxAction(d.Engine.Stop))
	mux.HandleFunc("/boxes/restart", d.boxAction(d.Engine.Restart))
	mux.HandleFunc("/boxes/kill", d.boxAction(d.Engine.Kill))
	mux.HandleFunc("/boxes/pause", d.boxAction(d.Engine.Pause))
	mux.HandleFunc("/boxes/unpause", d.boxAction(d.Engine.Unpause))
	mux.HandleFunc("/boxes/remove", d.handleRemove)
	mux.HandleFunc("/boxes/rename", d.handleRename)
	mux.HandleFunc("/boxes/update", d.handleUpdate)
	mux.HandleFunc("/boxes/wait", d.handleWait)
	mux.HandleFunc("/boxes/list", d.handleList)
	mux.HandleFunc("/boxes/inspect", d.handleInspect)
	mux.HandleFunc("/boxes/stats", d.handleStats)
	mux.HandleFunc("/events", d.handleEvents)

	mux.HandleFunc("/images/pull", d.handlePull)
	mux.HandleFunc("/images/build", d.handleBuild)
	mux.HandleFunc("/images/list", d.handleImagesList)
	mux.HandleFunc("/images/remove", d.handleImagesRemove)
	mux.HandleFunc("/images/prune", d.handleImagesPrune)

	mux.HandleFunc("/system/prune", d.handleSystemPrune)
	mux.HandleFunc("/system/df", d.handleDf)

	mux.HandleFunc("/volumes/create", d.handleVolumeCreate)
	mux.HandleFunc("/volumes/list", d.handleVolumeList)
	mux.HandleFunc("/volumes/remove", d.handleVolumeRemove)
	mux.HandleFunc("/volumes/inspect", d.handleVolumeInspect)

	mux.HandleFunc("/networks/create", d.handleNetworkCreate)
	mux.HandleFunc("/networks/list", d.handleNetworkList)
	mux.HandleFunc("/networks/remove", d.handleNetworkRemove)
	mux.HandleFunc("/networks/connect", d.handleNetworkConnect)
	mux.HandleFunc("/networks/disconnect", d.handleNetworkDisconnect)

	srv := &http.Server{Handler: mux}
	if err := srv.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		slog.Error("http server exited", "error", err)
	}
}

func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	go func() { _ = d.Shutdown(context.Background()) }()
}

type runRequest struct {
	Name        string                 `json:"name"`
	Image       string                 `json:"image"`
	Entrypoint  []string               `json:"entrypoint"`
	Cmd         []string               `json:"cmd"`
	Env         map[string]string      `json:"env"`
	Mounts      []boxtypes.Mount       `json:"mounts"`
	Volumes     []string               `json:"volumes"`
	Ports       []boxtypes.PortMapping `json:"ports"`
	Resources   boxtypes.ResourceLimits `json:"resources"`
	NetworkMode string                 `json:"networkMode"`
	Hostname    string                 `json:"hostname"`
	User        string                 `json:"user"`
	WorkDir     string                 `json:"workDir"`
	RestartPolicy boxtypes.RestartPolicy `json:"restartPolicy"`
	LogConfig   boxtypes.LogConfig     `json:"logConfig"`
	Security    boxtypes.SecurityConfig `json:"security"`
	TEE         boxtypes.TEEConfig     `json:"tee"`
}

func (req runRequest) toOptions() RunOptions {
	return RunOptions{
		Name:          req.Name,
		Image:         req.Image,
		Entrypoint:    req.Entrypoint,
		Cmd:           req.Cmd,
		Env:           req.Env,
		Mounts:        req.Mounts,
		Volumes:       req.Volumes,
		Ports:         req.Ports,
		Resources:     req.Resources,
		NetworkMode:   req.NetworkMode,
		Hostname:      req.Hostname,
		User:          req.User,
		WorkDir:       req.WorkDir,
		RestartPolicy: req.RestartPolicy,
		LogConfig:     req.LogConfig,
		Security:      req.Security,
		TEE:           req.TEE,
	}
}

func (d *Daemon) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	box, err := d.Engine.Run(r.Context(), req.toOptions())
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, box)
}

func (d *Daemon) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	box, err := d.Engine.Create(r.Context(), req.toOptions())
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, box)
}

// boxAction adapts a (ctx, id) -> (*Box, error) Engine method into an
// HTTP handler decoding {"id": "..."} from the request body.
func (d *Daemon) boxAction(action func(context.Context, string) (*boxtypes.Box, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req idRequest
		if !decodeOrBadRequest(w, r, &req) {
			return
		}
		b, err := action(r.Context(), req.ID)
		if err != nil {
			writeBoxErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

type idRequest struct {
	ID string `json:"id"`
}

func (d *Daemon) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Force bool   `json:"force"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	if err := d.Engine.Remove(r.Context(), req.ID, req.Force); err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (d *Daemon) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		NewName string `json:"newName"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	b, err := d.Engine.Rename(req.ID, req.NewName)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (d *Daemon) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID            string                  `json:"id"`
		Resources     boxtypes.ResourceLimits `json:"resources"`
		RestartPolicy boxtypes.RestartPolicy  `json:"restartPolicy"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	b, err := d.Engine.Update(req.ID, UpdateOptions{Resources: req.Resources, RestartPolicy: req.RestartPolicy})
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (d *Daemon) handleWait(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	code, err := d.Engine.Wait(r.Context(), req.ID)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"exitCode": code})
}

func (d *Daemon) handleImagesPrune(w http.ResponseWriter, r *http.Request) {
	removed, err := d.Engine.ImagesPrune(r.Context())
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (d *Daemon) handleSystemPrune(w http.ResponseWriter, r *http.Request) {
	removed, err := d.Engine.SystemPrune(r.Context())
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (d *Daemon) handleDf(w http.ResponseWriter, r *http.Request) {
	usage, err := d.Engine.Df()
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (d *Daemon) handleList(w http.ResponseWriter, r *http.Request) {
	includeAll := r.URL.Query().Get("all") == "true"
	boxes, err := d.Engine.List(includeAll)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, boxes)
}

func (d *Daemon) handleInspect(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	b, err := d.Engine.Inspect(id)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (d *Daemon) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	m, err := d.Engine.Metrics(id)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleEvents streams newline-delimited JSON events until the client
// disconnects, flushing after every event.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, unsubscribe := d.Engine.EventBus.Subscribe(nil)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (d *Daemon) handlePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string `json:"reference"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	entry, err := d.Engine.Pull(r.Context(), req.Reference)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (d *Daemon) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference  string            `json:"reference"`
		Dockerfile string            `json:"dockerfile"`
		ContextDir string            `json:"contextDir"`
		BuildArgs  map[string]string `json:"buildArgs"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	entry, err := d.Engine.Build(r.Context(), BuildOptions{
		Reference:  req.Reference,
		Dockerfile: req.Dockerfile,
		ContextDir: req.ContextDir,
		BuildArgs:  req.BuildArgs,
	})
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (d *Daemon) handleImagesList(w http.ResponseWriter, r *http.Request) {
	entries, err := d.Engine.Images_List()
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (d *Daemon) handleImagesRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reference string `json:"reference"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	if err := d.Engine.Images_Remove(req.Reference); err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (d *Daemon) handleVolumeCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string            `json:"name"`
		Labels map[string]string `json:"labels"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	v, err := d.Engine.Volume_Create(req.Name, req.Labels)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (d *Daemon) handleVolumeList(w http.ResponseWriter, r *http.Request) {
	vols, err := d.Engine.Volume_List()
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vols)
}

func (d *Daemon) handleVolumeRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Force bool   `json:"force"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	if err := d.Engine.Volume_Remove(req.Name, req.Force); err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (d *Daemon) handleVolumeInspect(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	v, err := d.Engine.Volume_Inspect(name)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (d *Daemon) handleNetworkCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		CIDR string `json:"cidr"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	n, err := d.Engine.Network_Create(req.Name, req.CIDR)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (d *Daemon) handleNetworkList(w http.ResponseWriter, r *http.Request) {
	nets, err := d.Engine.Network_List()
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nets)
}

func (d *Daemon) handleNetworkRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID    string `json:"id"`
		Force bool   `json:"force"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	if err := d.Engine.Network_Remove(req.ID, req.Force); err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (d *Daemon) handleNetworkConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NetworkID string `json:"networkId"`
		BoxID     string `json:"boxId"`
		Alias     string `json:"alias"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	ip, err := d.Engine.Network_Connect(req.NetworkID, req.BoxID, req.Alias)
	if err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip})
}

func (d *Daemon) handleNetworkDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NetworkID string `json:"networkId"`
		BoxID     string `json:"boxId"`
	}
	if !decodeOrBadRequest(w, r, &req) {
		return
	}
	if err := d.Engine.Network_Disconnect(req.NetworkID, req.BoxID); err != nil {
		writeBoxErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func decodeOrBadRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "decoding request: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeBoxErr maps a boxerr.Kind to an HTTP status and writes a JSON error
// body the client can reconstruct a boxerr.Error from.
func writeBoxErr(w http.ResponseWriter, err error) {
	kind := boxerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case boxerr.KindNotFound:
		status = http.StatusNotFound
	case boxerr.KindInvalidConfig, boxerr.KindInvalidReference, boxerr.KindAmbiguous:
		status = http.StatusBadRequest
	case boxerr.KindTimeoutError:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}
