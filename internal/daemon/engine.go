// Package daemon wires the store, registry, rootfs, vmctl, monitor, and
// event components into one long-lived process addressable over a Unix
// socket, generalizing the `sand` daemon's single-sandbox mux into the
// full box/image/volume/network surface (spec §2 data flow).
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxlog"
	"github.com/a3s-run/a3s/internal/boxtypes"
	"github.com/a3s-run/a3s/internal/credstore"
	"github.com/a3s-run/a3s/internal/events"
	"github.com/a3s-run/a3s/internal/imagestore"
	"github.com/a3s-run/a3s/internal/monitor"
	"github.com/a3s-run/a3s/internal/ref"
	"github.com/a3s-run/a3s/internal/registry"
	"github.com/a3s-run/a3s/internal/resolver"
	"github.com/a3s-run/a3s/internal/rootfs"
	"github.com/a3s-run/a3s/internal/state"
	"github.com/a3s-run/a3s/internal/vmctl"
)

// minGuestCID/maxGuestCID mirror govmm's VSOCKDevice bounds; the engine
// hands out CIDs sequentially within that range, wrapping if exhausted.
const (
	minGuestCID uint32 = 3
	maxGuestCID uint32 = 1<<32 - 1
)

// RunOptions is the daemon-facing box creation request, assembled by the
// CLI's `run`/`create` commands from flags/config.
type RunOptions struct {
	Name          string
	Image         string
	Entrypoint    []string
	Cmd           []string
	Env           map[string]string
	Mounts        []boxtypes.Mount
	Volumes       []string
	Ports         []boxtypes.PortMapping
	Resources     boxtypes.ResourceLimits
	NetworkMode   string
	Hostname      string
	User          string
	WorkDir       string
	RestartPolicy boxtypes.RestartPolicy
	LogConfig     boxtypes.LogConfig
	Security      boxtypes.SecurityConfig
	TEE           boxtypes.TEEConfig
	Start         bool // false for `create`, true for `run`
}

// Engine holds every component the daemon drives: it has no network
// surface of its own (see Daemon for the Unix-socket HTTP front end).
type Engine struct {
	BaseDir string

	Boxes     *state.BoxStore
	Volumes   *state.VolumeStore
	Networks  *state.NetworkStore
	Images    *imagestore.Store
	Creds     *credstore.Store
	Registry  *registry.Client
	EventBus  *events.Bus
	Mon       *monitor.Monitor

	mu       sync.Mutex
	handlers map[string]*vmctl.Handler
	nextCID  uint32
	logCancel map[string]context.CancelFunc
}

// NewEngine wires every store and service rooted at baseDir (spec §4.8's
// "single file per domain" convention: <baseDir>/boxes.json etc).
func NewEngine(baseDir string) (*Engine, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating base dir %q", baseDir)
	}

	e := &Engine{
		BaseDir:   baseDir,
		Boxes:     state.NewBoxStore(filepath.Join(baseDir, "boxes.json")),
		Volumes:   state.NewVolumeStore(filepath.Join(baseDir, "volumes.json")),
		Networks:  state.NewNetworkStore(filepath.Join(baseDir, "networks.json")),
		Images:    imagestore.New(filepath.Join(baseDir, "images")),
		Creds:     credstore.New(filepath.Join(baseDir, "credentials.json")),
		Registry:  registry.New(),
		EventBus:  events.New(256),
		handlers:  map[string]*vmctl.Handler{},
		logCancel: map[string]context.CancelFunc{},
		nextCID:   minGuestCID,
	}

	e.Mon = monitor.New(boxStoreAdapter{e.Boxes}, e.bootForMonitor, e.isAlive)
	return e, nil
}

// boxStoreAdapter narrows *state.BoxStore to monitor.BoxStore without
// monitor importing internal/state directly (package-direction hygiene:
// a leaf package shouldn't depend on its own caller's caller).
type boxStoreAdapter struct{ s *state.BoxStore }

func (a boxStoreAdapter) PendingRestarts() ([]string, error) { return a.s.PendingRestarts() }
func (a boxStoreAdapter) FindByID(id string) (*boxtypes.Box, error) { return a.s.FindByID(id) }
func (a boxStoreAdapter) Update(b *boxtypes.Box) error { return a.s.Update(b) }

func (e *Engine) isAlive(pid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.handlers {
		if h.PID() == pid {
			return h.IsRunning()
		}
	}
	return vmctl.Attach("", pid).IsRunning()
}

func (e *Engine) bootForMonitor(ctx context.Context, b *boxtypes.Box) (int, error) {
	h, err := e.bootBox(ctx, b)
	if err != nil {
		return 0, err
	}
	return h.PID(), nil
}

func (e *Engine) allocCID() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	cid := e.nextCID
	e.nextCID++
	if e.nextCID == 0 || e.nextCID > maxGuestCID {
		e.nextCID = minGuestCID
	}
	return cid
}

// Pull resolves reference, skips the fetch if the resulting digest is
// already cached, and otherwise downloads the manifest/config/layers into
// the image store under both the reference and digest keys (spec §4.4).
func (e *Engine) Pull(ctx context.Context, reference string) (*imagestore.Entry, error) {
	r, err := ref.Parse(reference)
	if err != nil {
		return nil, err
	}

	auth, err := registry.FromCredStore(e.Creds, r)
	if err != nil {
		return nil, err
	}

	digest, err := e.Registry.Digest(ctx, r, auth)
	if err != nil {
		return nil, err
	}

	if entry, ok, err := e.Images.GetByDigest(digest); err != nil {
		return nil, err
	} else if ok {
		if err := e.Images.Put(r.Canonical(), digest, entry.ContentPath); err != nil {
			return nil, err
		}
		return &entry, nil
	}

	stagingDir, err := os.MkdirTemp(e.Images.Root, "pull-*")
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating pull staging dir")
	}
	defer os.RemoveAll(stagingDir)

	if _, err := e.Registry.Pull(ctx, r, auth, stagingDir); err != nil {
		return nil, err
	}

	if err := e.Images.Put(r.Canonical(), digest, stagingDir); err != nil {
		return nil, err
	}
	entry, _, err := e.Images.GetByDigest(digest)
	if err != nil {
		return nil, err
	}
	e.EventBus.Publish(ctx, events.BoxEvent{Key: events.KeyBoxReady, Payload: map[string]any{"image": r.Canonical(), "digest": digest}})
	return &entry, nil
}

// Create persists a new box record without booting it (the `create`
// command; `run` calls Create then Start).
func (e *Engine) Create(ctx context.Context, opts RunOptions) (*boxtypes.Box, error) {
	if opts.Resources.VCPUs <= 0 {
		opts.Resources.VCPUs = 1
	}
	if opts.Resources.MemoryMB <= 0 {
		opts.Resources.MemoryMB = 512
	}
	if opts.LogConfig.Driver == "" {
		opts.LogConfig.Driver = "json"
	}
	if opts.RestartPolicy.Kind == "" {
		opts.RestartPolicy.Kind = boxtypes.RestartNo
	}

	b := &boxtypes.Box{
		Name:          opts.Name,
		Image:         opts.Image,
		Status:        boxtypes.StatusCreated,
		Resources:     opts.Resources,
		Entrypoint:    opts.Entrypoint,
		Cmd:           opts.Cmd,
		Env:           opts.Env,
		Mounts:        opts.Mounts,
		Volumes:       opts.Volumes,
		Ports:         opts.Ports,
		NetworkMode:   opts.NetworkMode,
		Hostname:      opts.Hostname,
		User:          opts.User,
		WorkDir:       opts.WorkDir,
		RestartPolicy: opts.RestartPolicy,
		LogConfig:     opts.LogConfig,
		Security:      opts.Security,
		TEE:           opts.TEE,
	}

	if err := e.Boxes.Add(b); err != nil {
		return nil, err
	}
	b.Root = filepath.Join(e.BaseDir, "boxes", b.ID)
	if err := os.MkdirAll(b.Root, 0o755); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating box root %q", b.Root)
	}
	if err := e.Boxes.Update(b); err != nil {
		return nil, err
	}

	for _, v := range opts.Volumes {
		if err := e.Volumes.Attach(v, b.ID); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Run creates (if needed) and boots a box end to end: pulling the image,
// composing the rootfs, spawning the shim, and registering it with the
// monitor, per the data flow in spec §2.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*boxtypes.Box, error) {
	if _, ok, err := e.Images.Get(opts.Image); err != nil {
		return nil, err
	} else if !ok {
		if _, err := e.Pull(ctx, opts.Image); err != nil {
			return nil, err
		}
		// Pull stores the image under its canonical reference.
		r, _ := ref.Parse(opts.Image)
		opts.Image = r.Canonical()
	}
	b, err := e.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	if _, err := e.Start(ctx, b.ID); err != nil {
		return nil, err
	}
	return e.Boxes.FindByID(b.ID)
}

// Start boots an existing box: resolves its image to a rootfs (building
// one on first start), constructs the InstanceSpec, and spawns the shim.
func (e *Engine) Start(ctx context.Context, id string) (*boxtypes.Box, error) {
	b, err := resolver.ResolveMutable(e.Boxes, id)
	if err != nil {
		return nil, err
	}
	if b.IsRunning() {
		return b, nil
	}

	h, err := e.bootBox(ctx, b)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.handlers[b.ID] = h
	e.mu.Unlock()

	now := time.Now()
	b.Status = boxtypes.StatusRunning
	b.StoppedByUser = false
	pid := h.PID()
	b.PID = &pid
	b.StartedAt = &now
	if err := e.Boxes.Update(b); err != nil {
		return nil, err
	}

	e.startLogProcessor(b)
	e.EventBus.Publish(ctx, events.BoxEvent{Key: events.KeyBoxReady, BoxID: b.ID})
	return b, nil
}

// bootBox resolves the rootfs (building it on first boot) and spawns the
// shim via vmctl, without touching box-record bookkeeping — shared by
// Start and the monitor's restart path, which has its own bookkeeping.
func (e *Engine) bootBox(ctx context.Context, b *boxtypes.Box) (*vmctl.Handler, error) {
	rootfsPath := filepath.Join(b.Root, "rootfs")
	if _, err := os.Stat(rootfsPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "stat rootfs %q", rootfsPath)
		}
		if err := e.composeRootfs(b, rootfsPath); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(b.LogDir(), 0o755); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "creating log dir")
	}

	shimPath, err := vmctl.LocateShim()
	if err != nil {
		return nil, err
	}

	cid := e.allocCID()
	spec := vmctl.BuildSpec(b, rootfsPath, cid)
	return vmctl.Start(ctx, shimPath, b, spec)
}

// composeRootfs resolves b.Image to a pulled image's layer set and
// materializes a bootable rootfs at dest (spec §4.6).
func (e *Engine) composeRootfs(b *boxtypes.Box, dest string) error {
	entry, ok, err := e.Images.Get(b.Image)
	if err != nil {
		return err
	}
	if !ok {
		return boxerr.New(boxerr.KindNotFound, "image %q not pulled", b.Image)
	}

	layers, err := readManifestLayers(entry.ContentPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating rootfs dir %q", dest)
	}

	_, err = rootfs.Build(dest, rootfs.BuildOptions{
		Layers: layers,
		Network: rootfs.NetworkConfig{
			Hostname: b.Hostname,
		},
	})
	return err
}

// Stop gracefully stops a running box (spec §4.12's graceful-then-force
// Handler.stop()), marking it stopped-by-user so the monitor won't
// restart it.
func (e *Engine) Stop(ctx context.Context, id string) (*boxtypes.Box, error) {
	b, err := resolver.ResolveMutable(e.Boxes, id)
	if err != nil {
		return nil, err
	}
	if !b.IsRunning() {
		return b, nil
	}

	h := e.handlerFor(b)
	if err := h.Stop(ctx); err != nil {
		return nil, err
	}
	e.stopLogProcessor(b.ID)

	e.mu.Lock()
	delete(e.handlers, b.ID)
	e.mu.Unlock()

	now := time.Now()
	b.Status = boxtypes.StatusStopped
	b.StoppedByUser = true
	b.PID = nil
	b.StoppedAt = &now
	if err := e.Boxes.Update(b); err != nil {
		return nil, err
	}
	e.EventBus.Publish(ctx, events.BoxEvent{Key: events.KeyBoxExited, BoxID: b.ID})
	return b, nil
}

// Restart stops then starts a box, clearing stopped-by-user so the
// monitor treats it like any other running box afterward.
func (e *Engine) Restart(ctx context.Context, id string) (*boxtypes.Box, error) {
	if _, err := e.Stop(ctx, id); err != nil {
		return nil, err
	}
	b, err := e.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	e.EventBus.Publish(ctx, events.BoxEvent{Key: events.KeyBoxRestarted, BoxID: b.ID})
	return b, nil
}

// Kill is Stop: the Handler's own force-path already escalates to SIGKILL.
func (e *Engine) Kill(ctx context.Context, id string) (*boxtypes.Box, error) {
	return e.Stop(ctx, id)
}

// Remove deletes a box's state record, rootfs, and socket directory. A
// running box must be stopped first unless force is set.
func (e *Engine) Remove(ctx context.Context, id string, force bool) error {
	b, err := resolver.ResolveMutable(e.Boxes, id)
	if err != nil {
		return err
	}
	if b.IsRunning() {
		if !force {
			return boxerr.New(boxerr.KindInvalidConfig, "box %q is running; stop it first or pass force", b.Name)
		}
		if _, err := e.Stop(ctx, b.ID); err != nil {
			return err
		}
	}
	for _, v := range b.Volumes {
		_ = e.Volumes.Detach(v, b.ID)
	}
	if err := os.RemoveAll(b.Root); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "removing box root %q", b.Root)
	}
	return e.Boxes.Remove(b.ID)
}

// List returns every box (includeAll) or only running ones.
func (e *Engine) List(includeAll bool) ([]*boxtypes.Box, error) {
	return e.Boxes.List(includeAll)
}

// Inspect resolves id and returns its full record.
func (e *Engine) Inspect(id string) (*boxtypes.Box, error) {
	return resolver.Resolve(e.Boxes, id)
}

// Rename changes a box's display name, rejecting collisions the same way
// Add does for new boxes.
func (e *Engine) Rename(id, newName string) (*boxtypes.Box, error) {
	b, err := resolver.ResolveMutable(e.Boxes, id)
	if err != nil {
		return nil, err
	}
	existing, err := e.Boxes.FindByName(newName)
	if err == nil && existing.ID != b.ID {
		return nil, boxerr.New(boxerr.KindInvalidConfig, "box name %q already in use", newName)
	}
	b.Name = newName
	if err := e.Boxes.Update(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Metrics samples a running box's CPU/RSS via its vmctl.Handler.
func (e *Engine) Metrics(id string) (vmctl.Metrics, error) {
	b, err := resolver.Resolve(e.Boxes, id)
	if err != nil {
		return vmctl.Metrics{}, err
	}
	if !b.IsRunning() {
		return vmctl.Metrics{}, boxerr.New(boxerr.KindInvalidConfig, "box %q is not running", b.Name)
	}
	return e.handlerFor(b).Sample()
}

// Pause freezes a running box's QEMU process with SIGSTOP, the same
// mechanism Docker uses to pause a container's cgroup via freezer: the
// guest keeps its memory and open connections but burns no CPU.
func (e *Engine) Pause(ctx context.Context, id string) (*boxtypes.Box, error) {
	b, err := resolver.ResolveMutable(e.Boxes, id)
	if err != nil {
		return nil, err
	}
	if !b.IsRunning() {
		return nil, boxerr.New(boxerr.KindInvalidConfig, "box %q is not running", b.Name)
	}
	if err := syscall.Kill(*b.PID, syscall.SIGSTOP); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "pausing box %q", b.Name)
	}
	b.Status = boxtypes.StatusPaused
	if err := e.Boxes.Update(b); err != nil {
		return nil, err
	}
	e.EventBus.Publish(ctx, events.BoxEvent{Key: events.KeyBoxPaused, BoxID: b.ID})
	return b, nil
}

// Unpause resumes a box frozen by Pause.
func (e *Engine) Unpause(ctx context.Context, id string) (*boxtypes.Box, error) {
	b, err := resolver.ResolveMutable(e.Boxes, id)
	if err != nil {
		return nil, err
	}
	if b.Status != boxtypes.StatusPaused {
		return nil, boxerr.New(boxerr.KindInvalidConfig, "box %q is not paused", b.Name)
	}
	if err := syscall.Kill(*b.PID, syscall.SIGCONT); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "unpausing box %q", b.Name)
	}
	b.Status = boxtypes.StatusRunning
	if err := e.Boxes.Update(b); err != nil {
		return nil, err
	}
	e.EventBus.Publish(ctx, events.BoxEvent{Key: events.KeyBoxUnpaused, BoxID: b.ID})
	return b, nil
}

// UpdateOptions carries the mutable subset of a box record `update` can
// change; zero fields leave the existing value alone, so Resources.VCPUs
// <= 0 and RestartPolicy.Kind == "" both mean "don't touch this".
type UpdateOptions struct {
	Resources     boxtypes.ResourceLimits
	RestartPolicy boxtypes.RestartPolicy
}

// Update changes a box's resource limits and/or restart policy. Resource
// changes only take effect on the box's next boot; this records intent,
// it doesn't hot-resize a running microVM.
func (e *Engine) Update(id string, opts UpdateOptions) (*boxtypes.Box, error) {
	b, err := resolver.ResolveMutable(e.Boxes, id)
	if err != nil {
		return nil, err
	}
	if opts.Resources.VCPUs > 0 {
		b.Resources.VCPUs = opts.Resources.VCPUs
	}
	if opts.Resources.MemoryMB > 0 {
		b.Resources.MemoryMB = opts.Resources.MemoryMB
	}
	if opts.RestartPolicy.Kind != "" {
		b.RestartPolicy = opts.RestartPolicy
	}
	if err := e.Boxes.Update(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Wait blocks until the box is no longer running, returning its final
// exit code (0 if none was recorded).
func (e *Engine) Wait(ctx context.Context, id string) (int, error) {
	for {
		b, err := resolver.Resolve(e.Boxes, id)
		if err != nil {
			return 0, err
		}
		if !b.IsRunning() {
			if b.ExitCode != nil {
				return *b.ExitCode, nil
			}
			return 0, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// ImagesPrune removes every cached image not referenced by any box.
func (e *Engine) ImagesPrune(ctx context.Context) ([]string, error) {
	boxes, err := e.Boxes.List(true)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]bool, len(boxes))
	for _, b := range boxes {
		inUse[b.Image] = true
	}

	entries, err := e.Images.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, entry := range entries {
		if inUse[entry.Reference] {
			continue
		}
		if err := e.Images.Remove(entry.Reference); err != nil {
			return removed, err
		}
		removed = append(removed, entry.Reference)
	}
	return removed, nil
}

// SystemPrune removes stopped boxes, every image no box references (the
// same set ImagesPrune removes), and unattached volumes in one pass, mirroring `docker system prune`'s scope for this
// runtime's resource set.
func (e *Engine) SystemPrune(ctx context.Context) (map[string][]string, error) {
	result := map[string][]string{"boxes": {}, "images": {}, "volumes": {}}

	boxes, err := e.Boxes.List(true)
	if err != nil {
		return nil, err
	}
	for _, b := range boxes {
		if b.IsRunning() {
			continue
		}
		if err := e.Remove(ctx, b.ID, false); err != nil {
			continue
		}
		result["boxes"] = append(result["boxes"], b.ID)
	}

	removedImages, err := e.ImagesPrune(ctx)
	if err != nil {
		return result, err
	}
	result["images"] = removedImages

	vols, err := e.Volumes.List()
	if err != nil {
		return result, err
	}
	for _, v := range vols {
		if len(v.Attachments) > 0 {
			continue
		}
		if err := e.Volumes.Remove(v.Name, false); err != nil {
			continue
		}
		result["volumes"] = append(result["volumes"], v.Name)
	}
	return result, nil
}

// DiskUsage is the `df`-style report: bytes consumed per resource class.
type DiskUsage struct {
	ImagesBytes int64 `json:"imagesBytes"`
	BoxesBytes  int64 `json:"boxesBytes"`
	BoxCount    int   `json:"boxCount"`
	ImageCount  int   `json:"imageCount"`
}

// Df sums on-disk usage across images and box roots.
func (e *Engine) Df() (DiskUsage, error) {
	var usage DiskUsage

	entries, err := e.Images.List()
	if err != nil {
		return usage, err
	}
	usage.ImageCount = len(entries)
	for _, entry := range entries {
		usage.ImagesBytes += entry.SizeBytes
	}

	boxes, err := e.Boxes.List(true)
	if err != nil {
		return usage, err
	}
	usage.BoxCount = len(boxes)
	for _, b := range boxes {
		usage.BoxesBytes += dirSize(b.Root)
	}
	return usage, nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total
}

func (e *Engine) handlerFor(b *boxtypes.Box) *vmctl.Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.handlers[b.ID]; ok {
		return h
	}
	h := vmctl.Attach(b.ID, *b.PID)
	e.handlers[b.ID] = h
	return h
}

func (e *Engine) startLogProcessor(b *boxtypes.Box) {
	if b.LogConfig.Driver == "none" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.logCancel[b.ID] = cancel
	e.mu.Unlock()

	proc := boxlog.New(filepath.Join(b.LogDir(), "console.log"), b.LogDir(), "stdout", b.LogConfig)
	go func() {
		if err := proc.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("boxlog processor exited", "box_id", b.ID, "error", err)
		}
	}()
}

func (e *Engine) stopLogProcessor(boxID string) {
	e.mu.Lock()
	cancel, ok := e.logCancel[boxID]
	delete(e.logCancel, boxID)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// --- images ---

func (e *Engine) Images_List() ([]imagestore.Entry, error) { return e.Images.List() }

func (e *Engine) Images_Remove(reference string) error { return e.Images.Remove(reference) }

// --- volumes ---

func (e *Engine) Volume_Create(name string, labels map[string]string) (*boxtypes.Volume, error) {
	v := &boxtypes.Volume{Name: name, MountPoint: filepath.Join(e.BaseDir, "volumes", name), Labels: labels, CreatedAt: time.Now()}
	if err := e.Volumes.Add(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Engine) Volume_List() ([]*boxtypes.Volume, error) { return e.Volumes.List() }

func (e *Engine) Volume_Remove(name string, force bool) error { return e.Volumes.Remove(name, force) }

func (e *Engine) Volume_Inspect(name string) (*boxtypes.Volume, error) { return e.Volumes.FindByName(name) }

// --- networks ---

func (e *Engine) Network_Create(name, cidr string) (*boxtypes.Network, error) {
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	n := &boxtypes.Network{ID: id, Name: name, CIDR: cidr, Endpoints: map[string]boxtypes.Endpoint{}, CreatedAt: time.Now()}
	if err := e.Networks.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (e *Engine) Network_List() ([]*boxtypes.Network, error) { return e.Networks.List() }

func (e *Engine) Network_Remove(id string, force bool) error { return e.Networks.Remove(id, force) }

func (e *Engine) Network_Connect(networkID, boxID, alias string) (string, error) {
	return e.Networks.Connect(networkID, boxID, alias)
}

func (e *Engine) Network_Disconnect(networkID, boxID string) error {
	return e.Networks.Disconnect(networkID, boxID)
}

func randomID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "generating ID")
	}
	return hex.EncodeToString(b), nil
}

func readManifestLayers(ociLayoutDir string) ([]rootfs.ImageLayer, error) {
	idxData, err := os.ReadFile(filepath.Join(ociLayoutDir, "index.json"))
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "reading index.json")
	}
	var idx struct {
		Manifests []struct{ Digest string } `json:"manifests"`
	}
	if err := json.Unmarshal(idxData, &idx); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "parsing index.json")
	}
	if len(idx.Manifests) == 0 {
		return nil, boxerr.New(boxerr.KindUnsupportedManifest, "empty OCI index")
	}
	manifestDigest := idx.Manifests[0].Digest

	blobsDir := filepath.Join(ociLayoutDir, "blobs", "sha256")
	manifestData, err := os.ReadFile(filepath.Join(blobsDir, digestHex(manifestDigest)))
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "reading manifest blob")
	}
	var manifest struct {
		Config struct{ Digest string } `json:"config"`
		Layers []struct {
			Digest string `json:"digest"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "parsing manifest")
	}

	configData, err := os.ReadFile(filepath.Join(blobsDir, digestHex(manifest.Config.Digest)))
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "reading config blob")
	}
	var config struct {
		Rootfs struct {
			DiffIDs []string `json:"diff_ids"`
		} `json:"rootfs"`
	}
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "parsing config")
	}

	if len(config.Rootfs.DiffIDs) != len(manifest.Layers) {
		return nil, boxerr.New(boxerr.KindUnsupportedManifest, "config diff_ids count (%d) doesn't match manifest layers (%d)", len(config.Rootfs.DiffIDs), len(manifest.Layers))
	}

	layers := make([]rootfs.ImageLayer, len(manifest.Layers))
	for i, l := range manifest.Layers {
		layers[i] = rootfs.ImageLayer{
			BlobPath: filepath.Join(blobsDir, digestHex(l.Digest)),
			DiffID:   config.Rootfs.DiffIDs[i],
		}
	}
	return layers, nil
}

func digestHex(digest string) string {
	if i := indexColon(digest); i >= 0 {
		return digest[i+1:]
	}
	return digest
}

func indexColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}
