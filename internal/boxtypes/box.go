// Package boxtypes defines the persistent data model shared across the
// runtime: boxes, images, networks, volumes, and the frozen InstanceSpec
// handed to the shim.
package boxtypes

import "time"

// Status is a box's lifecycle state.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusExited  Status = "exited"
	StatusDead    Status = "dead"
)

// RestartPolicyKind is the restart policy family; On-failure additionally
// carries a MaxRetries count.
type RestartPolicyKind string

const (
	RestartNo            RestartPolicyKind = "no"
	RestartAlways        RestartPolicyKind = "always"
	RestartOnFailure     RestartPolicyKind = "on-failure"
	RestartUnlessStopped RestartPolicyKind = "unless-stopped"
)

// RestartPolicy governs Monitor behavior for a box.
type RestartPolicy struct {
	Kind        RestartPolicyKind `json:"kind"`
	MaxRetries  int               `json:"maxRetries,omitempty"`
	RetryCount  int               `json:"retryCount"`
}

// Permits reports whether the policy allows a restart attempt given the
// current retry count and the stopped-by-user flag.
func (p RestartPolicy) Permits(stoppedByUser bool) bool {
	if stoppedByUser {
		return false
	}
	switch p.Kind {
	case RestartAlways, RestartUnlessStopped:
		return true
	case RestartOnFailure:
		if p.MaxRetries <= 0 {
			return true
		}
		return p.RetryCount < p.MaxRetries
	default:
		return false
	}
}

// ResourceLimits caps guest resource asks.
type ResourceLimits struct {
	VCPUs    int `json:"vcpus"`
	MemoryMB int `json:"memoryMb"`
}

// Mount is a host:guest bind mount spec.
type Mount struct {
	HostPath  string `json:"hostPath"`
	GuestPath string `json:"guestPath"`
	ReadOnly  bool   `json:"readOnly"`
}

// PortMapping is a host:guest port pair with protocol.
type PortMapping struct {
	HostPort  int    `json:"hostPort"`
	GuestPort int    `json:"guestPort"`
	Protocol  string `json:"protocol"` // "tcp" or "udp"
}

// HealthCheck configures and records a box's health probe.
type HealthCheck struct {
	Command     []string      `json:"command,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Retries     int           `json:"retries,omitempty"`
	LastStatus  string        `json:"lastStatus,omitempty"`
	LastChecked time.Time     `json:"lastChecked,omitempty"`
}

// LogConfig selects and configures the log driver (C10).
type LogConfig struct {
	Driver  string `json:"driver"` // "json" or "none"
	MaxSize int64  `json:"maxSize,omitempty"`
	MaxFile int    `json:"maxFile,omitempty"`
}

// SecurityConfig carries capability/device/security additions.
type SecurityConfig struct {
	CapAdd     []string `json:"capAdd,omitempty"`
	Devices    []string `json:"devices,omitempty"`
	Privileged bool     `json:"privileged,omitempty"`
}

// TEEConfig requests hardware attestation for a box.
type TEEConfig struct {
	Enabled         bool   `json:"enabled"`
	AllowSimulated  bool   `json:"allowSimulated"`
	PolicyPath      string `json:"policyPath,omitempty"`
}

// Box is the canonical persistent unit for a running or stopped microVM.
type Box struct {
	ID      string `json:"id"`      // 128-bit ID, hex-encoded (32 chars)
	ShortID string `json:"shortId"` // first 12 chars of ID
	Name    string `json:"name"`

	Image string `json:"image"`

	Status Status `json:"status"`
	PID    *int   `json:"pid,omitempty"`

	Resources ResourceLimits `json:"resources"`

	Entrypoint []string          `json:"entrypoint,omitempty"`
	Cmd        []string          `json:"cmd,omitempty"`
	Env        map[string]string `json:"env,omitempty"`

	Mounts  []Mount  `json:"mounts,omitempty"`
	Volumes []string `json:"volumes,omitempty"`
	Ports   []PortMapping `json:"ports,omitempty"`

	NetworkMode string `json:"networkMode"` // "bridge", "none", "host", or a network name
	NetworkID   string `json:"networkId,omitempty"`

	Hostname string `json:"hostname,omitempty"`
	User     string `json:"user,omitempty"`
	WorkDir  string `json:"workDir,omitempty"`

	RestartPolicy RestartPolicy `json:"restartPolicy"`
	StoppedByUser bool          `json:"stoppedByUser"`

	Root string `json:"root"` // per-box directory: sockets/, logs/, rootfs/

	Health    HealthCheck    `json:"health,omitempty"`
	LogConfig LogConfig      `json:"logConfig"`
	Security  SecurityConfig `json:"security,omitempty"`
	TEE       TEEConfig      `json:"tee,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`

	ExitCode *int `json:"exitCode,omitempty"`
}

// SocketPaths returns the well-known per-box channel socket paths, all
// derived purely from the box's Root (data-model invariant (4) in spec
// §3).
type SocketPaths struct {
	Agent  string `json:"agent"`
	Exec   string `json:"exec"`
	PTY    string `json:"pty"`
	Attest string `json:"attest"`
}

// LogDir, RootfsDir, and SocketDir are the per-box directory subtrees.
func (b *Box) LogDir() string    { return b.Root + "/logs" }
func (b *Box) RootfsDir() string { return b.Root + "/rootfs" }
func (b *Box) SocketDir() string { return b.Root + "/sockets" }

func (b *Box) Sockets() SocketPaths {
	dir := b.SocketDir()
	return SocketPaths{
		Agent:  dir + "/agent.sock",
		Exec:   dir + "/exec.sock",
		PTY:    dir + "/pty.sock",
		Attest: dir + "/attest.sock",
	}
}

// IsRunning reports the combined invariant status==running && pid is set.
func (b *Box) IsRunning() bool {
	return b.Status == StatusRunning && b.PID != nil
}
