package boxtypes

import "time"

// ImageEntry is a single content-addressed image store record (C4).
type ImageEntry struct {
	Digest       string    `json:"digest"`
	ContentPath  string    `json:"contentPath"`
	SizeBytes    int64     `json:"sizeBytes"`
	LastAccessed time.Time `json:"lastAccessed"`
}

// Layer is a compressed tarball identified by content digest (C5).
type Layer struct {
	Digest     string `json:"digest"`     // sha256 of the compressed blob
	DiffID     string `json:"diffId"`     // sha256 of the uncompressed tar stream
	SizeBytes  int64  `json:"sizeBytes"`
	MediaType  string `json:"mediaType"`
}

// Network is a virtual segment for box-to-box networking (C9).
type Network struct {
	Name      string              `json:"name"`
	ID        string              `json:"id"`
	CIDR      string              `json:"cidr"`
	Endpoints map[string]Endpoint `json:"endpoints"` // box ID -> endpoint
	CreatedAt time.Time           `json:"createdAt"`
}

// Endpoint is one box's membership in a Network.
type Endpoint struct {
	IP    string `json:"ip"`
	Alias string `json:"alias,omitempty"`
}

// Volume is a named persistent store (C9).
type Volume struct {
	Name        string            `json:"name"`
	MountPoint  string            `json:"mountPoint"`
	Labels      map[string]string `json:"labels,omitempty"`
	Attachments []string          `json:"attachments"` // box IDs
	CreatedAt   time.Time         `json:"createdAt"`
}

// VirtioFSMount describes one virtio-fs share passed to the shim.
type VirtioFSMount struct {
	Tag      string `json:"tag"`
	HostPath string `json:"hostPath"`
	ReadOnly bool   `json:"readOnly"`
}

// InstanceSpec is the frozen input to a shim subprocess: constructed by
// the VM controller (C12) immediately before spawning the shim (C13), and
// lives only until the shim receives and parses it.
type InstanceSpec struct {
	BoxID string `json:"boxId"`

	VCPUs    int `json:"vcpus"`
	MemoryMB int `json:"memoryMb"`

	RootfsPath string `json:"rootfsPath"`

	Sockets SocketPaths     `json:"sockets"`
	Mounts  []VirtioFSMount `json:"mounts"`

	Entrypoint []string          `json:"entrypoint"`
	Env        map[string]string `json:"env"`
	WorkDir    string            `json:"workDir"`

	ConsolePath string `json:"consolePath,omitempty"`

	TEE   *TEEConfig    `json:"tee,omitempty"`
	Ports []PortMapping `json:"ports,omitempty"`

	VsockCID uint32 `json:"vsockCid"`
}
