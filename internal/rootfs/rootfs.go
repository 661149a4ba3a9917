// Package rootfs composes a bootable guest rootfs from a pulled image, per
// spec §4.6: directory skeleton, layer application, agent injection, and
// guest network file materialization.
package rootfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/layer"
)

// guestSkeleton lists the directories created before any layer is applied.
// Standard system mounts plus the agent-owned paths the guest init expects.
var guestSkeleton = []string{
	"proc", "sys", "dev", "dev/pts", "dev/shm", "tmp", "run",
	"etc", "var", "var/log",
	"a3s", "a3s/agent", "workspace", "skills",
}

// ImageLayer is one layer to apply, in manifest order.
type ImageLayer struct {
	BlobPath string // path to the compressed tar.gz blob on disk
	DiffID   string // expected "sha256:<hex>" from the image config
}

// AgentBinary describes the guest agent payload to inject.
type AgentBinary struct {
	SourcePath string
	GuestPath  string // relative to the rootfs root, e.g. "a3s/agent/a3s-agent"
}

// NetworkConfig drives /etc/resolv.conf and /etc/hosts materialization.
type NetworkConfig struct {
	DNSServers []string // configured DNS; empty falls through to HostDNS then Fallback
	HostDNS    []string
	Fallback   []string
	Hostname   string
	LocalIP    string
	Peers      map[string]string // hostname -> IP, for box-to-box name resolution
}

// BuildOptions bundles the inputs to Build.
type BuildOptions struct {
	Layers  []ImageLayer
	Agent   AgentBinary
	Network NetworkConfig
	Labels  map[string]string // image labels, used to derive a3s.box.* config
	Snapshot bool             // emit a baseline metadata map for later diff
}

// PathMeta is one entry of a Snapshot.
type PathMeta struct {
	Size  int64 `json:"size"`
	Mode  uint32 `json:"mode"`
	IsDir bool  `json:"isDir"`
}

// Result carries the optional baseline snapshot.
type Result struct {
	Snapshot map[string]PathMeta
}

// Build materializes a bootable rootfs at root per spec §4.6's five steps.
func Build(root string, opts BuildOptions) (*Result, error) {
	if err := createSkeleton(root); err != nil {
		return nil, err
	}

	for i, l := range opts.Layers {
		res, err := layer.Extract(l.BlobPath, root)
		if err != nil {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "applying layer %d", i)
		}
		if l.DiffID != "" && res.DiffID != l.DiffID {
			return nil, boxerr.New(boxerr.KindLayerDigestMismatch,
				"layer %d diff-ID mismatch: want %s got %s", i, l.DiffID, res.DiffID)
		}
	}

	if err := injectAgent(root, opts.Agent); err != nil {
		return nil, err
	}

	if err := writeResolvConf(root, opts.Network); err != nil {
		return nil, err
	}
	if err := writeHosts(root, opts.Network); err != nil {
		return nil, err
	}

	if err := writeAgentConfig(root, opts.Labels); err != nil {
		return nil, err
	}

	result := &Result{}
	if opts.Snapshot {
		snap, err := snapshot(root)
		if err != nil {
			return nil, err
		}
		result.Snapshot = snap
	}
	return result, nil
}

func createSkeleton(root string) error {
	for _, dir := range guestSkeleton {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return boxerr.Wrap(boxerr.KindIoError, err, "creating skeleton dir %q", dir)
		}
	}
	return nil
}

func injectAgent(root string, agent AgentBinary) error {
	if agent.SourcePath == "" {
		return nil
	}
	data, err := os.ReadFile(agent.SourcePath)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "reading agent binary")
	}
	dest := filepath.Join(root, agent.GuestPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating agent dir")
	}
	if err := os.WriteFile(dest, data, 0o755); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "writing agent binary")
	}
	return nil
}

func writeResolvConf(root string, net NetworkConfig) error {
	servers := net.DNSServers
	if len(servers) == 0 {
		servers = net.HostDNS
	}
	if len(servers) == 0 {
		servers = net.Fallback
	}
	if len(servers) == 0 {
		servers = []string{"8.8.8.8", "1.1.1.1"}
	}

	var sb strings.Builder
	for _, s := range servers {
		fmt.Fprintf(&sb, "nameserver %s\n", s)
	}
	return writeEtcFile(root, "etc/resolv.conf", sb.String())
}

func writeHosts(root string, net NetworkConfig) error {
	var sb strings.Builder
	sb.WriteString("127.0.0.1\tlocalhost\n")
	sb.WriteString("::1\tlocalhost\n")
	if _, ok := dns.IsDomainName(net.Hostname); net.LocalIP != "" && net.Hostname != "" && ok {
		fmt.Fprintf(&sb, "%s\t%s\n", net.LocalIP, net.Hostname)
	}

	peers := make([]string, 0, len(net.Peers))
	for host := range net.Peers {
		if _, ok := dns.IsDomainName(host); !ok {
			continue // malformed peer hostnames are dropped rather than written unescaped
		}
		peers = append(peers, host)
	}
	sort.Strings(peers)
	for _, host := range peers {
		fmt.Fprintf(&sb, "%s\t%s\n", net.Peers[host], host)
	}
	return writeEtcFile(root, "etc/hosts", sb.String())
}

func writeEtcFile(root, rel, content string) error {
	dest := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating dir for %q", rel)
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "writing %q", rel)
	}
	return nil
}

const labelNamespace = "a3s.box."

// writeAgentConfig maps labels in the a3s.box.* namespace to a JSON config
// file the guest agent reads at startup.
func writeAgentConfig(root string, labels map[string]string) error {
	cfg := map[string]string{}
	for k, v := range labels {
		if name, ok := strings.CutPrefix(k, labelNamespace); ok {
			cfg[name] = v
		}
	}
	if len(cfg) == 0 {
		return nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling agent config")
	}
	dest := filepath.Join(root, "a3s/agent/config.json")
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "writing agent config")
	}
	return nil
}

func snapshot(root string) (map[string]PathMeta, error) {
	out := map[string]PathMeta{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		out[rel] = PathMeta{
			Size:  info.Size(),
			Mode:  uint32(info.Mode().Perm()),
			IsDir: info.IsDir(),
		}
		return nil
	})
	if err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "building rootfs snapshot")
	}
	return out, nil
}
