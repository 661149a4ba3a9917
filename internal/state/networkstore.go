package state

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

// NetworkStore is the JSON registry of networks, structurally identical to
// BoxStore but adding CIDR-pool connect/disconnect (spec §4.9).
type NetworkStore struct {
	Path string
	mu   sync.Mutex
}

func NewNetworkStore(path string) *NetworkStore {
	return &NetworkStore{Path: path}
}

type networkFile struct {
	Networks map[string]*boxtypes.Network `json:"networks"`
}

func (s *NetworkStore) load() (*networkFile, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &networkFile{Networks: map[string]*boxtypes.Network{}}, nil
		}
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "reading network store")
	}
	var f networkFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "parsing network store")
	}
	if f.Networks == nil {
		f.Networks = map[string]*boxtypes.Network{}
	}
	return &f, nil
}

func (s *NetworkStore) save(f *networkFile) error {
	return atomicWriteJSON(s.Path, f)
}

func (s *NetworkStore) Add(n *boxtypes.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range f.Networks {
		if existing.Name == n.Name {
			return boxerr.New(boxerr.KindInvalidConfig, "network %q already exists", n.Name)
		}
	}
	if n.Endpoints == nil {
		n.Endpoints = map[string]boxtypes.Endpoint{}
	}
	f.Networks[n.ID] = n
	return s.save(f)
}

func (s *NetworkStore) Remove(id string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	n, ok := f.Networks[id]
	if !ok {
		return nil
	}
	if len(n.Endpoints) > 0 && !force {
		return boxerr.New(boxerr.KindNetworkError, "network %q has %d connected boxes", n.Name, len(n.Endpoints))
	}
	delete(f.Networks, id)
	return s.save(f)
}

func (s *NetworkStore) FindByID(id string) (*boxtypes.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	n, ok := f.Networks[id]
	if !ok {
		return nil, boxerr.New(boxerr.KindNotFound, "network %q not found", id)
	}
	return n, nil
}

func (s *NetworkStore) FindByName(name string) (*boxtypes.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, n := range f.Networks {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, boxerr.New(boxerr.KindNotFound, "network %q not found", name)
}

func (s *NetworkStore) List() ([]*boxtypes.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*boxtypes.Network, 0, len(f.Networks))
	for _, n := range f.Networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Connect allocates the lowest free IP within the network's CIDR host bits
// and records an endpoint for boxID under alias.
func (s *NetworkStore) Connect(networkID, boxID, alias string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return "", err
	}
	n, ok := f.Networks[networkID]
	if !ok {
		return "", boxerr.New(boxerr.KindNotFound, "network %q not found", networkID)
	}
	if _, already := n.Endpoints[boxID]; already {
		return n.Endpoints[boxID].IP, nil
	}

	ip, err := allocateIP(n.CIDR, n.Endpoints)
	if err != nil {
		return "", err
	}
	n.Endpoints[boxID] = boxtypes.Endpoint{IP: ip, Alias: alias}
	if err := s.save(f); err != nil {
		return "", err
	}
	return ip, nil
}

func (s *NetworkStore) Disconnect(networkID, boxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	n, ok := f.Networks[networkID]
	if !ok {
		return boxerr.New(boxerr.KindNotFound, "network %q not found", networkID)
	}
	delete(n.Endpoints, boxID)
	return s.save(f)
}

// allocateIP picks the lowest free address within cidr's host range,
// skipping the network and broadcast addresses.
func allocateIP(cidr string, taken map[string]boxtypes.Endpoint) (string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", boxerr.Wrap(boxerr.KindNetworkError, err, "parsing CIDR %q", cidr)
	}

	used := make(map[string]struct{}, len(taken))
	for _, ep := range taken {
		used[ep.IP] = struct{}{}
	}

	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	if hostBits < 2 {
		return "", boxerr.New(boxerr.KindNetworkError, "CIDR %q has no usable host addresses", cidr)
	}
	maxHosts := uint64(1) << uint(hostBits)

	base := ipnet.IP.To4()
	if base == nil {
		return "", boxerr.New(boxerr.KindNetworkError, "only IPv4 CIDRs are supported")
	}

	for i := uint64(1); i < maxHosts-1; i++ {
		candidate := addOffset(base, i)
		ipStr := candidate.String()
		if _, taken := used[ipStr]; !taken {
			return ipStr, nil
		}
	}
	return "", boxerr.New(boxerr.KindNetworkError, "no free addresses in %q", cidr)
}

func addOffset(base net.IP, offset uint64) net.IP {
	out := make(net.IP, len(base))
	copy(out, base)
	v := uint32(out[0])<<24 | uint32(out[1])<<16 | uint32(out[2])<<8 | uint32(out[3])
	v += uint32(offset)
	out[0] = byte(v >> 24)
	out[1] = byte(v >> 16)
	out[2] = byte(v >> 8)
	out[3] = byte(v)
	return out
}

func atomicWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating state dir")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling %s", filepath.Base(path))
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating temp file for %s", filepath.Base(path))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindIoError, err, "writing temp file for %s", filepath.Base(path))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindIoError, err, "closing temp file for %s", filepath.Base(path))
	}
	return os.Rename(tmpName, path)
}
