package state

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

// VolumeStore is the JSON registry of volumes, adding attach/detach with
// force-removal semantics (spec §4.9).
type VolumeStore struct {
	Path string
	mu   sync.Mutex
}

func NewVolumeStore(path string) *VolumeStore {
	return &VolumeStore{Path: path}
}

type volumeFile struct {
	Volumes map[string]*boxtypes.Volume `json:"volumes"`
}

func (s *VolumeStore) load() (*volumeFile, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &volumeFile{Volumes: map[string]*boxtypes.Volume{}}, nil
		}
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "reading volume store")
	}
	var f volumeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "parsing volume store")
	}
	if f.Volumes == nil {
		f.Volumes = map[string]*boxtypes.Volume{}
	}
	return &f, nil
}

func (s *VolumeStore) save(f *volumeFile) error {
	return atomicWriteJSON(s.Path, f)
}

func (s *VolumeStore) Add(v *boxtypes.Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if _, exists := f.Volumes[v.Name]; exists {
		return boxerr.New(boxerr.KindInvalidConfig, "volume %q already exists", v.Name)
	}
	f.Volumes[v.Name] = v
	return s.save(f)
}

// Remove deletes a volume by name. Fails on a non-empty attachment list
// unless force is set.
func (s *VolumeStore) Remove(name string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	v, ok := f.Volumes[name]
	if !ok {
		return nil
	}
	if len(v.Attachments) > 0 && !force {
		return boxerr.New(boxerr.KindVolumeError, "volume %q is in use by %d box(es)", name, len(v.Attachments))
	}
	delete(f.Volumes, name)
	return s.save(f)
}

func (s *VolumeStore) FindByName(name string) (*boxtypes.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	v, ok := f.Volumes[name]
	if !ok {
		return nil, boxerr.New(boxerr.KindNotFound, "volume %q not found", name)
	}
	return v, nil
}

func (s *VolumeStore) List() ([]*boxtypes.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*boxtypes.Volume, 0, len(f.Volumes))
	for _, v := range f.Volumes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Attach records boxID as using the volume.
func (s *VolumeStore) Attach(name, boxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	v, ok := f.Volumes[name]
	if !ok {
		return boxerr.New(boxerr.KindNotFound, "volume %q not found", name)
	}
	for _, id := range v.Attachments {
		if id == boxID {
			return nil
		}
	}
	v.Attachments = append(v.Attachments, boxID)
	return s.save(f)
}

// Detach removes boxID from the volume's attachment list. Idempotent.
func (s *VolumeStore) Detach(name, boxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	v, ok := f.Volumes[name]
	if !ok {
		return boxerr.New(boxerr.KindNotFound, "volume %q not found", name)
	}
	out := v.Attachments[:0]
	for _, id := range v.Attachments {
		if id != boxID {
			out = append(out, id)
		}
	}
	v.Attachments = out
	return s.save(f)
}
