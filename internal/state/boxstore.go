// Package state is the crash-safe JSON record store behind boxes, networks,
// and volumes (spec §4.8, §4.9): a single file per domain, written via
// tmp+rename so a crash mid-write never leaves a half-serialized file.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

const shortIDLen = 12

// BoxStore is the single-file JSON registry of boxes.
type BoxStore struct {
	Path string

	mu  sync.Mutex
	gen namegenerator.Generator
}

func NewBoxStore(path string) *BoxStore {
	return &BoxStore{
		Path: path,
		gen:  namegenerator.NewNameGenerator(seed()),
	}
}

func seed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return time.Now().UnixNano()
	}
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	if v < 0 {
		v = -v
	}
	return v
}

type boxFile struct {
	Boxes map[string]*boxtypes.Box `json:"boxes"`
}

func (s *BoxStore) load() (*boxFile, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return &boxFile{Boxes: map[string]*boxtypes.Box{}}, nil
		}
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "reading box store")
	}
	var f boxFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "parsing box store")
	}
	if f.Boxes == nil {
		f.Boxes = map[string]*boxtypes.Box{}
	}
	return &f, nil
}

func (s *BoxStore) save(f *boxFile) error {
	return atomicWriteJSON(s.Path, f)
}

func newID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", boxerr.Wrap(boxerr.KindIoError, err, "generating box ID")
	}
	return hex.EncodeToString(b), nil
}

// GenerateName produces an adjective_noun name, e.g. "quiet_feynman".
func (s *BoxStore) GenerateName() string {
	return s.gen.Generate()
}

// Add inserts a new box record, assigning ID/ShortID if unset and
// enforcing name uniqueness. Short-ID collisions (astronomically unlikely
// but checked anyway) force a regeneration rather than trusting randomness
// alone.
func (s *BoxStore) Add(b *boxtypes.Box) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}

	if b.Name == "" {
		b.Name = s.GenerateName()
	}
	for _, existing := range f.Boxes {
		if existing.Name == b.Name {
			return boxerr.New(boxerr.KindInvalidConfig, "box name %q already in use", b.Name)
		}
	}

	if b.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		b.ID = id
	}

	const maxRetries = 8
	for i := 0; ; i++ {
		short := b.ID[:shortIDLen]
		collision := false
		for _, existing := range f.Boxes {
			if existing.ShortID == short {
				collision = true
				break
			}
		}
		if !collision {
			b.ShortID = short
			break
		}
		if i >= maxRetries {
			return boxerr.New(boxerr.KindIoError, "could not allocate a unique short ID after %d retries", maxRetries)
		}
		id, err := newID()
		if err != nil {
			return err
		}
		b.ID = id
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	f.Boxes[b.ID] = b
	return s.save(f)
}

// Remove deletes a box by ID. Idempotent.
func (s *BoxStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	delete(f.Boxes, id)
	return s.save(f)
}

// Update persists mutations to an existing box record (re-fetch, mutate,
// Update — the two-phase pattern the resolver relies on for mutable ops).
func (s *BoxStore) Update(b *boxtypes.Box) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Boxes[b.ID]; !ok {
		return boxerr.New(boxerr.KindNotFound, "box %q not found", b.ID)
	}
	f.Boxes[b.ID] = b
	return s.save(f)
}

func (s *BoxStore) FindByID(id string) (*boxtypes.Box, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	b, ok := f.Boxes[id]
	if !ok {
		return nil, boxerr.New(boxerr.KindNotFound, "box %q not found", id)
	}
	return b, nil
}

func (s *BoxStore) FindByName(name string) (*boxtypes.Box, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, b := range f.Boxes {
		if b.Name == name {
			return b, nil
		}
	}
	return nil, boxerr.New(boxerr.KindNotFound, "box %q not found", name)
}

// FindByIDPrefix returns every box whose ID starts with prefix. Callers
// decide ambiguity policy (see internal/resolver).
func (s *BoxStore) FindByIDPrefix(prefix string) ([]*boxtypes.Box, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var matches []*boxtypes.Box
	for _, b := range f.Boxes {
		if strings.HasPrefix(b.ID, prefix) || strings.HasPrefix(b.ShortID, prefix) {
			matches = append(matches, b)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

// List returns all boxes ordered by creation time; includeNonRunning=false
// filters to only StatusRunning records.
func (s *BoxStore) List(includeNonRunning bool) ([]*boxtypes.Box, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []*boxtypes.Box
	for _, b := range f.Boxes {
		if !includeNonRunning && b.Status != boxtypes.StatusRunning {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PendingRestarts returns IDs of boxes whose restart policy, status, and
// stopped-by-user flag make them monitor restart candidates.
func (s *BoxStore) PendingRestarts() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, b := range f.Boxes {
		if b.Status == boxtypes.StatusRunning {
			continue
		}
		if b.RestartPolicy.Permits(b.StoppedByUser) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
