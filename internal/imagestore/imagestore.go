// Package imagestore is the content-addressed image cache described in
// spec §4.4: an OCI layout per content digest under <root>/images/<digest>/,
// indexed by both reference and digest so repeated pulls of the same
// content under different tags dedupe onto one copy on disk.
package imagestore

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// Entry is one cached image's bookkeeping record.
type Entry struct {
	Reference    string    `json:"reference"`
	Digest       string    `json:"digest"`
	ContentPath  string    `json:"contentPath"`
	SizeBytes    int64     `json:"sizeBytes"`
	LastAccessed time.Time `json:"lastAccessed"`
}

type indexFile struct {
	ByReference map[string]string `json:"byReference"` // reference -> digest
	ByDigest    map[string]Entry  `json:"byDigest"`
}

// Store is the on-disk image cache rooted at Root.
type Store struct {
	Root string

	mu sync.Mutex
}

func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) indexPath() string { return filepath.Join(s.Root, "index.json") }
func (s *Store) imagesDir() string { return filepath.Join(s.Root, "images") }

func (s *Store) load() (*indexFile, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &indexFile{ByReference: map[string]string{}, ByDigest: map[string]Entry{}}, nil
		}
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "reading image index")
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "parsing image index")
	}
	if idx.ByReference == nil {
		idx.ByReference = map[string]string{}
	}
	if idx.ByDigest == nil {
		idx.ByDigest = map[string]Entry{}
	}
	return &idx, nil
}

func (s *Store) save(idx *indexFile) error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating image store root")
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling image index")
	}
	tmp, err := os.CreateTemp(s.Root, "index.*.tmp")
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "creating temp index")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindIoError, err, "writing temp index")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return boxerr.Wrap(boxerr.KindIoError, err, "closing temp index")
	}
	if err := os.Rename(tmpName, s.indexPath()); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "renaming index")
	}
	return nil
}

// Get returns the entry for reference, bumping its last-accessed time, or
// ok=false on a cache miss.
func (s *Store) Get(reference string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	digest, ok := idx.ByReference[reference]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := idx.ByDigest[digest]
	if !ok {
		return Entry{}, false, nil
	}
	entry.LastAccessed = now()
	idx.ByDigest[digest] = entry
	if err := s.save(idx); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// GetByDigest looks up an entry directly by content digest, independent of
// any reference pointing at it.
func (s *Store) GetByDigest(digest string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := idx.ByDigest[digest]
	return entry, ok, nil
}

// Put records reference as pointing at digest. If digest is already cached,
// only the reference index is updated (dedupe); otherwise sourcePath
// (a finished OCI layout directory) is adopted as the content at
// <root>/images/<digest>/ via rename, falling back to copy across
// filesystem boundaries.
func (s *Store) Put(reference, digest, sourcePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return err
	}

	if _, exists := idx.ByDigest[digest]; !exists {
		contentPath := filepath.Join(s.imagesDir(), digest)
		if err := os.MkdirAll(s.imagesDir(), 0o755); err != nil {
			return boxerr.Wrap(boxerr.KindIoError, err, "creating images dir")
		}
		if err := adoptDir(sourcePath, contentPath); err != nil {
			return err
		}
		size, err := dirSize(contentPath)
		if err != nil {
			return err
		}
		idx.ByDigest[digest] = Entry{
			Reference:    reference,
			Digest:       digest,
			ContentPath:  contentPath,
			SizeBytes:    size,
			LastAccessed: now(),
		}
	}
	idx.ByReference[reference] = digest
	return s.save(idx)
}

// Remove deletes reference from the index. If no reference points at the
// underlying digest afterward, the content is deleted from disk too.
func (s *Store) Remove(reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return err
	}
	digest, ok := idx.ByReference[reference]
	if !ok {
		return nil
	}
	delete(idx.ByReference, reference)

	stillReferenced := false
	for _, d := range idx.ByReference {
		if d == digest {
			stillReferenced = true
			break
		}
	}
	if !stillReferenced {
		if entry, ok := idx.ByDigest[digest]; ok {
			if err := os.RemoveAll(entry.ContentPath); err != nil {
				return boxerr.Wrap(boxerr.KindIoError, err, "removing image content")
			}
		}
		delete(idx.ByDigest, digest)
	}
	return s.save(idx)
}

// List returns every reference -> digest mapping, sorted by reference.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(idx.ByReference))
	for r := range idx.ByReference {
		refs = append(refs, r)
	}
	sort.Strings(refs)

	out := make([]Entry, 0, len(refs))
	for _, r := range refs {
		e := idx.ByDigest[idx.ByReference[r]]
		e.Reference = r
		out = append(out, e)
	}
	return out, nil
}

// TotalSize sums SizeBytes across all distinct content digests (not
// references, so dedupe is reflected correctly).
func (s *Store) TotalSize() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range idx.ByDigest {
		total += e.SizeBytes
	}
	return total, nil
}

// Evict removes least-recently-accessed content until TotalSize is at or
// under capBytes, returning the references that were removed.
func (s *Store) Evict(capBytes int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.load()
	if err != nil {
		return nil, err
	}

	var total int64
	for _, e := range idx.ByDigest {
		total += e.SizeBytes
	}
	if total <= capBytes {
		return nil, nil
	}

	type digestEntry struct {
		digest string
		entry  Entry
	}
	entries := make([]digestEntry, 0, len(idx.ByDigest))
	for d, e := range idx.ByDigest {
		entries = append(entries, digestEntry{d, e})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].entry.LastAccessed.Before(entries[j].entry.LastAccessed)
	})

	var removedRefs []string
	for _, de := range entries {
		if total <= capBytes {
			break
		}
		for r, d := range idx.ByReference {
			if d == de.digest {
				removedRefs = append(removedRefs, r)
				delete(idx.ByReference, r)
			}
		}
		if err := os.RemoveAll(de.entry.ContentPath); err != nil {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "removing evicted image content")
		}
		delete(idx.ByDigest, de.digest)
		total -= de.entry.SizeBytes
	}
	sort.Strings(removedRefs)
	if err := s.save(idx); err != nil {
		return nil, err
	}
	return removedRefs, nil
}

func adoptDir(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-filesystem rename fails with EXDEV; degrade to copy + delete.
	if err := exec.Command("cp", "-a", src, dst).Run(); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "copying image content across filesystems")
	}
	if err := os.RemoveAll(src); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "removing source after copy")
	}
	return nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, boxerr.Wrap(boxerr.KindIoError, err, "measuring image content size")
	}
	return total, nil
}

// now is a var so tests can pin LastAccessed ordering deterministically.
var now = time.Now
