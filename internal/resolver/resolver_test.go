package resolver

import (
	"errors"
	"testing"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

type fakeStore struct {
	byName     map[string]*boxtypes.Box
	byID       map[string]*boxtypes.Box
	prefixHits []*boxtypes.Box
	fetches    int
}

func (s *fakeStore) FindByName(name string) (*boxtypes.Box, error) {
	if b, ok := s.byName[name]; ok {
		return b, nil
	}
	return nil, boxerr.New(boxerr.KindNotFound, "no name %q", name)
}

func (s *fakeStore) FindByID(id string) (*boxtypes.Box, error) {
	s.fetches++
	if b, ok := s.byID[id]; ok {
		return b, nil
	}
	return nil, boxerr.New(boxerr.KindNotFound, "no id %q", id)
}

func (s *fakeStore) FindByIDPrefix(prefix string) ([]*boxtypes.Box, error) {
	return s.prefixHits, nil
}

func TestResolveByName(t *testing.T) {
	b := &boxtypes.Box{ID: "abc123", Name: "fervent-badger"}
	s := &fakeStore{byName: map[string]*boxtypes.Box{"fervent-badger": b}, byID: map[string]*boxtypes.Box{}}

	got, err := Resolve(s, "fervent-badger")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != b {
		t.Errorf("got %+v, want %+v", got, b)
	}
}

func TestResolveByFullID(t *testing.T) {
	b := &boxtypes.Box{ID: "abc123"}
	s := &fakeStore{byName: map[string]*boxtypes.Box{}, byID: map[string]*boxtypes.Box{"abc123": b}}

	got, err := Resolve(s, "abc123")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != b {
		t.Errorf("got %+v, want %+v", got, b)
	}
}

func TestResolveByUniquePrefix(t *testing.T) {
	b := &boxtypes.Box{ID: "abc123", ShortID: "abc123"}
	s := &fakeStore{
		byName:     map[string]*boxtypes.Box{},
		byID:       map[string]*boxtypes.Box{},
		prefixHits: []*boxtypes.Box{b},
	}

	got, err := Resolve(s, "abc")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != b {
		t.Errorf("got %+v, want %+v", got, b)
	}
}

func TestResolveAmbiguousPrefix(t *testing.T) {
	s := &fakeStore{
		byName: map[string]*boxtypes.Box{},
		byID:   map[string]*boxtypes.Box{},
		prefixHits: []*boxtypes.Box{
			{ID: "abc111"},
			{ID: "abc222"},
		},
	}

	_, err := Resolve(s, "abc")
	var amb *boxerr.Ambiguous
	if !errors.As(err, &amb) {
		t.Fatalf("err = %v, want *boxerr.Ambiguous", err)
	}
	if amb.Count != 2 {
		t.Errorf("Count = %d, want 2", amb.Count)
	}
}

func TestResolveNotFound(t *testing.T) {
	s := &fakeStore{byName: map[string]*boxtypes.Box{}, byID: map[string]*boxtypes.Box{}}

	_, err := Resolve(s, "nope")
	if boxerr.KindOf(err) != boxerr.KindNotFound {
		t.Fatalf("err kind = %v, want NotFound", boxerr.KindOf(err))
	}
}

func TestResolveMutableFetchesTwice(t *testing.T) {
	b := &boxtypes.Box{ID: "abc123", Name: "fervent-badger"}
	s := &fakeStore{
		byName: map[string]*boxtypes.Box{"fervent-badger": b},
		byID:   map[string]*boxtypes.Box{"abc123": b},
	}

	got, err := ResolveMutable(s, "fervent-badger")
	if err != nil {
		t.Fatalf("ResolveMutable: %v", err)
	}
	if got != b {
		t.Errorf("got %+v, want %+v", got, b)
	}
	if s.fetches != 1 {
		t.Errorf("FindByID called %d times, want exactly 1 (name match short-circuits the ID lookup)", s.fetches)
	}
}
