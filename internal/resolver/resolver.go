// Package resolver implements the three-tier box lookup: exact name,
// exact full ID, then ID/short-ID prefix (spec §4.16).
package resolver

import (
	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/boxtypes"
)

// Store is the subset of internal/state.BoxStore the resolver needs.
type Store interface {
	FindByName(name string) (*boxtypes.Box, error)
	FindByID(id string) (*boxtypes.Box, error)
	FindByIDPrefix(prefix string) ([]*boxtypes.Box, error)
}

// Resolve looks up query against store: first as an exact name, then as
// an exact full ID, then as a prefix against both full and short IDs.
// A prefix match is valid only if it's unique; zero matches is NotFound,
// more than one is Ambiguous.
func Resolve(store Store, query string) (*boxtypes.Box, error) {
	if b, err := store.FindByName(query); err == nil {
		return b, nil
	}

	if b, err := store.FindByID(query); err == nil {
		return b, nil
	}

	matches, err := store.FindByIDPrefix(query)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, boxerr.New(boxerr.KindNotFound, "no box matches %q", query)
	case 1:
		return matches[0], nil
	default:
		return nil, &boxerr.Ambiguous{Query: query, Count: len(matches)}
	}
}

// ResolveMutable resolves query to obtain a canonical ID, then re-fetches
// that ID with a second store call before the caller mutates and saves
// it. This two-phase approach means the name/prefix search and the record
// a caller ends up mutating are never the same stale snapshot — a store
// write racing between the two phases is picked up by the second fetch.
func ResolveMutable(store Store, query string) (*boxtypes.Box, error) {
	b, err := Resolve(store, query)
	if err != nil {
		return nil, err
	}
	return store.FindByID(b.ID)
}
