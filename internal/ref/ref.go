// Package ref canonicalizes OCI image reference strings per spec §4.1:
// [registry[:port]/]repo/name[:tag][@digest].
package ref

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/a3s-run/a3s/internal/boxerr"
)

const (
	defaultRegistry = "index.docker.io"
	defaultTag      = "latest"
	libraryPrefix   = "library/"
)

var digestPattern = regexp.MustCompile(`^[a-z0-9]+(?:[.+_-][a-z0-9]+)*:[a-fA-F0-9]{32,}$`)

// Reference is a canonicalized image reference.
type Reference struct {
	Registry string
	Repo     string
	Tag      string // empty when Digest is set and no explicit tag was given
	Digest   string // "algo:hex", or empty
}

// Canonical renders "registry/repo[:tag][@digest]".
func (r Reference) Canonical() string {
	var sb strings.Builder
	sb.WriteString(r.Registry)
	sb.WriteByte('/')
	sb.WriteString(r.Repo)
	if r.Tag != "" {
		sb.WriteByte(':')
		sb.WriteString(r.Tag)
	}
	if r.Digest != "" {
		sb.WriteByte('@')
		sb.WriteString(r.Digest)
	}
	return sb.String()
}

// String is an alias for Canonical so Reference satisfies fmt.Stringer.
func (r Reference) String() string { return r.Canonical() }

// Parse accepts any of: bare name, name:tag, repo/name[:tag],
// registry[:port]/repo/name[:tag], each with an optional @digest suffix.
func Parse(s string) (Reference, error) {
	if strings.TrimSpace(s) == "" {
		return Reference{}, boxerr.New(boxerr.KindInvalidReference, "empty reference")
	}

	rest := s
	digest := ""
	if idx := strings.Index(rest, "@"); idx >= 0 {
		digest = rest[idx+1:]
		rest = rest[:idx]
		if !digestPattern.MatchString(digest) {
			return Reference{}, boxerr.New(boxerr.KindInvalidReference, "malformed digest %q", digest)
		}
	}
	if rest == "" {
		return Reference{}, boxerr.New(boxerr.KindInvalidReference, "empty repository in %q", s)
	}

	// Split the tag off the last path segment, but only if the token
	// after the last colon in that segment is non-numeric (otherwise it's
	// a registry port, e.g. "registry:5000/x").
	lastSlash := strings.LastIndex(rest, "/")
	tagSearchFrom := 0
	if lastSlash >= 0 {
		tagSearchFrom = lastSlash + 1
	}
	tag := ""
	nameAndRegistry := rest
	if colonIdx := strings.LastIndex(rest[tagSearchFrom:], ":"); colonIdx >= 0 {
		absColon := tagSearchFrom + colonIdx
		candidate := rest[absColon+1:]
		if candidate != "" && !isNumeric(candidate) {
			tag = candidate
			nameAndRegistry = rest[:absColon]
		}
	}

	segments := strings.Split(nameAndRegistry, "/")
	registry := defaultRegistry
	repoSegments := segments

	if len(segments) > 1 {
		first := segments[0]
		if strings.ContainsAny(first, ".:") || first == "localhost" {
			registry = first
			repoSegments = segments[1:]
		}
	}

	repo := strings.Join(repoSegments, "/")
	if repo == "" {
		return Reference{}, boxerr.New(boxerr.KindInvalidReference, "empty repository in %q", s)
	}
	if registry == defaultRegistry && !strings.Contains(repo, "/") {
		repo = libraryPrefix + repo
	}

	if tag == "" && digest == "" {
		tag = defaultTag
	}

	return Reference{
		Registry: registry,
		Repo:     repo,
		Tag:      tag,
		Digest:   digest,
	}, nil
}

func isNumeric(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
