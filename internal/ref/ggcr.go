package ref

import (
	"github.com/google/go-containerregistry/pkg/name"
)

// NameReference converts r into a go-containerregistry name.Reference so
// the registry client (C3) can hand off into that ecosystem for the
// actual HTTP transport. Digest references take priority, matching the
// OCI convention that a digest pin overrides the tag.
func (r Reference) NameReference(opts ...name.Option) (name.Reference, error) {
	repo := r.Registry + "/" + r.Repo
	if r.Digest != "" {
		return name.NewDigest(repo+"@"+r.Digest, opts...)
	}
	tag := r.Tag
	if tag == "" {
		tag = defaultTag
	}
	return name.NewTag(repo+":"+tag, opts...)
}
