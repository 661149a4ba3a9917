package ref

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Reference
	}{
		{"nginx", Reference{Registry: "index.docker.io", Repo: "library/nginx", Tag: "latest"}},
		{"nginx:1.27", Reference{Registry: "index.docker.io", Repo: "library/nginx", Tag: "1.27"}},
		{"someorg/someimage", Reference{Registry: "index.docker.io", Repo: "someorg/someimage", Tag: "latest"}},
		{"someorg/someimage:v2", Reference{Registry: "index.docker.io", Repo: "someorg/someimage", Tag: "v2"}},
		{"registry.example.com/someorg/someimage:v2", Reference{Registry: "registry.example.com", Repo: "someorg/someimage", Tag: "v2"}},
		{"registry:5000/someorg/someimage", Reference{Registry: "registry:5000", Repo: "someorg/someimage", Tag: "latest"}},
		{"localhost/foo:bar", Reference{Registry: "localhost", Repo: "foo", Tag: "bar"}},
		{
			"alpine@sha256:" + sixtyFourHex,
			Reference{Registry: "index.docker.io", Repo: "library/alpine", Digest: "sha256:" + sixtyFourHex},
		},
		{
			"alpine:3.18@sha256:" + sixtyFourHex,
			Reference{Registry: "index.docker.io", Repo: "library/alpine", Tag: "3.18", Digest: "sha256:" + sixtyFourHex},
		},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

const sixtyFourHex = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "@sha256:bad", "foo@nodigest", "registry.example.com/"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	inputs := []string{
		"nginx",
		"nginx:1.27",
		"registry.example.com:5000/someorg/someimage:v2",
		"alpine@sha256:" + sixtyFourHex,
	}
	for _, in := range inputs {
		r1, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		r2, err := Parse(r1.Canonical())
		if err != nil {
			t.Fatalf("Parse(Canonical(%q)=%q): %v", in, r1.Canonical(), err)
		}
		if r1 != r2 {
			t.Errorf("round trip mismatch for %q: %+v != %+v", in, r1, r2)
		}
	}
}
