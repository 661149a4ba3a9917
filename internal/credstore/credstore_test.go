package credstore

import (
	"path/filepath"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":                        "index.docker.io",
		"docker.io":               "index.docker.io",
		"DOCKER.IO":               "index.docker.io",
		"registry-1.docker.io":    "index.docker.io",
		"registry.hub.docker.com": "index.docker.io",
		"ghcr.io":                 "ghcr.io",
		"registry.example.com:5000": "registry.example.com:5000",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStoreGetRemove(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "credentials.json"))

	if _, ok, err := s.Get("ghcr.io"); err != nil || ok {
		t.Fatalf("Get on empty store: ok=%v err=%v", ok, err)
	}

	cred := Credential{Username: "alice", Password: "hunter2"}
	if err := s.Store("ghcr.io", cred); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok, err := s.Get("ghcr.io")
	if err != nil || !ok {
		t.Fatalf("Get after Store: ok=%v err=%v", ok, err)
	}
	if got != cred {
		t.Errorf("Get = %+v, want %+v", got, cred)
	}

	// docker.io and its aliases collapse to the same entry.
	if err := s.Store("docker.io", Credential{Username: "bob"}); err != nil {
		t.Fatalf("Store docker.io: %v", err)
	}
	if got, ok, err := s.Get("registry-1.docker.io"); err != nil || !ok || got.Username != "bob" {
		t.Fatalf("alias lookup failed: got=%+v ok=%v err=%v", got, ok, err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List = %v, want 2 entries", list)
	}

	if err := s.Remove("ghcr.io"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, err := s.Get("ghcr.io"); err != nil || ok {
		t.Fatalf("Get after Remove: ok=%v err=%v", ok, err)
	}

	// Removing an absent entry is not an error.
	if err := s.Remove("ghcr.io"); err != nil {
		t.Fatalf("Remove idempotent: %v", err)
	}
}

func TestStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")

	if err := New(path).Store("ghcr.io", Credential{Username: "alice"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, ok, err := New(path).Get("ghcr.io")
	if err != nil || !ok {
		t.Fatalf("Get from fresh Store: ok=%v err=%v", ok, err)
	}
	if got.Username != "alice" {
		t.Errorf("Username = %q, want alice", got.Username)
	}
}
