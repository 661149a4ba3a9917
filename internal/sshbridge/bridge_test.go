package sshbridge

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

type mockFileSystem struct {
	Files       map[string][]byte
	CreatedDirs map[string]bool
	FailOn      map[string]error
}

func newMockFileSystem() *mockFileSystem {
	return &mockFileSystem{
		Files:       make(map[string][]byte),
		CreatedDirs: make(map[string]bool),
		FailOn:      make(map[string]error),
	}
}

func (m *mockFileSystem) Stat(name string) (fs.FileInfo, error) {
	if err, ok := m.FailOn["Stat"]; ok {
		return nil, err
	}
	if _, exists := m.Files[name]; exists {
		return nil, nil
	}
	if _, exists := m.CreatedDirs[name]; exists {
		return nil, nil
	}
	return nil, os.ErrNotExist
}

func (m *mockFileSystem) Mkdir(name string, perm fs.FileMode) error {
	m.CreatedDirs[name] = true
	return nil
}

func (m *mockFileSystem) MkdirAll(name string, perm fs.FileMode) error {
	if err, ok := m.FailOn["MkdirAll"]; ok {
		return err
	}
	m.CreatedDirs[name] = true
	return nil
}

func (m *mockFileSystem) ReadFile(name string) ([]byte, error) {
	data, exists := m.Files[name]
	if !exists {
		return nil, fmt.Errorf("file not found: %s", name)
	}
	return data, nil
}

func (m *mockFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	m.Files[name] = data
	return nil
}

func (m *mockFileSystem) OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error) {
	return os.CreateTemp("", "mockfile-*")
}

func (m *mockFileSystem) TempFile(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}

func (m *mockFileSystem) Rename(oldpath, newpath string) error {
	if data, exists := m.Files[oldpath]; exists {
		m.Files[newpath] = data
		delete(m.Files, oldpath)
	}
	return nil
}

func (m *mockFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	if existing, exists := m.Files[name]; exists {
		m.Files[name+".bak"] = existing
	}
	m.Files[name] = data
	return nil
}

type mockKeyGenerator struct {
	privateKey   ed25519.PrivateKey
	publicKey    ed25519.PublicKey
	sshPublicKey ssh.PublicKey
	caSigner     ssh.Signer
	FailOn       map[string]error
}

var _ KeyGenerator = &mockKeyGenerator{}

func (m *mockKeyGenerator) GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if err, ok := m.FailOn["GenerateKeyPair"]; ok {
		return nil, nil, err
	}
	return m.privateKey, m.publicKey, nil
}

func (m *mockKeyGenerator) ConvertToSSHPublicKey(publicKey ed25519.PublicKey) (ssh.PublicKey, error) {
	if err, ok := m.FailOn["ConvertToSSHPublicKey"]; ok {
		return nil, err
	}
	if m.caSigner != nil && bytes.Equal(publicKey, m.publicKey) {
		return m.caSigner.PublicKey(), nil
	}
	return m.sshPublicKey, nil
}

func setupMocks(t *testing.T) (*mockFileSystem, *mockKeyGenerator) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating test key pair: %v", err)
	}
	sshPublicKey, err := ssh.NewPublicKey(publicKey)
	if err != nil {
		t.Fatalf("converting test public key: %v", err)
	}
	_, caPrivKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key pair: %v", err)
	}
	caSigner, err := ssh.NewSignerFromKey(caPrivKey)
	if err != nil {
		t.Fatalf("creating CA signer: %v", err)
	}

	return newMockFileSystem(), &mockKeyGenerator{
		privateKey:   privateKey,
		publicKey:    publicKey,
		sshPublicKey: sshPublicKey,
		caSigner:     caSigner,
		FailOn:       make(map[string]error),
	}
}

func setupTestBridge(t *testing.T) (*Bridge, *mockFileSystem, *mockKeyGenerator) {
	mockFS, mockKG := setupMocks(t)

	homePath := "/home/testuser"
	base := filepath.Join(homePath, ".config", "a3s")
	mockFS.CreatedDirs[base] = true
	mockFS.Files[filepath.Join(base, "ssh_config")] = []byte("")
	mockFS.Files[filepath.Join(base, "known_hosts")] = []byte("")

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", homePath)
	t.Cleanup(func() { os.Setenv("HOME", oldHome) })

	b, err := newWithDeps(t.Context(), mockFS, mockKG)
	if err != nil {
		t.Fatalf("newWithDeps: %v", err)
	}
	return b, mockFS, mockKG
}

func TestNewCreatesRequiredDirectories(t *testing.T) {
	mockFS, mockKG := setupMocks(t)

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", "/home/testuser")
	defer os.Setenv("HOME", oldHome)

	base := "/home/testuser/.config/a3s"
	mockFS.Files[filepath.Join(base, "ssh_config")] = []byte("")
	mockFS.Files[filepath.Join(base, "known_hosts")] = []byte("")

	if _, err := newWithDeps(t.Context(), mockFS, mockKG); err != nil {
		t.Fatalf("newWithDeps: %v", err)
	}
	if !mockFS.CreatedDirs[base] {
		t.Errorf("expected %s to be created", base)
	}
}

func TestGetOrCreateKeyPair(t *testing.T) {
	b, mockFS, _ := setupTestBridge(t)

	keyPath := "/home/testuser/.config/a3s/test_key"
	if _, _, err := b.getOrCreateKeyPair(keyPath); err != nil {
		t.Fatalf("getOrCreateKeyPair: %v", err)
	}
	if _, exists := mockFS.Files[keyPath]; !exists {
		t.Errorf("private key not written at %s", keyPath)
	}
	pub, exists := mockFS.Files[keyPath+".pub"]
	if !exists {
		t.Fatalf("public key not written at %s.pub", keyPath)
	}
	if !bytes.HasPrefix(pub, []byte("ssh-ed25519 ")) {
		t.Errorf("public key has unexpected format: %s", pub)
	}
}

func TestNewKeysIssuesHostCertificate(t *testing.T) {
	b, mockFS, mockKG := setupTestBridge(t)

	keys, err := b.NewKeys(t.Context(), "fervent-badger")
	if err != nil {
		t.Fatalf("NewKeys: %v", err)
	}
	if keys == nil {
		t.Fatal("NewKeys returned nil keys")
	}
	if len(keys.HostKeyCert) == 0 {
		t.Error("HostKeyCert is empty")
	}
	if len(keys.UserCAPub) == 0 {
		t.Error("UserCAPub is empty")
	}
	if len(mockFS.CreatedDirs) == 0 {
		t.Error("no directories created")
	}
	if len(mockKG.privateKey) == 0 {
		t.Error("key generator never invoked")
	}
}

func TestCheckForIncludeAcceptsConfigWithOrWithoutInclude(t *testing.T) {
	mockFS := newMockFileSystem()

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", "/home/testuser")
	defer os.Setenv("HOME", oldHome)

	includeLine := "Include /home/testuser/.config/a3s/ssh_config"
	sshConfigPath := "/home/testuser/.ssh/config"
	mockFS.Files[sshConfigPath] = []byte(includeLine + "\nHost example\n  HostName example.com\n")

	if _, err := CheckForIncludeWithFS(t.Context(), mockFS); err != nil {
		t.Fatalf("CheckForIncludeWithFS with proper include: %v", err)
	}

	mockFS.Files[sshConfigPath] = []byte("Host example\n  HostName example.com\n")
	if _, err := CheckForIncludeWithFS(t.Context(), mockFS); err != nil {
		t.Fatalf("CheckForIncludeWithFS with a missing include: %v", err)
	}
}

func TestCheckForIncludeReturnsFixupWhenMissing(t *testing.T) {
	mockFS := newMockFileSystem()

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", "/home/testuser")
	defer os.Setenv("HOME", oldHome)

	sshConfigPath := "/home/testuser/.ssh/config"
	missingInclude := []byte("Host example\n  HostName example.com\n")
	mockFS.Files[sshConfigPath] = missingInclude

	fixup, err := CheckForIncludeWithFS(t.Context(), mockFS)
	if err != nil {
		t.Fatalf("CheckForIncludeWithFS: %v", err)
	}
	if fixup == nil {
		t.Fatal("expected a non-nil fixup function when the Include line is missing")
	}
	if !bytes.Equal(mockFS.Files[sshConfigPath], missingInclude) {
		t.Error("ssh config should be untouched until the fixup is applied")
	}
	if err := fixup(); err != nil {
		t.Fatalf("fixup: %v", err)
	}
	if bytes.Equal(mockFS.Files[sshConfigPath], missingInclude) {
		t.Error("fixup should have rewritten the ssh config")
	}
}

func TestNewWithDepsSurfacesMkdirFailure(t *testing.T) {
	mockFS := newMockFileSystem()
	mockFS.FailOn["MkdirAll"] = fmt.Errorf("mock mkdir error")
	mockKG := &mockKeyGenerator{FailOn: make(map[string]error)}

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", "/home/testuser")
	defer os.Setenv("HOME", oldHome)

	if _, err := newWithDeps(t.Context(), mockFS, mockKG); err == nil {
		t.Fatal("expected an error when MkdirAll fails")
	}
}
