// Package sshbridge issues CA-signed SSH host/user certificates so `a3s
// attach --ssh` can reach a box without Trust On First Use. A bridge keeps
// its own host and user certificate authorities under ~/.config/a3s and
// configures ssh_config once so the box's generated certificates verify
// without manual known_hosts edits.
package sshbridge

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
)

// Keys is the set of SSH keys and certificates installed into a newly
// booted box's guest agent so sshd can authenticate both directions.
type Keys struct {
	HostKey     []byte // host private key
	HostKeyPub  []byte // host public key
	HostKeyCert []byte // host key certificate
	UserCAPub   []byte // public key for the user certificate authority
}

// Bridge owns the host/user certificate authorities used to sign per-box
// SSH certificates.
type Bridge struct {
	localDomain string

	knownHostsPath   string
	userIdentityPath string

	hostCAPath      string
	hostCA          ssh.Signer
	hostCAPublicKey ssh.PublicKey

	userCAPath      string
	userCertPath    string
	userCertificate []byte
	userCA          ssh.Signer
	userCAPublicKey ssh.PublicKey

	fs FileSystem
	kg KeyGenerator
}

// New sets up (or reloads) the certificate authorities under
// ~/.config/a3s, issues a user certificate, and makes sure ssh_config
// includes a3s's generated config, so ssh to a box works without TOFU.
func New(ctx context.Context) (*Bridge, error) {
	return newWithDeps(ctx, &RealFileSystem{}, &RealKeyGenerator{})
}

func newWithDeps(ctx context.Context, fsys FileSystem, kg KeyGenerator) (*Bridge, error) {
	base := filepath.Join(os.Getenv("HOME"), ".config", "a3s")
	if _, err := fsys.Stat(base); err != nil {
		if err := fsys.MkdirAll(base, 0o777); err != nil {
			return nil, fmt.Errorf("couldn't create %s: %w", base, err)
		}
	}

	b := &Bridge{
		localDomain:      "a3s",
		knownHostsPath:   filepath.Join(base, "known_hosts"),
		userIdentityPath: filepath.Join(base, "user_key"),

		hostCAPath:   filepath.Join(base, "host_ca"),
		userCAPath:   filepath.Join(base, "user_ca"),
		userCertPath: filepath.Join(base, "user_cert"),
		fs:           fsys,
		kg:           kg,
	}

	slog.DebugContext(ctx, "sshbridge.New", "getOrCreateCA userCAPath", b.userCAPath)
	userCASigner, userCAPublicKey, err := b.getOrCreateCA(b.userCAPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't get user CA from %s: %w", b.userCAPath, err)
	}
	b.userCA = userCASigner
	b.userCAPublicKey = userCAPublicKey

	userPubKey, _, err := b.getOrCreateKeyPair(b.userIdentityPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't create user identity from %s: %w", b.userIdentityPath, err)
	}

	userCert, err := b.issueUserCertificate(userPubKey)
	if err != nil {
		return nil, fmt.Errorf("couldn't issue user cert: %w", err)
	}
	b.userCertificate = userCert.Marshal()
	b.writeKeyToFile(ssh.MarshalAuthorizedKey(userCert), b.userIdentityPath+"-cert.pub")
	if err := writeA3SSSHConfig(b.fs); err != nil {
		return nil, fmt.Errorf("writeA3SSSHConfig: %w", err)
	}

	slog.InfoContext(ctx, "sshbridge.New", "getOrCreateCA hostCAPath", b.hostCAPath)
	hostCASigner, hostCAPublicKey, err := b.getOrCreateCA(b.hostCAPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't get host CA from %s: %w", b.hostCAPath, err)
	}
	b.hostCA = hostCASigner
	b.hostCAPublicKey = hostCAPublicKey
	if err := b.addHostCAToKnownHosts(); err != nil {
		return nil, fmt.Errorf("addHostCAToKnownHosts: %w", err)
	}

	return b, nil
}

// NewKeys issues a fresh host keypair and certificate for boxName, plus the
// user CA's public key so the box's sshd can verify incoming user certs.
func (b *Bridge) NewKeys(ctx context.Context, boxName string) (*Keys, error) {
	privateKey, publicKey, err := b.kg.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("error generating key pair: %w", err)
	}

	hostPubKey, err := b.kg.ConvertToSSHPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("error converting to SSH public key: %w", err)
	}

	hostPrivKey := encodePrivateKeyToPEM(privateKey)

	hostCert, err := b.issueHostCertificate(boxName, hostPubKey)
	if err != nil {
		return nil, fmt.Errorf("couldn't issue host cert: %w", err)
	}

	return &Keys{
		HostKey:     hostPrivKey,
		HostKeyPub:  ssh.MarshalAuthorizedKey(hostPubKey),
		HostKeyCert: ssh.MarshalAuthorizedKey(hostCert),
		UserCAPub:   ssh.MarshalAuthorizedKey(b.userCAPublicKey),
	}, nil
}

func (b *Bridge) writeKeyToFile(keyBytes []byte, filename string) error {
	return b.fs.WriteFile(filename, keyBytes, 0o600)
}

func (b *Bridge) getOrCreateKeyPair(idPath string) (ssh.PublicKey, []byte, error) {
	if _, err := b.fs.Stat(idPath); err == nil {
		pubkeyBytes, err := b.fs.ReadFile(idPath + ".pub")
		if err != nil {
			return nil, nil, fmt.Errorf("reading public key from %s: %w", idPath+".pub", err)
		}
		pubkey, _, _, _, err := ssh.ParseAuthorizedKey(pubkeyBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing public key from %s: %w", idPath+".pub", err)
		}
		privateKeyBytes, err := b.fs.ReadFile(idPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading private key from %s: %w", idPath, err)
		}
		return pubkey, privateKeyBytes, nil
	}

	privateKey, publicKey, err := b.kg.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("error generating key pair: %w", err)
	}

	sshPublicKey, err := b.kg.ConvertToSSHPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("error converting to SSH public key: %w", err)
	}

	privateKeyPEM := encodePrivateKeyToPEM(privateKey)
	if err := b.writeKeyToFile(privateKeyPEM, idPath); err != nil {
		return nil, nil, fmt.Errorf("error writing private key to file: %w", err)
	}
	pubKeyBytes := ssh.MarshalAuthorizedKey(sshPublicKey)
	if err := b.writeKeyToFile(pubKeyBytes, idPath+".pub"); err != nil {
		return nil, nil, fmt.Errorf("error writing public key to file: %w", err)
	}
	return sshPublicKey, privateKeyPEM, nil
}

func (b *Bridge) issueHostCertificate(boxName string, certPub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             certPub,
		Serial:          1,
		CertType:        ssh.HostCert,
		KeyId:           boxName + " host key",
		ValidPrincipals: []string{boxName},
		ValidAfter:      uint64(time.Now().Add(-24 * time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(720 * time.Hour).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-agent-forwarding": "",
				"permit-port-forwarding":  "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, b.hostCA); err != nil {
		return nil, fmt.Errorf("signing host certificate: %w", err)
	}
	return cert, nil
}

func (b *Bridge) addHostCAToKnownHosts() error {
	var caPublicKeyLine string
	if b.hostCAPublicKey != nil {
		caLine := "@cert-authority *." + b.localDomain + " " + string(ssh.MarshalAuthorizedKey(b.hostCAPublicKey))
		caPublicKeyLine = strings.TrimSpace(caLine)
	}

	var outputLines []string
	existingContent, err := b.fs.ReadFile(b.knownHostsPath)
	if err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(existingContent))
		for scanner.Scan() {
			line := scanner.Text()
			if caPublicKeyLine != "" && strings.HasPrefix(line, "@cert-authority * ") {
				continue
			}
			outputLines = append(outputLines, line)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("couldn't read known_hosts file: %w", err)
	}

	if caPublicKeyLine != "" {
		outputLines = append(outputLines, caPublicKeyLine)
	}

	if err := b.fs.SafeWriteFile(b.knownHostsPath, []byte(strings.Join(outputLines, "\n")), 0o644); err != nil {
		return fmt.Errorf("couldn't safely write updated known_hosts to %s: %w", b.knownHostsPath, err)
	}
	return nil
}

func (b *Bridge) issueUserCertificate(certPub ssh.PublicKey) (*ssh.Certificate, error) {
	cert := &ssh.Certificate{
		Key:             certPub,
		Serial:          1,
		CertType:        ssh.UserCert,
		KeyId:           "a3s-user",
		ValidPrincipals: []string{"root"},
		ValidAfter:      uint64(time.Now().Add(-24 * time.Hour).Unix()),
		ValidBefore:     uint64(time.Now().Add(720 * time.Hour).Unix()),
		Permissions: ssh.Permissions{
			Extensions: map[string]string{
				"permit-pty":              "",
				"permit-agent-forwarding": "",
				"permit-port-forwarding":  "",
			},
		},
	}
	if err := cert.SignCert(rand.Reader, b.userCA); err != nil {
		return nil, fmt.Errorf("signing user certificate: %w", err)
	}
	return cert, nil
}

func (b *Bridge) getOrCreateCA(path string) (ssh.Signer, ssh.PublicKey, error) {
	if _, err := b.fs.Stat(path); err == nil {
		caPrivKeyPEM, err := b.fs.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("reading CA file %s: %w", path, err)
		}
		privKey, err := ssh.ParsePrivateKey(caPrivKeyPEM)
		if err != nil {
			return nil, nil, err
		}
		return privKey, privKey.PublicKey(), nil
	}

	pri, pub, err := b.kg.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair: %w", err)
	}

	caPublicKey, err := b.kg.ConvertToSSHPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("converting to ssh public key: %w", err)
	}
	caPubKeyBytes := ssh.MarshalAuthorizedKey(caPublicKey)
	if err := b.writeKeyToFile(caPubKeyBytes, path+".pub"); err != nil {
		return nil, nil, fmt.Errorf("writing CA public key to file: %w", err)
	}

	caPrivKeyPEM := encodePrivateKeyToPEM(pri)
	if err := b.writeKeyToFile(caPrivKeyPEM, path); err != nil {
		return nil, nil, fmt.Errorf("writing CA private key to file: %w", err)
	}

	caSigner, err := ssh.NewSignerFromKey(pri)
	if err != nil {
		return nil, nil, fmt.Errorf("creating CA signer from private key: %w", err)
	}
	return caSigner, caPublicKey, nil
}

func checkSSHHostResolve(ctx context.Context, hostname string) error {
	cmd := exec.CommandContext(ctx, "ssh", "-o", "BatchMode=yes", "-o", "ConnectTimeout=5", hostname)
	out, err := cmd.CombinedOutput()
	slog.InfoContext(ctx, "checkSSHHostResolve", "hostname", hostname, "out", string(out), "error", err)
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(out))
	}
	return nil
}

// CheckForIncludeWithFS verifies the user's ~/.ssh/config has the Include
// statement for a3s's generated ssh_config.
func CheckForIncludeWithFS(ctx context.Context, fsys FileSystem) (func() error, error) {
	a3sSSHPathInclude := "Include " + filepath.Join(os.Getenv("HOME"), ".config", "a3s", "ssh_config")
	defaultSSHPath := filepath.Join(os.Getenv("HOME"), ".ssh", "config")

	existingContent, err := fsys.ReadFile(defaultSSHPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fsys.SafeWriteFile(defaultSSHPath, []byte(a3sSSHPathInclude+"\n"), 0o644)
		}
		return nil, fmt.Errorf("SSH connections are disabled: cannot open SSH config file %s: %w", defaultSSHPath, err)
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(existingContent))
	if err != nil {
		return nil, fmt.Errorf("couldn't decode ssh_config: %w", err)
	}

	var includePos *ssh_config.Position
	var firstNonIncludePos *ssh_config.Position
	for _, host := range cfg.Hosts {
		for _, node := range host.Nodes {
			if inc, ok := node.(*ssh_config.Include); ok {
				if strings.TrimSpace(inc.String()) == a3sSSHPathInclude {
					pos := inc.Pos()
					includePos = &pos
				}
			} else if firstNonIncludePos == nil && !strings.HasPrefix(strings.TrimSpace(node.String()), "#") {
				pos := node.Pos()
				firstNonIncludePos = &pos
			}
		}
	}

	if includePos == nil {
		return func() error {
			return modifySSHConfig(cfg, a3sSSHPathInclude, fsys, defaultSSHPath)
		}, nil
	}

	if firstNonIncludePos != nil && firstNonIncludePos.Line < includePos.Line {
		fmt.Printf("ssh config warning: the Include statement for a3s's ssh config on line %d of %s may prevent ssh from reaching boxes; move it above any Host lines.\n", includePos.Line, defaultSSHPath)
	}
	return nil, nil
}

func writeA3SSSHConfig(fsys FileSystem) error {
	base := filepath.Join(os.Getenv("HOME"), ".config", "a3s")
	identityPath := filepath.Join(base, "user_key")
	sshConfigPath := filepath.Join(base, "ssh_config")
	knownHostsPath := filepath.Join(base, "known_hosts")

	hostPattern, err := ssh_config.NewPattern("*.a3s")
	if err != nil {
		return err
	}
	cfg := &ssh_config.Config{
		Hosts: []*ssh_config.Host{{
			Patterns: []*ssh_config.Pattern{hostPattern},
			Nodes: []ssh_config.Node{
				&ssh_config.KV{Key: "IdentityFile", Value: identityPath},
				&ssh_config.KV{Key: "UserKnownHostsFile", Value: knownHostsPath},
				&ssh_config.KV{Key: "CanonicalizeHostname", Value: "yes"},
				&ssh_config.KV{Key: "CanonicalDomains", Value: "a3s"},
			},
		}},
	}

	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("couldn't marshal ssh_config: %w", err)
	}
	if err := fsys.SafeWriteFile(sshConfigPath, cfgBytes, 0o644); err != nil {
		return fmt.Errorf("couldn't safely write ssh_config: %w", err)
	}
	return nil
}

func modifySSHConfig(cfg *ssh_config.Config, a3sSSHPathInclude string, fsys FileSystem, defaultSSHPath string) error {
	cfgBytes, err := cfg.MarshalText()
	if err != nil {
		return fmt.Errorf("couldn't marshal ssh_config: %w", err)
	}
	cfgBytes = append([]byte(a3sSSHPathInclude+"\n"), cfgBytes...)
	if err := fsys.SafeWriteFile(defaultSSHPath, cfgBytes, 0o644); err != nil {
		return fmt.Errorf("couldn't safely write ssh_config: %w", err)
	}
	return nil
}

func encodePrivateKeyToPEM(privateKey ed25519.PrivateKey) []byte {
	pkBytes, err := ssh.MarshalPrivateKey(privateKey, "a3s key")
	if err != nil {
		panic(fmt.Sprintf("failed to marshal private key: %v", err))
	}
	return pem.EncodeToMemory(pkBytes)
}

// FileSystem abstracts filesystem access for testability.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	Mkdir(name string, perm fs.FileMode) error
	MkdirAll(name string, perm fs.FileMode) error
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error)
	TempFile(dir, pattern string) (*os.File, error)
	Rename(oldpath, newpath string) error
	SafeWriteFile(name string, data []byte, perm fs.FileMode) error
}

// RealFileSystem is the default FileSystem backed by the OS.
type RealFileSystem struct{}

func (*RealFileSystem) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }
func (*RealFileSystem) Mkdir(name string, perm fs.FileMode) error { return os.Mkdir(name, perm) }
func (*RealFileSystem) MkdirAll(name string, perm fs.FileMode) error {
	return os.MkdirAll(name, perm)
}
func (*RealFileSystem) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }
func (*RealFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (*RealFileSystem) OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
func (*RealFileSystem) TempFile(dir, pattern string) (*os.File, error) {
	return os.CreateTemp(dir, pattern)
}
func (*RealFileSystem) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

// SafeWriteFile writes data to a temp file, syncs, backs up any existing
// target, then renames the temp file into place.
func (rfs *RealFileSystem) SafeWriteFile(name string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(name)

	tmpFile, err := rfs.TempFile(dir, filepath.Base(name)+".*.tmp")
	if err != nil {
		return fmt.Errorf("couldn't create temporary file: %w", err)
	}
	tmpFilename := tmpFile.Name()
	defer os.Remove(tmpFilename)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("couldn't write to temporary file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("couldn't sync temporary file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("couldn't close temporary file: %w", err)
	}

	if _, err := rfs.Stat(name); err == nil {
		backupName := name + ".bak"
		_ = os.Remove(backupName)
		if err := rfs.Rename(name, backupName); err != nil {
			return fmt.Errorf("couldn't create backup file: %w", err)
		}
	}

	if err := rfs.Rename(tmpFilename, name); err != nil {
		return fmt.Errorf("couldn't rename temporary file to target: %w", err)
	}
	if err := os.Chmod(name, perm); err != nil {
		return fmt.Errorf("couldn't set permissions on file: %w", err)
	}
	return nil
}

// CheckSSHReachability verifies ssh can resolve boxName. If it cannot, it
// returns what CheckForIncludeWithFS returns for the user's ssh_config: a
// fixup function, not yet applied, when the Include statement is missing.
func CheckSSHReachability(ctx context.Context, boxName string) (func() error, error) {
	if err := checkSSHHostResolve(ctx, boxName); err != nil {
		return CheckForIncludeWithFS(ctx, &RealFileSystem{})
	}
	return nil, nil
}

// KeyGenerator abstracts SSH key generation for testability.
type KeyGenerator interface {
	GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error)
	ConvertToSSHPublicKey(publicKey ed25519.PublicKey) (ssh.PublicKey, error)
}

// RealKeyGenerator is the default KeyGenerator using crypto/ed25519.
type RealKeyGenerator struct{}

func (*RealKeyGenerator) GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	return privateKey, publicKey, err
}

func (*RealKeyGenerator) ConvertToSSHPublicKey(publicKey ed25519.PublicKey) (ssh.PublicKey, error) {
	return ssh.NewPublicKey(publicKey)
}
