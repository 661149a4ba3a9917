package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/tee"
)

// dialTunnel opens a box's attestation channel and completes the RA-TLS
// handshake, grounded directly on tee.Dial (the same path the `exec`/
// `attach` commands would use for a TEE-bound process if one existed).
func dialTunnel(ctx context.Context, cctx *Context, id string, allowSimulated bool) (*tee.Tunnel, error) {
	b, err := cctx.Client.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.IsRunning() {
		return nil, boxerr.New(boxerr.KindInvalidConfig, "box %q is not running", id)
	}

	raw, err := dialSocket(b.Sockets().Attest)
	if err != nil {
		return nil, err
	}

	cache, err := tee.OpenCertChainCache(filepath.Join(cctx.AppBaseDir, "attest-certs.db"))
	if err != nil {
		raw.Close()
		return nil, err
	}
	fetcher := tee.NewKDSClient("https://kdsintf.amd.com/vcek/v1/Milan")
	verifier := tee.NewVerifier(cache, fetcher)

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		raw.Close()
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "generating nonce")
	}

	return tee.Dial(ctx, raw, verifier, tee.Policy{}, allowSimulated, nonce)
}

type AttestCmd struct {
	ID             string `arg:"" help:"box ID or name"`
	AllowSimulated bool   `name:"allow-simulated-tee" help:"accept a simulated attestation report"`
}

func (c *AttestCmd) Run(cctx *Context) error {
	ctx := context.Background()
	t, err := dialTunnel(ctx, cctx, c.ID, c.AllowSimulated)
	if err != nil {
		return err
	}
	defer t.Close()

	status, err := t.Status()
	if err != nil {
		return err
	}
	fmt.Println(string(status))
	return nil
}

type InjectSecretCmd struct {
	ID             string `arg:"" help:"box ID or name"`
	Name           string `arg:"" help:"secret name"`
	Value          string `arg:"" help:"secret value, or '-' to read from stdin"`
	SetEnv         bool   `help:"export the secret into the entrypoint's environment"`
	AllowSimulated bool   `name:"allow-simulated-tee" help:"accept a simulated attestation report"`
}

func (c *InjectSecretCmd) Run(cctx *Context) error {
	value := []byte(c.Value)
	if c.Value == "-" {
		data, err := readAllStdin()
		if err != nil {
			return err
		}
		value = data
	}

	ctx := context.Background()
	t, err := dialTunnel(ctx, cctx, c.ID, c.AllowSimulated)
	if err != nil {
		return err
	}
	defer t.Close()

	return t.InjectSecret(tee.SecretPayload{Name: c.Name, Value: value, SetEnv: c.SetEnv})
}

func readAllStdin() ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return buf, nil
		}
	}
}

type SealCmd struct {
	ID             string `arg:"" help:"box ID or name"`
	SealContext    string `arg:"" help:"binding context string"`
	Value          string `arg:"" help:"data to seal"`
	Policy         string `default:"measurement-and-chip" enum:"measurement-and-chip,measurement-only,chip-only" help:"sealing policy"`
	AllowSimulated bool   `name:"allow-simulated-tee" help:"accept a simulated attestation report"`
}

func (c *SealCmd) Run(cctx *Context) error {
	ctx := context.Background()
	t, err := dialTunnel(ctx, cctx, c.ID, c.AllowSimulated)
	if err != nil {
		return err
	}
	defer t.Close()

	blob, err := t.Seal(tee.SealPayload{Context: c.SealContext, Policy: tee.SealPolicy(c.Policy), Data: []byte(c.Value)})
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(blob.Blob))
	return nil
}

type UnsealCmd struct {
	ID             string `arg:"" help:"box ID or name"`
	SealContext    string `arg:"" help:"binding context string used at seal time"`
	Blob           string `arg:"" help:"base64-encoded sealed blob"`
	Policy         string `default:"measurement-and-chip" enum:"measurement-and-chip,measurement-only,chip-only" help:"sealing policy used at seal time"`
	AllowSimulated bool   `name:"allow-simulated-tee" help:"accept a simulated attestation report"`
}

func (c *UnsealCmd) Run(cctx *Context) error {
	raw, err := base64.StdEncoding.DecodeString(c.Blob)
	if err != nil {
		return boxerr.Wrap(boxerr.KindInvalidConfig, err, "decoding --blob")
	}

	ctx := context.Background()
	t, err := dialTunnel(ctx, cctx, c.ID, c.AllowSimulated)
	if err != nil {
		return err
	}
	defer t.Close()

	data, err := t.Unseal(tee.SealedBlob{Context: c.SealContext, Policy: tee.SealPolicy(c.Policy), Blob: raw})
	if err != nil {
		return err
	}
	os.Stdout.Write(data.Data)
	return nil
}
