package tee

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"encoding/json"
	"net"

	"github.com/a3s-run/a3s/internal/boxerr"
	"github.com/a3s-run/a3s/internal/transport"
)

// oidAttestationReport tags the X.509 extension an RA-TLS server
// certificate carries its raw attestation report in (spec §4.15 "Wire
// protocols": "server cert contains the attestation report as an
// extension").
var oidAttestationReport = asn1.ObjectIdentifier{1, 3, 9999, 55, 1, 1}

// SealPolicy selects which platform facts a sealed blob is bound to.
type SealPolicy string

const (
	MeasurementAndChip SealPolicy = "measurement-and-chip"
	MeasurementOnly    SealPolicy = "measurement-only"
	ChipOnly           SealPolicy = "chip-only"
)

// SecretPayload is the RouteSecrets request body: a named value the guest
// agent installs, optionally exporting it into the entrypoint's
// environment.
type SecretPayload struct {
	Name   string `json:"name"`
	Value  []byte `json:"value"`
	SetEnv bool   `json:"setEnv"`
}

// SealPayload is the RouteSeal request / RouteUnseal response body.
type SealPayload struct {
	Context string     `json:"context"`
	Policy  SealPolicy `json:"policy"`
	Data    []byte     `json:"data"`
}

// SealedBlob is the RouteSeal response / RouteUnseal request body.
type SealedBlob struct {
	Context string     `json:"context"`
	Policy  SealPolicy `json:"policy"`
	Blob    []byte     `json:"blob"`
}

// ProcessPayload drives RouteProcess: a guest-side exec bound to the same
// attested identity as the tunnel, rather than the plain exec channel.
type ProcessPayload struct {
	Argv []string `json:"argv"`
}

// ProcessResult is RouteProcess's response body.
type ProcessResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
}

// Tunnel is the host side of one RA-TLS session established over a box's
// attestation vsock channel.
type Tunnel struct {
	conn   *tls.Conn
	stream *transport.AttestStream
	Report *Report
	Result *VerificationResult
}

// Dial performs the TLS handshake over raw (already connected to the
// guest's attestation port) and verifies the server certificate's
// embedded attestation report against policy, binding report_data to
// hash(serverPubKeyDER || nonce) as spec §4.15's "Attest bind" requires.
// raw is taken over and closed by the returned Tunnel (or by Dial itself
// on failure).
func Dial(ctx context.Context, raw net.Conn, verifier *Verifier, policy Policy, allowSimulated bool, nonce []byte) (*Tunnel, error) {
	t := &Tunnel{}

	cfg := &tls.Config{
		InsecureSkipVerify: true, // custom verification below replaces name/chain checks
		VerifyConnection: func(state tls.ConnectionState) error {
			if len(state.PeerCertificates) == 0 {
				return boxerr.New(boxerr.KindAttestationError, "server presented no certificate")
			}
			cert := state.PeerCertificates[0]
			raw, ok := reportExtension(cert)
			if !ok {
				return boxerr.New(boxerr.KindAttestationError, "server certificate carries no attestation report extension")
			}
			pubKeyDER, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
			if err != nil {
				return boxerr.Wrap(boxerr.KindAttestationError, err, "marshaling server public key")
			}
			result, err := verifier.Verify(ctx, raw, policy, 0, allowSimulated, pubKeyDER, nonce)
			if err != nil {
				return err
			}
			t.Result = result
			if !result.Verified {
				return boxerr.New(boxerr.KindAttestationError, "attestation verification failed: %v", result.Failures)
			}
			report, err := ParseReport(raw)
			if err != nil {
				return err
			}
			t.Report = report
			return nil
		},
	}

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, boxerr.Wrap(boxerr.KindAttestationError, err, "RA-TLS handshake")
	}
	t.conn = conn
	t.stream = transport.NewAttestStream(conn)
	return t, nil
}

func reportExtension(cert *x509.Certificate) ([]byte, bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidAttestationReport) {
			return ext.Value, true
		}
	}
	return nil, false
}

// Close tears down the TLS session.
func (t *Tunnel) Close() error { return t.conn.Close() }

func (t *Tunnel) roundTrip(route transport.AttestRoute, payload any) (transport.AttestResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return transport.AttestResponse{}, boxerr.Wrap(boxerr.KindIoError, err, "marshaling %s payload", route)
	}
	if err := t.stream.SendRequest(transport.AttestRequest{Route: route, Payload: data}); err != nil {
		return transport.AttestResponse{}, err
	}
	return t.stream.RecvResponse()
}

// Status queries RouteStatus, returning the guest's self-reported
// attestation summary payload verbatim for the caller to unmarshal.
func (t *Tunnel) Status() (json.RawMessage, error) {
	resp, err := t.roundTrip(transport.RouteStatus, struct{}{})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// InjectSecret delivers a secret to the guest over RouteSecrets.
func (t *Tunnel) InjectSecret(s SecretPayload) error {
	_, err := t.roundTrip(transport.RouteSecrets, s)
	return err
}

// Seal asks the guest to derive a sealing key per policy and encrypt
// data, returning the sealed blob (spec §4.15 "Seal").
func (t *Tunnel) Seal(p SealPayload) (*SealedBlob, error) {
	resp, err := t.roundTrip(transport.RouteSeal, p)
	if err != nil {
		return nil, err
	}
	var blob SealedBlob
	if err := json.Unmarshal(resp.Payload, &blob); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "decoding seal response")
	}
	return &blob, nil
}

// Unseal asks the guest to re-derive the key for blob and decrypt it,
// failing if the current TEE identity is inconsistent with the sealing
// policy (spec §4.15 "Unseal").
func (t *Tunnel) Unseal(blob SealedBlob) (*SealPayload, error) {
	resp, err := t.roundTrip(transport.RouteUnseal, blob)
	if err != nil {
		return nil, err
	}
	var data SealPayload
	if err := json.Unmarshal(resp.Payload, &data); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "decoding unseal response")
	}
	return &data, nil
}

// Process runs argv inside the guest over the attested channel.
func (t *Tunnel) Process(argv []string) (*ProcessResult, error) {
	resp, err := t.roundTrip(transport.RouteProcess, ProcessPayload{Argv: argv})
	if err != nil {
		return nil, err
	}
	var result ProcessResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return nil, boxerr.Wrap(boxerr.KindIoError, err, "decoding process response")
	}
	return &result, nil
}
