package transport

import (
	"encoding/json"
	"io"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// AttestRoute selects an operation inside the TLS-wrapped attestation
// tunnel (spec §4.11, §4.15).
type AttestRoute string

const (
	RouteStatus  AttestRoute = "status"
	RouteSecrets AttestRoute = "secrets"
	RouteSeal    AttestRoute = "seal"
	RouteUnseal  AttestRoute = "unseal"
	RouteProcess AttestRoute = "process"
)

// AttestRequest is the JSON envelope carried inside the attestation
// tunnel's TLS records.
type AttestRequest struct {
	Route   AttestRoute     `json:"route"`
	Payload json.RawMessage `json:"payload"`
}

// AttestResponse mirrors AttestRequest for the reply direction.
type AttestResponse struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AttestStream is a sequence of JSON-encoded AttestRequest/AttestResponse
// values carried directly over a TLS connection with no outer framing
// (unlike the exec/PTY channels' length-prefixed frames, since the TLS
// record layer already delimits the byte stream). It owns one
// json.Encoder/Decoder pair for the lifetime of the connection: a fresh
// decoder per call would risk losing bytes it had already buffered ahead
// of a message boundary if the peer wrote more than one message before
// this side read the first.
type AttestStream struct {
	enc *json.Encoder
	dec *json.Decoder
}

// NewAttestStream wraps rw for a sequence of attest request/response
// exchanges.
func NewAttestStream(rw io.ReadWriter) *AttestStream {
	return &AttestStream{enc: json.NewEncoder(rw), dec: json.NewDecoder(rw)}
}

// SendRequest writes req as the next message on the stream.
func (s *AttestStream) SendRequest(req AttestRequest) error {
	if err := s.enc.Encode(req); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "encoding attest request")
	}
	return nil
}

// RecvRequest reads the next message as an AttestRequest.
func (s *AttestStream) RecvRequest() (AttestRequest, error) {
	var req AttestRequest
	if err := s.dec.Decode(&req); err != nil {
		return AttestRequest{}, err // io.EOF propagates unwrapped for clean-close detection
	}
	return req, nil
}

// SendResponse writes resp as the next message on the stream.
func (s *AttestStream) SendResponse(resp AttestResponse) error {
	if err := s.enc.Encode(resp); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "encoding attest response")
	}
	return nil
}

// RecvResponse reads the next message as an AttestResponse. A response
// with OK=false and a non-empty Error is returned alongside a non-nil
// error so callers can either inspect resp directly or just check err.
func (s *AttestStream) RecvResponse() (AttestResponse, error) {
	var resp AttestResponse
	if err := s.dec.Decode(&resp); err != nil {
		return AttestResponse{}, err
	}
	if !resp.OK && resp.Error != "" {
		return resp, boxerr.New(boxerr.KindAttestationError, "%s", resp.Error)
	}
	return resp, nil
}
