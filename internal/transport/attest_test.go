package transport

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestAttestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	s := NewAttestStream(&buf)

	payload, _ := json.Marshal(map[string]string{"name": "db-password"})
	req := AttestRequest{Route: RouteSecrets, Payload: payload}
	if err := s.SendRequest(req); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	got, err := s.RecvRequest()
	if err != nil {
		t.Fatalf("RecvRequest: %v", err)
	}
	if got.Route != RouteSecrets {
		t.Errorf("Route = %q, want %q", got.Route, RouteSecrets)
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, payload)
	}
}

func TestAttestResponseRoundTripOK(t *testing.T) {
	var buf bytes.Buffer
	s := NewAttestStream(&buf)

	if err := s.SendResponse(AttestResponse{OK: true, Payload: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	got, err := s.RecvResponse()
	if err != nil {
		t.Fatalf("RecvResponse: %v", err)
	}
	if !got.OK {
		t.Error("expected OK=true")
	}
}

func TestAttestResponseSurfacesRemoteError(t *testing.T) {
	var buf bytes.Buffer
	s := NewAttestStream(&buf)

	if err := s.SendResponse(AttestResponse{OK: false, Error: "sealing policy mismatch"}); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
	_, err := s.RecvResponse()
	if err == nil {
		t.Fatal("expected RecvResponse to surface the remote error")
	}
}

func TestMultipleAttestMessagesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	s := NewAttestStream(&buf)

	if err := s.SendRequest(AttestRequest{Route: RouteStatus}); err != nil {
		t.Fatalf("SendRequest 1: %v", err)
	}
	if err := s.SendRequest(AttestRequest{Route: RouteSeal}); err != nil {
		t.Fatalf("SendRequest 2: %v", err)
	}

	first, err := s.RecvRequest()
	if err != nil {
		t.Fatalf("RecvRequest 1: %v", err)
	}
	second, err := s.RecvRequest()
	if err != nil {
		t.Fatalf("RecvRequest 2: %v", err)
	}
	if first.Route != RouteStatus || second.Route != RouteSeal {
		t.Errorf("routes = %q, %q", first.Route, second.Route)
	}
}
