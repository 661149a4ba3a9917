package tee

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

type fakeFetcher struct {
	chain  *CertChain
	err    error
	called int
}

func (f *fakeFetcher) FetchChain(ctx context.Context, chipIDPrefix string, tcb [4]uint8) (*CertChain, error) {
	f.called++
	if f.err != nil {
		return nil, f.err
	}
	return f.chain, nil
}

func TestVerifyRejectsSimulatedByDefault(t *testing.T) {
	fields := reportFields{version: simulationMarker}
	v := NewVerifier(nil, &fakeFetcher{})
	_, err := v.Verify(t.Context(), buildReport(fields), Policy{}, 0, false, nil, nil)
	if err == nil {
		t.Fatal("expected error for simulated report without allow_simulated")
	}
}

func TestVerifyAllowsSimulatedWhenPermitted(t *testing.T) {
	fields := reportFields{version: simulationMarker, tcb: [4]byte{5, 5, 5, 5}}
	fields.measurement[0] = 0x11
	v := NewVerifier(nil, &fakeFetcher{})

	result, err := v.Verify(t.Context(), buildReport(fields), Policy{ExpectedMeasurementHex: hex.EncodeToString(fields.measurement[:])}, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Verified {
		t.Errorf("expected verified=true, got failures=%v", result.Failures)
	}
	if result.Platform != "simulated" {
		t.Errorf("Platform = %q, want simulated", result.Platform)
	}
}

func TestVerifyFailsPolicyButStillReturnsResult(t *testing.T) {
	fields := reportFields{version: simulationMarker}
	v := NewVerifier(nil, &fakeFetcher{})

	result, err := v.Verify(t.Context(), buildReport(fields), Policy{ExpectedMeasurementHex: "nonmatching"}, 0, true, nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified {
		t.Error("expected verified=false on measurement mismatch")
	}
	if len(result.Failures) != 1 {
		t.Errorf("Failures = %v, want exactly one", result.Failures)
	}
}

func TestVerifierChainCachesAcrossCalls(t *testing.T) {
	fields := reportFields{version: simulationMarker, tcb: [4]byte{1, 2, 3, 4}}
	fields.chipID[0] = 0xAB
	report, err := ParseReport(buildReport(fields))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}

	cache, err := OpenCertChainCache(t.TempDir() + "/certs.db")
	if err != nil {
		t.Fatalf("OpenCertChainCache: %v", err)
	}
	defer cache.Close()

	fetcher := &fakeFetcher{chain: &CertChain{VCEK: []byte("v"), ASK: []byte("a"), ARK: []byte("r")}}
	v := NewVerifier(cache, fetcher)

	if _, err := v.chain(t.Context(), report); err != nil {
		t.Fatalf("chain (first, cold): %v", err)
	}
	if _, err := v.chain(t.Context(), report); err != nil {
		t.Fatalf("chain (second, should be cached): %v", err)
	}
	if fetcher.called != 1 {
		t.Errorf("fetcher called %d times, want exactly 1 (second call should hit cache)", fetcher.called)
	}
}

func TestVerifyReportAgeFailure(t *testing.T) {
	fields := reportFields{version: simulationMarker}
	v := NewVerifier(nil, &fakeFetcher{})
	result, err := v.Verify(t.Context(), buildReport(fields), Policy{MaxAge: time.Minute}, time.Hour, true, nil, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Verified {
		t.Error("expected verified=false for stale report")
	}
}

// --- signature chain verification, exercised against real generated certs ---

func TestVerifySignatureChainAcceptsValidChain(t *testing.T) {
	arkPub, arkPriv, _ := ed25519.GenerateKey(rand.Reader)
	arkTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "ARK"}, NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	arkDER, err := x509.CreateCertificate(rand.Reader, arkTpl, arkTpl, arkPub, arkPriv)
	if err != nil {
		t.Fatalf("create ARK cert: %v", err)
	}
	ark, _ := x509.ParseCertificate(arkDER)

	askPub, askPriv, _ := ed25519.GenerateKey(rand.Reader)
	askTpl := &x509.Certificate{SerialNumber: big.NewInt(2), Subject: pkix.Name{CommonName: "ASK"}, NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	askDER, err := x509.CreateCertificate(rand.Reader, askTpl, ark, askPub, arkPriv)
	if err != nil {
		t.Fatalf("create ASK cert: %v", err)
	}

	vcekPub, vcekPriv, _ := ed25519.GenerateKey(rand.Reader)
	vcekTpl := &x509.Certificate{SerialNumber: big.NewInt(3), Subject: pkix.Name{CommonName: "VCEK"}, NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	askCert, _ := x509.ParseCertificate(askDER)
	vcekDER, err := x509.CreateCertificate(rand.Reader, vcekTpl, askCert, vcekPub, askPriv)
	if err != nil {
		t.Fatalf("create VCEK cert: %v", err)
	}

	chain := &CertChain{
		ARK:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: arkDER}),
		ASK:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: askDER}),
		VCEK: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: vcekDER}),
	}

	fields := reportFields{}
	fields.measurement[0] = 1
	raw := buildReport(fields)
	signReport(raw, vcekPriv)
	report, err := ParseReport(raw)
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}

	if failures := verifySignatureChain(chain, report); len(failures) != 0 {
		t.Errorf("verifySignatureChain() = %v, want no failures for a valid chain", failures)
	}
}

func TestVerifySignatureChainRejectsForgedReportSignature(t *testing.T) {
	arkPub, arkPriv, _ := ed25519.GenerateKey(rand.Reader)
	arkTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "ARK"}, NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	arkDER, _ := x509.CreateCertificate(rand.Reader, arkTpl, arkTpl, arkPub, arkPriv)
	ark, _ := x509.ParseCertificate(arkDER)

	askPub, askPriv, _ := ed25519.GenerateKey(rand.Reader)
	askTpl := &x509.Certificate{SerialNumber: big.NewInt(2), Subject: pkix.Name{CommonName: "ASK"}, NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	askDER, _ := x509.CreateCertificate(rand.Reader, askTpl, ark, askPub, arkPriv)
	askCert, _ := x509.ParseCertificate(askDER)

	vcekPub, _, _ := ed25519.GenerateKey(rand.Reader)
	vcekTpl := &x509.Certificate{SerialNumber: big.NewInt(3), Subject: pkix.Name{CommonName: "VCEK"}, NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	vcekDER, _ := x509.CreateCertificate(rand.Reader, vcekTpl, askCert, vcekPub, askPriv)

	chain := &CertChain{
		ARK:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: arkDER}),
		ASK:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: askDER}),
		VCEK: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: vcekDER}),
	}

	// Sign with an unrelated key instead of the VCEK's: the chain itself
	// parses and chains fine, but the report signature must not verify.
	_, forgerPriv, _ := ed25519.GenerateKey(rand.Reader)
	raw := buildReport(reportFields{})
	signReport(raw, forgerPriv)
	report, err := ParseReport(raw)
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}

	failures := verifySignatureChain(chain, report)
	if len(failures) == 0 {
		t.Fatal("expected failure for a report signed by a key other than the VCEK's")
	}
}

func TestVerifySignatureChainRejectsBrokenChain(t *testing.T) {
	arkPub, arkPriv, _ := ed25519.GenerateKey(rand.Reader)
	arkTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "ARK"}, NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	arkDER, _ := x509.CreateCertificate(rand.Reader, arkTpl, arkTpl, arkPub, arkPriv)

	otherPub, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	askTpl := &x509.Certificate{SerialNumber: big.NewInt(2), Subject: pkix.Name{CommonName: "ASK"}, NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	// self-signed with an unrelated key instead of being signed by ARK: the chain should not verify.
	askDER, _ := x509.CreateCertificate(rand.Reader, askTpl, askTpl, otherPub, otherPriv)

	vcekPub, vcekPriv, _ := ed25519.GenerateKey(rand.Reader)
	vcekTpl := &x509.Certificate{SerialNumber: big.NewInt(3), NotAfter: time.Now().Add(time.Hour), NotBefore: time.Now().Add(-time.Hour)}
	askCert, _ := x509.ParseCertificate(askDER)
	vcekDER, _ := x509.CreateCertificate(rand.Reader, vcekTpl, askCert, vcekPub, vcekPriv)

	chain := &CertChain{
		ARK:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: arkDER}),
		ASK:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: askDER}),
		VCEK: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: vcekDER}),
	}

	report, err := ParseReport(buildReport(reportFields{}))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}

	failures := verifySignatureChain(chain, report)
	if len(failures) == 0 {
		t.Fatal("expected failures for a chain whose signing cert was not actually issued by the root")
	}
}
