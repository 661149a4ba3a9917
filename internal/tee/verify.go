package tee

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// chipIDCachePrefixLen is how much of the 64-byte chip ID is used as the
// cache key's chip_id_prefix; the full ID is already unique per chip, but
// a shorter prefix keeps cache keys compact and still collision-free in
// practice across a fleet's chip population.
const chipIDCachePrefixLen = 16

// Verifier runs the attestation pipeline of spec §4.15 steps 1-7: parse,
// gate simulated reports, fetch the cert chain, verify the signature
// chain, check the nonce bind, evaluate policy, and report the verdict.
type Verifier struct {
	Cache   *CertChainCache
	Fetcher CertFetcher
}

// NewVerifier builds a Verifier backed by cache and a KDS client.
func NewVerifier(cache *CertChainCache, fetcher CertFetcher) *Verifier {
	return &Verifier{Cache: cache, Fetcher: fetcher}
}

// Verify runs the full pipeline against raw report bytes. nonce is the
// caller-supplied value the report's report_data is expected to bind to
// alongside publicKey (RA-TLS bind, spec §4.15 tunnel operations and
// "Attest bind" testable property); pass nil publicKey/nonce to skip the
// bind check (plain attestation status queries have none).
func (v *Verifier) Verify(ctx context.Context, raw []byte, policy Policy, reportAge time.Duration, allowSimulated bool, publicKey, nonce []byte) (*VerificationResult, error) {
	report, err := ParseReport(raw)
	if err != nil {
		return nil, err
	}

	platform := "sev-snp"
	if report.IsSimulated() {
		platform = "simulated"
		if !allowSimulated {
			return nil, boxerr.New(boxerr.KindAttestationError, "report carries the simulation marker but allow_simulated was not set")
		}
	}

	result := &VerificationResult{Platform: platform}

	if !report.IsSimulated() {
		chain, err := v.chain(ctx, report)
		if err != nil {
			return nil, err
		}
		if failures := verifySignatureChain(chain, report); len(failures) > 0 {
			result.Failures = append(result.Failures, failures...)
		}
	}

	if publicKey != nil {
		if failures := checkBind(report, publicKey, nonce); len(failures) > 0 {
			result.Failures = append(result.Failures, failures...)
		}
	}

	result.Failures = append(result.Failures, policy.evaluate(report, reportAge)...)
	result.Verified = len(result.Failures) == 0
	return result, nil
}

// chain returns the cert chain for report's chip/TCB, trying the cache
// before falling back to the KDS fetcher and populating the cache on a
// successful fetch (spec §4.15 step 3).
func (v *Verifier) chain(ctx context.Context, report *Report) (*CertChain, error) {
	prefix := report.ChipIDPrefix(chipIDCachePrefixLen)
	tcb := [4]uint8(report.CurrentTCB)

	if v.Cache != nil {
		if chain, ok, err := v.Cache.Get(ctx, prefix, tcb); err != nil {
			return nil, err
		} else if ok {
			return chain, nil
		}
	}

	chain, err := v.Fetcher.FetchChain(ctx, prefix, tcb)
	if err != nil {
		return nil, err
	}
	if v.Cache != nil {
		if err := v.Cache.Put(ctx, prefix, tcb, chain); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// verifySignatureChain checks root -> signing -> chip certificate
// signatures and the chip cert's signature over the report (spec §4.15
// step 4-5). It returns human-readable failure descriptions rather than
// an error so a malformed chain degrades to "verified=false" like any
// other policy failure instead of aborting the pipeline.
func verifySignatureChain(chain *CertChain, report *Report) []string {
	ark, err := parsePEMCert(chain.ARK)
	if err != nil {
		return []string{"root cert unparseable"}
	}
	ask, err := parsePEMCert(chain.ASK)
	if err != nil {
		return []string{"signing cert unparseable"}
	}
	vcek, err := parsePEMCert(chain.VCEK)
	if err != nil {
		return []string{"chip cert unparseable"}
	}

	var failures []string
	if err := ark.CheckSignature(ask.SignatureAlgorithm, ask.RawTBSCertificate, ask.Signature); err != nil {
		failures = append(failures, "root does not vouch for signing cert")
	}
	if err := ask.CheckSignature(vcek.SignatureAlgorithm, vcek.RawTBSCertificate, vcek.Signature); err != nil {
		failures = append(failures, "signing cert does not vouch for chip cert")
	}
	if err := verifyReportSignature(vcek, report); err != nil {
		failures = append(failures, fmt.Sprintf("report signature invalid: %v", err))
	}
	return failures
}

// verifyReportSignature checks the chip cert's public key signs the
// report's signed region (everything before the signature field, spec
// §4.15 step 5 "chip cert verifies report signature"). The signature is
// carried in the report's fixed 512-byte Signature field; an ed25519
// signature occupies its first ed25519.SignatureSize bytes and the rest
// is zero-padded to fill the ABI-sized field.
func verifyReportSignature(vcek *x509.Certificate, report *Report) error {
	pub, ok := vcek.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("chip cert public key is %T, want ed25519.PublicKey", vcek.PublicKey)
	}
	if len(report.Raw) < offSignature {
		return fmt.Errorf("report too short to carry a signed region")
	}
	sig := report.Signature[:ed25519.SignatureSize]
	if !ed25519.Verify(pub, report.Raw[:offSignature], sig) {
		return fmt.Errorf("signature does not verify against chip cert key")
	}
	return nil
}

func parsePEMCert(der []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(der)
	if block == nil {
		return x509.ParseCertificate(der)
	}
	return x509.ParseCertificate(block.Bytes)
}

// checkBind verifies the report's report_data equals hash(publicKey ||
// nonce), the RA-TLS server-cert binding described in spec §4.15 and the
// "Attest bind" testable property.
func checkBind(report *Report, publicKey, nonce []byte) []string {
	h := sha256.New()
	h.Write(publicKey)
	h.Write(nonce)
	want := h.Sum(nil)

	if len(want) > len(report.ReportData) || string(report.ReportData[:len(want)]) != string(want) {
		return []string{"report_data does not bind to session key and nonce"}
	}
	return nil
}
