// Package tee implements AMD SEV-SNP-style attestation report
// verification and the RA-TLS guest tunnel (spec §4.15): parse and verify
// reports against a chain of trust and a policy, then inject secrets,
// seal, or unseal through an authenticated channel to the guest.
package tee

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// ReportSize is the fixed wire size of an AMD SEV-SNP attestation report.
const ReportSize = 1184

// simulationMarker is the version sentinel a report carries when it was
// produced by a software simulator rather than real silicon.
const simulationMarker = 0xA3

// Report is the parsed subset of an attestation report's fields needed
// for verification; byte offsets follow the SEV-SNP ATTESTATION_REPORT
// layout.
type Report struct {
	Version      uint32
	GuestSVN     uint32
	PolicyBits   uint64
	Measurement  [48]byte
	ReportData   [64]byte
	ChipID       [64]byte
	CurrentTCB   [4]byte // bootloader, tee, snp, microcode SVNs
	Signature    [512]byte
	Raw          []byte
}

// IsSimulated reports whether Version carries the simulation sentinel.
func (r *Report) IsSimulated() bool { return r.Version == simulationMarker }

// ChipIDPrefix returns the hex-encoded prefix of ChipID used as half of
// the cert-chain cache key.
func (r *Report) ChipIDPrefix(n int) string {
	if n > len(r.ChipID) {
		n = len(r.ChipID)
	}
	return hex.EncodeToString(r.ChipID[:n])
}

// MeasurementHex hex-encodes Measurement for comparison against policy.
func (r *Report) MeasurementHex() string { return hex.EncodeToString(r.Measurement[:]) }

// field offsets within the 1184-byte report, per the SEV-SNP ABI.
const (
	offVersion     = 0x000
	offGuestSVN    = 0x004
	offPolicy      = 0x008
	offMeasurement = 0x090
	offReportData  = 0x050
	offChipID      = 0x1A0
	offCurrentTCB  = 0x180
	offSignature   = 0x2A0
)

// ParseReport parses raw as a fixed-size attestation report.
func ParseReport(raw []byte) (*Report, error) {
	if len(raw) != ReportSize {
		return nil, boxerr.New(boxerr.KindAttestationError, "report is %d bytes, want %d", len(raw), ReportSize)
	}

	r := &Report{Raw: append([]byte(nil), raw...)}
	r.Version = binary.LittleEndian.Uint32(raw[offVersion:])
	r.GuestSVN = binary.LittleEndian.Uint32(raw[offGuestSVN:])
	r.PolicyBits = binary.LittleEndian.Uint64(raw[offPolicy:])
	copy(r.Measurement[:], raw[offMeasurement:offMeasurement+48])
	copy(r.ReportData[:], raw[offReportData:offReportData+64])
	copy(r.ChipID[:], raw[offChipID:offChipID+64])
	copy(r.CurrentTCB[:], raw[offCurrentTCB:offCurrentTCB+4])

	if offSignature+512 <= len(raw) {
		copy(r.Signature[:], raw[offSignature:offSignature+512])
	}

	return r, nil
}

// guestPolicyNoDebugBit / guestPolicyNoSMTBit are the two guest-policy bits
// the runtime's policy can require be set; a set bit means the guest forbids
// debugging or SMT respectively (spec §4.15 step 6).
const (
	guestPolicyNoDebugBit = 1 << 0
	guestPolicyNoSMTBit   = 1 << 1
)

func (r *Report) noDebug() bool { return r.PolicyBits&guestPolicyNoDebugBit != 0 }
func (r *Report) noSMT() bool   { return r.PolicyBits&guestPolicyNoSMTBit != 0 }
