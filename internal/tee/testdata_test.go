package tee

import (
	"crypto/ed25519"
	"encoding/binary"
)

// buildReport assembles a ReportSize-byte raw report with the given
// fields at their spec-defined offsets, zero-filling everything else;
// shared by report_test.go, verify_test.go, and tunnel_test.go.
func buildReport(t reportFields) []byte {
	raw := make([]byte, ReportSize)
	binary.LittleEndian.PutUint32(raw[offVersion:], t.version)
	binary.LittleEndian.PutUint64(raw[offPolicy:], t.policy)
	copy(raw[offMeasurement:offMeasurement+48], t.measurement[:])
	copy(raw[offReportData:offReportData+64], t.reportData[:])
	copy(raw[offChipID:offChipID+64], t.chipID[:])
	copy(raw[offCurrentTCB:offCurrentTCB+4], t.tcb[:])
	return raw
}

// signReport signs raw's signed region (everything before the signature
// field) with priv and writes the signature into raw in place.
func signReport(raw []byte, priv ed25519.PrivateKey) {
	sig := ed25519.Sign(priv, raw[:offSignature])
	copy(raw[offSignature:offSignature+len(sig)], sig)
}

type reportFields struct {
	version     uint32
	policy      uint64
	measurement [48]byte
	reportData  [64]byte
	chipID      [64]byte
	tcb         [4]byte
}
