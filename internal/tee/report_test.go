package tee

import "testing"

func TestParseReportRejectsWrongSize(t *testing.T) {
	_, err := ParseReport(make([]byte, ReportSize-1))
	if err == nil {
		t.Fatal("expected error for undersized report")
	}
}

func TestParseReportFields(t *testing.T) {
	var fields reportFields
	fields.version = 1
	fields.policy = guestPolicyNoDebugBit | guestPolicyNoSMTBit
	fields.measurement[0] = 0xAB
	fields.chipID[0] = 0xCD
	fields.tcb = [4]byte{2, 3, 4, 5}

	r, err := ParseReport(buildReport(fields))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if r.IsSimulated() {
		t.Error("version 1 should not be simulated")
	}
	if !r.noDebug() || !r.noSMT() {
		t.Error("expected both guest policy bits set")
	}
	if got, want := r.CurrentTCB, ([4]byte{2, 3, 4, 5}); got != want {
		t.Errorf("CurrentTCB = %v, want %v", got, want)
	}
	if got := r.ChipIDPrefix(4); got != "cd000000" {
		t.Errorf("ChipIDPrefix(4) = %q, want %q", got, "cd000000")
	}
}

func TestIsSimulated(t *testing.T) {
	fields := reportFields{version: simulationMarker}
	r, err := ParseReport(buildReport(fields))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if !r.IsSimulated() {
		t.Error("expected simulated report")
	}
}
