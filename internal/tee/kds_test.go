package tee

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testVCEKPEM = "-----BEGIN CERTIFICATE-----\nVCEKDATA\n-----END CERTIFICATE-----\n"
const testASKPEM = "-----BEGIN CERTIFICATE-----\nASKDATA\n-----END CERTIFICATE-----\n"
const testARKPEM = "-----BEGIN CERTIFICATE-----\nARKDATA\n-----END CERTIFICATE-----\n"

func TestKDSClientFetchChain(t *testing.T) {
	var gotVCEKQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/cert_chain"):
			w.Write([]byte(testASKPEM + testARKPEM))
		case strings.HasSuffix(r.URL.Path, "/deadbeef"):
			gotVCEKQuery = r.URL.RawQuery
			w.Write([]byte(testVCEKPEM))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewKDSClient(srv.URL)
	chain, err := client.FetchChain(t.Context(), "deadbeef", [4]uint8{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("FetchChain: %v", err)
	}

	if !strings.Contains(string(chain.VCEK), "VCEKDATA") {
		t.Errorf("VCEK = %q, missing expected content", chain.VCEK)
	}
	if !strings.Contains(string(chain.ASK), "ASKDATA") {
		t.Errorf("ASK = %q, missing expected content", chain.ASK)
	}
	if !strings.Contains(string(chain.ARK), "ARKDATA") {
		t.Errorf("ARK = %q, missing expected content", chain.ARK)
	}
	if gotVCEKQuery != "blSPL=1&teeSPL=2&snpSPL=3&ucodeSPL=4" {
		t.Errorf("VCEK query = %q, want SVNs in order", gotVCEKQuery)
	}
}

func TestKDSClientSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewKDSClient(srv.URL)
	if _, err := client.FetchChain(t.Context(), "chip", [4]uint8{}); err == nil {
		t.Fatal("expected error from failing KDS server")
	}
}

func TestSplitPEMBundle(t *testing.T) {
	ask, ark, err := splitPEMBundle([]byte(testASKPEM + testARKPEM))
	if err != nil {
		t.Fatalf("splitPEMBundle: %v", err)
	}
	if !strings.Contains(string(ask), "ASKDATA") {
		t.Errorf("ask = %q", ask)
	}
	if !strings.Contains(string(ark), "ARKDATA") {
		t.Errorf("ark = %q", ark)
	}
}

func TestSplitPEMBundleRejectsEmpty(t *testing.T) {
	if _, _, err := splitPEMBundle(nil); err == nil {
		t.Fatal("expected error for empty bundle")
	}
}
