package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/a3s-run/a3s/internal/boxtypes"
)

func TestNetworkConnectAllocatesLowestFreeIP(t *testing.T) {
	s := NewNetworkStore(filepath.Join(t.TempDir(), "networks.json"))

	n := &boxtypes.Network{
		ID:        "net1",
		Name:      "bridge",
		CIDR:      "10.10.0.0/30", // host range: .0 net, .1-.2 usable, .3 broadcast
		CreatedAt: time.Now(),
	}
	if err := s.Add(n); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ip1, err := s.Connect("net1", "box-a", "a")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ip1 != "10.10.0.1" {
		t.Errorf("first allocated IP = %q, want 10.10.0.1", ip1)
	}

	ip2, err := s.Connect("net1", "box-b", "b")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ip2 != "10.10.0.2" {
		t.Errorf("second allocated IP = %q, want 10.10.0.2", ip2)
	}

	if _, err := s.Connect("net1", "box-c", "c"); err == nil {
		t.Fatal("expected error when CIDR is exhausted")
	}

	if err := s.Disconnect("net1", "box-a"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	ip3, err := s.Connect("net1", "box-c", "c")
	if err != nil {
		t.Fatalf("Connect after disconnect: %v", err)
	}
	if ip3 != "10.10.0.1" {
		t.Errorf("reclaimed IP = %q, want 10.10.0.1", ip3)
	}
}

func TestNetworkRemoveRequiresForceWhenConnected(t *testing.T) {
	s := NewNetworkStore(filepath.Join(t.TempDir(), "networks.json"))

	n := &boxtypes.Network{ID: "net1", Name: "bridge", CIDR: "10.10.0.0/28", CreatedAt: time.Now()}
	if err := s.Add(n); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Connect("net1", "box-a", "a"); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove("net1", false); err == nil {
		t.Fatal("expected error removing connected network without force")
	}
	if err := s.Remove("net1", true); err != nil {
		t.Fatalf("Remove with force: %v", err)
	}
	if _, err := s.FindByID("net1"); err == nil {
		t.Fatal("expected network gone after forced removal")
	}
}

func TestVolumeAttachDetachAndForceRemove(t *testing.T) {
	s := NewVolumeStore(filepath.Join(t.TempDir(), "volumes.json"))

	v := &boxtypes.Volume{Name: "data", CreatedAt: time.Now()}
	if err := s.Add(v); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Attach("data", "box-a"); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := s.Remove("data", false); err == nil {
		t.Fatal("expected error removing attached volume without force")
	}

	if err := s.Detach("data", "box-a"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if err := s.Remove("data", false); err != nil {
		t.Fatalf("Remove after detach: %v", err)
	}
}
