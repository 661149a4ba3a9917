package rootfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildSkeletonAndAgent(t *testing.T) {
	root := t.TempDir()
	agentSrc := filepath.Join(t.TempDir(), "a3s-agent")
	if err := os.WriteFile(agentSrc, []byte("#!/bin/sh\necho agent\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	result, err := Build(root, BuildOptions{
		Agent: AgentBinary{SourcePath: agentSrc, GuestPath: "a3s/agent/a3s-agent"},
		Network: NetworkConfig{
			Fallback: []string{"8.8.8.8"},
			Hostname: "mybox",
			LocalIP:  "10.0.0.2",
			Peers:    map[string]string{"other": "10.0.0.3"},
		},
		Labels: map[string]string{
			"a3s.box.llm.provider": "anthropic",
			"unrelated.label":      "ignored",
		},
		Snapshot: true,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, dir := range []string{"a3s", "a3s/agent", "workspace", "skills", "dev/pts"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("expected skeleton dir %q, err=%v", dir, err)
		}
	}

	if _, err := os.Stat(filepath.Join(root, "a3s/agent/a3s-agent")); err != nil {
		t.Errorf("agent binary not injected: %v", err)
	}

	resolv, err := os.ReadFile(filepath.Join(root, "etc/resolv.conf"))
	if err != nil {
		t.Fatalf("reading resolv.conf: %v", err)
	}
	if !strings.Contains(string(resolv), "nameserver 8.8.8.8") {
		t.Errorf("resolv.conf missing fallback DNS: %q", resolv)
	}

	hosts, err := os.ReadFile(filepath.Join(root, "etc/hosts"))
	if err != nil {
		t.Fatalf("reading hosts: %v", err)
	}
	if !strings.Contains(string(hosts), "10.0.0.2\tmybox") {
		t.Errorf("hosts missing local entry: %q", hosts)
	}
	if !strings.Contains(string(hosts), "10.0.0.3\tother") {
		t.Errorf("hosts missing peer entry: %q", hosts)
	}

	cfgData, err := os.ReadFile(filepath.Join(root, "a3s/agent/config.json"))
	if err != nil {
		t.Fatalf("reading agent config: %v", err)
	}
	if !strings.Contains(string(cfgData), `"llm.provider": "anthropic"`) {
		t.Errorf("agent config missing mapped label: %q", cfgData)
	}
	if strings.Contains(string(cfgData), "unrelated") {
		t.Errorf("agent config should not include labels outside a3s.box.*: %q", cfgData)
	}

	if len(result.Snapshot) == 0 {
		t.Error("expected non-empty snapshot")
	}
	if _, ok := result.Snapshot["workspace"]; !ok {
		t.Error("snapshot missing workspace dir entry")
	}
}

func TestResolvConfDNSPriority(t *testing.T) {
	root := t.TempDir()
	if _, err := Build(root, BuildOptions{
		Network: NetworkConfig{
			DNSServers: []string{"10.1.1.1"},
			HostDNS:    []string{"10.2.2.2"},
			Fallback:   []string{"8.8.8.8"},
		},
	}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "etc/resolv.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "10.1.1.1") || strings.Contains(string(data), "10.2.2.2") {
		t.Errorf("expected configured DNS to take priority, got %q", data)
	}
}
