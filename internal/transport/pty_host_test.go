package transport

import (
	"bufio"
	"bytes"
	"os/exec"
	"testing"

	"github.com/creack/pty"
)

// TestPTYFramingOverRealPTY exercises the wire format against a real
// host-side pseudo-terminal, standing in for the guest-side PTY session
// this channel is bridged to.
func TestPTYFramingOverRealPTY(t *testing.T) {
	cmd := exec.Command("/bin/echo", "framed")
	f, err := pty.Start(cmd)
	if err != nil {
		t.Skipf("pty unavailable in this environment: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewReader(f)
	line, err := scanner.ReadString('\n')
	if err != nil && line == "" {
		t.Fatalf("reading from pty: %v", err)
	}

	var buf bytes.Buffer
	if err := SendPTYData(&buf, []byte(line)); err != nil {
		t.Fatalf("SendPTYData: %v", err)
	}
	got, err := RecvPTYFrame(&buf)
	if err != nil {
		t.Fatalf("RecvPTYFrame: %v", err)
	}
	if string(got.Data) != line {
		t.Errorf("round-tripped PTY data = %q, want %q", got.Data, line)
	}

	cmd.Wait()
}
