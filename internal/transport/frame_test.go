package transport

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameExecRequest, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	typ, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if typ != FrameExecRequest {
		t.Errorf("type = %d, want %d", typ, FrameExecRequest)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q", payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FramePTYExit, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("payload = %v, want empty", payload)
	}
}

func TestReadFrameEOF(t *testing.T) {
	_, _, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestExecRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := ExecRequest{Argv: []string{"echo", "hi"}, User: "box"}
	if err := SendExecRequest(&buf, req); err != nil {
		t.Fatalf("SendExecRequest: %v", err)
	}
	got, err := RecvExecRequest(&buf)
	if err != nil {
		t.Fatalf("RecvExecRequest: %v", err)
	}
	if len(got.Argv) != 2 || got.Argv[0] != "echo" {
		t.Errorf("Argv = %v", got.Argv)
	}
	if got.Timeout() != defaultExecTimeout {
		t.Errorf("Timeout() = %v, want default", got.Timeout())
	}
}

func TestCappedBufferDropsExcess(t *testing.T) {
	c := NewCappedBuffer(4)
	n, err := c.Write([]byte("abcdefgh"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 8 {
		t.Errorf("Write returned %d, want 8 (reported length unaffected by capping)", n)
	}
	if string(c.Bytes()) != "abcd" {
		t.Errorf("Bytes() = %q, want truncated to 4 bytes", c.Bytes())
	}
}

func TestPTYFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := SendPTYRequest(&buf, PTYRequest{Argv: []string{"bash"}, Cols: 80, Rows: 24}); err != nil {
		t.Fatalf("SendPTYRequest: %v", err)
	}
	f, err := RecvPTYFrame(&buf)
	if err != nil {
		t.Fatalf("RecvPTYFrame: %v", err)
	}
	if f.Request == nil || f.Request.Cols != 80 {
		t.Errorf("Request = %+v", f.Request)
	}

	buf.Reset()
	if err := SendPTYData(&buf, []byte("ls\n")); err != nil {
		t.Fatalf("SendPTYData: %v", err)
	}
	f, err = RecvPTYFrame(&buf)
	if err != nil {
		t.Fatalf("RecvPTYFrame: %v", err)
	}
	if string(f.Data) != "ls\n" {
		t.Errorf("Data = %q", f.Data)
	}
}

func TestPTYDataTruncatedAtMaxPayload(t *testing.T) {
	var buf bytes.Buffer
	big := bytes.Repeat([]byte("x"), maxPTYPayload+100)
	if err := SendPTYData(&buf, big); err != nil {
		t.Fatalf("SendPTYData: %v", err)
	}
	f, err := RecvPTYFrame(&buf)
	if err != nil {
		t.Fatalf("RecvPTYFrame: %v", err)
	}
	if len(f.Data) != maxPTYPayload {
		t.Errorf("Data len = %d, want %d", len(f.Data), maxPTYPayload)
	}
}
