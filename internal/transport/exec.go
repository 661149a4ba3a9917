package transport

import (
	"encoding/json"
	"io"
	"time"

	"github.com/a3s-run/a3s/internal/boxerr"
)

const (
	FrameExecRequest FrameType = 1
	FrameExecOutput  FrameType = 2
)

const (
	defaultExecTimeout = 5 * time.Second
	maxExecOutputBytes = 16 * 1024 * 1024
)

// ExecRequest is the synchronous exec RPC's request payload.
type ExecRequest struct {
	Argv    []string          `json:"argv"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	Stdin   []byte            `json:"stdin,omitempty"`
	User    string            `json:"user,omitempty"`
	// TimeoutNS is nanoseconds; 0 means defaultExecTimeout.
	TimeoutNS int64 `json:"timeoutNs,omitempty"`
}

// Timeout resolves the effective timeout, applying the 0 => 5s default.
func (r ExecRequest) Timeout() time.Duration {
	if r.TimeoutNS <= 0 {
		return defaultExecTimeout
	}
	return time.Duration(r.TimeoutNS)
}

// ExecOutput is the exec RPC's response payload. Stdout/Stderr are capped
// at maxExecOutputBytes; bytes beyond the cap are silently dropped.
type ExecOutput struct {
	ExitCode int    `json:"exitCode"`
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
}

// CappedBuffer drops writes past its limit instead of growing unbounded.
type CappedBuffer struct {
	limit int
	buf   []byte
}

func NewCappedBuffer(limit int) *CappedBuffer {
	if limit <= 0 {
		limit = maxExecOutputBytes
	}
	return &CappedBuffer{limit: limit}
}

func (c *CappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - len(c.buf)
	if remaining <= 0 {
		return len(p), nil // silently drop
	}
	if len(p) > remaining {
		c.buf = append(c.buf, p[:remaining]...)
	} else {
		c.buf = append(c.buf, p...)
	}
	return len(p), nil
}

func (c *CappedBuffer) Bytes() []byte { return c.buf }

// SendExecRequest writes req as an exec-request frame.
func SendExecRequest(w io.Writer, req ExecRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling exec request")
	}
	return WriteFrame(w, FrameExecRequest, data)
}

// RecvExecRequest reads and decodes one exec-request frame.
func RecvExecRequest(r io.Reader) (ExecRequest, error) {
	typ, payload, err := ReadFrame(r)
	if err != nil {
		return ExecRequest{}, err
	}
	if typ != FrameExecRequest {
		return ExecRequest{}, boxerr.New(boxerr.KindIoError, "expected exec request frame, got type %d", typ)
	}
	var req ExecRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return ExecRequest{}, boxerr.Wrap(boxerr.KindIoError, err, "decoding exec request")
	}
	return req, nil
}

// SendExecOutput writes out as an exec-output frame.
func SendExecOutput(w io.Writer, out ExecOutput) error {
	data, err := json.Marshal(out)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling exec output")
	}
	return WriteFrame(w, FrameExecOutput, data)
}

// RecvExecOutput reads and decodes one exec-output frame.
func RecvExecOutput(r io.Reader) (ExecOutput, error) {
	typ, payload, err := ReadFrame(r)
	if err != nil {
		return ExecOutput{}, err
	}
	if typ != FrameExecOutput {
		return ExecOutput{}, boxerr.New(boxerr.KindIoError, "expected exec output frame, got type %d", typ)
	}
	var out ExecOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return ExecOutput{}, boxerr.Wrap(boxerr.KindIoError, err, "decoding exec output")
	}
	return out, nil
}
