package transport

import (
	"encoding/json"
	"io"

	"github.com/a3s-run/a3s/internal/boxerr"
)

const (
	FramePTYRequest FrameType = 10
	FramePTYData    FrameType = 11
	FramePTYResize  FrameType = 12
	FramePTYExit    FrameType = 13
	FramePTYError   FrameType = 14
)

const maxPTYPayload = 64 * 1024

// PTYRequest opens an interactive session.
type PTYRequest struct {
	Argv    []string          `json:"argv"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	User    string            `json:"user,omitempty"`
	Cols    uint16            `json:"cols"`
	Rows    uint16            `json:"rows"`
}

// PTYResize retargets an already-open session's terminal dimensions.
type PTYResize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// PTYExit reports the session's final exit code before the server closes.
type PTYExit struct {
	ExitCode int `json:"exitCode"`
}

// PTYError carries a terminal failure message.
type PTYError struct {
	Message string `json:"message"`
}

func SendPTYRequest(w io.Writer, req PTYRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling PTY request")
	}
	return WriteFrame(w, FramePTYRequest, data)
}

// SendPTYData writes a raw data frame, truncating the payload to
// maxPTYPayload per the channel's frame-size cap.
func SendPTYData(w io.Writer, data []byte) error {
	if len(data) > maxPTYPayload {
		data = data[:maxPTYPayload]
	}
	return WriteFrame(w, FramePTYData, data)
}

func SendPTYResize(w io.Writer, r PTYResize) error {
	data, err := json.Marshal(r)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling PTY resize")
	}
	return WriteFrame(w, FramePTYResize, data)
}

func SendPTYExit(w io.Writer, e PTYExit) error {
	data, err := json.Marshal(e)
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling PTY exit")
	}
	return WriteFrame(w, FramePTYExit, data)
}

func SendPTYError(w io.Writer, msg string) error {
	data, err := json.Marshal(PTYError{Message: msg})
	if err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "marshaling PTY error")
	}
	return WriteFrame(w, FramePTYError, data)
}

// PTYFrame is a decoded frame from the PTY channel, with exactly one of its
// typed fields populated depending on Type.
type PTYFrame struct {
	Type    FrameType
	Request *PTYRequest
	Data    []byte
	Resize  *PTYResize
	Exit    *PTYExit
	Error   *PTYError
}

func RecvPTYFrame(r io.Reader) (*PTYFrame, error) {
	typ, payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	f := &PTYFrame{Type: typ}
	switch typ {
	case FramePTYRequest:
		var req PTYRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "decoding PTY request")
		}
		f.Request = &req
	case FramePTYData:
		f.Data = payload
	case FramePTYResize:
		var r PTYResize
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "decoding PTY resize")
		}
		f.Resize = &r
	case FramePTYExit:
		var e PTYExit
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "decoding PTY exit")
		}
		f.Exit = &e
	case FramePTYError:
		var e PTYError
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, boxerr.Wrap(boxerr.KindIoError, err, "decoding PTY error")
		}
		f.Error = &e
	default:
		return nil, boxerr.New(boxerr.KindIoError, "unknown PTY frame type %d", typ)
	}
	return f, nil
}
