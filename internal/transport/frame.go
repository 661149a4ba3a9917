// Package transport implements the wire framing shared by the exec, PTY,
// and attestation channels bridged between a box's per-box Unix sockets
// and the guest agent's vsock ports, per spec §4.11.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/a3s-run/a3s/internal/boxerr"
)

// FrameType tags a frame's payload shape. Values are channel-specific; the
// exec and PTY channels each define their own small enum below.
type FrameType uint8

const maxFrameLen = 64 * 1024 * 1024 // generous ceiling; channel-specific caps apply to payload content, not framing

// WriteFrame writes [type:u8][length:u32 BE][payload] to w.
func WriteFrame(w io.Writer, typ FrameType, payload []byte) error {
	header := make([]byte, 5)
	header[0] = byte(typ)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return boxerr.Wrap(boxerr.KindIoError, err, "writing frame header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return boxerr.Wrap(boxerr.KindIoError, err, "writing frame payload")
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err // io.EOF propagates unwrapped so callers can detect clean close
	}
	typ := FrameType(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameLen {
		return 0, nil, boxerr.New(boxerr.KindIoError, "frame length %d exceeds maximum %d", length, maxFrameLen)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, boxerr.Wrap(boxerr.KindIoError, err, "reading frame payload")
		}
	}
	return typ, payload, nil
}
