// Package boxerr defines the error taxonomy from spec §7. Kinds are
// contracts, not types to switch on exhaustively: callers use errors.Is
// against the exported sentinels, or errors.As against *Error to inspect
// Kind/Hint/Cause.
package boxerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInvalidReference    Kind = "InvalidReference"
	KindInvalidConfig       Kind = "InvalidConfig"
	KindNotFound            Kind = "NotFound"
	KindAmbiguous           Kind = "Ambiguous"
	KindRegistryError       Kind = "RegistryError"
	KindLayerDigestMismatch Kind = "LayerDigestMismatch"
	KindUnsupportedManifest Kind = "UnsupportedManifest"
	KindBoxBootError        Kind = "BoxBootError"
	KindTeeNotSupported     Kind = "TeeNotSupported"
	KindTeeConfig           Kind = "TeeConfig"
	KindAttestationError    Kind = "AttestationError"
	KindQueueError          Kind = "QueueError"
	KindNetworkError        Kind = "NetworkError"
	KindVolumeError         Kind = "VolumeError"
	KindTimeoutError        Kind = "TimeoutError"
	KindIoError             Kind = "IoError"
)

// Error is the taxonomy-carrying error type. Human-oriented commands print
// Error() and exit non-zero; the daemon's JSON error responses carry
// Error() in an "error" field and Kind in a "kind" field (see
// internal/daemon's writeBoxErr).
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Hint != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Hint)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func WithHint(kind Kind, hint, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Hint: hint}
}

// KindOf extracts the Kind of err, if it (or something it wraps) is an
// *Error; otherwise returns KindIoError as a conservative default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIoError
}

// Ambiguous is returned by the resolver (C16) when a prefix query matches
// more than one record.
type Ambiguous struct {
	Query string
	Count int
}

func (a *Ambiguous) Error() string {
	return fmt.Sprintf("%q matched %d records", a.Query, a.Count)
}

var ErrNotFound = errors.New("not found")
