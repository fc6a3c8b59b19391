package deploy

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies an engine error by the operation that produced it.
type Kind string

const (
	KindPack       Kind = "pack"
	KindUnpack     Kind = "unpack"
	KindAuth       Kind = "auth"
	KindProxy      Kind = "proxy"
	KindConnection Kind = "connection"
	KindUpload     Kind = "upload"
	KindIntegrity  Kind = "integrity"
	KindDigest     Kind = "digest"
)

// Error is an error returned by the sync engine, classified by Kind.
// Detail optionally carries remote command output or other context.
type Error struct {
	Kind   Kind
	Err    error
	Detail string
}

// Error returns the string representation of an Error.
func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s => %s", e.Kind, e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient returns true if retrying the same operation unchanged may resolve
// this error. Connection and upload failures are expected to recover on retry.
// A proxy failure is only retried when the handshake timed out; authentication,
// integrity and digest failures never are.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindConnection, KindUpload:
		return true
	case KindProxy:
		return isTimeout(e.Err)
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}

// NewError wraps err as an engine Error of the given kind.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewErrorf creates an engine Error of the given kind from a format string.
func NewErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Transient reports whether err is classified as transient. Errors that are
// not engine Errors are considered transient when they are network timeouts.
func Transient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient()
	}
	return isTimeout(err)
}

// IsKind reports whether err is an engine Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
