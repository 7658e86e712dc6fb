package vnc

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/e7canasta/vnc-capture/internal/rfb"
)

// ErrorCategory classifies session failures for telemetry
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates transport failures (refused, reset, timeout, EOF)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryAuth indicates a rejected credential
	ErrCategoryAuth
	// ErrCategoryProtocol indicates a handshake or decoding failure
	ErrCategoryProtocol
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryAuth:
		return "auth"
	case ErrCategoryProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes a connect or poll failure.
//
// Typed errors are checked first (rfb sentinels, net.Error, syscall
// errnos). Errors that crossed a boundary as plain strings fall back to
// keyword matching.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	switch {
	case errors.Is(err, rfb.ErrAuthFailed):
		return ErrCategoryAuth
	case errors.Is(err, rfb.ErrProtocol),
		errors.Is(err, rfb.ErrUnsupportedVersion),
		errors.Is(err, rfb.ErrUnsupportedSecurity),
		errors.Is(err, rfb.ErrNoFramebuffer):
		return ErrCategoryProtocol
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ErrCategoryNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrCategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "authentication", "password", "unauthorized"):
		return ErrCategoryAuth
	case containsAny(msg, "protocol", "encoding", "version", "security"):
		return ErrCategoryProtocol
	case containsAny(msg, "connection", "timeout", "refused", "reset", "broken pipe", "no route", "unreachable", "eof"):
		return ErrCategoryNetwork
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
