package rfb

import "errors"

var (
	ErrUnsupportedVersion  = errors.New("rfb: unsupported protocol version")
	ErrUnsupportedSecurity = errors.New("rfb: no supported security type")
	ErrAuthFailed          = errors.New("rfb: authentication failed")
	ErrProtocol            = errors.New("rfb: protocol violation")
	ErrNoFramebuffer       = errors.New("rfb: framebuffer allocation failed")
	ErrClosed              = errors.New("rfb: connection closed")
)

// ServerError carries a failure reason string sent by the server
// (connection refused during version/security negotiation, or a
// SecurityResult failure on RFB 3.8).
type ServerError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *ServerError) Error() string {
	if e.Reason == "" {
		return "rfb: " + e.Stage + ": " + e.Err.Error()
	}
	return "rfb: " + e.Stage + ": " + e.Reason
}

func (e *ServerError) Unwrap() error { return e.Err }
