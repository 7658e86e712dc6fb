package vnc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/vnc-capture/internal/rfb"
	"github.com/google/uuid"
)

// Conn is the part of the RFB client a session drives. *rfb.Client
// satisfies it.
type Conn interface {
	SetAppData(a rfb.AppData)
	SetFormatAndEncodings() error
	SetDSCP(dscp int) error
	WaitForMessage(timeout time.Duration) (int, error)
	HandleServerMessage() error
	Close() error
}

// Dialer opens and initialises a connection for the given settings. On
// error the connection must already be closed.
type Dialer interface {
	Dial(s Settings, h rfb.Handler) (Conn, error)
}

// RFBDialer dials real servers with internal/rfb.
type RFBDialer struct {
	// DialTimeout bounds the TCP connect (default 10s)
	DialTimeout time.Duration
	// HandshakeTimeout bounds the RFB handshake and each message read
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d RFBDialer) Dial(s Settings, h rfb.Handler) (Conn, error) {
	c := rfb.NewClient(h)
	c.ProgramName = "vnc-capture"
	c.ServerHost = s.Host
	c.ServerPort = s.Port
	c.AppData = AppData(s)
	c.QoSDSCP = s.DSCP
	c.Format = rfb.FormatBGRX
	c.CanHandleNewFBSize = true
	if d.DialTimeout > 0 {
		c.DialTimeout = d.DialTimeout
	}
	if d.HandshakeTimeout > 0 {
		c.MessageTimeout = d.HandshakeTimeout
	}

	if err := c.Init(); err != nil {
		return nil, err
	}
	return c, nil
}

// AppData translates the encoding settings into the client's outgoing
// negotiation fields.
func AppData(s Settings) rfb.AppData {
	return rfb.AppData{
		Encodings:     s.Encoding.PreferenceString(),
		CompressLevel: s.CompressLevel,
		EnableJPEG:    s.EnableJPEG,
		QualityLevel:  s.QualityLevel,
	}
}

// PollResult is the outcome of one Poll.
type PollResult int

const (
	PollTimedOut PollResult = iota
	PollUpdated
	PollFailed
)

func (r PollResult) String() string {
	switch r {
	case PollTimedOut:
		return "timeout"
	case PollUpdated:
		return "update"
	case PollFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Session is one live connection. It is owned by the capture goroutine
// and never reused after Teardown.
type Session struct {
	ID      string
	Host    string
	Port    int
	Started time.Time

	conn  Conn
	hooks *sessionHooks
}

// Open connects using a snapshot of src's settings. The hooks decode into
// frame. On failure nothing is left to clean up.
func Open(d Dialer, src Source, frame *FrameState, now func() time.Time, stats *LoopStats) (*Session, error) {
	if src == nil {
		return nil, fmt.Errorf("vnc: open without a source")
	}
	if now == nil {
		now = time.Now
	}

	settings := src.Settings()
	id := uuid.New().String()
	hooks := &sessionHooks{
		src:       src,
		frame:     frame,
		now:       now,
		sessionID: id,
		stats:     stats,
	}

	slog.Info("vnc: connecting",
		"host", settings.Host,
		"port", settings.Port,
		"encodings", settings.Encoding.PreferenceString(),
		"session_id", id,
	)

	conn, err := d.Dial(settings, hooks)
	if err != nil {
		return nil, fmt.Errorf("vnc: connect %s:%d: %w", settings.Host, settings.Port, err)
	}

	slog.Info("vnc: connected",
		"host", settings.Host,
		"port", settings.Port,
		"session_id", id,
	)

	return &Session{
		ID:      id,
		Host:    settings.Host,
		Port:    settings.Port,
		Started: now(),
		conn:    conn,
		hooks:   hooks,
	}, nil
}

// ApplyEncodings pushes new encoding settings and renegotiates the pixel
// format and encodings with the server.
func (s *Session) ApplyEncodings(settings Settings) error {
	s.conn.SetAppData(AppData(settings))
	if err := s.conn.SetFormatAndEncodings(); err != nil {
		return fmt.Errorf("vnc: renegotiate encodings: %w", err)
	}
	return nil
}

// ApplyDSCP re-marks the open socket.
func (s *Session) ApplyDSCP(dscp int) error {
	if err := s.conn.SetDSCP(dscp); err != nil {
		return fmt.Errorf("vnc: set DSCP %d: %w", dscp, err)
	}
	return nil
}

// Poll waits up to timeout for server traffic and handles one message if
// any arrived. A non-nil error accompanies PollFailed.
func (s *Session) Poll(timeout time.Duration) (PollResult, error) {
	n, err := s.conn.WaitForMessage(timeout)
	switch {
	case n > 0:
		if err := s.conn.HandleServerMessage(); err != nil {
			return PollFailed, err
		}
		return PollUpdated, nil
	case n < 0:
		if err == nil {
			err = fmt.Errorf("vnc: wait for message returned %d", n)
		}
		return PollFailed, err
	default:
		return PollTimedOut, nil
	}
}

// Teardown closes the connection.
func (s *Session) Teardown() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		slog.Debug("vnc: close connection", "session_id", s.ID, "error", err)
	}
	s.conn = nil
}
