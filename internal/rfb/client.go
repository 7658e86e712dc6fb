// Package rfb is a small RFB (VNC) client: version/security negotiation,
// ServerInit, pixel-format and encoding negotiation, and decoding of
// framebuffer updates into a caller-owned 32bpp buffer.
//
// The client never spawns goroutines. Every callback into the Handler runs
// synchronously on the goroutine calling Init or HandleServerMessage.
package rfb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"
)

const (
	secInvalid uint8 = 0
	secNone    uint8 = 1
	secVNCAuth uint8 = 2
)

// Client-to-server message types.
const (
	msgSetPixelFormat           = 0
	msgSetEncodings             = 2
	msgFramebufferUpdateRequest = 3
)

// Server-to-client message types.
const (
	msgFramebufferUpdate   = 0
	msgSetColourMapEntries = 1
	msgBell                = 2
	msgServerCutText       = 3
)

const (
	maxFramebufferPixels = 16384 * 16384
	maxCutText           = 10 << 20
	maxDesktopName       = 1 << 16
)

// Handler is the capability set a Client calls back into.
type Handler interface {
	// Password supplies the credential for VNC authentication.
	Password(c *Client) string

	// AllocateFramebuffer is called after ServerInit and on every
	// DesktopSize change. It must set c.FrameBuffer to at least
	// c.Width*c.Height*4 bytes. Returning false aborts the session.
	AllocateFramebuffer(c *Client) bool

	// FramebufferUpdated reports a decoded rectangle.
	FramebufferUpdated(c *Client, x, y, w, h int)
}

// AppData holds the outgoing negotiation fields.
type AppData struct {
	// Encodings is a space separated preference list, e.g. "tight copyrect".
	Encodings     string
	CompressLevel int
	EnableJPEG    bool
	QualityLevel  int
}

// PixelFormat is the RFB PIXEL_FORMAT structure.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColour   bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// FormatBGRX is 32bpp little-endian true colour, red at shift 16, green at
// 8 and blue at 0. In memory each pixel is B, G, R, X.
var FormatBGRX = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	TrueColour:   true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

func (pf PixelFormat) marshal() []byte {
	b := make([]byte, 16)
	b[0] = pf.BitsPerPixel
	b[1] = pf.Depth
	if pf.BigEndian {
		b[2] = 1
	}
	if pf.TrueColour {
		b[3] = 1
	}
	binary.BigEndian.PutUint16(b[4:], pf.RedMax)
	binary.BigEndian.PutUint16(b[6:], pf.GreenMax)
	binary.BigEndian.PutUint16(b[8:], pf.BlueMax)
	b[10] = pf.RedShift
	b[11] = pf.GreenShift
	b[12] = pf.BlueShift
	return b
}

func parsePixelFormat(b []byte) PixelFormat {
	return PixelFormat{
		BitsPerPixel: b[0],
		Depth:        b[1],
		BigEndian:    b[2] != 0,
		TrueColour:   b[3] != 0,
		RedMax:       binary.BigEndian.Uint16(b[4:]),
		GreenMax:     binary.BigEndian.Uint16(b[6:]),
		BlueMax:      binary.BigEndian.Uint16(b[8:]),
		RedShift:     b[10],
		GreenShift:   b[11],
		BlueShift:    b[12],
	}
}

// DialFunc opens the transport. Defaults to a TCP dial with DialTimeout.
type DialFunc func(network, address string) (net.Conn, error)

// Client is one RFB connection. A Client is single use: after Init fails
// or Close is called it cannot be reused.
type Client struct {
	// Connection target and negotiation settings, set before Init.
	ServerHost         string
	ServerPort         int
	ProgramName        string
	AppData            AppData
	QoSDSCP            int
	Format             PixelFormat
	CanHandleNewFBSize bool
	DialTimeout        time.Duration
	MessageTimeout     time.Duration
	Dial               DialFunc

	// Filled in by the handshake.
	ProtocolMajor int
	ProtocolMinor int
	Width         int
	Height        int
	DesktopName   string
	ServerFormat  PixelFormat

	// FrameBuffer is the decode target, owned by the Handler.
	FrameBuffer []byte

	handler Handler
	conn    net.Conn
	r       *bufio.Reader
	zlib    zlibStream
	zrle    zlibStream
	tight   [4]zlibStream
	closed  bool
}

// NewClient returns a client configured for BGRX decoding.
func NewClient(handler Handler) *Client {
	return &Client{
		ProgramName:        "vnc-capture",
		Format:             FormatBGRX,
		CanHandleNewFBSize: true,
		DialTimeout:        10 * time.Second,
		MessageTimeout:     10 * time.Second,
		AppData: AppData{
			Encodings:     "tight zrle ultra copyrect hextile zlib corre rre raw",
			CompressLevel: 3,
			QualityLevel:  5,
		},
		handler: handler,
	}
}

// Init connects and runs the full handshake: version, security,
// ClientInit/ServerInit, framebuffer allocation, SetPixelFormat,
// SetEncodings and the first full update request. On failure the
// connection is closed before returning.
func (c *Client) Init() error {
	if c.closed {
		return ErrClosed
	}
	if c.Format.BitsPerPixel != 32 {
		c.Close()
		return fmt.Errorf("rfb: unsupported client pixel format (%d bpp)", c.Format.BitsPerPixel)
	}

	if err := c.connect(); err != nil {
		c.Close()
		return err
	}
	if err := c.handshake(); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *Client) connect() error {
	addr := net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))

	dial := c.Dial
	if dial == nil {
		d := net.Dialer{Timeout: c.DialTimeout}
		dial = d.Dial
	}

	conn, err := dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("rfb: dial %s: %w", addr, err)
	}
	c.conn = conn
	c.r = bufio.NewReaderSize(conn, 64*1024)

	if c.QoSDSCP != 0 {
		if err := setDSCP(conn, c.QoSDSCP); err != nil {
			slog.Warn("rfb: failed to apply DSCP", "dscp", c.QoSDSCP, "error", err)
		}
	}
	return nil
}

func (c *Client) handshake() error {
	if err := c.conn.SetDeadline(time.Now().Add(c.MessageTimeout)); err != nil {
		return fmt.Errorf("rfb: set handshake deadline: %w", err)
	}

	if err := c.negotiateVersion(); err != nil {
		return err
	}
	if err := c.negotiateSecurity(); err != nil {
		return err
	}

	// ClientInit: shared session.
	if err := c.write([]byte{1}); err != nil {
		return err
	}
	if err := c.readServerInit(); err != nil {
		return err
	}

	if c.handler == nil || !c.handler.AllocateFramebuffer(c) {
		return ErrNoFramebuffer
	}
	if err := c.checkFramebuffer(); err != nil {
		return err
	}

	if err := c.SetFormatAndEncodings(); err != nil {
		return err
	}
	if err := c.SendFramebufferUpdateRequest(0, 0, c.Width, c.Height, false); err != nil {
		return err
	}

	return c.conn.SetDeadline(time.Time{})
}

func (c *Client) negotiateVersion() error {
	buf := make([]byte, 12)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return fmt.Errorf("rfb: read protocol version: %w", err)
	}

	var major, minor int
	if _, err := fmt.Sscanf(string(buf), "RFB %03d.%03d\n", &major, &minor); err != nil {
		return fmt.Errorf("%w: bad version string %q", ErrUnsupportedVersion, buf)
	}

	switch {
	case major > 3:
		minor = 8
	case major < 3 || minor < 3:
		return fmt.Errorf("%w: %d.%d", ErrUnsupportedVersion, major, minor)
	case minor >= 8:
		// Includes Apple's 3.889.
		minor = 8
	case minor == 7:
	default:
		minor = 3
	}
	c.ProtocolMajor, c.ProtocolMinor = 3, minor

	return c.write([]byte(fmt.Sprintf("RFB %03d.%03d\n", 3, minor)))
}

func (c *Client) negotiateSecurity() error {
	var secType uint8

	if c.ProtocolMinor == 3 {
		t, err := c.readU32()
		if err != nil {
			return fmt.Errorf("rfb: read security type: %w", err)
		}
		if t == uint32(secInvalid) {
			return &ServerError{Stage: "security", Reason: c.readReason(), Err: ErrUnsupportedSecurity}
		}
		if t != uint32(secNone) && t != uint32(secVNCAuth) {
			return fmt.Errorf("%w: server requires type %d", ErrUnsupportedSecurity, t)
		}
		secType = uint8(t)
	} else {
		n, err := c.readU8()
		if err != nil {
			return fmt.Errorf("rfb: read security types: %w", err)
		}
		if n == 0 {
			return &ServerError{Stage: "security", Reason: c.readReason(), Err: ErrUnsupportedSecurity}
		}
		types := make([]byte, n)
		if _, err := io.ReadFull(c.r, types); err != nil {
			return fmt.Errorf("rfb: read security types: %w", err)
		}
		secType = pickSecurity(types)
		if secType == secInvalid {
			return fmt.Errorf("%w: offered %v", ErrUnsupportedSecurity, types)
		}
		if err := c.write([]byte{secType}); err != nil {
			return err
		}
	}

	switch secType {
	case secNone:
		if c.ProtocolMinor >= 8 {
			return c.readSecurityResult()
		}
		return nil
	default:
		challenge := make([]byte, 16)
		if _, err := io.ReadFull(c.r, challenge); err != nil {
			return fmt.Errorf("rfb: read auth challenge: %w", err)
		}
		var password string
		if c.handler != nil {
			password = c.handler.Password(c)
		}
		response, err := vncAuthResponse(challenge, password)
		if err != nil {
			return err
		}
		if err := c.write(response); err != nil {
			return err
		}
		return c.readSecurityResult()
	}
}

// pickSecurity prefers None over VNC authentication.
func pickSecurity(types []byte) uint8 {
	chosen := secInvalid
	for _, t := range types {
		switch t {
		case secNone:
			return secNone
		case secVNCAuth:
			chosen = secVNCAuth
		}
	}
	return chosen
}

func (c *Client) readSecurityResult() error {
	result, err := c.readU32()
	if err != nil {
		return fmt.Errorf("rfb: read security result: %w", err)
	}
	if result == 0 {
		return nil
	}
	var reason string
	if c.ProtocolMinor >= 8 {
		reason = c.readReason()
	}
	return &ServerError{Stage: "authentication", Reason: reason, Err: ErrAuthFailed}
}

func (c *Client) readReason() string {
	n, err := c.readU32()
	if err != nil || n > maxCutText {
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return ""
	}
	return string(buf)
}

func (c *Client) readServerInit() error {
	buf := make([]byte, 24)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return fmt.Errorf("rfb: read ServerInit: %w", err)
	}
	c.Width = int(binary.BigEndian.Uint16(buf[0:]))
	c.Height = int(binary.BigEndian.Uint16(buf[2:]))
	c.ServerFormat = parsePixelFormat(buf[4:20])

	nameLen := binary.BigEndian.Uint32(buf[20:])
	if nameLen > maxDesktopName {
		return fmt.Errorf("%w: desktop name length %d", ErrProtocol, nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(c.r, name); err != nil {
		return fmt.Errorf("rfb: read desktop name: %w", err)
	}
	c.DesktopName = string(name)

	if c.Width*c.Height > maxFramebufferPixels {
		return fmt.Errorf("%w: framebuffer %dx%d too large", ErrProtocol, c.Width, c.Height)
	}
	return nil
}

func (c *Client) checkFramebuffer() error {
	if len(c.FrameBuffer) < c.Width*c.Height*4 {
		return fmt.Errorf("%w: buffer holds %d bytes, need %d",
			ErrNoFramebuffer, len(c.FrameBuffer), c.Width*c.Height*4)
	}
	return nil
}

// SetFormatAndEncodings sends SetPixelFormat and SetEncodings built from
// Format and AppData. Safe to call on a running session.
func (c *Client) SetFormatAndEncodings() error {
	if c.conn == nil {
		return ErrClosed
	}

	pf := make([]byte, 4, 20)
	pf[0] = msgSetPixelFormat
	pf = append(pf, c.Format.marshal()...)
	if err := c.write(pf); err != nil {
		return err
	}

	encodings, dropped := buildEncodings(c.AppData, c.CanHandleNewFBSize)
	if len(dropped) > 0 {
		slog.Warn("rfb: encodings not decodable by this client, not advertised",
			"dropped", dropped,
			"requested", c.AppData.Encodings,
		)
	}

	msg := make([]byte, 4+4*len(encodings))
	msg[0] = msgSetEncodings
	binary.BigEndian.PutUint16(msg[2:], uint16(len(encodings)))
	for i, e := range encodings {
		binary.BigEndian.PutUint32(msg[4+4*i:], uint32(e))
	}
	return c.write(msg)
}

// SendFramebufferUpdateRequest asks the server for the given region.
func (c *Client) SendFramebufferUpdateRequest(x, y, w, h int, incremental bool) error {
	if c.conn == nil {
		return ErrClosed
	}
	msg := make([]byte, 10)
	msg[0] = msgFramebufferUpdateRequest
	if incremental {
		msg[1] = 1
	}
	binary.BigEndian.PutUint16(msg[2:], uint16(x))
	binary.BigEndian.PutUint16(msg[4:], uint16(y))
	binary.BigEndian.PutUint16(msg[6:], uint16(w))
	binary.BigEndian.PutUint16(msg[8:], uint16(h))
	return c.write(msg)
}

// WaitForMessage waits up to timeout for server traffic. It returns a
// positive value when a message is ready, 0 on timeout and -1 with the
// cause when the transport failed.
func (c *Client) WaitForMessage(timeout time.Duration) (int, error) {
	if c.conn == nil || c.closed {
		return -1, ErrClosed
	}
	if c.r.Buffered() > 0 {
		return 1, nil
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return -1, err
	}
	_, err := c.r.Peek(1)
	if err == nil {
		return 1, nil
	}
	if isTimeout(err) {
		return 0, nil
	}
	return -1, err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// HandleServerMessage reads and processes exactly one server message.
// Any returned error is fatal for the session.
func (c *Client) HandleServerMessage() error {
	if c.conn == nil || c.closed {
		return ErrClosed
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.MessageTimeout)); err != nil {
		return err
	}

	msgType, err := c.readU8()
	if err != nil {
		return fmt.Errorf("rfb: read message type: %w", err)
	}

	switch msgType {
	case msgFramebufferUpdate:
		return c.handleFramebufferUpdate()

	case msgSetColourMapEntries:
		hdr := make([]byte, 5)
		if _, err := io.ReadFull(c.r, hdr); err != nil {
			return fmt.Errorf("rfb: read colour map header: %w", err)
		}
		n := int64(binary.BigEndian.Uint16(hdr[3:]))
		return c.discard(n * 6)

	case msgBell:
		return nil

	case msgServerCutText:
		hdr := make([]byte, 7)
		if _, err := io.ReadFull(c.r, hdr); err != nil {
			return fmt.Errorf("rfb: read cut text header: %w", err)
		}
		n := binary.BigEndian.Uint32(hdr[3:])
		if n > maxCutText {
			return fmt.Errorf("%w: cut text length %d", ErrProtocol, n)
		}
		return c.discard(int64(n))

	default:
		return fmt.Errorf("%w: unknown message type %d", ErrProtocol, msgType)
	}
}

func (c *Client) handleFramebufferUpdate() error {
	hdr := make([]byte, 3)
	if _, err := io.ReadFull(c.r, hdr); err != nil {
		return fmt.Errorf("rfb: read update header: %w", err)
	}
	count := int(binary.BigEndian.Uint16(hdr[1:]))

	resized := false
	rect := make([]byte, 12)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(c.r, rect); err != nil {
			return fmt.Errorf("rfb: read rectangle header: %w", err)
		}
		x := int(binary.BigEndian.Uint16(rect[0:]))
		y := int(binary.BigEndian.Uint16(rect[2:]))
		w := int(binary.BigEndian.Uint16(rect[4:]))
		h := int(binary.BigEndian.Uint16(rect[6:]))
		enc := int32(binary.BigEndian.Uint32(rect[8:]))

		if enc == encDesktopSize {
			if err := c.resize(w, h); err != nil {
				return err
			}
			resized = true
			continue
		}

		if x+w > c.Width || y+h > c.Height {
			return fmt.Errorf("%w: rectangle %dx%d+%d+%d outside %dx%d framebuffer",
				ErrProtocol, w, h, x, y, c.Width, c.Height)
		}

		if err := c.decodeRect(enc, x, y, w, h); err != nil {
			return err
		}

		if c.handler != nil {
			c.handler.FramebufferUpdated(c, x, y, w, h)
		}
	}

	return c.SendFramebufferUpdateRequest(0, 0, c.Width, c.Height, !resized)
}

func (c *Client) resize(w, h int) error {
	if w*h > maxFramebufferPixels {
		return fmt.Errorf("%w: framebuffer %dx%d too large", ErrProtocol, w, h)
	}
	c.Width, c.Height = w, h
	if c.handler == nil || !c.handler.AllocateFramebuffer(c) {
		return ErrNoFramebuffer
	}
	return c.checkFramebuffer()
}

// SetAppData replaces the negotiation fields used by the next
// SetFormatAndEncodings.
func (c *Client) SetAppData(a AppData) { c.AppData = a }

// SetDSCP applies a DSCP code point to the session socket.
func (c *Client) SetDSCP(dscp int) error {
	c.QoSDSCP = dscp
	if c.conn == nil {
		return ErrClosed
	}
	return setDSCP(c.conn, dscp)
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.zlib.close()
	c.zrle.close()
	for i := range c.tight {
		c.tight[i].close()
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) write(b []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.MessageTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("rfb: write: %w", err)
	}
	return nil
}

func (c *Client) discard(n int64) error {
	if _, err := io.CopyN(io.Discard, c.r, n); err != nil {
		return fmt.Errorf("rfb: discard %d bytes: %w", n, err)
	}
	return nil
}

func (c *Client) readU8() (uint8, error) {
	return c.r.ReadByte()
}

func (c *Client) readU16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (c *Client) readU32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
