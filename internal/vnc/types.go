package vnc

import (
	"fmt"
	"strings"
	"time"
)

// Encoding selects the encoding family advertised to the server.
// Values match the bit positions used by the settings surface.
type Encoding int

const (
	// EncodingAuto advertises every known family in preference order
	EncodingAuto    Encoding = 0
	EncodingTight   Encoding = 1
	EncodingZRLE    Encoding = 2
	EncodingUltra   Encoding = 4
	EncodingHextile Encoding = 8
	EncodingZlib    Encoding = 16
	EncodingCoRRE   Encoding = 32
	EncodingRRE     Encoding = 64
	EncodingRaw     Encoding = 128
)

// FallbackEncodings is advertised when no single family is selected.
const FallbackEncodings = "tight zrle ultra copyrect hextile zlib corre rre raw"

var encodingNames = []struct {
	enc  Encoding
	name string
}{
	{EncodingTight, "tight"},
	{EncodingZRLE, "zrle"},
	{EncodingUltra, "ultra"},
	{EncodingHextile, "hextile"},
	{EncodingZlib, "zlib"},
	{EncodingCoRRE, "corre"},
	{EncodingRRE, "rre"},
	{EncodingRaw, "raw"},
}

// String returns the family name, or "auto".
func (e Encoding) String() string {
	for _, n := range encodingNames {
		if n.enc == e {
			return n.name
		}
	}
	return "auto"
}

// PreferenceString returns the ordered encoding list sent to the server:
// "<family> copyrect" for a known family, FallbackEncodings otherwise.
func (e Encoding) PreferenceString() string {
	for _, n := range encodingNames {
		if n.enc == e {
			return n.name + " copyrect"
		}
	}
	return FallbackEncodings
}

// ParseEncoding maps a family name to its Encoding. "" and "auto" select
// EncodingAuto.
func ParseEncoding(s string) (Encoding, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" || name == "auto" {
		return EncodingAuto, nil
	}
	for _, n := range encodingNames {
		if n.name == name {
			return n.enc, nil
		}
	}
	return EncodingAuto, fmt.Errorf("vnc: unknown encoding %q", s)
}

// EdgeCrop holds the four border widths whose updates do not complete a
// frame.
type EdgeCrop struct {
	Left   int `yaml:"left"`
	Right  int `yaml:"right"`
	Top    int `yaml:"top"`
	Bottom int `yaml:"bottom"`
}

// Settings is a snapshot of everything needed to connect and decode.
type Settings struct {
	// Host is the server address (required)
	Host string
	// Port is the server TCP port, usually 5900+display
	Port int
	// Password is the plaintext VNC password, empty when the server
	// does not require authentication
	Password string
	// Encoding selects the encoding family
	Encoding Encoding
	// CompressLevel is the zlib/tight compression hint (0-9)
	CompressLevel int
	// EnableJPEG allows lossy JPEG encoding where supported
	EnableJPEG bool
	// QualityLevel is the JPEG quality hint (0-9)
	QualityLevel int
	// DSCP is the code point set on the outbound socket (0-63)
	DSCP int
	// Crop masks border regions for frame completion
	Crop EdgeCrop
}

// PixelFormat identifies the memory layout of frame data.
type PixelFormat int

const (
	// FormatBGRX is 32bpp, bytes B, G, R, unused
	FormatBGRX PixelFormat = iota
)

func (f PixelFormat) String() string {
	switch f {
	case FormatBGRX:
		return "BGRX"
	default:
		return "unknown"
	}
}

// BytesPerPixel returns the pixel size in bytes.
func (f PixelFormat) BytesPerPixel() int { return 4 }

// Frame describes one completed framebuffer handed to a Sink.
type Frame struct {
	// Seq is the monotonic sequence number of forwarded frames
	Seq uint64
	// Timestamp is the time of the first qualifying update since the
	// previous frame
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Stride is the row length in bytes (always Width*4)
	Stride int
	// Format is the pixel layout of Data
	Format PixelFormat
	// Data references the live framebuffer. It is only valid for the
	// duration of the OutputVideo call; sinks that keep it must copy.
	Data []byte
	// SessionID identifies the connection that produced the frame
	SessionID string
	// TraceID is a unique identifier for distributed tracing
	TraceID string
}

// Sink consumes completed frames. OutputVideo runs on the capture
// goroutine and must not block for long.
type Sink interface {
	OutputVideo(f *Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f *Frame)

func (fn SinkFunc) OutputVideo(f *Frame) { fn(f) }
