package vnccapture

import (
	"time"

	"github.com/e7canasta/vnc-capture/internal/vnc"
)

// Encoding selects the encoding family advertised to the server.
type Encoding = vnc.Encoding

const (
	EncodingAuto    = vnc.EncodingAuto
	EncodingTight   = vnc.EncodingTight
	EncodingZRLE    = vnc.EncodingZRLE
	EncodingUltra   = vnc.EncodingUltra
	EncodingHextile = vnc.EncodingHextile
	EncodingZlib    = vnc.EncodingZlib
	EncodingCoRRE   = vnc.EncodingCoRRE
	EncodingRRE     = vnc.EncodingRRE
	EncodingRaw     = vnc.EncodingRaw
)

// ParseEncoding maps "tight", "zrle", ... "raw" to an Encoding. "" and
// "auto" select EncodingAuto.
func ParseEncoding(s string) (Encoding, error) { return vnc.ParseEncoding(s) }

// EdgeCrop holds the left/right/top/bottom border widths whose updates do
// not complete a frame.
type EdgeCrop = vnc.EdgeCrop

// Config is the connection and decoding configuration of a source.
// See internal/vnc.Settings for field documentation.
type Config = vnc.Settings

// PixelFormat identifies the memory layout of frame data.
type PixelFormat = vnc.PixelFormat

// FormatBGRX is the only format produced: 32bpp, bytes B, G, R, unused.
const FormatBGRX = vnc.FormatBGRX

// Frame describes one completed framebuffer. Data references the live
// framebuffer and is only valid during Sink.OutputVideo.
type Frame = vnc.Frame

// DefaultPort is the RFB port of display :0.
const DefaultPort = 5900

// DefaultConfig returns the settings used when only a host is known.
func DefaultConfig(host string) Config {
	return Config{
		Host:          host,
		Port:          DefaultPort,
		Encoding:      EncodingAuto,
		CompressLevel: 9,
		EnableJPEG:    true,
		QualityLevel:  5,
	}
}

// StreamStats contains current source statistics
type StreamStats struct {
	// Host and Port of the configured server
	Host string
	Port int
	// Resolution is the current framebuffer size (e.g., "1920x1080")
	Resolution string
	// IsConnected indicates a session is open
	IsConnected bool
	// Uptime since Start
	Uptime time.Duration

	// FrameCount is the number of frames forwarded to the sink
	FrameCount uint64
	// BytesForwarded is the total pixel bytes forwarded
	BytesForwarded uint64
	// FPSMean is the delivered frame rate over the recent window
	FPSMean float64
	// FPSStdDev is the spread of the instantaneous frame rate
	FPSStdDev float64
	// FPSSteady is true when FPSStdDev < 15% of FPSMean
	FPSSteady bool
	// LatencyMS is the time since the last forwarded frame
	LatencyMS int64

	// Updates counts rectangles reported by the decoder
	Updates uint64
	// UpdatesCropped counts rectangles ignored by the edge crop
	UpdatesCropped uint64

	// Connects counts successful opens
	Connects uint64
	// ConnectFailures counts failed opens
	ConnectFailures uint64
	// SessionDrops counts sessions lost while polling
	SessionDrops uint64
	// FailureCount is the current consecutive failure streak
	FailureCount int
	// Reconnects counts explicit reconnect requests
	Reconnects uint64
	// EncodingUpdates and DSCPUpdates count hot configuration pushes
	EncodingUpdates uint64
	DSCPUpdates     uint64

	// Error telemetry by category
	ErrorsNetwork  uint64
	ErrorsAuth     uint64
	ErrorsProtocol uint64
	ErrorsUnknown  uint64
}
