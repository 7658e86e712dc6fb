package vnccapture

// FrameSource defines the contract between a capture source and the
// settings surface that drives it.
//
// Implementations must guarantee:
//   - Start() returns immediately; capture runs on its own goroutine
//   - Stop() blocks until the capture goroutine has exited and is idempotent
//   - settings methods never block on network I/O; changes reach the
//     running session no later than its next loop iteration
//   - Stats() is safe to call from any goroutine
//   - failures never surface as errors from these methods: the source
//     reconnects on its own and reports through Stats and logs
type FrameSource interface {
	// Start launches the capture loop. Frames are delivered to the sink
	// given at construction.
	//
	// Returns an error if the source is already running.
	Start() error

	// Stop clears the running flag, waits for the loop to tear down any
	// open session and releases the framebuffer.
	Stop() error

	// Stats returns current statistics.
	Stats() StreamStats

	// Config returns a copy of the current configuration.
	Config() Config

	// ApplyConfig replaces the whole configuration. Only the signals for
	// fields that actually changed are raised: encoding fields trigger a
	// renegotiation, DSCP a socket re-mark, host/port/password a
	// reconnect. Crop changes apply directly.
	ApplyConfig(cfg Config) error

	// SetEncoding changes the encoding family and compression hints and
	// renegotiates them on the open session.
	SetEncoding(enc Encoding, compress int, jpeg bool, quality int) error

	// SetPassword changes the credential and reconnects.
	SetPassword(password string)

	// SetDSCP re-marks the session socket.
	SetDSCP(dscp int) error

	// SetEdgeCrop changes the masked border widths.
	SetEdgeCrop(crop EdgeCrop) error

	// Reconnect tears the current session down and connects again
	// immediately, skipping any running retry delay.
	Reconnect()
}
