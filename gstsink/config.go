// Package gstsink shows captured frames through a GStreamer video sink.
//
// The pipeline needs the GStreamer runtime and is only compiled with the
// gst build tag:
//
//	go build -tags gst ./cmd/vnc-capture
//
// Without the tag New returns ErrUnavailable.
package gstsink

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned by New in builds without the gst tag.
var ErrUnavailable = errors.New("gstsink: built without GStreamer support (use -tags gst)")

// ErrMissingElement is returned by New when the GStreamer runtime lacks an
// element the display pipeline needs.
var ErrMissingElement = errors.New("gstsink: GStreamer element not available")

// DefaultSinkElement picks the platform's preferred video output.
const DefaultSinkElement = "autovideosink"

// Config selects the display element.
type Config struct {
	// SinkElement is a GStreamer element factory name (default autovideosink)
	SinkElement string
	// Sync paces display against the pipeline clock
	Sync bool
}

func (c Config) withDefaults() Config {
	if c.SinkElement == "" {
		c.SinkElement = DefaultSinkElement
	}
	return c
}

// Caps returns the raw video caps for a BGRX frame of the given size.
// VNC has no frame rate, so the rate is variable (0/1).
func Caps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=BGRx,width=%d,height=%d,framerate=0/1", width, height)
}
