//go:build !gst

package gstsink

import "github.com/e7canasta/vnc-capture/framesupplier"

// Available reports whether this build can display frames.
const Available = false

// Sink is a placeholder in builds without the gst tag.
type Sink struct{}

// New always returns ErrUnavailable.
func New(cfg Config) (*Sink, error) {
	return nil, ErrUnavailable
}

// Push returns ErrUnavailable.
func (s *Sink) Push(f *framesupplier.Frame) error { return ErrUnavailable }

// Stats returns zero counts.
func (s *Sink) Stats() (pushed, dropped uint64) { return 0, 0 }

// Close is a no-op.
func (s *Sink) Close() error { return nil }
