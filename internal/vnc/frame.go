package vnc

import "time"

// FrameState is the decode target shared by the session hooks and the
// loop. It is only touched from the capture goroutine.
type FrameState struct {
	Width  int
	Height int
	Stride int
	Format PixelFormat
	Data   []byte

	// pending is the time of the first qualifying update since the last
	// flush; zero means nothing to forward.
	pending time.Time
}

// Allocate replaces the storage with zeroed Width*4*Height bytes and
// returns it.
func (f *FrameState) Allocate(width, height int) []byte {
	f.Data = nil
	f.Width = width
	f.Height = height
	f.Stride = width * FormatBGRX.BytesPerPixel()
	f.Format = FormatBGRX
	f.Data = make([]byte, f.Stride*height)
	return f.Data
}

// MarkUpdate stamps the pending time unless one is already recorded.
// It returns true when this call set the stamp.
func (f *FrameState) MarkUpdate(now time.Time) bool {
	if !f.pending.IsZero() {
		return false
	}
	f.pending = now
	return true
}

// Pending returns the pending stamp and whether one is set.
func (f *FrameState) Pending() (time.Time, bool) {
	return f.pending, !f.pending.IsZero()
}

// Flush clears the pending stamp after the frame was forwarded.
func (f *FrameState) Flush() {
	f.pending = time.Time{}
}

// Release drops the pixel storage and geometry.
func (f *FrameState) Release() {
	*f = FrameState{}
}
