package vnc

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/e7canasta/vnc-capture/internal/rfb"
)

func TestCropped_Boundaries(t *testing.T) {
	const W, H = 100, 50
	crop := EdgeCrop{Left: 10, Right: 10, Top: 5, Bottom: 5}

	tests := []struct {
		name       string
		x, y, w, h int
		want       bool
	}{
		{"center", 50, 25, 1, 1, false},
		{"left strip", 0, 20, 9, 1, true},
		{"touches left threshold", 0, 20, 10, 1, false},
		{"right strip", 91, 20, 9, 1, true},
		{"starts at right threshold", 90, 20, 10, 1, false},
		{"top strip", 20, 0, 1, 4, true},
		{"touches top threshold", 20, 0, 1, 5, false},
		{"bottom strip", 20, 46, 1, 4, true},
		{"starts at bottom threshold", 20, 45, 1, 5, false},
		{"spans whole frame", 0, 0, W, H, false},
		{"top-left corner", 0, 0, 5, 2, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cropped(crop, W, H, tc.x, tc.y, tc.w, tc.h); got != tc.want {
				t.Errorf("Cropped(%d,%d,%d,%d) = %v, want %v", tc.x, tc.y, tc.w, tc.h, got, tc.want)
			}
		})
	}
}

// TestCropped_Property_NoCropKeepsEverything: without thresholds no
// rectangle inside the frame is suppressed.
func TestCropped_Property_NoCropKeepsEverything(t *testing.T) {
	property := func(x, y, w, h uint8) bool {
		const W, H = 256, 256
		return !Cropped(EdgeCrop{}, W, H, int(x), int(y), int(w)%(W-int(x)), int(h)%(H-int(y)))
	}
	if err := quick.Check(property, nil); err != nil {
		t.Error(err)
	}
}

func newTestHooks(src Source, frame *FrameState, now func() time.Time) *sessionHooks {
	return &sessionHooks{src: src, frame: frame, now: now, sessionID: "test", stats: &LoopStats{}}
}

func TestHooks_FirstUpdateWins(t *testing.T) {
	src := newFakeSource()
	frame := &FrameState{}
	clock := newFakeClock()
	h := newTestHooks(src, frame, clock.Now)

	c := &rfb.Client{Width: 64, Height: 48}
	if !h.AllocateFramebuffer(c) {
		t.Fatal("AllocateFramebuffer failed")
	}

	h.FramebufferUpdated(c, 0, 0, 16, 16)
	first, ok := frame.Pending()
	if !ok {
		t.Fatal("expected a pending stamp after the first update")
	}
	h.FramebufferUpdated(c, 16, 0, 16, 16)
	h.FramebufferUpdated(c, 32, 0, 16, 16)

	if got, _ := frame.Pending(); !got.Equal(first) {
		t.Errorf("pending stamp moved from %v to %v", first, got)
	}

	frame.Flush()
	if _, ok := frame.Pending(); ok {
		t.Fatal("Flush must clear the stamp")
	}

	h.FramebufferUpdated(c, 0, 0, 1, 1)
	second, _ := frame.Pending()
	if !second.After(first) {
		t.Errorf("new cycle stamp %v should be after %v", second, first)
	}
	t.Logf("✅ One stamp per cycle, equal to the first qualifying update")
}

func TestHooks_CroppedUpdateDoesNotStamp(t *testing.T) {
	src := newFakeSource()
	src.update(func(s *Settings) { s.Crop = EdgeCrop{Top: 20} })
	frame := &FrameState{}
	h := newTestHooks(src, frame, time.Now)

	c := &rfb.Client{Width: 64, Height: 48}
	h.AllocateFramebuffer(c)

	// Clock area in a masked title bar.
	h.FramebufferUpdated(c, 50, 0, 14, 10)
	if _, ok := frame.Pending(); ok {
		t.Fatal("update inside the cropped strip must not complete a frame")
	}
	if got := h.stats.UpdatesCropped.Load(); got != 1 {
		t.Errorf("UpdatesCropped = %d, want 1", got)
	}

	h.FramebufferUpdated(c, 0, 30, 8, 8)
	if _, ok := frame.Pending(); !ok {
		t.Fatal("update in the retained region must complete a frame")
	}
}

func TestHooks_GeometryChangeReallocates(t *testing.T) {
	src := newFakeSource()
	frame := &FrameState{}
	h := newTestHooks(src, frame, time.Now)

	c := &rfb.Client{Width: 4, Height: 4}
	if !h.AllocateFramebuffer(c) {
		t.Fatal("AllocateFramebuffer failed")
	}
	for i := range c.FrameBuffer {
		c.FrameBuffer[i] = 0xff
	}

	c.Width, c.Height = 8, 2
	if !h.AllocateFramebuffer(c) {
		t.Fatal("AllocateFramebuffer failed on resize")
	}

	if frame.Stride != 8*4 || len(frame.Data) != frame.Stride*frame.Height {
		t.Fatalf("stride=%d len=%d, want stride=32 len=64", frame.Stride, len(frame.Data))
	}
	if &c.FrameBuffer[0] != &frame.Data[0] {
		t.Error("client must decode into the frame storage")
	}
	for i, b := range frame.Data {
		if b != 0 {
			t.Fatalf("stale byte %#x at offset %d after reallocation", b, i)
		}
	}
	if w, hh := h.stats.Geometry(); w != 8 || hh != 2 {
		t.Errorf("stats geometry = %dx%d, want 8x2", w, hh)
	}
	if frame.Format != FormatBGRX {
		t.Errorf("format = %v, want BGRX", frame.Format)
	}
}

func TestHooks_WithoutSource(t *testing.T) {
	frame := &FrameState{}
	h := &sessionHooks{frame: frame, now: time.Now}
	c := &rfb.Client{Width: 4, Height: 4}

	if h.AllocateFramebuffer(c) {
		t.Error("allocation without a source must fail")
	}
	h.FramebufferUpdated(c, 0, 0, 1, 1)
	if _, ok := frame.Pending(); ok {
		t.Error("update without a source must be a no-op")
	}
	if got := h.Password(c); got != "" {
		t.Errorf("Password() = %q, want empty", got)
	}
}

func TestHooks_PasswordReadsCurrentValue(t *testing.T) {
	src := newFakeSource()
	h := newTestHooks(src, &FrameState{}, time.Now)
	c := &rfb.Client{}

	if got := h.Password(c); got != "secret" {
		t.Errorf("Password() = %q, want secret", got)
	}
	src.update(func(s *Settings) { s.Password = "rotated" })
	if got := h.Password(c); got != "rotated" {
		t.Errorf("Password() = %q, want rotated", got)
	}
}
