package vnc

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/e7canasta/vnc-capture/internal/rfb"
)

// Source is the configuration owner the session hooks call back into.
// Every method copies under the owner's configuration lock.
type Source interface {
	// Settings returns a consistent snapshot of the full configuration
	Settings() Settings
	// Password returns a fresh copy of the credential
	Password() string
	// EdgeCrop returns the current crop thresholds
	EdgeCrop() EdgeCrop
}

// sessionHooks implements rfb.Handler for one session. The client calls
// it synchronously from Init and HandleServerMessage, i.e. always on the
// capture goroutine.
type sessionHooks struct {
	src       Source
	frame     *FrameState
	now       func() time.Time
	sessionID string
	stats     *LoopStats
}

var _ rfb.Handler = (*sessionHooks)(nil)

// Password supplies the credential for VNC authentication.
func (h *sessionHooks) Password(c *rfb.Client) string {
	if h.src == nil {
		return ""
	}
	return h.src.Password()
}

// AllocateFramebuffer (re)allocates the frame storage for the geometry
// negotiated by the client and hands it over as the decode target.
func (h *sessionHooks) AllocateFramebuffer(c *rfb.Client) bool {
	if h.src == nil || h.frame == nil {
		slog.Error("vnc: framebuffer allocation without a source",
			"session_id", h.sessionID,
		)
		return false
	}

	c.FrameBuffer = h.frame.Allocate(c.Width, c.Height)
	if h.stats != nil {
		h.stats.setGeometry(c.Width, c.Height)
	}

	slog.Info("vnc: framebuffer allocated",
		"session_id", h.sessionID,
		"width", c.Width,
		"height", c.Height,
		"stride", h.frame.Stride,
		"size", humanize.IBytes(uint64(len(h.frame.Data))),
	)
	return true
}

// FramebufferUpdated marks a frame boundary unless the rectangle lies
// entirely inside the cropped border.
func (h *sessionHooks) FramebufferUpdated(c *rfb.Client, x, y, w, height int) {
	if h.src == nil || h.frame == nil {
		return
	}
	if h.stats != nil {
		h.stats.Updates.Add(1)
	}

	if Cropped(h.src.EdgeCrop(), h.frame.Width, h.frame.Height, x, y, w, height) {
		if h.stats != nil {
			h.stats.UpdatesCropped.Add(1)
		}
		return
	}
	h.frame.MarkUpdate(h.now())
}

// Cropped reports whether the update rectangle (x, y, w, h) lies outside
// the region retained by crop on a width x height frame.
func Cropped(crop EdgeCrop, width, height, x, y, w, h int) bool {
	return x+w < crop.Left ||
		x > width-crop.Right ||
		y+h < crop.Top ||
		y > height-crop.Bottom
}
