//go:build gst

package gstsink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/vnc-capture/framesupplier"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Available reports whether this build can display frames.
const Available = true

// Sink pushes frames into appsrc ! videoconvert ! <video sink>.
type Sink struct {
	pipeline *gst.Pipeline
	src      *app.Source

	mu     sync.Mutex
	width  int
	height int
	closed bool

	pushed  atomic.Uint64
	dropped atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the display pipeline and sets it PLAYING.
func New(cfg Config) (*Sink, error) {
	cfg = cfg.withDefaults()

	if err := checkElements("appsrc", "videoconvert", cfg.SinkElement); err != nil {
		return nil, err
	}

	pipeline, err := gst.NewPipeline("vnc-display")
	if err != nil {
		return nil, fmt.Errorf("gstsink: failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("gstsink: failed to create appsrc: %w", err)
	}
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("block", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("gstsink: failed to create videoconvert: %w", err)
	}

	videosink, err := gst.NewElement(cfg.SinkElement)
	if err != nil {
		return nil, fmt.Errorf("gstsink: failed to create %s: %w", cfg.SinkElement, err)
	}
	videosink.SetProperty("sync", cfg.Sync)

	pipeline.AddMany(src.Element, converter, videosink)
	if err := gst.ElementLinkMany(src.Element, converter, videosink); err != nil {
		return nil, fmt.Errorf("gstsink: failed to link pipeline elements: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("gstsink: failed to start pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{pipeline: pipeline, src: src, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchBus(ctx)
	}()

	slog.Info("gstsink: display pipeline started", "sink", cfg.SinkElement, "sync", cfg.Sync)
	return s, nil
}

// checkElements fails fast when GStreamer is missing a factory, before
// any pipeline is built.
func checkElements(names ...string) error {
	gst.Init(nil)
	for _, name := range names {
		elem, err := gst.NewElement(name)
		if err != nil {
			return fmt.Errorf("%w: %s (%v)", ErrMissingElement, name, err)
		}
		elem.SetState(gst.StateNull)
	}
	return nil
}

// Push copies f into a GStreamer buffer. Caps follow the frame geometry.
func (s *Sink) Push(f *framesupplier.Frame) error {
	if f == nil {
		return nil
	}
	if f.Format != "BGRX" {
		return fmt.Errorf("gstsink: unsupported format %q", f.Format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gstsink: push after close")
	}
	if f.Width != s.width || f.Height != s.height {
		caps := gst.NewCapsFromString(Caps(f.Width, f.Height))
		s.src.SetCaps(caps)
		s.width, s.height = f.Width, f.Height
		slog.Info("gstsink: caps updated", "width", f.Width, "height", f.Height)
	}

	if ret := s.src.PushBuffer(gst.NewBufferFromBytes(f.Data)); ret != gst.FlowOK {
		s.dropped.Add(1)
		return fmt.Errorf("gstsink: push frame %d: flow %v", f.Seq, ret)
	}
	s.pushed.Add(1)
	return nil
}

// Stats returns pushed and rejected buffer counts.
func (s *Sink) Stats() (pushed, dropped uint64) {
	return s.pushed.Load(), s.dropped.Load()
}

// Close sends EOS and tears the pipeline down. Close is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.src.EndStream()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstsink: failed to set pipeline to NULL: %w", err)
	}
	slog.Info("gstsink: display pipeline stopped", "pushed", s.pushed.Load(), "dropped", s.dropped.Load())
	return nil
}

// watchBus logs pipeline errors until ctx is cancelled. A closed display
// window surfaces here as an error; pushing then fails and the caller
// decides whether to close.
func (s *Sink) watchBus(ctx context.Context) {
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gstsink: pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
		case gst.MessageEOS:
			slog.Debug("gstsink: end of stream")
			return
		}
	}
}
