package vnccapture

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/e7canasta/vnc-capture/internal/framestats"
	"github.com/e7canasta/vnc-capture/internal/vnc"
)

// Sink consumes completed frames. OutputVideo runs on the capture
// goroutine; Frame.Data must be copied if kept past the call.
type Sink = vnc.Sink

// SinkFunc adapts a function to Sink.
type SinkFunc = vnc.SinkFunc

// configStore owns the configuration and its lock. The capture loop reads
// it through vnc.Source.
type configStore struct {
	mu  sync.Mutex
	cfg Config
}

func (c *configStore) Settings() vnc.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *configStore) Password() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Password
}

func (c *configStore) EdgeCrop() vnc.EdgeCrop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Crop
}

func (c *configStore) update(fn func(cfg *Config)) {
	c.mu.Lock()
	fn(&c.cfg)
	c.mu.Unlock()
}

// VNCSource implements FrameSource over a persistent RFB connection
type VNCSource struct {
	store configStore
	flags vnc.Flags
	sink  Sink

	// Capture collaborators, replaceable before Start
	dialer vnc.Dialer
	sleep  func(time.Duration)

	// Lifecycle
	mu      sync.Mutex
	loop    *vnc.Loop
	running bool
	wg      sync.WaitGroup
	started time.Time

	fps *framestats.Window
}

// NewVNCSource creates a source with fail-fast validation
//
// Validates configuration at construction time:
//   - Host must not be empty
//   - Port must be 1-65535
//   - Compression and quality levels must be 0-9
//   - DSCP must be 0-63
//   - Edge crop widths must not be negative
//
// A nil sink is allowed; frames then stay pending and nothing is
// forwarded.
func NewVNCSource(cfg Config, sink Sink) (*VNCSource, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	s := &VNCSource{
		store:  configStore{cfg: cfg},
		sink:   sink,
		dialer: vnc.RFBDialer{},
		fps:    framestats.NewWindow(framestats.DefaultWindowSize),
	}

	slog.Info("vnc-capture: source created",
		"host", cfg.Host,
		"port", cfg.Port,
		"encoding", cfg.Encoding.String(),
		"compress", cfg.CompressLevel,
		"jpeg", cfg.EnableJPEG,
		"quality", cfg.QualityLevel,
		"dscp", cfg.DSCP,
	)
	return s, nil
}

// ValidateConfig checks every field of cfg and reports the first problem.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("vnc-capture: host is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("vnc-capture: invalid port %d (must be 1-65535)", cfg.Port)
	}
	if err := validateEncoding(cfg.Encoding, cfg.CompressLevel, cfg.QualityLevel); err != nil {
		return err
	}
	if err := validateDSCP(cfg.DSCP); err != nil {
		return err
	}
	return validateCrop(cfg.Crop)
}

func validateEncoding(enc Encoding, compress, quality int) error {
	if enc != EncodingAuto && enc.String() == "auto" {
		return fmt.Errorf("vnc-capture: invalid encoding %d", int(enc))
	}
	if compress < 0 || compress > 9 {
		return fmt.Errorf("vnc-capture: invalid compress level %d (must be 0-9)", compress)
	}
	if quality < 0 || quality > 9 {
		return fmt.Errorf("vnc-capture: invalid quality level %d (must be 0-9)", quality)
	}
	return nil
}

func validateDSCP(dscp int) error {
	if dscp < 0 || dscp > 63 {
		return fmt.Errorf("vnc-capture: invalid DSCP %d (must be 0-63)", dscp)
	}
	return nil
}

func validateCrop(c EdgeCrop) error {
	if c.Left < 0 || c.Right < 0 || c.Top < 0 || c.Bottom < 0 {
		return fmt.Errorf("vnc-capture: invalid edge crop %+v (widths must be >= 0)", c)
	}
	return nil
}

// Start launches the capture goroutine and returns immediately.
func (s *VNCSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("vnc-capture: source already started")
	}

	var sink vnc.Sink
	if s.sink != nil {
		sink = vnc.SinkFunc(func(f *vnc.Frame) {
			s.fps.Add(time.Now())
			s.sink.OutputVideo(f)
		})
	}

	loop, err := vnc.NewLoop(vnc.LoopConfig{
		Source: &s.store,
		Flags:  &s.flags,
		Dialer: s.dialer,
		Sink:   sink,
		Sleep:  s.sleep,
	})
	if err != nil {
		return fmt.Errorf("vnc-capture: failed to create capture loop: %w", err)
	}

	// The first connect uses the current configuration; stale signals
	// from before Start have nothing to act on.
	s.flags.EncodingChanged.Store(false)
	s.flags.DSCPChanged.Store(false)
	s.flags.ReconnectRequested.Store(false)
	s.flags.Running.Store(true)

	s.loop = loop
	s.running = true
	s.started = time.Now()
	s.fps.Reset()

	cfg := s.store.Settings()
	slog.Info("vnc-capture: starting capture",
		"host", cfg.Host,
		"port", cfg.Port,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loop.Run()
	}()
	return nil
}

// Stop clears the running flag and waits for the capture goroutine. The
// goroutine notices within one poll timeout or one backoff quantum.
func (s *VNCSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		slog.Debug("vnc-capture: source not started, nothing to stop")
		return nil
	}

	slog.Info("vnc-capture: stopping capture")
	s.flags.Running.Store(false)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("vnc-capture: capture loop exited cleanly")
	case <-time.After(3 * time.Second):
		slog.Warn("vnc-capture: capture loop slow to exit, still waiting")
		<-done
	}

	s.loop.Release()

	st := s.loop.Stats()
	slog.Info("vnc-capture: capture stopped",
		"frames_forwarded", st.FramesForwarded.Load(),
		"connects", st.Connects.Load(),
		"session_drops", st.SessionDrops.Load(),
		"uptime", time.Since(s.started),
	)

	s.running = false
	return nil
}

// Stats returns current statistics. Counters reflect the most recent
// Start and survive Stop until the next Start.
func (s *VNCSource) Stats() StreamStats {
	s.mu.Lock()
	loop, started, running := s.loop, s.started, s.running
	s.mu.Unlock()

	cfg := s.store.Settings()
	out := StreamStats{Host: cfg.Host, Port: cfg.Port}
	if loop == nil {
		return out
	}

	st := loop.Stats()
	w, h := st.Geometry()
	if w > 0 && h > 0 {
		out.Resolution = fmt.Sprintf("%dx%d", w, h)
	}
	if running {
		out.Uptime = time.Since(started)
	}
	out.IsConnected = st.Connected.Load()

	out.FrameCount = st.FramesForwarded.Load()
	out.BytesForwarded = st.BytesForwarded.Load()
	fps := s.fps.Stats()
	out.FPSMean = fps.FPSMean
	out.FPSStdDev = fps.FPSStdDev
	out.FPSSteady = fps.IsSteady
	if last := st.LastFrameAt(); !last.IsZero() {
		out.LatencyMS = time.Since(last).Milliseconds()
	}

	out.Updates = st.Updates.Load()
	out.UpdatesCropped = st.UpdatesCropped.Load()
	out.Connects = st.Connects.Load()
	out.ConnectFailures = st.ConnectFailures.Load()
	out.SessionDrops = st.SessionDrops.Load()
	out.FailureCount = int(st.FailureCount.Load())
	out.Reconnects = st.ReconnectRequests.Load()
	out.EncodingUpdates = st.EncodingUpdates.Load()
	out.DSCPUpdates = st.DSCPUpdates.Load()

	out.ErrorsNetwork = st.ErrorsNetwork.Load()
	out.ErrorsAuth = st.ErrorsAuth.Load()
	out.ErrorsProtocol = st.ErrorsProtocol.Load()
	out.ErrorsUnknown = st.ErrorsUnknown.Load()
	return out
}

// Config returns a copy of the current configuration.
func (s *VNCSource) Config() Config {
	return s.store.Settings()
}

// ApplyConfig replaces the configuration and raises only the signals for
// the fields that changed.
func (s *VNCSource) ApplyConfig(cfg Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	var old Config
	s.store.update(func(c *Config) {
		old = *c
		*c = cfg
	})

	var changed []string
	if old.Encoding != cfg.Encoding || old.CompressLevel != cfg.CompressLevel ||
		old.EnableJPEG != cfg.EnableJPEG || old.QualityLevel != cfg.QualityLevel {
		s.flags.EncodingChanged.Store(true)
		changed = append(changed, "encoding")
	}
	if old.DSCP != cfg.DSCP {
		s.flags.DSCPChanged.Store(true)
		changed = append(changed, "dscp")
	}
	if old.Crop != cfg.Crop {
		changed = append(changed, "crop")
	}
	if old.Host != cfg.Host || old.Port != cfg.Port || old.Password != cfg.Password {
		s.flags.ReconnectRequested.Store(true)
		changed = append(changed, "endpoint")
	}

	if len(changed) == 0 {
		slog.Debug("vnc-capture: configuration unchanged")
		return nil
	}
	slog.Info("vnc-capture: configuration applied",
		"changed", strings.Join(changed, ","),
		"host", cfg.Host,
		"port", cfg.Port,
	)
	return nil
}

// SetEncoding changes the encoding family and compression hints.
func (s *VNCSource) SetEncoding(enc Encoding, compress int, jpeg bool, quality int) error {
	if err := validateEncoding(enc, compress, quality); err != nil {
		return err
	}
	s.store.update(func(c *Config) {
		c.Encoding = enc
		c.CompressLevel = compress
		c.EnableJPEG = jpeg
		c.QualityLevel = quality
	})
	s.flags.EncodingChanged.Store(true)

	slog.Info("vnc-capture: encoding change requested",
		"encoding", enc.String(),
		"compress", compress,
		"jpeg", jpeg,
		"quality", quality,
	)
	return nil
}

// SetPassword changes the credential and requests a reconnect so the new
// value is used for authentication.
func (s *VNCSource) SetPassword(password string) {
	s.store.update(func(c *Config) { c.Password = password })
	s.flags.ReconnectRequested.Store(true)
	slog.Info("vnc-capture: password changed, reconnect requested")
}

// SetDSCP changes the socket code point.
func (s *VNCSource) SetDSCP(dscp int) error {
	if err := validateDSCP(dscp); err != nil {
		return err
	}
	s.store.update(func(c *Config) { c.DSCP = dscp })
	s.flags.DSCPChanged.Store(true)
	slog.Info("vnc-capture: DSCP change requested", "dscp", dscp)
	return nil
}

// SetEdgeCrop changes the masked borders. The decoder reads the new
// widths on its next update; no signal is needed.
func (s *VNCSource) SetEdgeCrop(crop EdgeCrop) error {
	if err := validateCrop(crop); err != nil {
		return err
	}
	s.store.update(func(c *Config) { c.Crop = crop })
	slog.Info("vnc-capture: edge crop changed",
		"left", crop.Left,
		"right", crop.Right,
		"top", crop.Top,
		"bottom", crop.Bottom,
	)
	return nil
}

// Reconnect requests a fresh session on the next loop iteration.
func (s *VNCSource) Reconnect() {
	s.flags.ReconnectRequested.Store(true)
	slog.Info("vnc-capture: reconnect requested")
}

// Compile-time check
var _ FrameSource = (*VNCSource)(nil)
