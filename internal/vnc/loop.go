package vnc

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Flags are the single-word signals raised by the owner and cleared by
// the loop. None of them needs the configuration lock.
type Flags struct {
	Running            atomic.Bool
	EncodingChanged    atomic.Bool
	DSCPChanged        atomic.Bool
	ReconnectRequested atomic.Bool
}

// LoopStats are the loop's counters. All fields are safe to read from any
// goroutine.
type LoopStats struct {
	Connects          atomic.Uint64
	ConnectFailures   atomic.Uint64
	SessionDrops      atomic.Uint64
	ReconnectRequests atomic.Uint64
	EncodingUpdates   atomic.Uint64
	DSCPUpdates       atomic.Uint64
	Polls             atomic.Uint64
	Updates           atomic.Uint64
	UpdatesCropped    atomic.Uint64
	FramesForwarded   atomic.Uint64
	BytesForwarded    atomic.Uint64

	ErrorsNetwork  atomic.Uint64
	ErrorsAuth     atomic.Uint64
	ErrorsProtocol atomic.Uint64
	ErrorsUnknown  atomic.Uint64

	Connected    atomic.Bool
	FailureCount atomic.Int64

	width       atomic.Int64
	height      atomic.Int64
	lastFrameAt atomic.Int64
}

func (s *LoopStats) setGeometry(w, h int) {
	s.width.Store(int64(w))
	s.height.Store(int64(h))
}

// Geometry returns the most recently allocated framebuffer size.
func (s *LoopStats) Geometry() (width, height int) {
	return int(s.width.Load()), int(s.height.Load())
}

// LastFrameAt returns when the last frame was forwarded, zero if never.
func (s *LoopStats) LastFrameAt() time.Time {
	ns := s.lastFrameAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *LoopStats) recordError(err error) ErrorCategory {
	category := ClassifyError(err)
	switch category {
	case ErrCategoryNetwork:
		s.ErrorsNetwork.Add(1)
	case ErrCategoryAuth:
		s.ErrorsAuth.Add(1)
	case ErrCategoryProtocol:
		s.ErrorsProtocol.Add(1)
	default:
		s.ErrorsUnknown.Add(1)
	}
	return category
}

// LoopConfig wires a Loop to its collaborators.
type LoopConfig struct {
	// Source owns the configuration (required)
	Source Source
	// Flags carries running and dirty signals (required)
	Flags *Flags
	// Dialer opens sessions (default RFBDialer{})
	Dialer Dialer
	// Sink receives completed frames; nil means none attached
	Sink Sink
	// Sleep waits one backoff quantum (default time.Sleep)
	Sleep func(time.Duration)
	// Now stamps updates (default time.Now)
	Now func() time.Time
	// PollTimeout bounds each wait for traffic (default 33ms)
	PollTimeout time.Duration
}

// Loop is the capture state machine: DISCONNECTED, CONNECTED and, while
// disconnected with a retry delay running, BACKOFF. Run executes it on
// the calling goroutine until Flags.Running is cleared.
type Loop struct {
	src         Source
	flags       *Flags
	dialer      Dialer
	sink        Sink
	sleep       func(time.Duration)
	now         func() time.Time
	pollTimeout time.Duration

	frame   FrameState
	backoff Backoff
	session *Session
	seq     uint64

	stats LoopStats
}

// NewLoop validates cfg and fills defaults.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("vnc: loop requires a source")
	}
	if cfg.Flags == nil {
		return nil, fmt.Errorf("vnc: loop requires flags")
	}

	l := &Loop{
		src:         cfg.Source,
		flags:       cfg.Flags,
		dialer:      cfg.Dialer,
		sink:        cfg.Sink,
		sleep:       cfg.Sleep,
		now:         cfg.Now,
		pollTimeout: cfg.PollTimeout,
	}
	if l.dialer == nil {
		l.dialer = RFBDialer{}
	}
	if l.sleep == nil {
		l.sleep = time.Sleep
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.pollTimeout <= 0 {
		l.pollTimeout = PollTimeout
	}
	return l, nil
}

// Stats exposes the live counters.
func (l *Loop) Stats() *LoopStats { return &l.stats }

// Run drives the state machine until Flags.Running is false, then tears
// down any open session.
func (l *Loop) Run() {
	slog.Info("vnc: capture loop started")

	for l.flags.Running.Load() {
		l.iterate()
	}

	if l.session != nil {
		l.teardown("shutdown")
	}

	slog.Info("vnc: capture loop stopped",
		"frames_forwarded", l.stats.FramesForwarded.Load(),
		"connects", l.stats.Connects.Load(),
		"connect_failures", l.stats.ConnectFailures.Load(),
	)
}

// Release drops the frame storage. Call only after Run has returned.
func (l *Loop) Release() {
	l.frame.Release()
}

func (l *Loop) iterate() {
	if l.flags.ReconnectRequested.Swap(false) {
		l.stats.ReconnectRequests.Add(1)
		if l.session != nil {
			l.teardown("reconnect requested")
			l.backoff.Reset()
			l.stats.FailureCount.Store(0)
		}
	} else if l.backoff.Waiting() {
		l.sleep(BackoffQuantum)
		l.backoff.Tick()
		l.forward()
		return
	}

	if l.session == nil {
		l.connect()
	} else {
		l.applyPending()
		l.poll()
	}

	l.forward()
}

func (l *Loop) connect() {
	session, err := Open(l.dialer, l.src, &l.frame, l.now, &l.stats)
	if err != nil {
		category := l.stats.recordError(err)
		l.stats.ConnectFailures.Add(1)
		wait := l.backoff.Fail()
		l.stats.FailureCount.Store(int64(l.backoff.FailureCount))

		slog.Warn("vnc: connection failed, will retry",
			"error", err,
			"category", category.String(),
			"attempt", l.backoff.FailureCount,
			"retry_in", RetryIn(wait),
		)
		return
	}

	l.backoff.Reset()
	l.stats.FailureCount.Store(0)
	l.session = session
	l.stats.Connects.Add(1)
	l.stats.Connected.Store(true)
}

// applyPending pushes hot configuration changes: encodings first, then
// DSCP, each only when its own flag is raised.
func (l *Loop) applyPending() {
	if l.flags.EncodingChanged.Swap(false) {
		settings := l.src.Settings()
		slog.Info("vnc: updating encoding settings",
			"session_id", l.session.ID,
			"encodings", settings.Encoding.PreferenceString(),
			"compress", settings.CompressLevel,
			"jpeg", settings.EnableJPEG,
			"quality", settings.QualityLevel,
		)
		if err := l.session.ApplyEncodings(settings); err != nil {
			slog.Warn("vnc: encoding update failed", "session_id", l.session.ID, "error", err)
		}
		l.stats.EncodingUpdates.Add(1)
	}

	if l.flags.DSCPChanged.Swap(false) {
		dscp := l.src.Settings().DSCP
		if err := l.session.ApplyDSCP(dscp); err != nil {
			slog.Warn("vnc: DSCP update failed", "session_id", l.session.ID, "dscp", dscp, "error", err)
		} else {
			slog.Info("vnc: DSCP updated", "session_id", l.session.ID, "dscp", dscp)
		}
		l.stats.DSCPUpdates.Add(1)
	}
}

func (l *Loop) poll() {
	result, err := l.session.Poll(l.pollTimeout)
	l.stats.Polls.Add(1)
	if result != PollFailed {
		return
	}

	category := l.stats.recordError(err)
	l.stats.SessionDrops.Add(1)
	slog.Warn("vnc: session lost",
		"session_id", l.session.ID,
		"error", err,
		"category", category.String(),
		"failure_count", l.backoff.FailureCount,
	)
	l.teardown("poll failed")
}

func (l *Loop) teardown(reason string) {
	s := l.session
	s.Teardown()
	l.session = nil
	l.stats.Connected.Store(false)

	slog.Info("vnc: session closed",
		"session_id", s.ID,
		"host", s.Host,
		"port", s.Port,
		"reason", reason,
		"uptime", l.now().Sub(s.Started),
	)
}

// forward hands the pending frame to the sink and clears the stamp.
func (l *Loop) forward() {
	ts, ok := l.frame.Pending()
	if !ok || l.sink == nil {
		return
	}

	l.seq++
	f := &Frame{
		Seq:       l.seq,
		Timestamp: ts,
		Width:     l.frame.Width,
		Height:    l.frame.Height,
		Stride:    l.frame.Stride,
		Format:    l.frame.Format,
		Data:      l.frame.Data,
		TraceID:   uuid.New().String(),
	}
	if l.session != nil {
		f.SessionID = l.session.ID
	}

	l.sink.OutputVideo(f)
	l.frame.Flush()

	l.stats.FramesForwarded.Add(1)
	l.stats.BytesForwarded.Add(uint64(len(f.Data)))
	l.stats.lastFrameAt.Store(l.now().UnixNano())

	slog.Debug("vnc: frame forwarded",
		"seq", f.Seq,
		"size_bytes", len(f.Data),
		"trace_id", f.TraceID,
	)
}
