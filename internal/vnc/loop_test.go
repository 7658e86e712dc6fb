package vnc

import (
	"net"
	"syscall"
	"testing"
	"time"
)

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func newTestLoop(t *testing.T, src Source, d Dialer, sink Sink, sleep func(time.Duration)) (*Loop, *Flags) {
	t.Helper()
	flags := &Flags{}
	flags.Running.Store(true)
	cfg := LoopConfig{
		Source: src,
		Flags:  flags,
		Dialer: d,
		Sleep:  sleep,
		Now:    newFakeClock().Now,
	}
	if sink != nil {
		cfg.Sink = sink
	}
	l, err := NewLoop(cfg)
	if err != nil {
		t.Fatalf("NewLoop() failed: %v", err)
	}
	return l, flags
}

func TestNewLoop_Validation(t *testing.T) {
	if _, err := NewLoop(LoopConfig{Flags: &Flags{}}); err == nil {
		t.Error("expected error without source")
	}
	if _, err := NewLoop(LoopConfig{Source: newFakeSource()}); err == nil {
		t.Error("expected error without flags")
	}
}

// TestLoop_EndToEndBackoffSequence: three failed opens, a success, a poll
// failure, then one more failed open. The waits observed between dials
// must be 10, 20, 30 quanta, no wait before reconnecting after the drop,
// and 10 again after the next failure.
func TestLoop_EndToEndBackoffSequence(t *testing.T) {
	sleeps := 0
	sleep := func(d time.Duration) {
		if d != BackoffQuantum {
			t.Errorf("sleep(%v), want %v", d, BackoffQuantum)
		}
		sleeps++
	}

	d := &fakeDialer{
		results: []error{refused(), refused(), refused(), nil, refused(), refused()},
		width:   8,
		height:  8,
		newConn: func() *fakeConn { return &fakeConn{failPoll: true} },
	}
	l, flags := newTestLoop(t, newFakeSource(), d, nil, sleep)

	var gaps []int
	last := 0
	d.onDial = func(n int) {
		gaps = append(gaps, sleeps-last)
		last = sleeps
		if n == 5 {
			flags.Running.Store(false)
		}
	}

	l.Run()

	want := []int{0, 10, 20, 30, 0, 10}
	if len(gaps) != len(want) {
		t.Fatalf("dial gaps = %v, want %v", gaps, want)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Errorf("gap before dial %d = %d quanta, want %d (all: %v)", i, gaps[i], want[i], gaps)
		}
	}

	stats := l.Stats()
	if got := stats.Connects.Load(); got != 1 {
		t.Errorf("Connects = %d, want 1", got)
	}
	if got := stats.ConnectFailures.Load(); got != 5 {
		t.Errorf("ConnectFailures = %d, want 5", got)
	}
	if got := stats.SessionDrops.Load(); got != 1 {
		t.Errorf("SessionDrops = %d, want 1", got)
	}
	if got := stats.ErrorsNetwork.Load(); got != 6 {
		t.Errorf("ErrorsNetwork = %d, want 6", got)
	}
	if _, _, closed := d.conn(0).counts(); closed != 1 {
		t.Errorf("dropped session closed %d times, want 1", closed)
	}
	t.Logf("✅ Backoff sequence %v", gaps)
}

func TestLoop_HotConfigIsolation(t *testing.T) {
	src := newFakeSource()
	d := &fakeDialer{width: 8, height: 8}
	l, flags := newTestLoop(t, src, d, nil, func(time.Duration) {})

	l.iterate()
	conn := d.conn(0)
	if conn == nil {
		t.Fatal("expected a session after the first iteration")
	}

	t.Run("DSCP only", func(t *testing.T) {
		src.update(func(s *Settings) { s.DSCP = 46 })
		flags.DSCPChanged.Store(true)
		l.iterate()

		reneg, dscpCalls, _ := conn.counts()
		if reneg != 0 {
			t.Errorf("DSCP change triggered %d renegotiations", reneg)
		}
		if dscpCalls != 1 || conn.lastDSCP != 46 {
			t.Errorf("dscp calls=%d last=%d, want 1 and 46", dscpCalls, conn.lastDSCP)
		}
		if flags.DSCPChanged.Load() {
			t.Error("loop must clear the DSCP flag")
		}
	})

	t.Run("encoding only", func(t *testing.T) {
		src.update(func(s *Settings) {
			s.Encoding = EncodingHextile
			s.CompressLevel = 2
		})
		flags.EncodingChanged.Store(true)
		l.iterate()

		reneg, dscpCalls, _ := conn.counts()
		if reneg != 1 {
			t.Errorf("renegotiations = %d, want 1", reneg)
		}
		if dscpCalls != 1 {
			t.Errorf("encoding change touched DSCP (%d calls)", dscpCalls)
		}
		if conn.appData.Encodings != "hextile copyrect" || conn.appData.CompressLevel != 2 {
			t.Errorf("app data = %+v", conn.appData)
		}
	})

	t.Run("no flags", func(t *testing.T) {
		l.iterate()
		reneg, dscpCalls, _ := conn.counts()
		if reneg != 1 || dscpCalls != 1 {
			t.Errorf("idle iteration applied settings: reneg=%d dscp=%d", reneg, dscpCalls)
		}
	})
}

func TestLoop_ForwardsOneFramePerCycle(t *testing.T) {
	sink := &recordingSink{}
	d := &fakeDialer{
		width:  16,
		height: 16,
		newConn: func() *fakeConn {
			return &fakeConn{messages: [][][4]int{
				{{0, 0, 8, 8}, {8, 0, 8, 8}, {0, 8, 16, 8}},
			}}
		},
	}
	l, _ := newTestLoop(t, newFakeSource(), d, sink, func(time.Duration) {})

	l.iterate() // connect
	if sink.count() != 0 {
		t.Fatalf("frames forwarded before any update: %d", sink.count())
	}

	l.iterate() // one message, three rectangles
	if sink.count() != 1 {
		t.Fatalf("frames = %d, want 1", sink.count())
	}

	l.iterate() // idle poll
	if sink.count() != 1 {
		t.Errorf("idle poll forwarded a frame, total %d", sink.count())
	}

	f := sink.frames[0]
	if f.Width != 16 || f.Height != 16 || f.Stride != 64 || len(f.Data) != 64*16 {
		t.Errorf("frame geometry %dx%d stride %d len %d", f.Width, f.Height, f.Stride, len(f.Data))
	}
	if f.Seq != 1 || f.Timestamp.IsZero() || f.TraceID == "" || f.SessionID == "" {
		t.Errorf("frame metadata incomplete: %+v", f)
	}
	if _, ok := l.frame.Pending(); ok {
		t.Error("pending stamp must be cleared after forwarding")
	}
}

func TestLoop_NoSinkKeepsPending(t *testing.T) {
	d := &fakeDialer{
		width:   8,
		height:  8,
		newConn: func() *fakeConn { return &fakeConn{messages: [][][4]int{{{0, 0, 8, 8}}}} },
	}
	l, _ := newTestLoop(t, newFakeSource(), d, nil, func(time.Duration) {})

	l.iterate()
	l.iterate()
	if _, ok := l.frame.Pending(); !ok {
		t.Error("without a sink the pending stamp stays set")
	}
	if got := l.Stats().FramesForwarded.Load(); got != 0 {
		t.Errorf("FramesForwarded = %d, want 0", got)
	}
}

func TestLoop_FrameBeforeDropIsFlushed(t *testing.T) {
	sink := &recordingSink{}
	d := &fakeDialer{
		width:  8,
		height: 8,
		newConn: func() *fakeConn {
			return &fakeConn{messages: [][][4]int{{{0, 0, 4, 4}}}, failHandle: true}
		},
	}
	l, _ := newTestLoop(t, newFakeSource(), d, sink, func(time.Duration) {})

	l.iterate()
	l.iterate()

	if l.session != nil {
		t.Fatal("session should be torn down after a message failure")
	}
	if sink.count() != 1 {
		t.Errorf("frames = %d, want the frame decoded before the drop", sink.count())
	}
	if got := l.Stats().ErrorsNetwork.Load(); got != 1 {
		t.Errorf("ErrorsNetwork = %d, want 1", got)
	}
}

func TestLoop_ReconnectRequest(t *testing.T) {
	t.Run("tears down and reopens in the same iteration", func(t *testing.T) {
		d := &fakeDialer{width: 8, height: 8}
		l, flags := newTestLoop(t, newFakeSource(), d, nil, func(time.Duration) {})

		l.iterate()
		flags.ReconnectRequested.Store(true)
		l.iterate()

		if d.dialCount() != 2 {
			t.Fatalf("dials = %d, want 2", d.dialCount())
		}
		if _, _, closed := d.conn(0).counts(); closed != 1 {
			t.Errorf("old session closed %d times, want 1", closed)
		}
		if l.session == nil {
			t.Error("expected a fresh session")
		}
		if flags.ReconnectRequested.Load() {
			t.Error("loop must clear the reconnect flag")
		}
	})

	t.Run("skips the running backoff", func(t *testing.T) {
		sleeps := 0
		d := &fakeDialer{width: 8, height: 8, results: []error{refused(), refused()}}
		l, flags := newTestLoop(t, newFakeSource(), d, nil, func(time.Duration) { sleeps++ })

		l.iterate()
		if !l.backoff.Waiting() {
			t.Fatal("expected backoff after a failed open")
		}

		flags.ReconnectRequested.Store(true)
		l.iterate()
		if d.dialCount() != 2 || sleeps != 0 {
			t.Errorf("dials=%d sleeps=%d, want an immediate retry", d.dialCount(), sleeps)
		}
		// No session existed, so the streak continues.
		if l.backoff.FailureCount != 2 || l.backoff.RemainingWait != 20 {
			t.Errorf("backoff = %+v, want streak of 2", l.backoff)
		}
	})
}

func TestLoop_OpenUsesSettingsSnapshot(t *testing.T) {
	src := newFakeSource()
	src.update(func(s *Settings) {
		s.Encoding = EncodingZlib
		s.DSCP = 10
	})
	d := &fakeDialer{width: 8, height: 8}
	l, _ := newTestLoop(t, src, d, nil, func(time.Duration) {})

	l.iterate()
	got := d.settings[0]
	if got.Host != "10.0.0.5" || got.Port != 5900 || got.Encoding != EncodingZlib || got.DSCP != 10 {
		t.Errorf("dial settings = %+v", got)
	}
}

// TestLoop_ShutdownBound: after Running is cleared the loop exits and
// closes the session within one poll timeout plus one backoff quantum.
func TestLoop_ShutdownBound(t *testing.T) {
	const bound = PollTimeout + BackoffQuantum
	const slack = 150 * time.Millisecond

	t.Run("connected", func(t *testing.T) {
		d := &fakeDialer{
			width:   8,
			height:  8,
			newConn: func() *fakeConn { return &fakeConn{wait: time.Second} },
		}
		flags := &Flags{}
		flags.Running.Store(true)
		l, err := NewLoop(LoopConfig{Source: newFakeSource(), Flags: flags, Dialer: d})
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan struct{})
		go func() {
			l.Run()
			close(done)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for !l.Stats().Connected.Load() {
			if time.Now().After(deadline) {
				t.Fatal("loop never connected")
			}
			time.Sleep(time.Millisecond)
		}

		start := time.Now()
		flags.Running.Store(false)
		select {
		case <-done:
		case <-time.After(bound + slack):
			t.Fatalf("loop still running %v after stop", bound+slack)
		}
		elapsed := time.Since(start)

		if _, _, closed := d.conn(0).counts(); closed != 1 {
			t.Errorf("session closed %d times, want 1", closed)
		}
		t.Logf("✅ Connected loop stopped in %v (bound %v)", elapsed, bound)
	})

	t.Run("backing off", func(t *testing.T) {
		d := &fakeDialer{results: []error{refused()}}
		flags := &Flags{}
		flags.Running.Store(true)
		l, err := NewLoop(LoopConfig{Source: newFakeSource(), Flags: flags, Dialer: d})
		if err != nil {
			t.Fatal(err)
		}

		done := make(chan struct{})
		go func() {
			l.Run()
			close(done)
		}()

		deadline := time.Now().Add(2 * time.Second)
		for l.Stats().ConnectFailures.Load() == 0 {
			if time.Now().After(deadline) {
				t.Fatal("loop never attempted a connection")
			}
			time.Sleep(time.Millisecond)
		}

		start := time.Now()
		flags.Running.Store(false)
		select {
		case <-done:
		case <-time.After(bound + slack):
			t.Fatalf("loop still running %v after stop", bound+slack)
		}
		t.Logf("✅ Backing-off loop stopped in %v (bound %v)", time.Since(start), bound)
	})
}

func TestLoop_ReleaseDropsStorage(t *testing.T) {
	d := &fakeDialer{width: 8, height: 8}
	l, flags := newTestLoop(t, newFakeSource(), d, nil, func(time.Duration) {})

	l.iterate()
	flags.Running.Store(false)
	l.Run()
	l.Release()

	if l.frame.Data != nil || l.frame.Width != 0 {
		t.Errorf("frame not released: %dx%d, %d bytes", l.frame.Width, l.frame.Height, len(l.frame.Data))
	}
	if _, _, closed := d.conn(0).counts(); closed != 1 {
		t.Errorf("session closed %d times on shutdown, want 1", closed)
	}
}
