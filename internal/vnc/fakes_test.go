package vnc

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/e7canasta/vnc-capture/internal/rfb"
)

type fakeSource struct {
	mu       sync.Mutex
	settings Settings
}

func newFakeSource() *fakeSource {
	return &fakeSource{settings: Settings{Host: "10.0.0.5", Port: 5900, Password: "secret"}}
}

func (s *fakeSource) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *fakeSource) Password() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Password
}

func (s *fakeSource) EdgeCrop() EdgeCrop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Crop
}

func (s *fakeSource) update(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}

// fakeConn replays scripted server messages. Each message is a list of
// rectangles reported to the handler.
type fakeConn struct {
	mu      sync.Mutex
	handler rfb.Handler
	client  *rfb.Client

	messages   [][][4]int
	failPoll   bool
	failHandle bool
	wait       time.Duration

	appData        rfb.AppData
	renegotiations int
	dscpCalls      int
	lastDSCP       int
	closed         int
}

func (c *fakeConn) SetAppData(a rfb.AppData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appData = a
}

func (c *fakeConn) SetFormatAndEncodings() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renegotiations++
	return nil
}

func (c *fakeConn) SetDSCP(dscp int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dscpCalls++
	c.lastDSCP = dscp
	return nil
}

func (c *fakeConn) WaitForMessage(timeout time.Duration) (int, error) {
	c.mu.Lock()
	pending, failPoll, wait := len(c.messages), c.failPoll, c.wait
	c.mu.Unlock()

	switch {
	case pending > 0:
		return 1, nil
	case failPoll:
		return -1, io.EOF
	}
	if wait > 0 {
		time.Sleep(min(wait, timeout))
	}
	return 0, nil
}

func (c *fakeConn) HandleServerMessage() error {
	c.mu.Lock()
	msg := c.messages[0]
	c.messages = c.messages[1:]
	failHandle := c.failHandle
	c.mu.Unlock()

	for _, r := range msg {
		c.handler.FramebufferUpdated(c.client, r[0], r[1], r[2], r[3])
	}
	if failHandle {
		return errors.New("rfb: read rectangle header: unexpected EOF")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) counts() (renegotiations, dscpCalls, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renegotiations, c.dscpCalls, c.closed
}

// fakeDialer fails the dials whose index has a non-nil entry in results
// and hands out fakeConns otherwise.
type fakeDialer struct {
	mu      sync.Mutex
	results []error
	width   int
	height  int
	newConn func() *fakeConn
	onDial  func(n int)

	dials    int
	settings []Settings
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(s Settings, h rfb.Handler) (Conn, error) {
	d.mu.Lock()
	n := d.dials
	d.dials++
	d.settings = append(d.settings, s)
	d.mu.Unlock()

	if d.onDial != nil {
		d.onDial(n)
	}
	if n < len(d.results) && d.results[n] != nil {
		return nil, d.results[n]
	}

	c := &fakeConn{}
	if d.newConn != nil {
		c = d.newConn()
	}
	c.handler = h
	c.client = &rfb.Client{Width: d.width, Height: d.height}
	if !h.AllocateFramebuffer(c.client) {
		return nil, rfb.ErrNoFramebuffer
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

// recordingSink copies every frame it receives.
type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (s *recordingSink) OutputVideo(f *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	s.frames = append(s.frames, c)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// fakeClock advances one millisecond per reading.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}
