// Package framesupplier hands captured frames to any number of consumers
// without queueing. Every consumer owns a one-frame mailbox: a newer
// frame replaces an unread one and the replacement is counted as a drop.
//
// The publisher never blocks. Consumers block in their read function until
// a frame arrives or they are unsubscribed.
package framesupplier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Frame is one published framebuffer snapshot. Data is shared by every
// consumer and must be treated as read-only after Publish.
type Frame struct {
	// Seq is assigned by the supplier at distribution time
	Seq uint64
	// SourceSeq is the capture-side sequence number
	SourceSeq uint64
	// Timestamp is when the first update of this frame arrived
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Stride is the row length in bytes
	Stride int
	// Format names the pixel layout, e.g. "BGRX"
	Format string
	// Data holds Stride*Height bytes
	Data []byte
	// SessionID identifies the producing connection
	SessionID string
	// TraceID is a unique identifier for distributed tracing
	TraceID string
}

// Supplier distributes frames from one publisher to many consumers.
type Supplier struct {
	inboxMu    sync.Mutex
	inboxCond  *sync.Cond
	inboxFrame *Frame
	inboxDrops atomic.Uint64
	published  atomic.Uint64

	slotsMu sync.Mutex
	slots   map[string]*slot

	seq atomic.Uint64

	lifecycleMu sync.Mutex
	running     bool
	stopping    atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New returns a stopped Supplier.
func New() *Supplier {
	s := &Supplier{slots: make(map[string]*slot)}
	s.inboxCond = sync.NewCond(&s.inboxMu)
	return s
}

// Start launches the distribution goroutine. It returns immediately.
// Cancelling ctx has the same effect as Stop.
func (s *Supplier) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return fmt.Errorf("framesupplier: already started")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.slotsMu.Lock()
	s.stopping.Store(false)
	s.slotsMu.Unlock()

	// Wake the distribution loop when ctx ends.
	stopWake := context.AfterFunc(ctx, func() {
		s.inboxMu.Lock()
		s.inboxCond.Broadcast()
		s.inboxMu.Unlock()
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stopWake()
		s.distribute(ctx)
	}()

	slog.Debug("framesupplier: started")
	return nil
}

// Stop ends distribution, closes every mailbox so blocked readers return
// nil, and waits for the distribution goroutine. Idempotent.
func (s *Supplier) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return
	}
	// Under slotsMu so a concurrent Subscribe either lands before the
	// mailboxes are closed below or sees stopping.
	s.slotsMu.Lock()
	s.stopping.Store(true)
	s.slotsMu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.running = false

	s.slotsMu.Lock()
	for id, sl := range s.slots {
		sl.close()
		delete(s.slots, id)
	}
	s.slotsMu.Unlock()

	slog.Debug("framesupplier: stopped",
		"published", s.published.Load(),
		"inbox_drops", s.inboxDrops.Load(),
	)
}

// Publish offers a frame for distribution. It never blocks: an unread
// frame in the inbox is replaced and counted as an inbox drop. Frames
// published while stopped are discarded.
func (s *Supplier) Publish(f *Frame) {
	if f == nil || s.stopping.Load() {
		return
	}
	s.published.Add(1)

	s.inboxMu.Lock()
	if s.inboxFrame != nil {
		s.inboxDrops.Add(1)
	}
	s.inboxFrame = f
	s.inboxCond.Signal()
	s.inboxMu.Unlock()
}

func (s *Supplier) distribute(ctx context.Context) {
	for {
		s.inboxMu.Lock()
		for s.inboxFrame == nil && ctx.Err() == nil {
			s.inboxCond.Wait()
		}
		if ctx.Err() != nil {
			s.inboxMu.Unlock()
			return
		}
		f := s.inboxFrame
		s.inboxFrame = nil
		s.inboxMu.Unlock()

		f.Seq = s.seq.Add(1)

		s.slotsMu.Lock()
		for _, sl := range s.slots {
			sl.put(f)
		}
		s.slotsMu.Unlock()
	}
}

// Subscribe registers a consumer and returns its read function. The read
// function blocks until a frame is available and returns nil once the
// consumer is unsubscribed or the supplier stops. It must be called from
// a single goroutine. Subscribing an id twice replaces the old mailbox.
func (s *Supplier) Subscribe(id string) func() *Frame {
	sl := newSlot()

	s.slotsMu.Lock()
	if s.stopping.Load() {
		s.slotsMu.Unlock()
		return func() *Frame { return nil }
	}
	if old, ok := s.slots[id]; ok {
		old.close()
	}
	s.slots[id] = sl
	s.slotsMu.Unlock()

	return sl.take
}

// Unsubscribe closes the consumer's mailbox. Idempotent.
func (s *Supplier) Unsubscribe(id string) {
	s.slotsMu.Lock()
	sl, ok := s.slots[id]
	delete(s.slots, id)
	s.slotsMu.Unlock()

	if ok {
		sl.close()
	}
}
