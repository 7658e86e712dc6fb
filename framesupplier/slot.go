package framesupplier

import (
	"sync"
	"time"
)

// slot is a consumer's single-frame mailbox.
type slot struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *Frame
	closed bool

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64
	delivered        uint64
}

func newSlot() *slot {
	sl := &slot{lastConsumedAt: time.Now()}
	sl.cond = sync.NewCond(&sl.mu)
	return sl
}

func (sl *slot) put(f *Frame) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.closed {
		return
	}
	if sl.frame != nil {
		sl.consecutiveDrops++
		sl.totalDrops++
	}
	sl.frame = f
	sl.cond.Signal()
}

func (sl *slot) take() *Frame {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	for sl.frame == nil && !sl.closed {
		sl.cond.Wait()
	}
	if sl.closed {
		return nil
	}

	f := sl.frame
	sl.frame = nil
	sl.lastConsumedAt = time.Now()
	sl.lastConsumedSeq = f.Seq
	sl.consecutiveDrops = 0
	sl.delivered++
	return f
}

func (sl *slot) close() {
	sl.mu.Lock()
	sl.closed = true
	sl.frame = nil
	sl.cond.Broadcast()
	sl.mu.Unlock()
}
