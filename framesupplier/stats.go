package framesupplier

import "time"

// idleThreshold marks a consumer idle when it has not read for 30s.
const idleThreshold = 30 * time.Second

// Stats is a point-in-time snapshot of the supplier.
type Stats struct {
	// Published counts accepted Publish calls
	Published uint64
	// InboxDrops counts frames replaced before distribution
	InboxDrops uint64
	// Consumers maps consumer id to its mailbox stats
	Consumers map[string]ConsumerStats
}

// ConsumerStats describes one mailbox.
type ConsumerStats struct {
	ID               string
	Pending          bool
	Delivered        uint64
	LastConsumedAt   time.Time
	LastConsumedSeq  uint64
	ConsecutiveDrops uint64
	TotalDrops       uint64
	IsIdle           bool
}

// Stats returns a snapshot of publish and per-consumer counters.
func (s *Supplier) Stats() Stats {
	st := Stats{
		Published:  s.published.Load(),
		InboxDrops: s.inboxDrops.Load(),
		Consumers:  make(map[string]ConsumerStats),
	}

	s.slotsMu.Lock()
	defer s.slotsMu.Unlock()

	for id, sl := range s.slots {
		sl.mu.Lock()
		st.Consumers[id] = ConsumerStats{
			ID:               id,
			Pending:          sl.frame != nil,
			Delivered:        sl.delivered,
			LastConsumedAt:   sl.lastConsumedAt,
			LastConsumedSeq:  sl.lastConsumedSeq,
			ConsecutiveDrops: sl.consecutiveDrops,
			TotalDrops:       sl.totalDrops,
			IsIdle:           time.Since(sl.lastConsumedAt) > idleThreshold,
		}
		sl.mu.Unlock()
	}
	return st
}
