// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/adiadia/draftpipe/internal/domain"
	"github.com/adiadia/draftpipe/internal/metrics"
	"github.com/google/uuid"
)

// Subscription is one reader's view of a job stream. The publisher appends to
// a bounded queue; a pump goroutine moves events onto the channel so a stuck
// reader can never block the producer. On overflow the oldest queued events
// are discarded and represented by a single gap marker carrying the sequence
// of the first dropped event.
type Subscription struct {
	bus      *Bus
	jobID    uuid.UUID
	snapshot []domain.Event
	maxQueue int

	mu           sync.Mutex
	queue        []domain.Event
	gapSeq       int64
	gapCount     int
	streamClosed bool

	ch        chan domain.Event
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Snapshot is the buffered history at subscription time. Replay is advisory:
// the producer-side ring buffer may already have evicted early events.
func (s *Subscription) Snapshot() []domain.Event {
	return s.snapshot
}

// Events yields live events in publish order. The channel closes once the
// stream is closed and fully drained, or after Unsubscribe.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Unsubscribe detaches from the stream and releases the pump. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		s.bus.detach(s)
		close(s.done)
	})
}

func (s *Subscription) enqueue(ev domain.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.maxQueue {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		if s.gapCount == 0 {
			s.gapSeq = dropped.Sequence
		}
		s.gapCount++
		metrics.IncBusDroppedEvents(1)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) markStreamClosed() {
	s.mu.Lock()
	s.streamClosed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the pending gap marker (which always precedes the surviving
// queue) or the queue head. The second return distinguishes "nothing yet"
// from a drained, closed stream.
func (s *Subscription) next() (domain.Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gapCount > 0 {
		payload, _ := json.Marshal(domain.GapPayload{Dropped: s.gapCount})
		ev := domain.Event{
			Type:      domain.EventGap,
			JobID:     s.jobID,
			Sequence:  s.gapSeq,
			Timestamp: time.Now().UTC(),
			Payload:   payload,
		}
		s.gapCount = 0
		return ev, true, false
	}

	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		return ev, true, false
	}

	return domain.Event{}, false, s.streamClosed
}

func (s *Subscription) pump() {
	defer close(s.ch)

	for {
		ev, ok, drained := s.next()
		if !ok {
			if drained {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}
