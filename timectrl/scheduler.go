package timectrl

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// EventScheduler runs callbacks once simulation time reaches them. Call
// RunDue after each clock advance, typically from a TimeController listener.
type EventScheduler struct {
	clock SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // earliest first
	index   map[string]*scheduledEvent
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// NewEventScheduler returns a scheduler reading time from clock.
func NewEventScheduler(clock SimClock) *EventScheduler {
	return &EventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

// Schedule registers f to run at simulation time at and returns its ID.
func (s *EventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &scheduledEvent{id: fmt.Sprintf("ev-%d", s.counter), when: at, f: f}

	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(at)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
	s.index[ev.id] = ev
	return ev.id
}

// Every schedules f at now+interval and re-arms it after each run until the
// returned cancel func is called.
func (s *EventScheduler) Every(interval time.Duration, f func()) (cancel func()) {
	var (
		mu      sync.Mutex
		current string
		stopped bool
	)
	var arm func(from time.Time)
	arm = func(from time.Time) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		next := from.Add(interval)
		current = s.Schedule(next, func() {
			f()
			arm(next)
		})
	}
	arm(s.clock.Now())

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		s.Cancel(current)
	}
}

// Cancel drops a pending event. Unknown or already-run IDs are ignored.
func (s *EventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.index[id]; ok {
		ev.cancelled = true
		delete(s.index, id)
	}
}

// Pending returns the number of events not yet run or cancelled.
func (s *EventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// RunDue executes every event scheduled at or before Now, in time order.
// Callbacks run outside the lock and may schedule further events.
func (s *EventScheduler) RunDue() {
	for {
		ev := s.popDue()
		if ev == nil {
			return
		}
		if ev.f != nil {
			ev.f()
		}
	}
}

func (s *EventScheduler) popDue() *scheduledEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}
