package dht

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// scheduler serializes callback execution on one goroutine. User
// handlers and timer callbacks are always delivered through it, never
// inline, so a caller observes its own call return before any answer.
type scheduler struct {
	clock clock.Clock
	tasks chan func()

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

func newScheduler(c clock.Clock) *scheduler {
	s := &scheduler{
		clock:   c,
		tasks:   make(chan func(), 1024),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *scheduler) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.closing:
			// Drain whatever was already queued.
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Schedule enqueues fn for asynchronous execution. After Close the
// serialization guarantee is gone but callbacks still fire, so a late
// lookup completion never strands its caller.
func (s *scheduler) Schedule(fn func()) {
	select {
	case <-s.done:
		go fn()
		return
	default:
	}
	select {
	case s.tasks <- fn:
	case <-s.done:
		go fn()
	}
}

// timerHandle cancels a pending ScheduleAfter.
type timerHandle struct {
	timer *clock.Timer
}

func (h *timerHandle) Cancel() {
	if h != nil && h.timer != nil {
		h.timer.Stop()
	}
}

// ScheduleAfter runs fn on the scheduler goroutine after d.
func (s *scheduler) ScheduleAfter(d time.Duration, fn func()) *timerHandle {
	t := s.clock.AfterFunc(d, func() {
		s.Schedule(fn)
	})
	return &timerHandle{timer: t}
}

// Close stops the scheduler after draining queued tasks.
func (s *scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
}
