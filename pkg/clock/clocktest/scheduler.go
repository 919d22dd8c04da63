// Package clocktest provides a manually advanced clock.Scheduler.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/bsvalues/TerraFusionMono-sub011/pkg/clock"
)

// Scheduler is a virtual-time clock.Scheduler. Nothing runs until Advance
// is called; due tasks then run synchronously on the caller's goroutine in
// deadline order.
type Scheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks map[uint64]*task
}

type task struct {
	s        *Scheduler
	id       uint64
	due      time.Time
	interval time.Duration
	fn       func()
	stopped  bool
}

var _ clock.Scheduler = (*Scheduler)(nil)

// New returns a Scheduler whose clock starts at start.
func New(start time.Time) *Scheduler {
	return &Scheduler{
		now:   start,
		tasks: make(map[uint64]*task),
	}
}

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc schedules fn to run once at Now()+d.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) clock.Task {
	return s.add(d, 0, fn)
}

// Every schedules fn to run at every multiple of d from Now().
func (s *Scheduler) Every(d time.Duration, fn func()) clock.Task {
	if d <= 0 {
		panic("clocktest: non-positive interval")
	}
	return s.add(d, d, fn)
}

func (s *Scheduler) add(d, interval time.Duration, fn func()) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &task{
		s:        s,
		id:       s.seq,
		due:      s.now.Add(d),
		interval: interval,
		fn:       fn,
	}
	s.tasks[t.id] = t
	return t
}

// Advance moves the clock forward by d, running every task that becomes due
// along the way. Tasks scheduled by callbacks run too if they fall due
// before the target time.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.due
		if next.interval > 0 {
			next.due = next.due.Add(next.interval)
		} else {
			delete(s.tasks, next.id)
		}
		fn := next.fn
		s.mu.Unlock()

		fn()
	}
}

// Pending reports how many tasks are still scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) nextDue(target time.Time) *task {
	due := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.due.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].id < due[j].id
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}

func (t *task) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	if _, ok := t.s.tasks[t.id]; !ok {
		return false
	}
	delete(t.s.tasks, t.id)
	return true
}
