// Package clock provides the scheduling primitives used by the resilience
// components. Every delayed or periodic action goes through a Scheduler so
// that tests can drive time explicitly instead of sleeping.
package clock

import (
	"sync"
	"time"
)

// Task is a scheduled unit of work that can be cancelled.
type Task interface {
	// Stop cancels the task. It returns true if the call prevented at least
	// one future run. Calling Stop more than once is safe.
	Stop() bool
}

// Scheduler creates one-shot and periodic tasks.
type Scheduler interface {
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
	// AfterFunc runs fn once after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Task
	// Every runs fn every d until the returned task is stopped. Runs of the
	// same task never overlap.
	Every(d time.Duration, fn func()) Task
}

// Real returns a Scheduler backed by the wall clock.
func Real() Scheduler {
	return realScheduler{}
}

type realScheduler struct{}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Task {
	return time.AfterFunc(d, fn)
}

func (realScheduler) Every(d time.Duration, fn func()) Task {
	t := &periodicTask{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go t.loop(fn)
	return t
}

type periodicTask struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *periodicTask) loop(fn func()) {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			// Stop may have raced with the tick.
			select {
			case <-t.done:
				return
			default:
			}
			fn()
		}
	}
}

func (t *periodicTask) Stop() bool {
	stopped := false
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
		stopped = true
	})
	return stopped
}
