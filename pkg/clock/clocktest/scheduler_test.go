package clocktest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestScheduler_AfterFuncRunsOnceWhenDue(t *testing.T) {
	s := New(epoch)
	runs := 0
	s.AfterFunc(100*time.Millisecond, func() { runs++ })

	s.Advance(99 * time.Millisecond)
	assert.Equal(t, 0, runs)

	s.Advance(time.Millisecond)
	assert.Equal(t, 1, runs)

	s.Advance(time.Second)
	assert.Equal(t, 1, runs)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_EveryRepeatsUntilStopped(t *testing.T) {
	s := New(epoch)
	runs := 0
	task := s.Every(10*time.Millisecond, func() { runs++ })

	s.Advance(35 * time.Millisecond)
	assert.Equal(t, 3, runs)

	assert.True(t, task.Stop())
	assert.False(t, task.Stop())

	s.Advance(time.Second)
	assert.Equal(t, 3, runs)
}

func TestScheduler_RunsInDeadlineOrder(t *testing.T) {
	s := New(epoch)
	var order []string
	s.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	s.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	s.AfterFunc(20*time.Millisecond, func() { order = append(order, "b") })

	s.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestScheduler_CallbackCanScheduleWithinWindow(t *testing.T) {
	s := New(epoch)
	var at []time.Duration
	s.AfterFunc(10*time.Millisecond, func() {
		at = append(at, s.Now().Sub(epoch))
		s.AfterFunc(10*time.Millisecond, func() {
			at = append(at, s.Now().Sub(epoch))
		})
	})

	s.Advance(25 * time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, at)
	assert.Equal(t, epoch.Add(25*time.Millisecond), s.Now())
}

func TestScheduler_StoppedTaskDoesNotRun(t *testing.T) {
	s := New(epoch)
	ran := false
	task := s.AfterFunc(time.Millisecond, func() { ran = true })
	assert.True(t, task.Stop())

	s.Advance(time.Second)
	assert.False(t, ran)
}
