package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobRunsOnStart(t *testing.T) {
	s := NewScheduler()
	ran := make(chan struct{}, 1)
	s.AddJob("tick", time.Hour, func() {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	s.Start()
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on start")
	}
}

func TestNotifyReleasesWait(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	s.AddJob("tick", time.Hour, func() {
		runs.Add(1)
	})
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return runs.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The interval is an hour away, Notify triggers the next run now
	s.Notify()
	assert.Eventually(t, func() bool {
		return runs.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStop(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	s.AddJob("tick", 10*time.Millisecond, func() {
		runs.Add(1)
	})
	s.Start()

	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, runs.Load())

	// Second Stop is a no-op
	s.Stop()
}

func TestPanicRecovery(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	s.AddJob("panicky", 10*time.Millisecond, func() {
		runs.Add(1)
		panic("boom")
	})
	s.Start()
	defer s.Stop()

	// The loop survives the panic and keeps running
	assert.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}
