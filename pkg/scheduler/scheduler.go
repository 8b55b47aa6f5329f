// Package scheduler runs the periodic jobs of the service: the
// controller tick and the template repository refresh. Each job runs
// on its own goroutine; Notify releases the interval wait so the next
// run happens immediately.
package scheduler

import (
	"sync"
	"time"

	"github.com/cms-pdmv/gridpack-machine/pkg/log"
)

type job struct {
	name     string
	interval time.Duration
	fn       func()
	notifyCh chan struct{}
}

// Scheduler drives registered jobs at fixed intervals
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		stopCh: make(chan struct{}),
	}
}

// AddJob registers a periodic job. Jobs must be added before Start.
func (s *Scheduler) AddJob(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		interval: interval,
		notifyCh: make(chan struct{}, 1),
		fn:       fn,
	})
}

// Start launches every registered job
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.run(j)
	}
}

// Stop stops all jobs and waits for them to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Notify releases every job's interval wait, triggering an immediate
// re-run
func (s *Scheduler) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		select {
		case j.notifyCh <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) run(j *job) {
	defer s.wg.Done()
	logger := log.WithComponent("scheduler")

	for {
		s.invoke(j)

		select {
		case <-time.After(j.interval):
		case <-j.notifyCh:
			logger.Debug().Str("job", j.name).Msg("Job wait released by notify")
		case <-s.stopCh:
			return
		}
	}
}

// invoke runs a job, keeping a panicking job from killing the loop
func (s *Scheduler) invoke(j *job) {
	logger := log.WithComponent("scheduler")
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("job", j.name).
				Interface("panic", r).
				Msg("Job panicked")
		}
	}()
	j.fn()
}
