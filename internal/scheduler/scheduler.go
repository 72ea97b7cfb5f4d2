// Package scheduler wraps a process-wide gocron scheduler used for the
// coarse-grained periodic jobs in the core: the hardware discovery probe and
// any other multi-second housekeeping work. Sub-second timing is handled
// inside internal/runner instead: phase timers by its own Scheduler
// abstraction, since gocron's job model has no notion of "remaining time"
// capture needed for pause/resume, and the volume-threshold poll by a
// time.Ticker goroutine.
package scheduler

import (
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/sci-bots/dropbot-core/pkg/log"
)

var (
	mu sync.Mutex
	s  gocron.Scheduler
)

// Start creates and starts the singleton gocron scheduler. Safe to call
// once at process startup.
func Start() {
	mu.Lock()
	defer mu.Unlock()

	if s != nil {
		return
	}

	var err error
	s, err = gocron.NewScheduler()
	if err != nil {
		log.Fatalf("scheduler: could not create gocron scheduler: %v", err)
	}
	s.Start()
}

// Shutdown stops the singleton scheduler, if running.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if s == nil {
		return
	}
	if err := s.Shutdown(); err != nil {
		log.Warnf("scheduler: shutdown error: %v", err)
	}
	s = nil
}

// Every registers fn to run every interval, starting after the first tick.
// It returns a cancel function that removes the job.
func Every(interval gocron.JobDefinition, fn func()) (cancel func(), err error) {
	mu.Lock()
	defer mu.Unlock()

	if s == nil {
		log.Fatalf("scheduler: Every called before Start")
	}

	job, err := s.NewJob(interval, gocron.NewTask(fn))
	if err != nil {
		return nil, err
	}

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if s != nil {
			_ = s.RemoveJob(job.ID())
		}
	}, nil
}
