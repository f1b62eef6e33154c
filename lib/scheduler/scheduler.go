// Package scheduler runs delayed and periodic tasks on a bounded worker pool.
//
// Timers only hand work over; the task itself always runs on an ants worker,
// so a slow or failing task never occupies the goroutine that scheduled it.
// A panicking task is recovered and logged, and periodic jobs keep running.
package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	apperrors "github.com/go-i2p/connpool/lib/errors"
)

// Default scheduler settings.
const (
	DefaultWorkers        = 3
	DefaultReleaseTimeout = 5 * time.Second
)

// Config configures a Scheduler.
type Config struct {
	// Name identifies the scheduler in log output.
	// Default: "connpool-worker"
	Name string
	// Workers is the maximum number of tasks running at once.
	// Default: 3
	Workers int
	// ReleaseTimeout bounds how long Close waits for running tasks.
	// Default: 5 seconds
	ReleaseTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:           "connpool-worker",
		Workers:        DefaultWorkers,
		ReleaseTimeout: DefaultReleaseTimeout,
	}
}

// Scheduler executes tasks after a delay or at a fixed rate.
type Scheduler struct {
	name    string
	cfg     Config
	workers *ants.Pool
	closed  atomic.Bool

	mu   sync.Mutex
	jobs map[*job]struct{}
}

// New creates a scheduler backed by an ants worker pool.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}

	s := &Scheduler{
		name: cfg.Name,
		cfg:  cfg,
		jobs: make(map[*job]struct{}),
	}

	workers, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(s.handlePanic))
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	s.workers = workers

	log.WithField("scheduler", cfg.Name).WithField("workers", cfg.Workers).Debug("scheduler created")
	return s, nil
}

// ExecuteAfter runs task once on a worker after delay.
// It never blocks the caller.
func (s *Scheduler) ExecuteAfter(delay time.Duration, task func()) error {
	_, err := s.schedule(delay, 0, task)
	return err
}

// ExecuteAtFixedRate runs task on a worker after initialDelay and then every
// period, measured from the start of each run. Runs never overlap: a run that
// overshoots its slot is followed immediately by the next one. The returned
// function cancels the job; it is safe to call more than once.
func (s *Scheduler) ExecuteAtFixedRate(initialDelay, period time.Duration, task func()) (func(), error) {
	if period <= 0 {
		return nil, fmt.Errorf("scheduler: period must be positive: %w", apperrors.ErrInvalidInput)
	}
	j, err := s.schedule(initialDelay, period, task)
	if err != nil {
		return nil, err
	}
	return j.cancel, nil
}

func (s *Scheduler) schedule(delay, period time.Duration, task func()) (*job, error) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, apperrors.ErrSchedulerClosed
	}

	j := &job{
		s:      s,
		task:   task,
		period: period,
		next:   time.Now().Add(delay),
	}
	s.jobs[j] = struct{}{}
	j.timer = time.AfterFunc(delay, j.fire)
	return j, nil
}

// Running returns the number of tasks currently executing.
func (s *Scheduler) Running() int {
	return s.workers.Running()
}

// Pending returns the number of jobs waiting for their timer or running.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close cancels every pending job and waits up to ReleaseTimeout for running
// tasks to finish.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return apperrors.ErrSchedulerClosed
	}
	jobs := s.jobs
	s.jobs = make(map[*job]struct{})
	s.mu.Unlock()

	for j := range jobs {
		j.canceled.Store(true)
		j.timer.Stop()
	}

	if err := s.workers.ReleaseTimeout(s.cfg.ReleaseTimeout); err != nil {
		log.WithField("scheduler", s.name).WithError(err).Warn("workers still running after release timeout")
		return err
	}

	log.WithField("scheduler", s.name).WithField("canceled", len(jobs)).Debug("scheduler closed")
	return nil
}

func (s *Scheduler) forget(j *job) {
	s.mu.Lock()
	delete(s.jobs, j)
	s.mu.Unlock()
}

func (s *Scheduler) handlePanic(v any) {
	log.WithField("scheduler", s.name).WithError(apperrors.PanicError(v)).Error("task panicked")
}

// job is one scheduled task, periodic when period > 0.
type job struct {
	s        *Scheduler
	task     func()
	period   time.Duration
	canceled atomic.Bool

	// next and timer are only touched by the job's own timer/worker chain
	// and by schedule before the timer starts.
	next  time.Time
	timer *time.Timer
}

// fire runs on the timer goroutine and hands the task to a worker.
// ants blocks here, not in the scheduling caller, when all workers are busy.
func (j *job) fire() {
	if j.canceled.Load() {
		j.s.forget(j)
		return
	}
	if err := j.s.workers.Submit(j.run); err != nil {
		log.WithField("scheduler", j.s.name).WithError(err).Warn("dropping scheduled task")
		j.s.forget(j)
	}
}

func (j *job) run() {
	if j.canceled.Load() {
		j.s.forget(j)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			j.s.handlePanic(r)
		}
		j.reschedule()
	}()

	j.task()
}

func (j *job) reschedule() {
	if j.period <= 0 || j.canceled.Load() {
		j.s.forget(j)
		return
	}

	now := time.Now()
	j.next = j.next.Add(j.period)
	if j.next.Before(now) {
		j.next = now
	}

	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if j.s.closed.Load() || j.canceled.Load() {
		delete(j.s.jobs, j)
		return
	}
	j.timer = time.AfterFunc(j.next.Sub(now), j.fire)
}

func (j *job) cancel() {
	if j.canceled.Swap(true) {
		return
	}
	j.s.mu.Lock()
	if j.timer != nil {
		j.timer.Stop()
	}
	delete(j.s.jobs, j)
	j.s.mu.Unlock()
}
