// Package scheduling runs periodic maintenance jobs (the tail sweep and the
// stale-unit reaper) on cron schedules. When a Locker is configured, each run
// first takes a named lock so only one replica executes a job at a time.
package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Locker grants short-lived exclusive leases. *cache.Locker implements it.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, name, token string) error
}

// Job is one scheduled unit of work.
type Job struct {
	Name     string
	Schedule string
	// LockTTL bounds how long one run may hold the lock. Defaults to one minute.
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

// RunStats summarises a job's history since start.
type RunStats struct {
	Runs     int       `json:"runs"`
	Skipped  int       `json:"skipped"`
	Failures int       `json:"failures"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

type Scheduler struct {
	cron   *cron.Cron
	locker Locker
	logger zerolog.Logger

	mu     sync.Mutex
	stats  map[string]*RunStats
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Scheduler)

// WithLocker makes every run acquire a distributed lock named after the job.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: zerolog.Nop(),
		stats:  make(map[string]*RunStats),
	}
	for _, o := range opts {
		o(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Add registers a job. The schedule uses the standard five-field cron syntax
// or descriptors such as "@every 30s".
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job name and run function are required")
	}
	if job.LockTTL <= 0 {
		job.LockTTL = time.Minute
	}
	s.mu.Lock()
	if _, dup := s.stats[job.Name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("job %q already registered", job.Name)
	}
	s.stats[job.Name] = &RunStats{}
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(job.Schedule, func() { s.RunOnce(s.ctx, job) }); err != nil {
		s.mu.Lock()
		delete(s.stats, job.Name)
		s.mu.Unlock()
		return fmt.Errorf("schedule %s %q: %w", job.Name, job.Schedule, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RunOnce executes job immediately, honouring the lock.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) {
	log := s.logger.With().Str("job", job.Name).Logger()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, "job:"+job.Name, job.LockTTL)
		if err != nil {
			log.Warn().Err(err).Msg("job lock attempt failed")
			s.record(job.Name, false, err)
			return
		}
		if !ok {
			log.Debug().Msg("job lock held by another instance")
			s.record(job.Name, false, nil)
			return
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx), "job:"+job.Name, token); err != nil {
				log.Warn().Err(err).Msg("job unlock failed")
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, job.LockTTL)
	defer cancel()

	start := time.Now()
	err := job.Run(runCtx)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
	} else {
		log.Debug().Dur("elapsed", time.Since(start)).Msg("job finished")
	}
	s.record(job.Name, true, err)
}

func (s *Scheduler) record(name string, ran bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &RunStats{}
		s.stats[name] = st
	}
	if !ran {
		st.Skipped++
		if err != nil {
			st.Failures++
			st.LastErr = err.Error()
		}
		return
	}
	st.Runs++
	st.LastRun = time.Now().UTC()
	st.LastErr = ""
	if err != nil {
		st.Failures++
		st.LastErr = err.Error()
	}
}

// Stats returns a copy of the per-job counters.
func (s *Scheduler) Stats() map[string]RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RunStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = *v
	}
	return out
}
