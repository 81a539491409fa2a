package scheduler

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/metrics"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
)

const (
	// maxJitter spreads job firings around shared boundaries.
	maxJitter = 30 * time.Second
	// disableAfterFailures auto-disables a job after this many consecutive
	// failures.
	disableAfterFailures = 10
	// idleWake bounds how long the loop sleeps with no due job.
	idleWake = time.Minute
)

// Publisher is the subset of the event bus the scheduler needs.
type Publisher interface {
	Publish(event *types.Event) error
}

// Scheduler fires scheduled jobs as scheduler.tick events and maintains
// their next_run bookkeeping.
type Scheduler struct {
	store storage.Store
	pub   Publisher

	now      func() time.Time
	jitterFn func() time.Duration

	mu     sync.Mutex
	notify chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler creates a scheduler over the given store and publisher.
func NewScheduler(store storage.Store, pub Publisher) *Scheduler {
	return &Scheduler{
		store:    store,
		pub:      pub,
		now:      time.Now,
		jitterFn: func() time.Duration { return time.Duration(rand.Int63n(int64(2*maxJitter))) - maxJitter },
		notify:   make(chan struct{}, 1),
	}
}

// Start runs catch-up for jobs that became due while the process was down,
// then begins the scheduling loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.catchUp(); err != nil {
		return fmt.Errorf("scheduler catch-up: %w", err)
	}
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop stops the scheduling loop. The scheduler may be started again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh, s.doneCh = nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// Notify wakes the loop after a job was created or changed.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// catchUp fires each enabled job whose next_run fell inside the downtime
// window. Missed occurrences coalesce: however many were missed, the job
// fires exactly once.
func (s *Scheduler) catchUp() error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return err
	}
	now := s.now()
	for _, job := range jobs {
		if !job.Enabled || job.NextRun.IsZero() || job.NextRun.After(now) {
			continue
		}
		log.WithJobID(job.ID).Info().
			Str("name", job.Name).
			Time("missed", job.NextRun).
			Msg("firing coalesced catch-up tick")
		if err := s.fire(job, now); err != nil {
			log.WithJobID(job.ID).Error().Err(err).Msg("catch-up fire failed")
		}
	}
	return nil
}

func (s *Scheduler) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		wait := s.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			s.tickDue()
		case <-s.notify:
			timer.Stop()
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

// untilNext computes the sleep until the earliest enabled next_run.
func (s *Scheduler) untilNext() time.Duration {
	jobs, err := s.store.ListJobs()
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("failed to list jobs")
		return idleWake
	}
	now := s.now()
	wait := idleWake
	for _, job := range jobs {
		if !job.Enabled || job.NextRun.IsZero() {
			continue
		}
		d := job.NextRun.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < wait {
			wait = d
		}
	}
	return wait
}

// tickDue fires every enabled job with next_run <= now.
func (s *Scheduler) tickDue() {
	jobs, err := s.store.ListJobs()
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("failed to list jobs")
		return
	}
	now := s.now()
	enabled := 0
	for _, job := range jobs {
		if job.Enabled {
			enabled++
		}
		if !job.Enabled || job.NextRun.IsZero() || job.NextRun.After(now) {
			continue
		}
		if err := s.fire(job, now); err != nil {
			log.WithJobID(job.ID).Error().Err(err).Msg("fire failed")
		}
	}
	metrics.JobsEnabled.Set(float64(enabled))
}

// fire publishes the tick, then advances the job. Publish comes first: a
// crash between the two leaves next_run in the past, so catch-up re-derives
// the occurrence instead of losing it (subscribers dedupe on event id).
// next_run is recomputed from now rather than the prior next_run so drift
// does not compound.
func (s *Scheduler) fire(job *types.Job, now time.Time) error {
	if err := s.publishTick(job); err != nil {
		return err
	}

	job.LastRun = now
	job.RunCount++
	if job.Frequency == types.FreqOnce {
		job.Enabled = false
		job.NextRun = time.Time{}
	} else {
		job.NextRun = s.advance(job, now)
	}
	return s.store.UpdateJob(job)
}

// advance computes the next occurrence, applying failure backoff and jitter.
func (s *Scheduler) advance(job *types.Job, now time.Time) time.Time {
	next := NextAfter(job, now)
	if backoff := failureBackoff(job.FailureCount); backoff > 0 {
		if delayed := now.Add(backoff); delayed.After(next) {
			next = delayed
		}
	}
	next = next.Add(s.jitterFn())
	if !next.After(now) {
		next = now.Add(time.Second)
	}
	return next
}

func (s *Scheduler) publishTick(job *types.Job) error {
	priority := types.PriorityNormal
	if job.Critical {
		priority = types.PriorityHigh
	}
	return s.pub.Publish(&types.Event{
		ID:       uuid.New().String(),
		Type:     bus.TopicSchedulerTick,
		Severity: types.SeverityInfo,
		Priority: priority,
		Source:   "scheduler",
		Payload: map[string]any{
			"job_id":    job.ID,
			"job_name":  job.Name,
			"agent":     string(job.Agent),
			"task_spec": job.TaskSpec,
		},
	})
}

// RunNow fires the job immediately without advancing next_run.
func (s *Scheduler) RunNow(jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	job.LastRun = s.now()
	job.RunCount++
	if err := s.store.UpdateJob(job); err != nil {
		return err
	}
	return s.publishTick(job)
}

// ReportResult records the outcome of an executed tick. Agents call this
// after running the job's task. Ten consecutive failures disable the job.
func (s *Scheduler) ReportResult(jobID string, runErr error) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}

	if runErr == nil {
		job.LastStatus = types.JobStatusSucceeded
		job.FailureCount = 0
		metrics.JobRuns.WithLabelValues("succeeded").Inc()
		return s.store.UpdateJob(job)
	}

	job.LastStatus = types.JobStatusFailed
	job.FailureCount++
	metrics.JobRuns.WithLabelValues("failed").Inc()

	disabled := false
	if job.FailureCount >= disableAfterFailures {
		job.Enabled = false
		disabled = true
	}
	if err := s.store.UpdateJob(job); err != nil {
		return err
	}

	if disabled {
		log.WithJobID(job.ID).Warn().
			Int("failures", job.FailureCount).
			Msg("job auto-disabled after consecutive failures")
		return s.pub.Publish(&types.Event{
			ID:       uuid.New().String(),
			Type:     bus.TopicJobDisabled,
			Severity: types.SeverityWarning,
			Priority: types.PriorityHigh,
			Source:   "scheduler",
			Payload: map[string]any{
				"job_id":   job.ID,
				"job_name": job.Name,
				"failures": job.FailureCount,
			},
		})
	}
	return nil
}

// CreateJob initializes next_run and persists a new job.
func (s *Scheduler) CreateJob(job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.LastStatus == "" {
		job.LastStatus = types.JobStatusNever
	}
	if job.NextRun.IsZero() {
		job.NextRun = NextAfter(job, s.now())
	}
	if err := s.store.CreateJob(job); err != nil {
		return err
	}
	s.Notify()
	return nil
}

// SetEnabled enables or disables a job. Enabling recomputes next_run so a
// long-disabled job does not immediately fire a stale occurrence.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	job.Enabled = enabled
	if enabled {
		job.FailureCount = 0
		job.NextRun = NextAfter(job, s.now())
	}
	if err := s.store.UpdateJob(job); err != nil {
		return err
	}
	s.Notify()
	return nil
}
