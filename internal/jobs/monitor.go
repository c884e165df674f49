package jobs

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/store"
)

// Outcome is how waiting on a job ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeTimeout means the job was still running when the monitor gave
	// up. The job is not failed and may still complete.
	OutcomeTimeout Outcome = "timeout"
)

// TimeoutMessage is reported with OutcomeTimeout.
const TimeoutMessage = "processing timeout: the document may still complete in the background"

const (
	defaultPollInterval = 2 * time.Second
	defaultPollTimeout  = 5 * time.Minute
)

// Result is what the monitor learned about a job.
type Result struct {
	Outcome Outcome
	Job     *model.AsyncJob
	// Attempt is the job's own attempt when the job completed.
	Attempt *model.ExtractionAttempt
	Message string
}

// Monitor polls a Runner until a job reaches a terminal state.
type Monitor struct {
	runner   Runner
	attempts AttemptSource
	interval time.Duration
	timeout  time.Duration
}

// AttemptSource loads attempts by id.
type AttemptSource interface {
	GetAttempt(ctx context.Context, id string) (*model.ExtractionAttempt, error)
}

var _ AttemptSource = store.Store(nil)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithPollInterval sets the fixed delay between polls.
func WithPollInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithPollTimeout sets how long Wait polls before reporting a timeout.
func WithPollTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewMonitor creates a Monitor polling every 2s for up to 5 minutes.
func NewMonitor(runner Runner, attempts AttemptSource, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		runner:   runner,
		attempts: attempts,
		interval: defaultPollInterval,
		timeout:  defaultPollTimeout,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Wait polls jobID until it completes, fails or the poll timeout passes.
// A timeout is an outcome, not an error. Cancelling ctx stops polling and
// returns ctx's error; the job itself carries on.
func (m *Monitor) Wait(ctx context.Context, jobID string) (*Result, error) {
	log := zap.L().With(zap.String("job_id", jobID))
	waitCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	tick := time.NewTimer(0)
	defer tick.Stop()

	var last *model.AsyncJob
	polls := 0
	stopped := func() (*Result, error) {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "jobs: wait for job %s", jobID)
		}
		log.Warn("jobs: poll timeout", zap.Int("polls", polls), zap.Duration("timeout", m.timeout))
		return &Result{Outcome: OutcomeTimeout, Job: last, Message: TimeoutMessage}, nil
	}

	for {
		select {
		case <-waitCtx.Done():
			return stopped()
		case <-tick.C:
		}

		polls++
		// A Get stuck past the deadline is cut off by waitCtx.
		job, err := m.runner.Get(waitCtx, jobID)
		if err != nil {
			if waitCtx.Err() != nil {
				return stopped()
			}
			// A failed poll is retried on the next tick.
			log.Warn("jobs: poll failed", zap.Error(err))
			tick.Reset(m.interval)
			continue
		}
		last = job

		switch job.Status {
		case model.JobCompleted:
			return m.completed(ctx, job)
		case model.JobFailed:
			msg := "job failed"
			if job.ErrorMessage != nil && *job.ErrorMessage != "" {
				msg = *job.ErrorMessage
			}
			return &Result{Outcome: OutcomeFailed, Job: job, Message: msg}, nil
		}
		tick.Reset(m.interval)
	}
}

// completed loads the attempt the job wrote. Other attempts of the same
// document, such as a sync extraction run meanwhile, are never consulted.
func (m *Monitor) completed(ctx context.Context, job *model.AsyncJob) (*Result, error) {
	if job.AttemptID == "" {
		return nil, eris.Errorf("jobs: job %s completed without an attempt id", job.ID)
	}
	a, err := m.attempts.GetAttempt(ctx, job.AttemptID)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: load attempt %s of job %s", job.AttemptID, job.ID)
	}
	a.ExtractionMethod = model.MethodPhase2Async
	return &Result{Outcome: OutcomeCompleted, Job: job, Attempt: a}, nil
}
