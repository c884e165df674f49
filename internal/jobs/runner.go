// Package jobs runs large-document extractions in the background and
// monitors them until they finish.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/store"
	"github.com/agrisubsidy/harvest-cli/pkg/docjobs"
)

// Request describes the document a job extracts.
type Request struct {
	DocumentID   string
	AttemptID    string
	FileURL      string
	FileName     string
	DocumentType string
	UseHybrid    bool
}

// Runner starts background jobs and reports their state.
type Runner interface {
	Start(ctx context.Context, req Request) (*model.AsyncJob, error)
	Get(ctx context.Context, id string) (*model.AsyncJob, error)
}

// WorkFunc performs the extraction for a job. It must leave the outcome on
// the job's attempt; the returned error only decides the job status.
type WorkFunc func(ctx context.Context, job *model.AsyncJob, req Request) error

// LocalRunner runs jobs in goroutines of this process and records them in
// the store.
type LocalRunner struct {
	store   store.Store
	work    WorkFunc
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// LocalOption configures a LocalRunner.
type LocalOption func(*LocalRunner)

// WithJobTimeout bounds how long a single job may run.
func WithJobTimeout(d time.Duration) LocalOption {
	return func(r *LocalRunner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewLocalRunner creates a LocalRunner executing work.
func NewLocalRunner(st store.Store, work WorkFunc, opts ...LocalOption) *LocalRunner {
	r := &LocalRunner{
		store:   st,
		work:    work,
		timeout: 15 * time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start records a queued job and runs it detached from ctx, so the job
// keeps going when the caller stops waiting.
func (r *LocalRunner) Start(ctx context.Context, req Request) (*model.AsyncJob, error) {
	now := r.now()
	job := &model.AsyncJob{
		ID:         uuid.NewString(),
		DocumentID: req.DocumentID,
		AttemptID:  req.AttemptID,
		Status:     model.JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "jobs: create job")
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	snapshot := *job
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(runCtx, &snapshot, req)
	}()

	zap.L().Info("jobs: job queued",
		zap.String("job_id", job.ID),
		zap.String("document_id", req.DocumentID),
	)
	return job, nil
}

func (r *LocalRunner) run(ctx context.Context, job *model.AsyncJob, req Request) {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("document_id", job.DocumentID))

	job.Status = model.JobRunning
	job.UpdatedAt = r.now()
	var err error
	if uerr := r.store.UpdateJob(ctx, job); uerr != nil {
		// Skip the work and fail the job so it never stays queued.
		log.Error("jobs: mark running", zap.Error(uerr))
		err = eris.Wrap(uerr, "jobs: mark running")
	} else {
		err = r.safeWork(ctx, job, req)
	}

	job.UpdatedAt = r.now()
	if err != nil {
		msg := err.Error()
		job.Status = model.JobFailed
		job.ErrorMessage = &msg
		log.Warn("jobs: job failed", zap.Error(err))
	} else {
		job.Status = model.JobCompleted
		log.Info("jobs: job completed")
	}
	// The work context may have expired; the final status must still land.
	if uerr := r.store.UpdateJob(context.WithoutCancel(ctx), job); uerr != nil {
		log.Error("jobs: record final status", zap.Error(uerr))
	}
}

func (r *LocalRunner) safeWork(ctx context.Context, job *model.AsyncJob, req Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = eris.Errorf("jobs: panic: %v", p)
		}
	}()
	return r.work(ctx, job, req)
}

// Get loads a job from the store.
func (r *LocalRunner) Get(ctx context.Context, id string) (*model.AsyncJob, error) {
	job, err := r.store.GetJob(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: get job %s", id)
	}
	return job, nil
}

// Wait blocks until every started job has finished.
func (r *LocalRunner) Wait() {
	r.wg.Wait()
}

// RemoteRunner delegates jobs to a document-processing service. The
// service writes the attempt itself; the runner mirrors job state into the
// store for auditing.
type RemoteRunner struct {
	client docjobs.Client
	store  store.Store
	now    func() time.Time
}

// NewRemoteRunner creates a RemoteRunner. st may be nil to skip mirroring.
func NewRemoteRunner(client docjobs.Client, st store.Store) *RemoteRunner {
	return &RemoteRunner{
		client: client,
		store:  st,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start submits the job to the service.
func (r *RemoteRunner) Start(ctx context.Context, req Request) (*model.AsyncJob, error) {
	remote, err := r.client.Submit(ctx, docjobs.SubmitRequest{
		DocumentID:   req.DocumentID,
		AttemptID:    req.AttemptID,
		FileURL:      req.FileURL,
		FileName:     req.FileName,
		DocumentType: req.DocumentType,
		UseHybrid:    req.UseHybrid,
	})
	if err != nil {
		return nil, eris.Wrap(err, "jobs: submit remote job")
	}
	job := r.toModel(remote)
	if job.DocumentID == "" {
		job.DocumentID = req.DocumentID
	}
	if job.AttemptID == "" {
		job.AttemptID = req.AttemptID
	}
	if r.store != nil {
		if err := r.store.CreateJob(ctx, job); err != nil {
			zap.L().Warn("jobs: mirror remote job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return job, nil
}

// Get fetches the job state from the service.
func (r *RemoteRunner) Get(ctx context.Context, id string) (*model.AsyncJob, error) {
	remote, err := r.client.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: get remote job %s", id)
	}
	job := r.toModel(remote)
	if r.store != nil {
		if job.AttemptID == "" {
			// The service may omit the attempt id; the mirror recorded it at submit.
			if mirrored, err := r.store.GetJob(ctx, id); err == nil {
				job.AttemptID = mirrored.AttemptID
			}
		}
		if err := r.store.UpdateJob(ctx, job); err != nil && !eris.Is(err, store.ErrFinal) {
			zap.L().Debug("jobs: mirror remote status", zap.String("job_id", id), zap.Error(err))
		}
	}
	return job, nil
}

func (r *RemoteRunner) toModel(j *docjobs.Job) *model.AsyncJob {
	job := &model.AsyncJob{
		ID:         j.ID,
		DocumentID: j.DocumentID,
		AttemptID:  j.AttemptID,
		Status:     model.JobStatus(j.Status),
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	if j.Error != "" {
		msg := j.Error
		job.ErrorMessage = &msg
	}
	now := r.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	return job
}
