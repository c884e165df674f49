package pipeline

import (
	"context"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/agrisubsidy/harvest-cli/internal/extract"
	"github.com/agrisubsidy/harvest-cli/internal/jobs"
	"github.com/agrisubsidy/harvest-cli/internal/model"
	"github.com/agrisubsidy/harvest-cli/internal/quality"
	"github.com/agrisubsidy/harvest-cli/internal/review"
	"github.com/agrisubsidy/harvest-cli/internal/store"
)

// ExtractRequest is the extract trigger payload. The document text comes
// from Text, else FileURL, else the harvested page whose id is DocumentID.
type ExtractRequest struct {
	DocumentID   string `json:"documentId" validate:"required,max=200"`
	FileURL      string `json:"fileUrl,omitempty" validate:"omitempty,max=2048"`
	FileName     string `json:"fileName,omitempty" validate:"omitempty,max=500"`
	DocumentType string `json:"documentType,omitempty" validate:"omitempty,max=100"`
	// UseHybridMode defaults to true. False forces the AI path.
	UseHybridMode *bool  `json:"useHybridMode,omitempty"`
	Text          string `json:"text,omitempty"`
}

var validate = validator.New()

// Validate checks the request shape.
func (r ExtractRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return eris.Wrap(err, "pipeline: invalid extract request")
	}
	return nil
}

// Hybrid reports whether the local parser may answer without AI.
func (r ExtractRequest) Hybrid() bool {
	return r.UseHybridMode == nil || *r.UseHybridMode
}

// ExtractResponse is the extract trigger reply.
type ExtractResponse struct {
	Success          bool                   `json:"success"`
	AttemptID        string                 `json:"attemptId,omitempty"`
	ExtractedData    map[string]any         `json:"extractedData,omitempty"`
	MappedData       map[string]any         `json:"mappedData,omitempty"`
	Confidence       float64                `json:"confidence"`
	ExtractionMethod model.ExtractionMethod `json:"extractionMethod,omitempty"`
	TokensUsed       *int                   `json:"tokensUsed,omitempty"`
	ProcessingTime   *int64                 `json:"processingTime,omitempty"`
	QualityScore     *float64               `json:"qualityScore,omitempty"`
	Verdict          quality.Verdict        `json:"verdict,omitempty"`
	Issues           []quality.Issue        `json:"issues,omitempty"`
	Actions          []quality.Action       `json:"actions,omitempty"`
	AIAttempted      bool                   `json:"aiAttempted"`
	AIError          string                 `json:"aiError,omitempty"`
	Timeout          bool                   `json:"timeout,omitempty"`
	JobID            string                 `json:"jobId,omitempty"`
	Error            string                 `json:"error,omitempty"`
}

// Extract runs one extraction attempt. Extraction failures are reported in
// the response with Success false; the returned error is reserved for
// invalid requests and storage failures.
func (s *Service) Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.FileName == "" {
		req.FileName = fileNameOf(req.FileURL)
	}
	start := s.now()
	log := zap.L().With(zap.String("document_id", req.DocumentID), zap.String("file", req.FileName))

	attempt := model.NewAttempt(uuid.NewString(), req.DocumentID, model.AttemptInput{
		FileURL:      req.FileURL,
		FileName:     req.FileName,
		DocumentType: req.DocumentType,
		UseHybrid:    req.Hybrid(),
		TextLength:   utf8.RuneCountInString(req.Text),
	}, start)
	attempt.Status = model.AttemptProcessing
	if err := s.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, eris.Wrap(err, "pipeline: create attempt")
	}

	route := s.router.Route(req.FileName, req.DocumentType)
	if route == extract.PathAsync && req.Text != "" {
		// Inline text cannot be handed to a job.
		route = extract.PathSync
	}
	log.Info("pipeline: extraction started",
		zap.String("attempt_id", attempt.ID),
		zap.String("path", string(route)),
		zap.Bool("hybrid", req.Hybrid()),
	)

	if route == extract.PathAsync {
		return s.extractAsync(ctx, attempt, req)
	}

	qa, err := s.process(ctx, attempt, req, "")
	if err != nil {
		return nil, err
	}
	return s.response(attempt, qa), nil
}

// process loads the text, extracts, assesses and stores the outcome on
// attempt. method, when set, overrides the recorded extraction method.
func (s *Service) process(ctx context.Context, attempt *model.ExtractionAttempt, req ExtractRequest, method model.ExtractionMethod) (*quality.Assessment, error) {
	start := s.now()
	log := zap.L().With(zap.String("attempt_id", attempt.ID), zap.String("document_id", attempt.DocumentID))

	page, text, err := s.loadText(ctx, req)
	if page != nil {
		s.setPageStatus(ctx, page.ID, model.PageStatusProcessing)
	}

	var res *extract.Result
	if err == nil {
		attempt.Input.TextLength = utf8.RuneCountInString(text)
		res, err = s.extractor.Extract(ctx, extract.Input{
			Text:     text,
			FileName: req.FileName,
			ForceAI:  !req.Hybrid(),
		})
	}

	// The outcome is recorded even if the caller has gone away.
	finishCtx := context.WithoutCancel(ctx)
	attempt.UpdatedAt = s.now()
	elapsed := attempt.UpdatedAt.Sub(start).Milliseconds()
	attempt.ProcessingTimeMs = &elapsed

	if err != nil {
		attempt.Fail(err.Error())
		log.Warn("pipeline: extraction failed", zap.Error(err))
		if page != nil {
			s.setPageStatus(finishCtx, page.ID, model.PageStatusFailed)
		}
		if uerr := s.store.UpdateAttempt(finishCtx, attempt); uerr != nil {
			return nil, eris.Wrap(uerr, "pipeline: record failed attempt")
		}
		return nil, nil
	}

	applyResult(attempt, res)
	if method != "" {
		attempt.ExtractionMethod = method
	}
	qa := quality.Assess(attempt, s.extractor.Schema(), s.quality)

	if err := s.store.UpdateAttempt(finishCtx, attempt); err != nil {
		return nil, eris.Wrap(err, "pipeline: record attempt")
	}
	if page != nil {
		s.setPageStatus(finishCtx, page.ID, model.PageStatusProcessed)
	}

	log.Info("pipeline: extraction recorded",
		zap.String("method", string(attempt.ExtractionMethod)),
		zap.Float64("confidence", attempt.Confidence),
		zap.Float64("quality", qa.Overall),
		zap.String("verdict", string(qa.Verdict)),
		zap.Int64("processing_ms", elapsed),
	)

	if qa.Verdict == quality.VerdictManualReview && s.review != nil {
		if err := s.review.Notify(finishCtx, review.NewItem(attempt, qa, s.dashboardURL)); err != nil {
			log.Warn("pipeline: review notification failed", zap.Error(err))
		}
	}
	return &qa, nil
}

// applyResult copies an extraction result onto a completed attempt.
func applyResult(a *model.ExtractionAttempt, res *extract.Result) {
	a.Status = model.AttemptCompleted
	a.ExtractedFields = res.Fields
	a.MappedFields = res.Mapped
	a.ValidationErrors = res.ValidationErrors
	a.UnmappedFields = res.Unmapped
	a.Confidence = res.Confidence
	a.LocalConfidence = res.LocalConfidence
	a.ExtractionMethod = res.Method
	a.AIAttempted = res.AIAttempted
	a.AIError = res.AIError
	a.Model = res.Model
	a.CostUSD = res.Usage.Cost
	if res.AIAttempted {
		tokens := res.Usage.Total()
		a.TokensUsed = &tokens
	}
}

// loadText returns the document text and, when it came from the raw page
// store, the page.
func (s *Service) loadText(ctx context.Context, req ExtractRequest) (*model.RawPage, string, error) {
	if strings.TrimSpace(req.Text) != "" {
		return nil, req.Text, nil
	}
	if req.FileURL != "" {
		if s.loader == nil {
			return nil, "", eris.New("pipeline: no document loader configured")
		}
		doc, err := s.loader.Load(ctx, req.FileURL, req.FileName)
		if err != nil {
			return nil, "", eris.Wrap(err, "pipeline: load document")
		}
		return nil, doc.Text, nil
	}
	page, err := s.store.GetRawPage(ctx, req.DocumentID)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			return nil, "", eris.Errorf("pipeline: document %s has no text, file url or harvested page", req.DocumentID)
		}
		return nil, "", eris.Wrap(err, "pipeline: load raw page")
	}
	text := page.RawText
	if page.TextMarkdown != "" {
		text = page.TextMarkdown
	}
	return page, text, nil
}

func fileNameOf(fileURL string) string {
	if fileURL == "" {
		return ""
	}
	u, err := url.Parse(fileURL)
	if err != nil || u.Path == "" {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}

func (s *Service) setPageStatus(ctx context.Context, id string, status model.PageStatus) {
	if err := s.store.UpdatePageStatus(ctx, id, status); err != nil {
		zap.L().Warn("pipeline: update page status",
			zap.String("page_id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// extractAsync hands the document to the job runner and waits for it.
func (s *Service) extractAsync(ctx context.Context, attempt *model.ExtractionAttempt, req ExtractRequest) (*ExtractResponse, error) {
	log := zap.L().With(zap.String("attempt_id", attempt.ID), zap.String("document_id", attempt.DocumentID))

	job, err := s.runner.Start(ctx, jobs.Request{
		DocumentID:   req.DocumentID,
		AttemptID:    attempt.ID,
		FileURL:      req.FileURL,
		FileName:     req.FileName,
		DocumentType: req.DocumentType,
		UseHybrid:    req.Hybrid(),
	})
	if err != nil {
		attempt.Fail(err.Error())
		attempt.UpdatedAt = s.now()
		if uerr := s.store.UpdateAttempt(context.WithoutCancel(ctx), attempt); uerr != nil {
			return nil, eris.Wrap(uerr, "pipeline: record failed attempt")
		}
		return s.response(attempt, nil), nil
	}

	res, err := s.monitor.Wait(ctx, job.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: wait for job")
	}

	switch res.Outcome {
	case jobs.OutcomeCompleted:
		qa := quality.Assess(res.Attempt, s.extractor.Schema(), s.quality)
		resp := s.response(res.Attempt, &qa)
		resp.JobID = job.ID
		return resp, nil
	case jobs.OutcomeTimeout:
		log.Warn("pipeline: async extraction still running", zap.String("job_id", job.ID))
		return &ExtractResponse{
			Success:          false,
			AttemptID:        attempt.ID,
			ExtractionMethod: model.MethodPhase2Async,
			Timeout:          true,
			JobID:            job.ID,
			Error:            res.Message,
		}, nil
	default:
		s.failIfOpen(ctx, attempt.ID, res.Message)
		return &ExtractResponse{
			Success:          false,
			AttemptID:        attempt.ID,
			ExtractionMethod: model.MethodPhase2Async,
			JobID:            job.ID,
			Error:            res.Message,
		}, nil
	}
}

// failIfOpen marks the attempt failed when a failed job never reached it.
func (s *Service) failIfOpen(ctx context.Context, attemptID, msg string) {
	ctx = context.WithoutCancel(ctx)
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil || a.Status.Terminal() {
		return
	}
	a.Fail(msg)
	a.UpdatedAt = s.now()
	if err := s.store.UpdateAttempt(ctx, a); err != nil {
		zap.L().Warn("pipeline: record failed job attempt", zap.String("attempt_id", attemptID), zap.Error(err))
	}
}

// runJob is the work of an in-process background job.
func (s *Service) runJob(ctx context.Context, job *model.AsyncJob, req jobs.Request) error {
	attempt, err := s.store.GetAttempt(ctx, req.AttemptID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load attempt %s", req.AttemptID)
	}
	hybrid := req.UseHybrid
	qa, err := s.process(ctx, attempt, ExtractRequest{
		DocumentID:    req.DocumentID,
		FileURL:       req.FileURL,
		FileName:      req.FileName,
		DocumentType:  req.DocumentType,
		UseHybridMode: &hybrid,
	}, model.MethodPhase2Async)
	if err != nil {
		return err
	}
	if qa == nil {
		msg := "extraction failed"
		if attempt.ErrorMessage != nil {
			msg = *attempt.ErrorMessage
		}
		return eris.New(msg)
	}
	return nil
}

func (s *Service) response(a *model.ExtractionAttempt, qa *quality.Assessment) *ExtractResponse {
	resp := &ExtractResponse{
		Success:          a.Status == model.AttemptCompleted,
		AttemptID:        a.ID,
		Confidence:       a.Confidence,
		ExtractionMethod: a.ExtractionMethod,
		TokensUsed:       a.TokensUsed,
		ProcessingTime:   a.ProcessingTimeMs,
		AIAttempted:      a.AIAttempted,
		AIError:          a.AIError,
	}
	if a.ErrorMessage != nil {
		resp.Error = *a.ErrorMessage
	}
	if !resp.Success {
		return resp
	}
	resp.ExtractedData = a.ExtractedFields
	resp.MappedData = a.MappedFields
	if qa != nil {
		score := qa.Overall
		resp.QualityScore = &score
		resp.Verdict = qa.Verdict
		resp.Issues = qa.Issues
		resp.Actions = qa.ReviewActions()
	}
	return resp
}
