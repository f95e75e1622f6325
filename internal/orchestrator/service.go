// -----------------------------------------------------------------------
// Job service - create, read, cancel, pause, resume, skip preview
// -----------------------------------------------------------------------

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/harmony-eo/harmony/internal/common"
	"github.com/harmony-eo/harmony/internal/interfaces"
	"github.com/harmony-eo/harmony/internal/models"
)

// StepSpec describes one workflow step of a job request.
type StepSpec struct {
	ServiceID           string          `json:"serviceID"`
	Operation           json.RawMessage `json:"operation"`
	IsBatched           bool            `json:"isBatched"`
	MaxBatchInputs      int             `json:"maxBatchInputs,omitempty"`
	MaxBatchSizeInBytes int64           `json:"maxBatchSizeInBytes,omitempty"`
	IsInputProducer     bool            `json:"isInputProducer"`
}

// CreateJobRequest carries everything needed to accept a new job.
type CreateJobRequest struct {
	Username         string     `json:"username"`
	RequestURL       string     `json:"request"`
	IgnoreErrors     bool       `json:"ignoreErrors"`
	NumInputGranules int        `json:"numInputGranules"`
	IsAsync          bool       `json:"isAsync"`
	CollectionIDs    []string   `json:"collectionIds,omitempty"`
	Steps            []StepSpec `json:"steps"`
}

// JobService owns the job lifecycle operations.
type JobService struct {
	store  interfaces.StorageManager
	queues interfaces.QueueProvider
	config *common.Config
	logger arbor.ILogger
}

// NewJobService creates a new job service.
func NewJobService(store interfaces.StorageManager, queues interfaces.QueueProvider,
	config *common.Config, logger arbor.ILogger) *JobService {
	return &JobService{
		store:  store,
		queues: queues,
		config: config,
		logger: logger,
	}
}

// CreateJob accepts a job, persists its workflow, seeds the first work
// item, and signals the scheduler. Jobs whose input granule count exceeds
// the preview threshold start in previewing; everything else starts running.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if err := validateCreateJobRequest(&req, s.config); err != nil {
		return nil, err
	}

	job := models.NewJob(req.Username, req.RequestURL, req.IgnoreErrors, req.NumInputGranules)
	job.CollectionIDs = req.CollectionIDs
	job.IsAsync = req.IsAsync

	initial := models.JobStatusRunning
	if s.config.Orchestration.PreviewThreshold > 0 &&
		req.NumInputGranules > s.config.Orchestration.PreviewThreshold {
		initial = models.JobStatusPreviewing
	}
	if err := job.Transition(initial, "", false); err != nil {
		return nil, err
	}

	steps := make([]*models.WorkflowStep, 0, len(req.Steps))
	for i, spec := range req.Steps {
		step := &models.WorkflowStep{
			JobID:               job.ID,
			StepIndex:           i + 1,
			ServiceID:           spec.ServiceID,
			Operation:           string(spec.Operation),
			IsBatched:           spec.IsBatched,
			MaxBatchInputs:      spec.MaxBatchInputs,
			MaxBatchSizeInBytes: spec.MaxBatchSizeInBytes,
			IsInputProducer:     spec.IsInputProducer,
		}
		if step.IsBatched {
			if step.MaxBatchInputs <= 0 {
				step.MaxBatchInputs = s.config.Batching.MaxBatchInputs
			}
			if step.MaxBatchSizeInBytes <= 0 {
				step.MaxBatchSizeInBytes = s.config.Batching.MaxBatchSizeInBytes
			}
		}
		steps = append(steps, step)
	}

	// A non-producing first step gets exactly the one seeded item, so its
	// input set is already complete at submission.
	if !steps[0].IsInputProducer {
		steps[0].IsComplete = true
	}

	// Seed the pipeline with one item for the first step. Input-producing
	// steps page through the source catalog from an empty scroll position.
	first := models.NewWorkItem(job.ID, 1, steps[0].ServiceID)
	if err := s.store.Jobs().CreateJob(ctx, job, steps, []*models.WorkItem{first}); err != nil {
		return nil, err
	}

	signalScheduler(ctx, s.queues, s.logger, steps[0].ServiceID)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("username", job.Username).
		Str("status", string(job.Status)).
		Int("granules", job.NumInputGranules).
		Msg("Job accepted")
	return job, nil
}

// GetJob returns a job with links, errors, and warnings embedded.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.Jobs().GetJob(ctx, jobID)
}

// ListJobs returns a page of jobs and the total match count.
func (s *JobService) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, int, error) {
	return s.store.Jobs().ListJobs(ctx, filter)
}

// CancelJob cancels a job and every item of it that has not finished.
// Queued deliveries for canceled items are dropped at delivery time.
func (s *JobService) CancelJob(ctx context.Context, jobID string, admin bool) (*models.Job, error) {
	var job *models.Job
	err := s.store.WithJobTx(ctx, jobID, func(tx interfaces.JobTx) error {
		var err error
		if job, err = tx.GetJob(jobID); err != nil {
			return err
		}
		if err := job.Transition(models.JobStatusCanceled, "", admin); err != nil {
			return err
		}
		if err := tx.UpdateJob(job); err != nil {
			return err
		}
		canceled, err := tx.CancelActiveWorkItems(jobID)
		if err != nil {
			return err
		}
		s.logger.Info().
			Str("job_id", jobID).
			Int("work_items", canceled).
			Bool("admin", admin).
			Msg("Job canceled")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// PauseJob pauses a running or previewing job. In-flight items finish and
// report normally, but nothing new is dispatched while paused.
func (s *JobService) PauseJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.transitionJob(ctx, jobID, models.JobStatusPaused)
}

// ResumeJob resumes a paused job and nudges the scheduler so its ready work
// is dispatched again. Items that finished while the job was paused could
// not complete it, so the completion check runs again here.
func (s *JobService) ResumeJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	err := s.store.WithJobTx(ctx, jobID, func(tx interfaces.JobTx) error {
		var err error
		if job, err = tx.GetJob(jobID); err != nil {
			return err
		}
		if err := job.Transition(models.JobStatusRunning, "", false); err != nil {
			return err
		}
		if err := completeJobIfFinished(tx, job, s.logger); err != nil {
			return err
		}
		return tx.UpdateJob(job)
	})
	if err != nil {
		return nil, err
	}
	s.signalReadyServices(ctx)
	return job, nil
}

// SkipPreview moves a previewing or auto-paused job straight to running.
// When a fresh access token is supplied it replaces the token inside every
// step operation, since the original may expire before the job finishes.
func (s *JobService) SkipPreview(ctx context.Context, jobID, accessToken string) (*models.Job, error) {
	var job *models.Job
	err := s.store.WithJobTx(ctx, jobID, func(tx interfaces.JobTx) error {
		var err error
		if job, err = tx.GetJob(jobID); err != nil {
			return err
		}
		if err := job.Transition(models.JobStatusRunning, "", false); err != nil {
			return err
		}

		if accessToken != "" {
			steps, err := tx.ListWorkflowSteps(jobID)
			if err != nil {
				return err
			}
			for _, step := range steps {
				rewritten, err := rewriteAccessToken(step.Operation, accessToken)
				if err != nil {
					return fmt.Errorf("failed to rewrite step %d operation: %w", step.StepIndex, err)
				}
				step.Operation = rewritten
				if err := tx.UpdateWorkflowStep(step); err != nil {
					return err
				}
			}
		}

		// The auto-pause may have landed after the last item finished.
		if err := completeJobIfFinished(tx, job, s.logger); err != nil {
			return err
		}
		return tx.UpdateJob(job)
	})
	if err != nil {
		return nil, err
	}
	s.signalReadyServices(ctx)
	return job, nil
}

func (s *JobService) transitionJob(ctx context.Context, jobID string, next models.JobStatus) (*models.Job, error) {
	var job *models.Job
	err := s.store.WithJobTx(ctx, jobID, func(tx interfaces.JobTx) error {
		var err error
		if job, err = tx.GetJob(jobID); err != nil {
			return err
		}
		if err := job.Transition(next, "", false); err != nil {
			return err
		}
		return tx.UpdateJob(job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobService) signalReadyServices(ctx context.Context) {
	services, err := s.store.Work().ServicesWithReadyWork(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list services with ready work")
		return
	}
	for _, serviceID := range services {
		signalScheduler(ctx, s.queues, s.logger, serviceID)
	}
}

func validateCreateJobRequest(req *CreateJobRequest, config *common.Config) error {
	if req.Username == "" {
		return &models.ValidationError{Field: "username", Reason: "must not be empty"}
	}
	if len(req.Steps) == 0 {
		return &models.ValidationError{Field: "steps", Reason: "at least one workflow step is required"}
	}
	if req.NumInputGranules < 0 {
		return &models.ValidationError{Field: "numInputGranules", Reason: "must not be negative"}
	}
	if req.NumInputGranules > config.Orchestration.MaxGranuleLimit {
		return &models.ValidationError{
			Field:  "numInputGranules",
			Reason: fmt.Sprintf("exceeds the limit of %d granules", config.Orchestration.MaxGranuleLimit),
		}
	}
	for i, step := range req.Steps {
		if step.ServiceID == "" {
			return &models.ValidationError{
				Field:  "steps",
				Reason: fmt.Sprintf("step %d has no service ID", i+1),
			}
		}
	}
	return nil
}

// rewriteAccessToken replaces the accessToken field of a serialized
// operation, leaving everything else untouched.
func rewriteAccessToken(operation, accessToken string) (string, error) {
	if operation == "" {
		return operation, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(operation), &decoded); err != nil {
		return "", err
	}
	decoded["accessToken"] = accessToken
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
