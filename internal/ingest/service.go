// Package ingest turns uploaded documents into searchable chunks. Uploads are
// admitted against the document quota, queued, and indexed by a worker; the
// quota is only consumed when indexing succeeds.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"gorm.io/gorm"

	"github.com/suPer8Hu/pet-assistant/internal/common"
	"github.com/suPer8Hu/pet-assistant/internal/logging"
	"github.com/suPer8Hu/pet-assistant/internal/usage"
	"github.com/suPer8Hu/pet-assistant/internal/vectorindex"
)

var validate = validator.New()

var (
	ErrInvalidDocument = errors.New("invalid document")
	ErrJobNotFound     = errors.New("ingest job not found")
)

// Enqueuer hands a job id to the worker queue.
type Enqueuer interface {
	PublishJob(ctx context.Context, jobID string) error
}

// EnqueueFunc adapts a function to Enqueuer.
type EnqueueFunc func(ctx context.Context, jobID string) error

func (f EnqueueFunc) PublishJob(ctx context.Context, jobID string) error { return f(ctx, jobID) }

type SubmitRequest struct {
	DocumentID     string `json:"document_id" validate:"required,max=128"`
	Filename       string `json:"filename" validate:"required,max=255"`
	Text           string `json:"text" validate:"required"`
	IdempotencyKey string `json:"-" validate:"max=128"`
}

// SubmitResult is either a queued (or previously queued) job or a quota denial.
type SubmitResult struct {
	Job     *Job          `json:"job,omitempty"`
	Created bool          `json:"created"`
	Denial  *usage.Denial `json:"denial,omitempty"`
}

type Service struct {
	repo     *Repo
	gate     *usage.Gate
	ledger   usage.Ledger
	ingestor *Ingestor
	enqueuer Enqueuer
	ns       vectorindex.Namespaces
	logger   *log.Logger
}

func NewService(repo *Repo, gate *usage.Gate, ledger usage.Ledger, ingestor *Ingestor, enqueuer Enqueuer, ns vectorindex.Namespaces, logger *log.Logger) *Service {
	return &Service{
		repo:     repo,
		gate:     gate,
		ledger:   ledger,
		ingestor: ingestor,
		enqueuer: enqueuer,
		ns:       ns,
		logger:   logging.OrDiscard(logger),
	}
}

// SetEnqueuer replaces the queue, for wiring an in-process runner that needs the service itself.
func (s *Service) SetEnqueuer(e Enqueuer) { s.enqueuer = e }

// Submit admits an upload against the document quota and queues it. A repeated
// idempotency key returns the original job without touching the quota.
func (s *Service) Submit(ctx context.Context, userID uint64, req SubmitRequest) (SubmitResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := validate.Struct(req); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return SubmitResult{}, fmt.Errorf("%w: text is blank", ErrInvalidDocument)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetJobByUserAndIdempotencyKey(ctx, userID, req.IdempotencyKey)
		if err == nil {
			return SubmitResult{Job: existing}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return SubmitResult{}, err
		}
	}

	admit := s.gate.Admit(ctx, userID, usage.Document)
	if !admit.Proceed() {
		return SubmitResult{Denial: admit.Denial}, nil
	}
	res := admit.Reservation

	id, err := common.NewULID()
	if err != nil {
		s.release(res)
		return SubmitResult{}, err
	}
	job := &Job{
		ID:         id,
		UserID:     userID,
		DocumentID: req.DocumentID,
		Filename:   req.Filename,
		Text:       req.Text,
		Status:     JobQueued,
		QuotaDay:   res.Day,
	}
	if req.IdempotencyKey != "" {
		job.IdempotencyKey = &req.IdempotencyKey
	}

	stored, created, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		s.release(res)
		return SubmitResult{}, err
	}
	if !created {
		// a concurrent submit with the same key won; its reservation stands
		s.release(res)
		return SubmitResult{Job: stored}, nil
	}

	if err := s.enqueuer.PublishJob(ctx, stored.ID); err != nil {
		s.logger.Error().Err(err).Str("job_id", stored.ID).Uint64("user_id", userID).Msg("enqueue ingest job failed")
		s.release(res)
		_ = s.repo.MarkJobFailed(context.WithoutCancel(ctx), stored.ID, "enqueue failed")
		return SubmitResult{}, fmt.Errorf("enqueue ingest job: %w", err)
	}

	s.logger.Info().Str("job_id", stored.ID).Uint64("user_id", userID).Str("document_id", stored.DocumentID).Msg("ingest job queued")
	return SubmitResult{Job: stored, Created: true}, nil
}

// GetJob returns a job owned by userID; other users' jobs are reported as not found.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && j.UserID != userID) {
		return nil, ErrJobNotFound
	}
	return j, err
}

// RunJob indexes a queued job and settles its reservation: committed on success,
// released on failure. Jobs that are not queued are skipped.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	claimed, err := s.repo.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Info().Str("job_id", jobID).Msg("ingest job already claimed, skipping")
		return nil
	}

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	res := reservationFor(j)

	n, ingestErr := s.ingestor.Ingest(ctx, s.ns.UserDocument, Document{
		ID:       j.DocumentID,
		Filename: j.Filename,
		Text:     j.Text,
		OwnerID:  strconv.FormatUint(j.UserID, 10),
	})

	settle := context.WithoutCancel(ctx)
	if ingestErr != nil {
		s.release(res)
		if err := s.repo.MarkJobFailed(settle, j.ID, ingestErr.Error()); err != nil {
			s.logger.Error().Err(err).Str("job_id", j.ID).Msg("mark ingest job failed")
		}
		return ingestErr
	}

	settled := true
	if res != nil {
		if _, err := usage.CommitWithRetry(settle, s.ledger, res); err != nil {
			// the reservation stays held until the day rolls over
			settled = false
			s.logger.Error().Err(err).Str("job_id", j.ID).Uint64("user_id", j.UserID).Str("quota_day", res.Day).Msg("commit document usage failed")
		}
	}
	return s.repo.MarkJobSucceeded(settle, j.ID, n, settled)
}

// IngestShared indexes a document into the shared book-content corpus. It is an
// operator action and is not metered.
func (s *Service) IngestShared(ctx context.Context, doc Document) (int, error) {
	doc.OwnerID = ""
	return s.ingestor.Ingest(ctx, s.ns.BookContent, doc)
}

func reservationFor(j *Job) *usage.Reservation {
	if j.QuotaDay == "" {
		return nil
	}
	return &usage.Reservation{UserID: j.UserID, Dimension: usage.Document, Day: j.QuotaDay, Amount: 1}
}

func (s *Service) release(res *usage.Reservation) {
	if res == nil {
		return
	}
	if err := s.ledger.Release(context.Background(), res); err != nil {
		s.logger.Error().Err(err).Uint64("user_id", res.UserID).Str("dimension", string(res.Dimension)).Msg("release reservation failed")
	}
}
