package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tablehq/sheetserve/internal/storage"
	"gorm.io/gorm"
)

var (
	// ErrQuotaExceeded rejects a submission over the daily limit. The
	// job is never created.
	ErrQuotaExceeded = errors.New("daily conversion limit reached")

	// ErrNotReady refuses a download for a job that has not completed.
	ErrNotReady = errors.New("conversion is not completed")

	// ErrArtifactMissing refuses a download whose recorded output file
	// is gone from storage.
	ErrArtifactMissing = errors.New("output file is missing from storage")
)

// Publisher enqueues a job ID for the worker fleet.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Service is the submission and dashboard side of conversions: admission
// check, job creation, queueing, and download resolution. The worker
// side lives in Orchestrator.
type Service struct {
	repo    *Repo
	files   *storage.Store
	queue   Publisher
	limiter *RateLimiter
}

func NewService(repo *Repo, files *storage.Store, queue Publisher, limiter *RateLimiter) *Service {
	return &Service{repo: repo, files: files, queue: queue, limiter: limiter}
}

// Submit admits the upload against the owner's daily quota, creates the
// pending job, stores the spreadsheet and enqueues it. Quota check, job
// creation and counter bump run in one transaction so two racing
// submissions cannot both slip under the limit.
func (s *Service) Submit(ctx context.Context, userID uint64, originalFilename string, format Format, src io.Reader) (*Job, error) {
	jobID, err := NewJobID()
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(originalFilename))
	inputRel := path.Join("uploads", strconv.FormatUint(userID, 10), uuid.NewString()+ext)

	job := &Job{
		ID:               jobID,
		UserID:           userID,
		OriginalFilename: originalFilename,
		InputPath:        inputRel,
		Format:           format,
		Status:           StatusPending,
	}

	err = s.repo.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var q UserQuota
		var quota *UserQuota
		qerr := tx.First(&q, "user_id = ?", userID).Error
		switch {
		case qerr == nil:
			quota = &q
		case errors.Is(qerr, gorm.ErrRecordNotFound):
			quota = nil
		default:
			return qerr
		}

		if !s.limiter.Allow(quota) {
			return ErrQuotaExceeded
		}
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return bumpQuota(tx, userID, s.limiter.Limit(), time.Now())
	})
	if err != nil {
		return nil, err
	}

	// Admission passed; now the blob. A rejected submission never
	// touches storage.
	if err := s.files.Save(inputRel, src); err != nil {
		_ = s.repo.MarkFailed(ctx, job.ID, "failed to store uploaded file")
		return nil, fmt.Errorf("store upload: %w", err)
	}

	if err := s.queue.PublishJob(ctx, job.ID); err != nil {
		// The job exists but will never be delivered; surface that as a
		// failed job rather than leaving it pending forever.
		_ = s.repo.MarkFailed(ctx, job.ID, "failed to enqueue conversion")
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Get returns a job if it belongs to userID. Foreign jobs look like
// missing ones.
func (s *Service) Get(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, userID uint64, limit int) ([]Job, error) {
	return s.repo.ListJobs(ctx, userID, limit)
}

// ResolveDownload authorizes and locates a finished artifact. It returns
// the absolute file path and the attachment filename to serve it under.
func (s *Service) ResolveDownload(ctx context.Context, userID uint64, jobID string) (string, string, error) {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return "", "", err
	}
	if job.Status != StatusCompleted || job.OutputPath == nil {
		return "", "", ErrNotReady
	}
	if !s.files.Exists(*job.OutputPath) {
		return "", "", ErrArtifactMissing
	}
	return s.files.Abs(*job.OutputPath), downloadName(job), nil
}

// downloadName derives a safe attachment filename from the original
// upload name plus the artifact's extension.
func downloadName(job *Job) string {
	base := filepath.Base(job.OriginalFilename)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "converted"
	}
	return name + path.Ext(*job.OutputPath)
}
