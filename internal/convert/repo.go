package convert

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxErrorLen caps the diagnostic excerpt stored on a failed job.
const maxErrorLen = 180

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) DB() *gorm.DB { return r.db }

func (r *Repo) CreateJob(ctx context.Context, job *Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns a user's jobs in DESC creation order (newest -> oldest).
func (r *Repo) ListJobs(ctx context.Context, userID uint64, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var jobs []Job
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// MarkProcessing claims the job for a single worker: a conditional
// pending -> processing update that also clears any stale error. The
// returned bool is false when another writer got there first (the job
// was already claimed or already terminal).
func (r *Repo) MarkProcessing(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":        StatusProcessing,
			"error_message": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkCompleted finalizes the job with its output artifact path. The
// guard mirrors the one used by the converter process writing to the
// same table: a job that already reached a terminal state is left alone,
// so concurrent writers can only ever move status forward.
func (r *Repo) MarkCompleted(ctx context.Context, id string, outputPath string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status NOT IN ?", id, []Status{StatusCompleted, StatusFailed}).
		Updates(map[string]any{
			"status":          StatusCompleted,
			"output_filepath": outputPath,
			"error_message":   nil,
		}).Error
}

// MarkFailed finalizes the job with a truncated diagnostic, under the
// same forward-only guard as MarkCompleted.
func (r *Repo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	msg := Truncate(errMsg, maxErrorLen)
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status NOT IN ?", id, []Status{StatusCompleted, StatusFailed}).
		Updates(map[string]any{
			"status":          StatusFailed,
			"error_message":   msg,
			"output_filepath": nil,
		}).Error
}

func (r *Repo) GetQuota(ctx context.Context, userID uint64) (*UserQuota, error) {
	var q UserQuota
	if err := r.db.WithContext(ctx).First(&q, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &q, nil
}

// Truncate caps s at n bytes for storage in the job's error column.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// bumpQuota records one accepted submission inside the caller's
// transaction. The bump is a single guarded UPDATE: two submissions
// that both read count=limit-1 cannot both land over the limit - the
// loser affects zero rows, gets ErrQuotaExceeded and rolls the job
// insert back. A row stamped on a previous day restarts at 1.
func bumpQuota(tx *gorm.DB, userID uint64, limit uint, now time.Time) error {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserQuota{UserID: userID, DailyCount: 1, LastProcessedAt: now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		// First submission ever for this user.
		return nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	upd := tx.Model(&UserQuota{}).
		Where("user_id = ? AND (daily_count < ? OR last_processed_at < ?)", userID, limit, dayStart).
		Updates(map[string]any{
			"daily_count":       gorm.Expr("CASE WHEN last_processed_at < ? THEN 1 ELSE daily_count + 1 END", dayStart),
			"last_processed_at": now,
		})
	if upd.Error != nil {
		return upd.Error
	}
	if upd.RowsAffected == 0 {
		return ErrQuotaExceeded
	}
	return nil
}
