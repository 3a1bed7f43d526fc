package convert

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
)

type fakePublisher struct {
	published []string
	err       error
}

func (p *fakePublisher) PublishJob(ctx context.Context, jobID string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, jobID)
	return nil
}

func newTestService(t *testing.T, limit int) (*Service, *Repo, *fakePublisher) {
	t.Helper()
	repo := NewRepo(openTestDB(t))
	pub := &fakePublisher{}
	svc := NewService(repo, newTestStore(t), pub, NewRateLimiter(limit))
	return svc, repo, pub
}

func TestSubmitCreatesPendingJobAndPublishes(t *testing.T) {
	svc, repo, pub := newTestService(t, 5)

	job, err := svc.Submit(context.Background(), 1, "Q3 Report.xlsx", FormatHTML, strings.NewReader("xlsx-bytes"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if len(pub.published) != 1 || pub.published[0] != job.ID {
		t.Fatalf("job id not published: %v", pub.published)
	}

	q, err := repo.GetQuota(context.Background(), 1)
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if q.DailyCount != 1 {
		t.Fatalf("daily count = %d, want 1", q.DailyCount)
	}
}

func TestSubmitQuotaScenario(t *testing.T) {
	// counter=4, limit=5: one more goes through and tops the counter
	// out; the next same-day submission is refused with no job created.
	svc, repo, _ := newTestService(t, 5)

	if err := repo.DB().Create(&UserQuota{
		UserID:          3,
		DailyCount:      4,
		LastProcessedAt: time.Now(),
	}).Error; err != nil {
		t.Fatalf("seed quota: %v", err)
	}

	job, err := svc.Submit(context.Background(), 3, "data.xlsx", FormatSQL, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("fifth submission must be admitted: %v", err)
	}
	if got := reload(t, repo, job.ID); got.Status != StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	q, _ := repo.GetQuota(context.Background(), 3)
	if q.DailyCount != 5 {
		t.Fatalf("daily count = %d, want 5", q.DailyCount)
	}

	if _, err := svc.Submit(context.Background(), 3, "data.xlsx", FormatSQL, strings.NewReader("x")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("sixth submission: err = %v, want ErrQuotaExceeded", err)
	}

	var count int64
	if err := repo.DB().Model(&Job{}).Where("user_id = ?", uint64(3)).Count(&count).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("rejected submission created a job: %d rows", count)
	}
}

func TestQuotaBumpRefusedAtLimit(t *testing.T) {
	// The bump is a guarded UPDATE, not read-then-write: at the limit it
	// must affect zero rows and refuse, no matter what an earlier read
	// said. This is what keeps two racing submissions from both landing
	// over the limit.
	repo := NewRepo(openTestDB(t))

	if err := repo.DB().Create(&UserQuota{
		UserID:          8,
		DailyCount:      5,
		LastProcessedAt: time.Now(),
	}).Error; err != nil {
		t.Fatalf("seed quota: %v", err)
	}

	if err := bumpQuota(repo.DB(), 8, 5, time.Now()); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("bump at limit: err = %v, want ErrQuotaExceeded", err)
	}

	q, err := repo.GetQuota(context.Background(), 8)
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if q.DailyCount != 5 {
		t.Fatalf("daily count = %d, refused bump must not move the counter", q.DailyCount)
	}

	// One below the limit the same statement admits and tops out.
	if err := repo.DB().Model(&UserQuota{}).Where("user_id = ?", uint64(8)).
		Update("daily_count", 4).Error; err != nil {
		t.Fatalf("reset counter: %v", err)
	}
	if err := bumpQuota(repo.DB(), 8, 5, time.Now()); err != nil {
		t.Fatalf("bump below limit: %v", err)
	}
	q, _ = repo.GetQuota(context.Background(), 8)
	if q.DailyCount != 5 {
		t.Fatalf("daily count = %d, want 5", q.DailyCount)
	}
}

func TestSubmitStaleQuotaRestartsAtOne(t *testing.T) {
	svc, repo, _ := newTestService(t, 5)

	if err := repo.DB().Create(&UserQuota{
		UserID:          4,
		DailyCount:      5,
		LastProcessedAt: time.Now().AddDate(0, 0, -2),
	}).Error; err != nil {
		t.Fatalf("seed quota: %v", err)
	}

	if _, err := svc.Submit(context.Background(), 4, "a.xlsx", FormatHTML, strings.NewReader("x")); err != nil {
		t.Fatalf("stale counter must not block: %v", err)
	}
	q, _ := repo.GetQuota(context.Background(), 4)
	if q.DailyCount != 1 {
		t.Fatalf("daily count = %d, want restart at 1", q.DailyCount)
	}
}

func TestSubmitPublishFailureFailsJob(t *testing.T) {
	svc, repo, pub := newTestService(t, 5)
	pub.err = errors.New("broker unreachable")

	_, err := svc.Submit(context.Background(), 1, "a.xlsx", FormatHTML, strings.NewReader("x"))
	if err == nil {
		t.Fatalf("expected publish failure to surface")
	}

	var jobs []Job
	if err := repo.DB().Find(&jobs).Error; err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != StatusFailed {
		t.Fatalf("unpublishable job must end failed, got %+v", jobs)
	}
}

func TestGetHidesForeignJobs(t *testing.T) {
	svc, repo, _ := newTestService(t, 5)
	job := mustCreateJob(t, repo, &Job{UserID: 1})

	if _, err := svc.Get(context.Background(), 2, job.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("foreign job: err = %v, want record not found", err)
	}
	if _, err := svc.Get(context.Background(), 1, job.ID); err != nil {
		t.Fatalf("owner must see the job: %v", err)
	}
}

func TestResolveDownload(t *testing.T) {
	svc, repo, _ := newTestService(t, 5)

	pending := mustCreateJob(t, repo, &Job{UserID: 1})
	if _, _, err := svc.ResolveDownload(context.Background(), 1, pending.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("pending job: err = %v, want ErrNotReady", err)
	}

	// Completed but the artifact vanished from storage.
	gone := "outputs/1/gone.html"
	missing := mustCreateJob(t, repo, &Job{UserID: 1, Status: StatusCompleted, OutputPath: &gone})
	if _, _, err := svc.ResolveDownload(context.Background(), 1, missing.ID); !errors.Is(err, ErrArtifactMissing) {
		t.Fatalf("missing artifact: err = %v, want ErrArtifactMissing", err)
	}

	// Happy path with a filename that needs sanitizing.
	rel := "outputs/1/ok.html"
	if err := svc.files.Save(rel, strings.NewReader("<html></html>")); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
	done := mustCreateJob(t, repo, &Job{
		UserID:           1,
		Status:           StatusCompleted,
		OutputPath:       &rel,
		OriginalFilename: "../étage/Q3 Report (final).xlsx",
	})

	abs, name, err := svc.ResolveDownload(context.Background(), 1, done.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if abs != svc.files.Abs(rel) {
		t.Fatalf("abs path = %s", abs)
	}
	if name != "Q3_Report_final.html" {
		t.Fatalf("download name = %q", name)
	}

	// Foreign requester is refused even for a finished job.
	if _, _, err := svc.ResolveDownload(context.Background(), 9, done.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("foreign download: err = %v, want record not found", err)
	}
}
