package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/tablehq/sheetserve/internal/storage"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Job{}, &UserQuota{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	return s
}

// stubConverterPath creates a file standing in for the converter script,
// satisfying the pre-flight existence check.
func stubConverterPath(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "converter_core.py")
	if err := os.WriteFile(p, []byte("# stub"), 0o755); err != nil {
		t.Fatalf("write stub converter: %v", err)
	}
	return p
}

func mustCreateJob(t *testing.T, repo *Repo, job *Job) *Job {
	t.Helper()
	if job.ID == "" {
		id, err := NewJobID()
		if err != nil {
			t.Fatalf("new job id: %v", err)
		}
		job.ID = id
	}
	if job.Format == "" {
		job.Format = FormatHTML
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.OriginalFilename == "" {
		job.OriginalFilename = "report.xlsx"
	}
	if job.InputPath == "" {
		job.InputPath = "uploads/1/input.xlsx"
	}
	if err := repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func reload(t *testing.T, repo *Repo, id string) *Job {
	t.Helper()
	j, err := repo.GetJobByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return j
}

// fakeRunner scripts one converter execution.
type fakeRunner struct {
	result  RunResult
	err     error
	timeout time.Duration
	calls   int

	// onRun simulates the converter's side effects (writing the
	// artifact, finalizing the record) before the result is returned.
	onRun func(req RunRequest)
}

func (f *fakeRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	f.calls++
	if f.onRun != nil {
		f.onRun(req)
	}
	return f.result, f.err
}

func (f *fakeRunner) Timeout() time.Duration {
	if f.timeout == 0 {
		return time.Minute
	}
	return f.timeout
}
