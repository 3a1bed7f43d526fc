package convert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/tablehq/sheetserve/internal/storage"
	"gorm.io/gorm"
)

// StatusCache mirrors job status transitions into a fast side channel
// (Redis) that the dashboard polls. The owning user rides along so a
// cache hit can be authorized without touching the database. Best
// effort: cache errors never affect the job outcome.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID string, userID uint64, status string, errMsg string) error
}

// Notifier is told once a job reaches a terminal state.
type Notifier interface {
	JobFinished(ctx context.Context, job *Job)
}

// Orchestrator owns the job state machine:
//
//	pending -> processing -> {completed | failed}
//
// One Process call handles one queue delivery. The converter process is
// a cooperating but untrusted peer: it may finalize the job record in
// the shared store itself, so every decision here re-reads current truth
// first and only ever issues forward transitions. All job-level faults
// are absorbed into the record; the queue runtime gets one attempt and
// never a retryable error.
type Orchestrator struct {
	repo          *Repo
	runner        Runner
	files         *storage.Store
	converterPath string
	graceDelay    time.Duration

	cache    StatusCache // optional
	notifier Notifier    // optional
}

func NewOrchestrator(repo *Repo, runner Runner, files *storage.Store, converterPath string, graceDelay time.Duration, cache StatusCache, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		repo:          repo,
		runner:        runner,
		files:         files,
		converterPath: converterPath,
		graceDelay:    graceDelay,
		cache:         cache,
		notifier:      notifier,
	}
}

// OutputRelPath is the deterministic artifact location for a job,
// relative to the storage root. The converter writes here; fallback
// reconciliation probes here.
func OutputRelPath(job *Job) string {
	return path.Join("outputs", strconv.FormatUint(job.UserID, 10), job.ID+"."+string(job.Format))
}

// Process drives one job to a terminal state. The returned error is for
// the worker's log only; by the time Process returns, the job record is
// never left in pending or processing.
func (o *Orchestrator) Process(ctx context.Context, jobID string) error {
	job, err := o.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("orchestrator: job %s not found, nothing to do", jobID)
			return nil
		}
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	// Duplicate delivery of a finished job is a no-op.
	if job.Status.Terminal() {
		log.Printf("orchestrator: job %s already %s, skipping", jobID, job.Status)
		return nil
	}

	claimed, err := o.repo.MarkProcessing(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !claimed {
		log.Printf("orchestrator: job %s claimed elsewhere, skipping", jobID)
		return nil
	}
	o.setCache(ctx, job, string(StatusProcessing), "")

	if err := o.run(ctx, job); err != nil {
		// Unexpected fault. The guarded update only lands if the job is
		// still processing; a terminal state written meanwhile wins.
		// Detached context: the fault may well be the context itself.
		if ferr := o.fail(context.WithoutCancel(ctx), job, "conversion failed unexpectedly: "+err.Error()); ferr != nil {
			log.Printf("orchestrator: job %s fault finalize failed: %v", jobID, ferr)
		}
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, job *Job) error {
	if _, err := os.Stat(o.converterPath); err != nil {
		// Systemic fault, not a per-job one: surface loudly and fail
		// without launching anything.
		log.Printf("orchestrator: converter missing at %s: %v", o.converterPath, err)
		return o.fail(ctx, job, fmt.Sprintf("converter script not found at %s", o.converterPath))
	}

	outRel := OutputRelPath(job)
	outAbs, err := o.files.Prepare(outRel)
	if err != nil {
		return err
	}

	res, err := o.runner.Run(ctx, RunRequest{
		InputPath:  o.files.Abs(job.InputPath),
		OutputPath: outAbs,
		JobID:      job.ID,
		Format:     job.Format,
	})

	switch {
	case errors.Is(err, ErrConverterTimeout):
		return o.fail(ctx, job, fmt.Sprintf("conversion timed out after %s", o.runner.Timeout()))
	case errors.Is(err, ErrConverterStart):
		return o.fail(ctx, job, "converter could not be started: "+err.Error())
	case errors.Is(err, context.Canceled):
		// Worker shutdown killed the converter mid-run. The finalize
		// write has to outlive the canceled context or the job would
		// be stranded in processing.
		return o.fail(context.WithoutCancel(ctx), job, "conversion aborted by worker shutdown")
	case err != nil:
		return err
	case res.ExitCode != 0:
		return o.fail(ctx, job, fmt.Sprintf("converter exited with code %d: %s", res.ExitCode, res.Stderr))
	}

	// Exit 0 is the converter's claim of success, not proof. It is
	// allowed to write the terminal status to the shared store itself;
	// give an async flush a moment, then read current truth.
	select {
	case <-time.After(o.graceDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	cur, err := o.repo.GetJobByID(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if cur.Status.Terminal() {
		// The converter finalized the record; accept as-is.
		errMsg := ""
		if cur.Error != nil {
			errMsg = *cur.Error
		}
		o.setCache(ctx, cur, string(cur.Status), errMsg)
		o.notify(ctx, cur.ID)
		return nil
	}

	// Exit 0 but the record was never finalized: the artifact on disk
	// is the ground truth.
	if o.files.Exists(outRel) {
		return o.complete(ctx, job, outRel)
	}
	return o.fail(ctx, job, "converter reported success but no output file was produced")
}

func (o *Orchestrator) complete(ctx context.Context, job *Job, outRel string) error {
	if err := o.repo.MarkCompleted(ctx, job.ID, outRel); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	o.setCache(ctx, job, string(StatusCompleted), "")
	o.notify(ctx, job.ID)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, job *Job, msg string) error {
	if err := o.repo.MarkFailed(ctx, job.ID, msg); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	o.setCache(ctx, job, string(StatusFailed), Truncate(msg, maxErrorLen))
	o.notify(ctx, job.ID)
	return nil
}

func (o *Orchestrator) setCache(ctx context.Context, job *Job, status string, errMsg string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetJobStatus(ctx, job.ID, job.UserID, status, errMsg); err != nil {
		log.Printf("orchestrator: status cache update failed job=%s: %v", job.ID, err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, jobID string) {
	if o.notifier == nil {
		return
	}
	job, err := o.repo.GetJobByID(ctx, jobID)
	if err != nil {
		log.Printf("orchestrator: notify reload failed job=%s: %v", jobID, err)
		return
	}
	o.notifier.JobFinished(ctx, job)
}
