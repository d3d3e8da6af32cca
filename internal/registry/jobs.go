package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
)

// Job is one sync run's persisted record. Name doubles as the job's
// checkpoint namespace; Checksums hold the digests recorded at download time.
type Job struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	Stage     blocklist.Stage
	Checksums blocklist.Checksums
}

// JobStore persists sync jobs and guards their stage transitions.
type JobStore struct {
	p *Pool
}

// NewJobStore returns a job store bound to the pool.
func NewJobStore(p *Pool) *JobStore { return &JobStore{p: p} }

const jobColumns = `id, name, created_at, stage, checksums`

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j           Job
		stage, sums string
	)
	if err := row.Scan(&j.ID, &j.Name, &j.CreatedAt, &stage, &sums); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := blocklist.ParseStage(stage)
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", j.ID, err)
	}
	j.Stage = st
	if j.Checksums, err = blocklist.ParseChecksums(sums); err != nil {
		return nil, fmt.Errorf("job %d: %w", j.ID, err)
	}
	return &j, nil
}

// Create starts a new job at the DOWNLOAD stage. The name embeds the row id
// and creation time so every job gets a distinct checkpoint namespace.
func (s *JobStore) Create(ctx context.Context) (j *Job, err error) {
	tx, err := s.p.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	var (
		id        int64
		createdAt time.Time
	)
	const ins = `insert into sync_job (stage) values ('DOWNLOAD') returning id, created_at`
	if err = tx.QueryRow(ctx, ins).Scan(&id, &createdAt); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%d-%s", id, createdAt.UTC().Format("20060102T150405Z"))
	if _, err = tx.Exec(ctx, `update sync_job set name=$2 where id=$1`, id, name); err != nil {
		return nil, err
	}
	return &Job{
		ID:        id,
		Name:      name,
		CreatedAt: createdAt,
		Stage:     blocklist.StageDownload,
		Checksums: blocklist.Checksums{},
	}, nil
}

// Latest returns the newest job, or ErrNotFound when none exist.
func (s *JobStore) Latest(ctx context.Context) (*Job, error) {
	const q = `select ` + jobColumns + ` from sync_job order by id desc limit 1`
	return scanJob(s.p.QueryRow(ctx, q))
}

// LatestDone returns the newest DONE job with an id below beforeID, or
// ErrNotFound when none exist.
func (s *JobStore) LatestDone(ctx context.Context, beforeID int64) (*Job, error) {
	const q = `select ` + jobColumns + ` from sync_job where stage='DONE' and id < $1 order by id desc limit 1`
	return scanJob(s.p.QueryRow(ctx, q, beforeID))
}

// Get returns the job with the given id, or ErrNotFound.
func (s *JobStore) Get(ctx context.Context, id int64) (*Job, error) {
	const q = `select ` + jobColumns + ` from sync_job where id=$1`
	return scanJob(s.p.QueryRow(ctx, q, id))
}

// AdvanceStage moves a job from one stage to the next. The current stage is
// re-read under a row lock and must match from exactly; transitions may only
// move forward in declaration order.
func (s *JobStore) AdvanceStage(ctx context.Context, id int64, from, to blocklist.Stage) (err error) {
	tx, err := s.p.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	cur, err := lockStage(ctx, tx, id)
	if err != nil {
		return err
	}
	if cur != from {
		return fmt.Errorf("job %d: stage is %s, expected %s", id, cur, from)
	}
	if to <= cur {
		return fmt.Errorf("job %d: cannot move from %s back to %s", id, cur, to)
	}
	_, err = tx.Exec(ctx, `update sync_job set stage=$2 where id=$1`, id, to.String())
	return err
}

// SetStageChecksums records the download digests while leaving the DOWNLOAD
// stage. Checksums are written exactly once per job, at this transition.
func (s *JobStore) SetStageChecksums(ctx context.Context, id int64, to blocklist.Stage, sums blocklist.Checksums) (err error) {
	switch to {
	case blocklist.StageMakeDiff, blocklist.StageNop, blocklist.StageChecksumsNotMatch:
	default:
		return fmt.Errorf("job %d: checksums cannot be recorded entering %s", id, to)
	}
	tx, err := s.p.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	cur, err := lockStage(ctx, tx, id)
	if err != nil {
		return err
	}
	if cur != blocklist.StageDownload {
		return fmt.Errorf("job %d: stage is %s, checksums are recorded only leaving %s", id, cur, blocklist.StageDownload)
	}
	_, err = tx.Exec(ctx, `update sync_job set stage=$2, checksums=$3 where id=$1`, id, to.String(), sums.Encode())
	return err
}

func lockStage(ctx context.Context, tx pgx.Tx, id int64) (blocklist.Stage, error) {
	var stage string
	if err := tx.QueryRow(ctx, `select stage from sync_job where id=$1 for update`, id).Scan(&stage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return blocklist.ParseStage(stage)
}

// Plan is one scheduled pipeline run: the job to execute, the newest
// completed job before it (nil on a cold start), and whether the download
// stage must skip the no-change short circuit.
type Plan struct {
	Job           *Job
	Previous      *Job
	ForceDownload bool
}

// Scheduler decides which job a trigger should run: the newest job when it
// is still in flight, otherwise a fresh one.
type Scheduler struct {
	jobs    *JobStore
	enabled bool
	force   bool
	log     *zap.Logger
}

// NewScheduler returns a scheduler over the job store. When enabled is
// false, Plan always returns nil. force carries the operator's forced
// re-download flag into every plan.
func NewScheduler(jobs *JobStore, enabled, force bool, log *zap.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, enabled: enabled, force: force, log: log}
}

// Plan resolves the job for this trigger. A non-terminal newest job is
// resumed at its recorded stage; otherwise a new job starts at DOWNLOAD.
// Downloads are forced when no completed job exists to diff against.
func (s *Scheduler) Plan(ctx context.Context) (*Plan, error) {
	if !s.enabled {
		return nil, nil
	}
	latest, err := s.jobs.Latest(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if latest != nil && !latest.Stage.Terminal() {
		prev, err := s.latestDone(ctx, latest.ID)
		if err != nil {
			return nil, err
		}
		s.log.Info("resuming sync job",
			zap.Int64("jobId", latest.ID),
			zap.String("job", latest.Name),
			zap.String("stage", latest.Stage.String()))
		return &Plan{Job: latest, Previous: prev, ForceDownload: s.force || prev == nil}, nil
	}
	job, err := s.jobs.Create(ctx)
	if err != nil {
		return nil, err
	}
	prev, err := s.latestDone(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("starting sync job", zap.Int64("jobId", job.ID), zap.String("job", job.Name))
	return &Plan{Job: job, Previous: prev, ForceDownload: s.force || prev == nil}, nil
}

func (s *Scheduler) latestDone(ctx context.Context, beforeID int64) (*Job, error) {
	prev, err := s.jobs.LatestDone(ctx, beforeID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return prev, err
}
