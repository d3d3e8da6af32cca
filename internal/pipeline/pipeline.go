// Package pipeline drives the block-list sync state machine: download the
// provider's lists, diff them against the last completed run, apply the diff
// to the registry, and report the results back. Every stage checkpoints its
// output and advances the job row before the next stage starts, so a run
// killed anywhere resumes at the stage it died in.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
	"github.com/yourorg/blocksync/internal/classify"
	"github.com/yourorg/blocksync/internal/diff"
	"github.com/yourorg/blocksync/internal/idn"
	"github.com/yourorg/blocksync/internal/metrics"
	"github.com/yourorg/blocksync/internal/provider"
	"github.com/yourorg/blocksync/internal/registry"
	"github.com/yourorg/blocksync/internal/storage"
)

// Planner decides which job a trigger runs. Satisfied by registry.Scheduler.
type Planner interface {
	Plan(ctx context.Context) (*registry.Plan, error)
}

// Locker serializes runs across processes. Satisfied by registry.Lock.
type Locker interface {
	RunWithLock(ctx context.Context, fn func(context.Context) error) (bool, error)
}

// JobStore persists stage transitions. Satisfied by registry.JobStore.
type JobStore interface {
	AdvanceStage(ctx context.Context, id int64, from, to blocklist.Stage) error
	SetStageChecksums(ctx context.Context, id int64, to blocklist.Stage, sums blocklist.Checksums) error
}

// ListFetcher opens block-list downloads. Satisfied by provider.Fetcher.
type ListFetcher interface {
	Fetch(ctx context.Context, lt blocklist.ListType) (*provider.LazyList, error)
}

// Reporter pushes results to the provider. Satisfied by provider.Reporter.
type Reporter interface {
	ReportOrdersInProgress(ctx context.Context, orders []blocklist.Order) ([]byte, error)
	ReportOrdersCompleted(ctx context.Context, orders []blocklist.Order) ([]byte, error)
	AddUnblockableDomains(ctx context.Context, domains []blocklist.UnblockableDomain) ([][]byte, error)
	RemoveUnblockableDomains(ctx context.Context, domains []blocklist.UnblockableDomain) ([][]byte, error)
}

// Registry is the registry-side persistence surface both the sync and
// refresh pipelines use. Satisfied by registry.Store.
type Registry interface {
	classify.Registry
	EnrolledTLDs(ctx context.Context) (map[string][]string, error)
	BlockedLabelPage(ctx context.Context, after string, limit int) ([]string, error)
	DeleteUnblockables(ctx context.Context, domains []blocklist.UnblockableDomain) (int64, error)
}

// Config wires a Pipeline.
type Config struct {
	Scheduler   Planner
	Lock        Locker
	Jobs        JobStore
	Fetcher     ListFetcher
	Reporter    Reporter
	Registry    Registry
	Checkpoints *storage.CheckpointStore
	ScratchDir  string
	BatchSize   int
	Log         *zap.Logger
}

// Pipeline executes sync runs. One instance serves all triggers; each Run
// holds the cross-process lock for its whole duration.
type Pipeline struct {
	sched   Planner
	lock    Locker
	jobs    JobStore
	fetch   ListFetcher
	report  Reporter
	reg     Registry
	ckpt    *storage.CheckpointStore
	scratch string
	batch   int
	log     *zap.Logger
}

// New builds a Pipeline from its collaborators.
func New(cfg Config) *Pipeline {
	if cfg.BatchSize <= 0 || cfg.BatchSize > 1<<20 {
		cfg.BatchSize = 500
	}
	return &Pipeline{
		sched:   cfg.Scheduler,
		lock:    cfg.Lock,
		jobs:    cfg.Jobs,
		fetch:   cfg.Fetcher,
		report:  cfg.Reporter,
		reg:     cfg.Registry,
		ckpt:    cfg.Checkpoints,
		scratch: cfg.ScratchDir,
		batch:   cfg.BatchSize,
		log:     cfg.Log,
	}
}

// Run executes one locked pipeline pass. Every failure is logged and
// swallowed here: the periodic trigger is the retry mechanism, and a failed
// stage leaves the job row untouched for the next attempt to resume.
func (p *Pipeline) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("sync run panicked", zap.Any("panic", r), zap.Stack("stack"))
			metrics.SyncRuns.WithLabelValues("error").Inc()
		}
	}()
	acquired, err := p.lock.RunWithLock(ctx, p.runLocked)
	if err != nil {
		p.log.Error("sync run failed", zap.Error(err))
		metrics.SyncRuns.WithLabelValues("error").Inc()
		return
	}
	if !acquired {
		p.log.Info("sync already running elsewhere, skipping")
		metrics.SyncRuns.WithLabelValues("contended").Inc()
	}
}

// run carries per-execution state across stages.
type run struct {
	plan   *registry.Plan
	oracle *idn.Checker
}

func (p *Pipeline) runLocked(ctx context.Context) error {
	plan, err := p.sched.Plan(ctx)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	if plan == nil {
		p.log.Info("block list sync disabled, nothing to do")
		return nil
	}
	if plan.Job.Stage.Terminal() {
		p.log.Warn("dispatched job is already at a terminal stage",
			zap.Int64("jobId", plan.Job.ID),
			zap.String("stage", plan.Job.Stage.String()))
		return nil
	}
	r := &run{plan: plan}
	for {
		stage := plan.Job.Stage
		start := time.Now()
		next, err := p.step(ctx, r)
		metrics.StageDuration.WithLabelValues(stage.String()).Observe(time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		p.log.Info("stage complete",
			zap.Int64("jobId", plan.Job.ID),
			zap.String("from", stage.String()),
			zap.String("to", next.String()))
		plan.Job.Stage = next
		if next.Terminal() {
			metrics.SyncRuns.WithLabelValues(strings.ToLower(next.String())).Inc()
			return nil
		}
	}
}

func (p *Pipeline) step(ctx context.Context, r *run) (blocklist.Stage, error) {
	switch r.plan.Job.Stage {
	case blocklist.StageDownload:
		return p.download(ctx, r)
	case blocklist.StageMakeDiff:
		return p.makeDiff(ctx, r)
	case blocklist.StageApplyDiff:
		return p.applyDiff(ctx, r)
	case blocklist.StageStartUploading:
		return p.startUploading(ctx, r)
	case blocklist.StageUploadUnblockables:
		return p.uploadUnblockables(ctx, r)
	case blocklist.StageFinishUploading:
		return p.finishUploading(ctx, r)
	}
	return 0, fmt.Errorf("no handler for stage %s", r.plan.Job.Stage)
}

// oracleFor builds the validity oracle from the enrolled TLDs once per run.
func (p *Pipeline) oracleFor(ctx context.Context, r *run) (*idn.Checker, error) {
	if r.oracle != nil {
		return r.oracle, nil
	}
	tlds, err := p.reg.EnrolledTLDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load enrolled tlds: %w", err)
	}
	checker, err := idn.NewChecker(tlds)
	if err != nil {
		return nil, err
	}
	r.oracle = checker
	return checker, nil
}

// download fetches both lists, short-circuits to NOP when nothing changed,
// and otherwise persists the raw bytes and verifies them against the
// advertised digests.
func (p *Pipeline) download(ctx context.Context, r *run) (blocklist.Stage, error) {
	job := r.plan.Job
	block, err := p.fetch.Fetch(ctx, blocklist.ListBlock)
	if err != nil {
		return 0, err
	}
	defer block.Close()
	blockPlus, err := p.fetch.Fetch(ctx, blocklist.ListBlockPlus)
	if err != nil {
		return 0, err
	}
	defer blockPlus.Close()

	lists := map[blocklist.ListType]*provider.LazyList{
		blocklist.ListBlock:     block,
		blocklist.ListBlockPlus: blockPlus,
	}
	advertised := blocklist.Checksums{}
	for lt, l := range lists {
		advertised[lt] = l.Checksum()
	}

	var prevSums blocklist.Checksums
	if r.plan.Previous != nil {
		prevSums = r.plan.Previous.Checksums
	}
	if !r.plan.ForceDownload && advertised.Equal(prevSums) {
		p.log.Info("block lists unchanged since last completed job",
			zap.Int64("jobId", job.ID),
			zap.String("checksums", advertised.Encode()))
		if err := p.jobs.SetStageChecksums(ctx, job.ID, blocklist.StageNop, advertised); err != nil {
			return 0, err
		}
		return blocklist.StageNop, nil
	}

	computed := blocklist.Checksums{}
	for _, lt := range blocklist.AllListTypes() {
		sum, err := p.ckpt.SaveList(ctx, job.Name, lt, lists[lt])
		if err != nil {
			return 0, err
		}
		computed[lt] = sum
	}
	if !computed.Equal(advertised) {
		p.log.Error("downloaded lists failed checksum verification",
			zap.Int64("jobId", job.ID),
			zap.String("advertised", advertised.Encode()),
			zap.String("computed", computed.Encode()))
		if err := p.jobs.SetStageChecksums(ctx, job.ID, blocklist.StageChecksumsNotMatch, computed); err != nil {
			return 0, err
		}
		return blocklist.StageChecksumsNotMatch, nil
	}
	if err := p.jobs.SetStageChecksums(ctx, job.ID, blocklist.StageMakeDiff, computed); err != nil {
		return 0, err
	}
	job.Checksums = computed
	return blocklist.StageMakeDiff, nil
}

// makeDiff replays this job's persisted lists (and the previous job's, when
// one exists) through the diff engine and checkpoints the order and label
// change streams.
func (p *Pipeline) makeDiff(ctx context.Context, r *run) (blocklist.Stage, error) {
	job := r.plan.Job
	oracle, err := p.oracleFor(ctx, r)
	if err != nil {
		return 0, err
	}
	eng, err := diff.New(p.scratch, job.Name)
	if err != nil {
		return 0, err
	}
	defer eng.Close()

	load := func(jobName string, into func(blocklist.ListType, blocklist.SourceLine) error) error {
		for _, lt := range blocklist.AllListTypes() {
			err := p.ckpt.ReadListLines(ctx, jobName, lt, func(line string) error {
				src, err := blocklist.ParseSourceLine(line)
				if err != nil {
					return err
				}
				return into(lt, src)
			})
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := load(job.Name, eng.LoadCurrent); err != nil {
		return 0, err
	}
	if prev := r.plan.Previous; prev != nil {
		if err := load(prev.Name, eng.LoadPrevious); err != nil {
			return 0, err
		}
	}

	orders, err := eng.Orders()
	if err != nil {
		return 0, err
	}
	ow, err := p.ckpt.NewOrderWriter(ctx, job.Name)
	if err != nil {
		return 0, err
	}
	for _, o := range orders {
		if err := ow.Write(o); err != nil {
			ow.Close()
			return 0, err
		}
	}
	if err := ow.Close(); err != nil {
		return 0, err
	}

	lw, err := p.ckpt.NewLabelWriter(ctx, job.Name)
	if err != nil {
		return 0, err
	}
	if err := eng.Labels(ctx, oracle, func(l blocklist.Label) error {
		metrics.LabelsDiffed.WithLabelValues(string(l.Type)).Inc()
		return lw.Write(l)
	}); err != nil {
		lw.Close()
		return 0, err
	}
	if err := lw.Close(); err != nil {
		return 0, err
	}
	p.log.Info("diff written",
		zap.Int64("jobId", job.ID),
		zap.Int("orders", len(orders)),
		zap.Int("labels", lw.Count()))

	if err := p.jobs.AdvanceStage(ctx, job.ID, blocklist.StageMakeDiff, blocklist.StageApplyDiff); err != nil {
		return 0, err
	}
	return blocklist.StageApplyDiff, nil
}

// applyDiff streams the label diff through the classifier in batches and
// checkpoints every unblockable domain it produces.
func (p *Pipeline) applyDiff(ctx context.Context, r *run) (blocklist.Stage, error) {
	job := r.plan.Job
	oracle, err := p.oracleFor(ctx, r)
	if err != nil {
		return 0, err
	}
	applier := classify.NewApplier(p.reg, oracle, job.CreatedAt, p.log)

	uw, err := p.ckpt.NewUnblockableWriter(ctx, job.Name)
	if err != nil {
		return 0, err
	}
	batch := make([]blocklist.Label, 0, p.batch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		domains, err := applier.Apply(ctx, batch)
		if err != nil {
			return err
		}
		for _, d := range domains {
			metrics.UnblockableDomains.WithLabelValues(string(d.Reason)).Inc()
			if err := uw.Write(d); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}
	err = p.ckpt.ReadLabels(ctx, job.Name, func(l blocklist.Label) error {
		batch = append(batch, l)
		if len(batch) >= p.batch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		uw.Close()
		return 0, err
	}
	if err := uw.Close(); err != nil {
		return 0, err
	}
	p.log.Info("diff applied",
		zap.Int64("jobId", job.ID),
		zap.Int("unblockables", uw.Count()))

	if err := p.jobs.AdvanceStage(ctx, job.ID, blocklist.StageApplyDiff, blocklist.StageStartUploading); err != nil {
		return 0, err
	}
	return blocklist.StageStartUploading, nil
}

// startUploading reports the diffed orders as in progress.
func (p *Pipeline) startUploading(ctx context.Context, r *run) (blocklist.Stage, error) {
	job := r.plan.Job
	orders, err := p.readOrders(ctx, job.Name)
	if err != nil {
		return 0, err
	}
	payload, err := p.report.ReportOrdersInProgress(ctx, orders)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		if err := p.ckpt.SaveReport(ctx, job.Name, storage.ReportOrdersInProgress, payload); err != nil {
			return 0, err
		}
	}
	if err := p.jobs.AdvanceStage(ctx, job.ID, blocklist.StageStartUploading, blocklist.StageUploadUnblockables); err != nil {
		return 0, err
	}
	return blocklist.StageUploadUnblockables, nil
}

// uploadUnblockables streams the checkpointed unblockable domains to the
// provider in bulk batches.
func (p *Pipeline) uploadUnblockables(ctx context.Context, r *run) (blocklist.Stage, error) {
	job := r.plan.Job
	var (
		batch    []blocklist.UnblockableDomain
		payloads [][]byte
		total    int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		sent, err := p.report.AddUnblockableDomains(ctx, batch)
		if err != nil {
			return err
		}
		payloads = append(payloads, sent...)
		total += len(batch)
		batch = batch[:0]
		return nil
	}
	err := p.ckpt.ReadUnblockables(ctx, job.Name, func(d blocklist.UnblockableDomain) error {
		batch = append(batch, d)
		if len(batch) >= provider.UploadBatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return 0, err
	}
	if err := p.ckpt.SaveReport(ctx, job.Name, storage.ReportUnblockablesAdded, payloads...); err != nil {
		return 0, err
	}
	p.log.Info("unblockable domains uploaded",
		zap.Int64("jobId", job.ID),
		zap.Int("count", total))

	if err := p.jobs.AdvanceStage(ctx, job.ID, blocklist.StageUploadUnblockables, blocklist.StageFinishUploading); err != nil {
		return 0, err
	}
	return blocklist.StageFinishUploading, nil
}

// finishUploading reports the diffed orders as completed and ends the job.
func (p *Pipeline) finishUploading(ctx context.Context, r *run) (blocklist.Stage, error) {
	job := r.plan.Job
	orders, err := p.readOrders(ctx, job.Name)
	if err != nil {
		return 0, err
	}
	payload, err := p.report.ReportOrdersCompleted(ctx, orders)
	if err != nil {
		return 0, err
	}
	if payload != nil {
		if err := p.ckpt.SaveReport(ctx, job.Name, storage.ReportOrdersCompleted, payload); err != nil {
			return 0, err
		}
	}
	if err := p.jobs.AdvanceStage(ctx, job.ID, blocklist.StageFinishUploading, blocklist.StageDone); err != nil {
		return 0, err
	}
	return blocklist.StageDone, nil
}

func (p *Pipeline) readOrders(ctx context.Context, jobName string) ([]blocklist.Order, error) {
	var orders []blocklist.Order
	err := p.ckpt.ReadOrders(ctx, jobName, func(o blocklist.Order) error {
		orders = append(orders, o)
		return nil
	})
	return orders, err
}
