package pipeline

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
	"github.com/yourorg/blocksync/internal/idn"
	"github.com/yourorg/blocksync/internal/metrics"
)

// Refresher re-derives the unblockable set for every blocked label and
// reconciles registry rows and provider state with the result. Registration
// and reservation churn between syncs is invisible to the diff pipeline, so
// this runs on its own trigger. It holds the same lock as the sync pipeline
// and touches no job row and no checkpoints.
type Refresher struct {
	lock   Locker
	reg    Registry
	report Reporter
	page   int
	log    *zap.Logger
}

// NewRefresher builds a Refresher scanning pageSize blocked labels at a time.
func NewRefresher(lock Locker, reg Registry, report Reporter, pageSize int, log *zap.Logger) *Refresher {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Refresher{lock: lock, reg: reg, report: report, page: pageSize, log: log}
}

// Run executes one locked refresh pass, swallowing failures the same way the
// sync pipeline does: the next trigger is the retry.
func (r *Refresher) Run(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("unblockable refresh panicked", zap.Any("panic", rec), zap.Stack("stack"))
			metrics.RefreshRuns.WithLabelValues("error").Inc()
		}
	}()
	acquired, err := r.lock.RunWithLock(ctx, r.runLocked)
	if err != nil {
		r.log.Error("unblockable refresh failed", zap.Error(err))
		metrics.RefreshRuns.WithLabelValues("error").Inc()
		return
	}
	if !acquired {
		r.log.Info("sync already running elsewhere, skipping refresh")
		metrics.RefreshRuns.WithLabelValues("contended").Inc()
		return
	}
	metrics.RefreshRuns.WithLabelValues("done").Inc()
}

func (r *Refresher) runLocked(ctx context.Context) error {
	tlds, err := r.reg.EnrolledTLDs(ctx)
	if err != nil {
		return fmt.Errorf("load enrolled tlds: %w", err)
	}
	checker, err := idn.NewChecker(tlds)
	if err != nil {
		return err
	}

	var after string
	var scanned, added, removed int
	for {
		labels, err := r.reg.BlockedLabelPage(ctx, after, r.page)
		if err != nil {
			return err
		}
		if len(labels) == 0 {
			break
		}
		scanned += len(labels)
		a, d, err := r.refreshPage(ctx, checker, labels)
		if err != nil {
			return fmt.Errorf("refresh after %q: %w", after, err)
		}
		added += a
		removed += d
		after = labels[len(labels)-1]
	}
	r.log.Info("unblockable refresh complete",
		zap.Int("labels", scanned),
		zap.Int("added", added),
		zap.Int("removed", removed))
	return nil
}

// refreshPage reconciles one page of blocked labels. Stale rows are removed
// before new ones are added so a reason change never leaves the provider
// holding both.
func (r *Refresher) refreshPage(ctx context.Context, checker *idn.Checker, labels []string) (added, removed int, err error) {
	desired, err := r.desiredFor(ctx, checker, labels)
	if err != nil {
		return 0, 0, err
	}
	persisted, err := r.reg.UnblockablesForLabels(ctx, labels)
	if err != nil {
		return 0, 0, err
	}

	have := make(map[string]blocklist.UnblockableDomain, len(persisted))
	for _, d := range persisted {
		have[d.Label+"."+d.TLD] = d
	}
	var removals, additions []blocklist.UnblockableDomain
	for name, d := range have {
		if want, ok := desired[name]; !ok || want.Reason != d.Reason {
			removals = append(removals, d)
		}
	}
	for name, d := range desired {
		if cur, ok := have[name]; !ok || cur.Reason != d.Reason {
			additions = append(additions, d)
		}
	}
	sortDomains(removals)
	sortDomains(additions)

	if len(removals) > 0 {
		if _, err := r.reg.DeleteUnblockables(ctx, removals); err != nil {
			return 0, 0, err
		}
		if _, err := r.report.RemoveUnblockableDomains(ctx, removals); err != nil {
			return 0, 0, err
		}
	}
	if len(additions) > 0 {
		if err := r.reg.SaveUnblockables(ctx, additions); err != nil {
			return 0, 0, err
		}
		if _, err := r.report.AddUnblockableDomains(ctx, additions); err != nil {
			return 0, 0, err
		}
	}
	return len(additions), len(removals), nil
}

// desiredFor computes the unblockable rows the registry's current state
// implies for the given labels, keyed by fully qualified name. Registration
// wins over reservation for the same name; invalid names are simply absent.
func (r *Refresher) desiredFor(ctx context.Context, checker *idn.Checker, labels []string) (map[string]blocklist.UnblockableDomain, error) {
	var candLabels, candTLDs, fqdns []string
	for _, label := range labels {
		for _, tld := range checker.SupportingTLDs(checker.ValidTables(label)) {
			candLabels = append(candLabels, label)
			candTLDs = append(candTLDs, tld)
			fqdns = append(fqdns, label+"."+tld)
		}
	}
	desired := make(map[string]blocklist.UnblockableDomain)
	if len(fqdns) == 0 {
		return desired, nil
	}
	registered, err := r.reg.RegisteredDomains(ctx, fqdns)
	if err != nil {
		return nil, err
	}
	var resLabels, resTLDs []string
	for i, name := range fqdns {
		if registered[name] {
			desired[name] = blocklist.UnblockableDomain{
				Label:  candLabels[i],
				TLD:    candTLDs[i],
				Reason: blocklist.ReasonRegistered,
			}
			continue
		}
		resLabels = append(resLabels, candLabels[i])
		resTLDs = append(resTLDs, candTLDs[i])
	}
	if len(resLabels) > 0 {
		reserved, err := r.reg.ReservedDomains(ctx, resLabels, resTLDs)
		if err != nil {
			return nil, err
		}
		for i := range resLabels {
			name := resLabels[i] + "." + resTLDs[i]
			if reserved[name] {
				desired[name] = blocklist.UnblockableDomain{
					Label:  resLabels[i],
					TLD:    resTLDs[i],
					Reason: blocklist.ReasonReserved,
				}
			}
		}
	}
	return desired, nil
}

func sortDomains(ds []blocklist.UnblockableDomain) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Label != ds[j].Label {
			return ds[i].Label < ds[j].Label
		}
		return ds[i].TLD < ds[j].TLD
	})
}
