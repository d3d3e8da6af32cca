// Package classify applies label diffs to the registry's blocked-label set
// and works out which domain names escape blocking: names on a TLD whose
// validity rules the label fails, names already registered, and names on a
// reserved list.
package classify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
)

// Registry is the persistence surface the applier needs. Satisfied by
// registry.Store.
type Registry interface {
	InsertBlockedLabels(ctx context.Context, labels []string, createdAt time.Time) error
	DeleteBlockedLabels(ctx context.Context, labels []string) (int64, error)
	BlockedLabelsExist(ctx context.Context, labels []string) ([]string, error)
	RegisteredDomains(ctx context.Context, fqdns []string) (map[string]bool, error)
	ReservedDomains(ctx context.Context, labels, tlds []string) (map[string]bool, error)
	SaveUnblockables(ctx context.Context, domains []blocklist.UnblockableDomain) error
	UnblockablesForLabels(ctx context.Context, labels []string) ([]blocklist.UnblockableDomain, error)
}

// Oracle answers which enrolled TLDs accept or refuse a set of validity
// tables. Satisfied by idn.Checker.
type Oracle interface {
	SupportingTLDs(tables []string) []string
	ForbiddingTLDs(tables []string) []string
}

// Applier executes label-diff batches against the registry. One applier
// serves one pipeline run; createdAt stamps every blocked label it inserts
// with the run's job creation time.
type Applier struct {
	reg       Registry
	oracle    Oracle
	createdAt time.Time
	log       *zap.Logger
}

// NewApplier returns an applier over the given registry and validity oracle.
func NewApplier(reg Registry, oracle Oracle, createdAt time.Time, log *zap.Logger) *Applier {
	return &Applier{reg: reg, oracle: oracle, createdAt: createdAt, log: log}
}

// Apply executes one batch of label changes and returns the unblockable
// domains they imply, in input label order with each label's names ordered
// by TLD. Rerunning a batch is idempotent; a resumed job replays its diff
// from the top.
func (a *Applier) Apply(ctx context.Context, batch []blocklist.Label) ([]blocklist.UnblockableDomain, error) {
	var adds, noas, dels []string
	for _, l := range batch {
		switch l.Type {
		case blocklist.LabelAdd:
			adds = append(adds, l.Label)
		case blocklist.LabelNewOrderAssoc:
			noas = append(noas, l.Label)
		case blocklist.LabelDelete:
			dels = append(dels, l.Label)
		default:
			return nil, fmt.Errorf("unknown label type %q for %q", l.Type, l.Label)
		}
	}

	// New labels become blocked before any classification so that a crash
	// between the two steps still leaves them enforced.
	if err := a.reg.InsertBlockedLabels(ctx, adds, a.createdAt); err != nil {
		return nil, fmt.Errorf("insert blocked labels: %w", err)
	}

	if len(dels) > 0 {
		n, err := a.reg.DeleteBlockedLabels(ctx, dels)
		if err != nil {
			return nil, fmt.Errorf("delete blocked labels: %w", err)
		}
		if n != int64(len(dels)) {
			a.log.Error("some labels to delete were not blocked",
				zap.Int("requested", len(dels)),
				zap.Int64("deleted", n))
		}
	}

	persisted, err := a.persistedByLabel(ctx, noas)
	if err != nil {
		return nil, err
	}

	registered, reserved, err := a.lookupNames(ctx, batch)
	if err != nil {
		return nil, err
	}

	var (
		out     []blocklist.UnblockableDomain
		persist []blocklist.UnblockableDomain
	)
	for _, l := range batch {
		switch l.Type {
		case blocklist.LabelAdd:
			reasons := make(map[string]blocklist.Reason)
			for _, tld := range a.oracle.SupportingTLDs(l.IDNTables) {
				name := l.Label + "." + tld
				switch {
				case registered[name]:
					reasons[tld] = blocklist.ReasonRegistered
				case reserved[name]:
					reasons[tld] = blocklist.ReasonReserved
				}
			}
			for _, tld := range a.oracle.ForbiddingTLDs(l.IDNTables) {
				reasons[tld] = blocklist.ReasonInvalid
			}
			for _, d := range flatten(l.Label, reasons) {
				if d.Reason != blocklist.ReasonInvalid {
					persist = append(persist, d)
				}
				out = append(out, d)
			}
		case blocklist.LabelNewOrderAssoc:
			reasons := make(map[string]blocklist.Reason)
			for _, d := range persisted[l.Label] {
				reasons[d.TLD] = d.Reason
			}
			// Table membership may have drifted since the rows were written;
			// invalidity wins over a stale stored reason.
			for _, tld := range a.oracle.ForbiddingTLDs(l.IDNTables) {
				reasons[tld] = blocklist.ReasonInvalid
			}
			out = append(out, flatten(l.Label, reasons)...)
		}
	}

	if err := a.reg.SaveUnblockables(ctx, persist); err != nil {
		return nil, fmt.Errorf("save unblockables: %w", err)
	}
	return out, nil
}

// persistedByLabel loads the stored REGISTERED/RESERVED rows for labels that
// gained an order. Every such label must already be blocked; anything else
// means registry state and the provider's diff have drifted apart.
func (a *Applier) persistedByLabel(ctx context.Context, noas []string) (map[string][]blocklist.UnblockableDomain, error) {
	if len(noas) == 0 {
		return nil, nil
	}
	present, err := a.reg.BlockedLabelsExist(ctx, noas)
	if err != nil {
		return nil, fmt.Errorf("check blocked labels: %w", err)
	}
	if len(present) != len(noas) {
		have := make(map[string]bool, len(present))
		for _, l := range present {
			have[l] = true
		}
		var missing []string
		for _, l := range noas {
			if !have[l] {
				missing = append(missing, l)
			}
		}
		return nil, fmt.Errorf("order association for labels not in the blocked set: %s", strings.Join(missing, ", "))
	}
	rows, err := a.reg.UnblockablesForLabels(ctx, noas)
	if err != nil {
		return nil, fmt.Errorf("load persisted unblockables: %w", err)
	}
	byLabel := make(map[string][]blocklist.UnblockableDomain)
	for _, d := range rows {
		byLabel[d.Label] = append(byLabel[d.Label], d)
	}
	return byLabel, nil
}

// lookupNames bulk-resolves every candidate name for the batch's ADD labels:
// first against registered domains, then the remainder against reserved
// names.
func (a *Applier) lookupNames(ctx context.Context, batch []blocklist.Label) (registered, reserved map[string]bool, err error) {
	var candLabels, candTLDs, fqdns []string
	for _, l := range batch {
		if l.Type != blocklist.LabelAdd {
			continue
		}
		for _, tld := range a.oracle.SupportingTLDs(l.IDNTables) {
			candLabels = append(candLabels, l.Label)
			candTLDs = append(candTLDs, tld)
			fqdns = append(fqdns, l.Label+"."+tld)
		}
	}
	registered, err = a.reg.RegisteredDomains(ctx, fqdns)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup registered domains: %w", err)
	}
	var labels, tlds []string
	for i, name := range fqdns {
		if registered[name] {
			continue
		}
		labels = append(labels, candLabels[i])
		tlds = append(tlds, candTLDs[i])
	}
	reserved, err = a.reg.ReservedDomains(ctx, labels, tlds)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup reserved names: %w", err)
	}
	return registered, reserved, nil
}

func flatten(label string, reasons map[string]blocklist.Reason) []blocklist.UnblockableDomain {
	tlds := make([]string, 0, len(reasons))
	for tld := range reasons {
		tlds = append(tlds, tld)
	}
	sort.Strings(tlds)
	out := make([]blocklist.UnblockableDomain, 0, len(tlds))
	for _, tld := range tlds {
		out = append(out, blocklist.UnblockableDomain{Label: label, TLD: tld, Reason: reasons[tld]})
	}
	return out
}
