package registry

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yourorg/blocksync/internal/blocklist"
)

// Store offers the registry-side lookups and mutations the sync pipeline
// needs: enrolled TLDs, registered/reserved name checks, the blocked-label
// set and its unblockable-domain exemptions.
type Store struct {
	p *Pool
}

// NewStore returns a store bound to the pool.
func NewStore(p *Pool) *Store { return &Store{p: p} }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.p.Ping(ctx) }

// EnrolledTLDs returns the TLDs enrolled in block-list enforcement, keyed by
// name, with the IDN tables each one supports.
func (s *Store) EnrolledTLDs(ctx context.Context) (map[string][]string, error) {
	const q = `select name, idn_tables from tld where enrolled order by name`
	rows, err := s.p.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var (
			name   string
			tables []string
		)
		if err := rows.Scan(&name, &tables); err != nil {
			return nil, err
		}
		out[name] = tables
	}
	return out, rows.Err()
}

// UpsertTLD creates or updates a TLD row with its enrollment flag and IDN
// tables.
func (s *Store) UpsertTLD(ctx context.Context, name string, enrolled bool, idnTables []string) error {
	const q = `
insert into tld (name, enrolled, idn_tables)
values ($1, $2, $3)
on conflict (name)
do update set enrolled = excluded.enrolled, idn_tables = excluded.idn_tables`
	_, err := s.p.Exec(ctx, q, name, enrolled, idnTables)
	return err
}

// EnsureTLD creates a TLD row if absent, leaving enrollment untouched.
func (s *Store) EnsureTLD(ctx context.Context, name string) error {
	const q = `insert into tld (name) values ($1) on conflict (name) do nothing`
	_, err := s.p.Exec(ctx, q, name)
	return err
}

// RegisteredDomains returns the subset of fqdns that exist as registered,
// non-deleted domains.
func (s *Store) RegisteredDomains(ctx context.Context, fqdns []string) (map[string]bool, error) {
	if len(fqdns) == 0 {
		return map[string]bool{}, nil
	}
	const q = `select fqdn from domain where fqdn = any($1) and deleted_at is null`
	rows, err := s.p.Query(ctx, q, fqdns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var fqdn string
		if err := rows.Scan(&fqdn); err != nil {
			return nil, err
		}
		out[fqdn] = true
	}
	return out, rows.Err()
}

// ReservedDomains returns, keyed as "label.tld", the subset of the given
// (label, tld) pairs present on a reserved list. The two slices are parallel.
func (s *Store) ReservedDomains(ctx context.Context, labels, tlds []string) (map[string]bool, error) {
	if len(labels) == 0 {
		return map[string]bool{}, nil
	}
	const q = `
select r.label, r.tld
from reserved_name r
join unnest($1::text[], $2::text[]) as q(label, tld)
  on r.label = q.label and r.tld = q.tld`
	rows, err := s.p.Query(ctx, q, labels, tlds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var label, tld string
		if err := rows.Scan(&label, &tld); err != nil {
			return nil, err
		}
		out[label+"."+tld] = true
	}
	return out, rows.Err()
}

// InsertBlockedLabels records labels as blocked, ignoring ones already
// present so that a resumed batch is idempotent.
func (s *Store) InsertBlockedLabels(ctx context.Context, labels []string, createdAt time.Time) error {
	if len(labels) == 0 {
		return nil
	}
	const q = `
insert into blocked_label (label, created_at)
select x, $2 from unnest($1::text[]) as x
on conflict (label) do nothing`
	_, err := s.p.Exec(ctx, q, labels, createdAt)
	return err
}

// DeleteBlockedLabels removes labels from the blocked set; dependent
// unblockable rows go with them via the FK cascade. Returns the number of
// labels actually removed.
func (s *Store) DeleteBlockedLabels(ctx context.Context, labels []string) (int64, error) {
	if len(labels) == 0 {
		return 0, nil
	}
	const q = `delete from blocked_label where label = any($1)`
	ct, err := s.p.Exec(ctx, q, labels)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// BlockedLabelsExist returns the subset of labels present in the blocked set.
func (s *Store) BlockedLabelsExist(ctx context.Context, labels []string) ([]string, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	const q = `select label from blocked_label where label = any($1)`
	rows, err := s.p.Query(ctx, q, labels)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// BlockedLabelPage returns up to limit blocked labels strictly after the
// given label in lexical order; paging cursor for the refresh task.
func (s *Store) BlockedLabelPage(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 || limit > 100000 {
		limit = 1000
	}
	const q = `select label from blocked_label where label > $1 order by label limit $2`
	rows, err := s.p.Query(ctx, q, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SaveUnblockables upserts unblockable-domain rows, updating the reason when
// a (label, tld) pair is already recorded.
func (s *Store) SaveUnblockables(ctx context.Context, domains []blocklist.UnblockableDomain) error {
	if len(domains) == 0 {
		return nil
	}
	labels := make([]string, len(domains))
	tlds := make([]string, len(domains))
	reasons := make([]string, len(domains))
	for i, d := range domains {
		labels[i] = d.Label
		tlds[i] = d.TLD
		reasons[i] = string(d.Reason)
	}
	const q = `
insert into unblockable_domain (label, tld, reason)
select * from unnest($1::text[], $2::text[], $3::text[])
on conflict (label, tld) do update set reason = excluded.reason`
	_, err := s.p.Exec(ctx, q, labels, tlds, reasons)
	return err
}

// UnblockablesForLabels returns the persisted unblockable rows for the given
// labels, ordered by label then TLD.
func (s *Store) UnblockablesForLabels(ctx context.Context, labels []string) ([]blocklist.UnblockableDomain, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	const q = `select label, tld, reason from unblockable_domain where label = any($1) order by label, tld`
	rows, err := s.p.Query(ctx, q, labels)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []blocklist.UnblockableDomain
	for rows.Next() {
		var d blocklist.UnblockableDomain
		var reason string
		if err := rows.Scan(&d.Label, &d.TLD, &reason); err != nil {
			return nil, err
		}
		d.Reason = blocklist.Reason(reason)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteUnblockables removes the given (label, tld) rows, returning how many
// were present.
func (s *Store) DeleteUnblockables(ctx context.Context, domains []blocklist.UnblockableDomain) (int64, error) {
	if len(domains) == 0 {
		return 0, nil
	}
	labels := make([]string, len(domains))
	tlds := make([]string, len(domains))
	for i, d := range domains {
		labels[i] = d.Label
		tlds[i] = d.TLD
	}
	const q = `
delete from unblockable_domain u
using unnest($1::text[], $2::text[]) as q(label, tld)
where u.label = q.label and u.tld = q.tld`
	ct, err := s.p.Exec(ctx, q, labels, tlds)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// CopyDomains bulk-inserts second-level labels under a TLD as registered
// domains using COPY through a temp table, skipping fqdns already present.
// Returns the number of new rows.
func (s *Store) CopyDomains(ctx context.Context, tld string, labels []string) (n int64, err error) {
	if len(labels) == 0 {
		return 0, nil
	}
	if err = s.EnsureTLD(ctx, tld); err != nil {
		return 0, err
	}
	tx, err := s.p.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, `create temp table domain_import (fqdn text, tld text) on commit drop`); err != nil {
		return 0, err
	}
	vals := make([][]any, 0, len(labels))
	for _, l := range labels {
		vals = append(vals, []any{l + "." + tld, tld})
	}
	if _, err = tx.CopyFrom(ctx,
		pgx.Identifier{"domain_import"},
		[]string{"fqdn", "tld"},
		pgx.CopyFromRows(vals),
	); err != nil {
		return 0, err
	}
	var ct pgconn.CommandTag
	ct, err = tx.Exec(ctx, `
insert into domain (fqdn, tld)
select fqdn, tld from domain_import
on conflict (fqdn) do nothing`)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
