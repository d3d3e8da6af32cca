package classify_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
	"github.com/yourorg/blocksync/internal/classify"
	"github.com/yourorg/blocksync/internal/idn"
)

// fakeRegistry keeps the blocked-label set and unblockable rows in memory.
type fakeRegistry struct {
	blocked      map[string]bool
	registered   map[string]bool
	reserved     map[string]bool
	unblockables map[string]blocklist.UnblockableDomain // keyed label.tld

	inserted [][]string
	deleted  [][]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		blocked:      map[string]bool{},
		registered:   map[string]bool{},
		reserved:     map[string]bool{},
		unblockables: map[string]blocklist.UnblockableDomain{},
	}
}

func (f *fakeRegistry) InsertBlockedLabels(_ context.Context, labels []string, _ time.Time) error {
	f.inserted = append(f.inserted, labels)
	for _, l := range labels {
		f.blocked[l] = true
	}
	return nil
}

func (f *fakeRegistry) DeleteBlockedLabels(_ context.Context, labels []string) (int64, error) {
	f.deleted = append(f.deleted, labels)
	var n int64
	for _, l := range labels {
		if f.blocked[l] {
			delete(f.blocked, l)
			n++
			for k, d := range f.unblockables {
				if d.Label == l {
					delete(f.unblockables, k)
				}
			}
		}
	}
	return n, nil
}

func (f *fakeRegistry) BlockedLabelsExist(_ context.Context, labels []string) ([]string, error) {
	var out []string
	for _, l := range labels {
		if f.blocked[l] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeRegistry) RegisteredDomains(_ context.Context, fqdns []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, n := range fqdns {
		if f.registered[n] {
			out[n] = true
		}
	}
	return out, nil
}

func (f *fakeRegistry) ReservedDomains(_ context.Context, labels, tlds []string) (map[string]bool, error) {
	out := map[string]bool{}
	for i := range labels {
		name := labels[i] + "." + tlds[i]
		if f.reserved[name] {
			out[name] = true
		}
	}
	return out, nil
}

func (f *fakeRegistry) SaveUnblockables(_ context.Context, domains []blocklist.UnblockableDomain) error {
	for _, d := range domains {
		f.unblockables[d.DomainName()] = d
	}
	return nil
}

func (f *fakeRegistry) UnblockablesForLabels(_ context.Context, labels []string) ([]blocklist.UnblockableDomain, error) {
	want := map[string]bool{}
	for _, l := range labels {
		want[l] = true
	}
	var out []blocklist.UnblockableDomain
	for _, d := range f.unblockables {
		if want[d.Label] {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].TLD < out[j].TLD
	})
	return out, nil
}

// enrolled: "latin" everywhere, "ja" only on jp-shop. A pure-latin label is
// then invalid on no TLD, while a kana label is invalid on both latin-only
// TLDs.
func testOracle(t *testing.T) *idn.Checker {
	t.Helper()
	checker, err := idn.NewChecker(map[string][]string{
		"shop":    {"latin"},
		"store":   {"latin"},
		"jp-shop": {"latin", "ja"},
	})
	require.NoError(t, err)
	return checker
}

func newApplier(t *testing.T, reg *fakeRegistry) *classify.Applier {
	t.Helper()
	return classify.NewApplier(reg, testOracle(t), time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), zap.NewNop())
}

func TestApplyAddClassifiesAndPersists(t *testing.T) {
	reg := newFakeRegistry()
	reg.registered["acme.shop"] = true
	reg.reserved["acme.store"] = true
	// Registered wins over a reserved listing for the same name.
	reg.reserved["acme.shop"] = true

	a := newApplier(t, reg)
	got, err := a.Apply(context.Background(), []blocklist.Label{
		{Label: "acme", Type: blocklist.LabelAdd, IDNTables: []string{"latin"}},
	})
	require.NoError(t, err)

	want := []blocklist.UnblockableDomain{
		{Label: "acme", TLD: "shop", Reason: blocklist.ReasonRegistered},
		{Label: "acme", TLD: "store", Reason: blocklist.ReasonReserved},
	}
	assert.Equal(t, want, got)

	// The label is blocked and the non-INVALID rows were persisted.
	assert.True(t, reg.blocked["acme"])
	assert.Len(t, reg.unblockables, 2)
	assert.Equal(t, blocklist.ReasonRegistered, reg.unblockables["acme.shop"].Reason)
}

func TestApplyAddInvalidOnForbiddingTLDs(t *testing.T) {
	reg := newFakeRegistry()
	a := newApplier(t, reg)

	// A kana-only label passes only the "ja" table: valid on jp-shop,
	// invalid on the latin-only TLDs.
	got, err := a.Apply(context.Background(), []blocklist.Label{
		{Label: "みせ", Type: blocklist.LabelAdd, IDNTables: []string{"ja"}},
	})
	require.NoError(t, err)

	want := []blocklist.UnblockableDomain{
		{Label: "みせ", TLD: "shop", Reason: blocklist.ReasonInvalid},
		{Label: "みせ", TLD: "store", Reason: blocklist.ReasonInvalid},
	}
	assert.Equal(t, want, got)
	// INVALID is recomputable; nothing is persisted for it.
	assert.Empty(t, reg.unblockables)
}

func TestApplyAddNoTablesMeansInvalidEverywhere(t *testing.T) {
	reg := newFakeRegistry()
	a := newApplier(t, reg)

	got, err := a.Apply(context.Background(), []blocklist.Label{
		{Label: "oddball", Type: blocklist.LabelAdd},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, d := range got {
		assert.Equal(t, blocklist.ReasonInvalid, d.Reason)
	}
}

func TestApplyDeleteRemovesBlockedLabels(t *testing.T) {
	reg := newFakeRegistry()
	reg.blocked["oldbrand"] = true
	reg.unblockables["oldbrand.shop"] = blocklist.UnblockableDomain{
		Label: "oldbrand", TLD: "shop", Reason: blocklist.ReasonRegistered,
	}

	a := newApplier(t, reg)
	got, err := a.Apply(context.Background(), []blocklist.Label{
		{Label: "oldbrand", Type: blocklist.LabelDelete},
		{Label: "neverblocked", Type: blocklist.LabelDelete},
	})
	require.NoError(t, err)

	assert.Empty(t, got)
	assert.False(t, reg.blocked["oldbrand"])
	assert.Empty(t, reg.unblockables)
}

func TestApplyNewOrderAssociationReusesPersistedRows(t *testing.T) {
	reg := newFakeRegistry()
	reg.blocked["acme"] = true
	reg.unblockables["acme.shop"] = blocklist.UnblockableDomain{
		Label: "acme", TLD: "shop", Reason: blocklist.ReasonRegistered,
	}
	reg.unblockables["acme.store"] = blocklist.UnblockableDomain{
		Label: "acme", TLD: "store", Reason: blocklist.ReasonReserved,
	}
	// Make new registrations visible to prove they are NOT re-queried.
	reg.registered["acme.jp-shop"] = true

	a := newApplier(t, reg)
	got, err := a.Apply(context.Background(), []blocklist.Label{
		{Label: "acme", Type: blocklist.LabelNewOrderAssoc, IDNTables: []string{"latin"}},
	})
	require.NoError(t, err)

	want := []blocklist.UnblockableDomain{
		{Label: "acme", TLD: "shop", Reason: blocklist.ReasonRegistered},
		{Label: "acme", TLD: "store", Reason: blocklist.ReasonReserved},
	}
	assert.Equal(t, want, got)
}

func TestApplyNewOrderAssociationRecomputesInvalid(t *testing.T) {
	reg := newFakeRegistry()
	reg.blocked["acme"] = true
	// A stale stored row on a TLD that no longer accepts the label's tables.
	reg.unblockables["acme.shop"] = blocklist.UnblockableDomain{
		Label: "acme", TLD: "shop", Reason: blocklist.ReasonRegistered,
	}

	a := newApplier(t, reg)
	// The label now passes only "ja": shop and store both forbid it.
	got, err := a.Apply(context.Background(), []blocklist.Label{
		{Label: "acme", Type: blocklist.LabelNewOrderAssoc, IDNTables: []string{"ja"}},
	})
	require.NoError(t, err)

	want := []blocklist.UnblockableDomain{
		{Label: "acme", TLD: "shop", Reason: blocklist.ReasonInvalid},
		{Label: "acme", TLD: "store", Reason: blocklist.ReasonInvalid},
	}
	assert.Equal(t, want, got)
}

func TestApplyNewOrderAssociationRequiresBlockedLabel(t *testing.T) {
	reg := newFakeRegistry()
	a := newApplier(t, reg)

	_, err := a.Apply(context.Background(), []blocklist.Label{
		{Label: "ghost", Type: blocklist.LabelNewOrderAssoc, IDNTables: []string{"latin"}},
	})
	assert.ErrorContains(t, err, "ghost")
}

func TestApplyMixedBatchKeepsInputOrder(t *testing.T) {
	reg := newFakeRegistry()
	reg.blocked["first"] = true
	reg.registered["zz.shop"] = true
	reg.unblockables["first.store"] = blocklist.UnblockableDomain{
		Label: "first", TLD: "store", Reason: blocklist.ReasonReserved,
	}

	a := newApplier(t, reg)
	got, err := a.Apply(context.Background(), []blocklist.Label{
		{Label: "zz", Type: blocklist.LabelAdd, IDNTables: []string{"latin"}},
		{Label: "gone", Type: blocklist.LabelDelete},
		{Label: "first", Type: blocklist.LabelNewOrderAssoc, IDNTables: []string{"latin"}},
	})
	require.NoError(t, err)

	// zz's names come first despite sorting after "first".
	want := []blocklist.UnblockableDomain{
		{Label: "zz", TLD: "shop", Reason: blocklist.ReasonRegistered},
		{Label: "first", TLD: "store", Reason: blocklist.ReasonReserved},
	}
	assert.Equal(t, want, got)
}

func TestApplyIsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	reg.registered["acme.shop"] = true
	a := newApplier(t, reg)

	batch := []blocklist.Label{
		{Label: "acme", Type: blocklist.LabelAdd, IDNTables: []string{"latin"}},
	}
	first, err := a.Apply(context.Background(), batch)
	require.NoError(t, err)
	second, err := a.Apply(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, reg.unblockables, 1)
}
