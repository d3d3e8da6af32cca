// Package diff computes the change set between two block-list downloads.
// Labels are staged in a scratch badger store keyed so that one sorted merge
// pass over the current and previous sides yields every label change without
// holding either list in memory; order ids, few by contract, are tracked in
// memory.
package diff

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/yourorg/blocksync/internal/blocklist"
)

// TableLookup answers which validity tables a label passes. Satisfied by
// idn.Checker.
type TableLookup interface {
	ValidTables(label string) []string
}

const (
	sideCurrent  = 'c'
	sidePrevious = 'p'
	keySep       = 0x00
)

// flushEvery bounds the badger transaction size during ingestion.
const flushEvery = 1000

type entry struct {
	k, v []byte
}

// Engine stages one job's downloads and derives the label and order diffs.
// Not safe for concurrent use; create one per MAKE_DIFF execution and Close
// it when done to reclaim the scratch space.
type Engine struct {
	db      *badger.DB
	dir     string
	pending []entry
	sealed  bool

	curOrders  map[int64]struct{}
	prevOrders map[int64]struct{}
}

// New opens a scratch store under scratchDir namespaced by job name. Any
// leftover state from an interrupted earlier attempt is discarded.
func New(scratchDir, jobName string) (*Engine, error) {
	dir := filepath.Join(scratchDir, jobName+".diff.badger")
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear diff scratch: %w", err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open diff scratch: %w", err)
	}
	return &Engine{
		db:         db,
		dir:        dir,
		curOrders:  make(map[int64]struct{}),
		prevOrders: make(map[int64]struct{}),
	}, nil
}

// LoadCurrent stages one line of this job's download of the given list.
func (e *Engine) LoadCurrent(list blocklist.ListType, line blocklist.SourceLine) error {
	e.trackOrders(e.curOrders, line.OrderIDs)
	return e.add(sideCurrent, list, line)
}

// LoadPrevious stages one line of the previous completed job's download.
func (e *Engine) LoadPrevious(list blocklist.ListType, line blocklist.SourceLine) error {
	e.trackOrders(e.prevOrders, line.OrderIDs)
	return e.add(sidePrevious, list, line)
}

func (e *Engine) trackOrders(set map[int64]struct{}, ids []int64) {
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

func (e *Engine) add(side byte, list blocklist.ListType, line blocklist.SourceLine) error {
	if e.sealed {
		return fmt.Errorf("diff engine already sealed")
	}
	k := make([]byte, 0, 2+len(line.Label)+1+len(list))
	k = append(k, side, keySep)
	k = append(k, line.Label...)
	k = append(k, keySep)
	k = append(k, list...)

	ids := make([]string, len(line.OrderIDs))
	for i, id := range line.OrderIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	e.pending = append(e.pending, entry{k: k, v: []byte(strings.Join(ids, ";"))})
	if len(e.pending) >= flushEvery {
		return e.flush()
	}
	return nil
}

func (e *Engine) flush() error {
	if len(e.pending) == 0 {
		return nil
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, en := range e.pending {
			if err := txn.Set(en.k, en.v); err != nil {
				return err
			}
		}
		return nil
	})
	e.pending = e.pending[:0]
	return err
}

func (e *Engine) seal() error {
	if e.sealed {
		return nil
	}
	if err := e.flush(); err != nil {
		return err
	}
	e.sealed = true
	return nil
}

// Orders returns the order-level changes: ids present only in the current
// download as CREATE, ids present only in the previous one as DELETE, each
// group in ascending id order.
func (e *Engine) Orders() ([]blocklist.Order, error) {
	if err := e.seal(); err != nil {
		return nil, err
	}
	var out []blocklist.Order
	for _, id := range setDifference(e.curOrders, e.prevOrders) {
		out = append(out, blocklist.Order{ID: id, Type: blocklist.OrderCreate})
	}
	for _, id := range setDifference(e.prevOrders, e.curOrders) {
		out = append(out, blocklist.Order{ID: id, Type: blocklist.OrderDelete})
	}
	return out, nil
}

func setDifference(a, b map[int64]struct{}) []int64 {
	var ids []int64
	for id := range a {
		if _, ok := b[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Labels walks both staged sides in one sorted merge and emits the label
// changes in lexical label order: labels only in the current download as ADD
// (with their valid tables), labels only in the previous one as DELETE, and
// labels on both sides that gained at least one order id as
// NEW_ORDER_ASSOCIATION. Unchanged labels are omitted.
func (e *Engine) Labels(ctx context.Context, tables TableLookup, fn func(blocklist.Label) error) error {
	if err := e.seal(); err != nil {
		return err
	}
	return e.db.View(func(txn *badger.Txn) error {
		cur := newSideIter(txn, sideCurrent)
		defer cur.close()
		prev := newSideIter(txn, sidePrevious)
		defer prev.close()

		curG, err := cur.next()
		if err != nil {
			return err
		}
		prevG, err := prev.next()
		if err != nil {
			return err
		}
		for curG != nil || prevG != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch {
			case prevG == nil || (curG != nil && curG.label < prevG.label):
				if err := fn(blocklist.Label{
					Label:     curG.label,
					Type:      blocklist.LabelAdd,
					IDNTables: tables.ValidTables(curG.label),
				}); err != nil {
					return err
				}
				if curG, err = cur.next(); err != nil {
					return err
				}
			case curG == nil || prevG.label < curG.label:
				if err := fn(blocklist.Label{
					Label: prevG.label,
					Type:  blocklist.LabelDelete,
				}); err != nil {
					return err
				}
				if prevG, err = prev.next(); err != nil {
					return err
				}
			default:
				if gainedOrder(curG.ids, prevG.ids) {
					if err := fn(blocklist.Label{
						Label:     curG.label,
						Type:      blocklist.LabelNewOrderAssoc,
						IDNTables: tables.ValidTables(curG.label),
					}); err != nil {
						return err
					}
				}
				if curG, err = cur.next(); err != nil {
					return err
				}
				if prevG, err = prev.next(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func gainedOrder(cur, prev map[int64]struct{}) bool {
	for id := range cur {
		if _, ok := prev[id]; !ok {
			return true
		}
	}
	return false
}

// Close releases the scratch store and removes it from disk.
func (e *Engine) Close() error {
	err := e.db.Close()
	if rmErr := os.RemoveAll(e.dir); err == nil {
		err = rmErr
	}
	return err
}

// group is one label's coalesced entries on one side: the union of its order
// ids across both lists.
type group struct {
	label string
	ids   map[int64]struct{}
}

// sideIter walks one side prefix, coalescing consecutive keys that share a
// label. Keys sort label-major because the separator byte orders before any
// label byte.
type sideIter struct {
	it     *badger.Iterator
	prefix []byte
}

func newSideIter(txn *badger.Txn, side byte) *sideIter {
	prefix := []byte{side, keySep}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	it.Rewind()
	return &sideIter{it: it, prefix: prefix}
}

func (s *sideIter) next() (*group, error) {
	if !s.it.Valid() {
		return nil, nil
	}
	g := &group{ids: make(map[int64]struct{})}
	for s.it.Valid() {
		item := s.it.Item()
		label, err := labelFromKey(item.KeyCopy(nil), s.prefix)
		if err != nil {
			return nil, err
		}
		if g.label == "" {
			g.label = label
		} else if label != g.label {
			break
		}
		if err := item.Value(func(val []byte) error {
			return addOrderIDs(g.ids, val)
		}); err != nil {
			return nil, err
		}
		s.it.Next()
	}
	return g, nil
}

func (s *sideIter) close() { s.it.Close() }

func labelFromKey(key, prefix []byte) (string, error) {
	rest := key[len(prefix):]
	i := bytes.IndexByte(rest, keySep)
	if i <= 0 {
		return "", fmt.Errorf("malformed diff scratch key %q", key)
	}
	return string(rest[:i]), nil
}

func addOrderIDs(set map[int64]struct{}, val []byte) error {
	if len(val) == 0 {
		return nil
	}
	for _, raw := range strings.Split(string(val), ";") {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed diff scratch value %q: %w", val, err)
		}
		set[id] = struct{}{}
	}
	return nil
}
