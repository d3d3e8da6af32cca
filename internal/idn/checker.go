package idn

import (
	"fmt"
	"sort"
)

// Checker answers validity questions against a fixed snapshot of enrolled
// TLDs. It is built once per pipeline run and memoizes per-label results;
// it is not safe for concurrent use.
type Checker struct {
	tables      []Table
	tldsByTable map[string][]string
	allTLDs     []string
	memo        map[string][]string
}

// NewChecker builds a checker from the enrolled TLDs' accepted table names.
// tldTables maps a TLD to the validity tables it accepts; naming a table
// that does not exist is a configuration error.
func NewChecker(tldTables map[string][]string) (*Checker, error) {
	c := &Checker{
		tldsByTable: make(map[string][]string),
		memo:        make(map[string][]string),
	}
	seen := make(map[string]bool)
	for tld, names := range tldTables {
		c.allTLDs = append(c.allTLDs, tld)
		for _, name := range names {
			tbl, ok := builtin[name]
			if !ok {
				return nil, fmt.Errorf("tld %s names unknown idn table %q", tld, name)
			}
			if !seen[name] {
				seen[name] = true
				c.tables = append(c.tables, tbl)
			}
			c.tldsByTable[name] = append(c.tldsByTable[name], tld)
		}
	}
	sort.Strings(c.allTLDs)
	sort.Slice(c.tables, func(i, j int) bool { return c.tables[i].Name < c.tables[j].Name })
	for _, tlds := range c.tldsByTable {
		sort.Strings(tlds)
	}
	return c, nil
}

// ValidTables returns the names of every table in use by an enrolled TLD
// that the label is valid under, sorted.
func (c *Checker) ValidTables(label string) []string {
	if got, ok := c.memo[label]; ok {
		return got
	}
	var names []string
	for _, t := range c.tables {
		if t.Valid(label) {
			names = append(names, t.Name)
		}
	}
	c.memo[label] = names
	return names
}

// SupportingTLDs returns the enrolled TLDs accepting at least one of the
// given tables, sorted.
func (c *Checker) SupportingTLDs(tables []string) []string {
	set := make(map[string]bool)
	for _, name := range tables {
		for _, tld := range c.tldsByTable[name] {
			set[tld] = true
		}
	}
	tlds := make([]string, 0, len(set))
	for tld := range set {
		tlds = append(tlds, tld)
	}
	sort.Strings(tlds)
	return tlds
}

// ForbiddingTLDs returns the enrolled TLDs accepting none of the given
// tables, sorted. For a label valid under no table this is every TLD.
func (c *Checker) ForbiddingTLDs(tables []string) []string {
	supporting := make(map[string]bool)
	for _, tld := range c.SupportingTLDs(tables) {
		supporting[tld] = true
	}
	var tlds []string
	for _, tld := range c.allTLDs {
		if !supporting[tld] {
			tlds = append(tlds, tld)
		}
	}
	return tlds
}
