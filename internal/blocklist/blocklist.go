// Package blocklist defines the value types shared across the sync pipeline:
// list identifiers, job stages, diff records and their line-oriented wire
// forms. All parsing here is strict; a malformed line is an error, never a
// best-effort record.
package blocklist

import (
	"fmt"
	"sort"
	"strings"
)

// ListType identifies one of the provider's block lists.
type ListType string

const (
	ListBlock     ListType = "BLOCK"
	ListBlockPlus ListType = "BLOCK_PLUS"
)

// AllListTypes returns every list type in stable order.
func AllListTypes() []ListType {
	return []ListType{ListBlock, ListBlockPlus}
}

// ParseListType validates a list type name.
func ParseListType(s string) (ListType, error) {
	switch ListType(s) {
	case ListBlock, ListBlockPlus:
		return ListType(s), nil
	}
	return "", fmt.Errorf("unknown list type %q", s)
}

// Checksums maps each list type to its lowercase hex SHA-256 digest.
type Checksums map[ListType]string

// Equal reports whether both maps hold identical digests for identical keys.
// Comparison is verbatim string equality.
func (c Checksums) Equal(other Checksums) bool {
	if len(c) != len(other) {
		return false
	}
	for k, v := range c {
		if other[k] != v {
			return false
		}
	}
	return true
}

// Encode renders the map as "BLOCK=<hex>,BLOCK_PLUS=<hex>" with sorted keys,
// the form persisted on the job row. An empty map encodes to "".
func (c Checksums) Encode() string {
	if len(c) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c[ListType(k)])
	}
	return strings.Join(parts, ",")
}

// ParseChecksums is the inverse of Encode.
func ParseChecksums(s string) (Checksums, error) {
	c := Checksums{}
	if s == "" {
		return c, nil
	}
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || v == "" {
			return nil, fmt.Errorf("malformed checksum entry %q", part)
		}
		lt, err := ParseListType(k)
		if err != nil {
			return nil, err
		}
		if _, dup := c[lt]; dup {
			return nil, fmt.Errorf("duplicate checksum entry for %s", lt)
		}
		c[lt] = v
	}
	return c, nil
}
