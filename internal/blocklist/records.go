package blocklist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// LabelType distinguishes the three kinds of label change in a diff.
type LabelType string

const (
	LabelAdd           LabelType = "ADD"
	LabelNewOrderAssoc LabelType = "NEW_ORDER_ASSOCIATION"
	LabelDelete        LabelType = "DELETE"
)

// OrderType distinguishes the two kinds of order change in a diff.
type OrderType string

const (
	OrderCreate OrderType = "CREATE"
	OrderDelete OrderType = "DELETE"
)

// Reason states why a domain name cannot be blocked.
type Reason string

const (
	ReasonRegistered Reason = "REGISTERED"
	ReasonReserved   Reason = "RESERVED"
	ReasonInvalid    Reason = "INVALID"
)

// Label is one label-level change record. IDNTables lists the validity
// tables the label passes; it is empty for deletions.
type Label struct {
	Label     string
	Type      LabelType
	IDNTables []string
}

// Serialize renders the record as "label,TYPE,table1,table2,...", tables
// sorted. Field values containing the delimiter are rejected outright.
func (l Label) Serialize() (string, error) {
	if err := checkField(l.Label); err != nil {
		return "", fmt.Errorf("label: %w", err)
	}
	switch l.Type {
	case LabelAdd, LabelNewOrderAssoc, LabelDelete:
	default:
		return "", fmt.Errorf("unknown label type %q", l.Type)
	}
	parts := make([]string, 0, 2+len(l.IDNTables))
	parts = append(parts, l.Label, string(l.Type))
	tables := append([]string(nil), l.IDNTables...)
	sort.Strings(tables)
	for _, t := range tables {
		if err := checkField(t); err != nil {
			return "", fmt.Errorf("idn table: %w", err)
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, ","), nil
}

// ParseLabel is the inverse of Serialize.
func ParseLabel(line string) (Label, error) {
	items := strings.Split(line, ",")
	if len(items) < 2 {
		return Label{}, fmt.Errorf("malformed label record %q: want at least 2 fields, got %d", line, len(items))
	}
	if items[0] == "" {
		return Label{}, fmt.Errorf("malformed label record %q: empty label", line)
	}
	var lt LabelType
	switch LabelType(items[1]) {
	case LabelAdd, LabelNewOrderAssoc, LabelDelete:
		lt = LabelType(items[1])
	default:
		return Label{}, fmt.Errorf("malformed label record %q: unknown type %q", line, items[1])
	}
	var tables []string
	for _, t := range items[2:] {
		if t == "" {
			return Label{}, fmt.Errorf("malformed label record %q: empty idn table", line)
		}
		tables = append(tables, t)
	}
	return Label{Label: items[0], Type: lt, IDNTables: tables}, nil
}

// Order is one order-level change record.
type Order struct {
	ID   int64
	Type OrderType
}

// Serialize renders the record as "id,TYPE".
func (o Order) Serialize() (string, error) {
	switch o.Type {
	case OrderCreate, OrderDelete:
	default:
		return "", fmt.Errorf("unknown order type %q", o.Type)
	}
	return strconv.FormatInt(o.ID, 10) + "," + string(o.Type), nil
}

// ParseOrder is the inverse of Serialize.
func ParseOrder(line string) (Order, error) {
	items := strings.Split(line, ",")
	if len(items) != 2 {
		return Order{}, fmt.Errorf("malformed order record %q: want 2 fields, got %d", line, len(items))
	}
	id, err := strconv.ParseInt(items[0], 10, 64)
	if err != nil {
		return Order{}, fmt.Errorf("malformed order record %q: bad id: %w", line, err)
	}
	switch OrderType(items[1]) {
	case OrderCreate, OrderDelete:
		return Order{ID: id, Type: OrderType(items[1])}, nil
	}
	return Order{}, fmt.Errorf("malformed order record %q: unknown type %q", line, items[1])
}

// UnblockableDomain is one domain name the provider cannot block, with the
// reason it is exempt.
type UnblockableDomain struct {
	Label  string
	TLD    string
	Reason Reason
}

// DomainName joins label and TLD into the fully qualified name.
func (u UnblockableDomain) DomainName() string {
	return u.Label + "." + u.TLD
}

// Serialize renders the record as "label,tld,REASON".
func (u UnblockableDomain) Serialize() (string, error) {
	if err := checkField(u.Label); err != nil {
		return "", fmt.Errorf("label: %w", err)
	}
	if err := checkField(u.TLD); err != nil {
		return "", fmt.Errorf("tld: %w", err)
	}
	switch u.Reason {
	case ReasonRegistered, ReasonReserved, ReasonInvalid:
	default:
		return "", fmt.Errorf("unknown reason %q", u.Reason)
	}
	return u.Label + "," + u.TLD + "," + string(u.Reason), nil
}

// ParseUnblockableDomain is the inverse of Serialize.
func ParseUnblockableDomain(line string) (UnblockableDomain, error) {
	items := strings.Split(line, ",")
	if len(items) != 3 {
		return UnblockableDomain{}, fmt.Errorf("malformed domain record %q: want 3 fields, got %d", line, len(items))
	}
	if items[0] == "" || items[1] == "" {
		return UnblockableDomain{}, fmt.Errorf("malformed domain record %q: empty label or tld", line)
	}
	switch Reason(items[2]) {
	case ReasonRegistered, ReasonReserved, ReasonInvalid:
		return UnblockableDomain{Label: items[0], TLD: items[1], Reason: Reason(items[2])}, nil
	}
	return UnblockableDomain{}, fmt.Errorf("malformed domain record %q: unknown reason %q", line, items[2])
}

// checkField rejects values that would corrupt the line format: emptiness,
// the field and order-id delimiters, and control runes.
func checkField(s string) error {
	if s == "" {
		return fmt.Errorf("empty field")
	}
	if strings.ContainsAny(s, ",;") {
		return fmt.Errorf("field %q contains a delimiter", s)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("field %q contains a control character", s)
		}
	}
	return nil
}
