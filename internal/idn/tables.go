// Package idn decides which validity tables a label satisfies and, from
// there, which enrolled TLDs can host it. A label valid under none of a
// TLD's tables can never resolve there, so blocking it is pointless.
package idn

import (
	"unicode"

	"github.com/yourorg/blocksync/internal/normalize"
)

// Table is a named repertoire of runes a label may be composed of.
type Table struct {
	Name  string
	runes *unicode.RangeTable
}

// Valid reports whether the label, canonicalized to Unicode, is structurally
// a valid DNS label and draws every rune from the table.
func (t Table) Valid(label string) bool {
	_, uni, err := normalize.CanonicalForms(label)
	if err != nil {
		return false
	}
	for _, r := range uni {
		if !unicode.Is(t.runes, r) {
			return false
		}
	}
	return true
}

var ldhRunes = []unicode.Range16{
	{Lo: '-', Hi: '-', Stride: 1},
	{Lo: '0', Hi: '9', Stride: 1},
	{Lo: 'a', Hi: 'z', Stride: 1},
}

var latinRunes = &unicode.RangeTable{
	R16:         ldhRunes,
	LatinOffset: len(ldhRunes),
}

var extendedLatinRunes = &unicode.RangeTable{
	R16: append(append([]unicode.Range16{}, ldhRunes...),
		unicode.Range16{Lo: 0x00df, Hi: 0x00f6, Stride: 1},
		unicode.Range16{Lo: 0x00f8, Hi: 0x00ff, Stride: 1},
		unicode.Range16{Lo: 0x0100, Hi: 0x017f, Stride: 1},
	),
	LatinOffset: len(ldhRunes),
}

var jaRunes = &unicode.RangeTable{
	R16: append(append([]unicode.Range16{}, ldhRunes...),
		unicode.Range16{Lo: 0x3005, Hi: 0x3007, Stride: 1},
		unicode.Range16{Lo: 0x3041, Hi: 0x3096, Stride: 1},
		unicode.Range16{Lo: 0x309d, Hi: 0x309f, Stride: 1},
		unicode.Range16{Lo: 0x30a1, Hi: 0x30fa, Stride: 1},
		unicode.Range16{Lo: 0x30fc, Hi: 0x30fe, Stride: 1},
		unicode.Range16{Lo: 0x4e00, Hi: 0x9fff, Stride: 1},
	),
	LatinOffset: len(ldhRunes),
}

// builtin tables, keyed by the names that appear in TLD configuration and in
// serialized label records.
var builtin = map[string]Table{
	"latin":          {Name: "latin", runes: latinRunes},
	"extended_latin": {Name: "extended_latin", runes: extendedLatinRunes},
	"ja":             {Name: "ja", runes: jaRunes},
}

// TableNames returns the names of all built-in tables, sorted.
func TableNames() []string {
	return []string{"extended_latin", "ja", "latin"}
}
