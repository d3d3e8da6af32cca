package blocklist

import (
	"fmt"
	"strconv"
	"strings"
)

// SourceLine is one parsed line of a downloaded block list:
// "label,orderid1;orderid2;...".
type SourceLine struct {
	Label    string
	OrderIDs []int64
}

// ParseSourceLine parses and validates one block-list line. Exactly two
// comma-separated columns are required; the label must be non-empty and the
// second column must hold at least one numeric order id.
func ParseSourceLine(line string) (SourceLine, error) {
	items := strings.Split(line, ",")
	if len(items) != 2 {
		return SourceLine{}, fmt.Errorf("malformed block list line %q: want 2 columns, got %d", line, len(items))
	}
	label := items[0]
	if err := checkField(label); err != nil {
		return SourceLine{}, fmt.Errorf("malformed block list line %q: %w", line, err)
	}
	rawIDs := strings.Split(items[1], ";")
	ids := make([]int64, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return SourceLine{}, fmt.Errorf("malformed block list line %q: bad order id %q", line, raw)
		}
		ids = append(ids, id)
	}
	return SourceLine{Label: label, OrderIDs: ids}, nil
}
