package ingestion

import (
	"strings"
)

// Column identifies one of the input columns the decoder reads.
type Column int

// Required input columns. Any other header column is ignored.
const (
	ColumnUniqueKey Column = iota
	ColumnCreatedDate
	ColumnClosedDate
	ColumnComplaintType
	ColumnDescriptor
	ColumnBorough
	ColumnLatitude
	ColumnLongitude

	columnCount
)

var columnNames = [columnCount]string{ //nolint:gochecknoglobals
	ColumnUniqueKey:     "unique_key",
	ColumnCreatedDate:   "created_date",
	ColumnClosedDate:    "closed_date",
	ColumnComplaintType: "complaint_type",
	ColumnDescriptor:    "descriptor",
	ColumnBorough:       "borough",
	ColumnLatitude:      "latitude",
	ColumnLongitude:     "longitude",
}

// Header maps the required columns to their positions in a source record.
type Header struct {
	positions [columnCount]int
	width     int
}

// String returns the column's header name.
func (c Column) String() string {
	if c < 0 || c >= columnCount {
		return "unknown"
	}

	return columnNames[c]
}

// NormalizeColumnName lowercases name and folds spaces to underscores, so that
// both "Unique Key" (the Open Data export) and "unique_key" match.
func NormalizeColumnName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// NewHeader resolves the required columns in names. It returns the names of any
// required columns that are missing; the Header is only usable when that list is empty.
func NewHeader(names []string) (Header, []string) {
	h := Header{width: len(names)}
	for i := range h.positions {
		h.positions[i] = -1
	}

	for i, name := range names {
		normalized := NormalizeColumnName(name)

		for c, want := range columnNames {
			if normalized == want && h.positions[c] < 0 {
				h.positions[c] = i
			}
		}
	}

	var missing []string

	for c, pos := range h.positions {
		if pos < 0 {
			missing = append(missing, columnNames[c])
		}
	}

	return h, missing
}

// Width is the number of columns every record must have.
func (h Header) Width() int {
	return h.width
}

// Value returns the trimmed value of column c in fields, or "" when fields is too short.
func (h Header) Value(fields []string, c Column) string {
	pos := h.positions[c]
	if pos < 0 || pos >= len(fields) {
		return ""
	}

	return strings.TrimSpace(fields[pos])
}
