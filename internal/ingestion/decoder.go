package ingestion

import (
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Candidate is a decoded row whose fields have the right types but have not
// been checked against business rules.
type Candidate struct {
	Line          int
	UniqueKey     int64
	CreatedAt     time.Time
	ClosedAt      *time.Time
	ComplaintType string
	Descriptor    string
	// BoroughText is the trimmed source value; the validator resolves it.
	BoroughText string
	Latitude    *float64
	Longitude   *float64
}

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{ //nolint:gochecknoglobals
	"2006-01-02 15:04:05",
	"01/02/2006 03:04:05 PM",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	time.RFC3339Nano,
	"2006-01-02",
}

// textColumns are stored in text columns and must be valid UTF-8 without NUL bytes.
var textColumns = []Column{ColumnComplaintType, ColumnDescriptor, ColumnBorough} //nolint:gochecknoglobals

// ErrUnparseableTimestamp is returned by ParseTimestamp when no layout matches.
var ErrUnparseableTimestamp = errors.New("unrecognized timestamp format")

// Decoder converts RawRows into Candidates. It holds no mutable state and is
// safe for concurrent use.
type Decoder struct {
	header Header
}

// NewDecoder returns a Decoder for records laid out as header describes.
func NewDecoder(header Header) *Decoder {
	return &Decoder{header: header}
}

// ParseTimestamp reads s in any supported layout and returns the UTC instant.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrUnparseableTimestamp
}

// ParseUniqueKey reads a unique_key value.
func ParseUniqueKey(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// Header returns the column layout the decoder was built with.
func (d *Decoder) Header() Header {
	return d.header
}

// Decode converts row. A *RowError is returned for structural or type failures.
//
// An empty unique_key or created_date decodes to the zero value so the validator
// can report it as a missing required field.
func (d *Decoder) Decode(row RawRow) (Candidate, error) {
	if row.Err != nil {
		return Candidate{}, reject(ReasonMalformedRow, "%v", row.Err)
	}

	if len(row.Fields) != d.header.Width() {
		return Candidate{}, reject(ReasonColumnCount, "expected %d columns, got %d",
			d.header.Width(), len(row.Fields))
	}

	c := Candidate{
		Line:          row.Line,
		ComplaintType: d.header.Value(row.Fields, ColumnComplaintType),
		Descriptor:    d.header.Value(row.Fields, ColumnDescriptor),
		BoroughText:   d.header.Value(row.Fields, ColumnBorough),
	}

	for _, col := range textColumns {
		if rowErr := checkText(col, d.header.Value(row.Fields, col)); rowErr != nil {
			return Candidate{}, rowErr
		}
	}

	if raw := d.header.Value(row.Fields, ColumnUniqueKey); raw != "" {
		key, err := ParseUniqueKey(raw)
		if err != nil {
			return Candidate{}, reject(ReasonInvalidUniqueKey, "%q", raw)
		}

		c.UniqueKey = key
	}

	if raw := d.header.Value(row.Fields, ColumnCreatedDate); raw != "" {
		created, err := ParseTimestamp(raw)
		if err != nil {
			return Candidate{}, reject(ReasonInvalidCreatedAt, "%q", raw)
		}

		c.CreatedAt = created
	}

	if raw := d.header.Value(row.Fields, ColumnClosedDate); raw != "" {
		closed, err := ParseTimestamp(raw)
		if err != nil {
			return Candidate{}, reject(ReasonInvalidClosedAt, "%q", raw)
		}

		c.ClosedAt = &closed
	}

	var err error

	if c.Latitude, err = parseCoordinate(d.header.Value(row.Fields, ColumnLatitude)); err != nil {
		return Candidate{}, reject(ReasonInvalidCoordinate, "latitude: %v", err)
	}

	if c.Longitude, err = parseCoordinate(d.header.Value(row.Fields, ColumnLongitude)); err != nil {
		return Candidate{}, reject(ReasonInvalidCoordinate, "longitude: %v", err)
	}

	return c, nil
}

// checkText rejects values a UTF-8 database would refuse.
func checkText(col Column, s string) *RowError {
	if !utf8.ValidString(s) {
		return reject(ReasonInvalidEncoding, "%s: invalid UTF-8", col)
	}

	if strings.IndexByte(s, 0) >= 0 {
		return reject(ReasonInvalidEncoding, "%s: NUL byte", col)
	}

	return nil
}

func parseCoordinate(s string) (*float64, error) {
	if s == "" {
		return nil, nil //nolint:nilnil // absent coordinate
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}

	return &v, nil
}
