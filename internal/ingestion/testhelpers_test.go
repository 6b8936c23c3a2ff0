package ingestion

import (
	"strings"
	"testing"
)

var testColumns = []string{ //nolint:gochecknoglobals
	"unique_key", "created_date", "closed_date", "complaint_type",
	"descriptor", "borough", "latitude", "longitude",
}

func testDecoder(t *testing.T) *Decoder {
	t.Helper()

	header, missing := NewHeader(testColumns)
	if len(missing) != 0 {
		t.Fatalf("NewHeader() missing = %v", missing)
	}

	return NewDecoder(header)
}

func rawRow(line int, csvLine string) RawRow {
	return RawRow{Line: line, Fields: strings.Split(csvLine, ",")}
}
