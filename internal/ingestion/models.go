// Package ingestion provides the NYC 311 service-request domain: models, row
// decoding, business-rule validation and run-scoped deduplication.
package ingestion

import (
	"strings"
	"time"
)

type (
	// ServiceRequest is one accepted 311 record ready for loading.
	//
	// Optional fields use pointers or the zero value: ClosedAt and Coordinates are
	// nil when absent, Descriptor and Borough are empty when absent.
	ServiceRequest struct {
		// UniqueKey is the city-assigned identifier. Always positive.
		UniqueKey int64

		// CreatedAt is the UTC instant the request was opened.
		CreatedAt time.Time

		// ClosedAt is the UTC instant the request was closed. Never before CreatedAt.
		ClosedAt *time.Time

		// ComplaintType is the top-level category, e.g. "Noise". Never blank.
		ComplaintType string

		// Descriptor refines ComplaintType, e.g. "Loud Music/Party".
		Descriptor string

		// Borough is one of the five canonical boroughs or empty.
		Borough Borough

		// Coordinates are both present and inside Bounds, or nil.
		Coordinates *Coordinates
	}

	// Borough is a canonical NYC borough name as stored in service_requests.borough.
	Borough string

	// Coordinates is a WGS84 latitude/longitude pair.
	Coordinates struct {
		Latitude  float64
		Longitude float64
	}

	// Bounds is an inclusive geographic bounding box.
	Bounds struct {
		MinLatitude  float64
		MaxLatitude  float64
		MinLongitude float64
		MaxLongitude float64
	}

	// RawRow is one delimited record as read from the source, before decoding.
	RawRow struct {
		// Line is the 1-based physical line of the record in the source (header is line 1).
		Line int

		// Fields are the record's values in source column order.
		Fields []string

		// Err is set when the reader could not split the record, e.g. a bare quote.
		Err error
	}
)

// The five boroughs accepted by the borough whitelist.
const (
	BoroughBronx        Borough = "BRONX"
	BoroughBrooklyn     Borough = "BROOKLYN"
	BoroughManhattan    Borough = "MANHATTAN"
	BoroughQueens       Borough = "QUEENS"
	BoroughStatenIsland Borough = "STATEN ISLAND"
)

// Boroughs lists the whitelist in a stable order.
var Boroughs = []Borough{ //nolint:gochecknoglobals
	BoroughBronx,
	BoroughBrooklyn,
	BoroughManhattan,
	BoroughQueens,
	BoroughStatenIsland,
}

// DefaultBounds is the New York City bounding box enforced by the schema.
var DefaultBounds = Bounds{ //nolint:gochecknoglobals
	MinLatitude:  40.4,
	MaxLatitude:  41.2,
	MinLongitude: -74.3,
	MaxLongitude: -73.4,
}

// ParseBorough normalizes s (trim, case-insensitive) and reports whether it is
// one of the five boroughs.
func ParseBorough(s string) (Borough, bool) {
	candidate := Borough(strings.ToUpper(strings.Join(strings.Fields(s), " ")))

	for _, b := range Boroughs {
		if candidate == b {
			return b, true
		}
	}

	return "", false
}

// String returns the canonical spelling.
func (b Borough) String() string {
	return string(b)
}

// Contains reports whether c lies inside the box, edges included.
func (b Bounds) Contains(c Coordinates) bool {
	return c.Latitude >= b.MinLatitude && c.Latitude <= b.MaxLatitude &&
		c.Longitude >= b.MinLongitude && c.Longitude <= b.MaxLongitude
}
