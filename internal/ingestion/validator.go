package ingestion

// Validator applies the service-request business rules to decoded candidates.
//
// Rules run in a fixed order and the first violation is reported:
//  1. required fields: unique_key > 0, created_date, non-blank complaint_type
//  2. borough, if present, is whitelisted (directly or through an alias)
//  3. coordinates, if present, are paired and inside the bounding box
//  4. closed_date, if present, is not before created_date
//
// Validator is stateless apart from its read-only rules and safe for concurrent use.
type Validator struct {
	rules  *Rules
	bounds Bounds
}

// NewValidator creates a Validator. rules may be nil.
func NewValidator(rules *Rules) *Validator {
	return &Validator{rules: rules, bounds: DefaultBounds}
}

// Validate returns the accepted ServiceRequest or a *RowError naming the first violated rule.
func (v *Validator) Validate(c Candidate) (ServiceRequest, error) {
	if c.UniqueKey <= 0 {
		return ServiceRequest{}, reject(ReasonMissingUniqueKey, "unique_key must be positive, got %d", c.UniqueKey)
	}

	if c.CreatedAt.IsZero() {
		return ServiceRequest{}, reject(ReasonMissingCreatedAt, "created_date is required")
	}

	if c.ComplaintType == "" {
		return ServiceRequest{}, reject(ReasonMissingComplaintType, "complaint_type is required")
	}

	req := ServiceRequest{
		UniqueKey:     c.UniqueKey,
		CreatedAt:     c.CreatedAt,
		ClosedAt:      c.ClosedAt,
		ComplaintType: c.ComplaintType,
		Descriptor:    c.Descriptor,
	}

	if c.BoroughText != "" {
		b, ok := v.rules.ResolveBorough(c.BoroughText)
		if !ok {
			return ServiceRequest{}, reject(ReasonInvalidBorough, "%q", c.BoroughText)
		}

		req.Borough = b
	}

	switch {
	case c.Latitude == nil && c.Longitude == nil:
	case c.Latitude == nil || c.Longitude == nil:
		return ServiceRequest{}, reject(ReasonUnpairedCoordinates, "latitude and longitude must both be present or both absent")
	default:
		coords := Coordinates{Latitude: *c.Latitude, Longitude: *c.Longitude}
		if !v.bounds.Contains(coords) {
			return ServiceRequest{}, reject(ReasonOutOfBounds, "(%g, %g)", coords.Latitude, coords.Longitude)
		}

		req.Coordinates = &coords
	}

	if c.ClosedAt != nil && c.ClosedAt.Before(c.CreatedAt) {
		return ServiceRequest{}, reject(ReasonClosedBeforeCreated, "closed %s before created %s",
			c.ClosedAt.Format("2006-01-02T15:04:05Z"), c.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}

	return req, nil
}
