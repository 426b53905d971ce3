package models

import "fmt"

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ValidateCoord checks coordinate ranges. Everything inside the ranges is
// accepted; matching precision is handled elsewhere.
func ValidateCoord(c Coord) error {
	if c.Lat < -90 || c.Lat > 90 {
		return Invalid("lat", fmt.Sprintf("latitude %f outside [-90,90]", c.Lat))
	}
	if c.Lon < -180 || c.Lon > 180 {
		return Invalid("lon", fmt.Sprintf("longitude %f outside [-180,180]", c.Lon))
	}
	return nil
}
