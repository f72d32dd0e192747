package model

import (
	"fmt"
	"strings"
)

// ValidationError reports a missing or malformed required field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// PreconditionError reports a delete attempted on a cluster that still has members.
type PreconditionError struct {
	ClusterID  string
	Clients    int
	Caretakers int
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition: cluster %s still has %d client(s) and %d caretaker(s); move them before deleting",
		e.ClusterID, e.Clients, e.Caretakers)
}

// ServiceError wraps a failed call to the cluster service.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string { return fmt.Sprintf("service: %s: %v", e.Op, e.Err) }

func (e *ServiceError) Unwrap() error { return e.Err }

// GeocodeMiss reports an address search with no usable coordinate.
type GeocodeMiss struct {
	Query string
}

func (e *GeocodeMiss) Error() string { return fmt.Sprintf("geocode: no coordinate for %q", e.Query) }

// PartialDataError reports one entity dropped from a batch.
type PartialDataError struct {
	EntityID string
	Reason   string
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("partial data: %s: %s", e.EntityID, e.Reason)
}

// RequireClusterFields validates the fields every create and update must carry.
func RequireClusterFields(name, postcode string) error {
	var missing []string
	if strings.TrimSpace(name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(postcode) == "" {
		missing = append(missing, "postcode")
	}
	if len(missing) > 0 {
		return &ValidationError{Field: strings.Join(missing, ","), Message: "please fill in postcode and name"}
	}
	return nil
}
