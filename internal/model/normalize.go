package model

import (
	"math"
	"strings"
)

// PointFrom returns nil unless both values are present, finite, in range and not the
// 0/0 placeholder the service emits for ungeocoded records.
func PointFrom(lat, lng OptFloat) *GeoPoint {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	if !finite(lat.Value) || !finite(lng.Value) {
		return nil
	}
	if lat.Value == 0 || lng.Value == 0 {
		return nil
	}
	if lat.Value < -90 || lat.Value > 90 || lng.Value < -180 || lng.Value > 180 {
		return nil
	}
	return &GeoPoint{Lat: lat.Value, Lng: lng.Value}
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Cluster normalises a service record. Clusters always carry a coordinate; fallback is
// used when the record has none.
func (r ClusterRecord) Cluster(fallback GeoPoint) Cluster {
	loc := fallback
	if p := PointFrom(r.Latitude, r.Longitude); p != nil {
		loc = *p
	}
	avg := "N/A"
	if r.AverageMatchTime != nil && strings.TrimSpace(*r.AverageMatchTime) != "" {
		avg = *r.AverageMatchTime
	}
	return Cluster{
		ID:               r.ID.String(),
		Name:             strings.TrimSpace(r.Name),
		Description:      r.Description,
		Postcode:         strings.TrimSpace(r.Postcode),
		Region:           r.Location,
		Location:         loc,
		ClientCount:      r.TotalRequestCount,
		CaretakerCount:   r.TotalCarerCount,
		AverageMatchTime: avg,
	}
}

// Entity normalises a member record of the given kind.
func (r MemberRecord) Entity(kind MemberKind) LocatedEntity {
	e := LocatedEntity{
		ID:       r.ID.String(),
		Kind:     kind,
		Name:     fullName(r.FirstName, r.LastName),
		Postcode: strings.TrimSpace(r.Postcode),
		Address:  r.Address,
		Location: PointFrom(r.Latitude, r.Longitude),
		Status:   parseStatus(r.Status),
	}
	if r.StartTime != "" || r.EndTime != "" {
		e.Window = &TimeWindow{Start: r.StartTime, End: r.EndTime}
	}
	return e
}

// Entity normalises a caretaker entry of a per-client lookup.
func (r CarerRecord) Entity() LocatedEntity {
	return LocatedEntity{
		ID:       r.ID.String(),
		Kind:     KindCaretaker,
		Name:     fullName(r.FirstName, r.LastName),
		Location: PointFrom(r.Latitude, r.Longitude),
		Status:   StatusActive,
	}
}

// Entities normalises a list of member records.
func Entities(recs []MemberRecord, kind MemberKind) []LocatedEntity {
	out := make([]LocatedEntity, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Entity(kind))
	}
	return out
}

// Write converts a ClusterSpec into the service request body.
func (s ClusterSpec) Write() ClusterWrite {
	w := ClusterWrite{Name: s.Name, Description: s.Description, Postcode: s.Postcode, Location: s.Region}
	if s.Location != nil {
		w.Latitude, w.Longitude = Float(s.Location.Lat), Float(s.Location.Lng)
	}
	return w
}

func fullName(first, last string) string {
	return strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
}

func parseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inactive", "disabled", "archived":
		return StatusInactive
	}
	return StatusActive
}
