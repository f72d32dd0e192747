package model

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Wire shapes returned by the cluster service. Field names follow the service payloads;
// use the normalisers in normalize.go before handing data to the engine.

type ClusterRecord struct {
	ID                FlexID   `json:"id"`
	Name              string   `json:"name"`
	Postcode          string   `json:"postcode"`
	Description       string   `json:"description"`
	Location          string   `json:"location"`
	Latitude          OptFloat `json:"latitude"`
	Longitude         OptFloat `json:"longitude"`
	TotalRequestCount int      `json:"totalRequestCount"`
	TotalCarerCount   int      `json:"totalCarerCount"`
	AverageMatchTime  *string  `json:"averageMatchTime"`
}

type MemberRecord struct {
	ID        FlexID   `json:"id"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Postcode  string   `json:"postcode"`
	Address   string   `json:"address"`
	Status    string   `json:"status"`
	Latitude  OptFloat `json:"latitude"`
	Longitude OptFloat `json:"longitude"`
	StartTime string   `json:"startTime,omitempty"`
	EndTime   string   `json:"endTime,omitempty"`
}

type CarerRecord struct {
	ID        FlexID   `json:"id"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Latitude  OptFloat `json:"latitude"`
	Longitude OptFloat `json:"longitude"`
	Distance  OptFloat `json:"distance"`
	Duration  OptFloat `json:"duration"`
}

// ClientCaretakers is the per-client caretaker lookup payload.
type ClientCaretakers struct {
	ClientLatitude  OptFloat      `json:"clientLatitude"`
	ClientLongitude OptFloat      `json:"clientLongitude"`
	ClientPostcode  string        `json:"clientPostcode"`
	TotalCarers     int           `json:"totalCarers"`
	TotalVisits     int           `json:"totalVisits"`
	Carers          []CarerRecord `json:"carers"`
}

// ClusterWrite is the body sent on create and update.
type ClusterWrite struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Postcode    string   `json:"postcode"`
	Location    string   `json:"location"`
	Latitude    OptFloat `json:"latitude"`
	Longitude   OptFloat `json:"longitude"`
}

// MemberAddress rewrites the descriptive address fields of a member.
type MemberAddress struct {
	Postcode string `json:"postcode"`
	Address  string `json:"address"`
}

// OptFloat is a nullable number that also accepts numeric strings.
// Unparseable strings decode as absent rather than failing the whole payload.
type OptFloat struct {
	Value float64
	Valid bool
}

func Float(v float64) OptFloat { return OptFloat{Value: v, Valid: true} }

func (o *OptFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = OptFloat{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			*o = OptFloat{}
			return nil
		}
		*o = OptFloat{Value: f, Valid: true}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*o = OptFloat{Value: f, Valid: true}
	return nil
}

func (o OptFloat) MarshalJSON() ([]byte, error) {
	if !o.Valid || math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// Ptr returns nil when absent.
func (o OptFloat) Ptr() *float64 {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

// FlexID accepts numeric and string identifiers and always carries a string.
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }
