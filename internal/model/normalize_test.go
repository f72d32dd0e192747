package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptFloatAcceptsNumbersStringsAndNull(t *testing.T) {
	var rec struct {
		A OptFloat `json:"a"`
		B OptFloat `json:"b"`
		C OptFloat `json:"c"`
		D OptFloat `json:"d"`
		E OptFloat `json:"e"`
	}
	err := json.Unmarshal([]byte(`{"a":52.1,"b":"-1.25","c":null,"d":"n/a"}`), &rec)
	require.NoError(t, err)

	assert.Equal(t, Float(52.1), rec.A)
	assert.Equal(t, Float(-1.25), rec.B)
	assert.False(t, rec.C.Valid)
	assert.False(t, rec.D.Valid)
	assert.False(t, rec.E.Valid)
}

func TestFlexIDAcceptsNumbers(t *testing.T) {
	var rec ClusterRecord
	require.NoError(t, json.Unmarshal([]byte(`{"id":42,"name":"North"}`), &rec))
	assert.Equal(t, "42", rec.ID.String())

	require.NoError(t, json.Unmarshal([]byte(`{"id":"c-7"}`), &rec))
	assert.Equal(t, "c-7", rec.ID.String())
}

func TestPointFromRejectsPlaceholders(t *testing.T) {
	assert.Nil(t, PointFrom(OptFloat{}, Float(-1.5)))
	assert.Nil(t, PointFrom(Float(0), Float(0)))
	assert.Nil(t, PointFrom(Float(95), Float(1)))
	assert.Nil(t, PointFrom(Float(52), Float(181)))

	p := PointFrom(Float(52.48), Float(-1.89))
	require.NotNil(t, p)
	assert.Equal(t, GeoPoint{Lat: 52.48, Lng: -1.89}, *p)
}

func TestClusterRecordUsesFallback(t *testing.T) {
	fallback := GeoPoint{Lat: 53.0, Lng: -1.5}
	rec := ClusterRecord{ID: "1", Name: " North ", Postcode: "B1 1AA", TotalRequestCount: 3, TotalCarerCount: 2}

	c := rec.Cluster(fallback)
	assert.Equal(t, "North", c.Name)
	assert.Equal(t, fallback, c.Location)
	assert.Equal(t, "N/A", c.AverageMatchTime)
	assert.Equal(t, 3, c.ClientCount)
	assert.Equal(t, 2, c.CaretakerCount)

	avg := "2 days"
	rec.AverageMatchTime = &avg
	rec.Latitude, rec.Longitude = Float(52.4), Float(-1.9)
	c = rec.Cluster(fallback)
	assert.Equal(t, GeoPoint{Lat: 52.4, Lng: -1.9}, c.Location)
	assert.Equal(t, "2 days", c.AverageMatchTime)
}

func TestMemberRecordEntity(t *testing.T) {
	rec := MemberRecord{ID: "9", FirstName: "Ada", LastName: "Lovelace", Status: "Inactive", StartTime: "09:00", EndTime: "10:00"}
	e := rec.Entity(KindClient)

	assert.Equal(t, "Ada Lovelace", e.Name)
	assert.Equal(t, StatusInactive, e.Status)
	assert.False(t, e.Located())
	require.NotNil(t, e.Window)
	assert.Equal(t, "09:00", e.Window.Start)
}

func TestParseMemberKind(t *testing.T) {
	for _, s := range []string{"carer", "carers", "caretaker"} {
		k, ok := ParseMemberKind(s)
		assert.True(t, ok, s)
		assert.Equal(t, KindCaretaker, k)
	}
	_, ok := ParseMemberKind("driver")
	assert.False(t, ok)
}

func TestRequireClusterFields(t *testing.T) {
	err := RequireClusterFields(" ", "B1")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "name", ve.Field)

	assert.NoError(t, RequireClusterFields("North", "B1"))
}
