// Package geo holds the distance and placement helpers used by grouping, assignment and
// map rendering. All functions are pure; inputs are assumed to be well-formed coordinates.
package geo

import (
	"math"

	"github.com/paulmach/orb"

	"caremap/internal/model"
)

// EarthRadiusKm is the mean earth radius used for every distance in the engine.
const EarthRadiusKm = 6371.0

const earthRadiusM = EarthRadiusKm * 1000

// Distance returns the haversine distance between a and b in kilometres.
func Distance(a, b model.GeoPoint) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lng - a.Lng)
	sLat := math.Sin(dLat / 2)
	sLon := math.Sin(dLon / 2)
	h := sLat*sLat + math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*sLon*sLon
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// OffsetPoint returns the point reached by travelling radiusM metres from center along
// the initial bearing (degrees clockwise from north).
func OffsetPoint(center model.GeoPoint, bearingDeg, radiusM float64) model.GeoPoint {
	lat1 := rad(center.Lat)
	lon1 := rad(center.Lng)
	brg := rad(bearingDeg)
	ang := radiusM / earthRadiusM

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(math.Sin(brg)*math.Sin(ang)*math.Cos(lat1), math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2))

	return model.GeoPoint{Lat: deg(lat2), Lng: normalizeLng(deg(lon2))}
}

// CirclePolygon approximates a circle with pointCount vertices. The ring is closed:
// the first vertex is repeated at the end. Fewer than 3 points are raised to 3.
func CirclePolygon(center model.GeoPoint, radiusM float64, pointCount int) orb.Ring {
	if pointCount < 3 {
		pointCount = 3
	}
	ring := make(orb.Ring, 0, pointCount+1)
	step := 360.0 / float64(pointCount)
	for i := 0; i < pointCount; i++ {
		ring = append(ring, Point(OffsetPoint(center, float64(i)*step, radiusM)))
	}
	return append(ring, ring[0])
}

// Midpoint is the planar midpoint, which is where distance labels are anchored.
func Midpoint(a, b model.GeoPoint) model.GeoPoint {
	return model.GeoPoint{Lat: (a.Lat + b.Lat) / 2, Lng: (a.Lng + b.Lng) / 2}
}

// Centroid averages a non-empty set of points.
func Centroid(points []model.GeoPoint) model.GeoPoint {
	if len(points) == 0 {
		return model.GeoPoint{}
	}
	var lat, lng float64
	for _, p := range points {
		lat += p.Lat
		lng += p.Lng
	}
	n := float64(len(points))
	return model.GeoPoint{Lat: lat / n, Lng: lng / n}
}

// Bounds returns the bounding box of points and false when points is empty.
func Bounds(points []model.GeoPoint) (orb.Bound, bool) {
	if len(points) == 0 {
		return orb.Bound{}, false
	}
	b := Point(points[0]).Bound()
	for _, p := range points[1:] {
		b = b.Extend(Point(p))
	}
	return b, true
}

// Point converts to orb's lon/lat order.
func Point(p model.GeoPoint) orb.Point { return orb.Point{p.Lng, p.Lat} }

// FromPoint converts from orb's lon/lat order.
func FromPoint(p orb.Point) model.GeoPoint { return model.GeoPoint{Lat: p.Lat(), Lng: p.Lon()} }

func rad(d float64) float64 { return d * math.Pi / 180 }

func deg(r float64) float64 { return r * 180 / math.Pi }

func normalizeLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
