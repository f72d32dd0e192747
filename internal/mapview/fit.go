package mapview

import (
	"math"

	"github.com/paulmach/orb"

	"caremap/internal/geo"
	"caremap/internal/model"
)

const tileSize = 256.0

// Fit is the last bounds-fitting request applied to the camera.
type Fit struct {
	Bounds  orb.Bound `json:"bounds"`
	Padding float64   `json:"padding"`
	MaxZoom float64   `json:"maxZoom"`
	Zoom    float64   `json:"zoom"`
}

// fitCamera centres on the bounds of points and picks the largest whole zoom that keeps
// them inside a width x height viewport less padding, capped at maxZoom.
func fitCamera(points []model.GeoPoint, width, height, padding, maxZoom float64) (Camera, Fit, bool) {
	b, ok := geo.Bounds(points)
	if !ok {
		return Camera{}, Fit{}, false
	}
	z := fitZoom(b, width, height, padding, maxZoom)
	c := b.Center()
	cam := Camera{Center: geo.FromPoint(c), Zoom: z}
	return cam, Fit{Bounds: b, Padding: padding, MaxZoom: maxZoom, Zoom: z}, true
}

func fitZoom(b orb.Bound, width, height, padding, maxZoom float64) float64 {
	w := math.Max(width-2*padding, 1)
	h := math.Max(height-2*padding, 1)

	lonFrac := (b.Max.Lon() - b.Min.Lon()) / 360
	latFrac := (mercY(b.Max.Lat()) - mercY(b.Min.Lat())) / (2 * math.Pi)

	z := maxZoom
	if lonFrac > 0 {
		z = math.Min(z, math.Log2(w/tileSize/lonFrac))
	}
	if latFrac > 0 {
		z = math.Min(z, math.Log2(h/tileSize/latFrac))
	}
	return math.Max(0, math.Floor(z))
}

func mercY(lat float64) float64 {
	lat = math.Max(math.Min(lat, 85.05112878), -85.05112878)
	return math.Log(math.Tan(math.Pi/4 + lat*math.Pi/360))
}
